package rewrite

import (
	"net"
	"testing"

	"github.com/foxcpp/postfixcore/framework/log"
	"github.com/foxcpp/postfixcore/internal/attr"
)

// TestExternalizeInternalizeRoundTrips checks that quoting a local
// part containing special characters and then unquoting it recovers
// the original internal-form address.
func TestExternalizeInternalizeRoundTrips(t *testing.T) {
	in := `john smith@example.com`
	ext, err := Externalize(in)
	if err != nil {
		t.Fatal(err)
	}
	if ext != `"john smith"@example.com` {
		t.Fatalf("externalized = %q, want %q", ext, `"john smith"@example.com`)
	}

	back, err := Internalize(ext)
	if err != nil {
		t.Fatal(err)
	}
	if back != in {
		t.Fatalf("round trip = %q, want %q", back, in)
	}
}

// TestRewriteAppliesUntilFixpoint checks the repeat-until-stable loop:
// a rule that strips one "old." prefix per pass must be run as many
// times as prefixes are present.
func TestRewriteAppliesUntilFixpoint(t *testing.T) {
	rw := New()
	rw.Rulesets["strip-old"] = []Rule{
		func(addr string) (string, bool) {
			const prefix = "old."
			if len(addr) > len(prefix) && addr[:len(prefix)] == prefix {
				return addr[len(prefix):], true
			}
			return addr, false
		},
	}

	out, err := rw.Rewrite("strip-old", "old.old.old.alice@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if out != "alice@example.com" {
		t.Fatalf("rewrite result = %q, want alice@example.com", out)
	}
}

// TestRewriteUnknownRuleset checks that an unconfigured ruleset name
// is reported as an error rather than silently passing the address
// through unchanged.
func TestRewriteUnknownRuleset(t *testing.T) {
	rw := New()
	if _, err := rw.Rewrite("nonexistent", "a@b"); err == nil {
		t.Fatal("expected an error for an unknown ruleset")
	}
}

// TestServerRoundTripsOneRequest drives the attribute-IPC server over
// an in-memory net.Pipe and checks the wire protocol end to end.
func TestServerRoundTripsOneRequest(t *testing.T) {
	rw := New()
	rw.Rulesets["canon"] = []Rule{
		func(addr string) (string, bool) {
			if addr == "bob" {
				return "bob@example.com", true
			}
			return addr, false
		},
	}
	srv := &Server{Rewriter: rw, Log: log.Logger{Name: "rewrite-test"}}

	clientConn, serverConn := net.Pipe()
	go srv.Serve(serverConn)
	defer clientConn.Close()

	w := attr.NewWriter(clientConn, attr.FormatText)
	r := attr.NewReader(clientConn, attr.FormatText)

	if err := w.WriteRecord(attr.Str("ruleset", "canon"), attr.Str("address", "bob")); err != nil {
		t.Fatal(err)
	}
	reply, err := r.ReadRecord()
	if err != nil {
		t.Fatal(err)
	}
	if len(reply) != 1 || reply[0].Name != "address" || reply[0].String != "bob@example.com" {
		t.Fatalf("reply = %+v, want single address=bob@example.com", reply)
	}
}
