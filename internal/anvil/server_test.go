package anvil

import (
	"net"
	"testing"
	"time"

	"github.com/foxcpp/postfixcore/framework/log"
	"github.com/foxcpp/postfixcore/internal/attr"
)

func TestServerConnectDisconnectLookupRoundTrip(t *testing.T) {
	tbl := New(time.Hour)
	srv := &Server{Table: tbl, Log: log.Logger{Name: "anvil-test"}}

	clientConn, serverConn := net.Pipe()
	go srv.Serve(serverConn)
	defer clientConn.Close()

	w := attr.NewWriter(clientConn, attr.FormatText)
	r := attr.NewReader(clientConn, attr.FormatText)

	mustRecord := func(req map[string]attr.Attr) []attr.Attr {
		t.Helper()
		if err := w.WriteRecord(req["request"], req["ident"]); err != nil {
			t.Fatal(err)
		}
		reply, err := r.ReadRecord()
		if err != nil {
			t.Fatal(err)
		}
		return reply
	}

	connReply := mustRecord(map[string]attr.Attr{
		"request": attr.Str("request", "connect"),
		"ident":   attr.Str("ident", "smtp:1.2.3.4"),
	})
	fields := toMap(connReply)
	if status, _ := attr.LookupInt(fields, "status"); status != 0 {
		t.Fatalf("connect status = %d, want 0", status)
	}
	if count, _ := attr.LookupInt(fields, "count"); count != 1 {
		t.Fatalf("connect count = %d, want 1", count)
	}

	lookupReply := mustRecord(map[string]attr.Attr{
		"request": attr.Str("request", "lookup"),
		"ident":   attr.Str("ident", "smtp:1.2.3.4"),
	})
	fields = toMap(lookupReply)
	if count, _ := attr.LookupInt(fields, "count"); count != 1 {
		t.Fatalf("lookup count = %d, want 1", count)
	}

	discReply := mustRecord(map[string]attr.Attr{
		"request": attr.Str("request", "disconnect"),
		"ident":   attr.Str("ident", "smtp:1.2.3.4"),
	})
	fields = toMap(discReply)
	if status, _ := attr.LookupInt(fields, "status"); status != 0 {
		t.Fatalf("disconnect status = %d, want 0", status)
	}

	stats, ok := tbl.Lookup("smtp:1.2.3.4")
	if !ok || stats.Count != 0 {
		t.Fatalf("table state after disconnect = %+v, ok=%v, want count 0", stats, ok)
	}
}

func toMap(attrs []attr.Attr) map[string]attr.Attr {
	m := make(map[string]attr.Attr, len(attrs))
	for _, a := range attrs {
		m[a.Name] = a
	}
	return m
}
