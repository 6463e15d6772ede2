package rewrite

import (
	"io"
	"net"

	"github.com/foxcpp/postfixcore/framework/log"
	"github.com/foxcpp/postfixcore/internal/attr"
)

// Server exposes a Rewriter over the framed attribute IPC, one record
// per request: {ruleset, address} in, {address} or {error} out. The
// connection stays open across many requests, same as trivial-rewrite
// keeps one persistent stream per client.
type Server struct {
	Rewriter *Rewriter
	Log      log.Logger
}

// Serve handles requests on one connection until it closes or a
// framing error occurs.
func (s *Server) Serve(conn net.Conn) {
	defer conn.Close()
	r := attr.NewReader(conn, attr.FormatText)
	w := attr.NewWriter(conn, attr.FormatText)

	for {
		fields, err := r.ReadStrict([]string{"ruleset", "address"}, nil)
		if err != nil {
			if err != io.EOF {
				s.Log.Error("rewrite: malformed request", err)
			}
			return
		}

		ruleset, _ := attr.LookupString(fields, "ruleset")
		addr, _ := attr.LookupString(fields, "address")

		result, err := s.Rewriter.Rewrite(ruleset, addr)
		if err != nil {
			if werr := w.WriteRecord(attr.Str("error", err.Error())); werr != nil {
				s.Log.Error("rewrite: write reply", werr)
				return
			}
			continue
		}

		if err := w.WriteRecord(attr.Str("address", result)); err != nil {
			s.Log.Error("rewrite: write reply", err)
			return
		}
	}
}

// ListenAndServe accepts connections on l and serves each on its own
// goroutine, matching the goroutine-per-service/per-connection model
// described for cmd/postmaster.
func (s *Server) ListenAndServe(l net.Listener) error {
	for {
		conn, err := l.Accept()
		if err != nil {
			return err
		}
		go s.Serve(conn)
	}
}
