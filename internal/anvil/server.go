package anvil

import (
	"io"
	"net"

	"github.com/foxcpp/postfixcore/framework/log"
	"github.com/foxcpp/postfixcore/internal/attr"
)

// Server exposes a Table over the framed attribute IPC described in
// §6: request={connect|disconnect|lookup} ident=<s> ->
// status=<0|-1> count=<n> rate=<n>, with ident="*" streaming every
// tracked entry for a lookup request.
//
// One Server instance is meant to be shared by every connection
// accepted on its listener, since - unlike RewriteClient's one
// client/one connection pairing - every local caller (an smtpd
// session, say) reports against the same shared Table. Each accepted
// connection is treated as one local handle for CleanupLocal purposes,
// keyed by its remote address string.
type Server struct {
	Table *Table
	Log   log.Logger
}

func (s *Server) Serve(conn net.Conn) {
	handle := conn.RemoteAddr().String()
	defer func() {
		s.Table.CleanupLocal(handle)
		conn.Close()
	}()

	r := attr.NewReader(conn, attr.FormatText)
	w := attr.NewWriter(conn, attr.FormatText)

	for {
		fields, err := r.ReadStrict([]string{"request", "ident"}, nil)
		if err != nil {
			if err != io.EOF {
				s.Log.Error("anvil: malformed request", err)
			}
			return
		}
		request, _ := attr.LookupString(fields, "request")
		ident, _ := attr.LookupString(fields, "ident")

		var writeErr error
		switch request {
		case "connect":
			stats := s.Table.Connect(handle, ident)
			writeErr = w.WriteRecord(attr.Int("status", 0), attr.Int("count", int64(stats.Count)), attr.Int("rate", int64(stats.Rate)))
		case "disconnect":
			s.Table.Disconnect(handle, ident)
			writeErr = w.WriteRecord(attr.Int("status", 0))
		case "lookup":
			writeErr = s.serveLookup(w, ident)
		default:
			s.Log.Msg("anvil: unrecognized request, ignored", "request", request)
			writeErr = w.WriteRecord(attr.Int("status", -1))
		}
		if writeErr != nil {
			s.Log.Error("anvil: write reply", writeErr)
			return
		}
	}
}

func (s *Server) serveLookup(w *attr.Writer, ident string) error {
	if ident == "*" {
		for key, stats := range s.Table.LookupAll() {
			if err := w.WriteRecord(
				attr.Int("status", 0),
				attr.Str("ident", key),
				attr.Int("count", int64(stats.Count)),
				attr.Int("rate", int64(stats.Rate)),
			); err != nil {
				return err
			}
		}
		return w.WriteRecord(attr.Int("status", 0))
	}

	stats, ok := s.Table.Lookup(ident)
	if !ok {
		return w.WriteRecord(attr.Int("status", -1), attr.Int("count", 0), attr.Int("rate", 0))
	}
	return w.WriteRecord(attr.Int("status", 0), attr.Int("count", int64(stats.Count)), attr.Int("rate", int64(stats.Rate)))
}

func (s *Server) ListenAndServe(l net.Listener) error {
	for {
		conn, err := l.Accept()
		if err != nil {
			return err
		}
		go s.Serve(conn)
	}
}
