package resolve

import (
	"context"
	"io"
	"net"

	"github.com/foxcpp/postfixcore/framework/log"
	"github.com/foxcpp/postfixcore/internal/attr"
)

// Server exposes a Resolver over the framed attribute IPC, mirroring
// resolve_proto: one record per request ({address} in), one record
// per reply ({transport, nexthop, recipient, class, flags} out).
type Server struct {
	Resolver *Resolver
	Log      log.Logger
}

func (s *Server) Serve(conn net.Conn) {
	defer conn.Close()
	r := attr.NewReader(conn, attr.FormatText)
	w := attr.NewWriter(conn, attr.FormatText)

	for {
		fields, err := r.ReadStrict([]string{"address"}, nil)
		if err != nil {
			if err != io.EOF {
				s.Log.Error("resolve: malformed request", err)
			}
			return
		}
		addr, _ := attr.LookupString(fields, "address")

		reply, err := s.Resolver.Resolve(context.Background(), addr)
		if err != nil {
			s.Log.Error("resolve: internal error", err)
			return
		}

		err = w.WriteRecord(
			attr.Str("transport", reply.Transport),
			attr.Str("nexthop", reply.Nexthop),
			attr.Str("recipient", reply.Recipient),
			attr.Int("class", int64(reply.Class)),
			attr.Int("flags", int64(reply.Flags)),
		)
		if err != nil {
			s.Log.Error("resolve: write reply", err)
			return
		}
	}
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
