package flush

import (
	"context"
	"io"
	"net"

	"github.com/foxcpp/postfixcore/framework/log"
	"github.com/foxcpp/postfixcore/internal/attr"
)

// Server exposes a Service over the framed attribute IPC per §6:
// request={add|send} site=<s> [queue_id=<s>] -> status=<0|1|2>.
type Server struct {
	Service *Service
	Log     log.Logger
}

func (s *Server) Serve(conn net.Conn) {
	defer conn.Close()
	r := attr.NewReader(conn, attr.FormatText)
	w := attr.NewWriter(conn, attr.FormatText)

	for {
		fields, err := r.ReadStrict([]string{"request", "site"}, nil)
		if err != nil {
			if err != io.EOF {
				s.Log.Error("flush: malformed request", err)
			}
			return
		}
		request, _ := attr.LookupString(fields, "request")
		site, _ := attr.LookupString(fields, "site")

		ctx := context.Background()
		var status Status
		var opErr error
		switch request {
		case "add":
			queueID, _ := attr.LookupString(fields, "queue_id")
			status, opErr = s.Service.Add(ctx, site, queueID)
		case "send":
			status, opErr = s.Service.Send(ctx, site)
		default:
			s.Log.Msg("flush: unrecognized request, ignored", "request", request)
			status = StatusBad
		}
		if opErr != nil {
			s.Log.Error("flush: request failed", opErr, "request", request, "site", site)
			status = StatusBad
		}

		if err := w.WriteRecord(attr.Int("status", int64(status))); err != nil {
			s.Log.Error("flush: write reply", err)
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
