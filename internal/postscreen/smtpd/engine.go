package smtpd

import (
	"bufio"
	"context"
	"io"
	"time"
)

// Run drives one connection end to end: send the greeting, then read
// and dispatch commands until the client quits, the connection errs
// out, ctx is cancelled, or a triggered test closes the session.
//
// Grounded on ps_smtpd_tests/ps_smtpd_read_event in
// postscreen_smtpd.c, minus the event-driven scheduling (the caller's
// net.Conn deadline or the eventloop package supplies that) and minus
// the eventual XCLIENT hand-off to a real smtpd, which belongs to the
// supervisor wiring this session into the rest of the pipeline.
func Run(ctx context.Context, s *Session, r io.Reader, w io.Writer) error {
	if _, err := io.WriteString(w, s.Greeting()); err != nil {
		return err
	}

	br := bufio.NewReader(r)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line, bareLF, err := ReadCommandLine(br, s.cfg.MaxLineLength)
		if err != nil {
			return err
		}

		if bareLF && s.BareLF.Armed() {
			reply, mustClose := s.triggerBareLF()
			if mustClose {
				io.WriteString(w, reply)
				return nil
			}
			// ENFORCE stashed its reply in s.enforcedReply and armed
			// s.Enforced; IGNORE produced nothing to send. Either way
			// Dispatch below handles the actual reply for this line.
		}

		reply, quit := s.Dispatch(line)

		// The pipelining test fires at most once: after any command is
		// fully consumed while it is armed, if there is already more data sitting in
		// the buffer — exactly what a client that didn't wait for this
		// reply before sending the next one would produce.
		if s.Pipelining.Armed() && br.Buffered() > 0 {
			if _, mustClose := s.triggerPipelining(); mustClose {
				reply = reply521ProtocolError
				quit = true
			} else if s.Enforced {
				reply = s.enforcedReply
			}
		}

		if _, werr := io.WriteString(w, reply); werr != nil {
			return werr
		}
		if quit {
			return nil
		}
	}
}

// Dispatch parses and answers one already-delimited command line. It is
// pure (no I/O) so it can be unit tested and driven by Run or directly
// by an event-loop read callback.
func (s *Session) Dispatch(line string) (reply string, quit bool) {
	verb, args := splitCommand(line)

	handler, known := commandTable[verb]
	switch {
	case !known && s.NonSMTP.Armed() && (looksLikeMailHeader(line) || s.isForbiddenVerb(verb)):
		if r, mustClose := s.triggerNonSMTP(); mustClose {
			return r, true
		}
		reply = replyUnknownCmd
	case !known:
		reply = replyUnknownCmd
	default:
		reply = handler(s, args)
	}

	s.CommandCount++

	if verb == "RCPT" {
		s.awardPass(&s.BareLF, s.cfg.BareLFTTL, &s.BareLFStamp)
		s.awardPass(&s.NonSMTP, s.cfg.NonSMTPTTL, &s.NonSMTPStamp)
		s.awardPass(&s.Pipelining, s.cfg.PipeliningTTL, &s.PipeliningStamp)
	}

	if s.Enforced && verb != "QUIT" {
		reply = s.enforcedReply
	}

	if verb == "QUIT" {
		return reply, true
	}

	if s.cfg.CommandCountLimit > 0 && s.CommandCount > s.cfg.CommandCountLimit {
		return replyTooManyCmds, true
	}

	return reply, false
}

func (s *Session) awardPass(t *TestState, ttl time.Duration, stamp *time.Time) {
	if newStamp, ok := t.PassAtRcpt(s.now(), ttl); ok {
		*stamp = newStamp
	}
}

// applyTrigger runs Trigger for one test and threads its result into
// session state: DROP's reply is returned for the caller to send and
// close on; ENFORCE's reply is latched so every later reply in this
// session (bar QUIT) is replaced by it; IGNORE only updates the stamp.
func (s *Session) applyTrigger(t *TestState, action Action, stamp *time.Time) (reply string, mustClose bool) {
	res := t.Trigger(action, s.now(), s.cfg.MinTTL, reply521ProtocolError, replyEnforce)
	if res.StampValid {
		*stamp = res.NewStamp
	}
	if action == ActionEnforce && res.Reply != "" {
		s.Enforced = true
		s.enforcedReply = res.Reply
	}
	return res.Reply, res.MustClose
}

func (s *Session) triggerBareLF() (reply string, mustClose bool) {
	return s.applyTrigger(&s.BareLF, s.cfg.BareLFAction, &s.BareLFStamp)
}

func (s *Session) triggerNonSMTP() (reply string, mustClose bool) {
	return s.applyTrigger(&s.NonSMTP, s.cfg.NonSMTPAction, &s.NonSMTPStamp)
}

func (s *Session) triggerPipelining() (reply string, mustClose bool) {
	return s.applyTrigger(&s.Pipelining, s.cfg.PipeliningAction, &s.PipeliningStamp)
}
