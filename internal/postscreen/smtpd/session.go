package smtpd

import (
	"fmt"
	"strings"
	"time"
)

// Config holds the per-listener policy: which action each test takes
// when triggered, how long a pass or an ignore-forgiveness lasts, and
// the protocol limits that make postscreen itself hard to abuse.
type Config struct {
	BareLFAction     Action
	NonSMTPAction    Action
	PipeliningAction Action

	MinTTL        time.Duration // IGNORE forgiveness window
	BareLFTTL     time.Duration // pass lifetime once earned
	NonSMTPTTL    time.Duration
	PipeliningTTL time.Duration

	CommandCountLimit int
	CommandTimeLimit  time.Duration
	MaxLineLength     int

	// ForbidCommands are verbs that, though not in the real command
	// table, are common enough abuse signatures (e.g. raw HTTP verbs)
	// to count as a non-SMTP-command violation on their own even when
	// the line doesn't look like a mail header.
	ForbidCommands []string

	ServerName string
}

// Session is one client connection's postscreen dummy-protocol state.
// It never touches the network itself; Dispatch is pure so it can be
// driven either directly or through the event loop's read callback.
type Session struct {
	cfg *Config
	now func() time.Time

	HeloName string
	ESMTP    bool

	BareLF     TestState
	NonSMTP    TestState
	Pipelining TestState

	BareLFStamp     time.Time
	NonSMTPStamp    time.Time
	PipeliningStamp time.Time

	CommandCount  int
	Enforced      bool
	enforcedReply string
}

// NewSession starts a session with nothing passed or failed yet; each
// of the three tests starts armed (TODO set) only if its arm argument is
// true, so the caller decides per client which tests run.
func NewSession(cfg *Config, armBareLF, armNonSMTP, armPipelining bool) *Session {
	return &Session{
		cfg:        cfg,
		now:        time.Now,
		BareLF:     TestState{Todo: armBareLF},
		NonSMTP:    TestState{Todo: armNonSMTP},
		Pipelining: TestState{Todo: armPipelining},
	}
}

// replies mirror ps_smtpd_init's canned strings exactly in spirit: one
// generic 250 for the fake-out and housekeeping commands, a 502 for
// anything genuinely unrecognized, 421/521/550 for the limit and test
// failure paths.
const (
	replyGreetingFmt      = "220 %s ESMTP\r\n"
	replyHelo             = "250 %s\r\n"
	replyGeneric250       = "250 2.0.0 Ok\r\n"
	replyQuit             = "221 2.0.0 Bye\r\n"
	replyUnknownCmd       = "502 5.5.2 Error: command not recognized\r\n"
	replyTooManyCmds      = "421 4.7.0 Error: too many commands\r\n"
	reply521ProtocolError = "521 5.5.1 Protocol error\r\n"
	replyEnforce          = "550 5.7.1 Service unavailable\r\n"
	replyTimeout          = "421 4.4.2 Error: timeout exceeded\r\n"
)

// Greeting returns the banner to send at connection start. EHLO's reply
// deliberately omits PIPELINING — see ehlo's own comment — but the
// connection banner has nothing to do with that and is unconditional.
func (s *Session) Greeting() string {
	return fmt.Sprintf(replyGreetingFmt, s.cfg.ServerName)
}

type commandHandler func(s *Session, args string) string

// commandTable enumerates every verb the dummy engine answers. AUTH,
// XCLIENT and XFORWARD are fake-outs: a real smtpd further down the
// pipeline will see them again once postscreen hands the connection
// off, so postscreen itself just nods along with 250 rather than
// rejecting them outright or pretending not to understand.
var commandTable = map[string]commandHandler{
	"HELO":     cmdHelo,
	"EHLO":     cmdEhlo,
	"MAIL":     cmdGeneric250,
	"RCPT":     cmdGeneric250,
	"DATA":     cmdGeneric250,
	"RSET":     cmdGeneric250,
	"NOOP":     cmdGeneric250,
	"VRFY":     cmdGeneric250,
	"ETRN":     cmdGeneric250,
	"QUIT":     cmdQuit,
	"AUTH":     cmdGeneric250,
	"XCLIENT":  cmdGeneric250,
	"XFORWARD": cmdGeneric250,
}

func cmdHelo(s *Session, args string) string {
	s.HeloName = args
	s.ESMTP = false
	return fmt.Sprintf(replyHelo, s.cfg.ServerName)
}

func cmdEhlo(s *Session, args string) string {
	s.HeloName = args
	s.ESMTP = true
	// PIPELINING is never advertised: a client that pipelines anyway is
	// the exact signal the pipelining test is looking for.
	return fmt.Sprintf("250-%s\r\n250 8BITMIME\r\n", s.cfg.ServerName)
}

func cmdGeneric250(s *Session, args string) string { return replyGeneric250 }

func cmdQuit(s *Session, args string) string { return replyQuit }

func splitCommand(line string) (verb, args string) {
	line = strings.TrimSpace(line)
	i := strings.IndexByte(line, ' ')
	if i < 0 {
		return strings.ToUpper(line), ""
	}
	return strings.ToUpper(line[:i]), strings.TrimSpace(line[i+1:])
}

// looksLikeMailHeader matches the original's "non_smtp_command_patterns"
// shortcut: a line of the form "Word:" close to the start of a message,
// the single most common shape of a client that pasted a raw message
// into the socket instead of speaking SMTP.
func looksLikeMailHeader(line string) bool {
	i := strings.IndexByte(line, ':')
	if i <= 0 {
		return false
	}
	for _, c := range line[:i] {
		if c == ' ' || c == '\t' {
			return false
		}
	}
	return true
}

func (s *Session) isForbiddenVerb(verb string) bool {
	for _, f := range s.cfg.ForbidCommands {
		if strings.EqualFold(f, verb) {
			return true
		}
	}
	return false
}

