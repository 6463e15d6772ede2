package smtpd

import (
	"bufio"
	"errors"
)

// ErrLineTooLong is returned when a command line exceeds maxLen bytes
// without being terminated.
var ErrLineTooLong = errors.New("smtpd: command line too long")

// readState mirrors PS_SMTPD_CMD_ST_ANY / _CR / _CR_LF: a three-state
// automaton that recognizes a trailing CRLF one byte at a time, the same
// way postscreen does so it can also recognize a bare LF as a distinct
// condition instead of silently treating it as a line terminator.
const (
	stAny = iota
	stCR
)

// ReadCommandLine reads one command line from r, one byte at a time.
// It returns the line with its terminator stripped, and bareLF=true if
// the line ended in a '\n' that was not immediately preceded by a '\r'
// that itself terminated the line (i.e. any LF not part of a trailing
// CRLF pair). A '\r' that is not immediately followed by '\n' is not an
// error: it re-arms the CR state and stays in the line, matching the
// automaton in postscreen_smtpd.c exactly (an embedded "\r\r\n" keeps
// the first \r as literal content and only strips the final CRLF).
func ReadCommandLine(r *bufio.Reader, maxLen int) (line string, bareLF bool, err error) {
	var buf []byte
	state := stAny

	for {
		if state == stAny && maxLen > 0 && len(buf) >= maxLen {
			return "", false, ErrLineTooLong
		}

		ch, err := r.ReadByte()
		if err != nil {
			return "", false, err
		}
		buf = append(buf, ch)

		switch state {
		case stAny:
			if ch == '\r' {
				state = stCR
			}
		case stCR:
			if ch == '\n' {
				return string(buf[:len(buf)-2]), false, nil
			}
			if ch == '\r' {
				state = stCR
			} else {
				state = stAny
			}
		}

		if ch == '\n' && state == stAny {
			return string(buf[:len(buf)-1]), true, nil
		}
	}
}
