package haproxy

import (
	"bufio"
	"fmt"
	"net"
)

// maxHeaderSize bounds a v2 header: 16 fixed bytes plus up to 240
// bytes of address/TLV payload, comfortably above the 36-byte IPv6
// address block this package actually decodes.
const maxHeaderSize = 256

// Listener wraps an inner net.Listener, consuming a single PROXY v1/v2
// handshake from the front of every accepted connection before handing
// it to the caller; the returned net.Conn reports the proxied client
// as its RemoteAddr, mirroring haproxy_srvr_receive_sa's effect on the
// session it hands off to smtpd.
//
// It assumes every accepted connection begins with a PROXY handshake,
// i.e. this listener sits strictly behind a trusted proxy - pairing it
// with a listener a plain client can reach directly is a configuration
// error, not a case this package needs to handle gracefully.
type Listener struct {
	net.Listener
}

func NewListener(inner net.Listener) *Listener {
	return &Listener{inner}
}

type proxiedConn struct {
	net.Conn
	br         *bufio.Reader
	clientAddr net.Addr
}

func (c *proxiedConn) Read(b []byte) (int, error) { return c.br.Read(b) }
func (c *proxiedConn) RemoteAddr() net.Addr        { return c.clientAddr }

func (l *Listener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}

	br := bufio.NewReaderSize(conn, maxHeaderSize)
	result, err := parseHeader(br)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("haproxy: %w", err)
	}

	clientAddr := conn.RemoteAddr()
	if !result.NonProxy && result.Client.Addr != "" {
		if ip := net.ParseIP(result.Client.Addr); ip != nil {
			clientAddr = &net.TCPAddr{IP: ip, Port: int(result.Client.Port)}
		}
	}
	return &proxiedConn{Conn: conn, br: br, clientAddr: clientAddr}, nil
}

// parseHeader grows its peek window over the buffered connection until
// Parse succeeds or fails for a reason other than "not enough bytes
// buffered yet".
func parseHeader(br *bufio.Reader) (Result, error) {
	for n := 16; ; n *= 2 {
		if n > maxHeaderSize {
			n = maxHeaderSize
		}
		peek, peekErr := br.Peek(n)
		res, err := Parse(peek)
		if err == nil {
			if _, derr := br.Discard(res.HeaderLen); derr != nil {
				return Result{}, derr
			}
			return res, nil
		}
		if !incompleteHeader(err) {
			return Result{}, err
		}
		if peekErr != nil {
			return Result{}, peekErr
		}
		if n == maxHeaderSize {
			return Result{}, errBadHeader
		}
	}
}

func incompleteHeader(err error) bool {
	switch err {
	case errShortHeader, errMissingTerminator, errShortV2Header, errShortAddrField:
		return true
	default:
		return false
	}
}
