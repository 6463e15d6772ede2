// Package haproxy implements the server side of the HAProxy PROXY
// protocol (v1 text, v2 binary): recovering the original client/server
// endpoints of a connection that arrives relayed through a proxy.
//
// Grounded line-for-line on
// original_source/postfix/src/global/haproxy_srvr.c's
// haproxy_srvr_parse_sa, reduced to the TCP-over-IPv4/IPv6 and
// non-proxied cases that function documents as the v2 protocol's only
// supported combinations. Exposed as a pure Parse function (the C
// splits parsing from the MSG_PEEK/recv dance in
// haproxy_srvr_receive_sa; this package's Listener in listener.go plays
// that second role).
package haproxy

import (
	"encoding/binary"
	"errors"
	"net"
	"strconv"
	"strings"
)

// Endpoint is one canonicalized (address, port) pair.
type Endpoint struct {
	Addr string
	Port uint16
}

// Result is a fully parsed PROXY handshake.
type Result struct {
	// NonProxy is true for a v2 LOCAL command: the connection is not
	// proxied and the caller must determine endpoints itself.
	NonProxy bool
	Client   Endpoint
	Server   Endpoint
	// HeaderLen is the number of leading bytes of buf the handshake
	// occupied; the caller must consume exactly this many bytes
	// before treating the rest of the stream as the proxied protocol.
	HeaderLen int
}

var (
	errShortHeader        = errors.New("haproxy: short protocol header")
	errMissingTerminator  = errors.New("haproxy: missing protocol header terminator")
	errBadHeader          = errors.New("haproxy: bad or missing protocol header")
	errBadProtoType       = errors.New("haproxy: bad or missing protocol type")
	errBadClientAddr      = errors.New("haproxy: bad or missing client address")
	errBadServerAddr      = errors.New("haproxy: bad or missing server address")
	errBadClientPort      = errors.New("haproxy: bad or missing client port")
	errBadServerPort      = errors.New("haproxy: bad or missing server port")
	errUnrecognizedHeader = errors.New("haproxy: unrecognized protocol header")
	errUnrecognizedVer    = errors.New("haproxy: unrecognized protocol version")
	errShortV2Header      = errors.New("haproxy: short version 2 protocol header")
	errShortAddrField     = errors.New("haproxy: short address field")
	errBadCommand         = errors.New("haproxy: bad command in proxy header")
	errUnsupportedNetProt = errors.New("haproxy: unsupported network protocol")
)

const v2Signature = "\r\n\r\n\x00\r\n\x51\x55\x49\x54\x0a"

// Parse parses a single PROXY v1 or v2 handshake from the front of
// buf. buf may contain trailing bytes belonging to the proxied
// connection itself; Result.HeaderLen says how many leading bytes were
// the handshake.
func Parse(buf []byte) (Result, error) {
	if len(buf) >= 6 && string(buf[:6]) == "PROXY " {
		return parseV1(buf)
	}
	return parseV2(buf)
}

func parseV1(buf []byte) (Result, error) {
	nl := indexByte(buf, '\n')
	if nl < 0 {
		return Result{}, errMissingTerminator
	}
	line := strings.TrimRight(string(buf[:nl]), "\r")
	fields := strings.Fields(line)

	// Tokens are consumed one at a time, in order, same as the C
	// original's mystrtok cursor: a token that's missing (the field
	// list ran out) or malformed fails its own stage, not a blanket
	// field-count check, so a truncated header is blamed on whichever
	// field was actually missing.
	tok := func(i int) (string, bool) {
		if i >= len(fields) {
			return "", false
		}
		return fields[i], true
	}

	if lit, ok := tok(0); !ok || lit != "PROXY" {
		return Result{}, errBadHeader
	}

	protoTok, ok := tok(1)
	var family int
	switch {
	case !ok:
		return Result{}, errBadProtoType
	case protoTok == "TCP4":
		family = 4
	case protoTok == "TCP6":
		family = 6
	default:
		return Result{}, errBadProtoType
	}

	clientAddrTok, ok := tok(2)
	if !ok {
		return Result{}, errBadClientAddr
	}
	clientAddr, err := parseV1Addr(clientAddrTok, family)
	if err != nil {
		return Result{}, errBadClientAddr
	}

	serverAddrTok, ok := tok(3)
	if !ok {
		return Result{}, errBadServerAddr
	}
	serverAddr, err := parseV1Addr(serverAddrTok, family)
	if err != nil {
		return Result{}, errBadServerAddr
	}

	clientPortTok, ok := tok(4)
	if !ok {
		return Result{}, errBadClientPort
	}
	clientPort, err := parseV1Port(clientPortTok)
	if err != nil {
		return Result{}, errBadClientPort
	}

	serverPortTok, ok := tok(5)
	if !ok {
		return Result{}, errBadServerPort
	}
	serverPort, err := parseV1Port(serverPortTok)
	if err != nil {
		return Result{}, errBadServerPort
	}

	return Result{
		Client:    Endpoint{Addr: clientAddr, Port: clientPort},
		Server:    Endpoint{Addr: serverAddr, Port: serverPort},
		HeaderLen: nl + 1,
	}, nil
}

func parseV1Addr(s string, family int) (string, error) {
	ip := net.ParseIP(s)
	if ip == nil {
		return "", errors.New("not a numeric address")
	}
	if family == 4 {
		if strings.Contains(s, ":") {
			return "", errors.New("expected an IPv4 address")
		}
		if v4 := ip.To4(); v4 != nil {
			return v4.String(), nil
		}
		return "", errors.New("expected an IPv4 address")
	}
	if ip.To4() != nil {
		return "", errors.New("expected an IPv6 address")
	}
	return ip.String(), nil
}

func parseV1Port(s string) (uint16, error) {
	n, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, err
	}
	return uint16(n), nil
}

func indexByte(buf []byte, b byte) int {
	for i, c := range buf {
		if c == b {
			return i
		}
	}
	return -1
}

const (
	pp2HeaderLen  = 16 // 12-byte signature + ver_cmd + fam + 2-byte length
	pp2AddrLenV4  = 12
	pp2AddrLenV6  = 36
	pp2CmdLocal   = 0x0
	pp2CmdProxy   = 0x1
	pp2FamInet    = 0x1 << 4
	pp2FamInet6   = 0x2 << 4
	pp2TransStream = 0x1
)

func parseV2(buf []byte) (Result, error) {
	if len(buf) < pp2HeaderLen {
		return Result{}, errShortHeader
	}
	if string(buf[:12]) != v2Signature {
		return Result{}, errUnrecognizedHeader
	}
	verCmd := buf[12]
	if verCmd&0xF0 != 0x20 {
		return Result{}, errUnrecognizedVer
	}
	fam := buf[13]
	length := int(binary.BigEndian.Uint16(buf[14:16]))
	if len(buf) < pp2HeaderLen+length {
		return Result{}, errShortV2Header
	}

	switch verCmd & 0x0F {
	case pp2CmdLocal:
		return Result{NonProxy: true, HeaderLen: pp2HeaderLen + length}, nil
	case pp2CmdProxy:
		body := buf[pp2HeaderLen : pp2HeaderLen+length]
		switch fam {
		case pp2FamInet | pp2TransStream:
			if length < pp2AddrLenV4 {
				return Result{}, errShortAddrField
			}
			client := Endpoint{
				Addr: net.IP(body[0:4]).String(),
				Port: binary.BigEndian.Uint16(body[8:10]),
			}
			server := Endpoint{
				Addr: net.IP(body[4:8]).String(),
				Port: binary.BigEndian.Uint16(body[10:12]),
			}
			return Result{Client: client, Server: server, HeaderLen: pp2HeaderLen + length}, nil
		case pp2FamInet6 | pp2TransStream:
			if length < pp2AddrLenV6 {
				return Result{}, errShortAddrField
			}
			client := Endpoint{
				Addr: net.IP(body[0:16]).String(),
				Port: binary.BigEndian.Uint16(body[32:34]),
			}
			server := Endpoint{
				Addr: net.IP(body[16:32]).String(),
				Port: binary.BigEndian.Uint16(body[34:36]),
			}
			return Result{Client: client, Server: server, HeaderLen: pp2HeaderLen + length}, nil
		default:
			return Result{}, errUnsupportedNetProt
		}
	default:
		return Result{}, errBadCommand
	}
}
