package glue

import (
	"fmt"
	"net"
	"sync"

	"github.com/foxcpp/postfixcore/internal/attr"
	"github.com/foxcpp/postfixcore/internal/resolve"
)

// ResolveClient is resolve.Server's counterpart to RewriteClient: same
// always-reconnect discipline, since a delivery agent blocked on a
// resolver decision is worse than one that waits out a retry.
type ResolveClient struct {
	Dial   func() (net.Conn, error)
	Policy Policy

	mu   sync.Mutex
	conn net.Conn
	r    *attr.Reader
	w    *attr.Writer
}

func NewResolveClient(dial func() (net.Conn, error), policy Policy) *ResolveClient {
	return &ResolveClient{Dial: dial, Policy: policy}
}

func (c *ResolveClient) ensureConn() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return nil
	}
	conn, err := c.Dial()
	if err != nil {
		return err
	}
	c.conn = conn
	c.r = attr.NewReader(conn, attr.FormatText)
	c.w = attr.NewWriter(conn, attr.FormatText)
	return nil
}

func (c *ResolveClient) dropConn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

// Resolve sends one address over the wire and decodes the resulting
// resolve.Reply, retrying forever (per Policy) across reconnects.
func (c *ResolveClient) Resolve(addr string) (resolve.Reply, error) {
	var lastErr error
	for attempt := 0; ; attempt++ {
		if err := c.ensureConn(); err != nil {
			lastErr = err
		} else if reply, err := c.doRequest(addr); err == nil {
			return reply, nil
		} else {
			c.dropConn()
			lastErr = err
		}

		if !c.Policy.shouldRetry(attempt) {
			return resolve.Reply{}, fmt.Errorf("glue: resolve client giving up after %d attempts: %w", attempt+1, lastErr)
		}
		c.Policy.wait(attempt)
	}
}

func (c *ResolveClient) doRequest(addr string) (resolve.Reply, error) {
	c.mu.Lock()
	w, r := c.w, c.r
	c.mu.Unlock()

	if err := w.WriteRecord(attr.Str("address", addr)); err != nil {
		return resolve.Reply{}, err
	}
	fields, err := r.ReadStrict([]string{"transport", "nexthop", "recipient", "class", "flags"}, nil)
	if err != nil {
		return resolve.Reply{}, err
	}

	transport, _ := attr.LookupString(fields, "transport")
	nexthop, _ := attr.LookupString(fields, "nexthop")
	recipient, _ := attr.LookupString(fields, "recipient")
	class, _ := attr.LookupInt(fields, "class")
	flags, _ := attr.LookupInt(fields, "flags")

	return resolve.Reply{
		Transport: transport,
		Nexthop:   nexthop,
		Recipient: recipient,
		Class:     resolve.DomainClass(class),
		Flags:     resolve.ResultFlag(flags),
	}, nil
}

// Close releases the underlying connection, if any.
func (c *ResolveClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}
