package glue

import (
	"fmt"
	"net"
	"sync"

	"github.com/foxcpp/postfixcore/internal/attr"
)

// RewriteClient is a persistent client for internal/rewrite.Server: it
// keeps one connection open across calls and transparently reconnects
// (per Policy) whenever that connection or a request on it fails,
// since losing the rewrite service is not an acceptable reason to
// fail a delivery.
type RewriteClient struct {
	Dial   func() (net.Conn, error)
	Policy Policy

	mu   sync.Mutex
	conn net.Conn
	r    *attr.Reader
	w    *attr.Writer
}

func NewRewriteClient(dial func() (net.Conn, error), policy Policy) *RewriteClient {
	return &RewriteClient{Dial: dial, Policy: policy}
}

func (c *RewriteClient) ensureConn() error {
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

func (c *RewriteClient) dropConn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

// Rewrite sends one (ruleset, address) request, retrying forever (per
// Policy) across reconnects until it gets a reply or the policy gives
// up. Each retry goes out on a brand new connection, so a server that
// merely had its prior connection die mid-request isn't blamed for
// the whole service being down.
func (c *RewriteClient) Rewrite(ruleset, addr string) (string, error) {
	var lastErr error
	for attempt := 0; ; attempt++ {
		if err := c.ensureConn(); err != nil {
			lastErr = err
		} else if result, err := c.doRequest(ruleset, addr); err == nil {
			return result, nil
		} else {
			c.dropConn()
			lastErr = err
		}

		if !c.Policy.shouldRetry(attempt) {
			return "", fmt.Errorf("glue: rewrite client giving up after %d attempts: %w", attempt+1, lastErr)
		}
		c.Policy.wait(attempt)
	}
}

func (c *RewriteClient) doRequest(ruleset, addr string) (string, error) {
	c.mu.Lock()
	w, r := c.w, c.r
	c.mu.Unlock()

	if err := w.WriteRecord(attr.Str("ruleset", ruleset), attr.Str("address", addr)); err != nil {
		return "", err
	}
	reply, err := r.ReadRecord()
	if err != nil {
		return "", err
	}

	fields := make(map[string]attr.Attr, len(reply))
	for _, a := range reply {
		fields[a.Name] = a
	}
	if errMsg, ok := attr.LookupString(fields, "error"); ok {
		return "", fmt.Errorf("glue: rewrite service: %s", errMsg)
	}
	result, ok := attr.LookupString(fields, "address")
	if !ok {
		return "", fmt.Errorf("glue: rewrite service: reply missing address attribute")
	}
	return result, nil
}

// Close releases the underlying connection, if any.
func (c *RewriteClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}
