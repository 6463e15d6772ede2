package main

import (
	"fmt"
	"os"
	"time"

	parser "github.com/foxcpp/postfixcore/framework/cfgparser"
	"github.com/foxcpp/postfixcore/framework/config"
)

// Config is the flat set of directives cmd/postmaster reads out of its
// config file, covering the primary tunable named for each component
// in the component design: socket paths for the IPC-facing services,
// the queue directory layout, and the scoring/window parameters the
// scheduler, anvil and DNSBL aggregator need. It intentionally does
// not expose every knob a full main.cf offers - only what's needed to
// stand up one working instance of each of the fifteen components.
type Config struct {
	Hostname string
	Debug    bool

	RuntimeDir string
	QueueDir   string

	RewriteSocket string
	ResolveSocket string
	AnvilSocket   string
	FlushSocket   string

	AnvilWindow time.Duration

	SMTPListen   string
	HAProxyTrust []string

	DNSBLSites []string

	DefaultTransport string
	RelayTransport   string
	RelayHost        string

	SlotCost       int
	SlotLoanFactor int
	MinSlots       int
}

func defaultConfig() *Config {
	return &Config{
		Hostname:         "localhost",
		RuntimeDir:       "/run/postmaster",
		QueueDir:         "/var/spool/postmaster",
		RewriteSocket:    "rewrite.sock",
		ResolveSocket:    "resolve.sock",
		AnvilSocket:      "anvil.sock",
		FlushSocket:      "flush.sock",
		AnvilWindow:      60 * time.Second,
		SMTPListen:       "127.0.0.1:10025",
		DefaultTransport: "relay",
		RelayTransport:   "relay",
		SlotCost:         1,
		SlotLoanFactor:   50,
		MinSlots:         5,
	}
}

// LoadConfig reads a Caddyfile-style directive file and overlays it on
// top of the defaults above.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	nodes, err := parser.Read(f, path)
	if err != nil {
		return nil, err
	}

	cfg := defaultConfig()

	m := config.NewMap(nil, config.Node{Children: nodes})
	m.String("hostname", false, false, cfg.Hostname, &cfg.Hostname)
	m.Bool("debug", false, cfg.Debug, &cfg.Debug)
	m.String("runtime_dir", false, false, cfg.RuntimeDir, &cfg.RuntimeDir)
	m.String("queue_dir", false, false, cfg.QueueDir, &cfg.QueueDir)
	m.String("rewrite_socket", false, false, cfg.RewriteSocket, &cfg.RewriteSocket)
	m.String("resolve_socket", false, false, cfg.ResolveSocket, &cfg.ResolveSocket)
	m.String("anvil_socket", false, false, cfg.AnvilSocket, &cfg.AnvilSocket)
	m.String("flush_socket", false, false, cfg.FlushSocket, &cfg.FlushSocket)
	m.Duration("anvil_window", false, false, cfg.AnvilWindow, &cfg.AnvilWindow)
	m.String("smtp_listen", false, false, cfg.SMTPListen, &cfg.SMTPListen)
	m.StringList("haproxy_trust", false, false, nil, &cfg.HAProxyTrust)
	m.StringList("dnsbl_sites", false, false, nil, &cfg.DNSBLSites)
	m.String("default_transport", false, false, cfg.DefaultTransport, &cfg.DefaultTransport)
	m.String("relay_transport", false, false, cfg.RelayTransport, &cfg.RelayTransport)
	m.String("relay_host", false, false, cfg.RelayHost, &cfg.RelayHost)
	m.Int("slot_cost", false, false, cfg.SlotCost, &cfg.SlotCost)
	m.Int("slot_loan_factor", false, false, cfg.SlotLoanFactor, &cfg.SlotLoanFactor)
	m.Int("min_slots", false, false, cfg.MinSlots, &cfg.MinSlots)
	m.AllowUnknown()

	if _, err := m.Process(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	return cfg, nil
}
