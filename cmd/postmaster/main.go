// Command postmaster runs every daemon of a mail transfer agent core
// as a goroutine-scheduled service inside one process: the rewriter,
// the address resolver, anvil, flush, the postscreen triage front
// door and the queue manager each bind their own socket and talk to
// each other only through the framed-attribute IPC protocol or the
// queue directories on disk, same as they would across a process
// boundary. A panicking or erroring service is respawned in place by
// the Supervisor instead of by a parent process restarting a child.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/foxcpp/postfixcore/framework/log"
	"github.com/foxcpp/postfixcore/internal/anvil"
)

func main() {
	configPath := flag.String("config", "/etc/postmaster/postmaster.conf", "path to configuration file")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "postmaster: %v\n", err)
		os.Exit(1)
	}
	if *debug {
		cfg.Debug = true
	}

	logger := log.Logger{
		Out:   log.WriterOutput(os.Stderr, true),
		Debug: cfg.Debug,
	}

	if err := os.MkdirAll(cfg.RuntimeDir, 0700); err != nil {
		logger.Error("postmaster: cannot create runtime dir", err)
		os.Exit(1)
	}
	if err := os.MkdirAll(cfg.QueueDir, 0700); err != nil {
		logger.Error("postmaster: cannot create queue dir", err)
		os.Exit(1)
	}

	sv := &Supervisor{Log: logger}

	anvilTable := anvil.New(cfg.AnvilWindow)
	registerIPCServices(sv, cfg, anvilTable, logger)
	registerPostscreenService(sv, cfg, logger)

	agentLog := logger
	agentLog.Name = "delivery"
	registerQueueManagerService(sv, cfg, &logOnlyAgent{Log: agentLog}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	go waitForShutdownSignal(cancel)

	logger.Msg("postmaster starting", "runtime_dir", cfg.RuntimeDir, "queue_dir", cfg.QueueDir)
	start := time.Now()
	sv.Run(ctx)
	logger.Msg("postmaster stopped", "uptime", time.Since(start))
}
