package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/foxcpp/postfixcore/framework/log"
)

// waitForShutdownSignal blocks until SIGTERM, SIGINT or SIGHUP, then
// calls cancel and returns. A second such signal before the process
// has exited forces an immediate os.Exit, for an operator whose
// patience for a graceful drain has run out.
func waitForShutdownSignal(cancel func()) {
	sig := make(chan os.Signal, 5)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGINT)

	s := <-sig
	log.Printf("signal received (%v), shutting down; next signal will force immediate exit", s)
	cancel()

	go func() {
		s := <-sig
		log.Printf("forced shutdown due to signal (%v)!", s)
		os.Exit(1)
	}()
}
