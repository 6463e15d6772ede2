package main

import (
	"context"

	"github.com/foxcpp/postfixcore/framework/log"
	"github.com/foxcpp/postfixcore/internal/qmgr/diskqueue"
)

// DeliveryAgent hands a queue entry's recipients off to whatever
// actually moves bytes toward destination - the Go analogue of qmgr
// handing a queue entry to a separate smtp(8)/lmtp(8)/local(8)
// process. Scheduling (EntrySelect) and delivery are kept behind this
// interface for the same reason Postfix keeps them in separate
// binaries: a transport is free to retry, rate-limit or sandbox its
// own delivery without the scheduler knowing anything changed.
type DeliveryAgent interface {
	// Deliver attempts final handoff of one message to one
	// destination for the given recipients, returning per-recipient
	// outcomes in the same order.
	Deliver(ctx context.Context, destination string, meta diskqueue.MessageMeta, rcpts []diskqueue.RecipientRecord) []DeliveryResult
}

// DeliveryResult is one recipient's outcome from a delivery attempt.
type DeliveryResult struct {
	Delivered bool
	Err       error
}

// logOnlyAgent is the default DeliveryAgent: it reports every handoff
// as a permanent failure after logging it, so a deployment that hasn't
// wired a real transport (SMTP client, LMTP, local mailbox writer)
// fails closed instead of silently dropping mail.
type logOnlyAgent struct {
	Log log.Logger
}

func (a *logOnlyAgent) Deliver(_ context.Context, destination string, meta diskqueue.MessageMeta, rcpts []diskqueue.RecipientRecord) []DeliveryResult {
	a.Log.Msg("no delivery transport configured for destination, message held",
		"queue_id", meta.QueueID, "destination", destination, "rcpt_count", len(rcpts))

	results := make([]DeliveryResult, len(rcpts))
	for i := range rcpts {
		results[i] = DeliveryResult{Delivered: false, Err: errNoTransport}
	}
	return results
}

var errNoTransport = deliveryError("no delivery transport configured")

type deliveryError string

func (e deliveryError) Error() string { return string(e) }
