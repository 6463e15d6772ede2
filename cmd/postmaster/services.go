package main

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/foxcpp/postfixcore/framework/dns"
	"github.com/foxcpp/postfixcore/framework/log"
	"github.com/foxcpp/postfixcore/internal/anvil"
	"github.com/foxcpp/postfixcore/internal/flush"
	"github.com/foxcpp/postfixcore/internal/haproxy"
	"github.com/foxcpp/postfixcore/internal/postscreen/dnsbl"
	"github.com/foxcpp/postfixcore/internal/postscreen/smtpd"
	"github.com/foxcpp/postfixcore/internal/qmgr/diskqueue"
	"github.com/foxcpp/postfixcore/internal/qmgr/queue"
	"github.com/foxcpp/postfixcore/internal/qmgr/scheduler"
	"github.com/foxcpp/postfixcore/internal/resolve"
	"github.com/foxcpp/postfixcore/internal/rewrite"
)

// unixSocketServer is the shape shared by rewrite.Server,
// resolve.Server, anvil.Server and flush.Server: accept and serve
// forever on whatever net.Listener they're handed.
type unixSocketServer interface {
	ListenAndServe(l net.Listener) error
}

// listenUnix binds sockPath, removing a stale socket left behind by a
// process that didn't shut down cleanly - the single-binary analogue
// of a master-owned socket that a respawned child reopens.
func listenUnix(sockPath string) (net.Listener, error) {
	if err := os.Remove(sockPath); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return net.Listen("unix", sockPath)
}

// runSocketService binds sockPath and serves srv on it until ctx is
// cancelled, closing the listener to unblock Accept when it is.
func runSocketService(ctx context.Context, sockPath string, srv unixSocketServer) error {
	l, err := listenUnix(sockPath)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		l.Close()
	}()

	err = srv.ListenAndServe(l)
	select {
	case <-ctx.Done():
		return nil
	default:
		return err
	}
}

// buildResolver assembles the resolve.Resolver from the flat Config
// directives, in lieu of a block-driven config language wiring the
// equivalent trivial-rewrite instance.
func buildResolver(cfg *Config) *resolve.Resolver {
	return resolve.New(resolve.Config{
		MyHostname:       cfg.Hostname,
		LocalDomains:     tableFromList([]string{cfg.Hostname}),
		RelayDomains:     tableFromList(nil),
		RelayHost:        cfg.RelayHost,
		LocalTransport:   "local:",
		RelayTransport:   cfg.RelayTransport + ":",
		DefaultTransport: cfg.DefaultTransport + ":",
		ErrorTransport:   "error:",
	})
}

// registerIPCServices wires rewrite/resolve/anvil/flush onto their
// configured UNIX sockets, each as its own supervised service, mirroring
// the one-daemon-per-socket layout of trivial-rewrite/anvil/flush.
func registerIPCServices(sv *Supervisor, cfg *Config, anvilTable *anvil.Table, logger log.Logger) {
	rwLog := logger
	rwLog.Name = "rewrite"
	rewriteSrv := &rewrite.Server{Rewriter: rewrite.New(), Log: rwLog}
	sv.Add("rewrite", func(ctx context.Context) error {
		return runSocketService(ctx, filepath.Join(cfg.RuntimeDir, cfg.RewriteSocket), rewriteSrv)
	})

	resolveLog := logger
	resolveLog.Name = "resolve"
	resolveSrv := &resolve.Server{Resolver: buildResolver(cfg), Log: resolveLog}
	sv.Add("resolve", func(ctx context.Context) error {
		return runSocketService(ctx, filepath.Join(cfg.RuntimeDir, cfg.ResolveSocket), resolveSrv)
	})

	anvilLog := logger
	anvilLog.Name = "anvil"
	anvilSrv := &anvil.Server{Table: anvilTable, Log: anvilLog}
	sv.Add("anvil", func(ctx context.Context) error {
		return runSocketService(ctx, filepath.Join(cfg.RuntimeDir, cfg.AnvilSocket), anvilSrv)
	})

	flushLog := logger
	flushLog.Name = "flush"
	flushSvc := &flush.Service{
		FlushDir:    filepath.Join(cfg.QueueDir, "flush"),
		DeferredDir: filepath.Join(cfg.QueueDir, "deferred"),
		IncomingDir: filepath.Join(cfg.QueueDir, "incoming"),
		Sites:       tableFromList(nil),
	}
	flushSrv := &flush.Server{Service: flushSvc, Log: flushLog}
	sv.Add("flush", func(ctx context.Context) error {
		return runSocketService(ctx, filepath.Join(cfg.RuntimeDir, cfg.FlushSocket), flushSrv)
	})
}

// registerPostscreenService stands up the TCP-facing triage front
// door: a haproxy-aware listener feeding the DNSBL aggregator and the
// postscreen dummy SMTP protocol described in §2 item 8. A session
// that finishes clean (no enforcement action, client said QUIT) is
// handed off by address/score alone - accepting the actual message is
// a different, already-listening front end's job, same as postscreen
// only ever passes a file descriptor to smtpd and never speaks real
// SMTP itself.
func registerPostscreenService(sv *Supervisor, cfg *Config, logger log.Logger) {
	psLog := logger
	psLog.Name = "postscreen"

	sv.Add("postscreen", func(ctx context.Context) error {
		resolver, err := dns.NewExtResolver()
		if err != nil {
			return err
		}
		aggregator := dnsbl.New(resolver)
		for _, site := range cfg.DNSBLSites {
			if err := aggregator.AddSite(site); err != nil {
				psLog.Error("postscreen: bad dnsbl site, skipped", err, "site", site)
			}
		}

		l, err := net.Listen("tcp", cfg.SMTPListen)
		if err != nil {
			return err
		}
		pl := haproxy.NewListener(l)
		go func() {
			<-ctx.Done()
			l.Close()
		}()

		smtpdCfg := &smtpd.Config{
			BareLFAction:      smtpd.ActionIgnore,
			NonSMTPAction:     smtpd.ActionIgnore,
			PipeliningAction:  smtpd.ActionIgnore,
			CommandCountLimit: 100,
			CommandTimeLimit:  10 * time.Second,
			MaxLineLength:     2048,
			ServerName:        cfg.Hostname,
		}

		for {
			conn, err := pl.Accept()
			if err != nil {
				select {
				case <-ctx.Done():
					return nil
				default:
					return err
				}
			}
			go servePostscreenConn(ctx, conn, aggregator, smtpdCfg, psLog)
		}
	})
}

func servePostscreenConn(ctx context.Context, conn net.Conn, aggregator *dnsbl.Aggregator, cfg *smtpd.Config, logger log.Logger) {
	defer conn.Close()

	clientAddr, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
	handle := aggregator.Request(ctx, clientAddr)

	session := smtpd.NewSession(cfg, true, true, true)
	if err := smtpd.Run(ctx, session, conn, conn); err != nil {
		logger.Error("postscreen: session ended", err, "client", clientAddr)
		return
	}

	if err := handle.Wait(ctx); err != nil {
		logger.Error("postscreen: dnsbl lookup failed", err, "client", clientAddr)
		return
	}
	score, dnsblName := handle.Retrieve()
	logger.Msg("postscreen: client passed, handing off", "client", clientAddr, "dnsbl_score", score, "dnsbl", dnsblName)
}

// qmgrScanInterval is how often the background queue-manager service
// rescans the incoming queue directory for new messages, standing in
// for qmgr's FIFO-notified wakeup (flush.Service.NotifyQueue would
// trigger an immediate rescan too, were it wired to a channel here).
const qmgrScanInterval = 5 * time.Second

// registerQueueManagerService runs the disk-queue-to-scheduler loop:
// pick up new messages, resolve their recipients into
// (transport, destination) groups, feed those to the scheduler as
// jobs/peers/entries, and drain whatever EntrySelect hands back to the
// configured DeliveryAgent.
func registerQueueManagerService(sv *Supervisor, cfg *Config, agent DeliveryAgent, logger log.Logger) {
	qLog := logger
	qLog.Name = "qmgr"

	sv.Add("qmgr", func(ctx context.Context) error {
		incomingDir := filepath.Join(cfg.QueueDir, "incoming")
		if err := os.MkdirAll(incomingDir, 0700); err != nil {
			return err
		}
		store, err := diskqueue.NewStore(incomingDir, qLog)
		if err != nil {
			return err
		}

		sched := scheduler.New()
		transport := sched.Transport(cfg.DefaultTransport)
		transport.SlotCost = cfg.SlotCost
		transport.SlotLoanFactor = cfg.SlotLoanFactor
		transport.MinSlots = cfg.MinSlots

		qm := &queueManager{
			store:         store,
			resolver:      buildResolver(cfg),
			sched:         sched,
			manager: queue.NewManager(&queue.TransportConfig{
				InitDestConcurrency:  1,
				DestConcurrencyLimit: 10,
				PosHysteresis:        1,
				NegHysteresis:        1,
				SacCohorts:           4.0,
				MinBackoffTime:       30 * time.Second,
			}),
			agent:         agent,
			transportName: cfg.DefaultTransport,
			seen:          make(map[string]bool),
			entries:       make(map[scheduler.EntryID]entryRecipientInfo),
			log:           qLog,
		}

		ticker := time.NewTicker(qmgrScanInterval)
		defer ticker.Stop()

		for {
			if err := qm.scanOnce(ctx); err != nil {
				qLog.Error("qmgr: scan failed", err)
			}

			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
		}
	})
}

// queueManager holds one qmgr service instance's working state: the
// disk queue it reads from, the scheduler it feeds, and the
// EntryID -> on-disk-recipients mapping the scheduler package itself
// doesn't carry (it tracks scheduling state, not message content, by
// design).
type queueManager struct {
	store         *diskqueue.Store
	resolver      *resolve.Resolver
	sched         *scheduler.Scheduler
	manager       *queue.Manager
	agent         DeliveryAgent
	transportName string

	seen    map[string]bool
	entries map[scheduler.EntryID]entryRecipientInfo
	log     log.Logger
}

type entryRecipientInfo struct {
	meta        diskqueue.MessageMeta
	rcpts       []diskqueue.RecipientRecord
	destination string
}

func (qm *queueManager) scanOnce(ctx context.Context) error {
	ids, err := qm.store.ListIDs()
	if err != nil {
		return err
	}

	for _, id := range ids {
		if qm.seen[id] {
			continue
		}
		if err := qm.admitMessage(ctx, id); err != nil {
			qm.log.Error("qmgr: failed to admit message", err, "queue_id", id)
			continue
		}
		qm.seen[id] = true
	}

	for entryID := qm.sched.EntrySelect(qm.transportName); entryID != scheduler.NoEntry; entryID = qm.sched.EntrySelect(qm.transportName) {
		qm.dispatchEntry(ctx, entryID)
	}
	return nil
}

// admitMessage reads one queued message's recipients and groups them
// by destination into scheduler entries, mirroring qmgr_active_done's
// recipient-reading path minus the partial-read bookkeeping: since
// this service reads every pending recipient in one pass, each
// destination gets exactly one in-core entry per scan rather than the
// bounded-size entries a streaming reader would need.
func (qm *queueManager) admitMessage(ctx context.Context, id string) error {
	meta, _, _, err := qm.store.OpenMessage(id)
	if err != nil {
		return err
	}

	rcpts, _, err := qm.store.ReadRecipients(id, 0, meta.RcptLimit)
	if err != nil {
		return err
	}

	byDestination := make(map[string][]diskqueue.RecipientRecord)
	for _, r := range rcpts {
		if r.Done {
			continue
		}
		reply, err := qm.resolver.Resolve(ctx, r.Address)
		if err != nil {
			qm.log.Error("qmgr: resolve failed, holding recipient", err, "queue_id", id, "rcpt", r.Address)
			continue
		}
		dest := reply.Nexthop
		if dest == "" {
			dest = reply.Transport
		}
		byDestination[dest] = append(byDestination[dest], r)
	}
	if len(byDestination) == 0 {
		return nil
	}

	msgID := qm.sched.NewMessage(scheduler.Message{
		QueueID:    meta.QueueID,
		QueuedTime: meta.QueuedTime,
		RcptLimit:  len(rcpts),
		RcptUnread: 0,
	})
	jobID := qm.sched.JobObtain(qm.transportName, msgID)
	qm.manager.Obtain(meta.QueueID, "")

	for dest, group := range byDestination {
		peerID := qm.sched.PeerObtain(jobID, dest)
		entryID := qm.sched.EntryCreate(peerID, len(group))
		qm.entries[entryID] = entryRecipientInfo{meta: meta, rcpts: group, destination: dest}
	}
	return nil
}

func (qm *queueManager) dispatchEntry(ctx context.Context, id scheduler.EntryID) {
	info, ok := qm.entries[id]
	if !ok {
		return
	}
	delete(qm.entries, id)

	results := qm.agent.Deliver(ctx, info.destination, info.meta, info.rcpts)
	for i, r := range info.rcpts {
		if i >= len(results) || !results[i].Delivered {
			continue
		}
		if err := qm.store.MarkRecipientDone(info.meta.QueueID, r.Offset); err != nil {
			qm.log.Error("qmgr: failed to mark recipient done", err, "queue_id", info.meta.QueueID, "rcpt", r.Address)
		}
	}
}
