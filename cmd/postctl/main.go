// Command postctl is the admin CLI for cmd/postmaster: it dials the
// running instance's UNIX sockets to drive anvil and flush, and reads
// the queue directory directly for inspection commands - the split
// between "talk to a running service" and "open the on-disk state
// directly" that an admin CLI for a multi-process mail system needs.
package main

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/foxcpp/postfixcore/framework/log"
	"github.com/foxcpp/postfixcore/internal/attr"
	"github.com/foxcpp/postfixcore/internal/qmgr/diskqueue"
	"github.com/urfave/cli/v2"
)

func main() {
	app := cli.NewApp()
	app.Name = "postctl"
	app.Usage = "postmaster administration utility"
	app.ExitErrHandler = func(c *cli.Context, err error) {
		cli.HandleExitCoder(err)
		if err != nil {
			fmt.Fprintln(os.Stderr, err.Error())
			cli.OsExiter(1)
		}
	}
	app.Flags = []cli.Flag{
		&cli.PathFlag{
			Name:    "runtime-dir",
			Usage:   "Directory holding postmaster's UNIX sockets",
			EnvVars: []string{"POSTCTL_RUNTIME_DIR"},
			Value:   "/run/postmaster",
		},
		&cli.PathFlag{
			Name:    "queue-dir",
			Usage:   "Directory holding postmaster's queue",
			EnvVars: []string{"POSTCTL_QUEUE_DIR"},
			Value:   "/var/spool/postmaster",
		},
	}

	app.Commands = []*cli.Command{
		{
			Name:  "flush",
			Usage: "Fast-flush log management",
			Subcommands: []*cli.Command{
				{
					Name:      "add",
					Usage:     "Record a queue ID against a site's fast-flush log",
					ArgsUsage: "<site> <queue-id>",
					Action: func(ctx *cli.Context) error {
						if ctx.NArg() != 2 {
							return cli.Exit("postctl: flush add requires <site> <queue-id>", 2)
						}
						return flushRequest(ctx, "add", ctx.Args().Get(0), ctx.Args().Get(1))
					},
				},
				{
					Name:      "send",
					Usage:     "Request immediate redelivery to a site",
					ArgsUsage: "<site>",
					Action: func(ctx *cli.Context) error {
						if ctx.NArg() != 1 {
							return cli.Exit("postctl: flush send requires <site>", 2)
						}
						return flushRequest(ctx, "send", ctx.Args().Get(0), "")
					},
				},
			},
		},
		{
			Name:  "anvil",
			Usage: "Connection rate/count tracking",
			Subcommands: []*cli.Command{
				{
					Name:      "lookup",
					Usage:     "Report the current count/rate for one ident, or * for all",
					ArgsUsage: "<ident>",
					Action: func(ctx *cli.Context) error {
						if ctx.NArg() != 1 {
							return cli.Exit("postctl: anvil lookup requires <ident>", 2)
						}
						return anvilLookup(ctx, ctx.Args().Get(0))
					},
				},
			},
		},
		{
			Name:  "queue",
			Usage: "Queue inspection",
			Subcommands: []*cli.Command{
				{
					Name:   "list",
					Usage:  "List messages currently in the incoming queue",
					Action: queueList,
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// dialSocket connects to sockName under the runtime directory, giving
// up quickly rather than hanging indefinitely the way a long-running
// delivery agent's glue.Policy would - an admin command that can't
// reach the service should say so right away.
func dialSocket(ctx *cli.Context, sockName string) (net.Conn, error) {
	path := filepath.Join(ctx.Path("runtime-dir"), sockName)
	conn, err := net.DialTimeout("unix", path, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("postctl: cannot reach %s: %w", sockName, err)
	}
	return conn, nil
}

func flushRequest(ctx *cli.Context, request, site, queueID string) error {
	conn, err := dialSocket(ctx, "flush.sock")
	if err != nil {
		return err
	}
	defer conn.Close()

	w := attr.NewWriter(conn, attr.FormatText)
	attrs := []attr.Attr{attr.Str("request", request), attr.Str("site", site)}
	if queueID != "" {
		attrs = append(attrs, attr.Str("queue_id", queueID))
	}
	if err := w.WriteRecord(attrs...); err != nil {
		return fmt.Errorf("postctl: request failed: %w", err)
	}

	r := attr.NewReader(conn, attr.FormatText)
	fields, err := r.ReadStrict([]string{"status"}, nil)
	if err != nil {
		return fmt.Errorf("postctl: reading reply: %w", err)
	}
	status, _ := attr.LookupInt(fields, "status")
	fmt.Println(flushStatusString(status))
	return nil
}

func flushStatusString(status int64) string {
	switch status {
	case 0:
		return "OK"
	case 1:
		return "BAD"
	case 2:
		return "UNKNOWN"
	default:
		return fmt.Sprintf("status=%d", status)
	}
}

func anvilLookup(ctx *cli.Context, ident string) error {
	conn, err := dialSocket(ctx, "anvil.sock")
	if err != nil {
		return err
	}
	defer conn.Close()

	w := attr.NewWriter(conn, attr.FormatText)
	if err := w.WriteRecord(attr.Str("request", "lookup"), attr.Str("ident", ident)); err != nil {
		return fmt.Errorf("postctl: request failed: %w", err)
	}

	r := attr.NewReader(conn, attr.FormatText)

	// ident="*" gets one record per tracked entry (each carrying its
	// own "ident" field) followed by a bare terminator record with
	// none; a specific ident gets exactly one record, which never
	// carries "ident" back since the caller already knows it.
	if ident == "*" {
		for {
			fields, err := r.ReadStrict([]string{"status"}, []string{"ident", "count", "rate"})
			if err != nil {
				return fmt.Errorf("postctl: reading reply: %w", err)
			}
			respIdent, ok := attr.LookupString(fields, "ident")
			if !ok {
				return nil
			}
			count, _ := attr.LookupInt(fields, "count")
			rate, _ := attr.LookupInt(fields, "rate")
			fmt.Printf("%s count=%d rate=%d\n", respIdent, count, rate)
		}
	}

	fields, err := r.ReadStrict([]string{"status"}, []string{"count", "rate"})
	if err != nil {
		return fmt.Errorf("postctl: reading reply: %w", err)
	}
	status, _ := attr.LookupInt(fields, "status")
	if status != 0 {
		fmt.Printf("%s: not tracked\n", ident)
		return nil
	}
	count, _ := attr.LookupInt(fields, "count")
	rate, _ := attr.LookupInt(fields, "rate")
	fmt.Printf("%s count=%d rate=%d\n", ident, count, rate)
	return nil
}

// queueList opens the incoming queue directory directly rather than
// going through a socket, since postmaster doesn't run a queue-listing
// IPC service of its own - the same direct-storage-access path any
// admin CLI command takes when it only needs to read state, not drive
// a running service.
func queueList(ctx *cli.Context) error {
	incomingDir := filepath.Join(ctx.Path("queue-dir"), "incoming")
	store, err := diskqueue.NewStore(incomingDir, log.Logger{Out: log.NopOutput{}})
	if err != nil {
		return fmt.Errorf("postctl: cannot open queue: %w", err)
	}

	ids, err := store.ListIDs()
	if err != nil {
		return fmt.Errorf("postctl: cannot list queue: %w", err)
	}
	if len(ids) == 0 {
		fmt.Println("queue is empty")
		return nil
	}

	for _, id := range ids {
		meta, _, _, err := store.OpenMessage(id)
		if err != nil {
			fmt.Printf("%s: %v\n", id, err)
			continue
		}
		fmt.Printf("%s  sender=%s  rcpts=%d  queued=%s\n",
			meta.QueueID, meta.Sender, meta.RcptLimit, meta.QueuedTime.Format(time.RFC3339))
	}
	return nil
}
