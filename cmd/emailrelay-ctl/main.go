// Command emailrelay-ctl inspects and repairs a spool directory: listing
// queued messages, showing one envelope, and requeuing every message that a
// previous filter or forward failure marked bad.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/infodancer/emailrelay/internal/store"
)

func main() {
	app := &cli.App{
		Name:  "emailrelay-ctl",
		Usage: "inspect and repair an emailrelay spool",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "spool",
				Aliases:  []string{"s"},
				Usage:    "spool directory to operate on",
				EnvVars:  []string{"EMAILRELAY_SPOOL_DIRECTORY"},
				Required: true,
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "list",
				Usage: "list queued messages",
				Action: func(ctx *cli.Context) error {
					return runList(ctx)
				},
			},
			{
				Name:      "show",
				Usage:     "print one message's envelope",
				ArgsUsage: "MESSAGE-ID",
				Action: func(ctx *cli.Context) error {
					return runShow(ctx)
				},
			},
			{
				Name:  "failures",
				Usage: "list messages a filter or delivery attempt marked bad",
				Action: func(ctx *cli.Context) error {
					return runFailures(ctx)
				},
			},
			{
				Name:  "unfail",
				Usage: "requeue every bad message for another attempt",
				Action: func(ctx *cli.Context) error {
					return runUnfail(ctx)
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "emailrelay-ctl: %v\n", err)
		os.Exit(1)
	}
}

func openStore(ctx *cli.Context) (*store.Store, error) {
	dir := ctx.String("spool")
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	return store.Open(dir, store.NewRuntime(logger), 0)
}

func runList(ctx *cli.Context) error {
	st, err := openStore(ctx)
	if err != nil {
		return err
	}
	ids, err := st.IDs()
	if err != nil {
		return err
	}
	for _, id := range ids {
		fmt.Println(id.String())
	}
	fmt.Fprintf(os.Stderr, "%d message(s) queued\n", len(ids))
	return nil
}

func runFailures(ctx *cli.Context) error {
	st, err := openStore(ctx)
	if err != nil {
		return err
	}
	ids, err := st.Failures()
	if err != nil {
		return err
	}
	for _, id := range ids {
		fmt.Println(id.String())
	}
	fmt.Fprintf(os.Stderr, "%d failed message(s)\n", len(ids))
	return nil
}

func runUnfail(ctx *cli.Context) error {
	st, err := openStore(ctx)
	if err != nil {
		return err
	}
	if err := st.UnfailAll(); err != nil {
		return fmt.Errorf("unfail: %w", err)
	}
	fmt.Fprintln(os.Stderr, "requeued all failed messages")
	return nil
}

func runShow(ctx *cli.Context) error {
	id := ctx.Args().First()
	if id == "" {
		return fmt.Errorf("show requires a message id argument")
	}

	st, err := openStore(ctx)
	if err != nil {
		return err
	}

	it, err := st.Iterator(false)
	if err != nil {
		return err
	}
	for {
		msg, ok, err := it.Next()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		if msg.ID().String() != id {
			continue
		}
		printEnvelope(msg)
		return nil
	}
	return fmt.Errorf("no such message: %s", id)
}

func printEnvelope(msg *store.StoredMessage) {
	env := msg.Envelope()
	fmt.Printf("id:            %s\n", msg.ID().String())
	fmt.Printf("client:        %s (%s)\n", env.ClientName, env.ClientIP)
	fmt.Printf("mail from:     %s\n", env.MailFrom)
	for _, r := range env.Recipients {
		local := "remote"
		if r.Local {
			local = "local"
		}
		fmt.Printf("recipient:     %s (%s)\n", r.Address, local)
	}
	if env.ForwardTo != "" {
		fmt.Printf("forward to:    %s\n", env.ForwardTo)
	}
	if env.ForwardToAddress != "" {
		fmt.Printf("forward addr:  %s\n", env.ForwardToAddress)
	}
	if env.Reason != "" {
		fmt.Printf("reason:        %s (%s)\n", env.Reason, env.ReasonCode)
	}
	fmt.Printf("auth:          mechanism=%s id=%s\n", env.AuthMechanism, env.AuthId)
	fmt.Printf("checked at:    %s\n", time.Now().UTC().Format(time.RFC3339))
}
