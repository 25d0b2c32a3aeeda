package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/modfin/notifyd/internal/clix"
	"github.com/modfin/notifyd/internal/config"
	"github.com/modfin/notifyd/internal/directory"
	"github.com/modfin/notifyd/internal/dispatch"
	"github.com/modfin/notifyd/internal/metrics"
	"github.com/modfin/notifyd/internal/notifyclient"
	"github.com/modfin/notifyd/internal/store"
)

// postFlags mirrors the "post" command's flag set; clix.Parse populates it
// from the cli.Context via the "cli" struct tags instead of one c.String/
// c.Bool/c.Int call per field.
type postFlags struct {
	From        string `cli:"from"`
	To          string `cli:"to"`
	ExpandGroup bool   `cli:"expand-group"`
	Subject     string `cli:"subject"`
	Message     string `cli:"message"`
	MaxRetries  int    `cli:"max-retries"`
}

func main() {
	app := &cli.App{
		Name:  "notifyctl",
		Usage: "an operator CLI for the notification dispatch service",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "api",
				Usage: "base URL of a running notifyd's Request API",
				Value: "http://127.0.0.1:8080",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "post",
				Usage: "submit a notification request",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "from", Required: true},
					&cli.StringFlag{Name: "to", Required: true},
					&cli.BoolFlag{Name: "expand-group"},
					&cli.StringFlag{Name: "subject"},
					&cli.StringFlag{Name: "message", Required: true},
					&cli.IntFlag{Name: "max-retries", Value: -1, Usage: "omit to use the service default"},
				},
				Action: post,
			},
			{
				Name:      "cancel",
				Usage:     "cancel a request by id",
				ArgsUsage: "REQUEST_ID",
				Action:    cancel,
			},
			{
				Name:  "run-once",
				Usage: "invoke process_queue synchronously against the configured store and relay",
				Action: runOnce,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "notifyctl:", err)
		os.Exit(1)
	}
}

func post(c *cli.Context) error {
	client := notifyclient.New(c.String("api"))
	flags := clix.Parse[postFlags](c)

	in := notifyclient.PostRequestInput{
		PartyFrom:   flags.From,
		PartyTo:     flags.To,
		ExpandGroup: flags.ExpandGroup,
		Subject:     flags.Subject,
		Message:     flags.Message,
	}
	if flags.MaxRetries >= 0 {
		mr := flags.MaxRetries
		in.MaxRetries = &mr
	}

	id, err := client.PostRequest(c.Context, in)
	if err != nil {
		return err
	}
	fmt.Println("request_id:", id)
	return nil
}

func cancel(c *cli.Context) error {
	if c.Args().Len() != 1 {
		return fmt.Errorf("cancel: expected exactly one REQUEST_ID argument")
	}
	id, err := strconv.ParseInt(c.Args().First(), 10, 64)
	if err != nil {
		return fmt.Errorf("cancel: %w", err)
	}

	client := notifyclient.New(c.String("api"))
	if err := client.CancelRequest(c.Context, id); err != nil {
		return err
	}
	fmt.Println("cancelled request", id)
	return nil
}

// runOnce drives a single process_queue pass directly against the
// configured store and SMTP relay, bypassing the scheduler entirely --
// useful for an operator debugging a stuck queue outside its cadence.
func runOnce(c *cli.Context) error {
	cfg := config.Get()
	log := logrus.New()

	st, err := store.NewSQLite(cfg.DbURI)
	if err != nil {
		return err
	}
	defer st.Close()

	dir := directory.NewCached(directory.NewMemory(), time.Duration(cfg.DirectoryCacheTTLSeconds)*time.Second)
	defer dir.Stop()

	m := metrics.New(metrics.Config{ServiceName: "notifyctl"}, log)

	disp := dispatch.New(st, dir, m, log, dispatch.Config{
		LocalHelo: cfg.SMTPHelo,
		Timeout:   time.Duration(cfg.SMTPTimeout) * time.Second,
	})

	ctx, cancel := context.WithTimeout(c.Context, 5*time.Minute)
	defer cancel()

	if err := disp.ProcessQueue(ctx, cfg.SMTPHost, cfg.SMTPPort); err != nil {
		return err
	}
	fmt.Println("process_queue run complete")
	return nil
}
