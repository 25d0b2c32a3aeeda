package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/modfin/notifyd/internal/api"
	"github.com/modfin/notifyd/internal/config"
	"github.com/modfin/notifyd/internal/directory"
	"github.com/modfin/notifyd/internal/dispatch"
	"github.com/modfin/notifyd/internal/metrics"
	"github.com/modfin/notifyd/internal/requestapi"
	"github.com/modfin/notifyd/internal/scheduler"
	"github.com/modfin/notifyd/internal/store"
	"github.com/modfin/notifyd/internal/telemetry"
)

func main() {
	app := &cli.App{
		Name:   "notifyd",
		Usage:  "a persistent, retrying notification dispatch daemon",
		Action: serve,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "start the API and periodic dispatcher",
				Action: serve,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		logrus.Fatal(err)
	}
}

type stoppable interface {
	Stop(ctx context.Context) error
}

// shutdownFunc adapts a bare shutdown method (api.Server.Shutdown has a
// different name than scheduler.Scheduler.Stop) to the stoppable interface.
type shutdownFunc func(ctx context.Context) error

func (f shutdownFunc) Stop(ctx context.Context) error { return f(ctx) }

func serve(c *cli.Context) error {
	cfg := config.Get()

	root := logrus.New()
	factory := telemetry.NewFactory(root)
	log := factory.New("notifyd")

	st, err := store.NewSQLite(cfg.DbURI)
	if err != nil {
		return err
	}
	defer st.Close()

	dir := directory.NewCachedWithLogger(directory.NewMemory(), time.Duration(cfg.DirectoryCacheTTLSeconds)*time.Second, factory.New("directory"))
	defer dir.Stop()

	m := metrics.New(metrics.Config{
		ServiceName:  "notifyd",
		PushURL:      cfg.MetricsPushURL,
		PushInterval: time.Duration(cfg.MetricsPushIntervalSeconds) * time.Second,
	}, factory.New("metrics"))
	m.Start()
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Stop(stopCtx)
	}()

	disp := dispatch.New(st, dir, m, factory.New("dispatch"), dispatch.Config{
		LocalHelo: cfg.SMTPHelo,
		Timeout:   time.Duration(cfg.SMTPTimeout) * time.Second,
	})

	sched := scheduler.New(st, disp.ProcessQueue, factory.New("scheduler"))
	sched.Start()

	interval := cfg.DispatchIntervalMinutes
	if err := sched.SchedulePeriodic(c.Context, &interval, cfg.SMTPHost, cfg.SMTPPort); err != nil {
		return err
	}

	reqAPI := requestapi.New(st)
	srv := api.New(reqAPI, m, cfg.APIPort)

	log.WithField("port", cfg.APIPort).Info("starting notifyd")
	go func() {
		if err := srv.Start(); err != nil {
			log.WithError(err).Error("api server stopped unexpectedly")
		}
	}()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	sig := <-sigc
	log.WithField("signal", sig.String()).Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	services := []stoppable{shutdownFunc(srv.Shutdown), sched}
	wg := &sync.WaitGroup{}
	for _, svc := range services {
		wg.Add(1)
		svc := svc
		go func() {
			defer wg.Done()
			if err := svc.Stop(shutdownCtx); err != nil {
				log.WithError(err).Error("failed to stop service")
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("shutdown complete")
	case <-shutdownCtx.Done():
		log.Warn("shutdown was forced, terminating now")
	}

	return nil
}
