// Command proctor runs one proctored attempt on this machine. Detector
// signals arrive on stdin as JSON lines; captured events are queued in a
// local SQLite file and delivered to the collector in batches.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"proctorlog/internal/platform/config"
	"proctorlog/internal/platform/httpserver"
	"proctorlog/internal/platform/logger"
	"proctorlog/internal/session"
	"proctorlog/internal/session/delivery"
	"proctorlog/internal/session/detector"
	"proctorlog/internal/session/metrics"
	"proctorlog/internal/session/policy"
	"proctorlog/internal/session/probe"
	"proctorlog/internal/session/storage"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "proctor: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.AgentDefaults()
	var metricsAddr string

	flagSet := pflag.NewFlagSet("proctor", pflag.ContinueOnError)
	flagSet.StringVar(&cfg.CollectorURL, "collector", cfg.CollectorURL, "collector base URL")
	flagSet.StringVar(&cfg.StatePath, "state", cfg.StatePath, "SQLite file holding the attempt's local state")
	flagSet.IntVar(&cfg.BatchSize, "batch-size", cfg.BatchSize, "maximum events per periodic send")
	flagSet.DurationVar(&cfg.Interval, "interval", cfg.Interval, "periodic send interval")
	flagSet.DurationVar(&cfg.Duration, "duration", cfg.Duration, "assessment duration")
	flagSet.StringVar(&cfg.UserAgent, "user-agent", cfg.UserAgent, "user agent reported by the environment")
	flagSet.StringSliceVar(&cfg.AllowedBrowsers, "allowed-browsers", cfg.AllowedBrowsers, "browsers admitted to the assessment")
	flagSet.StringVar(&cfg.PolicyFile, "policy-file", cfg.PolicyFile, "YAML noise policy overrides")
	flagSet.StringVar(&cfg.Log.Level, "log-level", cfg.Log.Level, "debug, info, warn or error")
	flagSet.StringVar(&cfg.Log.Format, "log-format", cfg.Log.Format, "text or json")
	flagSet.StringVar(&metricsAddr, "metrics-addr", "", "serve agent metrics on this address")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	log := logger.New(cfg.Log.Level, cfg.Log.Format)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	policies, err := policy.LoadFile(cfg.PolicyFile)
	if err != nil {
		return err
	}
	store, err := storage.NewSQLiteStore(cfg.StatePath)
	if err != nil {
		return err
	}
	defer store.Close()

	transport, err := delivery.NewHTTPTransport(cfg.CollectorURL, delivery.WithUserAgent(cfg.UserAgent))
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	env := probe.New(cfg.UserAgent)
	sess, err := session.Open(ctx, session.Config{
		Store:           store,
		Transport:       transport,
		Probe:           env,
		Policies:        &policies,
		AllowedBrowsers: cfg.AllowedBrowsers,
		Duration:        cfg.Duration,
		Interval:        cfg.Interval,
		BatchSize:       cfg.BatchSize,
		Metrics:         metrics.New(reg),
		Logger:          log,
	})
	if err != nil {
		return err
	}

	switch err := sess.Start(ctx); {
	case errors.Is(err, session.ErrAlreadySubmitted):
		log.InfoContext(ctx, "attempt already submitted", "attempt_id", sess.AttemptID())
		return nil
	case errors.Is(err, session.ErrAccessBlocked):
		log.ErrorContext(ctx, "browser not allowed", "browser", env.Browser().String())
		return drain(ctx, sess, log)
	case err != nil:
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	if metricsAddr != "" {
		srv := httpserver.New(metricsAddr, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		g.Go(func() error { return httpserver.Serve(gctx, srv) })
	}
	g.Go(func() error {
		defer stop()
		return readSignals(gctx, sess, env, log)
	})
	err = g.Wait()

	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), delivery.DefaultTimeout)
	defer cancel()
	if cerr := sess.Close(closeCtx); cerr != nil {
		log.WarnContext(closeCtx, "close session", "error", cerr)
	}
	return err
}

// readSignals applies stdin lines until the attempt is sealed, stdin closes
// or ctx is cancelled.
func readSignals(ctx context.Context, sess *session.Session, env *probe.Environment, log *slog.Logger) error {
	lines := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			line := append([]byte(nil), scanner.Bytes()...)
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	out := json.NewEncoder(os.Stdout)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sess.Sealed():
			log.InfoContext(ctx, "attempt submitted", "attempt_id", sess.AttemptID())
			return nil
		case err := <-readErr:
			if err != nil {
				return fmt.Errorf("read detector signals: %w", err)
			}
			log.InfoContext(ctx, "detector input closed; state kept for resume",
				"pending", len(sess.Pending()),
				"remaining", sess.Remaining().Round(time.Second).String(),
			)
			return nil
		case line := <-lines:
			sig, ok, err := detector.Parse(line)
			if err != nil {
				log.WarnContext(ctx, "ignoring detector signal", "error", err)
				continue
			}
			if !ok {
				continue
			}
			outcome, err := detector.Apply(ctx, sig, sess, env)
			switch {
			case errors.Is(err, detector.ErrMalformedSignal):
				log.WarnContext(ctx, "ignoring detector signal", "error", err)
				continue
			case errors.Is(err, session.ErrAlreadySubmitted), errors.Is(err, session.ErrSubmissionInProgress):
				log.InfoContext(ctx, "capture refused", "reason", err.Error())
				continue
			case err != nil:
				log.WarnContext(ctx, "detector signal failed", "error", err)
				continue
			}
			if err := out.Encode(outcome); err != nil {
				return fmt.Errorf("write outcome: %w", err)
			}
		}
	}
}

// drain keeps delivering a blocked attempt's events until the queue empties
// or ctx is cancelled.
func drain(ctx context.Context, sess *session.Session, log *slog.Logger) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for len(sess.Pending()) > 0 {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
	log.InfoContext(ctx, "blocked attempt delivered", "attempt_id", sess.AttemptID())
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), delivery.DefaultTimeout)
	defer cancel()
	return sess.Close(closeCtx)
}
