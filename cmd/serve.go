package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dhcgn/dmarc-inbox/config"
	"github.com/dhcgn/dmarc-inbox/filter"
	"github.com/dhcgn/dmarc-inbox/imap"
	"github.com/dhcgn/dmarc-inbox/metrics"
	"github.com/dhcgn/dmarc-inbox/runner"
	"github.com/dhcgn/dmarc-inbox/state"
	"github.com/dhcgn/dmarc-inbox/stats"
	"github.com/dhcgn/dmarc-inbox/store"
	"github.com/dhcgn/dmarc-inbox/web"
)

func newServeCmd() (*cobra.Command, error) {
	cmd := &cobra.Command{
		Use:   appName,
		Short: "Collect DMARC aggregate reports from an IMAP mailbox and serve them over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cmd)
			if err != nil {
				return err
			}

			logger, cleanup, err := setupLogger(cfg.LogLevel, cfg.LogDir, os.Stdout)
			if err != nil {
				return err
			}
			defer func() {
				_ = cleanup()
			}()

			slog.SetDefault(logger)
			logger.Info("starting "+appName, "imap", cfg.IMAPHost, "mailbox", cfg.IMAPMailbox, "ack", cfg.IMAPAck, "http", cfg.HTTPAddr)

			return serve(cmd.Context(), cfg, logger)
		},
	}
	if err := config.RegisterFlags(cmd); err != nil {
		return nil, err
	}
	return cmd, nil
}

func serve(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	flt, err := filter.New(filter.Options{IncludeHeader: cfg.IncludeHeader, ExcludeHeader: cfg.ExcludeHeader})
	if err != nil {
		return fmt.Errorf("filter.New: %w", err)
	}

	client, err := imap.NewClient(imap.Options{
		Host:               cfg.IMAPHost,
		Port:               cfg.IMAPPort,
		Username:           cfg.IMAPUser,
		Password:           cfg.IMAPPass,
		UseTLS:             cfg.UseTLS,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
		Auth:               cfg.IMAPAuth,
		Mailbox:            cfg.IMAPMailbox,
		Ack:                cfg.IMAPAck,
		ProcessedFolder:    cfg.ProcessedFolder,
		Timeout:            cfg.IMAPTimeout,
	}, logger)
	if err != nil {
		return fmt.Errorf("imap.NewClient: %w", err)
	}
	dialer := runner.DialerFunc(func(ctx context.Context) (runner.Session, error) {
		sess, err := client.Connect(ctx)
		if err != nil {
			return nil, err
		}
		return sess, nil
	})

	st := store.New()
	m := metrics.New()
	reporter := stats.NewReporter(logger)
	pipeline := runner.NewPipeline(st, flt, reporter, m, logger)
	scheduler := runner.NewScheduler(dialer, pipeline, state.NewMemoryTracker(cfg.FailureThreshold), reporter, m, runner.Options{
		Filter:         cfg.IMAPFilter,
		PollInterval:   cfg.PollInterval,
		BackoffInitial: cfg.BackoffInitial,
		BackoffMax:     cfg.BackoffMax,
	}, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return scheduler.Run(gctx)
	})
	if cfg.HTTPAddr != "" {
		srv := web.NewServer(web.Options{
			Addr:     cfg.HTTPAddr,
			Username: cfg.HTTPUser,
			Password: cfg.HTTPPass,
		}, st, scheduler, m.Handler(), logger)
		g.Go(func() error {
			if err := srv.Run(gctx); err != nil {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
	}

	err = g.Wait()
	summary := reporter.Summary()
	logger.Info("shutdown complete", append(summary.LogAttrs(), "stored", st.Len())...)
	return err
}
