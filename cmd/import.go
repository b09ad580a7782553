package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/dhcgn/dmarc-inbox/config"
	"github.com/dhcgn/dmarc-inbox/filter"
	"github.com/dhcgn/dmarc-inbox/mbox"
	"github.com/dhcgn/dmarc-inbox/progress"
	"github.com/dhcgn/dmarc-inbox/runner"
	"github.com/dhcgn/dmarc-inbox/state"
	"github.com/dhcgn/dmarc-inbox/stats"
	"github.com/dhcgn/dmarc-inbox/store"
	"github.com/dhcgn/dmarc-inbox/summary"
)

// sourcesPerDomain bounds the rows of each sources CSV.
const sourcesPerDomain = 1000

func newImportCmd() (*cobra.Command, error) {
	cmd := &cobra.Command{
		Use:   "mbox-import [mbox file]",
		Short: "Run the report pipeline over an mbox archive and print a summary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadImportConfig(cmd, args[0])
			if err != nil {
				return err
			}

			logger, cleanup, err := setupLogger(cfg.LogLevel, cfg.LogDir, os.Stderr)
			if err != nil {
				return err
			}
			defer func() {
				_ = cleanup()
			}()

			return importMbox(cmd, cfg, logger)
		},
	}
	if err := config.RegisterImportFlags(cmd); err != nil {
		return nil, err
	}
	return cmd, nil
}

func importMbox(cmd *cobra.Command, cfg config.ImportConfig, logger *slog.Logger) error {
	flt, err := filter.New(filter.Options{IncludeHeader: cfg.IncludeHeader, ExcludeHeader: cfg.ExcludeHeader})
	if err != nil {
		return fmt.Errorf("filter.New: %w", err)
	}
	reader, err := mbox.NewReader(mbox.Options{Path: cfg.MboxPath}, logger)
	if err != nil {
		return err
	}

	// The progress bar replaces per-message info logs.
	showProgress := cfg.LogLevel == "info"
	pipelineLogger := logger
	if showProgress {
		pipelineLogger = nil
	}

	total := 0
	if showProgress {
		if total, err = mbox.CountMessages(cfg.MboxPath); err != nil {
			return err
		}
	}

	st := store.New()
	imp := runner.NewImporter(cmd.Context(), st, flt, state.NewMemoryTracker(1), nil, pipelineLogger)
	collector := stats.NewCollector()
	bar := progress.New(total, showProgress)
	imp.SubscribeStats(collector)
	imp.SubscribeStats(bar)
	mbox.NewProducer(reader, imp)

	res, runErr := imp.Start()
	bar.Stop()

	s := summary.Build(st.QueryAll())
	out := cmd.OutOrStdout()
	if err := progress.PrintSummary(out, collector.Snapshot(), res.Duration, s, cfg.Top); err != nil {
		return err
	}

	if failures := imp.Tracker().Failures(); len(failures) > 0 {
		table, err := progress.FailureTable(failures)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, table)
	}

	if cfg.ReportDir != "" {
		if err := summary.WriteCSV(cfg.ReportDir, s, sourcesPerDomain); err != nil {
			return fmt.Errorf("error saving CSV reports: %w", err)
		}
		fmt.Fprintf(out, "\nReports saved to directory: %s\n", cfg.ReportDir)
	}

	if runErr != nil {
		return fmt.Errorf("error reading mbox file: %w", runErr)
	}
	return nil
}
