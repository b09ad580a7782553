package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/dhcgn/dmarc-inbox/extract"
	"github.com/dhcgn/dmarc-inbox/model"
	"github.com/dhcgn/dmarc-inbox/report"
)

var errParseFailed = errors.New("some payloads could not be decoded")

func newParseCmd() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "parse [file...]",
		Short: "Decode local .xml, .xml.gz or .zip report files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if format != "json" && format != "xml" {
				return fmt.Errorf("invalid --format: %s", format)
			}
			logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: slog.LevelWarn}))
			return parseFiles(cmd, args, format, logger)
		},
	}
	cmd.Flags().StringVar(&format, "format", "json", "Output format: json or xml")
	return cmd
}

func parseFiles(cmd *cobra.Command, paths []string, format string, logger *slog.Logger) error {
	extractor := extract.New(logger)
	var reports []*model.Report
	failed := false

	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}

		res := extractor.ExtractFile(filepath.Base(path), data)
		for _, failure := range res.Failures {
			failed = true
			logger.Warn("extract failed", "file", path, "err", failure)
		}
		for _, payload := range res.Payloads {
			r, err := report.Decode(payload.Data)
			if err != nil {
				failed = true
				logger.Warn("decode failed", "file", path, "payload", payload.Filename, "err", err)
				continue
			}
			if claimed, counted, mismatch := r.CountMismatch(); mismatch {
				logger.Warn("report total does not match records", "file", path, "claimed", claimed, "counted", counted)
			}
			reports = append(reports, r)
		}
	}

	out := cmd.OutOrStdout()
	switch format {
	case "xml":
		for _, r := range reports {
			doc, err := report.Encode(r)
			if err != nil {
				return err
			}
			if _, err := out.Write(doc); err != nil {
				return err
			}
			fmt.Fprintln(out)
		}
	default:
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(reports); err != nil {
			return err
		}
	}

	if failed {
		return errParseFailed
	}
	return nil
}
