// Package cmd holds the command tree: serve (the default), mbox-import and parse.
package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
)

const appName = "dmarc-inbox"

// NewRootCmd builds the command tree. The root command runs the service.
func NewRootCmd() (*cobra.Command, error) {
	root, err := newServeCmd()
	if err != nil {
		return nil, err
	}

	importCmd, err := newImportCmd()
	if err != nil {
		return nil, err
	}
	root.AddCommand(importCmd, newParseCmd())
	return root, nil
}

// Execute runs the command tree until ctx is cancelled or the command returns.
func Execute(ctx context.Context) error {
	root, err := NewRootCmd()
	if err != nil {
		return fmt.Errorf("failed to register CLI flags: %w", err)
	}
	return root.ExecuteContext(ctx)
}

func setupLogger(logLevel, logDir string, stdout io.Writer) (*slog.Logger, func() error, error) {
	level := new(slog.LevelVar)
	level.Set(slog.LevelInfo)

	switch logLevel {
	case "debug":
		level.Set(slog.LevelDebug)
	case "info":
		level.Set(slog.LevelInfo)
	case "warn":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	}

	opts := &slog.HandlerOptions{Level: level}
	cleanup := func() error { return nil }

	if logDir != "" {
		if err := os.MkdirAll(logDir, 0o755); err != nil {
			return nil, cleanup, err
		}

		logFilePath := filepath.Join(logDir, fmt.Sprintf("%s-%s.log", appName, time.Now().Format("20060102T150405")))
		file, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, cleanup, err
		}

		handler := slog.NewTextHandler(io.MultiWriter(stdout, file), opts)
		cleanup = func() error {
			return file.Close()
		}
		return slog.New(handler), cleanup, nil
	}

	handler := slog.NewTextHandler(stdout, opts)
	return slog.New(handler), cleanup, nil
}
