package config

import (
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"

	"github.com/dhcgn/dmarc-inbox/imap"
	"github.com/dhcgn/dmarc-inbox/model"
)

func serveCommand(t *testing.T, args ...string) *cobra.Command {
	t.Helper()
	cmd := &cobra.Command{Use: "serve"}
	if err := RegisterFlags(cmd); err != nil {
		t.Fatalf("RegisterFlags: %v", err)
	}
	if err := cmd.Flags().Parse(args); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	return cmd
}

var baseArgs = []string{
	"--imap-host", "imap.example.org",
	"--imap-user", "dmarc@example.org",
	"--imap-pass", "secret",
	"--http-user", "admin",
	"--http-pass", "admin-secret",
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(serveCommand(t, baseArgs...))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.IMAPPort != 993 || !cfg.UseTLS {
		t.Errorf("expected implicit TLS on 993, got port %d tls %v", cfg.IMAPPort, cfg.UseTLS)
	}
	if cfg.IMAPMailbox != "INBOX" || cfg.IMAPFilter != model.FilterUnseen {
		t.Errorf("unexpected mailbox defaults %q %q", cfg.IMAPMailbox, cfg.IMAPFilter)
	}
	if cfg.IMAPAck != imap.AckSeen || cfg.IMAPAuth != imap.AuthLogin {
		t.Errorf("unexpected ack/auth defaults %q %q", cfg.IMAPAck, cfg.IMAPAuth)
	}
	if cfg.PollInterval != 5*time.Minute || cfg.BackoffMax != 5*time.Minute || cfg.BackoffInitial != 5*time.Second {
		t.Errorf("unexpected timing defaults %v %v %v", cfg.PollInterval, cfg.BackoffInitial, cfg.BackoffMax)
	}
	if cfg.HTTPAddr != ":8080" || cfg.FailureThreshold != 3 || cfg.LogLevel != "info" {
		t.Errorf("unexpected defaults %+v", cfg)
	}
}

func TestLoadConfigFromEnvironment(t *testing.T) {
	t.Setenv("IMAP_HOST", "mail.example.net")
	t.Setenv("IMAP_USER", "reports")
	t.Setenv("IMAP_PASS", "from-env")
	t.Setenv("IMAP_ACK", "move")
	t.Setenv("IMAP_PROCESSED_FOLDER", "Processed")
	t.Setenv("POLL_INTERVAL", "90s")
	t.Setenv("HTTP_ADDR", "")
	t.Setenv("LOG_LEVEL", "WARNING")

	cfg, err := LoadConfig(serveCommand(t, "--imap-user", "from-flag"))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.IMAPHost != "mail.example.net" || cfg.IMAPPass != "from-env" {
		t.Errorf("environment not applied: %+v", cfg)
	}
	if cfg.IMAPUser != "from-flag" {
		t.Errorf("flags must win over the environment, got %q", cfg.IMAPUser)
	}
	if cfg.IMAPAck != imap.AckMove || cfg.ProcessedFolder != "Processed" {
		t.Errorf("unexpected ack settings %q %q", cfg.IMAPAck, cfg.ProcessedFolder)
	}
	if cfg.PollInterval != 90*time.Second {
		t.Errorf("expected 90s poll interval, got %v", cfg.PollInterval)
	}
	if cfg.HTTPAddr != "" {
		t.Errorf("empty HTTP_ADDR should disable the API, got %q", cfg.HTTPAddr)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("expected warn, got %q", cfg.LogLevel)
	}
}

func TestLoadConfigKeepsPatternsVerbatim(t *testing.T) {
	args := append([]string{"--include-header", `^Subject: Report domain: [a-z]{2,10}\.org`}, baseArgs...)
	cfg, err := LoadConfig(serveCommand(t, args...))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if len(cfg.IncludeHeader) != 1 || cfg.IncludeHeader[0] != `^Subject: Report domain: [a-z]{2,10}\.org` {
		t.Fatalf("pattern was altered: %q", cfg.IncludeHeader)
	}
}

func TestLoadConfigHTTPPort(t *testing.T) {
	tests := []struct {
		name string
		args []string
		env  string
		want string
	}{
		{"default address", nil, "", ":8080"},
		{"port replaces default", []string{"--http-port", "9090"}, "", ":9090"},
		{"port keeps host", []string{"--http-addr", "127.0.0.1:8080", "--http-port", "9443"}, "", "127.0.0.1:9443"},
		{"bare host", []string{"--http-addr", "localhost", "--http-port", "8081"}, "", "localhost:8081"},
		{"port from environment", nil, "7070", ":7070"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.env != "" {
				t.Setenv("HTTP_PORT", tt.env)
			}
			cfg, err := LoadConfig(serveCommand(t, append(tt.args, baseArgs...)...))
			if err != nil {
				t.Fatalf("LoadConfig: %v", err)
			}
			if cfg.HTTPAddr != tt.want {
				t.Errorf("expected %q, got %q", tt.want, cfg.HTTPAddr)
			}
		})
	}
}

func TestLoadConfigValidation(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"missing host", []string{"--imap-user", "u", "--imap-pass", "p", "--http-addr", ""}, "--imap-host"},
		{"missing password", []string{"--imap-host", "h", "--imap-user", "u", "--http-addr", ""}, "IMAP password"},
		{"bad port", append([]string{"--imap-port", "70000"}, baseArgs...), "--imap-port"},
		{"bad http port", append([]string{"--http-port", "-1"}, baseArgs...), "--http-port"},
		{"bad filter", append([]string{"--imap-filter", "flagged"}, baseArgs...), "unknown"},
		{"bad ack", append([]string{"--imap-ack", "delete"}, baseArgs...), "acknowledge mode"},
		{"bad auth", append([]string{"--imap-auth", "xoauth2"}, baseArgs...), "auth method"},
		{"move without folder", append([]string{"--imap-ack", "move"}, baseArgs...), "--imap-processed-folder"},
		{"http without auth", []string{"--imap-host", "h", "--imap-user", "u", "--imap-pass", "p"}, "--http-user"},
		{"zero poll interval", append([]string{"--poll-interval", "0s"}, baseArgs...), "--poll-interval"},
		{"backoff max below initial", append([]string{"--backoff-initial", "10s", "--backoff-max", "5s"}, baseArgs...), "--backoff-max"},
		{"threshold", append([]string{"--failure-threshold", "0"}, baseArgs...), "--failure-threshold"},
		{"filters conflict", append([]string{"--include-header", "a", "--exclude-header", "b"}, baseArgs...), "mutually exclusive"},
		{"log level", append([]string{"--log-level", "trace"}, baseArgs...), "--log-level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(serveCommand(t, tt.args...))
			if err == nil {
				t.Fatal("expected an error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestLoadImportConfig(t *testing.T) {
	cmd := &cobra.Command{Use: "mbox-import"}
	if err := RegisterImportFlags(cmd); err != nil {
		t.Fatal(err)
	}
	if err := cmd.Flags().Parse([]string{"-o", "out", "-t", "5", "--exclude-header", "^From: .*@spam.test"}); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadImportConfig(cmd, " archive.mbox ")
	if err != nil {
		t.Fatalf("LoadImportConfig: %v", err)
	}
	if cfg.MboxPath != "archive.mbox" || cfg.ReportDir != "out" || cfg.Top != 5 {
		t.Errorf("unexpected config %+v", cfg)
	}
	if len(cfg.ExcludeHeader) != 1 {
		t.Errorf("unexpected exclude patterns %q", cfg.ExcludeHeader)
	}

	if _, err := LoadImportConfig(cmd, ""); err == nil {
		t.Error("expected an error for a missing path")
	}
}
