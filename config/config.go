package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/dhcgn/dmarc-inbox/imap"
	"github.com/dhcgn/dmarc-inbox/model"
)

// Config captures every option of the serve command.
type Config struct {
	IMAPHost           string
	IMAPPort           int
	IMAPUser           string
	IMAPPass           string
	IMAPMailbox        string
	IMAPFilter         model.Filter
	IMAPAck            imap.AckMode
	ProcessedFolder    string
	IMAPAuth           imap.AuthMethod
	IMAPTimeout        time.Duration
	UseTLS             bool
	InsecureSkipVerify bool
	HTTPAddr           string
	HTTPUser           string
	HTTPPass           string
	PollInterval       time.Duration
	BackoffInitial     time.Duration
	BackoffMax         time.Duration
	FailureThreshold   int
	IncludeHeader      []string
	ExcludeHeader      []string
	LogLevel           string
	LogDir             string
}

// ImportConfig captures the options of the mbox-import command.
type ImportConfig struct {
	MboxPath      string
	ReportDir     string
	Top           int
	IncludeHeader []string
	ExcludeHeader []string
	LogLevel      string
	LogDir        string
}

// RegisterFlags attaches the serve flags to cmd. Every flag can also be set
// through the environment variable of the same name in upper case with
// dashes replaced by underscores, e.g. IMAP_PASS.
func RegisterFlags(cmd *cobra.Command) error {
	flags := cmd.Flags()
	flags.String("imap-host", "", "IMAP server hostname")
	flags.Int("imap-port", 993, "IMAP server port")
	flags.String("imap-user", "", "IMAP username")
	flags.String("imap-pass", "", "IMAP password")
	flags.String("imap-mailbox", "INBOX", "Mailbox that receives the aggregate reports")
	flags.String("imap-filter", string(model.FilterUnseen), "Messages to list each cycle: unseen or all")
	flags.String("imap-ack", string(imap.AckSeen), "How processed messages are acknowledged: seen or move")
	flags.String("imap-processed-folder", "", "Folder processed messages are moved to when --imap-ack=move")
	flags.String("imap-auth", string(imap.AuthLogin), "IMAP authentication: login or plain")
	flags.Duration("imap-timeout", 30*time.Second, "Deadline for dialing and every IMAP command")
	flags.Bool("use-tls", true, "Use implicit TLS for the IMAP connection")
	flags.Bool("insecure-skip-verify", false, "Skip TLS certificate verification (not recommended)")
	flags.String("http-addr", ":8080", "Listen address of the HTTP API, empty disables it")
	flags.Int("http-port", 0, "Port of the HTTP API, replaces the port of --http-addr when set")
	flags.String("http-user", "", "Basic auth user for the HTTP API")
	flags.String("http-pass", "", "Basic auth password for the HTTP API")
	flags.Duration("poll-interval", 5*time.Minute, "Time between mailbox polls")
	flags.Duration("backoff-initial", 5*time.Second, "First retry delay after a connection failure")
	flags.Duration("backoff-max", 5*time.Minute, "Upper bound of the retry delay")
	flags.Int("failure-threshold", 3, "Failed attempts after which a message is reported as repeatedly failing")
	registerFilterFlags(flags)
	registerLogFlags(flags)
	return nil
}

// RegisterImportFlags attaches the mbox-import flags to cmd.
func RegisterImportFlags(cmd *cobra.Command) error {
	flags := cmd.Flags()
	flags.StringP("output", "o", "", "Directory for CSV reports, empty skips them")
	flags.IntP("top", "t", 10, "Number of reporting organisations to list")
	registerFilterFlags(flags)
	registerLogFlags(flags)
	return nil
}

func registerFilterFlags(flags *pflag.FlagSet) {
	flags.StringArray("include-header", nil, "Regex allow-list applied to message header fields (mutually exclusive with --exclude-header)")
	flags.StringArray("exclude-header", nil, "Regex block-list applied to message header fields (mutually exclusive with --include-header)")
}

func registerLogFlags(flags *pflag.FlagSet) {
	flags.String("log-level", "info", "Logging level: debug, info, warn, error")
	flags.String("log-dir", "", "Directory for log files in addition to stdout")
}

func newViper(flags *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AllowEmptyEnv(true)
	v.AutomaticEnv()
	if err := v.BindPFlags(flags); err != nil {
		return nil, fmt.Errorf("bind flags: %w", err)
	}
	return v, nil
}

// stringArray keeps explicitly passed patterns verbatim. Viper would split
// them on commas, which regular expressions contain.
func stringArray(v *viper.Viper, flags *pflag.FlagSet, name string) ([]string, error) {
	if flags.Changed(name) {
		return flags.GetStringArray(name)
	}
	return v.GetStringSlice(name), nil
}

// LoadConfig converts the parsed flags and environment into a Config.
func LoadConfig(cmd *cobra.Command) (Config, error) {
	flags := cmd.Flags()
	v, err := newViper(flags)
	if err != nil {
		return Config{}, err
	}

	filter, err := model.ParseFilter(v.GetString("imap-filter"))
	if err != nil {
		return Config{}, err
	}
	ack, err := imap.ParseAckMode(v.GetString("imap-ack"))
	if err != nil {
		return Config{}, err
	}
	auth, err := imap.ParseAuthMethod(v.GetString("imap-auth"))
	if err != nil {
		return Config{}, err
	}
	includeHeader, err := stringArray(v, flags, "include-header")
	if err != nil {
		return Config{}, err
	}
	excludeHeader, err := stringArray(v, flags, "exclude-header")
	if err != nil {
		return Config{}, err
	}

	httpAddr, err := listenAddr(v.GetString("http-addr"), v.GetInt("http-port"))
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		IMAPHost:           strings.TrimSpace(v.GetString("imap-host")),
		IMAPPort:           v.GetInt("imap-port"),
		IMAPUser:           v.GetString("imap-user"),
		IMAPPass:           v.GetString("imap-pass"),
		IMAPMailbox:        v.GetString("imap-mailbox"),
		IMAPFilter:         filter,
		IMAPAck:            ack,
		ProcessedFolder:    v.GetString("imap-processed-folder"),
		IMAPAuth:           auth,
		IMAPTimeout:        v.GetDuration("imap-timeout"),
		UseTLS:             v.GetBool("use-tls"),
		InsecureSkipVerify: v.GetBool("insecure-skip-verify"),
		HTTPAddr:           httpAddr,
		HTTPUser:           v.GetString("http-user"),
		HTTPPass:           v.GetString("http-pass"),
		PollInterval:       v.GetDuration("poll-interval"),
		BackoffInitial:     v.GetDuration("backoff-initial"),
		BackoffMax:         v.GetDuration("backoff-max"),
		FailureThreshold:   v.GetInt("failure-threshold"),
		IncludeHeader:      includeHeader,
		ExcludeHeader:      excludeHeader,
		LogLevel:           normalizeLogLevel(v.GetString("log-level")),
		LogDir:             v.GetString("log-dir"),
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadImportConfig reads the mbox-import options; path is the archive argument.
func LoadImportConfig(cmd *cobra.Command, path string) (ImportConfig, error) {
	flags := cmd.Flags()
	v, err := newViper(flags)
	if err != nil {
		return ImportConfig{}, err
	}

	includeHeader, err := stringArray(v, flags, "include-header")
	if err != nil {
		return ImportConfig{}, err
	}
	excludeHeader, err := stringArray(v, flags, "exclude-header")
	if err != nil {
		return ImportConfig{}, err
	}

	cfg := ImportConfig{
		MboxPath:      strings.TrimSpace(path),
		ReportDir:     v.GetString("output"),
		Top:           v.GetInt("top"),
		IncludeHeader: includeHeader,
		ExcludeHeader: excludeHeader,
		LogLevel:      normalizeLogLevel(v.GetString("log-level")),
		LogDir:        v.GetString("log-dir"),
	}

	if cfg.MboxPath == "" {
		return ImportConfig{}, errors.New("mbox path is required")
	}
	if cfg.Top < 0 {
		return ImportConfig{}, errors.New("--top must not be negative")
	}
	if len(cfg.IncludeHeader) > 0 && len(cfg.ExcludeHeader) > 0 {
		return ImportConfig{}, errors.New("include and exclude flags are mutually exclusive")
	}
	if err := validateLogLevel(cfg.LogLevel); err != nil {
		return ImportConfig{}, err
	}
	return cfg, nil
}

// listenAddr applies --http-port to --http-addr, keeping the host part.
func listenAddr(addr string, port int) (string, error) {
	addr = strings.TrimSpace(addr)
	if port == 0 {
		return addr, nil
	}
	if port < 0 || port > 65535 {
		return "", errors.New("--http-port must be between 1 and 65535")
	}
	host := addr
	if h, _, err := net.SplitHostPort(addr); err == nil {
		host = h
	}
	return net.JoinHostPort(host, strconv.Itoa(port)), nil
}

func validateConfig(cfg Config) error {
	if cfg.IMAPHost == "" {
		return errors.New("--imap-host is required")
	}
	if cfg.IMAPUser == "" {
		return errors.New("--imap-user is required")
	}
	if cfg.IMAPPass == "" {
		return errors.New("IMAP password must be provided via --imap-pass or IMAP_PASS env var")
	}
	if cfg.IMAPPort <= 0 || cfg.IMAPPort > 65535 {
		return errors.New("--imap-port must be between 1 and 65535")
	}
	if cfg.IMAPAck == imap.AckMove && strings.TrimSpace(cfg.ProcessedFolder) == "" {
		return errors.New("--imap-processed-folder is required with --imap-ack=move")
	}
	if cfg.IMAPTimeout < 0 {
		return errors.New("--imap-timeout must not be negative")
	}
	if cfg.HTTPAddr != "" && (cfg.HTTPUser == "" || cfg.HTTPPass == "") {
		return errors.New("--http-user and --http-pass are required when the HTTP API is enabled")
	}
	if cfg.PollInterval <= 0 {
		return errors.New("--poll-interval must be positive")
	}
	if cfg.BackoffInitial <= 0 {
		return errors.New("--backoff-initial must be positive")
	}
	if cfg.BackoffMax < cfg.BackoffInitial {
		return errors.New("--backoff-max must not be smaller than --backoff-initial")
	}
	if cfg.FailureThreshold < 1 {
		return errors.New("--failure-threshold must be at least 1")
	}
	if len(cfg.IncludeHeader) > 0 && len(cfg.ExcludeHeader) > 0 {
		return errors.New("include and exclude flags are mutually exclusive")
	}
	return validateLogLevel(cfg.LogLevel)
}

func normalizeLogLevel(level string) string {
	level = strings.ToLower(strings.TrimSpace(level))
	if level == "warning" {
		level = "warn"
	}
	return level
}

func validateLogLevel(level string) error {
	switch level {
	case "debug", "info", "warn", "error":
		return nil
	}
	return fmt.Errorf("invalid --log-level: %s", level)
}
