// Package imap reads DMARC report messages from an IMAP mailbox.
package imap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-sasl"
)

type AuthMethod string

const (
	AuthLogin AuthMethod = "login"
	AuthPlain AuthMethod = "plain"
)

func ParseAuthMethod(s string) (AuthMethod, error) {
	switch m := AuthMethod(strings.ToLower(strings.TrimSpace(s))); m {
	case AuthLogin, "":
		return AuthLogin, nil
	case AuthPlain:
		return m, nil
	}
	return "", fmt.Errorf("unknown imap auth method %q (want login or plain)", s)
}

// AckMode is how a processed message is marked in the mailbox.
type AckMode string

const (
	AckSeen AckMode = "seen"
	AckMove AckMode = "move"
)

func ParseAckMode(s string) (AckMode, error) {
	switch m := AckMode(strings.ToLower(strings.TrimSpace(s))); m {
	case AckSeen, "":
		return AckSeen, nil
	case AckMove:
		return m, nil
	}
	return "", fmt.Errorf("unknown imap acknowledge mode %q (want seen or move)", s)
}

type Options struct {
	Host               string
	Port               int
	Username           string
	Password           string
	UseTLS             bool
	InsecureSkipVerify bool
	Auth               AuthMethod
	Mailbox            string
	Ack                AckMode
	ProcessedFolder    string
	// Timeout bounds dialing and every command round-trip. Zero disables it.
	Timeout time.Duration
}

func (o Options) address() string {
	return net.JoinHostPort(o.Host, strconv.Itoa(o.Port))
}

func (o Options) mailbox() string {
	if o.Mailbox == "" {
		return "INBOX"
	}
	return o.Mailbox
}

type Client struct {
	opts   Options
	logger *slog.Logger
}

func NewClient(opts Options, logger *slog.Logger) (*Client, error) {
	if opts.Host == "" {
		return nil, fmt.Errorf("imap host is empty")
	}
	if opts.Port <= 0 {
		return nil, fmt.Errorf("imap port must be positive")
	}
	if opts.Ack == AckMove && opts.ProcessedFolder == "" {
		return nil, fmt.Errorf("imap processed folder is required when acknowledging by move")
	}
	if opts.Auth == "" {
		opts.Auth = AuthLogin
	}
	if opts.Ack == "" {
		opts.Ack = AckSeen
	}
	if logger != nil {
		logger = logger.With("component", "imap")
	}
	return &Client{opts: opts, logger: logger}, nil
}

// Connect dials, authenticates and selects the report mailbox. Any failure is
// a *ConnectionError. Cancelling ctx closes the connection.
func (c *Client) Connect(ctx context.Context) (*Session, error) {
	address := c.opts.address()
	fail := func(op string, err error) error {
		return &ConnectionError{Op: op, Addr: address, Err: err}
	}

	conn, err := c.dial(ctx, address)
	if err != nil {
		return nil, fail("dial", err)
	}

	s := &Session{
		client:  imapclient.New(conn, &imapclient.Options{}),
		opts:    c.opts,
		logger:  c.logger,
		ctx:     ctx,
		mailbox: c.opts.mailbox(),
	}
	s.stopClose = context.AfterFunc(ctx, func() {
		_ = s.client.Close()
	})

	if err := s.roundTrip(s.authenticate); err != nil {
		s.abort()
		return nil, fail("login", err)
	}

	if c.opts.Ack == AckMove {
		if err := s.roundTrip(s.ensureMailbox); err != nil {
			s.abort()
			return nil, fail("create", err)
		}
	}

	var data *imapv2.SelectData
	err = s.roundTrip(func() error {
		var err error
		data, err = s.client.Select(s.mailbox, nil).Wait()
		return err
	})
	if err != nil {
		s.abort()
		return nil, fail("select", fmt.Errorf("mailbox %s: %w", s.mailbox, err))
	}
	s.uidValidity = data.UIDValidity

	if c.logger != nil {
		c.logger.Debug("imap connection established", "address", address, "user", c.opts.Username, "mailbox", s.mailbox, "messages", data.NumMessages, "tls", c.opts.UseTLS)
	}
	return s, nil
}

func (c *Client) dial(ctx context.Context, address string) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: c.opts.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	if !c.opts.UseTLS {
		return conn, nil
	}

	tlsConn := tls.Client(conn, &tls.Config{
		ServerName:         c.opts.Host,
		InsecureSkipVerify: c.opts.InsecureSkipVerify,
	})
	hsCtx := ctx
	if c.opts.Timeout > 0 {
		var cancel context.CancelFunc
		hsCtx, cancel = context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()
	}
	if err := tlsConn.HandshakeContext(hsCtx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("tls handshake: %w", err)
	}
	return tlsConn, nil
}

func (s *Session) authenticate() error {
	switch s.opts.Auth {
	case AuthPlain:
		return s.client.Authenticate(sasl.NewPlainClient("", s.opts.Username, s.opts.Password))
	default:
		return s.client.Login(s.opts.Username, s.opts.Password).Wait()
	}
}

func (s *Session) ensureMailbox() error {
	target := s.opts.ProcessedFolder
	if err := s.client.Create(target, nil).Wait(); err != nil {
		var respErr *imapv2.Error
		if errors.As(err, &respErr) && respErr.Code == imapv2.ResponseCodeAlreadyExists {
			if s.logger != nil {
				s.logger.Debug("imap mailbox already exists", "mailbox", target)
			}
			return nil
		}
		return fmt.Errorf("ensure mailbox %s: %w", target, err)
	}

	if s.logger != nil {
		s.logger.Info("imap mailbox created", "mailbox", target)
	}
	return nil
}
