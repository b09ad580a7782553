package imap

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"sync/atomic"
	"time"

	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/dhcgn/dmarc-inbox/model"
)

// Session is an authenticated connection with the report mailbox selected.
// It is not safe for concurrent use.
type Session struct {
	client      *imapclient.Client
	opts        Options
	logger      *slog.Logger
	ctx         context.Context
	stopClose   func() bool
	mailbox     string
	uidValidity uint32
	timedOut    atomic.Bool
}

// List searches the mailbox and yields one handle per matching message. The
// search runs once; ranging over the sequence again restarts it from the
// first handle.
func (s *Session) List(ctx context.Context, filter model.Filter) (iter.Seq[model.MessageHandle], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	criteria := &imapv2.SearchCriteria{}
	if filter != model.FilterAll {
		criteria.NotFlag = []imapv2.Flag{imapv2.FlagSeen}
	}

	var data *imapv2.SearchData
	err := s.roundTrip(func() error {
		var err error
		data, err = s.client.UIDSearch(criteria, nil).Wait()
		return err
	})
	if err != nil {
		return nil, &ConnectionError{Op: "search", Addr: s.opts.address(), Err: err}
	}

	uids := data.AllUIDs()
	if s.logger != nil {
		s.logger.Debug("imap search", "mailbox", s.mailbox, "filter", filter, "matches", len(uids))
	}

	mailbox, validity := s.mailbox, s.uidValidity
	return func(yield func(model.MessageHandle) bool) {
		for _, uid := range uids {
			if !yield(model.MessageHandle{Mailbox: mailbox, UIDValidity: validity, UID: uint32(uid)}) {
				return
			}
		}
	}, nil
}

var fetchBody = &imapv2.FetchItemBodySection{Peek: true}

// Fetch downloads the full message without setting \Seen.
func (s *Session) Fetch(ctx context.Context, h model.MessageHandle) (model.Message, error) {
	fail := func(err error) (model.Message, error) {
		return model.Message{}, s.messageError("fetch", h, err)
	}
	if err := ctx.Err(); err != nil {
		return fail(err)
	}
	if h.UIDValidity != s.uidValidity {
		return fail(ErrUIDValidityChanged)
	}

	opts := &imapv2.FetchOptions{
		UID:          true,
		Envelope:     true,
		InternalDate: true,
		RFC822Size:   true,
		BodySection:  []*imapv2.FetchItemBodySection{fetchBody},
	}

	var msgs []*imapclient.FetchMessageBuffer
	err := s.roundTrip(func() error {
		var err error
		msgs, err = s.client.Fetch(imapv2.UIDSetNum(imapv2.UID(h.UID)), opts).Collect()
		return err
	})
	if err != nil {
		return fail(err)
	}
	if len(msgs) == 0 {
		return fail(ErrMessageGone)
	}

	buf := msgs[0]
	raw := buf.FindBodySection(fetchBody)
	if raw == nil {
		return fail(fmt.Errorf("server returned no body"))
	}

	msg := model.Message{
		Handle:     h,
		ReceivedAt: buf.InternalDate,
		Size:       buf.RFC822Size,
		Raw:        raw,
	}
	if env := buf.Envelope; env != nil {
		msg.ID = env.MessageID
		msg.Subject = env.Subject
		if len(env.From) > 0 {
			msg.From = env.From[0].Addr()
		}
	}
	if msg.Size == 0 {
		msg.Size = int64(len(raw))
	}
	return msg, nil
}

// Acknowledge marks a merged message so the next listing skips it.
func (s *Session) Acknowledge(ctx context.Context, h model.MessageHandle) error {
	fail := func(err error) error {
		return s.messageError("acknowledge", h, err)
	}
	if err := ctx.Err(); err != nil {
		return fail(err)
	}
	if h.UIDValidity != s.uidValidity {
		return fail(ErrUIDValidityChanged)
	}

	uids := imapv2.UIDSetNum(imapv2.UID(h.UID))
	err := s.roundTrip(func() error {
		switch s.opts.Ack {
		case AckMove:
			_, err := s.client.Move(uids, s.opts.ProcessedFolder).Wait()
			return err
		default:
			return s.client.Store(uids, &imapv2.StoreFlags{
				Op:     imapv2.StoreFlagsAdd,
				Silent: true,
				Flags:  []imapv2.Flag{imapv2.FlagSeen},
			}, nil).Close()
		}
	})
	if err != nil {
		return fail(err)
	}
	return nil
}

// Close logs out unless the session context is done or the connection is
// already gone, then closes the connection.
func (s *Session) Close() error {
	s.stopClose()
	if s.ctx.Err() == nil && !s.connectionLost() {
		err := s.roundTrip(func() error {
			return s.client.Logout().Wait()
		})
		if err != nil && s.logger != nil {
			s.logger.Warn("imap logout failed", "err", err)
		}
	}
	if err := s.client.Close(); err != nil && s.logger != nil {
		s.logger.Debug("imap connection closed", "err", err)
	}
	return nil
}

func (s *Session) abort() {
	s.stopClose()
	_ = s.client.Close()
}

// messageError wraps a per-message failure. Once the connection itself is
// gone every later command would fail too, so that case is reported as a
// *ConnectionError carrying model.ErrConnectionLost.
func (s *Session) messageError(op string, h model.MessageHandle, err error) error {
	fe := &FetchError{Op: op, Handle: h, Err: err}
	if !s.connectionLost() {
		return fe
	}
	return &ConnectionError{Op: op, Addr: s.opts.address(), Err: fmt.Errorf("%w: %w", model.ErrConnectionLost, fe)}
}

func (s *Session) connectionLost() bool {
	return s.timedOut.Load() || s.client.State() == imapv2.ConnStateLogout
}

// roundTrip runs fn under a watchdog that closes the connection once the
// timeout passes. imapclient manages the socket deadlines itself, so closing
// is the only way to abort a command that never gets an answer.
func (s *Session) roundTrip(fn func() error) error {
	if s.opts.Timeout <= 0 {
		return fn()
	}
	watchdog := time.AfterFunc(s.opts.Timeout, func() {
		s.timedOut.Store(true)
		_ = s.client.Close()
	})
	err := fn()
	watchdog.Stop()
	if s.timedOut.Load() {
		return fmt.Errorf("%w after %s", ErrTimeout, s.opts.Timeout)
	}
	return err
}
