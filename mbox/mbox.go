package mbox

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	mboxlib "github.com/emersion/go-mbox"
	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"

	"github.com/dhcgn/dmarc-inbox/model"
	"github.com/dhcgn/dmarc-inbox/runner"
)

var ErrEmptyPath = errors.New("mbox path is empty")

type Options struct {
	Path string
}

type Reader interface {
	Stream(ctx context.Context, out chan<- model.Envelope) error
}

// NewReader streams the mbox file at opts.Path.
func NewReader(opts Options, logger *slog.Logger) (Reader, error) {
	path := strings.TrimSpace(opts.Path)
	if path == "" {
		return nil, ErrEmptyPath
	}
	return &fileReader{path: path, logger: logger}, nil
}

// NewStreamReader streams an already opened archive. name becomes the
// mailbox part of every message handle.
func NewStreamReader(name string, src io.Reader, logger *slog.Logger) Reader {
	return &streamReader{name: name, src: src, logger: logger}
}

type fileReader struct {
	path   string
	logger *slog.Logger
}

func (f *fileReader) Stream(ctx context.Context, out chan<- model.Envelope) error {
	file, err := os.Open(f.path)
	if err != nil {
		return fmt.Errorf("open mbox: %w", err)
	}
	defer file.Close()

	s := &streamReader{name: filepath.Base(f.path), src: file, logger: f.logger}
	return s.Stream(ctx, out)
}

type streamReader struct {
	name   string
	src    io.Reader
	logger *slog.Logger
}

// Stream emits one envelope per message. Messages whose header cannot be
// parsed are emitted as error envelopes and the stream continues; a broken
// archive ends the stream with an error.
func (s *streamReader) Stream(ctx context.Context, out chan<- model.Envelope) error {
	reader := mboxlib.NewReader(s.src)

	for idx := 0; ; idx++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		handle := model.MessageHandle{Mailbox: s.name, UID: uint32(idx + 1)}

		msgReader, err := reader.NextMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("message %d: %w", idx, err)
		}

		raw, err := io.ReadAll(msgReader)
		if err != nil {
			return fmt.Errorf("message %d read: %w", idx, err)
		}

		msg, err := parseMessage(raw)
		if err != nil {
			err = fmt.Errorf("message %d parse: %w", idx, err)
			if s.logger != nil {
				s.logger.Warn("mbox message unreadable", "mailbox", s.name, "err", err)
			}
			if err := emit(ctx, out, model.Envelope{Message: model.Message{Handle: handle}, Err: err}); err != nil {
				return err
			}
			continue
		}

		msg.Handle = handle
		msg.Size = int64(len(raw))
		msg.Raw = raw

		if err := emit(ctx, out, model.Envelope{Message: msg}); err != nil {
			return err
		}
	}
}

func emit(ctx context.Context, out chan<- model.Envelope, env model.Envelope) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case out <- env:
		return nil
	}
}

func parseMessage(raw []byte) (model.Message, error) {
	h, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(raw)))
	if err != nil {
		return model.Message{}, err
	}
	header := mail.Header{Header: message.Header{Header: h}}

	var msg model.Message
	// Missing or malformed optional headers do not make a report unusable.
	msg.ID, _ = header.MessageID()
	msg.Subject, _ = header.Subject()
	msg.ReceivedAt, _ = header.Date()
	if from, err := header.AddressList("From"); err == nil && len(from) > 0 {
		msg.From = from[0].Address
	}
	return msg, nil
}

// Producer feeds an mbox archive into an importer.
type Producer struct {
	reader   Reader
	importer *runner.Importer
}

func NewProducer(reader Reader, imp *runner.Importer) *Producer {
	p := &Producer{reader: reader, importer: imp}
	imp.AddStage("mbox", p.run)
	return p
}

func (p *Producer) run(ctx context.Context) error {
	defer p.importer.CloseEnvelopes()
	return p.reader.Stream(ctx, p.importer.EnvelopeWriter())
}

// CountMessages counts the messages in the mbox file at path without parsing them.
func CountMessages(path string) (int, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open mbox: %w", err)
	}
	defer file.Close()
	return Count(file)
}

func Count(src io.Reader) (int, error) {
	reader := mboxlib.NewReader(src)
	count := 0
	for {
		msgReader, err := reader.NextMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return count, nil
			}
			return 0, err
		}
		// Count the message even if its body cannot be read.
		_, _ = io.Copy(io.Discard, msgReader)
		count++
	}
}
