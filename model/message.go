package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrConnectionLost marks a per-message error caused by the mailbox
// connection going away. The rest of the batch cannot be processed either.
var ErrConnectionLost = errors.New("mailbox connection lost")

// MessageHandle identifies a message in the report mailbox without its content.
type MessageHandle struct {
	Mailbox     string
	UIDValidity uint32
	UID         uint32
}

// Ref renders the handle for logs and failure records.
func (h MessageHandle) Ref() string {
	return fmt.Sprintf("%s/%d/%d", h.Mailbox, h.UIDValidity, h.UID)
}

// Message is a single raw email fetched from the mailbox or read from an mbox archive.
type Message struct {
	Handle     MessageHandle
	ID         string
	Subject    string
	From       string
	ReceivedAt time.Time
	Size       int64
	Raw        []byte
}

// Ref prefers the mailbox handle and falls back to the Message-Id.
func (m Message) Ref() string {
	if m.Handle.UID != 0 {
		return m.Handle.Ref()
	}
	if m.ID != "" {
		return "<" + m.ID + ">"
	}
	return "unknown"
}

// Envelope wraps a message alongside an optional error encountered while reading it.
type Envelope struct {
	Message Message
	Err     error
}

// Filter selects which mailbox messages a listing returns.
type Filter string

const (
	FilterUnseen Filter = "unseen"
	FilterAll    Filter = "all"
)

// ParseFilter accepts "unseen" and "all" in any case.
func ParseFilter(s string) (Filter, error) {
	switch Filter(strings.ToLower(strings.TrimSpace(s))) {
	case FilterUnseen, "":
		return FilterUnseen, nil
	case FilterAll:
		return FilterAll, nil
	}
	return "", fmt.Errorf("unknown message filter %q (want unseen or all)", s)
}
