package imap

import (
	"errors"
	"fmt"

	"github.com/dhcgn/dmarc-inbox/model"
)

var (
	ErrMessageGone        = errors.New("message no longer in mailbox")
	ErrUIDValidityChanged = errors.New("mailbox uidvalidity changed")
	ErrTimeout            = errors.New("imap command timed out")
)

// ConnectionError is returned when the mailbox cannot be reached, logged into
// or selected. The scheduler backs off and retries.
type ConnectionError struct {
	Op   string
	Addr string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("imap %s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// FetchError is a failure scoped to one message, either while fetching or
// while acknowledging it.
type FetchError struct {
	Op     string
	Handle model.MessageHandle
	Err    error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("imap %s %s: %v", e.Op, e.Handle.Ref(), e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}
