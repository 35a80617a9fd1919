package watcher

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyStarted is returned by Start while a session is live.
	ErrAlreadyStarted = errors.New("watcher: already started")
	// ErrNoSessionFactory is returned by New without a session factory.
	ErrNoSessionFactory = errors.New("watcher: session factory is required")
	// ErrNoDecoder is returned by New when the decoder option is nil.
	ErrNoDecoder = errors.New("watcher: decoder is required")
)

// ConnectError reports a session that could not connect or authenticate.
type ConnectError struct {
	Err error
}

func (e *ConnectError) Error() string { return "watcher: connect: " + e.Err.Error() }
func (e *ConnectError) Unwrap() error { return e.Err }

// SessionError reports a session-level error signal.
type SessionError struct {
	Err error
}

func (e *SessionError) Error() string { return "watcher: session: " + e.Err.Error() }
func (e *SessionError) Unwrap() error { return e.Err }

// MailboxOpenError is scoped to one mailbox; other mailboxes keep running.
// It also covers a mailbox whose watch was lost after opening.
type MailboxOpenError struct {
	Mailbox string
	Err     error
}

func (e *MailboxOpenError) Error() string {
	return fmt.Sprintf("watcher: open mailbox %q: %v", e.Mailbox, e.Err)
}
func (e *MailboxOpenError) Unwrap() error { return e.Err }

// SearchError aborts one trigger; the mailbox stays watched.
type SearchError struct {
	Mailbox string
	Err     error
}

func (e *SearchError) Error() string {
	return fmt.Sprintf("watcher: search %q: %v", e.Mailbox, e.Err)
}
func (e *SearchError) Unwrap() error { return e.Err }

// FetchCallError aborts one trigger when the fetch call fails. With Stream
// set it reports an error that cut a running fetch stream short instead.
type FetchCallError struct {
	Mailbox string
	Stream  bool
	Err     error
}

func (e *FetchCallError) Error() string {
	op := "fetch"
	if e.Stream {
		op = "fetch stream"
	}
	return fmt.Sprintf("watcher: %s %q: %v", op, e.Mailbox, e.Err)
}
func (e *FetchCallError) Unwrap() error { return e.Err }

// DecodeError is scoped to one message; its siblings still dispatch.
type DecodeError struct {
	Mailbox string
	SeqNum  uint32
	UID     uint32
	Err     error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("watcher: decode %q seqno %d: %v", e.Mailbox, e.SeqNum, e.Err)
}
func (e *DecodeError) Unwrap() error { return e.Err }

// DispatchError carries a handler failure for one event.
type DispatchError struct {
	EventID string
	Mailbox string
	SeqNum  uint32
	Err     error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("watcher: dispatch %q seqno %d: %v", e.EventID, e.SeqNum, e.Err)
}
func (e *DispatchError) Unwrap() error { return e.Err }
