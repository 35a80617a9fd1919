// Package session provides persistent mailbox connections that announce new
// mail through lifecycle signals.
package session

import (
	"context"
	"errors"
	"io"
	"time"
)

var (
	// ErrClosed is returned by operations on a closed session.
	ErrClosed = errors.New("session: closed")
	// ErrNotConnected is returned when Connect has not succeeded yet.
	ErrNotConnected = errors.New("session: not connected")
	// ErrMailboxNotOpen is returned for mailboxes that were never opened.
	ErrMailboxNotOpen = errors.New("session: mailbox not open")
	// ErrMailboxNotFound is returned when the server has no such mailbox.
	ErrMailboxNotFound = errors.New("session: mailbox not found")
	// ErrConnectionLost is reported when a mailbox connection drops.
	ErrConnectionLost = errors.New("session: connection lost")
)

// SignalKind enumerates lifecycle signals.
type SignalKind int

const (
	SignalReady SignalKind = iota
	SignalMail
	SignalError
	SignalEnd
)

func (k SignalKind) String() string {
	switch k {
	case SignalReady:
		return "ready"
	case SignalMail:
		return "mail"
	case SignalError:
		return "error"
	case SignalEnd:
		return "end"
	default:
		return "unknown"
	}
}

// Signal is one lifecycle notification. Mailbox is set for SignalMail and
// for errors scoped to a single mailbox connection.
type Signal struct {
	Kind    SignalKind
	Mailbox string
	// Count is the server-reported message count for SignalMail.
	Count uint32
	Err   error
}

// MailboxInfo describes an opened mailbox.
type MailboxInfo struct {
	Name        string
	Messages    uint32
	UIDValidity uint32
	ReadOnly    bool
}

// Attributes is the metadata delivered alongside a message body.
type Attributes struct {
	UID   uint32
	Flags []string
	Date  time.Time
}

// Message is one delivery of a fetch stream.
type Message struct {
	SeqNum uint32
	Attrs  Attributes
	Body   io.Reader
}

// FetchOptions control a batched fetch.
type FetchOptions struct {
	// MarkSeen sets \Seen on every fetched message.
	MarkSeen bool
}

// FetchStream yields fetched messages in delivery order.
type FetchStream interface {
	// Next returns the next message, or nil once the stream is exhausted.
	Next() *Message
	// Close releases the stream and returns any error that cut it short.
	Close() error
}

// Session is a connection to one mail account.
type Session interface {
	// Connect dials and authenticates, then emits SignalReady.
	Connect(ctx context.Context) error
	// Signals is closed after SignalEnd.
	Signals() <-chan Signal
	// Open selects a mailbox and starts announcing its new mail.
	Open(ctx context.Context, mailbox string, readOnly bool) (*MailboxInfo, error)
	// SearchUnseen returns the UIDs in mailbox without the \Seen flag.
	SearchUnseen(ctx context.Context, mailbox string) ([]uint32, error)
	// Fetch retrieves full messages for uids.
	Fetch(ctx context.Context, mailbox string, uids []uint32, opts FetchOptions) (FetchStream, error)
	// Close ends the session and emits SignalEnd.
	Close() error
}

// SliceStream is a FetchStream over already retrieved messages.
type SliceStream struct {
	msgs []*Message
	err  error
	pos  int
}

// NewSliceStream returns a stream yielding msgs, then reporting err on Close.
func NewSliceStream(msgs []*Message, err error) *SliceStream {
	return &SliceStream{msgs: msgs, err: err}
}

// Next implements FetchStream.
func (s *SliceStream) Next() *Message {
	if s.pos >= len(s.msgs) {
		return nil
	}
	m := s.msgs[s.pos]
	s.pos++
	return m
}

// Close implements FetchStream.
func (s *SliceStream) Close() error {
	s.pos = len(s.msgs)
	return s.err
}
