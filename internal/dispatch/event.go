// Package dispatch delivers decoded messages to handlers bound by event id.
package dispatch

import (
	"context"
	"time"

	"github.com/tracyhatemice/mailwatch/internal/decode"
)

// Body holds the renderable parts of a message.
type Body struct {
	HTML       string
	Text       string
	TextAsHTML string
}

// Mail is one decoded message. It is shared by every handler of an event and
// must be treated as read-only.
type Mail struct {
	Headers decode.Header
	Body    Body
	SeqNo   uint32
	UID     uint32
	// Raw is the undecoded RFC 5322 message.
	Raw []byte
}

// Event is the payload handed to handlers.
type Event struct {
	EventID string
	Mailbox string
	Date    time.Time
	Flags   []string
	Mail    Mail
}

// Handler consumes one event.
type Handler func(ctx context.Context, ev Event) error

// Dispatcher routes events to the handlers bound to their event id.
type Dispatcher interface {
	Bind(eventID string, h Handler)
	Unbind(eventID string)
	Dispatch(ctx context.Context, ev Event) error
}
