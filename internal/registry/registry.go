// Package registry keeps the subscriptions of one watcher instance.
package registry

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

// DefaultMailbox is used when neither the options nor the registry name one.
const DefaultMailbox = "INBOX"

// ErrInvalidOptions is returned for subscription options that cannot be used.
var ErrInvalidOptions = errors.New("registry: invalid options")

// Options describe a subscription request.
type Options struct {
	// EventID overrides the derived identifier.
	EventID string
	// Mailbox defaults to the registry's default mailbox.
	Mailbox string
}

// Subscription binds an event identifier to a mailbox.
type Subscription struct {
	EventID string
	Mailbox string
}

// Registry maps event identifiers to mailboxes. Safe for concurrent use.
type Registry struct {
	instanceID     string
	defaultMailbox string

	mu    sync.RWMutex
	subs  map[string]*Subscription
	order []string
}

// New returns an empty registry scoped to one watcher instance.
func New(instanceID, defaultMailbox string) *Registry {
	if strings.TrimSpace(defaultMailbox) == "" {
		defaultMailbox = DefaultMailbox
	}
	return &Registry{
		instanceID:     instanceID,
		defaultMailbox: defaultMailbox,
		subs:           make(map[string]*Subscription),
	}
}

// EventID derives the identifier used when none is supplied.
func EventID(mailbox, instanceID string) string {
	return fmt.Sprintf("IMAP/%s/%s", mailbox, instanceID)
}

// Register records a subscription and reports whether it is new. Registering
// the same identifier for the same mailbox again returns the existing entry.
func (r *Registry) Register(opts Options) (*Subscription, bool, error) {
	mailbox := opts.Mailbox
	if strings.TrimSpace(mailbox) == "" {
		mailbox = r.defaultMailbox
	}
	if strings.ContainsAny(mailbox, "\r\n\x00") {
		return nil, false, fmt.Errorf("%w: mailbox %q", ErrInvalidOptions, mailbox)
	}

	id := opts.EventID
	if id == "" {
		id = EventID(mailbox, r.instanceID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.subs[id]; ok {
		if existing.Mailbox != mailbox {
			return nil, false, fmt.Errorf("%w: event %q already bound to mailbox %q",
				ErrInvalidOptions, id, existing.Mailbox)
		}
		return existing, false, nil
	}

	sub := &Subscription{EventID: id, Mailbox: mailbox}
	r.subs[id] = sub
	r.order = append(r.order, id)
	return sub, true, nil
}

// Unregister removes sub. Removing an absent subscription is a no-op.
func (r *Registry) Unregister(sub *Subscription) {
	if sub == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.subs[sub.EventID]; !ok {
		return
	}
	delete(r.subs, sub.EventID)
	for i, id := range r.order {
		if id == sub.EventID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Get returns the subscription for an event identifier.
func (r *Registry) Get(eventID string) (*Subscription, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sub, ok := r.subs[eventID]
	return sub, ok
}

// ListByMailbox returns the subscriptions for name in registration order.
func (r *Registry) ListByMailbox(name string) []*Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Subscription
	for _, id := range r.order {
		if sub := r.subs[id]; sub.Mailbox == name {
			out = append(out, sub)
		}
	}
	return out
}

// Mailboxes returns the distinct mailbox names in first-registration order.
func (r *Registry) Mailboxes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{}, len(r.order))
	var out []string
	for _, id := range r.order {
		m := r.subs[id].Mailbox
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	return out
}

// Len returns the number of subscriptions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}
