// Package watcher drives a mailbox session through its lifecycle and turns
// new-mail signals into decoded, dispatched events.
//
// Each Start runs one session until Stop, cancellation of the Start context,
// or the session ending on its own. Errors are reported at the narrowest
// scope that keeps everything else running and are never retried here;
// reconnecting is left to the caller. After Stop no new searches or fetches
// are issued, but messages already fetched are still decoded and dispatched.
package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/tracyhatemice/mailwatch/internal/decode"
	"github.com/tracyhatemice/mailwatch/internal/dispatch"
	"github.com/tracyhatemice/mailwatch/internal/registry"
	"github.com/tracyhatemice/mailwatch/internal/session"
)

// State is the lifecycle state of the current session.
type State int

const (
	Disconnected State = iota
	Connecting
	Ready
	Erroring
	Ended
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Ready:
		return "ready"
	case Erroring:
		return "erroring"
	case Ended:
		return "ended"
	default:
		return "unknown"
	}
}

// MailboxState is the per-mailbox sub-state while a session is live.
type MailboxState int

const (
	MailboxOpening MailboxState = iota
	MailboxOpen
	MailboxWatching
	MailboxFailed
)

func (s MailboxState) String() string {
	switch s {
	case MailboxOpening:
		return "opening"
	case MailboxOpen:
		return "open"
	case MailboxWatching:
		return "watching"
	case MailboxFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// SessionFactory builds a fresh session for every Start.
type SessionFactory func() (session.Session, error)

// Watcher owns one session at a time and the subscriptions fed by it.
type Watcher struct {
	opts       *options
	id         string
	newSession SessionFactory
	registry   *registry.Registry
	dispatcher dispatch.Dispatcher
	decoder    decode.Decoder
	logger     *slog.Logger
	instr      *instrumentation

	mu    sync.Mutex
	state State
	run   *run
}

// run is one session lifetime. Fields below wg are guarded by Watcher.mu.
type run struct {
	sess      session.Session
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup

	boxes    map[string]MailboxState
	inflight map[string]map[uint32]struct{}
}

// New creates a Watcher. newSession is called on every Start.
func New(newSession SessionFactory, opts ...Option) (*Watcher, error) {
	if newSession == nil {
		return nil, ErrNoSessionFactory
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	if o.decoder == nil {
		return nil, ErrNoDecoder
	}
	if o.instanceID == "" {
		o.instanceID = uuid.NewString()
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.dispatcher == nil {
		o.dispatcher = dispatch.NewBus(o.logger)
	}

	instr, err := newInstrumentation(o)
	if err != nil {
		return nil, fmt.Errorf("watcher: init instrumentation: %w", err)
	}

	return &Watcher{
		opts:       o,
		id:         o.instanceID,
		newSession: newSession,
		registry:   registry.New(o.instanceID, o.defaultMailbox),
		dispatcher: o.dispatcher,
		decoder:    o.decoder,
		logger:     o.logger.With("watcher", o.instanceID),
		instr:      instr,
	}, nil
}

// ID returns the instance id.
func (w *Watcher) ID() string { return w.id }

// On subscribes h to new mail in the mailbox named by opts. Calling On again
// with the same options binds another handler to the same subscription. A
// mailbox first referenced while the session is ready is opened right away.
func (w *Watcher) On(opts registry.Options, h dispatch.Handler) (*registry.Subscription, error) {
	if h == nil {
		return nil, fmt.Errorf("%w: nil handler", registry.ErrInvalidOptions)
	}
	sub, _, err := w.registry.Register(opts)
	if err != nil {
		return nil, err
	}
	w.dispatcher.Bind(sub.EventID, h)

	w.mu.Lock()
	r := w.run
	open := false
	if r != nil && (w.state == Ready || w.state == Erroring) {
		if _, ok := r.boxes[sub.Mailbox]; !ok {
			r.boxes[sub.Mailbox] = MailboxOpening
			r.wg.Add(1)
			open = true
		}
	}
	w.mu.Unlock()

	if open {
		go w.open(r, sub.Mailbox)
	}
	return sub, nil
}

// Off removes sub and every handler bound to it. The mailbox stays open;
// triggers for a mailbox without subscriptions do nothing.
func (w *Watcher) Off(sub *registry.Subscription) {
	if sub == nil {
		return
	}
	w.registry.Unregister(sub)
	w.dispatcher.Unbind(sub.EventID)
}

// Subscriptions returns the subscriptions of mailbox.
func (w *Watcher) Subscriptions(mailbox string) []*registry.Subscription {
	return w.registry.ListByMailbox(mailbox)
}

// Start connects a fresh session. The session lives until Stop, ctx is
// cancelled, or it ends by itself.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.state != Disconnected && w.state != Ended {
		w.mu.Unlock()
		return ErrAlreadyStarted
	}
	sess, err := w.newSession()
	if err != nil {
		w.mu.Unlock()
		cerr := &ConnectError{Err: err}
		w.report(cerr)
		return cerr
	}
	rctx, cancel := context.WithCancel(ctx)
	r := &run{
		sess:     sess,
		ctx:      rctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		boxes:    make(map[string]MailboxState),
		inflight: make(map[string]map[uint32]struct{}),
	}
	w.run = r
	w.state = Connecting
	w.mu.Unlock()

	go w.loop(r)

	w.logger.Info("connecting")
	if err := sess.Connect(rctx); err != nil {
		cerr := &ConnectError{Err: err}
		w.report(cerr)
		w.end(r)
		return cerr
	}
	return nil
}

// Stop ends the current session and waits, bounded by ctx, for in-flight
// batches. It is safe to call repeatedly; the session is closed once.
func (w *Watcher) Stop(ctx context.Context) error {
	w.mu.Lock()
	r := w.run
	w.mu.Unlock()
	if r == nil {
		return nil
	}

	err := w.end(r)

	select {
	case <-r.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	drained := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}

// Done is closed when the current session's signal loop has exited.
func (w *Watcher) Done() <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.run == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return w.run.done
}

// State returns the session state.
func (w *Watcher) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// MailboxState returns the sub-state of mailbox in the current session.
func (w *Watcher) MailboxState(mailbox string) (MailboxState, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.run == nil {
		return 0, false
	}
	s, ok := w.run.boxes[mailbox]
	return s, ok
}

// end moves r to Ended and closes its session. Only the call that closes
// the session returns the close error.
func (w *Watcher) end(r *run) error {
	w.mu.Lock()
	if w.run == r && w.state != Ended {
		w.state = Ended
		w.logger.Info("session ended")
	}
	w.mu.Unlock()

	r.cancel()
	var err error
	r.closeOnce.Do(func() {
		err = r.sess.Close()
	})
	return err
}

func (w *Watcher) loop(r *run) {
	defer close(r.done)
	sigs := r.sess.Signals()
	for {
		select {
		case <-r.ctx.Done():
			w.end(r)
			return
		case sig, ok := <-sigs:
			if !ok {
				w.end(r)
				return
			}
			w.handle(r, sig)
		}
	}
}

func (w *Watcher) handle(r *run, sig session.Signal) {
	switch sig.Kind {
	case session.SignalReady:
		w.ready(r)
	case session.SignalMail:
		if s, _ := w.boxState(r, sig.Mailbox); s != MailboxWatching {
			w.logger.Debug("mail signal for unwatched mailbox", "mailbox", sig.Mailbox)
			return
		}
		w.trigger(r, sig.Mailbox)
	case session.SignalError:
		if sig.Mailbox != "" {
			w.setBox(r, sig.Mailbox, MailboxFailed)
			w.report(&MailboxOpenError{Mailbox: sig.Mailbox, Err: sig.Err})
			return
		}
		w.mu.Lock()
		if w.run == r && w.state != Ended {
			w.state = Erroring
		}
		w.mu.Unlock()
		w.report(&SessionError{Err: sig.Err})
	case session.SignalEnd:
		w.end(r)
	}
}

// ready opens every registered mailbox that this session has not opened.
func (w *Watcher) ready(r *run) {
	w.mu.Lock()
	if w.run != r || w.state == Ended {
		w.mu.Unlock()
		return
	}
	w.state = Ready
	var pending []string
	for _, m := range w.registry.Mailboxes() {
		if _, ok := r.boxes[m]; ok {
			continue
		}
		r.boxes[m] = MailboxOpening
		pending = append(pending, m)
	}
	r.wg.Add(len(pending))
	w.mu.Unlock()

	w.logger.Info("session ready", "mailboxes", len(pending))
	for _, m := range pending {
		go w.open(r, m)
	}
}

// open is isolated per mailbox: a failure marks only that mailbox.
// Mailboxes are opened read-only unless messages are to be marked seen,
// which needs a writable selection.
func (w *Watcher) open(r *run, mailbox string) {
	defer r.wg.Done()

	info, err := r.sess.Open(r.ctx, mailbox, !w.opts.markSeen)
	if err != nil {
		if r.ctx.Err() != nil {
			return
		}
		w.setBox(r, mailbox, MailboxFailed)
		w.report(&MailboxOpenError{Mailbox: mailbox, Err: err})
		return
	}
	if !w.setBox(r, mailbox, MailboxOpen) {
		return
	}
	w.logger.Info("mailbox open",
		"mailbox", mailbox,
		"messages", info.Messages,
		"read_only", info.ReadOnly,
	)

	if !w.setBox(r, mailbox, MailboxWatching) {
		return
	}
	if w.opts.initialScan {
		w.trigger(r, mailbox)
	}
}

// trigger starts one fetch batch unless the session has ended.
func (w *Watcher) trigger(r *run, mailbox string) {
	w.mu.Lock()
	if w.run != r || w.state == Ended || r.ctx.Err() != nil {
		w.mu.Unlock()
		return
	}
	r.wg.Add(1)
	w.mu.Unlock()

	go func() {
		defer r.wg.Done()
		w.runBatch(r, mailbox)
	}()
}

func (w *Watcher) setBox(r *run, mailbox string, s MailboxState) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.run != r || w.state == Ended {
		return false
	}
	r.boxes[mailbox] = s
	return true
}

func (w *Watcher) boxState(r *run, mailbox string) (MailboxState, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	s, ok := r.boxes[mailbox]
	return s, ok
}

func (w *Watcher) report(err error) {
	if w.opts.onError != nil {
		w.opts.onError(err)
		return
	}
	w.logger.Error("watcher error", "error", err)
}
