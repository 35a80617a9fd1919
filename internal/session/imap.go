package session

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
)

const (
	// RFC 2177 servers may drop IDLE after 29 minutes.
	defaultIdleRestart = 25 * time.Minute
	defaultKeepalive   = 10 * time.Minute
)

// IMAPConfig holds connection settings for an IMAP account.
type IMAPConfig struct {
	Host               string
	Port               int
	Username           string
	Password           string
	UseTLS             bool
	InsecureSkipVerify bool
	// IdleRestart re-issues IDLE after this long; zero means 25 minutes.
	IdleRestart time.Duration
	// DebugWriter receives raw protocol traffic when set.
	DebugWriter io.Writer
}

// IMAP is a Session over IMAP. A control connection carries the login and
// keepalive; each opened mailbox gets its own connection running IDLE, since
// an IMAP connection selects one mailbox at a time.
type IMAP struct {
	cfg    IMAPConfig
	logger *slog.Logger
	sig    *signaler

	mu     sync.Mutex
	ctrl   *imapclient.Client
	boxes  map[string]*imapBox
	closed bool
	done   chan struct{}
	wg     sync.WaitGroup
}

type imapBox struct {
	name     string
	readOnly bool
	client   *imapclient.Client
	updates  chan uint32
	resume   chan struct{}

	// known is the last EXISTS count. Unilateral handlers run on the
	// client's reader goroutine and must not take mu.
	known atomic.Uint32

	mu   sync.Mutex // serializes commands; guards idle
	idle *imapclient.IdleCommand
}

// NewIMAP returns an unconnected IMAP session.
func NewIMAP(cfg IMAPConfig, logger *slog.Logger) *IMAP {
	if cfg.IdleRestart <= 0 {
		cfg.IdleRestart = defaultIdleRestart
	}
	return &IMAP{
		cfg:    cfg,
		logger: logger,
		sig:    newSignaler(),
		boxes:  make(map[string]*imapBox),
		done:   make(chan struct{}),
	}
}

// Signals implements Session.
func (s *IMAP) Signals() <-chan Signal {
	return s.sig.ch
}

func (s *IMAP) dial(handler *imapclient.UnilateralDataHandler) (*imapclient.Client, error) {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	opts := &imapclient.Options{
		TLSConfig: &tls.Config{
			ServerName:         s.cfg.Host,
			InsecureSkipVerify: s.cfg.InsecureSkipVerify,
		},
		UnilateralDataHandler: handler,
		DebugWriter:           s.cfg.DebugWriter,
	}

	var client *imapclient.Client
	var err error
	if s.cfg.UseTLS {
		client, err = imapclient.DialTLS(addr, opts)
	} else {
		client, err = imapclient.DialInsecure(addr, opts)
	}
	if err != nil {
		return nil, fmt.Errorf("imap connect %s: %w", addr, err)
	}

	if err := client.Login(s.cfg.Username, s.cfg.Password).Wait(); err != nil {
		client.Close()
		return nil, fmt.Errorf("imap login %s: %w", s.cfg.Username, err)
	}
	return client, nil
}

// Connect implements Session.
func (s *IMAP) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.ctrl != nil {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	ctrl, err := s.dial(nil)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ctrl.Close()
		return ErrClosed
	}
	s.ctrl = ctrl
	s.mu.Unlock()

	go s.keepalive(ctrl)

	s.logger.Info("imap connected", "host", s.cfg.Host, "user", s.cfg.Username)
	s.sig.emit(Signal{Kind: SignalReady})
	return nil
}

// keepalive pings the control connection and ends the session when it drops.
func (s *IMAP) keepalive(ctrl *imapclient.Client) {
	ticker := time.NewTicker(defaultKeepalive)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ctrl.Closed():
			if !s.isClosed() {
				s.sig.emit(Signal{Kind: SignalError, Err: ErrConnectionLost})
				s.shutdown()
			}
			return
		case <-ticker.C:
			if err := ctrl.Noop().Wait(); err != nil {
				s.logger.Warn("imap keepalive failed", "error", err)
			}
		}
	}
}

// Open implements Session.
func (s *IMAP) Open(ctx context.Context, mailbox string, readOnly bool) (*MailboxInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if s.ctrl == nil {
		s.mu.Unlock()
		return nil, ErrNotConnected
	}
	if b, ok := s.boxes[mailbox]; ok {
		s.mu.Unlock()
		return &MailboxInfo{Name: b.name, Messages: b.known.Load(), ReadOnly: b.readOnly}, nil
	}
	s.mu.Unlock()

	b := &imapBox{
		name:     mailbox,
		readOnly: readOnly,
		updates:  make(chan uint32, 1),
		resume:   make(chan struct{}, 1),
	}
	handler := &imapclient.UnilateralDataHandler{
		Mailbox: func(data *imapclient.UnilateralDataMailbox) {
			if data.NumMessages != nil {
				b.notify(*data.NumMessages)
			}
		},
		Expunge: func(uint32) {
			for {
				n := b.known.Load()
				if n == 0 || b.known.CompareAndSwap(n, n-1) {
					return
				}
			}
		},
	}

	client, err := s.dial(handler)
	if err != nil {
		return nil, err
	}
	data, err := client.Select(mailbox, &imap.SelectOptions{ReadOnly: readOnly}).Wait()
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("imap select %s: %w", mailbox, err)
	}
	b.client = client
	b.known.Store(data.NumMessages)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		client.Close()
		return nil, ErrClosed
	}
	s.boxes[mailbox] = b
	s.wg.Add(1)
	s.mu.Unlock()

	go s.watch(b)

	return &MailboxInfo{
		Name:        mailbox,
		Messages:    data.NumMessages,
		UIDValidity: data.UIDValidity,
		ReadOnly:    readOnly,
	}, nil
}

// watch keeps IDLE running on b and raises SignalMail when EXISTS grows.
func (s *IMAP) watch(b *imapBox) {
	defer s.wg.Done()

	restart := time.NewTimer(s.cfg.IdleRestart)
	defer restart.Stop()

	for {
		if err := b.startIdle(); err != nil {
			if !s.isClosed() {
				s.sig.emit(Signal{Kind: SignalError, Mailbox: b.name, Err: fmt.Errorf("imap idle %s: %w", b.name, err)})
				s.drop(b)
			}
			return
		}

		select {
		case <-s.done:
			return
		case <-b.client.Closed():
			if !s.isClosed() {
				s.sig.emit(Signal{Kind: SignalError, Mailbox: b.name, Err: ErrConnectionLost})
				s.drop(b)
			}
			return
		case n := <-b.updates:
			if prev := b.known.Swap(n); n > prev {
				s.sig.emit(Signal{Kind: SignalMail, Mailbox: b.name, Count: n})
			}
		case <-b.resume:
		case <-restart.C:
			b.mu.Lock()
			err := b.stopIdle()
			b.mu.Unlock()
			if err != nil {
				s.logger.Warn("imap idle restart failed", "mailbox", b.name, "error", err)
			}
			restart.Reset(s.cfg.IdleRestart)
		}
	}
}

// notify stores the latest EXISTS count, replacing an unread one.
func (b *imapBox) notify(n uint32) {
	for {
		select {
		case b.updates <- n:
			return
		default:
		}
		select {
		case <-b.updates:
		default:
		}
	}
}

func (b *imapBox) startIdle() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.idle != nil {
		return nil
	}
	cmd, err := b.client.Idle()
	if err != nil {
		return err
	}
	b.idle = cmd
	return nil
}

// stopIdle must be called with b.mu held.
func (b *imapBox) stopIdle() error {
	if b.idle == nil {
		return nil
	}
	cmd := b.idle
	b.idle = nil
	if err := cmd.Close(); err != nil {
		return err
	}
	return cmd.Wait()
}

// exec runs fn with IDLE suspended, then lets the watch loop resume it.
func (b *imapBox) exec(fn func(c *imapclient.Client) error) error {
	b.mu.Lock()
	defer func() {
		b.mu.Unlock()
		select {
		case b.resume <- struct{}{}:
		default:
		}
	}()
	if err := b.stopIdle(); err != nil {
		return fmt.Errorf("stop idle: %w", err)
	}
	return fn(b.client)
}

func (s *IMAP) box(mailbox string) (*imapBox, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	b, ok := s.boxes[mailbox]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMailboxNotOpen, mailbox)
	}
	return b, nil
}

// SearchUnseen implements Session.
func (s *IMAP) SearchUnseen(ctx context.Context, mailbox string) ([]uint32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b, err := s.box(mailbox)
	if err != nil {
		return nil, err
	}

	var uids []uint32
	err = b.exec(func(c *imapclient.Client) error {
		criteria := &imap.SearchCriteria{NotFlag: []imap.Flag{imap.FlagSeen}}
		data, err := c.UIDSearch(criteria, nil).Wait()
		if err != nil {
			return fmt.Errorf("imap search: %w", err)
		}
		for _, uid := range data.AllUIDs() {
			uids = append(uids, uint32(uid))
		}
		return nil
	})
	return uids, err
}

// Fetch implements Session. Bodies are fetched without PEEK when MarkSeen is
// set, so the server flags them \Seen as part of the same command.
func (s *IMAP) Fetch(ctx context.Context, mailbox string, uids []uint32, opts FetchOptions) (FetchStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(uids) == 0 {
		return nil, errors.New("imap fetch: empty uid set")
	}
	b, err := s.box(mailbox)
	if err != nil {
		return nil, err
	}

	var set imap.UIDSet
	for _, uid := range uids {
		if uid == 0 {
			return nil, fmt.Errorf("imap fetch: invalid uid 0")
		}
		set.AddNum(imap.UID(uid))
	}
	section := &imap.FetchItemBodySection{Peek: !opts.MarkSeen}
	fetchOptions := &imap.FetchOptions{
		UID:          true,
		Flags:        true,
		InternalDate: true,
		BodySection:  []*imap.FetchItemBodySection{section},
	}

	var msgs []*Message
	var streamErr error
	err = b.exec(func(c *imapclient.Client) error {
		cmd := c.Fetch(set, fetchOptions)
		var errs []error
		for {
			msg := cmd.Next()
			if msg == nil {
				break
			}
			buf, err := msg.Collect()
			if err != nil {
				errs = append(errs, fmt.Errorf("collect seqno %d: %w", msg.SeqNum, err))
				continue
			}
			flags := make([]string, 0, len(buf.Flags))
			for _, f := range buf.Flags {
				flags = append(flags, string(f))
			}
			msgs = append(msgs, &Message{
				SeqNum: buf.SeqNum,
				Attrs: Attributes{
					UID:   uint32(buf.UID),
					Flags: flags,
					Date:  buf.InternalDate,
				},
				Body: bytes.NewReader(buf.FindBodySection(section)),
			})
		}
		if err := cmd.Close(); err != nil {
			errs = append(errs, fmt.Errorf("imap fetch: %w", err))
		}
		streamErr = errors.Join(errs...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return NewSliceStream(msgs, streamErr), nil
}

func (s *IMAP) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *IMAP) drop(b *imapBox) {
	s.mu.Lock()
	if s.boxes[b.name] == b {
		delete(s.boxes, b.name)
	}
	s.mu.Unlock()
	b.client.Close()
}

// Close implements Session.
func (s *IMAP) Close() error {
	return s.shutdown()
}

func (s *IMAP) shutdown() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	ctrl := s.ctrl
	boxes := s.boxes
	s.boxes = nil
	s.mu.Unlock()

	for _, b := range boxes {
		if err := b.client.Close(); err != nil {
			s.logger.Debug("imap close mailbox connection", "mailbox", b.name, "error", err)
		}
	}
	s.wg.Wait()

	var errs []error

	if ctrl != nil {
		if err := ctrl.Logout().Wait(); err != nil {
			s.logger.Debug("imap logout", "error", err)
		}
		if err := ctrl.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, fmt.Errorf("close control: %w", err))
		}
	}

	s.sig.end()
	s.logger.Info("imap session closed", "host", s.cfg.Host)
	return errors.Join(errs...)
}
