package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-message/mail"
	pop3client "github.com/knadh/go-pop3"

	"github.com/tracyhatemice/mailwatch/internal/dedup"
)

const pop3Mailbox = "INBOX"

// POP3Config holds connection settings for a POP3 account.
type POP3Config struct {
	Host               string
	Port               int
	Username           string
	Password           string
	UseTLS             bool
	InsecureSkipVerify bool
	// PollInterval defaults to one minute.
	PollInterval time.Duration
}

// POP3 is a Session over POP3. POP3 has no push and no flags, so the session
// polls UIDL and keeps seen state in a dedup.Tracker. Message identifiers are
// the message numbers of the latest search.
type POP3 struct {
	cfg     POP3Config
	tracker *dedup.Tracker
	logger  *slog.Logger
	sig     *signaler

	mu        sync.Mutex
	connected bool
	opened    bool
	readOnly  bool
	// mailbox is the name INBOX was opened under; signals carry it back.
	mailbox   string
	closed    bool
	done      chan struct{}
	wg        sync.WaitGroup
	// snapshot maps message numbers from the last search to UIDL values.
	snapshot map[uint32]string
	// announced holds UIDs already reported through SignalMail.
	announced map[string]struct{}
}

// NewPOP3 returns an unconnected POP3 session.
func NewPOP3(cfg POP3Config, tracker *dedup.Tracker, logger *slog.Logger) *POP3 {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Minute
	}
	return &POP3{
		cfg:       cfg,
		tracker:   tracker,
		logger:    logger,
		sig:       newSignaler(),
		done:      make(chan struct{}),
		snapshot:  make(map[uint32]string),
		announced: make(map[string]struct{}),
	}
}

// Signals implements Session.
func (s *POP3) Signals() <-chan Signal {
	return s.sig.ch
}

func (s *POP3) dial() (*pop3client.Conn, error) {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	client := pop3client.New(pop3client.Opt{
		Host:          s.cfg.Host,
		Port:          s.cfg.Port,
		TLSEnabled:    s.cfg.UseTLS,
		TLSSkipVerify: s.cfg.InsecureSkipVerify,
	})
	conn, err := client.NewConn()
	if err != nil {
		return nil, fmt.Errorf("pop3 connect %s: %w", addr, err)
	}
	if err := conn.Auth(s.cfg.Username, s.cfg.Password); err != nil {
		conn.Quit()
		return nil, fmt.Errorf("pop3 auth %s: %w", s.cfg.Username, err)
	}
	return conn, nil
}

// listing returns message number to UIDL for the current maildrop.
func (s *POP3) listing() (map[uint32]string, error) {
	conn, err := s.dial()
	if err != nil {
		return nil, err
	}
	defer conn.Quit()
	return uidl(conn)
}

func uidl(conn *pop3client.Conn) (map[uint32]string, error) {
	msgs, err := conn.Uidl(0)
	if err != nil {
		return nil, fmt.Errorf("pop3 uidl: %w", err)
	}
	out := make(map[uint32]string, len(msgs))
	for _, m := range msgs {
		out[uint32(m.ID)] = m.UID
	}
	return out, nil
}

// Connect implements Session.
func (s *POP3) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.isClosed() {
		return ErrClosed
	}
	conn, err := s.dial()
	if err != nil {
		return err
	}
	conn.Quit()

	s.mu.Lock()
	s.connected = true
	s.mu.Unlock()

	s.logger.Info("pop3 connected", "host", s.cfg.Host, "user", s.cfg.Username)
	s.sig.emit(Signal{Kind: SignalReady})
	return nil
}

// Open implements Session. Only INBOX exists.
func (s *POP3) Open(ctx context.Context, mailbox string, readOnly bool) (*MailboxInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !strings.EqualFold(mailbox, pop3Mailbox) {
		return nil, fmt.Errorf("%w: %s", ErrMailboxNotFound, mailbox)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if !s.connected {
		s.mu.Unlock()
		return nil, ErrNotConnected
	}
	already := s.opened
	s.mu.Unlock()

	list, err := s.listing()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if !already {
		s.opened = true
		s.readOnly = readOnly
		s.mailbox = mailbox
		s.wg.Add(1)
		go s.poll()
	}
	return &MailboxInfo{Name: mailbox, Messages: uint32(len(list)), ReadOnly: s.readOnly}, nil
}

// poll raises SignalMail whenever UIDL shows unseen messages not announced
// before.
func (s *POP3) poll() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
		}

		list, err := s.listing()
		if err != nil {
			s.sig.emit(Signal{Kind: SignalError, Err: err})
			continue
		}
		uids := make([]string, 0, len(list))
		for _, uid := range list {
			uids = append(uids, uid)
		}

		fresh := 0
		s.mu.Lock()
		mailbox := s.mailbox
		for _, uid := range s.tracker.Unseen(uids) {
			if _, ok := s.announced[uid]; !ok {
				s.announced[uid] = struct{}{}
				fresh++
			}
		}
		s.mu.Unlock()

		if fresh > 0 {
			s.sig.emit(Signal{Kind: SignalMail, Mailbox: mailbox, Count: uint32(len(list))})
		}
	}
}

func (s *POP3) ready(mailbox string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if !s.opened || !strings.EqualFold(mailbox, pop3Mailbox) {
		return fmt.Errorf("%w: %s", ErrMailboxNotOpen, mailbox)
	}
	return nil
}

// SearchUnseen implements Session.
func (s *POP3) SearchUnseen(ctx context.Context, mailbox string) ([]uint32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.ready(mailbox); err != nil {
		return nil, err
	}
	list, err := s.listing()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshot = list
	var ids []uint32
	for num, uid := range list {
		if !s.tracker.Seen(uid) {
			ids = append(ids, num)
			s.announced[uid] = struct{}{}
		}
	}
	slices.Sort(ids)
	return ids, nil
}

// Fetch implements Session. Messages whose number no longer maps to the UID
// seen at search time are skipped.
func (s *POP3) Fetch(ctx context.Context, mailbox string, ids []uint32, opts FetchOptions) (FetchStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.ready(mailbox); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, errors.New("pop3 fetch: empty id set")
	}

	conn, err := s.dial()
	if err != nil {
		return nil, err
	}
	defer conn.Quit()

	current, err := uidl(conn)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	snapshot := s.snapshot
	markSeen := opts.MarkSeen && !s.readOnly
	s.mu.Unlock()

	var msgs []*Message
	var errs []error
	for _, id := range ids {
		uid, ok := current[id]
		if !ok || (snapshot[id] != "" && snapshot[id] != uid) {
			s.logger.Warn("pop3 message changed since search, skipping", "msg", id)
			continue
		}
		rawBuf, err := conn.RetrRaw(int(id))
		if err != nil {
			errs = append(errs, fmt.Errorf("pop3 retrieve %d: %w", id, err))
			continue
		}
		raw := rawBuf.Bytes()

		var flags []string
		if markSeen {
			if err := s.tracker.MarkSeen(uid); err != nil {
				errs = append(errs, fmt.Errorf("pop3 mark seen %s: %w", uid, err))
			} else {
				flags = append(flags, `\Seen`)
			}
		}

		msgs = append(msgs, &Message{
			SeqNum: id,
			Attrs: Attributes{
				UID:   id,
				Flags: flags,
				Date:  headerDate(raw),
			},
			Body: bytes.NewReader(raw),
		})
	}
	return NewSliceStream(msgs, errors.Join(errs...)), nil
}

func (s *POP3) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close implements Session.
func (s *POP3) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	s.mu.Unlock()

	s.wg.Wait()
	s.sig.end()
	s.logger.Info("pop3 session closed", "host", s.cfg.Host)
	return nil
}

// headerDate parses the Date header from raw email bytes.
func headerDate(raw []byte) time.Time {
	reader, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return time.Time{}
	}
	defer reader.Close()
	date, err := reader.Header.Date()
	if err != nil {
		return time.Time{}
	}
	return date
}
