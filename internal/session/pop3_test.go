package session

import (
	"context"
	"fmt"
	"net"
	"net/textproto"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tracyhatemice/mailwatch/internal/dedup"
)

type pop3Entry struct {
	uid string
	raw string
}

// pop3Server is a minimal maildrop speaking enough POP3 for the client:
// USER, PASS, NOOP, UIDL, RETR and QUIT.
type pop3Server struct {
	ln   net.Listener
	mu   sync.Mutex
	msgs []pop3Entry
}

func startPOP3Server(t *testing.T) *pop3Server {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	srv := &pop3Server{ln: ln}
	go srv.serve()
	t.Cleanup(func() { ln.Close() })
	return srv
}

func (s *pop3Server) port() int {
	return s.ln.Addr().(*net.TCPAddr).Port
}

func (s *pop3Server) add(uid, raw string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, pop3Entry{uid: uid, raw: raw})
}

func (s *pop3Server) serve() {
	for {
		c, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.handle(c)
	}
}

func (s *pop3Server) handle(c net.Conn) {
	tp := textproto.NewConn(c)
	defer tp.Close()

	tp.PrintfLine("+OK ready")
	for {
		line, err := tp.ReadLine()
		if err != nil {
			return
		}
		cmd, arg, _ := strings.Cut(line, " ")
		switch strings.ToUpper(cmd) {
		case "USER", "NOOP":
			tp.PrintfLine("+OK")
		case "PASS":
			if arg != "secret" {
				tp.PrintfLine("-ERR auth failed")
				continue
			}
			tp.PrintfLine("+OK")
		case "UIDL":
			s.mu.Lock()
			tp.PrintfLine("+OK")
			for i, m := range s.msgs {
				tp.PrintfLine("%d %s", i+1, m.uid)
			}
			s.mu.Unlock()
			tp.PrintfLine(".")
		case "RETR":
			n, _ := strconv.Atoi(arg)
			s.mu.Lock()
			if n < 1 || n > len(s.msgs) {
				s.mu.Unlock()
				tp.PrintfLine("-ERR no such message")
				continue
			}
			raw := s.msgs[n-1].raw
			s.mu.Unlock()
			tp.PrintfLine("+OK")
			w := tp.DotWriter()
			fmt.Fprint(w, raw)
			w.Close()
		case "QUIT":
			tp.PrintfLine("+OK bye")
			return
		default:
			tp.PrintfLine("-ERR unknown command")
		}
	}
}

func newPOP3Session(t *testing.T, srv *pop3Server, password string) (*POP3, *dedup.Tracker) {
	t.Helper()
	tr, err := dedup.NewTracker(filepath.Join(t.TempDir(), "inbox.seen"))
	if err != nil {
		t.Fatal(err)
	}
	s := NewPOP3(POP3Config{
		Host:         "127.0.0.1",
		Port:         srv.port(),
		Username:     "alice",
		Password:     password,
		PollInterval: 20 * time.Millisecond,
	}, tr, discard())
	t.Cleanup(func() { s.Close() })
	return s, tr
}

const pop3Hello = "Date: Mon, 02 Jan 2006 15:04:05 +0000\r\nSubject: Hi\r\n\r\nHello\r\n"

func TestPOP3_Session(t *testing.T) {
	srv := startPOP3Server(t)
	srv.add("uid-1", pop3Hello)
	s, tr := newPOP3Session(t, srv, "secret")
	ctx := context.Background()

	if err := s.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	expectSignal(t, s.Signals(), SignalReady, "")

	// Subscriptions may spell INBOX in any case; signals must come back
	// under the name it was opened with.
	info, err := s.Open(ctx, "inbox", false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if info.Name != "inbox" || info.Messages != 1 || info.ReadOnly {
		t.Errorf("info: got %+v", info)
	}

	ids, err := s.SearchUnseen(ctx, "inbox")
	if err != nil {
		t.Fatalf("SearchUnseen: %v", err)
	}
	if !slices.Equal(ids, []uint32{1}) {
		t.Fatalf("unseen: got %v, want [1]", ids)
	}

	stream, err := s.Fetch(ctx, "inbox", ids, FetchOptions{MarkSeen: true})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	msg := stream.Next()
	if msg == nil {
		t.Fatal("fetch stream is empty")
	}
	if body := readBody(t, msg); !strings.Contains(body, "Hello") {
		t.Errorf("body: got %q", body)
	}
	if !slices.Equal(msg.Attrs.Flags, []string{`\Seen`}) {
		t.Errorf("flags: got %v", msg.Attrs.Flags)
	}
	if msg.Attrs.Date.Year() != 2006 {
		t.Errorf("date: got %v", msg.Attrs.Date)
	}
	if err := stream.Close(); err != nil {
		t.Errorf("stream Close: %v", err)
	}
	if !tr.Seen("uid-1") {
		t.Error("uid-1 not recorded as seen")
	}
	if ids, err := s.SearchUnseen(ctx, "inbox"); err != nil || len(ids) != 0 {
		t.Errorf("unseen after mark-seen fetch: got %v, %v", ids, err)
	}

	srv.add("uid-2", "Subject: Again\r\n\r\nMore\r\n")
	// The poller may have announced uid-1 before the search did.
	for expectSignal(t, s.Signals(), SignalMail, "inbox").Count < 2 {
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	kinds := drainSignals(t, s.Signals())
	if len(kinds) == 0 || kinds[len(kinds)-1] != SignalEnd {
		t.Errorf("signals after Close: got %v, want trailing end", kinds)
	}
}

func TestPOP3_AuthFailure(t *testing.T) {
	srv := startPOP3Server(t)
	s, _ := newPOP3Session(t, srv, "wrong")

	if err := s.Connect(context.Background()); err == nil {
		t.Fatal("Connect with bad password: expected error")
	}
}

func TestPOP3_ReadOnlyFetchKeepsUnseen(t *testing.T) {
	srv := startPOP3Server(t)
	srv.add("uid-1", pop3Hello)
	s, tr := newPOP3Session(t, srv, "secret")
	ctx := context.Background()

	if err := s.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if _, err := s.Open(ctx, "INBOX", true); err != nil {
		t.Fatalf("Open: %v", err)
	}
	ids, err := s.SearchUnseen(ctx, "INBOX")
	if err != nil || len(ids) != 1 {
		t.Fatalf("SearchUnseen: got %v, %v", ids, err)
	}
	stream, err := s.Fetch(ctx, "INBOX", ids, FetchOptions{MarkSeen: true})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	msg := stream.Next()
	if msg == nil {
		t.Fatal("fetch stream is empty")
	}
	if len(msg.Attrs.Flags) != 0 {
		t.Errorf("read-only fetch flags: got %v", msg.Attrs.Flags)
	}
	stream.Close()
	if tr.Seen("uid-1") {
		t.Error("read-only fetch recorded uid-1 as seen")
	}
	if again, err := s.SearchUnseen(ctx, "INBOX"); err != nil || len(again) != 1 {
		t.Errorf("unseen after read-only fetch: got %v, %v", again, err)
	}
}
