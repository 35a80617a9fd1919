package sender

import (
	"context"
	"encoding/base64"
	"io"
	"log/slog"
	"net"
	"net/textproto"
	"strings"
	"sync"
	"testing"
)

// smtpServer accepts one message per connection and records the envelope.
type smtpServer struct {
	ln net.Listener

	mu         sync.Mutex
	rejectRcpt bool
	auth       string
	from       string
	to         []string
	data       string
}

func startSMTPServer(t *testing.T) *smtpServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	srv := &smtpServer{ln: ln}
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go srv.handle(c)
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return srv
}

func (s *smtpServer) port() int {
	return s.ln.Addr().(*net.TCPAddr).Port
}

func (s *smtpServer) handle(c net.Conn) {
	tp := textproto.NewConn(c)
	defer tp.Close()

	tp.PrintfLine("220 localhost ESMTP")
	for {
		line, err := tp.ReadLine()
		if err != nil {
			return
		}
		verb, arg, _ := strings.Cut(line, " ")
		switch strings.ToUpper(verb) {
		case "EHLO":
			tp.PrintfLine("250-localhost")
			tp.PrintfLine("250 AUTH PLAIN")
		case "HELO":
			tp.PrintfLine("250 localhost")
		case "AUTH":
			_, encoded, _ := strings.Cut(arg, " ")
			decoded, _ := base64.StdEncoding.DecodeString(encoded)
			s.mu.Lock()
			s.auth = string(decoded)
			s.mu.Unlock()
			tp.PrintfLine("235 accepted")
		case "MAIL":
			s.mu.Lock()
			s.from = arg
			s.mu.Unlock()
			tp.PrintfLine("250 ok")
		case "RCPT":
			s.mu.Lock()
			reject := s.rejectRcpt
			if !reject {
				s.to = append(s.to, arg)
			}
			s.mu.Unlock()
			if reject {
				tp.PrintfLine("550 no such user")
				continue
			}
			tp.PrintfLine("250 ok")
		case "DATA":
			tp.PrintfLine("354 go ahead")
			data, err := tp.ReadDotBytes()
			if err != nil {
				return
			}
			s.mu.Lock()
			s.data = string(data)
			s.mu.Unlock()
			tp.PrintfLine("250 queued")
		case "QUIT":
			tp.PrintfLine("221 bye")
			return
		default:
			tp.PrintfLine("502 not implemented")
		}
	}
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const forwardedMail = "From: Alice <alice@example.com>\r\nMessage-ID: <m1@example.com>\r\nSubject: Hi\r\n\r\nHello there\r\n"

func TestForward(t *testing.T) {
	srv := startSMTPServer(t)
	s := New(Config{Host: "127.0.0.1", Port: srv.port()}, discard())

	err := s.Forward(context.Background(), []byte(forwardedMail), "bob@example.com", "<m1@example.com>", "IMAP/INBOX/a")
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}

	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.from != "FROM:<alice@example.com>" {
		t.Errorf("MAIL: got %q", srv.from)
	}
	if len(srv.to) != 1 || srv.to[0] != "TO:<bob@example.com>" {
		t.Errorf("RCPT: got %q", srv.to)
	}
	if srv.auth != "" {
		t.Errorf("unexpected AUTH without credentials: %q", srv.auth)
	}
	for _, want := range []string{
		"X-Mailwatch-Event: IMAP/INBOX/a\n",
		"X-Original-Message-ID: <m1@example.com>\n",
		"X-Forwarded-Time: ",
		"Subject: Hi\n",
		"Hello there\n",
	} {
		if !strings.Contains(srv.data, want) {
			t.Errorf("data missing %q:\n%s", want, srv.data)
		}
	}
	if !strings.HasPrefix(srv.data, "X-Mailwatch-Event:") {
		t.Errorf("trace headers not prepended:\n%s", srv.data)
	}
}

func TestForward_AuthAndFallbackSender(t *testing.T) {
	srv := startSMTPServer(t)
	s := New(Config{Host: "127.0.0.1", Port: srv.port(), Username: "relay@example.com", Password: "pw"}, discard())

	err := s.Forward(context.Background(), []byte("Subject: no sender\r\n\r\nbody\r\n"), "bob@example.com", "", "IMAP/INBOX/a")
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}

	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.auth != "\x00relay@example.com\x00pw" {
		t.Errorf("AUTH PLAIN: got %q", srv.auth)
	}
	if srv.from != "FROM:<relay@example.com>" {
		t.Errorf("MAIL: got %q", srv.from)
	}
}

func TestForward_RecipientRejected(t *testing.T) {
	srv := startSMTPServer(t)
	srv.mu.Lock()
	srv.rejectRcpt = true
	srv.mu.Unlock()
	s := New(Config{Host: "127.0.0.1", Port: srv.port()}, discard())

	err := s.Forward(context.Background(), []byte(forwardedMail), "nobody@example.com", "", "IMAP/INBOX/a")
	if err == nil || !strings.Contains(err.Error(), "nobody@example.com") {
		t.Fatalf("Forward: expected recipient error, got %v", err)
	}
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.data != "" {
		t.Errorf("data sent after rejected recipient: %q", srv.data)
	}
}

func TestForward_DialFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	s := New(Config{Host: "127.0.0.1", Port: port}, discard())
	err = s.Forward(context.Background(), []byte(forwardedMail), "bob@example.com", "", "IMAP/INBOX/a")
	if err == nil || !strings.Contains(err.Error(), "smtp dial") {
		t.Fatalf("Forward: expected dial error, got %v", err)
	}
}
