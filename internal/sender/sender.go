package sender

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/smtp"
	"strconv"
	"time"

	"github.com/emersion/go-message/mail"
)

// Config holds the outgoing mail server settings.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	UseTLS   bool
}

// Sender relays raw messages over SMTP.
type Sender struct {
	cfg    Config
	dialer net.Dialer
	logger *slog.Logger
}

// New creates a new SMTP sender.
func New(cfg Config, logger *slog.Logger) *Sender {
	return &Sender{
		cfg:    cfg,
		dialer: net.Dialer{Timeout: 30 * time.Second},
		logger: logger,
	}
}

// Forward relays rawEmail to the target address. eventID and originalID are
// recorded in X-Mailwatch-* trace headers prepended to the message.
func (s *Sender) Forward(ctx context.Context, rawEmail []byte, to, originalID, eventID string) error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))

	// The envelope sender keeps the original From when it parses.
	from := s.cfg.Username
	if reader, err := mail.CreateReader(bytes.NewReader(rawEmail)); err == nil {
		if addrs, err := reader.Header.AddressList("From"); err == nil && len(addrs) > 0 {
			from = addrs[0].Address
		}
		reader.Close()
	}

	trace := fmt.Sprintf(
		"X-Mailwatch-Event: %s\r\nX-Original-Message-ID: %s\r\nX-Forwarded-Time: %s\r\n",
		eventID,
		originalID,
		time.Now().UTC().Format(time.RFC3339),
	)
	message := append([]byte(trace), rawEmail...)

	client, err := s.dial(ctx, addr)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := s.relay(client, from, to, message); err != nil {
		return err
	}
	s.logger.Debug("message relayed", "event", eventID, "to", to, "bytes", len(message))
	return nil
}

// relay sends one envelope over an established client and ends the session.
func (s *Sender) relay(c *smtp.Client, from, to string, message []byte) error {
	if s.cfg.Username != "" && s.cfg.Password != "" {
		if err := c.Auth(smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)); err != nil {
			return fmt.Errorf("smtp auth %s: %w", s.cfg.Username, err)
		}
	}
	if err := c.Mail(from); err != nil {
		return fmt.Errorf("smtp sender %s rejected: %w", from, err)
	}
	if err := c.Rcpt(to); err != nil {
		return fmt.Errorf("smtp recipient %s rejected: %w", to, err)
	}

	body, err := c.Data()
	if err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}
	if _, err := io.Copy(body, bytes.NewReader(message)); err != nil {
		body.Close()
		return fmt.Errorf("smtp data: %w", err)
	}
	if err := body.Close(); err != nil {
		return fmt.Errorf("smtp message not accepted: %w", err)
	}
	return c.Quit()
}

func (s *Sender) dial(ctx context.Context, addr string) (*smtp.Client, error) {
	tlsConfig := &tls.Config{ServerName: s.cfg.Host}

	if s.cfg.UseTLS {
		td := tls.Dialer{NetDialer: &s.dialer, Config: tlsConfig}
		conn, err := td.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("smtp tls dial %s: %w", addr, err)
		}
		client, err := smtp.NewClient(conn, s.cfg.Host)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("smtp new client: %w", err)
		}
		return client, nil
	}

	conn, err := s.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("smtp dial %s: %w", addr, err)
	}
	client, err := smtp.NewClient(conn, s.cfg.Host)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("smtp new client: %w", err)
	}
	if ok, _ := client.Extension("STARTTLS"); ok {
		if err := client.StartTLS(tlsConfig); err != nil {
			s.logger.Warn("STARTTLS failed, continuing without TLS", "error", err)
		}
	}
	return client, nil
}
