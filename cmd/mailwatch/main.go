package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/tracyhatemice/mailwatch/internal/config"
	"github.com/tracyhatemice/mailwatch/internal/credential"
	"github.com/tracyhatemice/mailwatch/internal/decode"
	"github.com/tracyhatemice/mailwatch/internal/dedup"
	"github.com/tracyhatemice/mailwatch/internal/dispatch"
	"github.com/tracyhatemice/mailwatch/internal/registry"
	"github.com/tracyhatemice/mailwatch/internal/sender"
	"github.com/tracyhatemice/mailwatch/internal/session"
	"github.com/tracyhatemice/mailwatch/internal/supervisor"
	"github.com/tracyhatemice/mailwatch/internal/watcher"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	dataDir := flag.String("data-dir", "data", "directory for persistent data (pop3 seen state)")
	debugIMAP := flag.Bool("debug-imap", false, "dump raw IMAP traffic to stderr")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.LogLevel)
	logger.Info("mailwatch starting",
		"protocol", cfg.Connection.Protocol,
		"host", cfg.Connection.Host,
		"subscriptions", len(cfg.Subscriptions),
	)

	password, err := credential.Resolve(cfg.Connection.Password, cfg.Connection.PasswordKeyring)
	if err != nil {
		logger.Error("failed to resolve password", "error", err)
		os.Exit(1)
	}

	factory, err := newSessionFactory(cfg.Connection, password, *dataDir, *debugIMAP, logger)
	if err != nil {
		logger.Error("failed to create session factory", "error", err)
		os.Exit(1)
	}

	bus := dispatch.NewBus(logger)
	w, err := watcher.New(factory,
		watcher.WithLogger(logger),
		watcher.WithDefaultMailbox(cfg.Connection.GetMailbox()),
		watcher.WithMarkSeen(cfg.Connection.ShouldMarkSeen()),
		watcher.WithDecodeConcurrency(cfg.Connection.DecodeConcurrency),
		watcher.WithDecoder(&decode.MailDecoder{}),
		watcher.WithDispatcher(bus),
	)
	if err != nil {
		logger.Error("failed to create watcher", "error", err)
		os.Exit(1)
	}

	if err := subscribe(w, cfg, logger); err != nil {
		logger.Error("failed to subscribe", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		supervisor.New(w, cfg.Connection.ReconnectInterval(), logger).Run(ctx)
	}()

	<-ctx.Done()
	logger.Info("shutting down, waiting for in-flight messages...")

	// Force exit on second signal.
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		logger.Warn("forced shutdown")
		os.Exit(1)
	}()

	<-done
	logger.Info("mailwatch stopped")
}

func newSessionFactory(conn config.Connection, password, dataDir string, debug bool, logger *slog.Logger) (watcher.SessionFactory, error) {
	switch conn.Protocol {
	case "imap":
		cfg := session.IMAPConfig{
			Host:               conn.Host,
			Port:               conn.Port,
			Username:           conn.Username,
			Password:           password,
			UseTLS:             conn.UseTLS,
			InsecureSkipVerify: conn.InsecureSkipVerify,
		}
		if debug {
			cfg.DebugWriter = os.Stderr
		}
		return func() (session.Session, error) {
			return session.NewIMAP(cfg, logger), nil
		}, nil
	case "pop3":
		seenFile := filepath.Join(dataDir, sanitize(conn.Username+"@"+conn.Host)+".seen")
		tracker, err := dedup.NewTracker(seenFile)
		if err != nil {
			return nil, err
		}
		logger.Info("loaded seen state", "file", seenFile, "seen_count", tracker.Count())
		cfg := session.POP3Config{
			Host:               conn.Host,
			Port:               conn.Port,
			Username:           conn.Username,
			Password:           password,
			UseTLS:             conn.UseTLS,
			InsecureSkipVerify: conn.InsecureSkipVerify,
			PollInterval:       conn.PollInterval(),
		}
		return func() (session.Session, error) {
			return session.NewPOP3(cfg, tracker, logger), nil
		}, nil
	default:
		return nil, fmt.Errorf("unsupported protocol: %s", conn.Protocol)
	}
}

// subscribe binds one handler per configured subscription.
func subscribe(w *watcher.Watcher, cfg *config.Config, logger *slog.Logger) error {
	var smtp *sender.Sender
	if cfg.Sender != nil {
		smtp = sender.New(sender.Config{
			Host:     cfg.Sender.Host,
			Port:     cfg.Sender.Port,
			Username: cfg.Sender.Username,
			Password: cfg.Sender.Password,
			UseTLS:   cfg.Sender.UseTLS,
		}, logger)
	}

	for _, s := range cfg.Subscriptions {
		var h dispatch.Handler
		switch s.GetAction() {
		case "forward":
			h = dispatch.ForwardHandler(smtp, s.ForwardTo, logger)
		default:
			h = dispatch.LogHandler(logger)
		}
		sub, err := w.On(registry.Options{EventID: s.EventID, Mailbox: s.Mailbox}, h)
		if err != nil {
			return err
		}
		logger.Info("subscribed", "event", sub.EventID, "mailbox", sub.Mailbox, "action", s.GetAction())
	}
	return nil
}

func setupLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func sanitize(name string) string {
	if name == "" {
		return "default"
	}
	out := make([]byte, 0, len(name))
	for _, b := range []byte(name) {
		if (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9') || b == '-' || b == '_' {
			out = append(out, b)
		} else {
			out = append(out, '_')
		}
	}
	return string(out)
}
