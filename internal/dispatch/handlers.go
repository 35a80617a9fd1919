package dispatch

import (
	"context"
	"fmt"
	"log/slog"
)

// Forwarder relays a raw message to another address.
type Forwarder interface {
	Forward(ctx context.Context, rawEmail []byte, to, originalID, eventID string) error
}

// LogHandler writes one structured line per event.
func LogHandler(logger *slog.Logger) Handler {
	return func(_ context.Context, ev Event) error {
		logger.Info("mail received",
			"event", ev.EventID,
			"mailbox", ev.Mailbox,
			"seqno", ev.Mail.SeqNo,
			"uid", ev.Mail.UID,
			"from", ev.Mail.Headers.Get("From"),
			"subject", ev.Mail.Headers.Get("Subject"),
			"date", ev.Date,
			"flags", ev.Flags,
		)
		return nil
	}
}

// ForwardHandler relays every event's raw message to `to`.
func ForwardHandler(f Forwarder, to string, logger *slog.Logger) Handler {
	return func(ctx context.Context, ev Event) error {
		if len(ev.Mail.Raw) == 0 {
			return fmt.Errorf("forward seqno %d: empty message", ev.Mail.SeqNo)
		}
		msgID := ev.Mail.Headers.Get("Message-Id")
		if msgID == "" {
			msgID = fmt.Sprintf("%s-%d", ev.Mailbox, ev.Mail.UID)
		}
		if err := f.Forward(ctx, ev.Mail.Raw, to, msgID, ev.EventID); err != nil {
			return fmt.Errorf("forward %s: %w", msgID, err)
		}
		logger.Info("forwarded", "event", ev.EventID, "msg_id", msgID, "to", to)
		return nil
	}
}
