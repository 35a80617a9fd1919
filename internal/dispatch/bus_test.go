package dispatch

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/tracyhatemice/mailwatch/internal/decode"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBus(t *testing.T) {
	ctx := context.Background()

	t.Run("runs every handler in bind order", func(t *testing.T) {
		b := NewBus(discard())
		var calls []string
		b.Bind("e", func(_ context.Context, ev Event) error {
			calls = append(calls, "first:"+ev.Mailbox)
			return nil
		})
		b.Bind("e", func(_ context.Context, ev Event) error {
			calls = append(calls, "second:"+ev.Mailbox)
			return nil
		})
		b.Bind("other", func(context.Context, Event) error {
			t.Error("unrelated handler called")
			return nil
		})

		if err := b.Dispatch(ctx, Event{EventID: "e", Mailbox: "INBOX"}); err != nil {
			t.Fatalf("Dispatch: %v", err)
		}
		if len(calls) != 2 || calls[0] != "first:INBOX" || calls[1] != "second:INBOX" {
			t.Errorf("calls: got %v", calls)
		}
	})

	t.Run("no handlers", func(t *testing.T) {
		b := NewBus(nil)
		if err := b.Dispatch(ctx, Event{EventID: "none"}); err != nil {
			t.Errorf("expected nil, got %v", err)
		}
	})

	t.Run("errors and panics are joined", func(t *testing.T) {
		b := NewBus(discard())
		boom := errors.New("boom")
		ran := false
		b.Bind("e", func(context.Context, Event) error { return boom })
		b.Bind("e", func(context.Context, Event) error { panic("bad handler") })
		b.Bind("e", func(context.Context, Event) error { ran = true; return nil })

		err := b.Dispatch(ctx, Event{EventID: "e"})
		if !errors.Is(err, boom) {
			t.Errorf("expected boom in %v", err)
		}
		if err == nil || !strings.Contains(err.Error(), "panic: bad handler") {
			t.Errorf("expected panic in %v", err)
		}
		if !ran {
			t.Error("third handler did not run")
		}
	})

	t.Run("unbind", func(t *testing.T) {
		b := NewBus(discard())
		b.Bind("e", func(context.Context, Event) error { return errors.New("unexpected") })
		b.Unbind("e")
		if b.Handlers("e") != 0 {
			t.Fatalf("Handlers: got %d, want 0", b.Handlers("e"))
		}
		if err := b.Dispatch(ctx, Event{EventID: "e"}); err != nil {
			t.Errorf("expected nil, got %v", err)
		}
	})
}

type fakeForwarder struct {
	raw                 []byte
	to, origID, eventID string
	err                 error
}

func (f *fakeForwarder) Forward(_ context.Context, raw []byte, to, origID, eventID string) error {
	f.raw, f.to, f.origID, f.eventID = raw, to, origID, eventID
	return f.err
}

func TestForwardHandler(t *testing.T) {
	ctx := context.Background()
	ev := Event{
		EventID: "e",
		Mailbox: "INBOX",
		Mail: Mail{
			Headers: decode.Header{"Message-Id": {"<1@example.com>"}},
			UID:     7,
			Raw:     []byte("Subject: x\r\n\r\nbody"),
		},
	}

	fw := &fakeForwarder{}
	h := ForwardHandler(fw, "ops@example.com", discard())
	if err := h(ctx, ev); err != nil {
		t.Fatalf("handler: %v", err)
	}
	if fw.to != "ops@example.com" || fw.origID != "<1@example.com>" || fw.eventID != "e" {
		t.Errorf("forwarded with to=%q id=%q event=%q", fw.to, fw.origID, fw.eventID)
	}
	if !bytes.Equal(fw.raw, ev.Mail.Raw) {
		t.Error("raw message not passed through")
	}

	t.Run("fallback id", func(t *testing.T) {
		fw := &fakeForwarder{}
		ev := ev
		ev.Mail.Headers = decode.Header{}
		if err := ForwardHandler(fw, "x@example.com", discard())(ctx, ev); err != nil {
			t.Fatalf("handler: %v", err)
		}
		if fw.origID != "INBOX-7" {
			t.Errorf("origID: got %q, want INBOX-7", fw.origID)
		}
	})

	t.Run("forward error", func(t *testing.T) {
		fw := &fakeForwarder{err: errors.New("smtp down")}
		if err := ForwardHandler(fw, "x@example.com", discard())(ctx, ev); err == nil {
			t.Error("expected error")
		}
	})

	t.Run("empty raw", func(t *testing.T) {
		ev := ev
		ev.Mail.Raw = nil
		if err := ForwardHandler(&fakeForwarder{}, "x@example.com", discard())(ctx, ev); err == nil {
			t.Error("expected error")
		}
	})
}
