package watcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tracyhatemice/mailwatch/internal/dispatch"
	"github.com/tracyhatemice/mailwatch/internal/registry"
	"github.com/tracyhatemice/mailwatch/internal/session"
)

var errEmptyBody = errors.New("message has no body")

type batchStats struct {
	fetched        atomic.Int64
	dispatched     atomic.Int64
	decodeFailed   atomic.Int64
	dispatchFailed atomic.Int64
}

// decoded is the outcome of decoding one streamed message.
type decoded struct {
	msg  *session.Message
	mail *dispatch.Mail
	err  error
}

// runBatch searches mailbox for unseen mail, fetches it in one call and
// dispatches every message that decodes. Errors from a cancelled run are
// expected during Stop and are not reported.
func (w *Watcher) runBatch(r *run, mailbox string) {
	subs := w.registry.ListByMailbox(mailbox)
	if len(subs) == 0 {
		w.logger.Debug("no subscriptions, skipping", "mailbox", mailbox)
		return
	}

	ctx, span := w.instr.startBatch(r.ctx, mailbox)
	start := time.Now()
	var (
		stats    *batchStats
		batchErr error
	)
	defer func() {
		w.instr.endBatch(context.WithoutCancel(ctx), span, mailbox, start, stats, batchErr)
	}()

	uids, err := r.sess.SearchUnseen(ctx, mailbox)
	if err != nil {
		if r.ctx.Err() != nil {
			return
		}
		batchErr = &SearchError{Mailbox: mailbox, Err: err}
		w.report(batchErr)
		return
	}
	if len(uids) == 0 {
		w.logger.Debug("no unseen messages", "mailbox", mailbox)
		return
	}

	claimed := w.claim(r, mailbox, uids)
	if len(claimed) == 0 {
		w.logger.Debug("unseen messages already in flight", "mailbox", mailbox, "count", len(uids))
		return
	}
	defer w.release(r, mailbox, claimed)

	stream, err := fetch(ctx, r.sess, mailbox, claimed, session.FetchOptions{MarkSeen: w.opts.markSeen})
	if err != nil {
		if r.ctx.Err() != nil {
			return
		}
		batchErr = &FetchCallError{Mailbox: mailbox, Err: err}
		w.report(batchErr)
		return
	}

	stats = &batchStats{}
	w.drain(context.WithoutCancel(ctx), mailbox, subs, stream, stats)
	if err := stream.Close(); err != nil && r.ctx.Err() == nil {
		batchErr = &FetchCallError{Mailbox: mailbox, Stream: true, Err: err}
		w.report(batchErr)
	}

	w.logger.Info("batch complete",
		"mailbox", mailbox,
		"fetched", stats.fetched.Load(),
		"dispatched", stats.dispatched.Load(),
		"decode_errors", stats.decodeFailed.Load(),
		"dispatch_errors", stats.dispatchFailed.Load(),
		"duration", time.Since(start),
	)
}

// fetch turns a panicking fetch call into an error.
func fetch(ctx context.Context, sess session.Session, mailbox string, uids []uint32, opts session.FetchOptions) (s session.FetchStream, err error) {
	defer func() {
		if p := recover(); p != nil {
			s, err = nil, fmt.Errorf("panic: %v", p)
		}
	}()
	return sess.Fetch(ctx, mailbox, uids, opts)
}

// drain decodes stream messages concurrently and dispatches them in
// delivery order. Every message's slot is queued before its decode starts.
// Decode tasks report failures through their slot and always return nil, so
// the errgroup only bounds concurrency and waits; it never cancels.
func (w *Watcher) drain(ctx context.Context, mailbox string, subs []*registry.Subscription, stream session.FetchStream, stats *batchStats) {
	var g errgroup.Group
	g.SetLimit(w.opts.decodeLimit)

	queue := make(chan chan decoded, w.opts.decodeLimit)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for slot := range queue {
			d := <-slot
			if d.err != nil {
				stats.decodeFailed.Add(1)
				w.report(&DecodeError{
					Mailbox: mailbox,
					SeqNum:  d.msg.SeqNum,
					UID:     d.msg.Attrs.UID,
					Err:     d.err,
				})
				continue
			}
			w.deliver(ctx, mailbox, subs, d, stats)
		}
	}()

	for msg := stream.Next(); msg != nil; msg = stream.Next() {
		stats.fetched.Add(1)
		slot := make(chan decoded, 1)
		queue <- slot
		g.Go(func() error {
			slot <- w.decodeOne(msg)
			return nil
		})
	}
	close(queue)
	_ = g.Wait()
	<-done
}

func (w *Watcher) decodeOne(msg *session.Message) (d decoded) {
	d.msg = msg
	defer func() {
		if p := recover(); p != nil {
			d.mail, d.err = nil, fmt.Errorf("panic: %v", p)
		}
	}()

	if msg.Body == nil {
		d.err = errEmptyBody
		return d
	}
	raw, err := io.ReadAll(msg.Body)
	if err != nil {
		d.err = fmt.Errorf("read body: %w", err)
		return d
	}
	parsed, err := w.decoder.Decode(bytes.NewReader(raw))
	if err != nil {
		d.err = err
		return d
	}
	d.mail = &dispatch.Mail{
		Headers: parsed.Header,
		Body: dispatch.Body{
			HTML:       parsed.HTML,
			Text:       parsed.Text,
			TextAsHTML: parsed.TextAsHTML,
		},
		SeqNo: msg.SeqNum,
		UID:   msg.Attrs.UID,
		Raw:   raw,
	}
	return d
}

// deliver dispatches one decoded message to every subscription of the
// mailbox. A failing subscription does not stop the others.
func (w *Watcher) deliver(ctx context.Context, mailbox string, subs []*registry.Subscription, d decoded, stats *batchStats) {
	for _, sub := range subs {
		ev := dispatch.Event{
			EventID: sub.EventID,
			Mailbox: mailbox,
			Date:    d.msg.Attrs.Date,
			Flags:   slices.Clone(d.msg.Attrs.Flags),
			Mail:    *d.mail,
		}
		if err := dispatchEvent(ctx, w.dispatcher, ev); err != nil {
			stats.dispatchFailed.Add(1)
			w.report(&DispatchError{
				EventID: sub.EventID,
				Mailbox: mailbox,
				SeqNum:  d.msg.SeqNum,
				Err:     err,
			})
			continue
		}
		stats.dispatched.Add(1)
	}
}

// dispatchEvent turns a panicking dispatcher into an error.
func dispatchEvent(ctx context.Context, d dispatch.Dispatcher, ev dispatch.Event) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return d.Dispatch(ctx, ev)
}

// claim marks uids in flight for mailbox and returns those that were not
// already claimed by an overlapping batch.
func (w *Watcher) claim(r *run, mailbox string, uids []uint32) []uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	set := r.inflight[mailbox]
	if set == nil {
		set = make(map[uint32]struct{}, len(uids))
		r.inflight[mailbox] = set
	}
	var out []uint32
	for _, uid := range uids {
		if _, busy := set[uid]; busy {
			continue
		}
		set[uid] = struct{}{}
		out = append(out, uid)
	}
	return out
}

func (w *Watcher) release(r *run, mailbox string, uids []uint32) {
	w.mu.Lock()
	defer w.mu.Unlock()
	set := r.inflight[mailbox]
	for _, uid := range uids {
		delete(set, uid)
	}
	if len(set) == 0 {
		delete(r.inflight, mailbox)
	}
}
