package watcher

import (
	"log/slog"
	"runtime"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/tracyhatemice/mailwatch/internal/decode"
	"github.com/tracyhatemice/mailwatch/internal/dispatch"
	"github.com/tracyhatemice/mailwatch/internal/registry"
)

type options struct {
	instanceID     string
	defaultMailbox string
	markSeen       bool
	initialScan    bool
	decodeLimit    int

	logger     *slog.Logger
	decoder    decode.Decoder
	dispatcher dispatch.Dispatcher
	onError    func(error)

	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
}

func defaultOptions() *options {
	return &options{
		defaultMailbox: registry.DefaultMailbox,
		markSeen:       true,
		initialScan:    true,
		decodeLimit:    runtime.GOMAXPROCS(0),
		decoder:        &decode.MailDecoder{},
	}
}

// Option configures a Watcher.
type Option func(*options)

// WithInstanceID fixes the instance id used in derived event ids.
// Defaults to a random UUID.
func WithInstanceID(id string) Option {
	return func(o *options) { o.instanceID = id }
}

// WithDefaultMailbox sets the mailbox of subscriptions that name none.
func WithDefaultMailbox(name string) Option {
	return func(o *options) { o.defaultMailbox = name }
}

// WithMarkSeen sets whether fetched messages are flagged \Seen (default true).
func WithMarkSeen(v bool) Option {
	return func(o *options) { o.markSeen = v }
}

// WithInitialScan controls the unseen scan run when a mailbox starts being
// watched (default true).
func WithInitialScan(v bool) Option {
	return func(o *options) { o.initialScan = v }
}

// WithDecodeConcurrency bounds concurrent decodes per batch. Values below 1
// keep the default of GOMAXPROCS.
func WithDecodeConcurrency(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.decodeLimit = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithDecoder replaces the MIME decoder.
func WithDecoder(d decode.Decoder) Option {
	return func(o *options) { o.decoder = d }
}

// WithDispatcher replaces the in-process dispatch bus.
func WithDispatcher(d dispatch.Dispatcher) Option {
	return func(o *options) { o.dispatcher = d }
}

// WithErrorHandler receives every reported error. The default logs them.
func WithErrorHandler(fn func(error)) Option {
	return func(o *options) { o.onError = fn }
}

// WithTracerProvider enables tracing with the given provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) { o.tracerProvider = tp }
}

// WithMeterProvider enables metrics with the given provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) { o.meterProvider = mp }
}
