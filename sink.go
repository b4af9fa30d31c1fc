package chatsink

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"chatsink/internal/deadletter"
	"chatsink/internal/delivery"
	"chatsink/internal/diag"
	"chatsink/internal/eventbus"
	"chatsink/internal/filter"
	"chatsink/internal/payload"
	"chatsink/internal/record"
	"chatsink/internal/runtime/supervisor"
)

// ErrClosed is returned by Close when the sink was already closed.
var ErrClosed = errors.New("chatsink: sink closed")

// Sink owns the filter, the delivery worker, and everything the worker
// needs. Create one with New, install Handler() into slog, and Close it on
// shutdown to drain what was accepted.
type Sink struct {
	opts     options
	policy   *filter.Policy
	worker   *delivery.Worker
	sup      *supervisor.Supervisor
	counters *diag.Counters
	bus      eventbus.Bus
	dead     deadletter.Store
	cron     *cron.Cron
	closed   atomic.Bool
}

// New builds a Sink delivering to webhookURL. The URL may be empty when a
// WithTelegram destination is configured, or when CHATSINK_WEBHOOK_URL is
// set in the environment.
func New(webhookURL string, opts ...Option) (*Sink, error) {
	o := defaultOptions()
	o.webhookURL = webhookURL
	for _, opt := range opts {
		opt(&o)
	}
	o.applyEnv()

	policy, err := buildPolicy(&o)
	if err != nil {
		return nil, err
	}

	fieldExclude, err := filter.Compile(o.fieldExclude)
	if err != nil {
		return nil, err
	}

	tr := o.transport
	if tr == nil {
		switch {
		case o.telegramToken != "":
			tr, err = delivery.NewTelegram(o.telegramToken, o.telegramChatID, o.telegramThreadID)
			if err != nil {
				return nil, err
			}
		case o.webhookURL != "":
			tr = delivery.NewWebhook(o.webhookURL, o.httpClient, o.compress)
		default:
			return nil, errors.New("chatsink: no destination: set a webhook URL or a telegram token")
		}
	}

	dead, err := deadletter.Open(o.deadLetter, o.log)
	if err != nil {
		return nil, err
	}

	counters := &diag.Counters{}
	bus := eventbus.New()
	fmtr := payload.New(payload.Config{
		Layout:       payload.ParseLayout(o.layout, payload.LayoutText),
		MaxBlocks:    o.blockLimit,
		Username:     o.username,
		Channel:      o.channel,
		IconEmoji:    o.iconEmoji,
		FieldExclude: fieldExclude,
		Log:          o.log,
	})

	worker := delivery.NewWorker(delivery.Config{
		QueueSize:     o.queueSize,
		MaxCount:      o.maxCount,
		MaxAge:        o.maxAge,
		MaxAttempts:   o.maxAttempts,
		RetryBase:     o.retryBase,
		RetryMaxDelay: o.retryMax,
		RatePerSec:    o.ratePerSec,
		SendTimeout:   o.sendTimeout,
		Seed:          o.seed,
	}, tr, fmtr, counters, bus, dead, o.log)

	s := &Sink{
		opts:     o,
		policy:   policy,
		worker:   worker,
		counters: counters,
		bus:      bus,
		dead:     dead,
	}

	s.sup = supervisor.New(context.Background(), supervisor.WithLogger(o.log))
	s.sup.Go("delivery", worker.Run)

	if o.digestSpec != "" {
		c := cron.New()
		if _, err := c.AddFunc(o.digestSpec, s.sendDigest); err != nil {
			s.sup.Cancel()
			s.sup.Wait(context.Background())
			return nil, err
		}
		c.Start()
		s.cron = c
	}

	return s, nil
}

func buildPolicy(o *options) (*filter.Policy, error) {
	match, err := filter.Compile(o.patterns)
	if err != nil {
		return nil, err
	}
	target, err := filter.CompileSet(o.targetInclude, o.targetExclude)
	if err != nil {
		return nil, err
	}
	message, err := filter.CompileSet(o.messageInclude, o.messageExclude)
	if err != nil {
		return nil, err
	}
	fieldKeys, err := filter.CompileSet(o.fieldKeyInclude, o.fieldKeyExclude)
	if err != nil {
		return nil, err
	}
	return &filter.Policy{
		MinLevel:  record.ParseLevel(o.minLevel, record.LevelInfo),
		Match:     match,
		Target:    target,
		Message:   message,
		FieldKeys: fieldKeys,
	}, nil
}

// Handler returns the slog.Handler that feeds this sink. The same sink can
// back several loggers; the handler is safe for concurrent use.
func (s *Sink) Handler() slog.Handler {
	return &handler{sink: s}
}

// Counters returns a point-in-time snapshot of the sink's counters.
func (s *Sink) Counters() diag.Snapshot {
	return s.counters.Snapshot()
}

// WriteMetrics renders the counters in Prometheus text exposition format.
func (s *Sink) WriteMetrics(w io.Writer) error {
	return s.counters.WritePrometheus(w)
}

// Events subscribes to the sink's lifecycle events (drops, deliveries,
// retries, abandonments). The returned unsubscribe func must be called when
// done; the channel is buffered and slow consumers lose events rather than
// stall delivery.
func (s *Sink) Events(buffer int) (<-chan eventbus.Event, func()) {
	return s.bus.Subscribe(buffer)
}

// offer routes an already-built record through the filter and into the
// worker queue. Digest records skip the filter via enqueueDirect.
func (s *Sink) offer(rec *record.Record) {
	s.counters.EventsCaptured.Add(1)
	if !s.policy.Accept(rec) {
		s.counters.EventsFiltered.Add(1)
		return
	}
	s.worker.Enqueue(rec)
}

func (s *Sink) enqueueDirect(rec *record.Record) {
	s.worker.Enqueue(rec)
}

// Close drains the sink: it stops accepting records, flushes the
// accumulating batch, and waits for in-flight deliveries. The wait is
// bounded by ctx, or by the configured shutdown grace when ctx has no
// deadline. After the bound, remaining work is cancelled.
func (s *Sink) Close(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	s.worker.BeginShutdown()

	waitCtx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, s.opts.grace)
		defer cancel()
	}
	err := s.sup.Wait(waitCtx)
	if err != nil {
		s.sup.Cancel()
		s.sup.Wait(context.Background())
	}
	s.bus.Close()
	if s.dead != nil {
		if cerr := s.dead.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return errors.New("chatsink: close timed out before the queue drained")
	}
	return err
}

// sendDigest enqueues a counters summary as a regular record. It bypasses
// the filter so a digest ships even when the threshold would reject INFO.
func (s *Sink) sendDigest() {
	snap := s.counters.Snapshot()
	rec := &record.Record{
		Time:    time.Now(),
		Level:   record.LevelInfo,
		Target:  "chatsink.digest",
		Message: snap.String(),
		Fields: []record.Field{
			{Key: "captured", Value: snap.EventsCaptured},
			{Key: "filtered", Value: snap.EventsFiltered},
			{Key: "dropped", Value: snap.EventsDropped},
			{Key: "delivered", Value: snap.BatchesDelivered},
			{Key: "abandoned", Value: snap.BatchesAbandoned},
		},
	}
	s.enqueueDirect(rec)
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeDigestSent, Time: time.Now(), Data: snap})
}
