package delivery

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"chatsink/internal/deadletter"
	"chatsink/internal/diag"
	"chatsink/internal/eventbus"
	"chatsink/internal/payload"
	"chatsink/internal/record"
	"chatsink/pkg/logx"
)

// Config fixes the worker behavior for the sink's lifetime.
//
// Zero values fall back to the defaults below.
type Config struct {
	// QueueSize bounds the hook-to-worker channel. Default 1024.
	QueueSize int
	// MaxCount flushes a batch when it reaches this many records. Default 16.
	MaxCount int
	// MaxAge flushes a batch once its oldest record is this old. Default 3s.
	MaxAge time.Duration
	// MaxAttempts is the retry ceiling: total send attempts per payload.
	// Default 4 (one initial attempt plus three retries).
	MaxAttempts int
	// RetryBase is the first backoff delay. Default 500ms.
	RetryBase time.Duration
	// RetryMaxDelay caps the backoff. Default 10s.
	RetryMaxDelay time.Duration
	// PendingBatches bounds ready batches waiting on the sender. Default 8.
	PendingBatches int
	// RatePerSec caps outbound sends (chat webhooks are rate limited).
	// 0 disables the limiter.
	RatePerSec int
	// SendTimeout bounds one delivery attempt. Default 10s.
	SendTimeout time.Duration
	// Seed fixes the jitter source; 0 seeds from the clock.
	Seed int64
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.MaxCount <= 0 {
		c.MaxCount = 16
	}
	if c.MaxAge <= 0 {
		c.MaxAge = 3 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 4
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 10 * time.Second
	}
	if c.PendingBatches <= 0 {
		c.PendingBatches = 8
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	return c
}

// batch states, for logging and the event bus.
type batchState int8

const (
	stateAccumulating batchState = iota
	stateReady
	stateSending
	stateDelivered
	stateRetrying
	stateAbandoned
)

func (s batchState) String() string {
	switch s {
	case stateAccumulating:
		return "accumulating"
	case stateReady:
		return "ready"
	case stateSending:
		return "sending"
	case stateDelivered:
		return "delivered"
	case stateRetrying:
		return "retrying"
	case stateAbandoned:
		return "abandoned"
	default:
		return "unknown"
	}
}

type batchJob struct {
	id      string
	records []*record.Record
	state   batchState
}

// Worker drains the record channel, batches, formats, and delivers.
type Worker struct {
	cfg      Config
	tr       Transport
	fmtr     *payload.Formatter
	counters *diag.Counters
	bus      eventbus.Bus
	log      logx.Logger
	dead     deadletter.Store

	limiter *rate.Limiter
	backoff Backoff
	rng     *rand.Rand // sender goroutine only

	in        chan *record.Record
	closed    atomic.Bool
	enqueueWG sync.WaitGroup
}

// NewWorker wires a worker. tr, fmtr and counters are required; bus, log and
// dead are optional.
func NewWorker(cfg Config, tr Transport, fmtr *payload.Formatter, counters *diag.Counters, bus eventbus.Bus, dead deadletter.Store, log logx.Logger) *Worker {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	w := &Worker{
		cfg:      cfg,
		tr:       tr,
		fmtr:     fmtr,
		counters: counters,
		bus:      bus,
		log:      log,
		dead:     dead,
		backoff:  Backoff{Base: cfg.RetryBase, Max: cfg.RetryMaxDelay},
		rng:      rand.New(rand.NewSource(seed)),
		in:       make(chan *record.Record, cfg.QueueSize),
	}
	if cfg.RatePerSec > 0 {
		// Token bucket: burst = rate per sec, so short spikes don't block too hard.
		w.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	}
	return w
}

// Enqueue offers one record to the worker without ever blocking the caller.
// It returns false when the record was dropped (queue full or shutting down);
// the drop is already counted and published when that happens.
func (w *Worker) Enqueue(rec *record.Record) bool {
	if w.closed.Load() {
		w.noteDrop(ErrStopped)
		return false
	}
	w.enqueueWG.Add(1)
	defer w.enqueueWG.Done()
	if w.closed.Load() {
		w.noteDrop(ErrStopped)
		return false
	}
	select {
	case w.in <- rec:
		return true
	default:
		w.noteDrop(ErrQueueFull)
		return false
	}
}

func (w *Worker) noteDrop(cause error) {
	w.counters.EventsDropped.Add(1)
	if w.bus != nil {
		w.bus.Publish(eventbus.Event{
			Type: eventbus.TypeEventDropped,
			Data: eventbus.DeliveryEvent{Records: 1, Error: cause.Error()},
		})
	}
}

// BeginShutdown stops intake and closes the channel once in-flight enqueues
// settle. After this, Run drains what is already queued (its final flush) and
// returns. Idempotent.
func (w *Worker) BeginShutdown() {
	if w.closed.CompareAndSwap(false, true) {
		w.enqueueWG.Wait()
		close(w.in)
	}
}

// Run is the worker loop. It returns nil after a graceful drain (channel
// closed) or ctx.Err() when cancelled. Run must only be called once.
func (w *Worker) Run(ctx context.Context) error {
	sendq := make(chan *batchJob, w.cfg.PendingBatches)
	var senderWG sync.WaitGroup
	senderWG.Add(1)
	go func() {
		defer senderWG.Done()
		for j := range sendq {
			w.deliverSafe(ctx, j)
		}
	}()

	// The age check only needs to be as fine-grained as a fraction of MaxAge.
	tick := w.cfg.MaxAge / 4
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	if tick > time.Second {
		tick = time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	var (
		batch  []*record.Record
		oldest time.Time
	)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		w.dispatch(sendq, batch)
		batch = nil
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			close(sendq)
			senderWG.Wait()
			return ctx.Err()

		case rec, ok := <-w.in:
			if !ok {
				// Graceful shutdown: final best-effort flush.
				flush()
				close(sendq)
				senderWG.Wait()
				return nil
			}
			if len(batch) == 0 {
				oldest = time.Now()
			}
			batch = append(batch, rec)
			if len(batch) >= w.cfg.MaxCount {
				flush()
			}

		case <-ticker.C:
			if len(batch) > 0 && time.Since(oldest) >= w.cfg.MaxAge {
				flush()
			}
		}
	}
}

// dispatch hands a ready batch to the sender. The accumulator must never
// block on a slow sender, so an overflowing pending queue abandons the batch.
func (w *Worker) dispatch(sendq chan *batchJob, records []*record.Record) {
	j := &batchJob{id: uuid.NewString(), records: records, state: stateReady}
	select {
	case sendq <- j:
	default:
		w.abandon(j, nil, 0, fmt.Errorf("pending batch queue full (%d)", w.cfg.PendingBatches))
	}
}

// deliverSafe contains transport panics: the batch is abandoned and the
// sender keeps running. Transports are an extension point and must not be
// able to take the host process down.
func (w *Worker) deliverSafe(ctx context.Context, j *batchJob) {
	defer func() {
		if p := recover(); p != nil {
			if j.state != stateDelivered && j.state != stateAbandoned {
				w.abandon(j, nil, 0, fmt.Errorf("delivery panic: %v", p))
			}
		}
	}()
	w.deliver(ctx, j)
}

func (w *Worker) deliver(ctx context.Context, j *batchJob) {
	j.state = stateSending
	payloads, degraded := w.fmtr.Format(j.records)
	if degraded > 0 {
		w.counters.FieldsDegraded.Add(uint64(degraded))
	}

	attempts := 0
	for _, body := range payloads {
		n, err := w.sendWithRetry(ctx, j, body)
		attempts += n
		if err != nil {
			w.abandon(j, body, attempts, err)
			return
		}
	}

	j.state = stateDelivered
	w.counters.BatchesDelivered.Add(1)
	w.publish(eventbus.TypeBatchDelivered, j, attempts, 0, nil)
	w.log.Debug("batch delivered",
		logx.String("batch", j.id), logx.Int("records", len(j.records)),
		logx.Int("attempts", attempts), logx.Int("payloads", len(payloads)))
}

// sendWithRetry delivers one payload, retrying transient failures with
// backoff until the attempt ceiling. It returns the attempts used.
func (w *Worker) sendWithRetry(ctx context.Context, j *batchJob, body []byte) (int, error) {
	for attempt := 1; ; attempt++ {
		if w.limiter != nil {
			if err := w.limiter.Wait(ctx); err != nil {
				return attempt - 1, err
			}
		}

		cctx, cancel := context.WithTimeout(ctx, w.cfg.SendTimeout)
		err := w.tr.Send(cctx, body)
		cancel()
		if err == nil {
			return attempt, nil
		}
		if ctx.Err() != nil {
			return attempt, ctx.Err()
		}
		if !retryable(err) {
			return attempt, fmt.Errorf("not retryable: %w", err)
		}
		if attempt >= w.cfg.MaxAttempts {
			return attempt, fmt.Errorf("retry ceiling reached after %d attempts: %w", attempt, err)
		}

		j.state = stateRetrying
		w.counters.SendRetries.Add(1)
		delay := w.backoff.Delay(attempt, w.rng)
		w.publish(eventbus.TypeBatchRetrying, j, attempt, delay, err)
		w.log.Debug("send retry scheduled",
			logx.String("batch", j.id), logx.Int("attempt", attempt+1),
			logx.Duration("delay", delay), logx.Err(err))

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			if !t.Stop() {
				<-t.C
			}
			return attempt, ctx.Err()
		case <-t.C:
		}
		j.state = stateSending
	}
}

func (w *Worker) abandon(j *batchJob, body []byte, attempts int, cause error) {
	j.state = stateAbandoned
	w.counters.BatchesAbandoned.Add(1)
	w.publish(eventbus.TypeBatchAbandoned, j, attempts, 0, cause)
	w.log.Warn("batch abandoned",
		logx.String("batch", j.id), logx.Int("records", len(j.records)),
		logx.Int("attempts", attempts), logx.Err(cause))

	if w.dead == nil {
		return
	}
	// Shutdown may already have cancelled the run context; give the store its
	// own short deadline.
	cctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := w.dead.Put(cctx, deadletter.Entry{
		ID:        j.id,
		At:        time.Now(),
		Records:   len(j.records),
		Attempts:  attempts,
		LastError: cause.Error(),
		Payload:   body,
	})
	if err != nil {
		w.log.Warn("dead-letter write failed", logx.String("batch", j.id), logx.Err(err))
	}
}

func (w *Worker) publish(typ string, j *batchJob, attempt int, delay time.Duration, cause error) {
	if w.bus == nil {
		return
	}
	ev := eventbus.DeliveryEvent{BatchID: j.id, Records: len(j.records), Attempt: attempt, Delay: delay}
	if cause != nil {
		ev.Error = cause.Error()
	}
	w.bus.Publish(eventbus.Event{Type: typ, Data: ev})
}
