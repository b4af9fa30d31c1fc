// Package relay is the chatsink daemon: it tails NDJSON log records on
// stdin and forwards them through a Sink, reloading the sink when the
// config file changes.
package relay

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"chatsink"
	"chatsink/internal/config"
	"chatsink/internal/diag"
	"chatsink/internal/eventbus"
	"chatsink/internal/runtime/supervisor"
	"chatsink/pkg/logx"
)

// App wires the config manager, the sink, and the stdin reader together.
type App struct {
	manager *config.Manager
	log     logx.Logger

	// sink is swapped atomically on config reload; the reader always
	// forwards into whatever is current.
	sink atomic.Pointer[chatsink.Sink]

	sup   *supervisor.Supervisor
	input io.Reader
}

func New(cfgPath string) (*App, error) {
	m := config.NewManager(cfgPath)
	cfg, err := m.Load()
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	log := buildLogger(cfg.Logging)
	m.SetLogger(log)

	s, err := buildSink(cfg, log)
	if err != nil {
		return nil, err
	}

	a := &App{manager: m, log: log, input: os.Stdin}
	a.sink.Store(s)
	return a, nil
}

func buildLogger(lc config.LoggingConfig) logx.Logger {
	level := lc.Level
	if level == "" {
		level = "info"
	}
	if !lc.Console {
		return logx.NewWriter(os.Stderr, level)
	}
	return logx.NewConsole(level)
}

// buildSink maps the file schema onto sink options. Durations were already
// validated, so parse errors here are treated as zero.
func buildSink(cfg *config.Config, log logx.Logger) (*chatsink.Sink, error) {
	opts := []chatsink.Option{
		chatsink.WithLogger(log),
		chatsink.WithMinLevel(orDefault(cfg.Filter.MinLevel, "info")),
		chatsink.WithPattern(cfg.Filter.Patterns...),
		chatsink.WithTargetFilters(cfg.Filter.TargetInclude, cfg.Filter.TargetExclude),
		chatsink.WithMessageFilters(cfg.Filter.MessageInclude, cfg.Filter.MessageExclude),
		chatsink.WithFieldKeyFilters(cfg.Filter.FieldInclude, cfg.Filter.FieldExclude),
		chatsink.WithFieldExclusion(cfg.Payload.FieldExclude...),
		chatsink.WithLayout(orDefault(cfg.Payload.Layout, "text")),
		chatsink.WithIdentity(cfg.Payload.Username, cfg.Payload.Channel, cfg.Payload.IconEmoji),
		chatsink.WithCompression(cfg.Webhook.Compress),
	}
	if cfg.Payload.BlockLimit > 0 {
		opts = append(opts, chatsink.WithBlockLimit(cfg.Payload.BlockLimit))
	}
	if cfg.Delivery.QueueSize > 0 {
		opts = append(opts, chatsink.WithQueueSize(cfg.Delivery.QueueSize))
	}
	if cfg.Delivery.RatePerSec > 0 {
		opts = append(opts, chatsink.WithRatePerSec(cfg.Delivery.RatePerSec))
	}

	maxAge, _ := config.ParseDurationField("delivery.batch_max_age", cfg.Delivery.BatchMaxAge)
	if cfg.Delivery.BatchMaxCount > 0 || maxAge > 0 {
		opts = append(opts, chatsink.WithBatch(cfg.Delivery.BatchMaxCount, maxAge))
	}
	base, _ := config.ParseDurationField("delivery.retry_base", cfg.Delivery.RetryBase)
	maxDelay, _ := config.ParseDurationField("delivery.retry_max_delay", cfg.Delivery.RetryMaxDelay)
	if cfg.Delivery.RetryMax > 0 || base > 0 || maxDelay > 0 {
		opts = append(opts, chatsink.WithRetry(cfg.Delivery.RetryMax, base, maxDelay))
	}
	if timeout, _ := config.ParseDurationField("webhook.timeout", cfg.Webhook.Timeout); timeout > 0 {
		opts = append(opts, chatsink.WithSendTimeout(timeout))
	}

	if cfg.Telegram != nil && cfg.Telegram.Token != "" {
		opts = append(opts, chatsink.WithTelegram(cfg.Telegram.Token, cfg.Telegram.ChatID, cfg.Telegram.ThreadID))
	}
	if dl := cfg.DeadLetter; dl != nil && dl.Driver != "" && dl.Driver != "none" {
		opts = append(opts, chatsink.WithDeadLetter(dl.Driver, dl.Path))
	}
	if cfg.Digest.Enabled {
		opts = append(opts, chatsink.WithDigest(orDefault(cfg.Digest.Cron, config.DefaultDigestCron)))
	}

	return chatsink.New(cfg.Webhook.URL, opts...)
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// Start launches the reader, the config watcher, and the reload loop. It
// returns immediately; use Wait to block.
func (a *App) Start(ctx context.Context) {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.sup.Go("stdin-reader", a.readLoop)
	a.sup.GoRestart("config-watch", a.manager.Watch)
	a.sup.Go("config-reload", a.reloadLoop)
	a.sup.Go("sink-events", a.eventLoop)
}

// Wait blocks until the reader hits EOF, a fatal error occurs, or ctx is
// cancelled.
func (a *App) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-a.sup.Context().Done():
		return a.sup.Err()
	}
}

// Stop drains the current sink and tears down the workers.
func (a *App) Stop(ctx context.Context) error {
	var err error
	if s := a.sink.Swap(nil); s != nil {
		err = s.Close(ctx)
	}
	if a.sup != nil {
		a.sup.Cancel()
		a.sup.Wait(context.Background())
	}

	if err != nil {
		a.log.Warn("sink close", logx.Err(err))
	}
	return err
}

// reloadLoop rebuilds the sink whenever the config manager publishes a new
// config. The old sink drains in the background so no accepted record is
// lost to a reload.
func (a *App) reloadLoop(ctx context.Context) error {
	sub := a.manager.Subscribe(1)
	defer a.manager.Unsubscribe(sub)

	prev := a.manager.Get()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cfg, ok := <-sub:
			if !ok {
				return nil
			}
			for _, line := range config.SummarizeChange(prev, cfg) {
				a.log.Info("config reload", logx.String("section", line))
			}
			prev = cfg

			next, err := buildSink(cfg, a.log)
			if err != nil {
				a.log.Warn("config reload failed; keeping current sink", logx.Err(err))
				continue
			}
			old := a.sink.Swap(next)
			if old != nil {
				go func() {
					cctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
					defer cancel()
					if err := old.Close(cctx); err != nil {
						a.log.Warn("draining replaced sink", logx.Err(err))
					}
				}()
			}
			a.log.Info("sink rebuilt")
		}
	}
}

// eventLoop surfaces the sink's lifecycle events in the relay's own log.
// It resubscribes after a reload since events belong to one sink instance.
func (a *App) eventLoop(ctx context.Context) error {
	for {
		s := a.sink.Load()
		if s == nil {
			return nil
		}
		events, unsub := s.Events(64)
		again := a.drainEvents(ctx, events)
		unsub()
		if !again {
			return ctx.Err()
		}
	}
}

func (a *App) drainEvents(ctx context.Context, events <-chan eventbus.Event) (again bool) {
	for {
		select {
		case <-ctx.Done():
			return false
		case e, ok := <-events:
			if !ok {
				// Channel closed by a sink swap; resubscribe to the new one.
				return true
			}
			a.logEvent(e)
		}
	}
}

func (a *App) logEvent(e eventbus.Event) {
	de, _ := e.Data.(eventbus.DeliveryEvent)
	switch e.Type {
	case eventbus.TypeEventDropped:
		a.log.Warn("record dropped", logx.String("reason", de.Error))
	case eventbus.TypeBatchRetrying:
		a.log.Debug("batch retrying", logx.String("batch", de.BatchID),
			logx.Int("attempt", de.Attempt), logx.Duration("delay", de.Delay))
	case eventbus.TypeBatchAbandoned:
		a.log.Warn("batch abandoned", logx.String("batch", de.BatchID),
			logx.Int("records", de.Records), logx.String("err", de.Error))
	case eventbus.TypeBatchDelivered:
		a.log.Debug("batch delivered", logx.String("batch", de.BatchID),
			logx.Int("records", de.Records))
	}
}

// Counters exposes the current sink's counters, e.g. for a shutdown summary.
func (a *App) Counters() (diag.Snapshot, bool) {
	s := a.sink.Load()
	if s == nil {
		return diag.Snapshot{}, false
	}
	return s.Counters(), true
}
