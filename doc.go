// Package chatsink forwards structured log records to a chat webhook.
//
// A Sink installs as a log/slog Handler. On every record the handler applies
// a severity threshold and optional regex filters, then hands accepted
// records to a background worker over a bounded channel; the emitting
// goroutine never blocks and never sees an error. The worker batches records
// by count and age, renders them as a text or block payload, and POSTs them
// to the webhook with retry, backoff, and rate limiting.
//
// Typical use:
//
//	sink, err := chatsink.New(webhookURL,
//		chatsink.WithMinLevel("warn"),
//		chatsink.WithPattern("db"),
//	)
//	if err != nil {
//		// ...
//	}
//	defer sink.Close(context.Background())
//
//	log := slog.New(sink.Handler())
//	log.Warn("db timeout", "query_ms", 5100)
//
// Delivery is best-effort: queued events are lost on crash, and a saturated
// queue drops events rather than stall the host. Everything observable about
// those tradeoffs is exposed through Counters and Events.
package chatsink
