// Package delivery owns the asynchronous half of the sink: the bounded
// channel fed by the subscriber hook, batching by count and age, payload
// formatting, and HTTP delivery with retry.
//
// One goroutine (the accumulator) owns the channel receive end and never
// performs I/O; a second goroutine (the sender) works through ready batches
// so a batch waiting out its backoff never stalls ingestion. Each batch walks
// Accumulating -> Ready -> Sending -> Delivered | Retrying | Abandoned; a
// batch is retried or abandoned as a whole, never partially.
//
// Nothing in this package propagates an error back to the emitting call
// site. Failures surface through diag counters, the event bus, and the local
// diagnostics logger.
package delivery
