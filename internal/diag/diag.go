// Package diag holds the sink's observability counters.
//
// Counters are an explicitly passed handle shared by the subscriber hook and
// the delivery worker. They are never implicit process globals: tests inject
// an isolated instance per case, and hosts can expose theirs however they
// like. Reporting happens through the local diagnostics logger or the
// Prometheus text rendering, never back through the capture path.
package diag

import (
	"fmt"
	"io"
	"sync/atomic"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

// Counters is the append-only diagnostics surface of one sink instance.
// All fields are safe for concurrent use.
type Counters struct {
	// EventsCaptured counts every record offered to the hook.
	EventsCaptured atomic.Uint64
	// EventsFiltered counts records rejected by the filter policy.
	EventsFiltered atomic.Uint64
	// EventsDropped counts records lost to a full channel.
	EventsDropped atomic.Uint64
	// BatchesDelivered counts batches acknowledged with a 2xx.
	BatchesDelivered atomic.Uint64
	// BatchesAbandoned counts batches given up on (retry ceiling or
	// non-retryable status).
	BatchesAbandoned atomic.Uint64
	// SendRetries counts individual failed attempts that were rescheduled.
	SendRetries atomic.Uint64
	// FieldsDegraded counts field values replaced with a placeholder.
	FieldsDegraded atomic.Uint64
}

// Snapshot is a point-in-time copy of all counters.
type Snapshot struct {
	EventsCaptured   uint64 `json:"events_captured"`
	EventsFiltered   uint64 `json:"events_filtered"`
	EventsDropped    uint64 `json:"events_dropped"`
	BatchesDelivered uint64 `json:"batches_delivered"`
	BatchesAbandoned uint64 `json:"batches_abandoned"`
	SendRetries      uint64 `json:"send_retries"`
	FieldsDegraded   uint64 `json:"fields_degraded"`
}

func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		EventsCaptured:   c.EventsCaptured.Load(),
		EventsFiltered:   c.EventsFiltered.Load(),
		EventsDropped:    c.EventsDropped.Load(),
		BatchesDelivered: c.BatchesDelivered.Load(),
		BatchesAbandoned: c.BatchesAbandoned.Load(),
		SendRetries:      c.SendRetries.Load(),
		FieldsDegraded:   c.FieldsDegraded.Load(),
	}
}

func (s Snapshot) String() string {
	return fmt.Sprintf("captured=%d filtered=%d dropped=%d delivered=%d abandoned=%d retries=%d degraded=%d",
		s.EventsCaptured, s.EventsFiltered, s.EventsDropped,
		s.BatchesDelivered, s.BatchesAbandoned, s.SendRetries, s.FieldsDegraded)
}

// WritePrometheus renders the counters in the Prometheus text exposition
// format so hosts can splice them into an existing /metrics endpoint.
func (c *Counters) WritePrometheus(w io.Writer) error {
	s := c.Snapshot()
	families := []struct {
		name, help string
		value      uint64
	}{
		{"chatsink_events_captured_total", "Records offered to the subscriber hook.", s.EventsCaptured},
		{"chatsink_events_filtered_total", "Records rejected by the filter policy.", s.EventsFiltered},
		{"chatsink_events_dropped_total", "Records lost to channel backpressure.", s.EventsDropped},
		{"chatsink_batches_delivered_total", "Batches acknowledged by the remote service.", s.BatchesDelivered},
		{"chatsink_batches_abandoned_total", "Batches abandoned after delivery failure.", s.BatchesAbandoned},
		{"chatsink_send_retries_total", "Failed delivery attempts that were rescheduled.", s.SendRetries},
		{"chatsink_fields_degraded_total", "Field values replaced with a placeholder.", s.FieldsDegraded},
	}

	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	counter := dto.MetricType_COUNTER
	for i := range families {
		f := families[i]
		val := float64(f.value)
		mf := &dto.MetricFamily{
			Name: &families[i].name,
			Help: &families[i].help,
			Type: &counter,
			Metric: []*dto.Metric{
				{Counter: &dto.Counter{Value: &val}},
			},
		}
		if err := enc.Encode(mf); err != nil {
			return fmt.Errorf("diag: encode %s: %w", f.name, err)
		}
	}
	return nil
}
