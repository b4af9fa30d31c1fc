package payload

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"chatsink/internal/record"
	"chatsink/pkg/logx"
)

// Layout selects the wire rendering of a batch.
type Layout int

const (
	LayoutText Layout = iota
	LayoutBlocks
)

func (l Layout) String() string {
	if l == LayoutBlocks {
		return "blocks"
	}
	return "text"
}

// ParseLayout maps a config string onto a Layout, falling back to def.
func ParseLayout(s string, def Layout) Layout {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "text", "plain":
		return LayoutText
	case "blocks", "block":
		return LayoutBlocks
	default:
		return def
	}
}

// DefaultMaxBlocks matches Slack's documented cap of 50 blocks per message.
const DefaultMaxBlocks = 50

// Placeholder replaces field values that cannot be represented as JSON.
const Placeholder = "<unserializable>"

// Config fixes the formatter behavior for the sink's lifetime.
type Config struct {
	Layout    Layout
	MaxBlocks int

	// Optional sender identity carried in every payload.
	Username  string
	Channel   string
	IconEmoji string

	// FieldExclude strips matching field keys from the rendered output.
	// The record itself still ships.
	FieldExclude []*regexp.Regexp

	Log logx.Logger
}

// Formatter renders batches. It is stateless apart from read-only config and
// is safe for use from the single delivery goroutine.
type Formatter struct {
	cfg Config
}

func New(cfg Config) *Formatter {
	if cfg.MaxBlocks <= 0 {
		cfg.MaxBlocks = DefaultMaxBlocks
	}
	if cfg.Log.IsZero() {
		cfg.Log = logx.Nop()
	}
	return &Formatter{cfg: cfg}
}

// envelope is the webhook wire format. Exactly one of Text or Blocks is set.
type envelope struct {
	Text      string  `json:"text,omitempty"`
	Blocks    []block `json:"blocks,omitempty"`
	Username  string  `json:"username,omitempty"`
	Channel   string  `json:"channel,omitempty"`
	IconEmoji string  `json:"icon_emoji,omitempty"`
}

type block struct {
	Type string    `json:"type"`
	Text blockText `json:"text"`
}

type blockText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Format renders the batch into one or more ready-to-send bodies.
// The returned degraded count is the number of field values replaced with
// Placeholder.
func (f *Formatter) Format(batch []*record.Record) (payloads [][]byte, degraded int) {
	if len(batch) == 0 {
		return nil, 0
	}
	switch f.cfg.Layout {
	case LayoutBlocks:
		return f.formatBlocks(batch)
	default:
		return f.formatText(batch)
	}
}

func (f *Formatter) formatText(batch []*record.Record) ([][]byte, int) {
	var (
		b        strings.Builder
		degraded int
	)
	for i, rec := range batch {
		if i > 0 {
			b.WriteByte('\n')
		}
		degraded += f.writeTextLine(&b, rec)
	}
	body := f.marshalEnvelope(envelope{Text: b.String()})
	return [][]byte{body}, degraded
}

// writeTextLine renders `[LEVEL] target: message {k=v, ...}`.
func (f *Formatter) writeTextLine(b *strings.Builder, rec *record.Record) int {
	fmt.Fprintf(b, "[%s] %s: %s", rec.Level, rec.Target, rec.Message)

	fields := f.visibleFields(rec)
	if len(fields) == 0 {
		return 0
	}
	degraded := 0
	b.WriteString(" {")
	for i, fl := range fields {
		if i > 0 {
			b.WriteString(", ")
		}
		v, ok := renderValue(fl.Value)
		if !ok {
			degraded++
			f.cfg.Log.Warn("field value not serializable, substituting placeholder",
				logx.String("target", rec.Target), logx.String("key", fl.Key))
		}
		b.WriteString(fl.Key)
		b.WriteByte('=')
		b.WriteString(v)
	}
	b.WriteByte('}')
	return degraded
}

func (f *Formatter) formatBlocks(batch []*record.Record) ([][]byte, int) {
	limit := f.cfg.MaxBlocks
	var (
		payloads [][]byte
		degraded int
	)
	for start := 0; start < len(batch); start += limit {
		end := start + limit
		if end > len(batch) {
			end = len(batch)
		}
		blocks := make([]block, 0, end-start)
		for _, rec := range batch[start:end] {
			bl, deg := f.renderSection(rec)
			degraded += deg
			blocks = append(blocks, bl)
		}
		payloads = append(payloads, f.marshalEnvelope(envelope{Blocks: blocks}))
	}
	return payloads, degraded
}

// renderSection renders one record as a single section block: a bold
// level+target header line, the message, a field listing, and the source
// location when known.
func (f *Formatter) renderSection(rec *record.Record) (block, int) {
	var (
		b        strings.Builder
		degraded int
	)
	fmt.Fprintf(&b, "*%s — %s*\n%s", rec.Level, rec.Target, rec.Message)
	for _, fl := range f.visibleFields(rec) {
		v, ok := renderValue(fl.Value)
		if !ok {
			degraded++
			f.cfg.Log.Warn("field value not serializable, substituting placeholder",
				logx.String("target", rec.Target), logx.String("key", fl.Key))
		}
		fmt.Fprintf(&b, "\n• *%s*: %s", fl.Key, v)
	}
	if rec.Source != "" {
		fmt.Fprintf(&b, "\n_%s_", rec.Source)
	}
	return block{Type: "section", Text: blockText{Type: "mrkdwn", Text: b.String()}}, degraded
}

func (f *Formatter) visibleFields(rec *record.Record) []record.Field {
	if len(f.cfg.FieldExclude) == 0 {
		return rec.Fields
	}
	out := make([]record.Field, 0, len(rec.Fields))
outer:
	for _, fl := range rec.Fields {
		for _, re := range f.cfg.FieldExclude {
			if re.MatchString(fl.Key) {
				continue outer
			}
		}
		out = append(out, fl)
	}
	return out
}

func (f *Formatter) marshalEnvelope(env envelope) []byte {
	env.Username = f.cfg.Username
	env.Channel = f.cfg.Channel
	env.IconEmoji = f.cfg.IconEmoji
	body, err := json.Marshal(env)
	if err != nil {
		// Envelope fields are all strings and pre-rendered text; this cannot
		// fail for real inputs. Keep the batch alive regardless.
		f.cfg.Log.Error("payload marshal failed", logx.Err(err))
		fallback, _ := json.Marshal(envelope{Text: Placeholder})
		return fallback
	}
	return body
}

// renderValue produces the textual form of a field value. The bool result is
// false when the value could not be represented and the placeholder was used.
func renderValue(v any) (string, bool) {
	switch x := v.(type) {
	case nil:
		return "null", true
	case string:
		return x, true
	case error:
		return x.Error(), true
	case fmt.Stringer:
		return x.String(), true
	}
	b, err := json.Marshal(v)
	if err != nil {
		return Placeholder, false
	}
	return string(b), true
}
