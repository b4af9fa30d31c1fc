package chatsink

import (
	"net/http"
	"os"
	"time"

	"chatsink/internal/deadletter"
	"chatsink/internal/delivery"
	"chatsink/pkg/logx"
)

// Environment fallbacks, checked when the corresponding option is unset.
const (
	EnvWebhookURL = "CHATSINK_WEBHOOK_URL"
	EnvUsername   = "CHATSINK_USERNAME"
	EnvChannel    = "CHATSINK_CHANNEL"
	EnvIconEmoji  = "CHATSINK_ICON_EMOJI"
)

const defaultShutdownGrace = 3 * time.Second

type options struct {
	webhookURL string
	httpClient *http.Client
	compress   bool

	telegramToken    string
	telegramChatID   int64
	telegramThreadID int

	minLevel        string
	patterns        []string
	targetInclude   []string
	targetExclude   []string
	messageInclude  []string
	messageExclude  []string
	fieldKeyInclude []string
	fieldKeyExclude []string

	layout       string
	blockLimit   int
	username     string
	channel      string
	iconEmoji    string
	fieldExclude []string

	queueSize   int
	maxCount    int
	maxAge      time.Duration
	maxAttempts int
	retryBase   time.Duration
	retryMax    time.Duration
	ratePerSec  int
	sendTimeout time.Duration
	seed        int64

	deadLetter deadletter.Config
	digestSpec string

	targetKey     string
	defaultTarget string

	grace time.Duration
	log   logx.Logger

	transport delivery.Transport // test hook
}

// Option configures a Sink.
type Option func(*options)

func defaultOptions() options {
	return options{
		minLevel:      "info",
		targetKey:     "target",
		defaultTarget: "app",
		grace:         defaultShutdownGrace,
		log:           logx.Nop(),
	}
}

func (o *options) applyEnv() {
	if o.webhookURL == "" {
		o.webhookURL = os.Getenv(EnvWebhookURL)
	}
	if o.username == "" {
		o.username = os.Getenv(EnvUsername)
	}
	if o.channel == "" {
		o.channel = os.Getenv(EnvChannel)
	}
	if o.iconEmoji == "" {
		o.iconEmoji = os.Getenv(EnvIconEmoji)
	}
}

// WithMinLevel sets the severity threshold. Records below it are counted as
// filtered and never queued. Accepted values: trace, debug, info, warn, error.
func WithMinLevel(level string) Option {
	return func(o *options) { o.minLevel = level }
}

// WithPattern adds regexes matched against the record target OR message.
// When any pattern is set, a record must match at least one to pass.
func WithPattern(patterns ...string) Option {
	return func(o *options) { o.patterns = append(o.patterns, patterns...) }
}

// WithTargetFilters sets include and exclude regexes applied to the target.
func WithTargetFilters(include, exclude []string) Option {
	return func(o *options) {
		o.targetInclude = include
		o.targetExclude = exclude
	}
}

// WithMessageFilters sets include and exclude regexes applied to the message.
func WithMessageFilters(include, exclude []string) Option {
	return func(o *options) {
		o.messageInclude = include
		o.messageExclude = exclude
	}
}

// WithFieldKeyFilters gates records on the presence of field keys: a record
// passes when some key matches the include set and no key matches the
// exclude set.
func WithFieldKeyFilters(include, exclude []string) Option {
	return func(o *options) {
		o.fieldKeyInclude = include
		o.fieldKeyExclude = exclude
	}
}

// WithFieldExclusion strips fields whose key matches any pattern from the
// rendered payload. Unlike WithFieldKeyFilters this never drops the record.
func WithFieldExclusion(patterns ...string) Option {
	return func(o *options) { o.fieldExclude = append(o.fieldExclude, patterns...) }
}

// WithLayout selects the payload layout, "text" or "blocks".
func WithLayout(layout string) Option {
	return func(o *options) { o.layout = layout }
}

// WithBlockLimit caps blocks per payload; oversized batches split into
// multiple requests.
func WithBlockLimit(n int) Option {
	return func(o *options) { o.blockLimit = n }
}

// WithIdentity sets the sender identity fields carried in the payload.
// Empty strings leave the webhook defaults in place.
func WithIdentity(username, channel, iconEmoji string) Option {
	return func(o *options) {
		o.username = username
		o.channel = channel
		o.iconEmoji = iconEmoji
	}
}

// WithBatch sets the flush thresholds: a batch is sent when it reaches
// maxCount records or its oldest record reaches maxAge.
func WithBatch(maxCount int, maxAge time.Duration) Option {
	return func(o *options) {
		o.maxCount = maxCount
		o.maxAge = maxAge
	}
}

// WithQueueSize bounds the hook-to-worker channel. A full queue drops the
// newest event and increments the dropped counter.
func WithQueueSize(n int) Option {
	return func(o *options) { o.queueSize = n }
}

// WithRetry sets the delivery retry policy. maxAttempts counts all send
// attempts including the first; base and maxDelay shape the exponential
// backoff between them.
func WithRetry(maxAttempts int, base, maxDelay time.Duration) Option {
	return func(o *options) {
		o.maxAttempts = maxAttempts
		o.retryBase = base
		o.retryMax = maxDelay
	}
}

// WithRatePerSec caps outbound requests per second. Zero means unlimited.
func WithRatePerSec(n int) Option {
	return func(o *options) { o.ratePerSec = n }
}

// WithCompression enables gzip-encoded request bodies.
func WithCompression(on bool) Option {
	return func(o *options) { o.compress = on }
}

// WithSendTimeout bounds a single send attempt.
func WithSendTimeout(d time.Duration) Option {
	return func(o *options) { o.sendTimeout = d }
}

// WithHTTPClient replaces the webhook transport's HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithTelegram delivers to a Telegram chat instead of an HTTP webhook.
// The webhook URL argument to New may then be empty.
func WithTelegram(token string, chatID int64, threadID int) Option {
	return func(o *options) {
		o.telegramToken = token
		o.telegramChatID = chatID
		o.telegramThreadID = threadID
	}
}

// WithDeadLetter persists abandoned batches. Driver is "file" or "sqlite".
func WithDeadLetter(driver, path string) Option {
	return func(o *options) {
		o.deadLetter.Driver = driver
		o.deadLetter.Path = path
	}
}

// WithDigest schedules a periodic counters digest on a cron spec, e.g.
// "0 * * * *" for hourly. The digest is delivered like a regular record but
// bypasses filtering.
func WithDigest(cronSpec string) Option {
	return func(o *options) { o.digestSpec = cronSpec }
}

// WithTargetKey sets the attribute key the handler lifts into the record
// target. Default "target".
func WithTargetKey(key string) Option {
	return func(o *options) { o.targetKey = key }
}

// WithDefaultTarget sets the target used when a record carries none.
func WithDefaultTarget(target string) Option {
	return func(o *options) { o.defaultTarget = target }
}

// WithShutdownGrace bounds how long Close waits for in-flight batches when
// its context has no deadline of its own.
func WithShutdownGrace(d time.Duration) Option {
	return func(o *options) { o.grace = d }
}

// WithLogger sets the sink's own diagnostics logger. The default discards
// everything; never point it at a logger that feeds back into this sink.
func WithLogger(log logx.Logger) Option {
	return func(o *options) { o.log = log }
}

func withSeed(seed int64) Option {
	return func(o *options) { o.seed = seed }
}

func withTransport(tr delivery.Transport) Option {
	return func(o *options) { o.transport = tr }
}
