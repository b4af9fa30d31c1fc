package delivery

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
)

// Transport performs one delivery attempt of a serialized payload.
// Implementations must be safe for reuse from the single sender goroutine.
type Transport interface {
	// Send posts body and returns nil only for an acknowledged delivery.
	// HTTP-style rejections surface as *StatusError for classification.
	Send(ctx context.Context, body []byte) error
	// Describe names the destination for diagnostics (no secrets).
	Describe() string
}

// Webhook posts JSON payloads to a chat webhook URL.
type Webhook struct {
	url      string
	client   *http.Client
	compress bool
}

func NewWebhook(url string, client *http.Client, compress bool) *Webhook {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Webhook{url: url, client: client, compress: compress}
}

func (t *Webhook) Describe() string {
	// Webhook URLs embed a secret path; keep only the host.
	if i := strings.Index(t.url, "://"); i >= 0 {
		rest := t.url[i+3:]
		if j := strings.IndexByte(rest, '/'); j >= 0 {
			rest = rest[:j]
		}
		return "webhook " + rest
	}
	return "webhook"
}

func (t *Webhook) Send(ctx context.Context, body []byte) error {
	var (
		reader  io.Reader = bytes.NewReader(body)
		encoded bool
	)
	if t.compress {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(body); err == nil && zw.Close() == nil {
			reader = &buf
			encoded = true
		} else {
			// Fall back to the uncompressed body rather than failing the send.
			reader = bytes.NewReader(body)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if encoded {
		req.Header.Set("Content-Encoding", "gzip")
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil
	}

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
	return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
}
