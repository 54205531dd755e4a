package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/tanxian/huanyu/internal/observability"
	"github.com/tanxian/huanyu/internal/reliability"
)

// ErrEmptySegment marks a segment with nothing speakable left after cleaning.
var ErrEmptySegment = errors.New("empty synthesis segment")

// Stage directions like *笑* are written for the reader, not the voice.
var stageDirections = regexp.MustCompile(`\*[^*]*\*`)

const backoffCap = 5 * time.Second

// Client streams synthesized audio from the per-persona voice servers.
type Client struct {
	baseURLs    map[int]string
	dialer      *net.Dialer
	httpc       *http.Client
	maxRetries  int
	backoffBase time.Duration
	log         *slog.Logger
	metrics     *observability.Metrics
}

func NewClient(baseURLs map[int]string, connectTimeout, requestTimeout time.Duration, maxRetries int, backoffBase time.Duration, log *slog.Logger, metrics *observability.Metrics) *Client {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if backoffBase <= 0 {
		backoffBase = 300 * time.Millisecond
	}
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}
	dialer := &net.Dialer{Timeout: connectTimeout}
	return &Client{
		baseURLs: baseURLs,
		dialer:   dialer,
		httpc: &http.Client{
			Timeout: requestTimeout,
			Transport: &http.Transport{
				DialContext: dialer.DialContext,
			},
		},
		maxRetries:  maxRetries,
		backoffBase: backoffBase,
		log:         log,
		metrics:     metrics,
	}
}

// CleanSegment strips stage directions and surrounding whitespace.
func CleanSegment(text string) string {
	return strings.TrimSpace(stageDirections.ReplaceAllString(text, ""))
}

// Stream synthesizes one segment and returns the audio body. Transient
// failures are retried with doubling backoff; client errors from the voice
// server fail immediately.
func (c *Client) Stream(ctx context.Context, personaID int, text string) (io.ReadCloser, error) {
	base, ok := c.baseURLs[personaID]
	if !ok || base == "" {
		return nil, fmt.Errorf("no voice server for persona %d", personaID)
	}

	text = CleanSegment(text)
	if text == "" {
		return nil, ErrEmptySegment
	}

	payload, err := json.Marshal(map[string]string{
		"text":          text,
		"text_language": "zh",
	})
	if err != nil {
		return nil, fmt.Errorf("marshal synthesis request: %w", err)
	}

	url := strings.TrimRight(base, "/") + "/stream"
	var lastErr error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if attempt > 0 {
			c.metricRetry()
			if err := sleepCtx(ctx, reliability.ExponentialBackoff(attempt-1, c.backoffBase, backoffCap)); err != nil {
				return nil, err
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("create synthesis request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		res, err := c.httpc.Do(req)
		if err != nil {
			if reliability.IsConnectionRefused(err) {
				c.log.Warn("voice server refused connection, is it running?", "url", url, "attempt", attempt+1)
			} else {
				c.log.Warn("synthesis request failed", "url", url, "attempt", attempt+1, "error", err)
			}
			c.metricError("transport")
			lastErr = err
			continue
		}

		if res.StatusCode >= 200 && res.StatusCode < 300 {
			return res.Body, nil
		}

		body, _ := io.ReadAll(io.LimitReader(res.Body, 1<<10))
		res.Body.Close()
		c.metricError(fmt.Sprintf("%d", res.StatusCode))
		lastErr = fmt.Errorf("voice server status %d: %s", res.StatusCode, string(body))

		if !reliability.IsRetryableHTTPStatus(res.StatusCode) {
			return nil, lastErr
		}
		c.log.Warn("synthesis retryable status", "url", url, "status", res.StatusCode, "attempt", attempt+1)
	}

	return nil, fmt.Errorf("synthesis failed after %d attempts: %w", c.maxRetries, lastErr)
}

func (c *Client) metricRetry() {
	if c.metrics != nil {
		c.metrics.TTSRetries.Inc()
	}
}

func (c *Client) metricError(code string) {
	if c.metrics != nil {
		c.metrics.ProviderErrors.WithLabelValues("tts", code).Inc()
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
