// Package webhooks delivers realtime messages to channel-configured HTTP
// endpoints.
package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

const maxAttempts = 3

// defaultBackoff holds the production delays between attempts.
var defaultBackoff = [maxAttempts - 1]time.Duration{
	1 * time.Second,
	2 * time.Second,
}

// Delivery headers identifying the event to the receiver.
const (
	HeaderEvent     = "X-InsForge-Event"
	HeaderChannel   = "X-InsForge-Channel"
	HeaderMessageID = "X-InsForge-Message-Id"
)

// Event is one realtime message bound for delivery.
type Event struct {
	MessageID string
	Channel   string
	EventName string
	Payload   json.RawMessage
}

// Result is the delivery outcome for a single URL. StatusCode is nil when no
// HTTP response was ever received.
type Result struct {
	URL        string `json:"url"`
	Success    bool   `json:"success"`
	StatusCode *int   `json:"statusCode,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Sender posts events to webhook URLs. Network failures are retried with a
// short backoff; an HTTP response of any status is terminal, because the
// receiver saw the request and re-sending would duplicate it.
type Sender struct {
	client  *http.Client
	logger  *slog.Logger
	backoff [maxAttempts - 1]time.Duration // per-instance; tests shorten it
}

func NewSender(logger *slog.Logger) *Sender {
	return &Sender{
		client:  &http.Client{Timeout: 10 * time.Second},
		logger:  logger,
		backoff: defaultBackoff,
	}
}

// SendToAll delivers event to every URL concurrently and returns one Result
// per URL, in input order.
func (s *Sender) SendToAll(ctx context.Context, urls []string, event Event) []Result {
	results := make([]Result, len(urls))
	var wg sync.WaitGroup
	for i, url := range urls {
		wg.Add(1)
		go func(i int, url string) {
			defer wg.Done()
			results[i] = s.send(ctx, url, event)
		}(i, url)
	}
	wg.Wait()
	return results
}

func (s *Sender) send(ctx context.Context, url string, event Event) Result {
	result := Result{URL: url}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				result.Error = ctx.Err().Error()
				return result
			case <-time.After(s.backoff[attempt-1]):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(event.Payload))
		if err != nil {
			result.Error = err.Error()
			return result
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(HeaderEvent, event.EventName)
		req.Header.Set(HeaderChannel, event.Channel)
		req.Header.Set(HeaderMessageID, event.MessageID)

		resp, err := s.client.Do(req)
		if err != nil {
			lastErr = err
			s.logger.Warn("webhook delivery failed",
				"url", url, "attempt", attempt+1, "error", err)
			continue
		}
		resp.Body.Close()

		status := resp.StatusCode
		result.StatusCode = &status
		result.Success = status >= 200 && status < 300
		if !result.Success {
			result.Error = http.StatusText(status)
		}
		return result
	}

	result.Error = lastErr.Error()
	return result
}
