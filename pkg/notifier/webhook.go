// Package notifier implements the two delivery paths of the Notifier
// (SPEC_FULL.md §4.10): a retrying webhook sink and a websocket push
// fan-out keyed by application id.
package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/gk2work/identaur/pkg/apperr"
	"github.com/gk2work/identaur/pkg/resilience"
)

const webhookAttemptTimeout = 10 * time.Second

var successStatusCodes = map[int]bool{
	http.StatusOK:        true,
	http.StatusCreated:   true,
	http.StatusAccepted:  true,
	http.StatusNoContent: true,
}

// Payload is the JSON body posted to a webhook URL.
type Payload struct {
	Event     string      `json:"event"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// WebhookSink delivers events to caller-supplied URLs with bounded
// retry.
type WebhookSink struct {
	client  *http.Client
	retrier *resilience.Retrier
	log     *zap.Logger
}

// NewWebhookSink builds a WebhookSink. sink may be nil to discard
// exhausted deliveries rather than recording them in a dead-letter.
func NewWebhookSink(sink *resilience.DeadLetterSink, log *zap.Logger) *WebhookSink {
	if log == nil {
		log = zap.NewNop()
	}
	retryCfg := resilience.RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 2 * time.Second,
		MaxDelay:     8 * time.Second,
		Base:         2.0,
		Jitter:       false,
		Retryable: func(err error) bool {
			e, ok := apperr.As(err)
			return ok && e.Retryable()
		},
	}
	return &WebhookSink{
		client:  &http.Client{},
		retrier: resilience.NewRetrier(retryCfg, sink, log),
		log:     log,
	}
}

// Send posts {event, timestamp, data} to url, retrying any response
// other than 200, 201, 202 or 204, and transport errors, up to 3
// attempts with a 10s-per-attempt timeout. Such a response is a
// delivery failure but is not treated specially beyond the configured
// retry budget.
func (w *WebhookSink) Send(ctx context.Context, url, event string, data interface{}, now time.Time) error {
	body, err := json.Marshal(Payload{Event: event, Timestamp: now, Data: data})
	if err != nil {
		return fmt.Errorf("notifier: marshal webhook payload: %w", err)
	}

	return w.retrier.Do(ctx, "notifier-webhook", func(ctx context.Context) error {
		attemptCtx, cancel := context.WithTimeout(ctx, webhookAttemptTimeout)
		defer cancel()

		req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return apperr.Wrap(apperr.KindProcessingFailed, "build webhook request", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := w.client.Do(req)
		if err != nil {
			return apperr.Wrap(apperr.KindProcessingFailed, "deliver webhook", err)
		}
		defer func() {
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
		}()

		if !successStatusCodes[resp.StatusCode] {
			return apperr.New(apperr.KindProcessingFailed, fmt.Sprintf("webhook responded with status %d", resp.StatusCode))
		}
		return nil
	})
}
