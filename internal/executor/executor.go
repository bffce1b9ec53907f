// Package executor performs single delivery attempts: one signed HTTP POST
// per call, outcome durably recorded before returning. Retry policy lives in
// the scheduler; the executor never retries on its own.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/gestagent/hookd/internal/logging"
	"github.com/gestagent/hookd/internal/metrics"
	"github.com/gestagent/hookd/internal/registry"
	"github.com/gestagent/hookd/internal/signing"
	"github.com/gestagent/hookd/internal/stats"
	"github.com/gestagent/hookd/internal/store"
	"github.com/gestagent/hookd/internal/tracing"
)

const (
	sigHeader      = "X-Webhook-Signature"
	eventHeader    = "X-Webhook-Event"
	deliveryHeader = "X-Webhook-Delivery"
	tsHeader       = "X-Webhook-Timestamp"
)

// Executor runs delivery attempts against subscriber endpoints.
type Executor struct {
	client    *http.Client
	store     store.Store
	stats     stats.Recorder
	logger    *logging.Logger
	userAgent string
	maxBody   int
	now       func() time.Time
}

// New builds an Executor. The client's own timeout is left untouched; each
// attempt applies the subscription's per-attempt timeout through the context.
func New(client *http.Client, st store.Store, rec stats.Recorder, logger *logging.Logger, userAgent string, maxBody int) *Executor {
	return &Executor{
		client:    client,
		store:     st,
		stats:     rec,
		logger:    logger,
		userAgent: userAgent,
		maxBody:   maxBody,
		now:       time.Now,
	}
}

// Execute runs exactly one attempt for the delivery and records its outcome.
// The returned delivery is the post-attempt record; callers inspect its state
// and attempt count to decide what happens next.
func (e *Executor) Execute(ctx context.Context, sub registry.Subscription, d store.Delivery) (store.Delivery, error) {
	ctx, span := tracing.StartSpan(ctx, "executor.execute",
		attribute.String("delivery.id", d.ID),
		attribute.String("event.name", d.EventName),
		attribute.String("subscription.id", sub.ID),
		attribute.Int("delivery.attempt", d.Attempts+1),
	)
	defer span.End()

	if !d.Eligible() {
		return d, store.ErrTerminal
	}

	sig, err := signing.Sign(d.Payload, sub.Secret)
	if err != nil {
		// A secret that cannot sign is a configuration fault: every retry
		// would fail identically, so finalize instead of burning the budget.
		return e.failFast(ctx, sub, d, fmt.Sprintf("sign: %v", err))
	}

	out := e.attempt(ctx, sub, d, sig)

	span.SetAttributes(
		attribute.Bool("delivery.success", out.Success),
		attribute.Int("http.status_code", out.Status),
		attribute.Int64("http.latency_ms", out.Duration.Milliseconds()),
	)

	updated, err := e.store.RecordAttempt(ctx, d.ID, out)
	if err != nil {
		e.logger.WithContext(ctx).WithDelivery(d.ID).WithError(err).Error("record attempt failed")
		tracing.SetSpanError(ctx, err)
		return updated, err
	}

	outcome := "failed"
	if out.Success {
		outcome = "delivered"
	}
	metrics.RecordAttempt(outcome, out.Duration.Seconds())

	if out.Success {
		if err := e.stats.RecordSuccess(ctx, sub.ID); err != nil {
			e.logger.WithContext(ctx).WithSubscription(sub.ID).WithError(err).Error("record success stats failed")
		}
		e.logger.WithContext(ctx).WithDelivery(d.ID).WithSubscription(sub.ID).WithFields(map[string]any{
			"status":     out.Status,
			"latency_ms": out.Duration.Milliseconds(),
			"attempt":    updated.Attempts,
		}).Info("delivery succeeded")
		return updated, nil
	}

	if err := e.stats.RecordFailure(ctx, sub.ID); err != nil {
		e.logger.WithContext(ctx).WithSubscription(sub.ID).WithError(err).Error("record failure stats failed")
	}
	e.logger.WithContext(ctx).WithDelivery(d.ID).WithSubscription(sub.ID).WithFields(map[string]any{
		"status":  out.Status,
		"error":   out.Error,
		"attempt": updated.Attempts,
	}).Warn("delivery attempt failed")
	return updated, nil
}

// failFast records a non-retryable attempt and moves the delivery straight
// to failed.
func (e *Executor) failFast(ctx context.Context, sub registry.Subscription, d store.Delivery, detail string) (store.Delivery, error) {
	if _, err := e.store.RecordAttempt(ctx, d.ID, store.AttemptOutcome{Error: detail}); err != nil {
		e.logger.WithContext(ctx).WithDelivery(d.ID).WithError(err).Error("record attempt failed")
		return d, err
	}
	updated, err := e.store.MarkFailed(ctx, d.ID)
	if err != nil && !errors.Is(err, store.ErrTerminal) {
		e.logger.WithContext(ctx).WithDelivery(d.ID).WithError(err).Error("finalize misconfigured delivery failed")
		return updated, err
	}
	metrics.RecordAttempt("failed", 0)
	metrics.RecordTerminalFailure()
	if err := e.stats.RecordFailure(ctx, sub.ID); err != nil {
		e.logger.WithContext(ctx).WithSubscription(sub.ID).WithError(err).Error("record failure stats failed")
	}
	e.logger.WithContext(ctx).WithDelivery(d.ID).WithSubscription(sub.ID).
		WithField("error", detail).Error("delivery misconfigured, failed permanently")
	return updated, nil
}

// attempt sends the signed POST and shapes the raw result into an outcome.
func (e *Executor) attempt(ctx context.Context, sub registry.Subscription, d store.Delivery, sig string) store.AttemptOutcome {
	if t := sub.Timeout(); t > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.EndpointURL, bytes.NewReader(d.Payload))
	if err != nil {
		return store.AttemptOutcome{Error: fmt.Sprintf("build request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", e.userAgent)
	req.Header.Set(sigHeader, sig)
	req.Header.Set(eventHeader, d.EventName)
	req.Header.Set(deliveryHeader, d.ID)
	req.Header.Set(tsHeader, strconv.FormatInt(e.eventTimestamp(d), 10))
	if traceID := tracing.GetTraceID(ctx); traceID != "" {
		req.Header.Set("X-Trace-Id", traceID)
	}

	tracing.AddSpanEvent(ctx, "http.send_webhook")
	start := e.now()
	resp, doErr := e.client.Do(req)
	latency := e.now().Sub(start)

	status := 0
	body := ""
	if doErr == nil {
		status = resp.StatusCode
		b, _ := io.ReadAll(io.LimitReader(resp.Body, int64(e.maxBody)))
		_ = resp.Body.Close()
		body = string(b)
	}

	if doErr == nil && status >= 200 && status < 300 {
		return store.AttemptOutcome{
			Success:  true,
			Status:   status,
			Body:     body,
			Duration: latency,
		}
	}

	reason := ClassifyReason(doErr, status)
	metrics.RecordRetry(reason)
	return store.AttemptOutcome{
		Status:   status,
		Body:     body,
		Error:    failureDetail(reason, doErr, status),
		Duration: latency,
	}
}

// eventTimestamp reads the envelope's created time, so the header carries
// the original event timestamp and stays identical across retries. Falls
// back to the attempt time when the payload is not a well-formed envelope.
func (e *Executor) eventTimestamp(d store.Delivery) int64 {
	var env struct {
		Created string `json:"created"`
	}
	if err := json.Unmarshal(d.Payload, &env); err == nil {
		if t, err := time.Parse(time.RFC3339, env.Created); err == nil {
			return t.Unix()
		}
	}
	return e.now().Unix()
}

func failureDetail(reason string, doErr error, status int) string {
	if doErr != nil {
		return fmt.Sprintf("%s: %v", reason, doErr)
	}
	return fmt.Sprintf("%s: status %d", reason, status)
}

// ClassifyReason buckets an attempt failure for metrics labels.
func ClassifyReason(doErr error, status int) string {
	if doErr != nil {
		errLower := strings.ToLower(doErr.Error())
		if strings.Contains(errLower, "timeout") || strings.Contains(errLower, "deadline exceeded") {
			return "timeout"
		}
		if strings.Contains(errLower, "connection refused") {
			return "connection_refused"
		}
		if strings.Contains(errLower, "no such host") || strings.Contains(errLower, "dns") {
			return "dns_error"
		}
		return "network"
	}
	if status >= 500 {
		return "http_5xx"
	}
	if status == 429 {
		return "http_429"
	}
	if status >= 400 {
		return "http_4xx"
	}
	return "other"
}
