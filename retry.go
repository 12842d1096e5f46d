package caravan

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/rand"
	"time"
)

// retryClient wraps an LLMClient and automatically retries transient
// failures (rate limits, network errors, timeouts, 5xx) with exponential
// backoff.
type retryClient struct {
	inner       LLMClient
	maxAttempts int
	baseDelay   time.Duration
	timeout     time.Duration // overall timeout across all attempts; 0 = no limit
	logger      *slog.Logger
}

// RetryOption configures a retryClient.
type RetryOption func(*retryClient)

// RetryMaxAttempts sets the maximum number of attempts (default: 3).
func RetryMaxAttempts(n int) RetryOption {
	return func(r *retryClient) { r.maxAttempts = n }
}

// RetryBaseDelay sets the initial backoff delay before the second
// attempt (default: 1s). Each subsequent delay doubles.
func RetryBaseDelay(d time.Duration) RetryOption {
	return func(r *retryClient) { r.baseDelay = d }
}

// RetryTimeout caps the total time across all attempts. The zero value
// (default) disables the cap.
func RetryTimeout(d time.Duration) RetryOption {
	return func(r *retryClient) { r.timeout = d }
}

// RetryLogger sets the structured logger for retry events. Retries log
// at WARN; final failures after exhausting attempts log at ERROR.
func RetryLogger(l *slog.Logger) RetryOption {
	return func(r *retryClient) { r.logger = l }
}

// WithRetry wraps c with automatic retry on transient LLM failures.
// Delays use exponential backoff with jitter; when the error carries a
// Retry-After duration, the delay is at least that long. Compose with
// any LLMClient:
//
//	client = caravan.WithRetry(openaicompat.New(baseURL, apiKey))
//	client = caravan.WithRetry(client, caravan.RetryMaxAttempts(5))
func WithRetry(c LLMClient, opts ...RetryOption) LLMClient {
	r := &retryClient{
		inner:       c,
		maxAttempts: 3,
		baseDelay:   time.Second,
		logger:      nopLogger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Generate implements LLMClient with retry.
func (r *retryClient) Generate(ctx context.Context, req GenerateRequest) (*LLMResponse, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	return retryCall(ctx, r.maxAttempts, r.baseDelay, r.logger, func() (*LLMResponse, error) {
		return r.inner.Generate(ctx, req)
	})
}

// GenerateStream implements LLMClient with retry. Attempts are retried
// only while nothing has been forwarded yet; once the consumer has seen
// a chunk, errors pass through to avoid duplicating content.
func (r *retryClient) GenerateStream(ctx context.Context, req GenerateRequest) (<-chan LLMChunk, error) {
	out := make(chan LLMChunk, 16)
	go func() {
		defer close(out)
		ctx, cancel := r.withTimeout(ctx)
		defer cancel()

		var lastErr error
		for i := 0; i < r.maxAttempts; i++ {
			forwarded, err := r.streamOnce(ctx, req, out)
			if err == nil {
				return
			}
			if forwarded || !isTransient(err) {
				deliverErr(ctx, out, err)
				return
			}
			lastErr = err
			r.logger.Warn("retrying transient llm error",
				"status", statusOf(err),
				"attempt", i+1,
				"max_attempts", r.maxAttempts)
			if i < r.maxAttempts-1 {
				delay := retryDelay(r.baseDelay, i, err)
				timer := time.NewTimer(delay)
				select {
				case <-ctx.Done():
					timer.Stop()
					deliverErr(ctx, out, ctx.Err())
					return
				case <-timer.C:
				}
			}
		}
		r.logger.Error("llm retry attempts exhausted (stream)",
			"attempts", r.maxAttempts, "error", lastErr)
		deliverErr(ctx, out, lastErr)
	}()
	return out, nil
}

// streamOnce runs one streaming attempt, forwarding chunks to out. It
// reports whether anything was forwarded and the error that ended the
// attempt, nil on a clean stream end.
func (r *retryClient) streamOnce(ctx context.Context, req GenerateRequest, out chan<- LLMChunk) (bool, error) {
	inner, err := r.inner.GenerateStream(ctx, req)
	if err != nil {
		return false, err
	}
	var forwarded bool
	for chunk := range inner {
		if chunk.Err != nil {
			return forwarded, chunk.Err
		}
		select {
		case out <- chunk:
			forwarded = true
		case <-ctx.Done():
			return forwarded, ctx.Err()
		}
	}
	return forwarded, nil
}

// deliverErr sends a final in-band error chunk unless the consumer is
// already gone.
func deliverErr(ctx context.Context, out chan<- LLMChunk, err error) {
	select {
	case out <- LLMChunk{Err: err}:
	case <-ctx.Done():
	}
}

// CountTokens delegates without retry; estimates are advisory.
func (r *retryClient) CountTokens(ctx context.Context, messages []Message, model string) (int, error) {
	return r.inner.CountTokens(ctx, messages, model)
}

// FormatTools delegates to the inner client.
func (r *retryClient) FormatTools(tools []ToolDefinition) (json.RawMessage, error) {
	return r.inner.FormatTools(tools)
}

// withTimeout returns a child context with a deadline if r.timeout is
// set. If ctx already has an earlier deadline, it is returned unchanged.
func (r *retryClient) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout <= 0 {
		return ctx, func() {}
	}
	deadline := time.Now().Add(r.timeout)
	if existing, ok := ctx.Deadline(); ok && existing.Before(deadline) {
		return ctx, func() {}
	}
	return context.WithDeadline(ctx, deadline)
}

// isTransient reports whether err is worth retrying.
func isTransient(err error) bool {
	var e *LLMError
	return errors.As(err, &e) && e.Retryable()
}

// statusOf extracts the HTTP status from an LLMError, or 0.
func statusOf(err error) int {
	var e *LLMError
	if errors.As(err, &e) {
		return e.Status
	}
	return 0
}

// retryAfterOf extracts the server-requested delay from an LLMError, or 0.
func retryAfterOf(err error) time.Duration {
	var e *LLMError
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

// retryDelay computes the delay before retry attempt i, using
// exponential backoff as a floor and the server's Retry-After value as a
// minimum when present.
func retryDelay(base time.Duration, i int, err error) time.Duration {
	backoff := retryBackoff(base, i)
	if ra := retryAfterOf(err); ra > backoff {
		return ra
	}
	return backoff
}

// retryBackoff returns the delay for retry i (0-indexed).
// Exponential: base * 2^i, plus up to 50% random jitter.
func retryBackoff(base time.Duration, i int) time.Duration {
	exp := base * (1 << i)
	jitter := time.Duration(rand.Int63n(int64(exp)/2 + 1))
	return exp + jitter
}

// retryCall calls fn up to maxAttempts times, sleeping between
// transient failures.
func retryCall[T any](ctx context.Context, maxAttempts int, base time.Duration, logger *slog.Logger, fn func() (T, error)) (T, error) {
	var zero T
	var last error
	for i := 0; i < maxAttempts; i++ {
		result, err := fn()
		if err == nil || !isTransient(err) {
			return result, err
		}
		last = err
		logger.Warn("retrying transient llm error",
			"status", statusOf(err),
			"attempt", i+1,
			"max_attempts", maxAttempts)
		if i < maxAttempts-1 {
			delay := retryDelay(base, i, err)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return zero, ctx.Err()
			case <-timer.C:
			}
		}
	}
	logger.Error("llm retry attempts exhausted", "attempts", maxAttempts, "error", last)
	return zero, last
}

var _ LLMClient = (*retryClient)(nil)
