package llm

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/mudler/xlog"
	"github.com/ollama/ollama/api"
	"github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	defaultRetries      = 2
	defaultRetryBackoff = 1500 * time.Millisecond
	defaultCallTimeout  = 2 * time.Minute
)

type RetryConfig struct {
	// Retries is the number of extra attempts. Zero disables retrying; negative uses the default.
	Retries int
	Backoff time.Duration
	// Timeout bounds each attempt, not the whole call.
	Timeout time.Duration
}

type RetryClient struct {
	next    Client
	retries int
	backoff time.Duration
	timeout time.Duration
}

func WithRetry(next Client, cfg RetryConfig) *RetryClient {
	retries := cfg.Retries
	if retries < 0 {
		retries = defaultRetries
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = defaultRetryBackoff
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	return &RetryClient{next: next, retries: retries, backoff: backoff, timeout: timeout}
}

func (c *RetryClient) Complete(ctx context.Context, req Request) (string, error) {
	ctx, span := otel.Tracer("research_agent/llm").Start(ctx, "llm.complete")
	defer span.End()
	span.SetAttributes(attribute.Bool("llm.json", req.JSON), attribute.Int("llm.prompt_len", len(req.Prompt)))

	var lastErr error
	for attempt := 1; attempt <= c.retries+1; attempt++ {
		text, err := c.completeOnce(ctx, req)
		if err == nil {
			span.SetAttributes(attribute.Int("llm.attempts", attempt))
			return text, nil
		}
		lastErr = err
		if ctx.Err() != nil || !IsRetryable(err) || attempt == c.retries+1 {
			break
		}
		wait := time.Duration(attempt) * c.backoff
		xlog.Warn("llm completion retry", "attempt", attempt, "wait", wait, "reason", err)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			span.RecordError(ctx.Err())
			return "", ctx.Err()
		case <-timer.C:
		}
	}
	if lastErr == nil {
		lastErr = errors.New("unknown llm completion error")
	}
	span.RecordError(lastErr)
	span.SetStatus(codes.Error, lastErr.Error())
	return "", lastErr
}

func (c *RetryClient) completeOnce(ctx context.Context, req Request) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.next.Complete(callCtx, req)
}

// IsRetryable reports whether err is a transient transport or server failure.
func IsRetryable(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return retryableStatus(apiErr.HTTPStatusCode)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return retryableStatus(reqErr.HTTPStatusCode)
	}
	var ollamaErr api.StatusError
	if errors.As(err, &ollamaErr) {
		return retryableStatus(ollamaErr.StatusCode)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return false
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
}
