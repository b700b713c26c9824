package chain

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/rpc"

	"chain-insights/internal/metrics"
)

const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = time.Second
)

// RetryPolicy bounds how rate-limited calls are re-issued.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// Delay returns the wait before retry n (1-based). The backoff is linear.
func (p RetryPolicy) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	return p.BaseDelay * time.Duration(n)
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	return p
}

// Classifier decides whether an error is transient and worth retrying.
type Classifier func(err error) bool

var rateLimitSignatures = []string{
	"rate limit",
	"rate-limit",
	"ratelimit",
	"too many requests",
	"request limit",
	"limit exceeded",
	"throttled",
}

// 429 只作为独立的状态码匹配, 避免命中十六进制数据或区块号
var statusTooManyRequests = regexp.MustCompile(`(^|[^0-9a-z])429([^0-9a-z]|$)`)

// IsRateLimited reports whether err looks like provider throttling: an HTTP
// 429, a JSON-RPC limit error code, or a known message signature.
func IsRateLimited(err error) bool {
	if err == nil {
		return false
	}

	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusTooManyRequests {
		return true
	}

	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		switch rpcErr.ErrorCode() {
		case -32005, http.StatusTooManyRequests:
			return true
		}
	}

	msg := strings.ToLower(err.Error())
	for _, sig := range rateLimitSignatures {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return statusTooManyRequests.MatchString(msg)
}

// FailureKind distinguishes why an operation fell back to its default.
type FailureKind string

const (
	FailurePermanent FailureKind = "permanent"
	FailureExhausted FailureKind = "exhausted"
)

// FailureError records an operation that gave up.
type FailureError struct {
	Op       string
	Kind     FailureKind
	Attempts int
	Err      error
}

func (e *FailureError) Error() string {
	return fmt.Sprintf("%s %s after %d attempt(s): %v", e.Op, e.Kind, e.Attempts, e.Err)
}

func (e *FailureError) Unwrap() error {
	return e.Err
}

// withRetry issues call until it succeeds, fails permanently, or MaxAttempts
// calls have been made. Only the caller's context aborts the loop early.
func (c *Client) withRetry(ctx context.Context, op string, call func(context.Context) error) error {
	var lastErr error
	attempts := 0
	for attempts < c.retry.MaxAttempts {
		attempts++
		err := call(ctx)
		if err == nil {
			metrics.RPCCalls.WithLabelValues(op, "ok").Inc()
			if attempts > 1 {
				c.logger.Info().Str("op", op).Int("attempt", attempts).Msg("operation succeeded after retry")
			}
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		lastErr = err

		if !c.classify(err) {
			metrics.RPCCalls.WithLabelValues(op, string(FailurePermanent)).Inc()
			c.logger.Error().Err(err).Str("op", op).Int("attempt", attempts).Msg("non-retryable error, returning default")
			return &FailureError{Op: op, Kind: FailurePermanent, Attempts: attempts, Err: err}
		}

		metrics.RPCCalls.WithLabelValues(op, "rate_limited").Inc()
		if attempts >= c.retry.MaxAttempts {
			break
		}

		delay := c.retry.Delay(attempts)
		c.logger.Warn().Err(err).
			Str("op", op).
			Int("attempt", attempts).
			Int("max_attempts", c.retry.MaxAttempts).
			Dur("retry_in", delay).
			Msg("rate limited, retrying")
		metrics.RPCRetries.WithLabelValues(op).Inc()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.clock.After(delay):
		}
	}

	metrics.RPCCalls.WithLabelValues(op, string(FailureExhausted)).Inc()
	c.logger.Error().Err(lastErr).Str("op", op).Int("attempts", attempts).Msg("retries exhausted, returning default")
	return &FailureError{Op: op, Kind: FailureExhausted, Attempts: attempts, Err: lastErr}
}

// do runs fn through the retry loop and hands back its value.
func do[T any](ctx context.Context, c *Client, op string, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := c.withRetry(ctx, op, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
