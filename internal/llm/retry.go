package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
	"time"
)

var (
	// ErrRateLimited is returned for HTTP 429 responses.
	ErrRateLimited = errors.New("rate limited")
	// ErrTransient covers 5xx responses, timeouts and dropped connections.
	ErrTransient = errors.New("transient service error")
)

// StatusError is a non-2xx response from the completion service.
type StatusError struct {
	Code int
	Body string
	kind error
}

func (e *StatusError) Error() string {
	body := e.Body
	if len(body) > 512 {
		body = body[:512] + "..."
	}
	return fmt.Sprintf("status %d: %s", e.Code, body)
}

// Unwrap exposes ErrRateLimited or ErrTransient when the status is retryable.
func (e *StatusError) Unwrap() error { return e.kind }

// ClassifyStatus builds the error for a non-2xx status.
func ClassifyStatus(code int, body []byte) error {
	e := &StatusError{Code: code, Body: string(body)}
	switch {
	case code == http.StatusTooManyRequests:
		e.kind = ErrRateLimited
	case code >= 500, code == http.StatusRequestTimeout:
		e.kind = ErrTransient
	}
	return e
}

// IsRetryable reports whether err is worth another attempt.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrTransient)
}

// RetryConfig configures retry behavior.
type RetryConfig struct {
	// MaxAttempts includes the first attempt.
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  5,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
	}
}

// Retry runs fn until it succeeds, returns a non-retryable error, the
// attempts run out or ctx is done. Sleeps grow exponentially with jitter.
func Retry(ctx context.Context, cfg RetryConfig, op string, logger *slog.Logger, fn func(ctx context.Context) error) error {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = 500 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2.0
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !IsRetryable(err) || attempt == cfg.MaxAttempts {
			break
		}

		delay := time.Duration(float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt-1)))
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
		delay = delay/2 + time.Duration(rand.Int64N(int64(delay/2)+1))

		logger.Warn("llm.retry", "op", op, "attempt", attempt, "delay_ms", delay.Milliseconds(), "error", err)
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return fmt.Errorf("%s: %w", op, lastErr)
}
