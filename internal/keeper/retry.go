package keeper

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/http"
	"strings"
	"time"

	"google.golang.org/grpc/codes"

	"github.com/alfredjeanlab/sorotask/internal/client"
)

// ErrMaxRetriesExceeded wraps the last error once a retryable failure has
// used up every attempt.
var ErrMaxRetriesExceeded = errors.New("max retries exceeded")

// RetryPolicy is exponential backoff with jitter.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// Delay returns how long to wait after failed attempt n (0-indexed):
// base*2^n plus up to one base of jitter, capped at MaxDelay.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	d := p.BaseDelay << uint(attempt)
	if attempt > 62 || d>>uint(attempt) != p.BaseDelay || (p.MaxDelay > 0 && d > p.MaxDelay) {
		d = p.MaxDelay
	}
	d += time.Duration(rand.Int64N(int64(p.BaseDelay) + 1))
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Retrier runs a call under a RetryPolicy.
type Retrier struct {
	policy RetryPolicy
	logger *slog.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewRetrier returns a Retrier that waits with real timers.
func NewRetrier(policy RetryPolicy, logger *slog.Logger) *Retrier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Retrier{policy: policy, logger: logger, sleep: sleepCtx}
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

// Do calls fn until it succeeds, fails with a non-retryable error, or runs
// out of attempts. A duplicate-submission error counts as success.
func (r *Retrier) Do(ctx context.Context, fn func(context.Context) error) error {
	for attempt := 0; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			if attempt > 0 {
				r.logger.Info("retry succeeded", "attempt", attempt+1)
			}
			return nil
		}
		if IsDuplicate(err) {
			r.logger.Info("treating duplicate submission as success", "attempt", attempt+1)
			return nil
		}
		if !IsRetryable(err) {
			return err
		}
		if attempt >= r.policy.MaxRetries {
			r.logger.Warn("MAX_RETRIES_EXCEEDED", "retries", r.policy.MaxRetries, "error", err)
			return errors.Join(ErrMaxRetriesExceeded, err)
		}
		delay := r.policy.Delay(attempt)
		r.logger.Info("attempt failed, retrying", "attempt", attempt+1, "delay", delay, "error", err)
		if serr := r.sleep(ctx, delay); serr != nil {
			return errors.Join(serr, err)
		}
	}
}

// IsDuplicate reports whether err means the call was already applied.
func IsDuplicate(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate") || strings.Contains(msg, "already submitted")
}

// IsRetryable reports whether err is transient. Target failures (502 or
// Aborted) and contract errors are not retried; the task is simply
// skipped until the next cycle.
func IsRetryable(err error) bool {
	if err == nil || IsDuplicate(err) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var apiErr *client.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Code != 0 {
			return false
		}
		switch apiErr.StatusCode {
		case http.StatusRequestTimeout, http.StatusTooManyRequests, http.StatusInternalServerError,
			http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return true
		}
		switch apiErr.GRPCCode {
		case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Internal:
			return true
		}
		if apiErr.StatusCode != 0 || apiErr.GRPCCode != codes.OK {
			return false
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, s := range []string{"timeout", "connection", "network", "rate limit", "socket"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
