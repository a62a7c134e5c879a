// Package retry runs an operation with capped exponential backoff.
//
// It is used at two levels: short transient backoff inside the API client
// and token manager (hundreds of milliseconds to seconds) and the much
// longer conflict backoff inside the submitter (minutes).
package retry

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/ChuLiYu/beaver-sync/internal/clock"
)

// Policy 重試策略
type Policy struct {
	MaxAttempts int           // 總嘗試次數（含第一次），<=0 視為 1
	BaseDelay   time.Duration // 第一次失敗後的等待時間
	MaxDelay    time.Duration // 單次等待上限，0 表示不設上限
	Multiplier  float64       // 每次失敗後的倍率，<=1 視為 2
	Jitter      float64       // 隨機抖動比例 [0,1)
}

// DefaultTransient is the policy for network errors, 429 and 5xx.
func DefaultTransient() Policy {
	return Policy{
		MaxAttempts: 4,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    10 * time.Second,
		Multiplier:  2,
		Jitter:      0.2,
	}
}

// Delay returns the wait after the given failed attempt (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := p.Multiplier
	if mult <= 1 {
		mult = 2
	}

	d := float64(p.BaseDelay)
	for i := 1; i < attempt; i++ {
		d *= mult
		if p.MaxDelay > 0 && d >= float64(p.MaxDelay) {
			d = float64(p.MaxDelay)
			break
		}
	}
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}

	if p.Jitter > 0 {
		// 對稱抖動：d * (1 ± jitter)
		d += d * p.Jitter * (2*rand.Float64() - 1)
	}
	return time.Duration(d)
}

func (p Policy) attempts() int {
	if p.MaxAttempts <= 0 {
		return 1
	}
	return p.MaxAttempts
}

// ExhaustedError is returned once every attempt failed with a retryable error.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

// Do calls fn until it succeeds, returns an error for which retryable is
// false, or the policy is exhausted. Backoff sleeps observe ctx.
func Do(ctx context.Context, clk clock.Clock, p Policy, retryable func(error) bool, fn func(ctx context.Context, attempt int) error) error {
	max := p.attempts()
	var last error
	for attempt := 1; attempt <= max; attempt++ {
		if err := ctx.Err(); err != nil {
			if last != nil {
				return fmt.Errorf("%w (last error: %v)", err, last)
			}
			return err
		}

		last = fn(ctx, attempt)
		if last == nil {
			return nil
		}
		if !retryable(last) {
			return last
		}
		if attempt == max {
			break
		}

		if err := clock.Sleep(ctx, clk, p.Delay(attempt)); err != nil {
			return fmt.Errorf("%w (last error: %v)", err, last)
		}
	}
	return &ExhaustedError{Attempts: max, Last: last}
}
