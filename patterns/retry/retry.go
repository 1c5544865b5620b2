// Package retry 提供带指数退避的重试执行器
package retry

import (
	"context"
	"math"
	"time"
)

// Operation 可重试的操作函数，attempt 从 1 开始
type Operation func(ctx context.Context, attempt int) error

// Config 重试配置
type Config struct {
	MaxAttempts   int           // 最大尝试次数（包括首次）
	InitialDelay  time.Duration // 初始退避延迟
	BackoffFactor float64       // 退避倍数
	MaxDelay      time.Duration // 最大延迟

	// RetryIf 判断错误是否值得重试，为空时所有错误都重试
	RetryIf func(err error) bool
}

// DefaultConfig 返回默认配置：3 次尝试，5ms 起步，倍数 2，上限 200ms
func DefaultConfig() Config {
	return Config{
		MaxAttempts:   3,
		InitialDelay:  5 * time.Millisecond,
		BackoffFactor: 2.0,
		MaxDelay:      200 * time.Millisecond,
	}
}

// Delay 返回第 attempt 次失败后的等待时长
func (c Config) Delay(attempt int) time.Duration {
	factor := c.BackoffFactor
	if factor < 1 {
		factor = 1
	}
	d := time.Duration(float64(c.InitialDelay) * math.Pow(factor, float64(attempt-1)))
	if c.MaxDelay > 0 && d > c.MaxDelay {
		d = c.MaxDelay
	}
	return d
}

// Do 执行带重试的操作
//
// 返回 nil 表示某次尝试成功；否则返回最后一次错误。
// 不可重试的错误与 ctx 取消会立即返回。
func Do(ctx context.Context, op Operation, cfg Config) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := op(ctx, attempt)
		if err == nil {
			return nil
		}
		lastErr = err
		if cfg.RetryIf != nil && !cfg.RetryIf(err) {
			return err
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		timer := time.NewTimer(cfg.Delay(attempt))
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
	return lastErr
}
