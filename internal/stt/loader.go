package stt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/loqalabs/loqa-scribe/internal/config"
)

// LoadConfig bounds model initialization.
type LoadConfig struct {
	Timeout     time.Duration
	MaxAttempts int
	Backoff     time.Duration
}

func LoadConfigFromSTT(cfg config.STTConfig) LoadConfig {
	return LoadConfig{
		Timeout:     time.Duration(cfg.LoadTimeoutMS) * time.Millisecond,
		MaxAttempts: cfg.LoadAttempts,
		Backoff:     time.Duration(cfg.LoadBackoffMS) * time.Millisecond,
	}
}

// Load initializes modelID on r, retrying transient failures with
// exponential backoff until MaxAttempts or Timeout is exhausted. Failures are
// returned as *LoadError; an exceeded timeout wraps ErrTimeout.
func Load(ctx context.Context, r Recognizer, modelID string, opts Options, cfg LoadConfig, log *slog.Logger) (Handle, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Minute
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = time.Second
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = cfg.Backoff
	policy.MaxInterval = 8 * cfg.Backoff

	attempts := 0
	operation := func() (Handle, error) {
		attempts++
		h, err := initializeBounded(ctx, r, modelID, opts)
		if err == nil {
			return h, nil
		}
		if errors.Is(err, ErrModelNotFound) || errors.Is(err, ErrUnsupported) {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}

	handle, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(cfg.MaxAttempts)),
		backoff.WithMaxElapsedTime(cfg.Timeout),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Warn("recognizer load failed, retrying",
				slog.String("model", modelID),
				slog.Int("attempt", attempts),
				slog.Duration("retry_in", next),
				slogError(err))
		}),
	)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, ErrTimeout) {
			err = fmt.Errorf("%w after %s: %w", ErrTimeout, cfg.Timeout, err)
		}
		return nil, &LoadError{Model: modelID, Attempts: attempts, Err: err}
	}
	log.Info("recognizer ready", slog.String("model", handle.Model()), slog.Int("attempts", attempts))
	return handle, nil
}

// initializeBounded returns when ctx is done even if the backend ignores it.
// A handle that arrives after the deadline is closed.
func initializeBounded(ctx context.Context, r Recognizer, modelID string, opts Options) (Handle, error) {
	type outcome struct {
		h   Handle
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		h, err := r.Initialize(ctx, modelID, opts)
		done <- outcome{h, err}
	}()

	select {
	case out := <-done:
		return out.h, out.err
	case <-ctx.Done():
		go func() {
			if out := <-done; out.h != nil {
				_ = out.h.Close()
			}
		}()
		return nil, fmt.Errorf("initialize %q: %w", modelID, ErrTimeout)
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
