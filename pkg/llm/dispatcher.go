package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/recapd/recapd/pkg/config"
	"github.com/recapd/recapd/pkg/models"
)

// Result is a completed, costed provider call.
type Result struct {
	Content string
	Meta    models.GenerationMeta
}

// Metrics is a snapshot of the dispatcher's lifetime counters, exposed on
// the health endpoint.
type Metrics struct {
	Calls            int64 `json:"calls"`
	Failures         int64 `json:"failures"`
	Retries          int64 `json:"retries"`
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
}

// Dispatcher serializes access to the provider: at most maxInFlight calls at
// once, consecutive dispatches spaced by minSpacing, transient failures
// retried with exponential backoff and jitter.
type Dispatcher struct {
	provider Provider
	table    *config.ModelTable
	logger   *slog.Logger

	sem          *semaphore.Weighted
	minSpacing   time.Duration
	maxRetries   int
	retryBase    time.Duration
	callTimeout  time.Duration
	totalTimeout time.Duration

	mu           sync.Mutex
	nextDispatch time.Time

	calls            atomic.Int64
	failures         atomic.Int64
	retries          atomic.Int64
	promptTokens     atomic.Int64
	completionTokens atomic.Int64
}

// NewDispatcher wires a dispatcher from configuration.
func NewDispatcher(provider Provider, cfg *config.Config, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		provider:     provider,
		table:        cfg.Models,
		logger:       logger.With("component", "llm.dispatcher"),
		sem:          semaphore.NewWeighted(cfg.LLMMaxInFlight),
		minSpacing:   cfg.LLMMinSpacing,
		maxRetries:   cfg.LLMMaxRetries,
		retryBase:    cfg.LLMRetryBase,
		callTimeout:  cfg.LLMCallTimeout,
		totalTimeout: cfg.LLMTotalTimeout,
	}
}

// Complete resolves the model alias, waits for a concurrency slot and the
// spacing gap, then calls the provider with up to maxRetries retries on
// transient failures. The returned Result carries token usage, latency, and
// estimated cost.
func (d *Dispatcher) Complete(ctx context.Context, req Request) (Result, error) {
	model, err := d.table.Resolve(req.Model)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", models.ErrLLMInvalid, err)
	}
	req.Model = model

	ctx, cancel := context.WithTimeout(ctx, d.totalTimeout)
	defer cancel()

	if err := d.sem.Acquire(ctx, 1); err != nil {
		return Result{}, err
	}
	defer d.sem.Release(1)

	start := time.Now()
	resp, attempts, err := d.callWithRetry(ctx, req)
	if err != nil {
		d.failures.Add(1)
		d.logger.Error("LLM call failed",
			"model", req.Model, "attempts", attempts, "error", err)
		return Result{}, err
	}

	d.calls.Add(1)
	d.promptTokens.Add(int64(resp.Usage.PromptTokens))
	d.completionTokens.Add(int64(resp.Usage.CompletionTokens))

	latency := time.Since(start)
	cost := d.table.Cost(model, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	d.logger.Info("LLM call completed",
		"model", model,
		"attempts", attempts,
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens,
		"latency", latency,
		"cost_usd", cost)

	return Result{
		Content: resp.Content,
		Meta: models.GenerationMeta{
			Model:            model,
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			LatencyMS:        latency.Milliseconds(),
			CostUSD:          cost,
		},
	}, nil
}

func (d *Dispatcher) callWithRetry(ctx context.Context, req Request) (Response, int, error) {
	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= d.maxRetries; attempt++ {
		if attempt > 0 {
			delay := d.backoff(attempt, lastErr)
			d.retries.Add(1)
			d.logger.Warn("Retrying LLM call",
				"model", req.Model, "attempt", attempt, "delay", delay, "error", lastErr)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return Response{}, attempts, annotate(lastErr, ctx.Err())
			}
		}

		if err := d.waitSpacing(ctx); err != nil {
			return Response{}, attempts, annotate(lastErr, err)
		}

		attemptCtx, cancel := context.WithTimeout(ctx, d.callTimeout)
		resp, err := d.provider.Complete(attemptCtx, req)
		cancel()
		attempts++
		if err == nil {
			return resp, attempts, nil
		}

		// A per-attempt deadline while the parent is still alive is a slow
		// provider, not caller cancellation.
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("%w: attempt timed out", models.ErrLLMUnavailable)
		}
		lastErr = err
		if !retryable(err) {
			return Response{}, attempts, err
		}
	}
	return Response{}, attempts, fmt.Errorf("%w: retries exhausted: %v", models.ErrLLMUnavailable, lastErr)
}

// waitSpacing enforces the minimum gap between dispatches. Each caller
// claims the next slot under the lock, then sleeps outside it.
func (d *Dispatcher) waitSpacing(ctx context.Context) error {
	if d.minSpacing <= 0 {
		return nil
	}
	d.mu.Lock()
	now := time.Now()
	slot := d.nextDispatch
	if slot.Before(now) {
		slot = now
	}
	d.nextDispatch = slot.Add(d.minSpacing)
	d.mu.Unlock()

	wait := time.Until(slot)
	if wait <= 0 {
		return nil
	}
	select {
	case <-time.After(wait):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// backoff computes base * 2^(attempt-1) plus jitter drawn from [0, base).
// A rate-limit error carrying a Retry-After hint overrides the computed
// delay when longer.
func (d *Dispatcher) backoff(attempt int, lastErr error) time.Duration {
	delay := d.retryBase << (attempt - 1)
	if d.retryBase > 0 {
		delay += time.Duration(rand.Int63n(int64(d.retryBase)))
	}
	var rl *models.RateLimitedError
	if errors.As(lastErr, &rl) && rl.RetryAfter > delay {
		delay = rl.RetryAfter
	}
	return delay
}

func retryable(err error) bool {
	var rl *models.RateLimitedError
	return errors.Is(err, models.ErrLLMUnavailable) || errors.As(err, &rl)
}

// annotate keeps the last provider error visible when the context expires
// mid-retry.
func annotate(lastErr, ctxErr error) error {
	if lastErr == nil {
		return ctxErr
	}
	return fmt.Errorf("%w (last error: %v)", ctxErr, lastErr)
}

// Metrics returns a snapshot of the lifetime counters.
func (d *Dispatcher) Metrics() Metrics {
	return Metrics{
		Calls:            d.calls.Load(),
		Failures:         d.failures.Load(),
		Retries:          d.retries.Load(),
		PromptTokens:     d.promptTokens.Load(),
		CompletionTokens: d.completionTokens.Load(),
	}
}
