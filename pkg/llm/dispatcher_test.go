package llm

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recapd/recapd/pkg/config"
	"github.com/recapd/recapd/pkg/models"
)

// fakeProvider returns queued errors in order, then succeeds. It tracks the
// in-flight high-water mark and optionally blocks on a gate.
type fakeProvider struct {
	mu   sync.Mutex
	errs []error

	calls       atomic.Int32
	inFlight    atomic.Int32
	maxInFlight atomic.Int32

	gate chan struct{}
	resp Response
}

func (f *fakeProvider) Complete(ctx context.Context, req Request) (Response, error) {
	f.calls.Add(1)
	cur := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		max := f.maxInFlight.Load()
		if cur <= max || f.maxInFlight.CompareAndSwap(max, cur) {
			break
		}
	}

	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return Response{}, ctx.Err()
		}
	}

	f.mu.Lock()
	var err error
	if len(f.errs) > 0 {
		err, f.errs = f.errs[0], f.errs[1:]
	}
	f.mu.Unlock()
	if err != nil {
		return Response{}, err
	}
	resp := f.resp
	if resp.Content == "" {
		resp.Content = "ok"
	}
	return resp, nil
}

func newTestDispatcher(t *testing.T, p Provider, mutate func(*config.Config)) *Dispatcher {
	t.Helper()
	table, err := config.LoadModelTable("")
	require.NoError(t, err)
	cfg := &config.Config{
		Models:          table,
		LLMMaxInFlight:  4,
		LLMMinSpacing:   0,
		LLMMaxRetries:   3,
		LLMRetryBase:    time.Millisecond,
		LLMCallTimeout:  time.Second,
		LLMTotalTimeout: 10 * time.Second,
	}
	if mutate != nil {
		mutate(cfg)
	}
	return NewDispatcher(p, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func testRequest() Request {
	return Request{Model: "gpt-4o-mini", System: "sys", User: "user", MaxOutputTokens: 64}
}

func TestDispatcherBoundsConcurrency(t *testing.T) {
	fake := &fakeProvider{gate: make(chan struct{})}
	d := newTestDispatcher(t, fake, nil)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := d.Complete(context.Background(), testRequest())
			assert.NoError(t, err)
		}()
	}

	// Let the first wave acquire slots, then open the gate.
	time.Sleep(50 * time.Millisecond)
	close(fake.gate)
	wg.Wait()

	assert.LessOrEqual(t, fake.maxInFlight.Load(), int32(4))
	assert.Equal(t, int32(10), fake.calls.Load())
}

func TestDispatcherRetriesTransientFailures(t *testing.T) {
	fake := &fakeProvider{
		errs: []error{models.ErrLLMUnavailable, models.ErrLLMUnavailable},
		resp: Response{Content: "ok", Usage: Usage{PromptTokens: 100, CompletionTokens: 20}},
	}
	d := newTestDispatcher(t, fake, nil)

	res, err := d.Complete(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Content)
	assert.Equal(t, int32(3), fake.calls.Load())

	m := d.Metrics()
	assert.Equal(t, int64(1), m.Calls)
	assert.Equal(t, int64(2), m.Retries)
	assert.Equal(t, int64(0), m.Failures)
	assert.Equal(t, int64(100), m.PromptTokens)
	assert.Equal(t, int64(20), m.CompletionTokens)
}

func TestDispatcherDoesNotRetryRefusal(t *testing.T) {
	fake := &fakeProvider{errs: []error{models.ErrLLMRefused}}
	d := newTestDispatcher(t, fake, nil)

	_, err := d.Complete(context.Background(), testRequest())
	assert.ErrorIs(t, err, models.ErrLLMRefused)
	assert.Equal(t, int32(1), fake.calls.Load())
	assert.Equal(t, int64(1), d.Metrics().Failures)
}

func TestDispatcherExhaustsRetries(t *testing.T) {
	fake := &fakeProvider{errs: []error{
		models.ErrLLMUnavailable, models.ErrLLMUnavailable,
		models.ErrLLMUnavailable, models.ErrLLMUnavailable,
	}}
	d := newTestDispatcher(t, fake, func(c *config.Config) { c.LLMMaxRetries = 2 })

	_, err := d.Complete(context.Background(), testRequest())
	assert.ErrorIs(t, err, models.ErrLLMUnavailable)
	assert.Equal(t, int32(3), fake.calls.Load())
}

func TestDispatcherBackoffJitterRange(t *testing.T) {
	d := newTestDispatcher(t, &fakeProvider{}, func(c *config.Config) {
		c.LLMRetryBase = 10 * time.Millisecond
	})

	// delay = base * 2^(attempt-1) + jitter, jitter in [0, base).
	for i := 0; i < 200; i++ {
		got := d.backoff(1, nil)
		assert.GreaterOrEqual(t, got, 10*time.Millisecond)
		assert.Less(t, got, 20*time.Millisecond)

		got = d.backoff(3, nil)
		assert.GreaterOrEqual(t, got, 40*time.Millisecond)
		assert.Less(t, got, 50*time.Millisecond)
	}
}

func TestDispatcherHonorsRetryAfter(t *testing.T) {
	fake := &fakeProvider{errs: []error{
		&models.RateLimitedError{RetryAfter: 60 * time.Millisecond},
	}}
	d := newTestDispatcher(t, fake, nil)

	start := time.Now()
	_, err := d.Complete(context.Background(), testRequest())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)
	assert.Equal(t, int32(2), fake.calls.Load())
}

func TestDispatcherSpacesDispatches(t *testing.T) {
	fake := &fakeProvider{}
	d := newTestDispatcher(t, fake, func(c *config.Config) {
		c.LLMMinSpacing = 30 * time.Millisecond
	})

	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := d.Complete(context.Background(), testRequest())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	// Three calls occupy slots at 0ms, 30ms, 60ms.
	assert.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)
}

func TestDispatcherResolvesAliasAndCosts(t *testing.T) {
	fake := &fakeProvider{resp: Response{
		Content: "ok",
		Usage:   Usage{PromptTokens: 1000, CompletionTokens: 1000},
	}}
	d := newTestDispatcher(t, fake, nil)

	req := testRequest()
	req.Model = "default"
	res, err := d.Complete(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", res.Meta.Model)
	assert.Greater(t, res.Meta.CostUSD, 0.0)
	assert.Equal(t, 1000, res.Meta.PromptTokens)
}

func TestDispatcherRejectsUnknownModel(t *testing.T) {
	d := newTestDispatcher(t, &fakeProvider{}, nil)
	req := testRequest()
	req.Model = "no-such-model"
	_, err := d.Complete(context.Background(), req)
	assert.ErrorIs(t, err, models.ErrLLMInvalid)
}
