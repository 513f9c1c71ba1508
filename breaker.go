package gryag

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// Breaker is the process-wide LLM circuit breaker. After threshold
// consecutive failures it opens for cooldown; while open, calls fail
// immediately with ErrLLMUnavailable. A success closes it and resets
// the count. The lock is never held across I/O.
type Breaker struct {
	mu        sync.Mutex
	failures  int
	openUntil time.Time

	threshold int
	cooldown  time.Duration
	now       func() time.Time // test hook
}

// NewBreaker creates a breaker. Zero or negative arguments select the
// defaults (3 failures, 60 s cooldown).
func NewBreaker(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 3
	}
	if cooldown <= 0 {
		cooldown = 60 * time.Second
	}
	return &Breaker{threshold: threshold, cooldown: cooldown, now: time.Now}
}

// Allow reports whether a call may proceed. While open it returns
// ErrLLMUnavailable.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.now().Before(b.openUntil) {
		return ErrLLMUnavailable
	}
	return nil
}

// Open reports whether the circuit is currently open.
func (b *Breaker) Open() bool {
	return b.Allow() != nil
}

// RecordSuccess closes the circuit and resets the failure count.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.openUntil = time.Time{}
}

// RecordFailure counts one failure and opens the circuit once the
// count reaches the threshold. In the half-open state after cooldown a
// single failure re-opens immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if b.failures >= b.threshold {
		b.openUntil = b.now().Add(b.cooldown)
	}
}

func (b *Breaker) observe(err error) {
	if err == nil {
		b.RecordSuccess()
		return
	}
	// Caller cancellation says nothing about provider health. The
	// error usually arrives wrapped by the retry and provider layers.
	if errors.Is(err, context.Canceled) {
		return
	}
	b.RecordFailure()
}

// --- Guarded wrappers ---

// GuardProvider wraps p with breaker checks. Calls fail fast while the
// circuit is open; any provider error after retries surfaces as
// ErrLLMUnavailable and feeds the failure count.
func GuardProvider(p Provider, b *Breaker) Provider {
	return &guardedProvider{p: p, b: b}
}

type guardedProvider struct {
	p Provider
	b *Breaker
}

var _ Provider = (*guardedProvider)(nil)

func (g *guardedProvider) Generate(ctx context.Context, req GenerateRequest) (GenerateResponse, error) {
	if err := g.b.Allow(); err != nil {
		return GenerateResponse{}, err
	}
	resp, err := g.p.Generate(ctx, req)
	g.b.observe(err)
	if err != nil {
		return GenerateResponse{}, fmt.Errorf("%w: %v", ErrLLMUnavailable, err)
	}
	return resp, nil
}

func (g *guardedProvider) GenerateWithTools(ctx context.Context, req GenerateRequest, tools []ToolDefinition) (GenerateResponse, error) {
	if err := g.b.Allow(); err != nil {
		return GenerateResponse{}, err
	}
	resp, err := g.p.GenerateWithTools(ctx, req, tools)
	g.b.observe(err)
	if err != nil {
		return GenerateResponse{}, fmt.Errorf("%w: %v", ErrLLMUnavailable, err)
	}
	return resp, nil
}

func (g *guardedProvider) GenerateWithSearchGrounding(ctx context.Context, query string) (string, error) {
	sg, ok := g.p.(SearchGrounder)
	if !ok {
		return "", fmt.Errorf("%w: provider %s cannot ground searches", ErrLLMUnavailable, g.p.Name())
	}
	if err := g.b.Allow(); err != nil {
		return "", err
	}
	text, err := sg.GenerateWithSearchGrounding(ctx, query)
	g.b.observe(err)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrLLMUnavailable, err)
	}
	return text, nil
}

func (g *guardedProvider) GenerateImage(ctx context.Context, prompt string) ([]byte, string, error) {
	ig, ok := g.p.(ImageGenerator)
	if !ok {
		return nil, "", fmt.Errorf("%w: provider %s cannot generate images", ErrLLMUnavailable, g.p.Name())
	}
	if err := g.b.Allow(); err != nil {
		return nil, "", err
	}
	data, mime, err := ig.GenerateImage(ctx, prompt)
	g.b.observe(err)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrLLMUnavailable, err)
	}
	return data, mime, nil
}

func (g *guardedProvider) Name() string { return g.p.Name() }

// GuardEmbedding wraps e with the breaker and a cooperative concurrency
// bound. parallel <= 0 selects the default width of 8.
func GuardEmbedding(e EmbeddingProvider, b *Breaker, parallel int64) EmbeddingProvider {
	if parallel <= 0 {
		parallel = 8
	}
	return &guardedEmbedding{e: e, b: b, sem: semaphore.NewWeighted(parallel)}
}

type guardedEmbedding struct {
	e   EmbeddingProvider
	b   *Breaker
	sem *semaphore.Weighted
}

var _ EmbeddingProvider = (*guardedEmbedding)(nil)

func (g *guardedEmbedding) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if err := g.b.Allow(); err != nil {
		return nil, err
	}
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer g.sem.Release(1)
	vecs, err := g.e.Embed(ctx, texts)
	g.b.observe(err)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLLMUnavailable, err)
	}
	return vecs, nil
}

func (g *guardedEmbedding) Dimensions() int { return g.e.Dimensions() }
func (g *guardedEmbedding) Name() string    { return g.e.Name() }
