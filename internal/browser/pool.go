// Package browser manages a bounded pool of headless-browser handles.
// The browser engine itself (CDP or similar) is an external dependency
// injected behind the Engine interface; the pool owns rotation and failure
// discipline so scrape nodes can stay oblivious to renderer drift.
package browser

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fairyhunter13/shopwatch/internal/adapter/observability"
	"github.com/fairyhunter13/shopwatch/internal/domain"
)

// Engine creates browser contexts. Implementations wrap a real headless
// browser process.
type Engine interface {
	NewContext(ctx context.Context) (BrowsingContext, error)
	Close(ctx context.Context) error
}

// BrowsingContext is an isolated cookie/cache scope able to open pages.
type BrowsingContext interface {
	NewPage(ctx context.Context) (Page, error)
	Close(ctx context.Context) error
}

// Page is a single tab. Navigate returns the serialized document.
type Page interface {
	Navigate(ctx context.Context, url string) (string, error)
	Close(ctx context.Context) error
}

// Config tunes pool behavior. The zero value is unusable; use Defaults.
type Config struct {
	// Size bounds concurrent handles. Default 1 to throttle site load.
	Size int
	// PageRotation recreates the page after this many navigations.
	PageRotation int
	// ContextRotation recreates the browsing context after this many
	// navigations.
	ContextRotation int
	// MaxConsecutiveFailures destroys a handle after this many scrape
	// failures in a row.
	MaxConsecutiveFailures int
}

// Defaults fills zero fields with safe values.
func (c Config) Defaults() Config {
	if c.Size <= 0 {
		c.Size = 1
	}
	if c.PageRotation <= 0 {
		c.PageRotation = 30
	}
	if c.ContextRotation <= 0 {
		c.ContextRotation = 120
	}
	if c.MaxConsecutiveFailures <= 0 {
		c.MaxConsecutiveFailures = 3
	}
	return c
}

// Handle is one leased browser page plus its rotation counters. A handle is
// owned by exactly one caller between Acquire and Release.
type Handle struct {
	bc   BrowsingContext
	page Page

	pageUses    int
	contextUses int
	failures    int

	// released guards against double-release; it travels with the handle so
	// a destroyed handle leaves no state behind in the pool.
	released bool
}

// Navigate loads a URL through the handle's page, counting uses for
// rotation.
func (h *Handle) Navigate(ctx context.Context, url string) (string, error) {
	h.pageUses++
	h.contextUses++
	return h.page.Navigate(ctx, url)
}

// Pool is a bounded browser handle pool with rotation counters and a
// max-consecutive-failure circuit breaker.
type Pool struct {
	engine Engine
	cfg    Config

	mu     sync.Mutex
	idle   []*Handle
	slots  chan struct{}
	closed bool
}

// NewPool builds a pool over the given engine. Handles are created lazily
// on first acquire.
func NewPool(engine Engine, cfg Config) *Pool {
	cfg = cfg.Defaults()
	return &Pool{
		engine: engine,
		cfg:    cfg,
		slots:  make(chan struct{}, cfg.Size),
	}
}

// Acquire blocks until a handle slot is free, then returns a healthy handle.
// It fails fast after Cleanup.
func (p *Pool) Acquire(ctx context.Context) (*Handle, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, fmt.Errorf("op=browser.Acquire: pool closed: %w", domain.ErrResourceExhausted)
	}
	p.mu.Unlock()

	start := time.Now()
	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("op=browser.Acquire: %w", ctx.Err())
	}
	observability.BrowserAcquireWait.Observe(time.Since(start).Seconds())

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.slots
		return nil, fmt.Errorf("op=browser.Acquire: pool closed: %w", domain.ErrResourceExhausted)
	}
	var h *Handle
	if n := len(p.idle); n > 0 {
		h = p.idle[n-1]
		p.idle = p.idle[:n-1]
	}
	p.mu.Unlock()

	if h == nil {
		var err error
		h, err = p.newHandle(ctx)
		if err != nil {
			<-p.slots
			return nil, err
		}
	}

	p.mu.Lock()
	h.released = false
	p.mu.Unlock()
	return h, nil
}

func (p *Pool) newHandle(ctx context.Context) (*Handle, error) {
	bc, err := p.engine.NewContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("op=browser.newHandle context: %w", domain.ErrResourceExhausted)
	}
	page, err := bc.NewPage(ctx)
	if err != nil {
		_ = bc.Close(ctx)
		return nil, fmt.Errorf("op=browser.newHandle page: %w", domain.ErrResourceExhausted)
	}
	return &Handle{bc: bc, page: page}, nil
}

// Release returns a handle to the pool, rotating its page or context when
// the counters cross the configured thresholds. Release is idempotent:
// releasing the same handle twice is equivalent to releasing it once.
func (p *Pool) Release(ctx context.Context, h *Handle) {
	if h == nil {
		return
	}
	p.mu.Lock()
	if p.closed || h.released {
		p.mu.Unlock()
		return
	}
	h.released = true
	p.mu.Unlock()

	if h.failures >= p.cfg.MaxConsecutiveFailures {
		p.destroy(ctx, h)
		<-p.slots
		return
	}

	if h.contextUses >= p.cfg.ContextRotation {
		observability.BrowserRotationsTotal.WithLabelValues("context").Inc()
		p.destroy(ctx, h)
	} else if h.pageUses >= p.cfg.PageRotation {
		observability.BrowserRotationsTotal.WithLabelValues("page").Inc()
		_ = h.page.Close(ctx)
		page, err := h.bc.NewPage(ctx)
		if err != nil {
			p.destroy(ctx, h)
		} else {
			h.page = page
			h.pageUses = 0
			p.park(h)
		}
	} else {
		p.park(h)
	}
	<-p.slots
}

func (p *Pool) park(h *Handle) {
	p.mu.Lock()
	if !p.closed {
		p.idle = append(p.idle, h)
	}
	p.mu.Unlock()
}

func (p *Pool) destroy(ctx context.Context, h *Handle) {
	_ = h.page.Close(ctx)
	_ = h.bc.Close(ctx)
}

// ReportFailure bumps the consecutive-failure counter for a leased handle.
func (p *Pool) ReportFailure(h *Handle) {
	if h != nil {
		h.failures++
	}
}

// ReportSuccess resets the consecutive-failure counter for a leased handle.
func (p *Pool) ReportSuccess(h *Handle) {
	if h != nil {
		h.failures = 0
	}
}

// Cleanup drains and destroys every idle handle and shuts the engine down.
// Acquire fails fast afterwards.
func (p *Pool) Cleanup(ctx context.Context) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	for _, h := range idle {
		p.destroy(ctx, h)
	}
	_ = p.engine.Close(ctx)
}
