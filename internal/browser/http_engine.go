package browser

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPEngine is the default Engine: pages fetch the raw document over plain
// HTTP. It keeps the pool, rotation and node code fully exercised in
// environments without a renderer; swap in a CDP-backed Engine for
// storefronts that need real JavaScript execution.
type HTTPEngine struct {
	UserAgent string
	Client    *http.Client
}

// NewHTTPEngine builds an engine with a shared client.
func NewHTTPEngine(userAgent string) *HTTPEngine {
	return &HTTPEngine{
		UserAgent: userAgent,
		Client:    &http.Client{Timeout: 30 * time.Second},
	}
}

// NewContext returns a context scope; HTTP has no cookie isolation to tear
// down, so contexts are cheap.
func (e *HTTPEngine) NewContext(context.Context) (BrowsingContext, error) {
	return &httpContext{engine: e}, nil
}

// Close is a no-op; the shared client holds no processes.
func (e *HTTPEngine) Close(context.Context) error { return nil }

type httpContext struct{ engine *HTTPEngine }

func (c *httpContext) NewPage(context.Context) (Page, error) {
	return &httpPage{engine: c.engine}, nil
}

func (c *httpContext) Close(context.Context) error { return nil }

type httpPage struct{ engine *HTTPEngine }

// Navigate fetches the URL and returns the body as the serialized document.
func (p *httpPage) Navigate(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("op=browser.navigate: %w", err)
	}
	if p.engine.UserAgent != "" {
		req.Header.Set("User-Agent", p.engine.UserAgent)
	}
	resp, err := p.engine.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("op=browser.navigate: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return "", fmt.Errorf("op=browser.navigate read: %w", err)
	}
	return string(body), nil
}

func (p *httpPage) Close(context.Context) error { return nil }
