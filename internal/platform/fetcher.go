package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/fairyhunter13/shopwatch/internal/browser"
	"github.com/fairyhunter13/shopwatch/internal/domain"
)

// Fetcher returns the live snapshot of a product from its storefront.
// Implementations wrap domain.ErrNotFound when the upstream answers with its
// well-known "no such product" marker.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*domain.ProductFields, error)
}

// Extractor turns a raw upstream document into the five compared fields.
// Platform-specific parsers live behind this seam; the core only depends on
// the output shape.
type Extractor func(body []byte, cfg *Config) (*domain.ProductFields, error)

// Registry maps platform tags to fetchers.
type Registry struct {
	mu       sync.RWMutex
	fetchers map[string]Fetcher
}

// NewRegistry builds fetchers for every configured platform: HTTP/GraphQL
// platforms get an HTTPFetcher, browser platforms a BrowserFetcher over the
// shared pool. A custom extractor per tag can be installed with Register.
func NewRegistry(file *File, pool *browser.Pool) *Registry {
	r := &Registry{fetchers: make(map[string]Fetcher)}
	for tag, cfg := range file.Platforms {
		switch cfg.Mode {
		case ModeBrowser:
			r.fetchers[tag] = NewBrowserFetcher(cfg, pool, JSONExtractor)
		default:
			r.fetchers[tag] = NewHTTPFetcher(cfg, JSONExtractor)
		}
	}
	return r
}

// Register installs or replaces the fetcher for a tag.
func (r *Registry) Register(tag string, f Fetcher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fetchers[tag] = f
}

// Fetcher returns the fetcher for a tag or nil.
func (r *Registry) Fetcher(tag string) Fetcher {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.fetchers[tag]
}

// HTTPFetcher fetches snapshots over plain HTTP or GraphQL, throttled per
// platform.
type HTTPFetcher struct {
	cfg     *Config
	client  *http.Client
	limiter *rate.Limiter
	extract Extractor
}

// NewHTTPFetcher builds a throttled fetcher for an api/graphql platform.
func NewHTTPFetcher(cfg *Config, extract Extractor) *HTTPFetcher {
	perSec := cfg.RateLimitPerSec
	if perSec <= 0 {
		perSec = 1
	}
	return &HTTPFetcher{
		cfg:     cfg,
		client:  &http.Client{Timeout: 30 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(perSec), 1),
		extract: extract,
	}
}

// Fetch issues the upstream request and extracts the snapshot.
func (f *HTTPFetcher) Fetch(ctx context.Context, url string) (*domain.ProductFields, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("op=fetch.throttle platform=%s: %w", f.cfg.Tag, err)
	}

	var req *http.Request
	var err error
	if f.cfg.Mode == ModeGraphQL {
		payload, merr := json.Marshal(map[string]any{
			"query":     f.cfg.GraphQLQuery,
			"variables": map[string]any{"url": url},
		})
		if merr != nil {
			return nil, fmt.Errorf("op=fetch.graphql platform=%s: %w", f.cfg.Tag, merr)
		}
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, f.cfg.BaseURL, bytes.NewReader(payload))
		if req != nil {
			req.Header.Set("Content-Type", "application/json")
		}
	} else {
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("op=fetch.request platform=%s: %w", f.cfg.Tag, err)
	}
	if f.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", f.cfg.UserAgent)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("op=fetch.do platform=%s: %w", f.cfg.Tag, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("op=fetch platform=%s url=%s: %w", f.cfg.Tag, url, domain.ErrNotFound)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("op=fetch platform=%s status=%d: %w", f.cfg.Tag, resp.StatusCode, domain.ErrNodeExecution)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("op=fetch.read platform=%s: %w", f.cfg.Tag, err)
	}
	if f.cfg.NotFoundMarker != "" && bytes.Contains(body, []byte(f.cfg.NotFoundMarker)) {
		return nil, fmt.Errorf("op=fetch platform=%s url=%s: %w", f.cfg.Tag, url, domain.ErrNotFound)
	}
	return f.extract(body, f.cfg)
}

// BrowserFetcher drives a pooled headless-browser handle to fetch pages
// that require a real renderer.
type BrowserFetcher struct {
	cfg     *Config
	pool    *browser.Pool
	extract Extractor
}

// NewBrowserFetcher builds a fetcher over the shared pool.
func NewBrowserFetcher(cfg *Config, pool *browser.Pool, extract Extractor) *BrowserFetcher {
	return &BrowserFetcher{cfg: cfg, pool: pool, extract: extract}
}

// Fetch acquires a handle, navigates, and extracts the snapshot. The handle
// is released on every exit path; scrape failures feed the pool's breaker.
func (f *BrowserFetcher) Fetch(ctx context.Context, url string) (*domain.ProductFields, error) {
	h, err := f.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer f.pool.Release(ctx, h)

	doc, err := h.Navigate(ctx, url)
	if err != nil {
		f.pool.ReportFailure(h)
		return nil, fmt.Errorf("op=fetch.navigate platform=%s: %w", f.cfg.Tag, err)
	}
	if f.cfg.NotFoundMarker != "" && strings.Contains(doc, f.cfg.NotFoundMarker) {
		f.pool.ReportSuccess(h)
		return nil, fmt.Errorf("op=fetch platform=%s url=%s: %w", f.cfg.Tag, url, domain.ErrNotFound)
	}

	fields, err := f.extract(extractEmbeddedJSON(doc, f.cfg), f.cfg)
	if err != nil {
		f.pool.ReportFailure(h)
		return nil, err
	}
	f.pool.ReportSuccess(h)
	return fields, nil
}

// extractEmbeddedJSON cuts the JSON blob out of a rendered document when the
// extraction config names embedding markers; otherwise the document is
// passed through untouched.
func extractEmbeddedJSON(doc string, cfg *Config) []byte {
	prefix, _ := cfg.Extraction["embedded_json_prefix"].(string)
	suffix, _ := cfg.Extraction["embedded_json_suffix"].(string)
	if prefix == "" {
		return []byte(doc)
	}
	start := strings.Index(doc, prefix)
	if start < 0 {
		return []byte(doc)
	}
	rest := doc[start+len(prefix):]
	if suffix != "" {
		if end := strings.Index(rest, suffix); end >= 0 {
			rest = rest[:end]
		}
	}
	return []byte(rest)
}

// JSONExtractor resolves the five fields from a JSON document using the
// dotted paths in the platform's extraction config:
//
//	extraction:
//	  name: data.goods.name
//	  thumbnail: data.goods.thumbnail_url
//	  original_price: data.price.origin
//	  discounted_price: data.price.sale
//	  sale_state: data.goods.sale_status
func JSONExtractor(body []byte, cfg *Config) (*domain.ProductFields, error) {
	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("op=extract platform=%s: %w", cfg.Tag, domain.ErrNodeExecution)
	}

	pathOf := func(field string) string {
		p, _ := cfg.Extraction[field].(string)
		return p
	}
	out := &domain.ProductFields{}
	if v, ok := lookupPath(doc, pathOf("name")); ok {
		out.Name, _ = v.(string)
	}
	if v, ok := lookupPath(doc, pathOf("thumbnail")); ok {
		out.Thumbnail, _ = v.(string)
	}
	if v, ok := lookupPath(doc, pathOf("original_price")); ok {
		out.OriginalPrice = toInt64(v)
	}
	if v, ok := lookupPath(doc, pathOf("discounted_price")); ok {
		out.DiscountedPrice = toInt64(v)
	}
	if v, ok := lookupPath(doc, pathOf("sale_state")); ok {
		out.SaleState = NormalizeSaleState(fmt.Sprint(v))
	} else {
		out.SaleState = domain.SaleStateOff
	}
	return out, nil
}

func lookupPath(doc map[string]any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	var cur any = doc
	for _, seg := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func toInt64(v any) int64 {
	switch t := v.(type) {
	case float64:
		return int64(t)
	case int64:
		return t
	case int:
		return int64(t)
	case json.Number:
		n, _ := t.Int64()
		return n
	case string:
		n, _ := strconv.ParseInt(strings.ReplaceAll(strings.TrimSpace(t), ",", ""), 10, 64)
		return n
	default:
		return 0
	}
}
