package nodes

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/shopwatch/internal/audit"
	"github.com/fairyhunter13/shopwatch/internal/domain"
	"github.com/fairyhunter13/shopwatch/internal/platform"
	"github.com/fairyhunter13/shopwatch/internal/workflow"
)

type fakeProducts struct {
	rows        []domain.Product
	listErr     error
	validated   []string
	lastPattern string
}

func (f *fakeProducts) ListForValidation(_ domain.Context, _, _, urlPattern string, limit int) ([]domain.Product, error) {
	f.lastPattern = urlPattern
	if f.listErr != nil {
		return nil, f.listErr
	}
	if limit < len(f.rows) {
		return f.rows[:limit], nil
	}
	return f.rows, nil
}

func (f *fakeProducts) Get(domain.Context, string, string) (domain.Product, error) {
	return domain.Product{}, domain.ErrNotFound
}

func (f *fakeProducts) Apply(domain.Context, domain.ProductUpdate) error { return nil }

func (f *fakeProducts) MarkValidated(_ domain.Context, _, productID string, _ time.Time) error {
	f.validated = append(f.validated, productID)
	return nil
}

type fakeFetcher struct {
	fields map[string]*domain.ProductFields
	errs   map[string]error
}

func (f *fakeFetcher) Fetch(_ context.Context, url string) (*domain.ProductFields, error) {
	if err, ok := f.errs[url]; ok {
		return nil, err
	}
	if fields, ok := f.fields[url]; ok {
		return fields, nil
	}
	return nil, domain.ErrNotFound
}

type fakeNotifier struct {
	subjects []string
	err      error
}

func (f *fakeNotifier) Notify(_ domain.Context, subject, _ string) error {
	if f.err != nil {
		return f.err
	}
	f.subjects = append(f.subjects, subject)
	return nil
}

type fakeReconciler struct {
	paths []string
	err   error
}

func (f *fakeReconciler) Run(_ context.Context, auditPath, _ string) (map[string]any, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.paths = append(f.paths, auditPath)
	return map[string]any{"applied": 1}, nil
}

func testContext(t *testing.T, deps *workflow.Deps) *workflow.NodeContext {
	t.Helper()
	if deps.Location == nil {
		deps.Location = time.UTC
	}
	return &workflow.NodeContext{
		JobID:      "job-1",
		WorkflowID: "product_validation",
		NodeID:     "n",
		Platform:   "alpha",
		Config:     map[string]any{},
		State:      map[string]any{},
		Logger:     slog.Default(),
		Deps:       deps,
	}
}

func TestProductLoadValidate(t *testing.T) {
	t.Parallel()
	n := &ProductLoad{}
	assert.True(t, n.Validate(map[string]any{"sale_state": domain.SaleStateOn}).OK)
	assert.True(t, n.Validate(map[string]any{"sale_state": domain.SaleStateOff}).OK)
	assert.False(t, n.Validate(map[string]any{}).OK)
	assert.False(t, n.Validate(map[string]any{"sale_state": "clearance"}).OK)
}

func TestProductLoadExecute(t *testing.T) {
	t.Parallel()
	products := &fakeProducts{rows: []domain.Product{
		{SetID: "s1", ProductID: "p1", Platform: "alpha"},
		{SetID: "s1", ProductID: "p2", Platform: "alpha"},
	}}
	nc := testContext(t, &workflow.Deps{Products: products})
	nc.Config = map[string]any{"sale_state": domain.SaleStateOn, "limit": float64(10)}

	res := (&ProductLoad{}).Execute(context.Background(), nc.Config, nc)
	require.True(t, res.Success)
	assert.Equal(t, 2, res.Data["product_count"])
	assert.Equal(t, domain.SaleStateOn, res.Data["sale_state"])

	got, ok := productsFromState(res.Data)
	require.True(t, ok)
	assert.Len(t, got, 2)
}

func TestProductLoadURLPatternFilter(t *testing.T) {
	t.Parallel()
	products := &fakeProducts{}
	nc := testContext(t, &workflow.Deps{Products: products})
	nc.Config = map[string]any{
		"sale_state":  domain.SaleStateOn,
		"url_pattern": "https://alpha.test/goods/",
	}

	res := (&ProductLoad{}).Execute(context.Background(), nc.Config, nc)
	require.True(t, res.Success)
	assert.Equal(t, "https://alpha.test/goods/", products.lastPattern)
}

func TestProductLoadUnresolvedURLPatternMeansNoFilter(t *testing.T) {
	t.Parallel()
	products := &fakeProducts{}
	nc := testContext(t, &workflow.Deps{Products: products})
	nc.Config = map[string]any{
		"sale_state":  domain.SaleStateOn,
		"url_pattern": "${url_pattern}",
	}

	res := (&ProductLoad{}).Execute(context.Background(), nc.Config, nc)
	require.True(t, res.Success)
	assert.Equal(t, "", products.lastPattern)
}

func TestProductLoadExecuteListError(t *testing.T) {
	t.Parallel()
	products := &fakeProducts{listErr: errors.New("db down")}
	nc := testContext(t, &workflow.Deps{Products: products})
	nc.Config = map[string]any{"sale_state": domain.SaleStateOn}

	res := (&ProductLoad{}).Execute(context.Background(), nc.Config, nc)
	require.False(t, res.Success)
	assert.Equal(t, "load_failed", res.Error.Code)
}

func TestProductValidateExecute(t *testing.T) {
	t.Parallel()
	live := domain.ProductFields{Name: "serum", OriginalPrice: 100, DiscountedPrice: 80, SaleState: domain.SaleStateOn}
	drifted := live
	drifted.DiscountedPrice = 60

	fetcher := &fakeFetcher{
		fields: map[string]*domain.ProductFields{
			"https://a.test/1": &live,
			"https://a.test/2": &drifted,
		},
		errs: map[string]error{
			"https://a.test/3": domain.ErrNotFound,
			"https://a.test/4": errors.New("timeout"),
		},
	}
	registry := platform.NewRegistry(&platform.File{Platforms: map[string]*platform.Config{}}, nil)
	registry.Register("alpha", fetcher)

	products := &fakeProducts{}
	deps := &workflow.Deps{
		Products:  products,
		Fetchers:  registry,
		AuditRoot: t.TempDir(),
	}
	nc := testContext(t, deps)
	nc.State["products"] = []domain.Product{
		{SetID: "s1", ProductID: "p1", Platform: "alpha", LinkURL: "https://a.test/1",
			Name: "serum", OriginalPrice: 100, DiscountedPrice: 80, SaleState: domain.SaleStateOn},
		{SetID: "s1", ProductID: "p2", Platform: "alpha", LinkURL: "https://a.test/2",
			Name: "serum", OriginalPrice: 100, DiscountedPrice: 80, SaleState: domain.SaleStateOn},
		{SetID: "s1", ProductID: "p3", Platform: "alpha", LinkURL: "https://a.test/3"},
		{SetID: "s1", ProductID: "p4", Platform: "alpha", LinkURL: "https://a.test/4"},
	}

	res := (&ProductValidate{}).Execute(context.Background(), nil, nc)
	require.True(t, res.Success, "item failures must not fail the node")
	assert.Equal(t, 4, res.Data["total"])
	assert.Equal(t, 2, res.Data["success"])
	assert.Equal(t, 1, res.Data["failed"])
	assert.Equal(t, 1, res.Data["not_found"])
	assert.ElementsMatch(t, []string{"p1", "p2", "p3", "p4"}, products.validated)

	path, _ := res.Data["audit_path"].(string)
	require.NotEmpty(t, path)
	var matches, mismatches int
	require.NoError(t, audit.EachRecord(path, func(rec domain.AuditRecord) error {
		if rec.Status == domain.AuditSuccess {
			if rec.Match {
				matches++
			} else {
				mismatches++
			}
		}
		return nil
	}))
	assert.Equal(t, 1, matches)
	assert.Equal(t, 1, mismatches)
}

func TestProductValidateRequiresLoadedProducts(t *testing.T) {
	t.Parallel()
	nc := testContext(t, &workflow.Deps{})
	res := (&ProductValidate{}).Execute(context.Background(), nil, nc)
	require.False(t, res.Success)
	assert.Equal(t, "missing_products", res.Error.Code)
}

func TestReconcileExecute(t *testing.T) {
	t.Parallel()
	rec := &fakeReconciler{}
	nc := testContext(t, &workflow.Deps{Reconciler: rec})
	nc.State["audit_path"] = "/tmp/audit.jsonl"

	res := (&Reconcile{}).Execute(context.Background(), nil, nc)
	require.True(t, res.Success)
	assert.Equal(t, map[string]any{"applied": 1}, res.Data["reconcile"])
	assert.Equal(t, []string{"/tmp/audit.jsonl"}, rec.paths)
}

func TestReconcileRequiresAuditPath(t *testing.T) {
	t.Parallel()
	nc := testContext(t, &workflow.Deps{Reconciler: &fakeReconciler{}})
	res := (&Reconcile{}).Execute(context.Background(), nil, nc)
	require.False(t, res.Success)
	assert.Equal(t, "missing_audit_path", res.Error.Code)
}

func TestNotifyValidateRequiresSubject(t *testing.T) {
	t.Parallel()
	n := &Notify{}
	assert.False(t, n.Validate(map[string]any{}).OK)
	assert.True(t, n.Validate(map[string]any{"subject": "run finished"}).OK)
}

func TestNotifyExecuteDelivers(t *testing.T) {
	t.Parallel()
	notifier := &fakeNotifier{}
	nc := testContext(t, &workflow.Deps{Notifier: notifier})
	nc.Config["subject"] = "run finished"
	nc.State["total"] = 4

	res := (&Notify{}).Execute(context.Background(), nil, nc)
	require.True(t, res.Success)
	assert.Equal(t, true, res.Data["notified"])
	assert.Equal(t, []string{"run finished"}, notifier.subjects)
}

func TestNotifyOnlyOnFailureSkipsHealthyRuns(t *testing.T) {
	t.Parallel()
	notifier := &fakeNotifier{}
	nc := testContext(t, &workflow.Deps{Notifier: notifier})
	nc.Config["subject"] = "alert"
	nc.Config["only_on_failure"] = true
	nc.State["ok"] = true

	res := (&Notify{}).Execute(context.Background(), nil, nc)
	require.True(t, res.Success)
	assert.Equal(t, false, res.Data["notified"])
	assert.Empty(t, notifier.subjects)

	// A failing check does get delivered.
	nc.State["ok"] = false
	res = (&Notify{}).Execute(context.Background(), nil, nc)
	require.True(t, res.Success)
	assert.Equal(t, true, res.Data["notified"])
}

func TestNotifyDeliveryFailureIsNotFatal(t *testing.T) {
	t.Parallel()
	notifier := &fakeNotifier{err: errors.New("webhook down")}
	nc := testContext(t, &workflow.Deps{Notifier: notifier})
	nc.Config["subject"] = "run finished"

	res := (&Notify{}).Execute(context.Background(), nil, nc)
	require.True(t, res.Success)
	assert.Equal(t, false, res.Data["notified"])
}

func TestProbeExecute(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok":
			_, _ = w.Write([]byte("<html>main-banner</html>"))
		case "/teapot":
			w.WriteHeader(http.StatusTeapot)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()
	nc := testContext(t, &workflow.Deps{})

	p := &Probe{}
	out, rerr := p.Execute(context.Background(), ProbeInput{URL: srv.URL + "/ok", Contains: "main-banner"}, nc)
	require.Nil(t, rerr)
	assert.True(t, out.OK)
	assert.Equal(t, http.StatusOK, out.StatusCode)

	out, rerr = p.Execute(context.Background(), ProbeInput{URL: srv.URL + "/teapot"}, nc)
	require.Nil(t, rerr, "a reachable endpoint with a wrong status is a verdict, not an error")
	assert.False(t, out.OK)
	assert.Contains(t, out.Reason, "status 418")

	out, rerr = p.Execute(context.Background(), ProbeInput{URL: srv.URL + "/ok", Contains: "missing-marker"}, nc)
	require.Nil(t, rerr)
	assert.False(t, out.OK)
	assert.Contains(t, out.Reason, "missing-marker")
}

func TestProbeTransportErrorFailsNode(t *testing.T) {
	t.Parallel()
	nc := testContext(t, &workflow.Deps{})
	_, rerr := (&Probe{}).Execute(context.Background(), ProbeInput{URL: "http://127.0.0.1:1/x"}, nc)
	require.NotNil(t, rerr)
	assert.Equal(t, "unreachable", rerr.Code)
}

func TestRegisterAll(t *testing.T) {
	t.Parallel()
	r := workflow.NewRegistry()
	RegisterAll(r)
	for _, tag := range []string{TypeProductLoad, TypeProductValidate, TypeReconcile, TypeNotify, TypeProbe} {
		_, err := r.Resolve(tag)
		assert.NoError(t, err, tag)
	}
}
