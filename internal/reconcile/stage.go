// Package reconcile turns a finished audit log into sparse corrections
// against the source of record, plus review and price history rows.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/fairyhunter13/shopwatch/internal/adapter/observability"
	"github.com/fairyhunter13/shopwatch/internal/audit"
	"github.com/fairyhunter13/shopwatch/internal/domain"
	"github.com/fairyhunter13/shopwatch/internal/platform"
)

const fetchFailedLine = "fetch 가 실패했습니다"

// Options tune batching and verification of a reconcile pass.
type Options struct {
	BatchSize   int
	BatchDelay  time.Duration
	VerifyEvery int
}

func (o *Options) defaults() {
	if o.BatchSize <= 0 {
		o.BatchSize = 20
	}
	if o.VerifyEvery <= 0 {
		o.VerifyEvery = 10
	}
}

// Outcome summarizes one reconcile pass over an audit log.
// VerificationPassed reports the sampled re-read checks; a false value is
// surfaced to the caller but never fails the pass.
type Outcome struct {
	Scanned            int  `json:"scanned"`
	Eligible           int  `json:"eligible"`
	Applied            int  `json:"applied"`
	Skipped            int  `json:"skipped"`
	Errors             int  `json:"errors"`
	VerificationPassed bool `json:"verification_passed"`
}

// Stage reads audit records, stages field-level updates and applies them in
// batches. Each applied update leaves a review-history row; price changes
// additionally leave a price-history row.
type Stage struct {
	products  domain.ProductRepository
	history   domain.HistoryRepository
	platforms *platform.File
	opts      Options
	logger    *slog.Logger
}

// NewStage wires a reconcile stage.
func NewStage(products domain.ProductRepository, history domain.HistoryRepository, platforms *platform.File, opts Options, logger *slog.Logger) *Stage {
	opts.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Stage{products: products, history: history, platforms: platforms, opts: opts, logger: logger}
}

type staged struct {
	update  domain.ProductUpdate
	before  domain.ProductFields
	comment string
	class   string
	price   *domain.PriceEntry
}

// Run streams the audit log at path and reconciles every eligible record.
// Eligible means the compare stage succeeded and found a mismatch, or the
// upstream reported the product gone while the record of source still says
// on sale. Failed fetches are transient and skipped.
func (s *Stage) Run(ctx context.Context, path, platformTag string) (Outcome, error) {
	pcfg := s.platforms.Platform(platformTag)

	out := Outcome{VerificationPassed: true}
	var batch []staged
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		applied, errs, verified := s.applyBatch(ctx, batch)
		out.Applied += applied
		out.Errors += errs
		out.VerificationPassed = out.VerificationPassed && verified
		batch = batch[:0]
		if s.opts.BatchDelay > 0 {
			select {
			case <-time.After(s.opts.BatchDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	}

	err := audit.EachRecord(path, func(rec domain.AuditRecord) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		out.Scanned++
		st, ok := s.stage(rec, pcfg)
		if !ok {
			out.Skipped++
			return nil
		}
		out.Eligible++
		batch = append(batch, st)
		if len(batch) >= s.opts.BatchSize {
			return flush()
		}
		return nil
	})
	if err != nil {
		return out, fmt.Errorf("op=reconcile.run path=%s: %w", path, err)
	}
	if err := flush(); err != nil {
		return out, fmt.Errorf("op=reconcile.run path=%s: %w", path, err)
	}

	s.logger.Info("reconcile pass finished",
		slog.String("platform", platformTag),
		slog.Int("scanned", out.Scanned),
		slog.Int("eligible", out.Eligible),
		slog.Int("applied", out.Applied),
		slog.Int("skipped", out.Skipped),
		slog.Int("errors", out.Errors),
		slog.Bool("verification_passed", out.VerificationPassed))
	return out, nil
}

// stage decides whether one audit record produces an update and builds it.
func (s *Stage) stage(rec domain.AuditRecord, pcfg *platform.Config) (staged, bool) {
	switch rec.Status {
	case domain.AuditNotFound:
		// Gone upstream: flip to off_sale if we still list it on sale.
		if rec.DB.SaleState != domain.SaleStateOn {
			return staged{}, false
		}
		st := staged{
			update: domain.ProductUpdate{
				SetID:     rec.ProductSetID,
				ProductID: rec.ProductID,
				Platform:  rec.Platform,
				Fields:    map[string]any{domain.FieldSaleState: domain.SaleStateOff},
			},
			before:  rec.DB,
			comment: fetchFailedLine + "\n" + commentLine(domain.FieldSaleState, rec.DB.SaleState, domain.SaleStateOff),
			class:   domain.ReviewConfused,
		}
		if pcfg != nil && pcfg.UpdateExclusions.Has(domain.FieldSaleState) {
			return staged{}, false
		}
		return st, true
	case domain.AuditSuccess:
		if rec.Match || rec.Fetch == nil || rec.Comparison == nil {
			return staged{}, false
		}
	default:
		// failed fetches are transient; the next pass retries them
		return staged{}, false
	}

	fetch := *rec.Fetch
	fetch.SaleState = platform.NormalizeSaleState(fetch.SaleState)

	fields := make(map[string]any, 5)
	var lines []string
	add := func(col string, mismatch bool, before, after any) {
		if !mismatch {
			return
		}
		if pcfg != nil && pcfg.UpdateExclusions.Has(col) {
			return
		}
		fields[col] = after
		lines = append(lines, commentLine(col, before, after))
	}

	add(domain.FieldProductName, !rec.Comparison.Name, rec.DB.Name, fetch.Name)
	add(domain.FieldThumbnail, !rec.Comparison.Thumbnail, rec.DB.Thumbnail, fetch.Thumbnail)
	// A zero fetched price is a parse failure, not a real price.
	if fetch.OriginalPrice > 0 {
		add(domain.FieldOriginalPrice, !rec.Comparison.OriginalPrice, rec.DB.OriginalPrice, fetch.OriginalPrice)
	}
	if fetch.DiscountedPrice > 0 {
		add(domain.FieldDiscountedPrice, !rec.Comparison.DiscountedPrice, rec.DB.DiscountedPrice, fetch.DiscountedPrice)
	}
	add(domain.FieldSaleState, !rec.Comparison.SaleState, rec.DB.SaleState, fetch.SaleState)

	if len(fields) == 0 {
		return staged{}, false
	}

	st := staged{
		update: domain.ProductUpdate{
			SetID:     rec.ProductSetID,
			ProductID: rec.ProductID,
			Platform:  rec.Platform,
			Fields:    fields,
		},
		before:  rec.DB,
		comment: strings.Join(lines, "\n"),
		class:   classify(fields),
	}
	if op, hasOrig := fields[domain.FieldOriginalPrice]; hasOrig || fields[domain.FieldDiscountedPrice] != nil {
		pe := &domain.PriceEntry{
			SetID:     rec.ProductSetID,
			ProductID: rec.ProductID,
			Platform:  rec.Platform,
		}
		if hasOrig {
			v := op.(int64)
			pe.OriginalPrice = &v
		}
		if dp, ok := fields[domain.FieldDiscountedPrice]; ok {
			v := dp.(int64)
			pe.DiscountedPrice = &v
		}
		st.price = pe
	}
	return st, true
}

// classify labels a staged change set: price-only moves are routine,
// everything else is a regular content review. The confused label is
// reserved for the fetch-null flip handled on the not-found path.
func classify(fields map[string]any) string {
	for col := range fields {
		if col != domain.FieldOriginalPrice && col != domain.FieldDiscountedPrice {
			return domain.ReviewAll
		}
	}
	return domain.ReviewOnlyPrice
}

func (s *Stage) applyBatch(ctx context.Context, batch []staged) (applied, errs int, verified bool) {
	verified = true
	for i, st := range batch {
		if err := s.products.Apply(ctx, st.update); err != nil {
			errs++
			observability.ReconcileErrorsTotal.WithLabelValues(st.update.Platform).Inc()
			s.logger.Error("apply update failed",
				slog.String("product_set_id", st.update.SetID),
				slog.String("product_id", st.update.ProductID),
				slog.Any("error", err))
			continue
		}
		applied++
		observability.ReconcileUpdatesTotal.WithLabelValues(st.update.Platform).Inc()

		if err := s.history.AddReview(ctx, domain.ReviewEntry{
			SetID:          st.update.SetID,
			ProductID:      st.update.ProductID,
			Platform:       st.update.Platform,
			Classification: st.class,
			Comment:        st.comment,
			Before:         st.before,
			After:          st.update.Fields,
		}); err != nil {
			s.logger.Warn("review history write failed",
				slog.String("product_id", st.update.ProductID), slog.Any("error", err))
		}
		if st.price != nil {
			if err := s.history.AddPrice(ctx, *st.price); err != nil {
				s.logger.Warn("price history write failed",
					slog.String("product_id", st.update.ProductID), slog.Any("error", err))
			}
		}

		if (i+1)%s.opts.VerifyEvery == 0 && !s.verify(ctx, st) {
			verified = false
		}
	}
	return applied, errs, verified
}

// verify re-reads a sampled row and checks the applied fields stuck.
// Discrepancies are logged and flagged only; a concurrent writer may
// legitimately win.
func (s *Stage) verify(ctx context.Context, st staged) bool {
	p, err := s.products.Get(ctx, st.update.SetID, st.update.ProductID)
	if err != nil {
		s.logger.Warn("verify read failed",
			slog.String("product_id", st.update.ProductID), slog.Any("error", err))
		return false
	}
	current := map[string]any{
		domain.FieldProductName:     p.Name,
		domain.FieldThumbnail:       p.Thumbnail,
		domain.FieldOriginalPrice:   p.OriginalPrice,
		domain.FieldDiscountedPrice: p.DiscountedPrice,
		domain.FieldSaleState:       p.SaleState,
	}
	var drifted []string
	for col, want := range st.update.Fields {
		if fmt.Sprint(current[col]) != fmt.Sprint(want) {
			drifted = append(drifted, col)
		}
	}
	if len(drifted) > 0 {
		sort.Strings(drifted)
		s.logger.Warn("verification drift after apply",
			slog.String("product_id", st.update.ProductID),
			slog.Any("fields", drifted))
		return false
	}
	return true
}

func commentLine(col string, before, after any) string {
	return fmt.Sprintf("%s: %v -> %v", col, before, after)
}
