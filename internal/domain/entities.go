// Package domain holds the core entities and ports of the catalog
// re-verification service. Adapters depend on this package, never the
// other way around.
package domain

import (
	"context"
	"math/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// JobStatus enumerates the lifecycle states of a queued job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// SaleState is the normalized two-valued sale label.
const (
	SaleStateOn  = "on_sale"
	SaleStateOff = "off_sale"
)

// AuditStatus values for per-item audit records.
const (
	AuditSuccess  = "success"
	AuditFailed   = "failed"
	AuditNotFound = "not_found"
)

// JobError captures the terminal failure of a job.
type JobError struct {
	Message   string    `json:"message"`
	NodeID    string    `json:"node_id"`
	Timestamp time.Time `json:"timestamp"`
}

// Job is the unit of work on a platform queue.
// Invariants: StartedAt implies CreatedAt; CompletedAt implies StartedAt;
// status transitions are monotonic, except running->failed on any node throw.
type Job struct {
	ID          string         `json:"id"`
	WorkflowID  string         `json:"workflow_id"`
	Platform    string         `json:"platform"`
	Priority    int            `json:"priority"`
	Status      JobStatus      `json:"status"`
	Params      map[string]any `json:"params,omitempty"`
	CurrentNode string         `json:"current_node,omitempty"`
	Progress    float64        `json:"progress"`
	Result      map[string]any `json:"result,omitempty"`
	Error       *JobError      `json:"error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

var jobEntropy = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0) //nolint:gosec // Weak random is sufficient for ULID entropy.

// NewJobID returns a time-ordered, lexicographically sortable job id.
// Sorting ids ascending is equivalent to sorting by creation time.
func NewJobID() string {
	id, err := ulid.New(ulid.Timestamp(time.Now()), jobEntropy)
	if err != nil {
		return time.Now().UTC().Format("20060102150405.000000000")
	}
	return id.String()
}

// Product is one row of the source of record, identified by the pair
// (SetID, ProductID) plus the platform that supplied it.
type Product struct {
	SetID           string    `json:"product_set_id"`
	ProductID       string    `json:"product_id"`
	Platform        string    `json:"platform"`
	LinkURL         string    `json:"link_url"`
	Name            string    `json:"name"`
	Thumbnail       string    `json:"thumbnail"`
	OriginalPrice   int64     `json:"original_price"`
	DiscountedPrice int64     `json:"discounted_price"`
	SaleState       string    `json:"sale_state"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Fields projects the five compared fields out of a product row.
func (p Product) Fields() ProductFields {
	return ProductFields{
		Name:            p.Name,
		Thumbnail:       p.Thumbnail,
		OriginalPrice:   p.OriginalPrice,
		DiscountedPrice: p.DiscountedPrice,
		SaleState:       p.SaleState,
	}
}

// ProductFields is the snapshot shape shared by the source of record and
// the live fetch: the five fields the validation pipeline compares.
type ProductFields struct {
	Name            string `json:"name"`
	Thumbnail       string `json:"thumbnail"`
	OriginalPrice   int64  `json:"original_price"`
	DiscountedPrice int64  `json:"discounted_price"`
	SaleState       string `json:"sale_state"`
}

// FieldComparison records per-field equality between db and fetch.
type FieldComparison struct {
	Name            bool `json:"name"`
	Thumbnail       bool `json:"thumbnail"`
	OriginalPrice   bool `json:"original_price"`
	DiscountedPrice bool `json:"discounted_price"`
	SaleState       bool `json:"sale_state"`
}

// All reports whether every compared field matched.
func (c FieldComparison) All() bool {
	return c.Name && c.Thumbnail && c.OriginalPrice && c.DiscountedPrice && c.SaleState
}

// Compare builds the per-field comparison between a db row and a fetched
// snapshot.
func Compare(db, fetch ProductFields) FieldComparison {
	return FieldComparison{
		Name:            db.Name == fetch.Name,
		Thumbnail:       db.Thumbnail == fetch.Thumbnail,
		OriginalPrice:   db.OriginalPrice == fetch.OriginalPrice,
		DiscountedPrice: db.DiscountedPrice == fetch.DiscountedPrice,
		SaleState:       db.SaleState == fetch.SaleState,
	}
}

// AuditRecord is the canonical per-item row emitted by the compare stage.
// Fetch is nil when the upstream returned its not-found marker or the fetch
// failed; Comparison is nil in the same cases.
type AuditRecord struct {
	ProductSetID string           `json:"product_set_id"`
	ProductID    string           `json:"product_id"`
	Platform     string           `json:"platform"`
	URL          string           `json:"url"`
	DB           ProductFields    `json:"db"`
	Fetch        *ProductFields   `json:"fetch"`
	Comparison   *FieldComparison `json:"comparison"`
	Match        bool             `json:"match"`
	Status       string           `json:"status"`
	ValidatedAt  time.Time        `json:"validated_at"`
}

// ProductUpdate is a sparse write-back against the source of record. Fields
// maps column names to new values; keys excluded by platform policy are
// removed before the update is applied.
type ProductUpdate struct {
	SetID     string
	ProductID string
	Platform  string
	Fields    map[string]any
}

// Product update field names. These are the only keys a ProductUpdate may
// carry.
const (
	FieldProductName     = "product_name"
	FieldThumbnail       = "thumbnail"
	FieldOriginalPrice   = "original_price"
	FieldDiscountedPrice = "discounted_price"
	FieldSaleState       = "sale_status"
)

// ReviewClassification labels a review-history entry.
const (
	ReviewOnlyPrice = "only-price"
	ReviewAll       = "all"
	ReviewConfused  = "confused"
)

// ReviewEntry captures a before/after pair for one reconciled product.
type ReviewEntry struct {
	ID             string
	SetID          string
	ProductID      string
	Platform       string
	Classification string
	Comment        string
	Before         ProductFields
	After          map[string]any
	CreatedAt      time.Time
}

// PriceEntry records a price change applied during reconciliation.
type PriceEntry struct {
	ID              string
	SetID           string
	ProductID       string
	Platform        string
	OriginalPrice   *int64
	DiscountedPrice *int64
	CreatedAt       time.Time
}

// PlatformState is the per-platform scheduler state held in the shared store.
// Invariant: 0 <= OnSaleCounter <= configured ratio R.
type PlatformState struct {
	OnSaleCounter   int        `json:"on_sale_counter"`
	LastCompletedAt *time.Time `json:"last_completed_at"`
}

// Context aliases context.Context so ports read uniformly.
type Context = context.Context
