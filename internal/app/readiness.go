package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/fairyhunter13/shopwatch/internal/domain"
)

// Pinger is the minimal interface for a database pool capable of Ping.
type Pinger interface{ Ping(ctx context.Context) error }

// Readiness aggregates the dependency checks behind /readyz: the record of
// source and the queue store.
type Readiness struct {
	db    Pinger
	queue domain.QueueStore
}

// NewReadiness wires the checks. Either dependency may be nil; it then
// reports unconfigured.
func NewReadiness(db Pinger, queue domain.QueueStore) *Readiness {
	return &Readiness{db: db, queue: queue}
}

// Check runs every dependency check and returns per-dependency errors.
func (r *Readiness) Check(ctx context.Context) map[string]error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	out := make(map[string]error, 2)
	if r.db == nil {
		out["db"] = fmt.Errorf("db not configured")
	} else {
		out["db"] = r.db.Ping(ctx)
	}
	if r.queue == nil {
		out["queue"] = fmt.Errorf("queue not configured")
	} else {
		out["queue"] = r.queue.Health(ctx)
	}
	return out
}

// Handler serves /readyz: 200 when every check passes, 503 with the failing
// dependency names otherwise.
func (r *Readiness) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		results := r.Check(req.Context())
		var failing []string
		for name, err := range results {
			if err != nil {
				failing = append(failing, name)
			}
		}
		if len(failing) == 0 {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = fmt.Fprintf(w, "not ready: %v", failing)
	}
}
