package datum

import (
	"context"

	"github.com/carebridge/triage/internal/shared/types"
)

// PendingReviewFilter scopes the attention queue to one physician's
// patient panel.
type PendingReviewFilter struct {
	PhysicianID types.ID
	Panel       []types.ID
	Limit       int
	Offset      int
}

// Repository defines storage operations for clinical data. Data is
// append-then-transition: rows are created once and mutated only by
// verification transitions, never deleted.
type Repository interface {
	Create(ctx context.Context, d *ClinicalDatum) error
	Get(ctx context.Context, id types.ID) (*ClinicalDatum, error)
	// UpdateVerification persists the outcome of a verification
	// transition: status plus review stamp.
	UpdateVerification(ctx context.Context, d *ClinicalDatum) error
	// ListPendingReview returns all data with status UNVERIFIED or
	// PENDING_REVIEW for the physician's panel, newest first.
	ListPendingReview(ctx context.Context, filter PendingReviewFilter) ([]ClinicalDatum, int, error)
	ListByPatient(ctx context.Context, patientID types.ID, limit, offset int) ([]ClinicalDatum, int, error)
}
