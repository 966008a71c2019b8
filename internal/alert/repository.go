package alert

import (
	"context"
	"time"

	"github.com/carebridge/triage/internal/shared/types"
)

// Repository defines alert and lock-state storage operations.
//
// CreateWithLockEvaluation is the only write path for alerts created by
// the aggregator: the insert and the window count-and-decide run in one
// transaction so two concurrent critical alerts cannot both observe a
// stale count and miss the lock threshold.
type Repository interface {
	CreateWithLockEvaluation(ctx context.Context, a *Alert, window time.Duration, threshold int) (*LockEvaluation, error)
	Get(ctx context.Context, id types.ID) (*Alert, error)
	ListByPatient(ctx context.Context, patientID types.ID, includeResolved bool, limit, offset int) ([]Alert, int, error)
	Resolve(ctx context.Context, a *Alert) error
	GetLockState(ctx context.Context, patientID types.ID) (*LockState, error)
	Unlock(ctx context.Context, patientID, actor types.ID) (*LockState, error)
}
