package audit

import (
	"context"

	"go.uber.org/zap"

	"github.com/carebridge/triage/internal/shared/metrics"
	"github.com/carebridge/triage/internal/shared/types"
)

// Logger records audit entries for PHI-touching operations. A failed
// write never blocks or rolls back the operation it describes; instead
// the failure is returned so callers can flag the response as degraded,
// and it is logged and counted for operators.
type Logger struct {
	repo Repository
	log  *zap.Logger
}

// NewLogger creates an audit logger backed by the given repository
func NewLogger(repo Repository, log *zap.Logger) *Logger {
	return &Logger{repo: repo, log: log.Named("audit")}
}

// Record appends an audit entry. The returned error, when non-nil,
// means the underlying operation succeeded but is unaudited; callers
// must surface this as a degraded result rather than discard it.
func (l *Logger) Record(
	ctx context.Context,
	actorType ActorType,
	actorID types.ID,
	action, resourceType string,
	resourceID, patientID *types.ID,
	metadata map[string]any,
) error {
	entry := NewEntry(actorType, actorID, action, resourceType, resourceID, patientID, metadata)

	if err := l.repo.Append(ctx, entry); err != nil {
		metrics.RecordAuditWriteFailure()
		l.log.Error("audit write failed",
			zap.String("action", action),
			zap.String("actor_id", actorID.String()),
			zap.Error(err))
		return err
	}

	metrics.RecordAuditEntry()
	return nil
}

// SystemActorID is the fixed actor recorded for automated actions
// (auto-lock, ingestion, scheduled imports).
var SystemActorID = types.ID("00000000-0000-0000-0000-000000000000")

// RecordSystem appends an entry attributed to the system actor
func (l *Logger) RecordSystem(
	ctx context.Context,
	action, resourceType string,
	resourceID, patientID *types.ID,
	metadata map[string]any,
) error {
	return l.Record(ctx, ActorTypeSystem, SystemActorID, action, resourceType, resourceID, patientID, metadata)
}
