package alert

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/carebridge/triage/internal/audit"
	"github.com/carebridge/triage/internal/shared/config"
	sharederrors "github.com/carebridge/triage/internal/shared/errors"
	"github.com/carebridge/triage/internal/shared/events"
	"github.com/carebridge/triage/internal/shared/metrics"
	"github.com/carebridge/triage/internal/shared/types"
)

// Service is the alert aggregator. It owns alert persistence, the
// auto-lock evaluation, and resolution. Event publishing is best-effort;
// audit failures are surfaced to callers as degraded results.
type Service struct {
	repo      Repository
	auditor   *audit.Logger
	publisher events.Publisher
	log       *zap.Logger
	cfg       config.TriageConfig
}

// NewService creates the alert aggregator
func NewService(repo Repository, auditor *audit.Logger, publisher events.Publisher, log *zap.Logger, cfg config.TriageConfig) *Service {
	return &Service{
		repo:      repo,
		auditor:   auditor,
		publisher: publisher,
		log:       log.Named("alert"),
		cfg:       cfg,
	}
}

// Result is the outcome of raising an alert.
type Result struct {
	Alert *Alert
	Eval  *LockEvaluation
	// Degraded is true when the alert persisted but its audit record
	// did not.
	Degraded bool
}

// Raise persists an alert and runs the auto-lock evaluation. Persist
// failures are retried with backoff; a critical alert that cannot be
// stored is an error the caller must report, never a silent drop.
func (s *Service) Raise(ctx context.Context, a *Alert) (*Result, error) {
	var eval *LockEvaluation
	var err error

	attempts := s.cfg.AlertRetryAttempts
	if attempts < 1 {
		attempts = 1
	}

	for i := 0; i < attempts; i++ {
		eval, err = s.repo.CreateWithLockEvaluation(ctx, a, s.cfg.LockWindow, s.cfg.LockThreshold)
		if err == nil {
			break
		}
		if sharederrors.IsConflict(err) {
			// Already recorded on a prior delivery; not transient
			return nil, err
		}

		s.log.Warn("alert persist failed",
			zap.String("alert_id", a.ID.String()),
			zap.String("severity", string(a.Severity)),
			zap.Int("attempt", i+1),
			zap.Error(err))

		if i < attempts-1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(s.cfg.AlertRetryDelay * time.Duration(i+1)):
			}
		}
	}
	if err != nil {
		return nil, err
	}

	metrics.RecordAlertCreated(string(a.Severity), a.TriggerSource)

	res := &Result{Alert: a, Eval: eval}

	auditErr := s.auditor.RecordSystem(ctx, audit.ActionAlertCreated, "alert", &a.ID, &a.PatientID, map[string]any{
		"severity":       string(a.Severity),
		"category":       a.Category,
		"trigger_source": a.TriggerSource,
	})
	if auditErr != nil {
		res.Degraded = true
	}

	s.publish(ctx, events.NewEvent(events.TypeAlertCreated, a.PatientID, map[string]any{
		"alert_id":       a.ID,
		"severity":       a.Severity,
		"category":       a.Category,
		"trigger_source": a.TriggerSource,
	}))

	if eval.Tripped {
		metrics.RecordLockTripped()
		s.log.Warn("patient auto-lock tripped",
			zap.String("patient_id", a.PatientID.String()),
			zap.Int("unresolved_critical_count", eval.UnresolvedCriticalCount))

		if err := s.auditor.RecordSystem(ctx, audit.ActionPatientLocked, "patient_lock", nil, &a.PatientID, map[string]any{
			"unresolved_critical_count": eval.UnresolvedCriticalCount,
			"triggering_alert_id":       a.ID.String(),
		}); err != nil {
			res.Degraded = true
		}

		s.publish(ctx, events.NewEvent(events.TypePatientLocked, a.PatientID, map[string]any{
			"unresolved_critical_count": eval.UnresolvedCriticalCount,
		}))
	}

	return res, nil
}

// Resolve marks an alert resolved by the given actor
func (s *Service) Resolve(ctx context.Context, alertID, actor types.ID, note string) (*Alert, bool, error) {
	a, err := s.repo.Get(ctx, alertID)
	if err != nil {
		return nil, false, err
	}

	if err := a.Resolve(actor, note); err != nil {
		return nil, false, err
	}

	if err := s.repo.Resolve(ctx, a); err != nil {
		return nil, false, err
	}

	metrics.RecordAlertResolved()

	degraded := false
	if err := s.auditor.Record(ctx, audit.ActorTypePhysician, actor, audit.ActionAlertResolved, "alert", &a.ID, &a.PatientID, map[string]any{
		"severity": string(a.Severity),
	}); err != nil {
		degraded = true
	}

	s.publish(ctx, events.NewEvent(events.TypeAlertResolved, a.PatientID, map[string]any{
		"alert_id": a.ID,
	}).WithActor(actor, "physician"))

	return a, degraded, nil
}

// ListByPatient lists a patient's alerts, newest first
func (s *Service) ListByPatient(ctx context.Context, patientID types.ID, includeResolved bool, limit, offset int) ([]Alert, int, error) {
	return s.repo.ListByPatient(ctx, patientID, includeResolved, limit, offset)
}

// LockState returns the current lock state for a patient
func (s *Service) LockState(ctx context.Context, patientID types.ID) (*LockState, error) {
	return s.repo.GetLockState(ctx, patientID)
}

// Unlock clears a patient's auto-lock. Role enforcement lives at the
// API layer; the actor is recorded here regardless.
func (s *Service) Unlock(ctx context.Context, patientID, actor types.ID) (*LockState, bool, error) {
	state, err := s.repo.Unlock(ctx, patientID, actor)
	if err != nil {
		return nil, false, err
	}

	metrics.RecordLockReleased()

	degraded := false
	if err := s.auditor.Record(ctx, audit.ActorTypePhysician, actor, audit.ActionPatientUnlocked, "patient_lock", nil, &patientID, nil); err != nil {
		degraded = true
	}

	s.publish(ctx, events.NewEvent(events.TypePatientUnlocked, patientID, nil).WithActor(actor, "physician"))

	return state, degraded, nil
}

func (s *Service) publish(ctx context.Context, event events.Event) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.log.Warn("event publish failed",
			zap.String("event_type", event.Type),
			zap.Error(err))
	}
}
