package datum

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/carebridge/triage/internal/audit"
	"github.com/carebridge/triage/internal/shared/errors"
	"github.com/carebridge/triage/internal/shared/events"
	"github.com/carebridge/triage/internal/shared/metrics"
	"github.com/carebridge/triage/internal/shared/types"
)

// Verification actions accepted from the physician UI.
const (
	ActionVerify  = "verify"
	ActionDispute = "dispute"
	ActionPending = "pending"
)

// Service owns the verification state machine and every audited touch
// of clinical data.
type Service struct {
	repo      Repository
	auditor   *audit.Logger
	publisher events.Publisher
	log       *zap.Logger
}

// NewService creates the clinical data service
func NewService(repo Repository, auditor *audit.Logger, publisher events.Publisher, log *zap.Logger) *Service {
	return &Service{
		repo:      repo,
		auditor:   auditor,
		publisher: publisher,
		log:       log.Named("datum"),
	}
}

// Record persists a new clinical datum and audits its creation. The
// returned bool reports a degraded (unaudited) write.
func (s *Service) Record(ctx context.Context, d *ClinicalDatum, actorType audit.ActorType, actorID types.ID) (bool, error) {
	if err := s.repo.Create(ctx, d); err != nil {
		return false, err
	}

	degraded := false
	if err := s.auditor.Record(ctx, actorType, actorID, audit.ActionDatumCreated, "datum", &d.ID, &d.PatientID, map[string]any{
		"kind":                string(d.Kind),
		"source_type":         string(d.SourceType),
		"verification_status": string(d.VerificationStatus),
		"confidence_score":    d.ConfidenceScore,
	}); err != nil {
		degraded = true
	}

	s.publish(ctx, events.NewEvent(events.TypeDatumCreated, d.PatientID, map[string]any{
		"datum_id":            d.ID,
		"kind":                d.Kind,
		"source_type":         d.SourceType,
		"verification_status": d.VerificationStatus,
	}))

	return degraded, nil
}

// VerificationResult is the outcome of a verification transition.
type VerificationResult struct {
	Datum          *ClinicalDatum
	PreviousStatus VerificationStatus
	Degraded       bool
}

// ApplyVerification runs a physician verification action against a
// datum. Unknown actions are rejected with no state change; the
// rejected attempt is itself audited.
func (s *Service) ApplyVerification(ctx context.Context, datumID types.ID, action string, actorID types.ID) (*VerificationResult, error) {
	switch action {
	case ActionVerify, ActionDispute, ActionPending:
	default:
		s.auditor.Record(ctx, audit.ActorTypePhysician, actorID, audit.ActionRequestRejected, "datum", &datumID, nil, map[string]any{
			"reason": "unknown verification action",
			"action": action,
		})
		return nil, errors.BadRequest("unknown verification action")
	}

	d, err := s.repo.Get(ctx, datumID)
	if err != nil {
		return nil, err
	}

	prior := d.VerificationStatus
	now := time.Now().UTC()

	switch action {
	case ActionVerify:
		err = d.Verify(actorID, now)
	case ActionDispute:
		err = d.Dispute(actorID, now)
	case ActionPending:
		d.MarkPending(now)
	}
	if err != nil {
		return nil, errors.BadRequest(err.Error())
	}

	if err := s.repo.UpdateVerification(ctx, d); err != nil {
		return nil, err
	}

	metrics.RecordVerificationTransition(string(prior), string(d.VerificationStatus))

	auditAction := audit.ActionDatumPending
	eventType := ""
	switch action {
	case ActionVerify:
		auditAction = audit.ActionDatumVerified
		eventType = events.TypeDatumVerified
	case ActionDispute:
		auditAction = audit.ActionDatumDisputed
		eventType = events.TypeDatumDisputed
	}

	res := &VerificationResult{Datum: d, PreviousStatus: prior}

	if err := s.auditor.Record(ctx, audit.ActorTypePhysician, actorID, auditAction, "datum", &d.ID, &d.PatientID, map[string]any{
		"previous_status": string(prior),
		"new_status":      string(d.VerificationStatus),
	}); err != nil {
		res.Degraded = true
	}

	if eventType != "" {
		s.publish(ctx, events.NewEvent(eventType, d.PatientID, map[string]any{
			"datum_id":        d.ID,
			"previous_status": prior,
			"new_status":      d.VerificationStatus,
		}).WithActor(actorID, "physician"))
	}

	return res, nil
}

// View fetches a datum for display, auditing the read.
func (s *Service) View(ctx context.Context, datumID types.ID, actorType audit.ActorType, actorID types.ID) (*ClinicalDatum, bool, error) {
	d, err := s.repo.Get(ctx, datumID)
	if err != nil {
		return nil, false, err
	}

	degraded := false
	if err := s.auditor.Record(ctx, actorType, actorID, audit.ActionDatumViewed, "datum", &d.ID, &d.PatientID, nil); err != nil {
		degraded = true
	}

	return d, degraded, nil
}

// Get fetches a datum without an audit read record. Internal callers
// only; display paths go through View.
func (s *Service) Get(ctx context.Context, datumID types.ID) (*ClinicalDatum, error) {
	return s.repo.Get(ctx, datumID)
}

// PendingReview returns the physician's attention queue, newest first
func (s *Service) PendingReview(ctx context.Context, filter PendingReviewFilter) ([]ClinicalDatum, int, error) {
	return s.repo.ListPendingReview(ctx, filter)
}

// ListByPatient returns all data for one patient, newest first
func (s *Service) ListByPatient(ctx context.Context, patientID types.ID, limit, offset int) ([]ClinicalDatum, int, error) {
	return s.repo.ListByPatient(ctx, patientID, limit, offset)
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
