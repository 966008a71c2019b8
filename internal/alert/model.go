package alert

import (
	"time"

	"github.com/carebridge/triage/internal/shared/errors"
	"github.com/carebridge/triage/internal/shared/types"
)

// Severity classifies an alert's clinical urgency.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Valid checks the severity is one of the closed set
func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// Trigger sources recorded on alerts. Dashboards group by these.
const (
	TriggerEscalationKeyword = "escalation_keyword"
	TriggerVitalThreshold    = "vital_threshold"
	TriggerMedicationRule    = "medication_rule"
	TriggerManual            = "manual"
)

// Alert is a persisted clinical alert. Alerts are never deleted;
// resolution is an explicit, attributed action.
type Alert struct {
	ID            types.ID       `json:"id"`
	PatientID     types.ID       `json:"patient_id"`
	Severity      Severity       `json:"severity"`
	Category      string         `json:"category"`
	Message       string         `json:"message"`
	TriggerSource string         `json:"trigger_source"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	Resolved      bool           `json:"resolved"`
	ResolvedBy    *types.ID      `json:"resolved_by,omitempty"`
	ResolvedAt    *time.Time     `json:"resolved_at,omitempty"`
	Resolution    string         `json:"resolution,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// New creates an unresolved alert
func New(patientID types.ID, severity Severity, category, message, triggerSource string) (*Alert, error) {
	if patientID.IsZero() {
		return nil, errors.Validation("patient ID is required", nil)
	}
	if !severity.Valid() {
		return nil, errors.Validation("invalid severity", map[string]string{"severity": string(severity)})
	}
	if message == "" {
		return nil, errors.Validation("alert message is required", nil)
	}

	return &Alert{
		ID:            types.NewID(),
		PatientID:     patientID,
		Severity:      severity,
		Category:      category,
		Message:       message,
		TriggerSource: triggerSource,
		CreatedAt:     time.Now().UTC(),
	}, nil
}

// Resolve marks the alert resolved by the given actor. Critical alerts
// are never auto-resolved; the actor is mandatory.
func (a *Alert) Resolve(actor types.ID, note string) error {
	if actor.IsZero() {
		return errors.Validation("resolving actor is required", nil)
	}
	if a.Resolved {
		return errors.Conflict("alert is already resolved")
	}

	now := time.Now().UTC()
	a.Resolved = true
	a.ResolvedBy = &actor
	a.ResolvedAt = &now
	a.Resolution = note
	return nil
}

// LockState is the per-patient auto-lock record. It is derived state,
// reconstructable from the alert table, and owned by the aggregator.
type LockState struct {
	PatientID               types.ID   `json:"patient_id"`
	Locked                  bool       `json:"locked"`
	Reason                  string     `json:"reason,omitempty"`
	UnresolvedCriticalCount int        `json:"unresolved_critical_count"`
	WindowStart             *time.Time `json:"window_start,omitempty"`
	LockedAt                *time.Time `json:"locked_at,omitempty"`
	UnlockedBy              *types.ID  `json:"unlocked_by,omitempty"`
	UnlockedAt              *time.Time `json:"unlocked_at,omitempty"`
}

// AgentEnabled is the gate the conversational reply step checks.
func (l *LockState) AgentEnabled() bool {
	return l == nil || !l.Locked
}

// LockEvaluation reports the outcome of the transactional
// count-and-decide step run at alert creation time.
type LockEvaluation struct {
	UnresolvedCriticalCount int  `json:"unresolved_critical_count"`
	Locked                  bool `json:"locked"`
	// Tripped is true only when this evaluation flipped the lock on.
	Tripped bool `json:"tripped"`
}
