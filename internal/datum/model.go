package datum

import (
	"fmt"
	"time"

	"github.com/carebridge/triage/internal/shared/types"
)

// SourceType identifies where a clinical datum entered the system.
type SourceType string

const (
	SourcePatientSMS    SourceType = "PATIENT_SMS"
	SourcePatientVoice  SourceType = "PATIENT_VOICE"
	SourcePatientPortal SourceType = "PATIENT_PORTAL"
	SourceClinician     SourceType = "CLINICIAN"
	SourceDevice        SourceType = "DEVICE"
	SourceEMRImport     SourceType = "EMR_IMPORT"
	SourceAIExtracted   SourceType = "AI_EXTRACTED"
	SourceSystem        SourceType = "SYSTEM"
)

// Label returns the human-readable origin used in attribution strings.
func (s SourceType) Label() string {
	switch s {
	case SourcePatientSMS:
		return "Patient SMS"
	case SourcePatientVoice:
		return "Patient voice"
	case SourcePatientPortal:
		return "Patient portal"
	case SourceClinician:
		return "Clinician"
	case SourceDevice:
		return "Device"
	case SourceEMRImport:
		return "EMR import"
	case SourceAIExtracted:
		return "AI extracted"
	case SourceSystem:
		return "System"
	default:
		return string(s)
	}
}

// Valid reports whether the source type is a known value.
func (s SourceType) Valid() bool {
	switch s {
	case SourcePatientSMS, SourcePatientVoice, SourcePatientPortal,
		SourceClinician, SourceDevice, SourceEMRImport,
		SourceAIExtracted, SourceSystem:
		return true
	}
	return false
}

// VerificationStatus is the trust tier of a clinical datum.
type VerificationStatus string

const (
	StatusUnverified    VerificationStatus = "UNVERIFIED"
	StatusPendingReview VerificationStatus = "PENDING_REVIEW"
	StatusVerified      VerificationStatus = "VERIFIED"
	StatusDisputed      VerificationStatus = "DISPUTED"
)

// Valid reports whether the status is a known value.
func (v VerificationStatus) Valid() bool {
	switch v {
	case StatusUnverified, StatusPendingReview, StatusVerified, StatusDisputed:
		return true
	}
	return false
}

// Kind distinguishes what a datum records.
type Kind string

const (
	KindMedication Kind = "medication"
	KindVital      Kind = "vital"
	KindReport     Kind = "report"
)

// Valid reports whether the kind is a known value.
func (k Kind) Valid() bool {
	switch k {
	case KindMedication, KindVital, KindReport:
		return true
	}
	return false
}

// InitialStatus maps a source to the trust tier it starts in. Trusted
// origins are verified at creation; patient self-report starts
// unverified; machine-extracted data needs a human check.
func InitialStatus(source SourceType) VerificationStatus {
	switch source {
	case SourceClinician, SourceDevice, SourceEMRImport:
		return StatusVerified
	case SourceAIExtracted:
		return StatusPendingReview
	default:
		return StatusUnverified
	}
}

// ClinicalDatum is any patient-attributable fact: a medication claim,
// a vital reading, or a free-text report. Data is never deleted;
// newer data supersedes it.
type ClinicalDatum struct {
	ID          types.ID   `json:"id"`
	PatientID   types.ID   `json:"patient_id"`
	PhysicianID types.ID   `json:"physician_id,omitempty"`
	Kind        Kind       `json:"kind"`
	Label       string     `json:"label"`
	Value       string     `json:"value"`
	Unit        string     `json:"unit,omitempty"`
	// ValueReadable is false when the encrypted store could not decrypt
	// the value. The datum still exists; display paths substitute a
	// placeholder and the datum is never treated as verified because of it.
	ValueReadable bool `json:"value_readable"`

	SourceType         SourceType         `json:"source_type"`
	VerificationStatus VerificationStatus `json:"verification_status"`
	// ConfidenceScore is assigned once at creation and never changes;
	// only the verification status transitions afterwards.
	ConfidenceScore int `json:"confidence_score"`

	RecordedAt time.Time  `json:"recorded_at"`
	VerifiedBy *types.ID  `json:"verified_by,omitempty"`
	VerifiedAt *time.Time `json:"verified_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// New creates a clinical datum with its initial trust tier derived from
// the source. recordedBy identifies the recording actor; for trusted
// origins (which start VERIFIED) it becomes the verification stamp, so
// it is required there and ignored for self-reported sources.
func New(patientID types.ID, kind Kind, label string, value types.ReadResult, sourceType SourceType, confidence int, recordedBy types.ID) (*ClinicalDatum, error) {
	if patientID.IsZero() {
		return nil, fmt.Errorf("patient id is required")
	}
	if !kind.Valid() {
		return nil, fmt.Errorf("unknown datum kind %q", kind)
	}
	if !sourceType.Valid() {
		return nil, fmt.Errorf("unknown source type %q", sourceType)
	}
	if confidence < 0 || confidence > 3 {
		return nil, fmt.Errorf("confidence score %d out of range", confidence)
	}

	now := time.Now().UTC()
	text, readable := value.Value()
	d := &ClinicalDatum{
		ID:                 types.NewID(),
		PatientID:          patientID,
		Kind:               kind,
		Label:              label,
		Value:              text,
		ValueReadable:      readable,
		SourceType:         sourceType,
		VerificationStatus: InitialStatus(sourceType),
		ConfidenceScore:    confidence,
		RecordedAt:         now,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	if d.VerificationStatus == StatusVerified {
		if recordedBy.IsZero() {
			return nil, fmt.Errorf("recording actor is required for trusted source %q", sourceType)
		}
		d.VerifiedBy = &recordedBy
		d.VerifiedAt = &now
	}

	return d, nil
}

// Verify transitions the datum to VERIFIED, stamping the reviewing
// actor. Any prior state may be verified; corrections happen.
func (d *ClinicalDatum) Verify(actorID types.ID, at time.Time) error {
	if actorID.IsZero() {
		return fmt.Errorf("verifying actor is required")
	}
	d.VerificationStatus = StatusVerified
	d.VerifiedBy = &actorID
	d.VerifiedAt = &at
	d.UpdatedAt = at
	return nil
}

// Dispute transitions the datum to DISPUTED, stamping the reviewing
// actor.
func (d *ClinicalDatum) Dispute(actorID types.ID, at time.Time) error {
	if actorID.IsZero() {
		return fmt.Errorf("disputing actor is required")
	}
	d.VerificationStatus = StatusDisputed
	d.VerifiedBy = &actorID
	d.VerifiedAt = &at
	d.UpdatedAt = at
	return nil
}

// MarkPending sends the datum back to PENDING_REVIEW and clears the
// review stamp: pending data has, by definition, no confirming actor.
func (d *ClinicalDatum) MarkPending(at time.Time) {
	d.VerificationStatus = StatusPendingReview
	d.VerifiedBy = nil
	d.VerifiedAt = nil
	d.UpdatedAt = at
}

// NeedsAttention reports whether the datum belongs in a physician's
// review queue.
func (d *ClinicalDatum) NeedsAttention() bool {
	return d.VerificationStatus == StatusUnverified || d.VerificationStatus == StatusPendingReview
}

// DisplayValue returns the value for rendering, substituting a neutral
// placeholder when the stored value could not be decrypted.
func (d *ClinicalDatum) DisplayValue() string {
	if !d.ValueReadable {
		return "[value unavailable]"
	}
	if d.Unit != "" {
		return d.Value + " " + d.Unit
	}
	return d.Value
}
