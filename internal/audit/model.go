package audit

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"

	"github.com/carebridge/triage/internal/shared/types"
)

// canonicalJSON produces deterministic JSON output with sorted map keys.
// This is critical for hash verification - Go maps have random iteration order,
// and PostgreSQL JSONB may reorder keys, so we must sort them for consistent hashing.
func canonicalJSON(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	var parsed any
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, err
	}

	return canonicalMarshal(parsed)
}

func canonicalMarshal(v any) ([]byte, error) {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		var buf bytes.Buffer
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			keyBytes, _ := json.Marshal(k)
			buf.Write(keyBytes)
			buf.WriteByte(':')
			valBytes, err := canonicalMarshal(val[k])
			if err != nil {
				return nil, err
			}
			buf.Write(valBytes)
		}
		buf.WriteByte('}')
		return buf.Bytes(), nil

	case []any:
		var buf bytes.Buffer
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			itemBytes, err := canonicalMarshal(item)
			if err != nil {
				return nil, err
			}
			buf.Write(itemBytes)
		}
		buf.WriteByte(']')
		return buf.Bytes(), nil

	default:
		return json.Marshal(val)
	}
}

// ActorType defines the type of actor touching patient data
type ActorType string

const (
	ActorTypePhysician ActorType = "physician"
	ActorTypePatient   ActorType = "patient"
	ActorTypeSystem    ActorType = "system"
	ActorTypeDevice    ActorType = "device"
)

// Entry represents an immutable audit log entry. One entry is written
// for every PHI-touching operation. Metadata carries resource
// identifiers and action context only - never clinical values.
type Entry struct {
	ID        types.ID  `json:"id"`
	Sequence  int64     `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
	Hash      string    `json:"hash"`
	PrevHash  string    `json:"prev_hash,omitempty"`

	// Actor
	ActorType ActorType `json:"actor_type"`
	ActorID   types.ID  `json:"actor_id"`

	// Action
	Action       string    `json:"action"`
	ResourceType string    `json:"resource_type"`
	ResourceID   *types.ID `json:"resource_id,omitempty"`
	PatientID    *types.ID `json:"patient_id,omitempty"`

	// Context (non-PHI)
	Metadata map[string]any `json:"metadata,omitempty"`
}

// NewEntry creates a new audit entry
func NewEntry(
	actorType ActorType,
	actorID types.ID,
	action, resourceType string,
	resourceID, patientID *types.ID,
	metadata map[string]any,
) *Entry {
	entry := &Entry{
		ID:           types.NewID(),
		Timestamp:    time.Now().UTC().Truncate(time.Microsecond), // Truncate to microseconds for PostgreSQL compatibility
		ActorType:    actorType,
		ActorID:      actorID,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		PatientID:    patientID,
		Metadata:     metadata,
	}

	entry.Hash = entry.calculateHash()

	return entry
}

// calculateHash calculates the SHA-256 hash of the entry using canonical JSON
// for deterministic output regardless of map key ordering.
func (e *Entry) calculateHash() string {
	// Always use UTC for the timestamp so hashing is timezone-independent
	data := map[string]any{
		"id":            e.ID,
		"timestamp":     e.Timestamp.UTC().Format(time.RFC3339Nano),
		"prev_hash":     e.PrevHash,
		"actor_type":    e.ActorType,
		"actor_id":      e.ActorID,
		"action":        e.Action,
		"resource_type": e.ResourceType,
	}

	if e.ResourceID != nil {
		data["resource_id"] = e.ResourceID
	}
	if e.PatientID != nil {
		data["patient_id"] = e.PatientID
	}
	if len(e.Metadata) > 0 {
		data["metadata"] = e.Metadata
	}

	jsonData, _ := canonicalJSON(data)
	hash := sha256.Sum256(jsonData)
	return hex.EncodeToString(hash[:])
}

// VerifyHash verifies the entry's hash
func (e *Entry) VerifyHash() bool {
	return e.Hash == e.calculateHash()
}

// ComputeHash computes and returns the correct hash for this entry
func (e *Entry) ComputeHash() string {
	return e.calculateHash()
}

// ListFilter defines filters for listing audit entries
type ListFilter struct {
	ActorID      *types.ID  `json:"actor_id,omitempty"`
	ActorType    *ActorType `json:"actor_type,omitempty"`
	Action       string     `json:"action,omitempty"`
	ResourceType string     `json:"resource_type,omitempty"`
	ResourceID   *types.ID  `json:"resource_id,omitempty"`
	PatientID    *types.ID  `json:"patient_id,omitempty"`
	StartTime    *time.Time `json:"start_time,omitempty"`
	EndTime      *time.Time `json:"end_time,omitempty"`
	Limit        int        `json:"limit,omitempty"`
	Offset       int        `json:"offset,omitempty"`
}

// Audit actions covering every PHI-touching operation in the engine.
const (
	// Clinical data
	ActionDatumCreated  = "datum.created"
	ActionDatumViewed   = "datum.viewed"
	ActionDatumVerified = "datum.verified"
	ActionDatumDisputed = "datum.disputed"
	ActionDatumPending  = "datum.pending"

	// Alerts
	ActionAlertCreated  = "alert.created"
	ActionAlertResolved = "alert.resolved"

	// Auto-lock
	ActionPatientLocked   = "patient.locked"
	ActionPatientUnlocked = "patient.unlocked"

	// Imports
	ActionEMRImported    = "emr.imported"
	ActionDeviceRecorded = "device.recorded"

	// Rejected attempts are logged too
	ActionRequestRejected = "request.rejected"
)
