package audit

import (
	"context"
	"sync"

	"github.com/carebridge/triage/internal/shared/errors"
	"github.com/carebridge/triage/internal/shared/types"
)

// MemoryRepository is an in-memory audit store used in development mode
// and in tests. It keeps the same hash-chain semantics as the Postgres
// store.
type MemoryRepository struct {
	mu       sync.Mutex
	entries  []Entry
	lastHash string
}

// NewMemoryRepository creates an empty in-memory audit store
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{}
}

// Initialize is a no-op for the in-memory store
func (r *MemoryRepository) Initialize(ctx context.Context) error {
	return nil
}

// Append stores a new entry, linking it into the hash chain
func (r *MemoryRepository) Append(ctx context.Context, entry *Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry.PrevHash = r.lastHash
	entry.Hash = entry.calculateHash()
	entry.Sequence = int64(len(r.entries) + 1)

	r.entries = append(r.entries, *entry)
	r.lastHash = entry.Hash

	return nil
}

// List returns entries newest first. Filters beyond patient and action
// are not applied; the in-memory store backs tests and dev mode only.
func (r *MemoryRepository) List(ctx context.Context, filter ListFilter) ([]Entry, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var matched []Entry
	for i := len(r.entries) - 1; i >= 0; i-- {
		e := r.entries[i]
		if filter.Action != "" && e.Action != filter.Action {
			continue
		}
		if filter.PatientID != nil && (e.PatientID == nil || *e.PatientID != *filter.PatientID) {
			continue
		}
		matched = append(matched, e)
	}

	return matched, len(matched), nil
}

// FindByID finds a single entry
func (r *MemoryRepository) FindByID(ctx context.Context, id types.ID) (*Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.entries {
		if r.entries[i].ID == id {
			e := r.entries[i]
			return &e, nil
		}
	}
	return nil, errors.NotFound("audit entry", id.String())
}

// VerifyChain checks hash-chain integrity over all stored entries
func (r *MemoryRepository) VerifyChain(ctx context.Context, limit int, includeDetails bool) (*VerifyResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	result := &VerifyResult{Valid: true, Entries: make([]VerifyEntryResult, 0)}

	prevHash := ""
	for _, e := range r.entries {
		ver := VerifyEntryResult{
			ID: e.ID, Sequence: e.Sequence, Hash: e.Hash, PrevHash: e.PrevHash,
			Action: e.Action, ContentValid: true, LinkageValid: true, Valid: true,
		}

		if e.ComputeHash() != e.Hash {
			ver.ContentValid = false
			ver.Valid = false
			result.ContentInvalid++
			result.Valid = false
		} else {
			result.ContentValid++
		}

		if e.PrevHash != prevHash {
			ver.LinkageValid = false
			ver.Valid = false
			result.LinkageInvalid++
			result.Valid = false
		} else {
			result.LinkageValid++
		}

		if includeDetails {
			result.Entries = append(result.Entries, ver)
		}

		prevHash = e.Hash
		result.Checked++
	}

	return result, nil
}

var _ Repository = (*MemoryRepository)(nil)
