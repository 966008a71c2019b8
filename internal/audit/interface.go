package audit

import (
	"context"

	"github.com/carebridge/triage/internal/shared/types"
)

// Repository defines append-only audit storage. Entries are never
// mutated or deleted.
type Repository interface {
	// Initialize loads chain state (the last hash).
	Initialize(ctx context.Context) error

	// Append stores a new entry, linking it into the hash chain.
	Append(ctx context.Context, entry *Entry) error

	// List queries entries (read-only).
	List(ctx context.Context, filter ListFilter) ([]Entry, int, error)

	// FindByID finds a single entry (read-only).
	FindByID(ctx context.Context, id types.ID) (*Entry, error)

	// VerifyChain checks hash-chain integrity over recent entries.
	VerifyChain(ctx context.Context, limit int, includeDetails bool) (*VerifyResult, error)
}
