package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/carebridge/triage/internal/shared/errors"
	"github.com/carebridge/triage/internal/shared/types"
)

// PostgresRepository provides append-only audit log operations
type PostgresRepository struct {
	pool     *pgxpool.Pool
	mu       sync.Mutex
	lastHash string
}

// NewPostgresRepository creates a new audit repository
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

// Initialize loads the last hash from the database
func (r *PostgresRepository) Initialize(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var hash string
	err := r.pool.QueryRow(ctx, `
		SELECT hash FROM audit.entries
		ORDER BY sequence DESC
		LIMIT 1
	`).Scan(&hash)

	if err != nil && !strings.Contains(err.Error(), "no rows") {
		return errors.Wrap(err, "failed to get last audit hash")
	}

	r.lastHash = hash
	return nil
}

// Append appends a new audit entry (thread-safe)
func (r *PostgresRepository) Append(ctx context.Context, entry *Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Set previous hash and recalculate with it
	entry.PrevHash = r.lastHash
	entry.Hash = entry.calculateHash()

	metadataJSON, err := json.Marshal(entry.Metadata)
	if err != nil {
		return errors.Wrap(err, "failed to marshal metadata")
	}

	query := `
		INSERT INTO audit.entries (
			id, timestamp, hash, prev_hash,
			actor_type, actor_id,
			action, resource_type, resource_id, patient_id,
			metadata
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11
		) RETURNING sequence`

	err = r.pool.QueryRow(ctx, query,
		entry.ID, entry.Timestamp, entry.Hash, entry.PrevHash,
		entry.ActorType, entry.ActorID,
		entry.Action, entry.ResourceType, entry.ResourceID, entry.PatientID,
		metadataJSON,
	).Scan(&entry.Sequence)

	if err != nil {
		return errors.Wrap(err, "failed to append audit entry")
	}

	r.lastHash = entry.Hash

	return nil
}

// List lists audit entries with filters (read-only)
func (r *PostgresRepository) List(ctx context.Context, filter ListFilter) ([]Entry, int, error) {
	var conditions []string
	var args []interface{}
	argNum := 1

	if filter.ActorID != nil {
		conditions = append(conditions, fmt.Sprintf("actor_id = $%d", argNum))
		args = append(args, *filter.ActorID)
		argNum++
	}

	if filter.ActorType != nil {
		conditions = append(conditions, fmt.Sprintf("actor_type = $%d", argNum))
		args = append(args, *filter.ActorType)
		argNum++
	}

	if filter.Action != "" {
		conditions = append(conditions, fmt.Sprintf("action LIKE $%d", argNum))
		args = append(args, filter.Action+"%")
		argNum++
	}

	if filter.ResourceType != "" {
		conditions = append(conditions, fmt.Sprintf("resource_type = $%d", argNum))
		args = append(args, filter.ResourceType)
		argNum++
	}

	if filter.ResourceID != nil {
		conditions = append(conditions, fmt.Sprintf("resource_id = $%d", argNum))
		args = append(args, *filter.ResourceID)
		argNum++
	}

	if filter.PatientID != nil {
		conditions = append(conditions, fmt.Sprintf("patient_id = $%d", argNum))
		args = append(args, *filter.PatientID)
		argNum++
	}

	if filter.StartTime != nil {
		conditions = append(conditions, fmt.Sprintf("timestamp >= $%d", argNum))
		args = append(args, *filter.StartTime)
		argNum++
	}

	if filter.EndTime != nil {
		conditions = append(conditions, fmt.Sprintf("timestamp <= $%d", argNum))
		args = append(args, *filter.EndTime)
		argNum++
	}

	whereClause := ""
	if len(conditions) > 0 {
		whereClause = "WHERE " + strings.Join(conditions, " AND ")
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM audit.entries %s", whereClause)
	var total int
	if err := r.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, errors.Wrap(err, "failed to count audit entries")
	}

	limit := 50
	if filter.Limit > 0 && filter.Limit <= 100 {
		limit = filter.Limit
	}

	query := fmt.Sprintf(`
		SELECT id, sequence, timestamp, hash, prev_hash,
			actor_type, actor_id,
			action, resource_type, resource_id, patient_id,
			metadata
		FROM audit.entries
		%s
		ORDER BY sequence DESC
		LIMIT $%d OFFSET $%d`, whereClause, argNum, argNum+1)

	args = append(args, limit, filter.Offset)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, errors.Wrap(err, "failed to list audit entries")
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var metadataJSON []byte

		err := rows.Scan(
			&e.ID, &e.Sequence, &e.Timestamp, &e.Hash, &e.PrevHash,
			&e.ActorType, &e.ActorID,
			&e.Action, &e.ResourceType, &e.ResourceID, &e.PatientID,
			&metadataJSON,
		)
		if err != nil {
			return nil, 0, errors.Wrap(err, "failed to scan audit entry")
		}

		if err := json.Unmarshal(metadataJSON, &e.Metadata); err != nil {
			e.Metadata = nil
		}

		entries = append(entries, e)
	}

	return entries, total, nil
}

// FindByID finds an audit entry by ID (read-only)
func (r *PostgresRepository) FindByID(ctx context.Context, id types.ID) (*Entry, error) {
	query := `
		SELECT id, sequence, timestamp, hash, prev_hash,
			actor_type, actor_id,
			action, resource_type, resource_id, patient_id,
			metadata
		FROM audit.entries
		WHERE id = $1`

	var e Entry
	var metadataJSON []byte

	err := r.pool.QueryRow(ctx, query, id).Scan(
		&e.ID, &e.Sequence, &e.Timestamp, &e.Hash, &e.PrevHash,
		&e.ActorType, &e.ActorID,
		&e.Action, &e.ResourceType, &e.ResourceID, &e.PatientID,
		&metadataJSON,
	)

	if err != nil {
		if strings.Contains(err.Error(), "no rows") {
			return nil, errors.NotFound("audit entry", id.String())
		}
		return nil, errors.Wrap(err, "failed to find audit entry")
	}

	if err := json.Unmarshal(metadataJSON, &e.Metadata); err != nil {
		e.Metadata = nil
	}

	return &e, nil
}

// VerifyResult contains detailed chain verification results
type VerifyResult struct {
	Valid          bool                `json:"valid"`
	Checked        int                 `json:"checked"`
	ContentValid   int                 `json:"content_valid"`   // Entries with valid content hash
	ContentInvalid int                 `json:"content_invalid"` // Entries with tampered content
	LinkageValid   int                 `json:"linkage_valid"`   // Entries with valid chain linkage
	LinkageInvalid int                 `json:"linkage_invalid"` // Entries with broken chain
	Violations     []string            `json:"violations,omitempty"`
	Entries        []VerifyEntryResult `json:"entries,omitempty"`
}

// VerifyEntryResult contains verification result for a single entry
type VerifyEntryResult struct {
	ID            types.ID `json:"id"`
	Sequence      int64    `json:"sequence"`
	Hash          string   `json:"hash"`
	ComputedHash  string   `json:"computed_hash,omitempty"`
	PrevHash      string   `json:"prev_hash"`
	Valid         bool     `json:"valid"`
	ContentValid  bool     `json:"content_valid"`
	LinkageValid  bool     `json:"linkage_valid"`
	Action        string   `json:"action"`
	ViolationType string   `json:"violation_type,omitempty"` // "content", "linkage", "both"
}

// VerifyChain verifies the integrity of the audit chain.
// Performs two checks:
// 1. Content verification: recalculates each entry's hash from its data
// 2. Linkage verification: each entry's prev_hash must match the previous entry's hash
func (r *PostgresRepository) VerifyChain(ctx context.Context, limit int, includeDetails bool) (*VerifyResult, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	rows, err := r.pool.Query(ctx, `
		SELECT id, sequence, timestamp, hash, prev_hash,
			   actor_type, actor_id,
			   action, resource_type, resource_id, patient_id,
			   metadata
		FROM audit.entries
		ORDER BY sequence DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query audit entries")
	}
	defer rows.Close()

	result := &VerifyResult{
		Valid:   true,
		Entries: make([]VerifyEntryResult, 0),
	}

	var entries []Entry
	for rows.Next() {
		var e Entry
		var metadataJSON []byte

		err := rows.Scan(
			&e.ID, &e.Sequence, &e.Timestamp, &e.Hash, &e.PrevHash,
			&e.ActorType, &e.ActorID,
			&e.Action, &e.ResourceType, &e.ResourceID, &e.PatientID,
			&metadataJSON,
		)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan audit entry")
		}

		if len(metadataJSON) > 0 {
			json.Unmarshal(metadataJSON, &e.Metadata)
		}

		entries = append(entries, e)
	}

	// Entries are in DESC order, so prevStoredHash belongs to the entry
	// that comes after the current one in time.
	var prevStoredHash string

	for i, e := range entries {
		verifyEntry := VerifyEntryResult{
			ID:           e.ID,
			Sequence:     e.Sequence,
			Hash:         e.Hash,
			PrevHash:     e.PrevHash,
			Action:       e.Action,
			ContentValid: true,
			LinkageValid: true,
			Valid:        true,
		}

		computedHash := e.ComputeHash()
		verifyEntry.ComputedHash = computedHash

		if computedHash != e.Hash {
			verifyEntry.ContentValid = false
			verifyEntry.Valid = false
			result.ContentInvalid++
			result.Valid = false
			result.Violations = append(result.Violations,
				fmt.Sprintf("CONTENT TAMPERED: Entry %s (seq %d) - stored hash doesn't match content", e.ID, e.Sequence))
			verifyEntry.ViolationType = "content"
		} else {
			result.ContentValid++
		}

		if i > 0 && prevStoredHash != "" && e.Hash != prevStoredHash {
			verifyEntry.LinkageValid = false
			verifyEntry.Valid = false
			result.LinkageInvalid++
			result.Valid = false
			result.Violations = append(result.Violations,
				fmt.Sprintf("CHAIN BROKEN: Entry %s (seq %d) - hash doesn't match next entry's prev_hash", e.ID, e.Sequence))
			if verifyEntry.ViolationType == "content" {
				verifyEntry.ViolationType = "both"
			} else {
				verifyEntry.ViolationType = "linkage"
			}
		} else if i > 0 {
			result.LinkageValid++
		}

		if includeDetails {
			result.Entries = append(result.Entries, verifyEntry)
		}

		prevStoredHash = e.PrevHash
		result.Checked++
	}

	return result, nil
}

var _ Repository = (*PostgresRepository)(nil)
