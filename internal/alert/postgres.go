package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/carebridge/triage/internal/shared/errors"
	"github.com/carebridge/triage/internal/shared/types"
)

// PostgresRepository provides database operations for alerts and lock state
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository creates a new alert repository
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

const alertColumns = `id, patient_id, severity, category, message, trigger_source, metadata,
		resolved, resolved_by, resolved_at, resolution, created_at`

// CreateWithLockEvaluation inserts the alert and, for critical alerts,
// counts unresolved criticals in the trailing window and trips the lock
// when the count reaches the threshold. The count includes the alert
// being inserted. Everything runs in one transaction with the lock row
// held FOR UPDATE.
func (r *PostgresRepository) CreateWithLockEvaluation(ctx context.Context, a *Alert, window time.Duration, threshold int) (*LockEvaluation, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback(ctx)

	metadataJSON, err := json.Marshal(a.Metadata)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal alert metadata")
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO clinical.alerts (
			id, patient_id, severity, category, message, trigger_source, metadata,
			resolved, resolution, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		a.ID, a.PatientID, a.Severity, a.Category, a.Message, a.TriggerSource, metadataJSON,
		a.Resolved, a.Resolution, a.CreatedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "duplicate key") {
			return nil, errors.Conflict("alert already recorded")
		}
		return nil, errors.Wrap(err, "failed to create alert")
	}

	eval := &LockEvaluation{}

	if a.Severity != SeverityCritical {
		if err := tx.Commit(ctx); err != nil {
			return nil, errors.Wrap(err, "failed to commit alert")
		}
		return eval, nil
	}

	// Ensure the lock row exists, then hold it for the count-and-decide
	_, err = tx.Exec(ctx, `
		INSERT INTO clinical.patient_locks (patient_id)
		VALUES ($1)
		ON CONFLICT (patient_id) DO NOTHING`,
		a.PatientID,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to ensure lock row")
	}

	var locked bool
	err = tx.QueryRow(ctx, `
		SELECT locked FROM clinical.patient_locks
		WHERE patient_id = $1
		FOR UPDATE`,
		a.PatientID,
	).Scan(&locked)
	if err != nil {
		return nil, errors.Wrap(err, "failed to lock patient row")
	}

	windowStart := a.CreatedAt.Add(-window)

	var count int
	err = tx.QueryRow(ctx, `
		SELECT COUNT(*) FROM clinical.alerts
		WHERE patient_id = $1
		  AND severity = $2
		  AND resolved = FALSE
		  AND created_at > $3`,
		a.PatientID, SeverityCritical, windowStart,
	).Scan(&count)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count unresolved critical alerts")
	}

	eval.UnresolvedCriticalCount = count
	eval.Locked = locked

	if count >= threshold && !locked {
		reason := fmt.Sprintf("%d unresolved critical alerts within %s", count, window)
		_, err = tx.Exec(ctx, `
			UPDATE clinical.patient_locks
			SET locked = TRUE,
			    reason = $2,
			    unresolved_critical_count = $3,
			    window_start = $4,
			    locked_at = NOW(),
			    updated_at = NOW()
			WHERE patient_id = $1`,
			a.PatientID, reason, count, windowStart,
		)
		if err != nil {
			return nil, errors.Wrap(err, "failed to set patient lock")
		}
		eval.Locked = true
		eval.Tripped = true
	} else {
		_, err = tx.Exec(ctx, `
			UPDATE clinical.patient_locks
			SET unresolved_critical_count = $2,
			    window_start = $3,
			    updated_at = NOW()
			WHERE patient_id = $1`,
			a.PatientID, count, windowStart,
		)
		if err != nil {
			return nil, errors.Wrap(err, "failed to update lock counters")
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "failed to commit alert")
	}

	return eval, nil
}

// Get retrieves an alert by ID
func (r *PostgresRepository) Get(ctx context.Context, id types.ID) (*Alert, error) {
	query := fmt.Sprintf(`SELECT %s FROM clinical.alerts WHERE id = $1`, alertColumns)

	a, err := scanAlert(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if err == pgx.ErrNoRows || strings.Contains(err.Error(), "no rows") {
			return nil, errors.NotFound("alert", id.String())
		}
		return nil, errors.Wrap(err, "failed to get alert")
	}

	return a, nil
}

// ListByPatient lists alerts for a patient, newest first
func (r *PostgresRepository) ListByPatient(ctx context.Context, patientID types.ID, includeResolved bool, limit, offset int) ([]Alert, int, error) {
	whereClause := "WHERE patient_id = $1"
	if !includeResolved {
		whereClause += " AND resolved = FALSE"
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM clinical.alerts %s", whereClause)
	var total int
	if err := r.pool.QueryRow(ctx, countQuery, patientID).Scan(&total); err != nil {
		return nil, 0, errors.Wrap(err, "failed to count alerts")
	}

	if limit <= 0 || limit > 100 {
		limit = 50
	}

	query := fmt.Sprintf(`
		SELECT %s FROM clinical.alerts
		%s
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`, alertColumns, whereClause)

	rows, err := r.pool.Query(ctx, query, patientID, limit, offset)
	if err != nil {
		return nil, 0, errors.Wrap(err, "failed to list alerts")
	}
	defer rows.Close()

	var alerts []Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, 0, errors.Wrap(err, "failed to scan alert")
		}
		alerts = append(alerts, *a)
	}

	return alerts, total, nil
}

// Resolve persists an alert resolution
func (r *PostgresRepository) Resolve(ctx context.Context, a *Alert) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE clinical.alerts
		SET resolved = TRUE, resolved_by = $2, resolved_at = $3, resolution = $4
		WHERE id = $1 AND resolved = FALSE`,
		a.ID, a.ResolvedBy, a.ResolvedAt, a.Resolution,
	)
	if err != nil {
		return errors.Wrap(err, "failed to resolve alert")
	}
	if tag.RowsAffected() == 0 {
		return errors.Conflict("alert is already resolved")
	}
	return nil
}

// GetLockState retrieves the lock state for a patient. A patient with
// no lock row has never had a critical alert; that reads as unlocked.
func (r *PostgresRepository) GetLockState(ctx context.Context, patientID types.ID) (*LockState, error) {
	l := &LockState{PatientID: patientID}

	err := r.pool.QueryRow(ctx, `
		SELECT locked, reason, unresolved_critical_count, window_start,
		       locked_at, unlocked_by, unlocked_at
		FROM clinical.patient_locks
		WHERE patient_id = $1`,
		patientID,
	).Scan(&l.Locked, &l.Reason, &l.UnresolvedCriticalCount, &l.WindowStart,
		&l.LockedAt, &l.UnlockedBy, &l.UnlockedAt)

	if err != nil {
		if err == pgx.ErrNoRows || strings.Contains(err.Error(), "no rows") {
			return l, nil
		}
		return nil, errors.Wrap(err, "failed to get lock state")
	}

	return l, nil
}

// Unlock clears the lock for a patient. Historical alert counts are
// untouched; only the lock flag changes.
func (r *PostgresRepository) Unlock(ctx context.Context, patientID, actor types.ID) (*LockState, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE clinical.patient_locks
		SET locked = FALSE,
		    reason = '',
		    unlocked_by = $2,
		    unlocked_at = NOW(),
		    updated_at = NOW()
		WHERE patient_id = $1 AND locked = TRUE`,
		patientID, actor,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to unlock patient")
	}
	if tag.RowsAffected() == 0 {
		return nil, errors.Conflict("patient is not locked")
	}

	return r.GetLockState(ctx, patientID)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAlert(row rowScanner) (*Alert, error) {
	a := &Alert{}
	var metadataJSON []byte

	err := row.Scan(
		&a.ID, &a.PatientID, &a.Severity, &a.Category, &a.Message, &a.TriggerSource, &metadataJSON,
		&a.Resolved, &a.ResolvedBy, &a.ResolvedAt, &a.Resolution, &a.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &a.Metadata); err != nil {
			a.Metadata = nil
		}
	}

	return a, nil
}

var _ Repository = (*PostgresRepository)(nil)
