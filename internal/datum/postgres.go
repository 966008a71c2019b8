package datum

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/carebridge/triage/internal/shared/errors"
	"github.com/carebridge/triage/internal/shared/types"
)

// PostgresRepository provides database operations for clinical data
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository creates a new clinical data repository
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

const datumColumns = `id, patient_id, physician_id, kind, label, value, unit, value_readable,
		source_type, verification_status, confidence_score,
		recorded_at, verified_by, verified_at, created_at, updated_at`

// Create inserts a new clinical datum
func (r *PostgresRepository) Create(ctx context.Context, d *ClinicalDatum) error {
	query := `
		INSERT INTO clinical.data (
			id, patient_id, physician_id, kind, label, value, unit, value_readable,
			source_type, verification_status, confidence_score,
			recorded_at, verified_by, verified_at, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16
		)`

	_, err := r.pool.Exec(ctx, query,
		d.ID, d.PatientID, nullableID(d.PhysicianID), d.Kind, d.Label, d.Value, d.Unit, d.ValueReadable,
		d.SourceType, d.VerificationStatus, d.ConfidenceScore,
		d.RecordedAt, d.VerifiedBy, d.VerifiedAt, d.CreatedAt, d.UpdatedAt,
	)

	if err != nil {
		if strings.Contains(err.Error(), "duplicate key") {
			return errors.Conflict("clinical datum already recorded")
		}
		return errors.Wrap(err, "failed to create clinical datum")
	}

	return nil
}

// Get retrieves a clinical datum by ID
func (r *PostgresRepository) Get(ctx context.Context, id types.ID) (*ClinicalDatum, error) {
	query := fmt.Sprintf(`SELECT %s FROM clinical.data WHERE id = $1`, datumColumns)

	d := &ClinicalDatum{}
	var physicianID *types.ID
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&d.ID, &d.PatientID, &physicianID, &d.Kind, &d.Label, &d.Value, &d.Unit, &d.ValueReadable,
		&d.SourceType, &d.VerificationStatus, &d.ConfidenceScore,
		&d.RecordedAt, &d.VerifiedBy, &d.VerifiedAt, &d.CreatedAt, &d.UpdatedAt,
	)

	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("clinical datum", id.String())
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get clinical datum")
	}
	if physicianID != nil {
		d.PhysicianID = *physicianID
	}

	return d, nil
}

// UpdateVerification persists a verification transition
func (r *PostgresRepository) UpdateVerification(ctx context.Context, d *ClinicalDatum) error {
	query := `
		UPDATE clinical.data SET
			verification_status = $2, verified_by = $3, verified_at = $4, updated_at = $5
		WHERE id = $1`

	result, err := r.pool.Exec(ctx, query,
		d.ID, d.VerificationStatus, d.VerifiedBy, d.VerifiedAt, d.UpdatedAt,
	)

	if err != nil {
		return errors.Wrap(err, "failed to update verification status")
	}

	if result.RowsAffected() == 0 {
		return errors.NotFound("clinical datum", d.ID.String())
	}

	return nil
}

// ListPendingReview lists data needing physician attention, newest first
func (r *PostgresRepository) ListPendingReview(ctx context.Context, filter PendingReviewFilter) ([]ClinicalDatum, int, error) {
	conditions := []string{`verification_status IN ('UNVERIFIED', 'PENDING_REVIEW')`}
	var args []interface{}
	argNum := 1

	if len(filter.Panel) > 0 {
		ids := make([]string, 0, len(filter.Panel))
		for _, p := range filter.Panel {
			ids = append(ids, p.String())
		}
		conditions = append(conditions, fmt.Sprintf("patient_id = ANY($%d)", argNum))
		args = append(args, ids)
		argNum++
	} else if !filter.PhysicianID.IsZero() {
		conditions = append(conditions, fmt.Sprintf("physician_id = $%d", argNum))
		args = append(args, filter.PhysicianID)
		argNum++
	}

	whereClause := "WHERE " + strings.Join(conditions, " AND ")

	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM clinical.data %s", whereClause)
	var total int
	if err := r.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, errors.Wrap(err, "failed to count pending review data")
	}

	limit := 50
	if filter.Limit > 0 && filter.Limit <= 100 {
		limit = filter.Limit
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM clinical.data
		%s
		ORDER BY recorded_at DESC
		LIMIT $%d OFFSET $%d`, datumColumns, whereClause, argNum, argNum+1)

	args = append(args, limit, filter.Offset)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, errors.Wrap(err, "failed to list pending review data")
	}
	defer rows.Close()

	data, err := scanData(rows)
	if err != nil {
		return nil, 0, err
	}

	return data, total, nil
}

// ListByPatient lists all data for one patient, newest first
func (r *PostgresRepository) ListByPatient(ctx context.Context, patientID types.ID, limit, offset int) ([]ClinicalDatum, int, error) {
	var total int
	if err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM clinical.data WHERE patient_id = $1`, patientID,
	).Scan(&total); err != nil {
		return nil, 0, errors.Wrap(err, "failed to count patient data")
	}

	if limit <= 0 || limit > 100 {
		limit = 50
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM clinical.data
		WHERE patient_id = $1
		ORDER BY recorded_at DESC
		LIMIT $2 OFFSET $3`, datumColumns)

	rows, err := r.pool.Query(ctx, query, patientID, limit, offset)
	if err != nil {
		return nil, 0, errors.Wrap(err, "failed to list patient data")
	}
	defer rows.Close()

	data, err := scanData(rows)
	if err != nil {
		return nil, 0, err
	}

	return data, total, nil
}

func scanData(rows pgx.Rows) ([]ClinicalDatum, error) {
	var data []ClinicalDatum
	for rows.Next() {
		var d ClinicalDatum
		var physicianID *types.ID
		err := rows.Scan(
			&d.ID, &d.PatientID, &physicianID, &d.Kind, &d.Label, &d.Value, &d.Unit, &d.ValueReadable,
			&d.SourceType, &d.VerificationStatus, &d.ConfidenceScore,
			&d.RecordedAt, &d.VerifiedBy, &d.VerifiedAt, &d.CreatedAt, &d.UpdatedAt,
		)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan clinical datum")
		}
		if physicianID != nil {
			d.PhysicianID = *physicianID
		}
		data = append(data, d)
	}
	return data, nil
}

func nullableID(id types.ID) *types.ID {
	if id.IsZero() {
		return nil
	}
	return &id
}

var _ Repository = (*PostgresRepository)(nil)
