// Package emr imports clinical data from the legacy EMR. Imported rows
// come from a trusted origin and land VERIFIED, stamped with the
// recording clinician.
package emr

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/denisenkom/go-mssqldb"
	"go.uber.org/zap"

	"github.com/carebridge/triage/internal/audit"
	"github.com/carebridge/triage/internal/datum"
	"github.com/carebridge/triage/internal/shared/config"
	"github.com/carebridge/triage/internal/shared/errors"
	"github.com/carebridge/triage/internal/shared/types"
)

// Importer pulls medication orders and charted vitals from the EMR's
// MSSQL database on an interval.
type Importer struct {
	db       *sql.DB
	data     *datum.Service
	auditor  *audit.Logger
	log      *zap.Logger
	lastSync time.Time
}

// NewImporter connects to the EMR database
func NewImporter(cfg config.EMRConfig, data *datum.Service, auditor *audit.Logger, log *zap.Logger) (*Importer, error) {
	db, err := sql.Open("sqlserver", cfg.DSN())
	if err != nil {
		return nil, errors.Wrap(err, "failed to open EMR connection")
	}

	db.SetMaxOpenConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &Importer{
		db:      db,
		data:    data,
		auditor: auditor,
		log:     log.Named("emr"),
		// First run picks up the last day of records
		lastSync: time.Now().UTC().Add(-24 * time.Hour),
	}, nil
}

// emrRecord is one row from the EMR export view
type emrRecord struct {
	PatientID   string
	ClinicianID string
	Kind        string
	Label       string
	Value       string
	Unit        string
	RecordedAt  time.Time
}

// Import pulls records changed since the last sync and stores them as
// VERIFIED clinical data. Row-level failures are logged and skipped;
// a bad row never aborts the batch.
func (i *Importer) Import(ctx context.Context) (int, error) {
	rows, err := i.db.QueryContext(ctx, `
		SELECT patient_id, clinician_id, record_kind, label, value, unit, recorded_at
		FROM dbo.clinical_export
		WHERE recorded_at > @p1
		ORDER BY recorded_at ASC`,
		i.lastSync,
	)
	if err != nil {
		return 0, errors.Wrap(err, "failed to query EMR export")
	}
	defer rows.Close()

	imported := 0
	for rows.Next() {
		var rec emrRecord
		if err := rows.Scan(&rec.PatientID, &rec.ClinicianID, &rec.Kind, &rec.Label, &rec.Value, &rec.Unit, &rec.RecordedAt); err != nil {
			i.log.Warn("failed to scan EMR row", zap.Error(err))
			continue
		}

		if err := i.importRecord(ctx, rec); err != nil {
			i.log.Warn("failed to import EMR record",
				zap.String("patient_id", rec.PatientID),
				zap.String("label", rec.Label),
				zap.Error(err))
			continue
		}

		imported++
		if rec.RecordedAt.After(i.lastSync) {
			i.lastSync = rec.RecordedAt
		}
	}

	if err := rows.Err(); err != nil {
		return imported, errors.Wrap(err, "EMR row iteration failed")
	}

	if imported > 0 {
		i.log.Info("EMR import completed", zap.Int("records", imported))
	}

	return imported, nil
}

func (i *Importer) importRecord(ctx context.Context, rec emrRecord) error {
	patientID, err := types.ParseID(rec.PatientID)
	if err != nil {
		return errors.BadRequest("invalid patient ID in EMR record")
	}
	clinicianID, err := types.ParseID(rec.ClinicianID)
	if err != nil {
		return errors.BadRequest("invalid clinician ID in EMR record")
	}

	kind := datum.Kind(rec.Kind)
	if !kind.Valid() {
		kind = datum.KindReport
	}

	d, err := datum.New(patientID, kind, rec.Label, types.Decrypted(rec.Value), datum.SourceEMRImport, 0, clinicianID)
	if err != nil {
		return err
	}
	d.Unit = rec.Unit
	d.RecordedAt = rec.RecordedAt.UTC()
	// Same EMR row always maps to the same datum; re-imports are no-ops
	d.ID = types.NewDeterministicID("emr", rec.PatientID+"|"+rec.Label+"|"+rec.RecordedAt.UTC().Format(time.RFC3339))

	degraded, err := i.data.Record(ctx, d, audit.ActorTypeSystem, audit.SystemActorID)
	if err != nil {
		if errors.IsConflict(err) {
			return nil
		}
		return err
	}

	if err := i.auditor.RecordSystem(ctx, audit.ActionEMRImported, "datum", &d.ID, &patientID, map[string]any{
		"kind": string(kind),
	}); err != nil {
		degraded = true
	}
	if degraded {
		i.log.Warn("EMR record imported with incomplete audit trail",
			zap.String("datum_id", d.ID.String()))
	}

	return nil
}

// Run imports on the given interval until the context is cancelled
func (i *Importer) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := i.Import(ctx); err != nil {
				i.log.Error("EMR import failed", zap.Error(err))
			}
		}
	}
}

// Close releases the EMR connection
func (i *Importer) Close() error {
	return i.db.Close()
}
