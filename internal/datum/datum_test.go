package datum

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/carebridge/triage/internal/audit"
	"github.com/carebridge/triage/internal/shared/errors"
	"github.com/carebridge/triage/internal/shared/types"
)

type memoryRepo struct {
	data map[types.ID]*ClinicalDatum
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{data: make(map[types.ID]*ClinicalDatum)}
}

func (r *memoryRepo) Create(ctx context.Context, d *ClinicalDatum) error {
	if _, ok := r.data[d.ID]; ok {
		return errors.Conflict("clinical datum already recorded")
	}
	copied := *d
	r.data[d.ID] = &copied
	return nil
}

func (r *memoryRepo) Get(ctx context.Context, id types.ID) (*ClinicalDatum, error) {
	d, ok := r.data[id]
	if !ok {
		return nil, errors.NotFound("clinical datum", id.String())
	}
	copied := *d
	return &copied, nil
}

func (r *memoryRepo) UpdateVerification(ctx context.Context, d *ClinicalDatum) error {
	stored, ok := r.data[d.ID]
	if !ok {
		return errors.NotFound("clinical datum", d.ID.String())
	}
	stored.VerificationStatus = d.VerificationStatus
	stored.VerifiedBy = d.VerifiedBy
	stored.VerifiedAt = d.VerifiedAt
	stored.UpdatedAt = d.UpdatedAt
	return nil
}

func (r *memoryRepo) ListPendingReview(ctx context.Context, filter PendingReviewFilter) ([]ClinicalDatum, int, error) {
	panel := make(map[types.ID]bool)
	for _, p := range filter.Panel {
		panel[p] = true
	}

	var out []ClinicalDatum
	for _, d := range r.data {
		if !d.NeedsAttention() {
			continue
		}
		if len(panel) > 0 && !panel[d.PatientID] {
			continue
		}
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].RecordedAt.After(out[j].RecordedAt)
	})
	return out, len(out), nil
}

func (r *memoryRepo) ListByPatient(ctx context.Context, patientID types.ID, limit, offset int) ([]ClinicalDatum, int, error) {
	var out []ClinicalDatum
	for _, d := range r.data {
		if d.PatientID == patientID {
			out = append(out, *d)
		}
	}
	return out, len(out), nil
}

var _ Repository = (*memoryRepo)(nil)

func newTestService() (*Service, *memoryRepo) {
	repo := newMemoryRepo()
	auditor := audit.NewLogger(audit.NewMemoryRepository(), zap.NewNop())
	return NewService(repo, auditor, nil, zap.NewNop()), repo
}

func TestInitialStatusBySource(t *testing.T) {
	tests := []struct {
		source SourceType
		want   VerificationStatus
	}{
		{SourceClinician, StatusVerified},
		{SourceDevice, StatusVerified},
		{SourceEMRImport, StatusVerified},
		{SourcePatientSMS, StatusUnverified},
		{SourcePatientVoice, StatusUnverified},
		{SourcePatientPortal, StatusUnverified},
		{SourceAIExtracted, StatusPendingReview},
		{SourceSystem, StatusUnverified},
	}

	for _, tt := range tests {
		t.Run(string(tt.source), func(t *testing.T) {
			assert.Equal(t, tt.want, InitialStatus(tt.source))
		})
	}
}

func TestTrustedSourceStartsVerifiedWithStamp(t *testing.T) {
	recordedBy := types.NewID()

	d, err := New(types.NewID(), KindVital, "Heart rate", types.Decrypted("72"), SourceDevice, 0, recordedBy)
	require.NoError(t, err)

	assert.Equal(t, StatusVerified, d.VerificationStatus)
	require.NotNil(t, d.VerifiedBy)
	assert.Equal(t, recordedBy, *d.VerifiedBy)
	assert.NotNil(t, d.VerifiedAt)
}

func TestTrustedSourceRequiresRecordingActor(t *testing.T) {
	_, err := New(types.NewID(), KindVital, "Heart rate", types.Decrypted("72"), SourceEMRImport, 0, types.ID(""))
	require.Error(t, err)
}

func TestPatientSourceStartsUnverifiedWithoutStamp(t *testing.T) {
	d, err := New(types.NewID(), KindMedication, "Metformin", types.Decrypted("1000mg"), SourcePatientSMS, 3, types.ID(""))
	require.NoError(t, err)

	assert.Equal(t, StatusUnverified, d.VerificationStatus)
	assert.Nil(t, d.VerifiedBy)
	assert.Nil(t, d.VerifiedAt)
}

// The review stamp exists if and only if the status is VERIFIED or
// DISPUTED, through every transition sequence.
func TestStampInvariantAcrossTransitions(t *testing.T) {
	d, err := New(types.NewID(), KindMedication, "Metformin", types.Decrypted("1000mg"), SourcePatientSMS, 2, types.ID(""))
	require.NoError(t, err)

	checkInvariant := func() {
		t.Helper()
		stamped := d.VerifiedBy != nil && d.VerifiedAt != nil
		expectStamp := d.VerificationStatus == StatusVerified || d.VerificationStatus == StatusDisputed
		assert.Equal(t, expectStamp, stamped,
			"status %s: stamp presence %v", d.VerificationStatus, stamped)
	}

	physician := types.NewID()
	now := time.Now().UTC()

	checkInvariant()

	require.NoError(t, d.Verify(physician, now))
	checkInvariant()

	d.MarkPending(now)
	checkInvariant()

	require.NoError(t, d.Dispute(physician, now))
	checkInvariant()

	// Corrections happen; any state can be revisited
	require.NoError(t, d.Verify(physician, now))
	checkInvariant()
}

func TestConfidenceFrozenAtCreation(t *testing.T) {
	svc, repo := newTestService()
	physician := types.NewID()

	d, err := New(types.NewID(), KindMedication, "Metformin", types.Decrypted("1000mg"), SourcePatientSMS, 2, types.ID(""))
	require.NoError(t, err)
	_, err = svc.Record(context.Background(), d, audit.ActorTypePatient, types.NewID())
	require.NoError(t, err)

	_, err = svc.ApplyVerification(context.Background(), d.ID, ActionVerify, physician)
	require.NoError(t, err)

	stored, err := repo.Get(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, stored.ConfidenceScore)
	assert.Equal(t, StatusVerified, stored.VerificationStatus)
}

func TestUnknownVerificationActionRejectedWithoutStateChange(t *testing.T) {
	svc, repo := newTestService()

	d, err := New(types.NewID(), KindMedication, "Metformin", types.Decrypted("1000mg"), SourcePatientSMS, 2, types.ID(""))
	require.NoError(t, err)
	_, err = svc.Record(context.Background(), d, audit.ActorTypePatient, types.NewID())
	require.NoError(t, err)

	_, err = svc.ApplyVerification(context.Background(), d.ID, "approve", types.NewID())
	require.Error(t, err)

	appErr, ok := err.(*errors.AppError)
	require.True(t, ok)
	assert.Equal(t, 400, appErr.HTTPStatus)

	stored, err := repo.Get(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusUnverified, stored.VerificationStatus)
	assert.Nil(t, stored.VerifiedBy)
}

func TestPendingClearsStamp(t *testing.T) {
	svc, repo := newTestService()
	physician := types.NewID()

	d, err := New(types.NewID(), KindMedication, "Lisinopril", types.Decrypted("10mg"), SourcePatientPortal, 2, types.ID(""))
	require.NoError(t, err)
	_, err = svc.Record(context.Background(), d, audit.ActorTypePatient, types.NewID())
	require.NoError(t, err)

	_, err = svc.ApplyVerification(context.Background(), d.ID, ActionVerify, physician)
	require.NoError(t, err)

	res, err := svc.ApplyVerification(context.Background(), d.ID, ActionPending, physician)
	require.NoError(t, err)
	assert.Equal(t, StatusVerified, res.PreviousStatus)
	assert.Equal(t, StatusPendingReview, res.Datum.VerificationStatus)

	stored, err := repo.Get(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.VerifiedBy)
	assert.Nil(t, stored.VerifiedAt)
}

func TestPendingReviewScopedToPanelNewestFirst(t *testing.T) {
	svc, _ := newTestService()

	panelPatient := types.NewID()
	otherPatient := types.NewID()

	older, err := New(panelPatient, KindMedication, "Metformin", types.Decrypted("1000mg"), SourcePatientSMS, 2, types.ID(""))
	require.NoError(t, err)
	older.RecordedAt = time.Now().UTC().Add(-time.Hour)
	_, err = svc.Record(context.Background(), older, audit.ActorTypePatient, types.NewID())
	require.NoError(t, err)

	newer, err := New(panelPatient, KindReport, "Symptoms", types.Decrypted("headache"), SourceAIExtracted, 0, types.ID(""))
	require.NoError(t, err)
	_, err = svc.Record(context.Background(), newer, audit.ActorTypePatient, types.NewID())
	require.NoError(t, err)

	offPanel, err := New(otherPatient, KindMedication, "Aspirin", types.Decrypted("81mg"), SourcePatientSMS, 2, types.ID(""))
	require.NoError(t, err)
	_, err = svc.Record(context.Background(), offPanel, audit.ActorTypePatient, types.NewID())
	require.NoError(t, err)

	// Verified data never appears in the queue
	verified, err := New(panelPatient, KindVital, "Heart rate", types.Decrypted("72"), SourceDevice, 0, types.NewID())
	require.NoError(t, err)
	_, err = svc.Record(context.Background(), verified, audit.ActorTypeDevice, types.NewID())
	require.NoError(t, err)

	data, total, err := svc.PendingReview(context.Background(), PendingReviewFilter{
		PhysicianID: types.NewID(),
		Panel:       []types.ID{panelPatient},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, data, 2)
	assert.Equal(t, newer.ID, data[0].ID)
	assert.Equal(t, older.ID, data[1].ID)
}

func TestUnreadableValueDisplaysPlaceholder(t *testing.T) {
	d, err := New(types.NewID(), KindReport, "Symptoms", types.Unreadable(), SourcePatientSMS, 0, types.ID(""))
	require.NoError(t, err)

	assert.False(t, d.ValueReadable)
	assert.Equal(t, "[value unavailable]", d.DisplayValue())
	// An unreadable value is not verified because of it
	assert.Equal(t, StatusUnverified, d.VerificationStatus)
}

func TestDisplayValueWithUnit(t *testing.T) {
	d, err := New(types.NewID(), KindVital, "Heart rate", types.Decrypted("72"), SourceDevice, 0, types.NewID())
	require.NoError(t, err)
	d.Unit = "bpm"

	assert.Equal(t, "72 bpm", d.DisplayValue())
}
