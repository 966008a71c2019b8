package alert

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/carebridge/triage/internal/audit"
	"github.com/carebridge/triage/internal/shared/config"
	"github.com/carebridge/triage/internal/shared/errors"
	"github.com/carebridge/triage/internal/shared/events"
	"github.com/carebridge/triage/internal/shared/types"
)

// memoryRepo mirrors the transactional count-and-decide semantics of
// the Postgres store against an in-memory alert table.
type memoryRepo struct {
	alerts []Alert
	locks  map[types.ID]*LockState

	// failuresLeft makes the first N creates fail, for retry tests
	failuresLeft int
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{locks: make(map[types.ID]*LockState)}
}

func (r *memoryRepo) CreateWithLockEvaluation(ctx context.Context, a *Alert, window time.Duration, threshold int) (*LockEvaluation, error) {
	if r.failuresLeft > 0 {
		r.failuresLeft--
		return nil, errors.Unavailable("store unavailable")
	}
	for _, existing := range r.alerts {
		if existing.ID == a.ID {
			return nil, errors.Conflict("alert already recorded")
		}
	}

	r.alerts = append(r.alerts, *a)

	eval := &LockEvaluation{}
	if a.Severity != SeverityCritical {
		return eval, nil
	}

	lock, ok := r.locks[a.PatientID]
	if !ok {
		lock = &LockState{PatientID: a.PatientID}
		r.locks[a.PatientID] = lock
	}

	windowStart := a.CreatedAt.Add(-window)
	count := 0
	for _, existing := range r.alerts {
		if existing.PatientID == a.PatientID &&
			existing.Severity == SeverityCritical &&
			!existing.Resolved &&
			existing.CreatedAt.After(windowStart) {
			count++
		}
	}

	eval.UnresolvedCriticalCount = count
	eval.Locked = lock.Locked
	lock.UnresolvedCriticalCount = count
	lock.WindowStart = &windowStart

	if count >= threshold && !lock.Locked {
		lock.Locked = true
		eval.Locked = true
		eval.Tripped = true
	}

	return eval, nil
}

func (r *memoryRepo) Get(ctx context.Context, id types.ID) (*Alert, error) {
	for i := range r.alerts {
		if r.alerts[i].ID == id {
			a := r.alerts[i]
			return &a, nil
		}
	}
	return nil, errors.NotFound("alert", id.String())
}

func (r *memoryRepo) ListByPatient(ctx context.Context, patientID types.ID, includeResolved bool, limit, offset int) ([]Alert, int, error) {
	var out []Alert
	for _, a := range r.alerts {
		if a.PatientID == patientID && (includeResolved || !a.Resolved) {
			out = append(out, a)
		}
	}
	return out, len(out), nil
}

func (r *memoryRepo) Resolve(ctx context.Context, a *Alert) error {
	for i := range r.alerts {
		if r.alerts[i].ID == a.ID {
			if r.alerts[i].Resolved {
				return errors.Conflict("alert is already resolved")
			}
			r.alerts[i] = *a
			return nil
		}
	}
	return errors.NotFound("alert", a.ID.String())
}

func (r *memoryRepo) GetLockState(ctx context.Context, patientID types.ID) (*LockState, error) {
	if lock, ok := r.locks[patientID]; ok {
		return lock, nil
	}
	return &LockState{PatientID: patientID}, nil
}

func (r *memoryRepo) Unlock(ctx context.Context, patientID, actor types.ID) (*LockState, error) {
	lock, ok := r.locks[patientID]
	if !ok || !lock.Locked {
		return nil, errors.Conflict("patient is not locked")
	}
	now := time.Now().UTC()
	lock.Locked = false
	lock.Reason = ""
	lock.UnlockedBy = &actor
	lock.UnlockedAt = &now
	return lock, nil
}

var _ Repository = (*memoryRepo)(nil)

type nopPublisher struct{ published []events.Event }

func (p *nopPublisher) Publish(ctx context.Context, e events.Event) error {
	p.published = append(p.published, e)
	return nil
}
func (p *nopPublisher) Close()        {}
func (p *nopPublisher) Health() error { return nil }

func newTestService(repo Repository) (*Service, *nopPublisher) {
	pub := &nopPublisher{}
	auditor := audit.NewLogger(audit.NewMemoryRepository(), zap.NewNop())
	cfg := config.TriageConfig{
		LockWindow:         30 * time.Minute,
		LockThreshold:      3,
		AlertRetryAttempts: 3,
		AlertRetryDelay:    time.Millisecond,
	}
	return NewService(repo, auditor, pub, zap.NewNop(), cfg), pub
}

func criticalAt(t *testing.T, patientID types.ID, createdAt time.Time) *Alert {
	t.Helper()
	a, err := New(patientID, SeverityCritical, "escalation", "escalation keywords detected", TriggerEscalationKeyword)
	require.NoError(t, err)
	a.CreatedAt = createdAt
	return a
}

func TestAutoLockTripsAtThresholdWithinWindow(t *testing.T) {
	repo := newMemoryRepo()
	svc, _ := newTestService(repo)
	patientID := types.NewID()
	base := time.Now().UTC().Add(-time.Hour)

	res1, err := svc.Raise(context.Background(), criticalAt(t, patientID, base))
	require.NoError(t, err)
	assert.False(t, res1.Eval.Tripped)
	assert.Equal(t, 1, res1.Eval.UnresolvedCriticalCount)

	res2, err := svc.Raise(context.Background(), criticalAt(t, patientID, base.Add(5*time.Minute)))
	require.NoError(t, err)
	assert.False(t, res2.Eval.Tripped)
	assert.Equal(t, 2, res2.Eval.UnresolvedCriticalCount)

	res3, err := svc.Raise(context.Background(), criticalAt(t, patientID, base.Add(29*time.Minute)))
	require.NoError(t, err)
	assert.True(t, res3.Eval.Tripped)
	assert.True(t, res3.Eval.Locked)
	assert.Equal(t, 3, res3.Eval.UnresolvedCriticalCount)

	state, err := svc.LockState(context.Background(), patientID)
	require.NoError(t, err)
	assert.True(t, state.Locked)
	assert.False(t, state.AgentEnabled())
}

func TestAutoLockIgnoresAlertsOutsideWindow(t *testing.T) {
	repo := newMemoryRepo()
	svc, _ := newTestService(repo)
	patientID := types.NewID()
	base := time.Now().UTC().Add(-2 * time.Hour)

	_, err := svc.Raise(context.Background(), criticalAt(t, patientID, base))
	require.NoError(t, err)
	_, err = svc.Raise(context.Background(), criticalAt(t, patientID, base.Add(5*time.Minute)))
	require.NoError(t, err)

	// Third alert lands after the first has aged out of the window
	res, err := svc.Raise(context.Background(), criticalAt(t, patientID, base.Add(31*time.Minute)))
	require.NoError(t, err)
	assert.False(t, res.Eval.Tripped)
	assert.Equal(t, 2, res.Eval.UnresolvedCriticalCount)

	state, err := svc.LockState(context.Background(), patientID)
	require.NoError(t, err)
	assert.True(t, state.AgentEnabled())
}

func TestFourthAlertDoesNotRetrip(t *testing.T) {
	repo := newMemoryRepo()
	svc, _ := newTestService(repo)
	patientID := types.NewID()
	base := time.Now().UTC().Add(-time.Hour)

	for i := 0; i < 3; i++ {
		_, err := svc.Raise(context.Background(), criticalAt(t, patientID, base.Add(time.Duration(i)*time.Minute)))
		require.NoError(t, err)
	}

	res, err := svc.Raise(context.Background(), criticalAt(t, patientID, base.Add(4*time.Minute)))
	require.NoError(t, err)
	assert.False(t, res.Eval.Tripped, "already engaged lock must not re-trip")
	assert.True(t, res.Eval.Locked)
}

func TestNonCriticalAlertSkipsLockEvaluation(t *testing.T) {
	repo := newMemoryRepo()
	svc, _ := newTestService(repo)
	patientID := types.NewID()

	a, err := New(patientID, SeverityMedium, "vitals", "heart rate elevated", TriggerVitalThreshold)
	require.NoError(t, err)

	res, err := svc.Raise(context.Background(), a)
	require.NoError(t, err)
	assert.False(t, res.Eval.Tripped)
	assert.Equal(t, 0, res.Eval.UnresolvedCriticalCount)
}

func TestResolvedAlertsDoNotCountTowardLock(t *testing.T) {
	repo := newMemoryRepo()
	svc, _ := newTestService(repo)
	patientID := types.NewID()
	physician := types.NewID()
	base := time.Now().UTC().Add(-time.Hour)

	first := criticalAt(t, patientID, base)
	_, err := svc.Raise(context.Background(), first)
	require.NoError(t, err)
	_, err = svc.Raise(context.Background(), criticalAt(t, patientID, base.Add(time.Minute)))
	require.NoError(t, err)

	_, _, err = svc.Resolve(context.Background(), first.ID, physician, "spoke with patient")
	require.NoError(t, err)

	res, err := svc.Raise(context.Background(), criticalAt(t, patientID, base.Add(2*time.Minute)))
	require.NoError(t, err)
	assert.False(t, res.Eval.Tripped)
	assert.Equal(t, 2, res.Eval.UnresolvedCriticalCount)
}

func TestRaiseRetriesTransientStoreFailure(t *testing.T) {
	repo := newMemoryRepo()
	repo.failuresLeft = 2
	svc, _ := newTestService(repo)
	patientID := types.NewID()

	res, err := svc.Raise(context.Background(), criticalAt(t, patientID, time.Now().UTC()))
	require.NoError(t, err)
	assert.Len(t, repo.alerts, 1)
	assert.Equal(t, 1, res.Eval.UnresolvedCriticalCount)
}

func TestRaiseFailsAfterRetriesExhausted(t *testing.T) {
	repo := newMemoryRepo()
	repo.failuresLeft = 10
	svc, _ := newTestService(repo)

	_, err := svc.Raise(context.Background(), criticalAt(t, types.NewID(), time.Now().UTC()))
	require.Error(t, err)
	assert.Empty(t, repo.alerts)
}

func TestRaiseDoesNotRetryDuplicateAlert(t *testing.T) {
	repo := newMemoryRepo()
	svc, _ := newTestService(repo)
	patientID := types.NewID()

	a := criticalAt(t, patientID, time.Now().UTC())
	_, err := svc.Raise(context.Background(), a)
	require.NoError(t, err)

	// An idempotent re-raise of the same alert ID is a conflict, not a
	// transient failure: no retries, no second row
	_, err = svc.Raise(context.Background(), a)
	require.Error(t, err)
	assert.True(t, errors.IsConflict(err))
	assert.Len(t, repo.alerts, 1)
}

func TestResolveRequiresActor(t *testing.T) {
	a, err := New(types.NewID(), SeverityCritical, "escalation", "msg", TriggerEscalationKeyword)
	require.NoError(t, err)

	err = a.Resolve("", "note")
	require.Error(t, err)
	assert.False(t, a.Resolved)
}

func TestResolveAlreadyResolved(t *testing.T) {
	a, err := New(types.NewID(), SeverityHigh, "vitals", "msg", TriggerVitalThreshold)
	require.NoError(t, err)

	actor := types.NewID()
	require.NoError(t, a.Resolve(actor, "done"))
	assert.True(t, a.Resolved)
	require.NotNil(t, a.ResolvedBy)
	assert.Equal(t, actor, *a.ResolvedBy)

	err = a.Resolve(actor, "again")
	require.Error(t, err)
}

func TestUnlockClearsLockAndKeepsHistory(t *testing.T) {
	repo := newMemoryRepo()
	svc, _ := newTestService(repo)
	patientID := types.NewID()
	physician := types.NewID()
	base := time.Now().UTC().Add(-time.Hour)

	for i := 0; i < 3; i++ {
		_, err := svc.Raise(context.Background(), criticalAt(t, patientID, base.Add(time.Duration(i)*time.Minute)))
		require.NoError(t, err)
	}

	state, _, err := svc.Unlock(context.Background(), patientID, physician)
	require.NoError(t, err)
	assert.False(t, state.Locked)
	assert.True(t, state.AgentEnabled())

	// Alerts are untouched by the unlock
	alerts, total, err := svc.ListByPatient(context.Background(), patientID, true, 50, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Len(t, alerts, 3)
}

func TestUnlockWhenNotLocked(t *testing.T) {
	repo := newMemoryRepo()
	svc, _ := newTestService(repo)

	_, _, err := svc.Unlock(context.Background(), types.NewID(), types.NewID())
	require.Error(t, err)
}

func TestRaisePublishesLockEvent(t *testing.T) {
	repo := newMemoryRepo()
	svc, pub := newTestService(repo)
	patientID := types.NewID()
	base := time.Now().UTC().Add(-time.Hour)

	for i := 0; i < 3; i++ {
		_, err := svc.Raise(context.Background(), criticalAt(t, patientID, base.Add(time.Duration(i)*time.Minute)))
		require.NoError(t, err)
	}

	var typesSeen []string
	for _, e := range pub.published {
		typesSeen = append(typesSeen, e.Type)
	}
	assert.Contains(t, typesSeen, events.TypeAlertCreated)
	assert.Contains(t, typesSeen, events.TypePatientLocked)
}

func TestSeverityValid(t *testing.T) {
	assert.True(t, SeverityCritical.Valid())
	assert.True(t, SeverityLow.Valid())
	assert.False(t, Severity("FATAL").Valid())
}
