package triage

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/carebridge/triage/internal/alert"
	"github.com/carebridge/triage/internal/audit"
	"github.com/carebridge/triage/internal/confidence"
	"github.com/carebridge/triage/internal/datum"
	"github.com/carebridge/triage/internal/escalation"
	"github.com/carebridge/triage/internal/gateway"
	"github.com/carebridge/triage/internal/shared/config"
	"github.com/carebridge/triage/internal/shared/errors"
	"github.com/carebridge/triage/internal/shared/types"
)

// recorder tracks the order of side effects across fakes
type recorder struct {
	mu    sync.Mutex
	steps []string
}

func (r *recorder) add(step string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps = append(r.steps, step)
}

func (r *recorder) indexOf(step string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, s := range r.steps {
		if s == step {
			return i
		}
	}
	return -1
}

// --- datum repository fake ---

type memDatumRepo struct {
	mu   sync.Mutex
	data map[types.ID]*datum.ClinicalDatum
}

func newMemDatumRepo() *memDatumRepo {
	return &memDatumRepo{data: make(map[types.ID]*datum.ClinicalDatum)}
}

func (r *memDatumRepo) Create(ctx context.Context, d *datum.ClinicalDatum) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.data[d.ID]; ok {
		return errors.Conflict("clinical datum already recorded")
	}
	copied := *d
	r.data[d.ID] = &copied
	return nil
}

func (r *memDatumRepo) Get(ctx context.Context, id types.ID) (*datum.ClinicalDatum, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.data[id]
	if !ok {
		return nil, errors.NotFound("clinical datum", id.String())
	}
	copied := *d
	return &copied, nil
}

func (r *memDatumRepo) UpdateVerification(ctx context.Context, d *datum.ClinicalDatum) error {
	return nil
}

func (r *memDatumRepo) ListPendingReview(ctx context.Context, filter datum.PendingReviewFilter) ([]datum.ClinicalDatum, int, error) {
	return nil, 0, nil
}

func (r *memDatumRepo) ListByPatient(ctx context.Context, patientID types.ID, limit, offset int) ([]datum.ClinicalDatum, int, error) {
	return nil, 0, nil
}

var _ datum.Repository = (*memDatumRepo)(nil)

// --- alert repository fake ---

type memAlertRepo struct {
	mu           sync.Mutex
	rec          *recorder
	alerts       []alert.Alert
	locks        map[types.ID]*alert.LockState
	failuresLeft int
}

func newMemAlertRepo(rec *recorder) *memAlertRepo {
	return &memAlertRepo{rec: rec, locks: make(map[types.ID]*alert.LockState)}
}

func (r *memAlertRepo) CreateWithLockEvaluation(ctx context.Context, a *alert.Alert, window time.Duration, threshold int) (*alert.LockEvaluation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.failuresLeft > 0 {
		r.failuresLeft--
		return nil, errors.Unavailable("alert store down")
	}
	for _, existing := range r.alerts {
		if existing.ID == a.ID {
			return nil, errors.Conflict("alert already recorded")
		}
	}

	r.alerts = append(r.alerts, *a)
	r.rec.add("alert_persisted")

	eval := &alert.LockEvaluation{}
	if a.Severity != alert.SeverityCritical {
		return eval, nil
	}

	lock, ok := r.locks[a.PatientID]
	if !ok {
		lock = &alert.LockState{PatientID: a.PatientID}
		r.locks[a.PatientID] = lock
	}

	count := 0
	windowStart := a.CreatedAt.Add(-window)
	for _, existing := range r.alerts {
		if existing.PatientID == a.PatientID &&
			existing.Severity == alert.SeverityCritical &&
			!existing.Resolved &&
			existing.CreatedAt.After(windowStart) {
			count++
		}
	}

	eval.UnresolvedCriticalCount = count
	eval.Locked = lock.Locked
	lock.UnresolvedCriticalCount = count

	if count >= threshold && !lock.Locked {
		lock.Locked = true
		eval.Locked = true
		eval.Tripped = true
	}

	return eval, nil
}

func (r *memAlertRepo) Get(ctx context.Context, id types.ID) (*alert.Alert, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.alerts {
		if r.alerts[i].ID == id {
			a := r.alerts[i]
			return &a, nil
		}
	}
	return nil, errors.NotFound("alert", id.String())
}

func (r *memAlertRepo) ListByPatient(ctx context.Context, patientID types.ID, includeResolved bool, limit, offset int) ([]alert.Alert, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []alert.Alert
	for _, a := range r.alerts {
		if a.PatientID == patientID {
			out = append(out, a)
		}
	}
	return out, len(out), nil
}

func (r *memAlertRepo) Resolve(ctx context.Context, a *alert.Alert) error { return nil }

func (r *memAlertRepo) GetLockState(ctx context.Context, patientID types.ID) (*alert.LockState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if lock, ok := r.locks[patientID]; ok {
		return lock, nil
	}
	return &alert.LockState{PatientID: patientID}, nil
}

func (r *memAlertRepo) Unlock(ctx context.Context, patientID, actor types.ID) (*alert.LockState, error) {
	return nil, errors.Conflict("patient is not locked")
}

var _ alert.Repository = (*memAlertRepo)(nil)

// --- gateway and AI fakes ---

type fakeSender struct {
	mu       sync.Mutex
	rec      *recorder
	messages []string
	fail     bool
}

func (s *fakeSender) SendInstruction(ctx context.Context, patientID types.ID, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.Unavailable("gateway down")
	}
	s.messages = append(s.messages, message)
	s.rec.add("message_sent")
	return nil
}

type fakeReplier struct {
	rec     *recorder
	fail    bool
	enabled bool
}

func (r *fakeReplier) GenerateReply(ctx context.Context, text string) (string, error) {
	r.rec.add("reply_generated")
	if r.fail {
		return "", fmt.Errorf("model timeout")
	}
	return "Thanks for the update, your care team will review it.", nil
}

func (r *fakeReplier) Enabled() bool { return r.enabled }

// --- fixture ---

type fixture struct {
	svc       *Service
	rec       *recorder
	datumRepo *memDatumRepo
	alertRepo *memAlertRepo
	sender    *fakeSender
	replier   *fakeReplier
	redis     *miniredis.Miniredis
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	dedupe := NewDeduperWithClient(client, time.Hour)

	detector, err := escalation.NewDetector()
	require.NoError(t, err)

	rec := &recorder{}
	datumRepo := newMemDatumRepo()
	alertRepo := newMemAlertRepo(rec)
	sender := &fakeSender{rec: rec}
	replier := &fakeReplier{rec: rec, enabled: true}

	auditor := audit.NewLogger(audit.NewMemoryRepository(), zap.NewNop())
	cfg := config.TriageConfig{
		LockWindow:         30 * time.Minute,
		LockThreshold:      3,
		ReplyTimeout:       time.Second,
		AlertRetryAttempts: 1,
		AlertRetryDelay:    time.Millisecond,
	}

	dataSvc := datum.NewService(datumRepo, auditor, nil, zap.NewNop())
	alertSvc := alert.NewService(alertRepo, auditor, nil, zap.NewNop(), cfg)

	svc := NewService(dedupe, detector, confidence.NewEstimator(), dataSvc, alertSvc, sender, replier, zap.NewNop(), cfg)

	return &fixture{
		svc: svc, rec: rec, datumRepo: datumRepo, alertRepo: alertRepo,
		sender: sender, replier: replier, redis: mr,
	}
}

func inbound(externalID string, patientID types.ID, text string) gateway.InboundMessage {
	return gateway.InboundMessage{
		ExternalID: externalID,
		PatientID:  patientID,
		Channel:    gateway.ChannelSMS,
		Text:       text,
		ReceivedAt: time.Now().UTC(),
	}
}

// --- tests ---

func TestProcessInboundRoutineMessage(t *testing.T) {
	f := newFixture(t)
	patientID := types.NewID()

	outcome, err := f.svc.ProcessInbound(context.Background(), inbound("msg-1", patientID, "Took my Metformin 1000mg this morning"))
	require.NoError(t, err)

	assert.False(t, outcome.Escalated)
	assert.False(t, outcome.Duplicate)
	assert.True(t, outcome.AgentEnabled)
	assert.True(t, outcome.ReplySent)
	assert.Nil(t, outcome.AlertID)

	d, err := f.datumRepo.Get(context.Background(), outcome.DatumID)
	require.NoError(t, err)
	assert.Equal(t, datum.StatusUnverified, d.VerificationStatus)
	assert.Equal(t, 3, d.ConfidenceScore)
	assert.Equal(t, datum.SourcePatientSMS, d.SourceType)
}

func TestProcessInboundEscalation(t *testing.T) {
	f := newFixture(t)
	patientID := types.NewID()

	outcome, err := f.svc.ProcessInbound(context.Background(), inbound("msg-2", patientID, "I have crushing chest pain right now"))
	require.NoError(t, err)

	assert.True(t, outcome.Escalated)
	assert.Contains(t, outcome.MatchedKeywords, "chest pain")
	require.NotNil(t, outcome.AlertID)

	a, err := f.alertRepo.Get(context.Background(), *outcome.AlertID)
	require.NoError(t, err)
	assert.Equal(t, alert.SeverityCritical, a.Severity)
	assert.Equal(t, alert.TriggerEscalationKeyword, a.TriggerSource)

	// Patient sees only the emergency instruction, never a chat reply
	assert.False(t, outcome.ReplySent)
	require.Len(t, f.sender.messages, 1)
	assert.Equal(t, EmergencyInstruction, f.sender.messages[0])
}

func TestIdempotencyPerExternalMessageID(t *testing.T) {
	f := newFixture(t)
	patientID := types.NewID()
	msg := inbound("msg-3", patientID, "chest pain and shortness of breath")

	first, err := f.svc.ProcessInbound(context.Background(), msg)
	require.NoError(t, err)
	require.NotNil(t, first.AlertID)

	second, err := f.svc.ProcessInbound(context.Background(), msg)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Nil(t, second.AlertID)

	// Exactly one alert and one datum despite redelivery
	_, total, err := f.alertRepo.ListByPatient(context.Background(), patientID, true, 50, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestIdempotencyWhenDedupeKeyExpired(t *testing.T) {
	f := newFixture(t)
	patientID := types.NewID()
	msg := inbound("msg-4", patientID, "feeling fine today")

	_, err := f.svc.ProcessInbound(context.Background(), msg)
	require.NoError(t, err)

	// Redis lost the claim, but the deterministic datum ID still
	// collides in the store
	f.redis.FlushAll()

	outcome, err := f.svc.ProcessInbound(context.Background(), msg)
	require.NoError(t, err)
	assert.True(t, outcome.Duplicate)
}

func TestAlertPersistedBeforeReply(t *testing.T) {
	f := newFixture(t)

	// A message that escalates sends the instruction only after the
	// alert is stored
	_, err := f.svc.ProcessInbound(context.Background(), inbound("msg-5", types.NewID(), "I think I'm having a heart attack"))
	require.NoError(t, err)

	alertIdx := f.rec.indexOf("alert_persisted")
	sendIdx := f.rec.indexOf("message_sent")
	require.GreaterOrEqual(t, alertIdx, 0)
	require.GreaterOrEqual(t, sendIdx, 0)
	assert.Less(t, alertIdx, sendIdx, "alert must persist before any outbound message")
}

func TestReplyFailureNeverRetractsAlertOrDatum(t *testing.T) {
	f := newFixture(t)
	f.replier.fail = true
	patientID := types.NewID()

	outcome, err := f.svc.ProcessInbound(context.Background(), inbound("msg-6", patientID, "feeling a bit tired"))
	require.NoError(t, err)
	assert.False(t, outcome.ReplySent)

	_, err = f.datumRepo.Get(context.Background(), outcome.DatumID)
	require.NoError(t, err, "datum must survive a failed reply")
}

func TestInstructionSendFailureKeepsAlert(t *testing.T) {
	f := newFixture(t)
	f.sender.fail = true
	patientID := types.NewID()

	outcome, err := f.svc.ProcessInbound(context.Background(), inbound("msg-7", patientID, "can't breathe"))
	require.NoError(t, err)
	assert.True(t, outcome.Escalated)
	require.NotNil(t, outcome.AlertID)

	_, err = f.alertRepo.Get(context.Background(), *outcome.AlertID)
	require.NoError(t, err, "alert must stand when delivery fails")
}

func TestLockedPatientGetsNoReplyButEscalationStillRuns(t *testing.T) {
	f := newFixture(t)
	patientID := types.NewID()

	// Trip the lock with three escalations
	for i := 0; i < 3; i++ {
		_, err := f.svc.ProcessInbound(context.Background(), inbound(fmt.Sprintf("lock-%d", i), patientID, "severe chest pain"))
		require.NoError(t, err)
	}

	state, err := f.alertRepo.GetLockState(context.Background(), patientID)
	require.NoError(t, err)
	require.True(t, state.Locked)

	// Routine message while locked: no reply
	routine, err := f.svc.ProcessInbound(context.Background(), inbound("msg-8", patientID, "what time is my appointment"))
	require.NoError(t, err)
	assert.False(t, routine.AgentEnabled)
	assert.False(t, routine.ReplySent)

	// Escalation while locked: still detected, alert still created
	escalated, err := f.svc.ProcessInbound(context.Background(), inbound("msg-9", patientID, "chest pressure again"))
	require.NoError(t, err)
	assert.True(t, escalated.Escalated)
	assert.NotNil(t, escalated.AlertID)
}

func TestUnreadableValueStillProcessed(t *testing.T) {
	f := newFixture(t)
	patientID := types.NewID()

	msg := inbound("msg-10", patientID, "")
	msg.Unreadable = true

	outcome, err := f.svc.ProcessInbound(context.Background(), msg)
	require.NoError(t, err)
	assert.False(t, outcome.Escalated)
	assert.False(t, outcome.ReplySent)

	d, err := f.datumRepo.Get(context.Background(), outcome.DatumID)
	require.NoError(t, err)
	assert.False(t, d.ValueReadable)
	assert.Equal(t, "[value unavailable]", d.DisplayValue())
}

func TestMissingExternalIDRejected(t *testing.T) {
	f := newFixture(t)

	msg := inbound("", types.NewID(), "hello")
	_, err := f.svc.ProcessInbound(context.Background(), msg)
	require.Error(t, err)
}

func TestAlertStoreOutageDoesNotStrandEscalation(t *testing.T) {
	f := newFixture(t)
	patientID := types.NewID()
	msg := inbound("msg-11", patientID, "crushing chest pain")

	// Alert store down for the first delivery: the datum persists, the
	// alert does not, and the pipeline reports failure to the gateway
	f.alertRepo.failuresLeft = 1
	_, err := f.svc.ProcessInbound(context.Background(), msg)
	require.Error(t, err)

	_, total, err := f.alertRepo.ListByPatient(context.Background(), patientID, true, 50, 0)
	require.NoError(t, err)
	require.Equal(t, 0, total)

	// The failed delivery must have given back its claim, so the
	// gateway redelivery processes fresh and raises the missed alert
	outcome, err := f.svc.ProcessInbound(context.Background(), msg)
	require.NoError(t, err)
	assert.True(t, outcome.Duplicate, "datum already stored by the first delivery")
	require.NotNil(t, outcome.AlertID)

	a, err := f.alertRepo.Get(context.Background(), *outcome.AlertID)
	require.NoError(t, err)
	assert.Equal(t, alert.SeverityCritical, a.Severity)

	_, total, err = f.alertRepo.ListByPatient(context.Background(), patientID, true, 50, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)

	// The recovery delivery is the first one that stored the alert, so
	// the patient gets the emergency instruction exactly once
	require.Len(t, f.sender.messages, 1)
	assert.Equal(t, EmergencyInstruction, f.sender.messages[0])
}

func TestRedeliveryAfterClaimExpiryDoesNotDuplicateAlert(t *testing.T) {
	f := newFixture(t)
	patientID := types.NewID()
	msg := inbound("msg-12", patientID, "chest pressure and dizziness")

	first, err := f.svc.ProcessInbound(context.Background(), msg)
	require.NoError(t, err)
	require.NotNil(t, first.AlertID)

	// Claim gone, datum and alert both stored: the redelivery resolves
	// to the same rows and resends nothing
	f.redis.FlushAll()

	second, err := f.svc.ProcessInbound(context.Background(), msg)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	require.NotNil(t, second.AlertID)
	assert.Equal(t, *first.AlertID, *second.AlertID)

	_, total, err := f.alertRepo.ListByPatient(context.Background(), patientID, true, 50, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Len(t, f.sender.messages, 1, "instruction must not be resent")
}

func TestDuplicateOutcomeReflectsLockState(t *testing.T) {
	f := newFixture(t)
	patientID := types.NewID()

	routine := inbound("msg-13", patientID, "what time is my appointment")
	_, err := f.svc.ProcessInbound(context.Background(), routine)
	require.NoError(t, err)

	// Trip the lock with three escalations
	for i := 0; i < 3; i++ {
		_, err := f.svc.ProcessInbound(context.Background(), inbound(fmt.Sprintf("dup-lock-%d", i), patientID, "severe chest pain"))
		require.NoError(t, err)
	}

	// Redelivery caught by the claim
	held, err := f.svc.ProcessInbound(context.Background(), routine)
	require.NoError(t, err)
	assert.True(t, held.Duplicate)
	assert.False(t, held.AgentEnabled, "locked patient must not read as agent-enabled")

	// Redelivery after the claim expired, caught by the datum store
	f.redis.FlushAll()
	expired, err := f.svc.ProcessInbound(context.Background(), routine)
	require.NoError(t, err)
	assert.True(t, expired.Duplicate)
	assert.False(t, expired.AgentEnabled)
	assert.False(t, expired.ReplySent, "duplicates never get a conversational reply")
}

func TestDeduperRelease(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	d := NewDeduperWithClient(client, time.Minute)

	ok, err := d.Claim(context.Background(), "xyz")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, d.Release(context.Background(), "xyz"))

	ok, err = d.Claim(context.Background(), "xyz")
	require.NoError(t, err)
	assert.True(t, ok, "released claim must be winnable again")
}

func TestDeduperClaim(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	d := NewDeduperWithClient(client, time.Minute)

	ok, err := d.Claim(context.Background(), "abc")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = d.Claim(context.Background(), "abc")
	require.NoError(t, err)
	assert.False(t, ok)

	// TTL expiry releases the claim
	mr.FastForward(2 * time.Minute)
	ok, err = d.Claim(context.Background(), "abc")
	require.NoError(t, err)
	assert.True(t, ok)
}
