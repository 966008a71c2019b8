package triage

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/carebridge/triage/internal/ai"
	"github.com/carebridge/triage/internal/alert"
	"github.com/carebridge/triage/internal/audit"
	"github.com/carebridge/triage/internal/confidence"
	"github.com/carebridge/triage/internal/datum"
	"github.com/carebridge/triage/internal/escalation"
	"github.com/carebridge/triage/internal/gateway"
	"github.com/carebridge/triage/internal/shared/config"
	sharederrors "github.com/carebridge/triage/internal/shared/errors"
	"github.com/carebridge/triage/internal/shared/metrics"
	"github.com/carebridge/triage/internal/shared/types"
)

// EmergencyInstruction is the only classification result a patient
// ever sees.
const EmergencyInstruction = "Your message may describe a medical emergency. " +
	"If you are experiencing a medical emergency, call 911 or go to the nearest emergency room now. " +
	"Your care team has been alerted."

// Service runs the inbound triage pipeline: dedupe, escalation
// detection and confidence scoring, datum creation, alerting with
// auto-lock evaluation, and a best-effort conversational reply.
type Service struct {
	dedupe    *Deduper
	detector  *escalation.Detector
	estimator *confidence.Estimator
	data      *datum.Service
	alerts    *alert.Service
	sender    gateway.Sender
	replier   ai.Replier
	log       *zap.Logger
	cfg       config.TriageConfig
}

// NewService wires the triage pipeline
func NewService(
	dedupe *Deduper,
	detector *escalation.Detector,
	estimator *confidence.Estimator,
	data *datum.Service,
	alerts *alert.Service,
	sender gateway.Sender,
	replier ai.Replier,
	log *zap.Logger,
	cfg config.TriageConfig,
) *Service {
	return &Service{
		dedupe:    dedupe,
		detector:  detector,
		estimator: estimator,
		data:      data,
		alerts:    alerts,
		sender:    sender,
		replier:   replier,
		log:       log.Named("triage"),
		cfg:       cfg,
	}
}

// Outcome is what the gateway webhook gets back.
type Outcome struct {
	DatumID         types.ID  `json:"datum_id"`
	Escalated       bool      `json:"escalated"`
	MatchedKeywords []string  `json:"matched_keywords,omitempty"`
	AlertID         *types.ID `json:"alert_id,omitempty"`
	AgentEnabled    bool      `json:"agent_enabled"`
	Duplicate       bool      `json:"duplicate"`
	ReplySent       bool      `json:"reply_sent"`
	Degraded        bool      `json:"degraded,omitempty"`
}

func sourceForChannel(ch gateway.Channel) datum.SourceType {
	switch ch {
	case gateway.ChannelVoice:
		return datum.SourcePatientVoice
	case gateway.ChannelPortal:
		return datum.SourcePatientPortal
	default:
		return datum.SourcePatientSMS
	}
}

// ProcessInbound handles one inbound patient message. Escalation is
// detected and its alert persisted before any reply work; reply
// failures never retract the alert or the datum.
func (s *Service) ProcessInbound(ctx context.Context, msg gateway.InboundMessage) (outcome *Outcome, err error) {
	if msg.ExternalID == "" {
		return nil, sharederrors.BadRequest("external message ID is required")
	}
	if msg.PatientID.IsZero() {
		return nil, sharederrors.BadRequest("patient ID is required")
	}

	fresh, err := s.dedupe.Claim(ctx, msg.ExternalID)
	if err != nil {
		return nil, err
	}
	if !fresh {
		metrics.RecordDedupeHit()
		metrics.RecordInboundMessage(string(msg.Channel), "duplicate")
		s.log.Info("duplicate inbound message",
			zap.String("external_id", msg.ExternalID))
		return &Outcome{Duplicate: true, AgentEnabled: s.agentEnabled(ctx, msg.PatientID)}, nil
	}

	// A failed pipeline must not hold the claim, or the gateway's
	// redelivery would be swallowed as a duplicate with nothing stored.
	defer func() {
		if err == nil {
			return
		}
		if relErr := s.dedupe.Release(context.WithoutCancel(ctx), msg.ExternalID); relErr != nil {
			s.log.Error("dedupe release failed, redelivery blocked until claim TTL expires",
				zap.String("external_id", msg.ExternalID),
				zap.Error(relErr))
		}
	}()

	value := types.Decrypted(msg.Text)
	if msg.Unreadable {
		value = types.Unreadable()
	}

	// Detection and scoring are pure and run concurrently. Both operate
	// on the best available decrypted text; an unreadable value never
	// suppresses the escalation check on what did decrypt.
	var detection escalation.Result
	var score int
	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		detection = s.detector.Detect(msg.Text)
		return nil
	})
	g.Go(func() error {
		score = s.estimator.Score(msg.Text)
		return nil
	})
	_ = g.Wait()

	source := sourceForChannel(msg.Channel)
	d, err := datum.New(msg.PatientID, datum.KindReport, "Patient message", value, source, score, types.ID(""))
	if err != nil {
		return nil, sharederrors.BadRequest(err.Error())
	}
	// Deterministic ID per external message: a redelivery that slips
	// past the redis claim still lands on the same row.
	d.ID = types.NewDeterministicID("gateway-msg", msg.ExternalID)
	if !msg.ReceivedAt.IsZero() {
		d.RecordedAt = msg.ReceivedAt.UTC()
	}

	// A datum conflict means a prior delivery stored the row but may
	// have died before its alert persisted. The escalation path below
	// still runs so that alert is raised; its own deterministic ID
	// makes the retry collapse if the alert did land.
	duplicate := false
	degraded, err := s.data.Record(ctx, d, audit.ActorTypePatient, msg.PatientID)
	if err != nil {
		if !sharederrors.IsConflict(err) {
			return nil, err
		}
		duplicate = true
		metrics.RecordDedupeHit()
	}

	outcome = &Outcome{
		DatumID:         d.ID,
		Escalated:       detection.Escalate,
		MatchedKeywords: detection.Matched,
		AgentEnabled:    true,
		Duplicate:       duplicate,
		Degraded:        degraded,
	}

	if detection.Escalate {
		metrics.RecordEscalationDetected(s.detector.Version())

		a, err := alert.New(
			msg.PatientID,
			alert.SeverityCritical,
			"escalation",
			fmt.Sprintf("escalation keywords detected: %s", strings.Join(detection.Matched, ", ")),
			alert.TriggerEscalationKeyword,
		)
		if err != nil {
			return nil, err
		}
		a.ID = types.NewDeterministicID("gateway-alert", msg.ExternalID)
		a.Metadata = map[string]any{
			"keyword_version":  s.detector.Version(),
			"matched_keywords": detection.Matched,
			"datum_id":         d.ID.String(),
		}

		res, raiseErr := s.alerts.Raise(ctx, a)
		switch {
		case raiseErr == nil:
			outcome.AlertID = &a.ID
			outcome.AgentEnabled = !res.Eval.Locked
			outcome.Degraded = outcome.Degraded || res.Degraded

			// The patient only ever sees an instruction to seek care.
			// Delivery failure is the gateway's problem to surface; the
			// alert stands either way.
			if s.sender != nil {
				if err := s.sender.SendInstruction(ctx, msg.PatientID, EmergencyInstruction); err != nil {
					s.log.Error("emergency instruction send failed",
						zap.String("patient_id", msg.PatientID.String()),
						zap.Error(err))
				}
			}
		case sharederrors.IsConflict(raiseErr):
			// Alert already stored by the delivery that won; nothing to
			// resend.
			outcome.AlertID = &a.ID
			outcome.AgentEnabled = s.agentEnabled(ctx, msg.PatientID)
		default:
			// A critical alert that cannot be stored fails the whole
			// operation; the gateway will redeliver and retry.
			metrics.RecordInboundMessage(string(msg.Channel), "alert_failed")
			return nil, raiseErr
		}
	} else {
		outcome.AgentEnabled = s.agentEnabled(ctx, msg.PatientID)
	}

	outcome.ReplySent = s.attemptReply(ctx, msg, outcome)

	if duplicate {
		metrics.RecordInboundMessage(string(msg.Channel), "duplicate")
	} else {
		metrics.RecordInboundMessage(string(msg.Channel), "processed")
	}
	return outcome, nil
}

// agentEnabled resolves the lock gate for a patient. An unanswerable
// lock store reads as disabled; replies stay quiet rather than risk
// talking past a locked patient.
func (s *Service) agentEnabled(ctx context.Context, patientID types.ID) bool {
	state, err := s.alerts.LockState(ctx, patientID)
	if err != nil {
		s.log.Warn("lock state check failed",
			zap.String("patient_id", patientID.String()),
			zap.Error(err))
		return false
	}
	return state.AgentEnabled()
}

// attemptReply runs the conversational reply step. It is strictly
// after alert persistence, skipped for escalations and locked patients,
// bounded by the reply timeout, and its failure is terminal for
// nothing.
func (s *Service) attemptReply(ctx context.Context, msg gateway.InboundMessage, outcome *Outcome) bool {
	if outcome.Escalated {
		metrics.RecordReplyAttempt("skipped_escalation")
		return false
	}
	if outcome.Duplicate {
		metrics.RecordReplyAttempt("skipped_duplicate")
		return false
	}
	if !outcome.AgentEnabled {
		metrics.RecordReplyAttempt("skipped_locked")
		return false
	}
	if s.replier == nil || !s.replier.Enabled() || s.sender == nil {
		metrics.RecordReplyAttempt("skipped_disabled")
		return false
	}
	if msg.Unreadable {
		metrics.RecordReplyAttempt("skipped_unreadable")
		return false
	}

	replyCtx, cancel := context.WithTimeout(ctx, s.cfg.ReplyTimeout)
	defer cancel()

	reply, err := s.replier.GenerateReply(replyCtx, msg.Text)
	if err != nil {
		metrics.RecordReplyAttempt("generation_failed")
		s.log.Warn("reply generation failed",
			zap.String("external_id", msg.ExternalID),
			zap.Error(err))
		return false
	}

	if err := s.sender.SendInstruction(replyCtx, msg.PatientID, reply); err != nil {
		metrics.RecordReplyAttempt("send_failed")
		s.log.Warn("reply send failed",
			zap.String("external_id", msg.ExternalID),
			zap.Error(err))
		return false
	}

	metrics.RecordReplyAttempt("sent")
	return true
}
