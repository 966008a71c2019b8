// Package mqttingest subscribes to the device vitals feed. Device
// readings are a trusted origin: they land VERIFIED, and threshold
// breaches raise alerts through the same aggregator as everything else.
package mqttingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/carebridge/triage/internal/alert"
	"github.com/carebridge/triage/internal/audit"
	"github.com/carebridge/triage/internal/datum"
	"github.com/carebridge/triage/internal/shared/config"
	"github.com/carebridge/triage/internal/shared/errors"
	"github.com/carebridge/triage/internal/shared/types"
)

// VitalReading is the payload devices publish to devices/{id}/vitals.
type VitalReading struct {
	ReadingID  string    `json:"reading_id"`
	DeviceID   string    `json:"device_id"`
	PatientID  types.ID  `json:"patient_id"`
	Metric     string    `json:"metric"`
	Value      float64   `json:"value"`
	Unit       string    `json:"unit"`
	RecordedAt time.Time `json:"recorded_at"`
}

// thresholdRule maps a metric range to an alert severity.
type thresholdRule struct {
	metric   string
	min, max float64
	severity alert.Severity
	message  string
}

// Clinical thresholds for device vitals. Ranges are checked top to
// bottom; the first match wins, so the severe bands come first.
var thresholdRules = []thresholdRule{
	{"heart_rate", 150, 999, alert.SeverityHigh, "tachycardia: heart rate critically elevated"},
	{"heart_rate", 0, 40, alert.SeverityHigh, "bradycardia: heart rate critically low"},
	{"heart_rate", 120, 150, alert.SeverityMedium, "heart rate elevated"},
	{"spo2", 0, 88, alert.SeverityHigh, "oxygen saturation critically low"},
	{"spo2", 88, 92, alert.SeverityMedium, "oxygen saturation low"},
	{"systolic_bp", 180, 999, alert.SeverityHigh, "hypertensive crisis range"},
	{"systolic_bp", 0, 90, alert.SeverityHigh, "hypotension"},
	{"temperature_c", 39.5, 45, alert.SeverityMedium, "high fever"},
}

func evaluateThresholds(metric string, value float64) *thresholdRule {
	for i := range thresholdRules {
		r := &thresholdRules[i]
		if r.metric == metric && value >= r.min && value < r.max {
			return r
		}
	}
	return nil
}

// Subscriber consumes the device vitals topic and feeds readings into
// the clinical store and the alert aggregator.
type Subscriber struct {
	client  mqtt.Client
	topic   string
	data    *datum.Service
	alerts  *alert.Service
	auditor *audit.Logger
	log     *zap.Logger
}

// NewSubscriber creates an MQTT subscriber for device vitals
func NewSubscriber(cfg config.MQTTConfig, data *datum.Service, alerts *alert.Service, auditor *audit.Logger, log *zap.Logger) *Subscriber {
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second)

	return &Subscriber{
		client:  mqtt.NewClient(opts),
		topic:   cfg.Topic,
		data:    data,
		alerts:  alerts,
		auditor: auditor,
		log:     log.Named("mqttingest"),
	}
}

// Start connects and subscribes. Messages are handled on paho's
// delivery goroutines; each reading is an independent unit of work.
func (s *Subscriber) Start(ctx context.Context) error {
	if token := s.client.Connect(); token.Wait() && token.Error() != nil {
		return errors.Wrap(token.Error(), "failed to connect to MQTT broker")
	}

	token := s.client.Subscribe(s.topic, 1, func(_ mqtt.Client, msg mqtt.Message) {
		s.handleMessage(ctx, msg)
	})
	if token.Wait() && token.Error() != nil {
		return errors.Wrap(token.Error(), "failed to subscribe to vitals topic")
	}

	s.log.Info("subscribed to device vitals", zap.String("topic", s.topic))
	return nil
}

func (s *Subscriber) handleMessage(ctx context.Context, msg mqtt.Message) {
	var reading VitalReading
	if err := json.Unmarshal(msg.Payload(), &reading); err != nil {
		s.log.Warn("malformed vitals payload",
			zap.String("topic", msg.Topic()),
			zap.Error(err))
		return
	}

	if err := s.processReading(ctx, reading); err != nil {
		s.log.Error("failed to process device reading",
			zap.String("device_id", reading.DeviceID),
			zap.String("metric", reading.Metric),
			zap.Error(err))
	}
}

func (s *Subscriber) processReading(ctx context.Context, reading VitalReading) error {
	if reading.PatientID.IsZero() {
		return errors.BadRequest("reading has no patient ID")
	}
	if reading.Metric == "" {
		return errors.BadRequest("reading has no metric")
	}

	deviceActor := types.NewDeterministicID("device", reading.DeviceID)

	value := fmt.Sprintf("%g", reading.Value)
	d, err := datum.New(reading.PatientID, datum.KindVital, reading.Metric, types.Decrypted(value), datum.SourceDevice, 0, deviceActor)
	if err != nil {
		return err
	}
	d.Unit = reading.Unit
	if !reading.RecordedAt.IsZero() {
		d.RecordedAt = reading.RecordedAt.UTC()
	}
	if reading.ReadingID != "" {
		// Brokers redeliver at QoS 1; same reading, same row
		d.ID = types.NewDeterministicID("device-reading", reading.DeviceID+"|"+reading.ReadingID)
	}

	degraded, err := s.data.Record(ctx, d, audit.ActorTypeDevice, deviceActor)
	if err != nil {
		if errors.IsConflict(err) {
			return nil
		}
		return err
	}

	if err := s.auditor.Record(ctx, audit.ActorTypeDevice, deviceActor, audit.ActionDeviceRecorded, "datum", &d.ID, &reading.PatientID, map[string]any{
		"metric": reading.Metric,
	}); err != nil {
		degraded = true
	}
	if degraded {
		s.log.Warn("device reading stored with incomplete audit trail",
			zap.String("device_id", reading.DeviceID),
			zap.String("datum_id", d.ID.String()))
	}

	if rule := evaluateThresholds(reading.Metric, reading.Value); rule != nil {
		a, err := alert.New(
			reading.PatientID,
			rule.severity,
			"vitals",
			fmt.Sprintf("%s (%s %s %s)", rule.message, reading.Metric, value, reading.Unit),
			alert.TriggerVitalThreshold,
		)
		if err != nil {
			return err
		}
		a.Metadata = map[string]any{
			"metric":   reading.Metric,
			"datum_id": d.ID.String(),
		}

		if _, err := s.alerts.Raise(ctx, a); err != nil {
			return err
		}
	}

	return nil
}

// Stop unsubscribes and disconnects
func (s *Subscriber) Stop() {
	if s.client.IsConnected() {
		s.client.Unsubscribe(s.topic)
		s.client.Disconnect(250)
	}
}
