package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/EventStore/EventStore-Client-Go/v4/esdb"
	"github.com/google/uuid"

	"github.com/carebridge/triage/internal/shared/config"
	"github.com/carebridge/triage/internal/shared/types"
)

// Event represents a domain event emitted by the triage engine and
// consumed by dashboards and downstream responders.
type Event struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`

	// Actor information
	ActorID   types.ID `json:"actor_id,omitempty"`
	ActorType string   `json:"actor_type,omitempty"` // physician, patient, system

	PatientID types.ID `json:"patient_id,omitempty"`

	// Event data. Identifiers and classification only; clinical values
	// stay in the store.
	Data any `json:"data,omitempty"`
}

// Engine event types.
const (
	TypeAlertCreated    = "alert.created"
	TypeAlertResolved   = "alert.resolved"
	TypeDatumCreated    = "datum.created"
	TypeDatumVerified   = "datum.verified"
	TypeDatumDisputed   = "datum.disputed"
	TypePatientLocked   = "patient.locked"
	TypePatientUnlocked = "patient.unlocked"
)

// NewEvent creates a new event with auto-generated ID and timestamp
func NewEvent(eventType string, patientID types.ID, data any) Event {
	return Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    "triage-engine",
		Timestamp: time.Now().UTC(),
		PatientID: patientID,
		Data:      data,
	}
}

// WithActor sets the actor information on the event
func (e Event) WithActor(actorID types.ID, actorType string) Event {
	e.ActorID = actorID
	e.ActorType = actorType
	return e
}

// Publisher is the outbound event feed. Dashboards subscribe to the
// streams directly; the engine only appends.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close()
	Health() error
}

// Bus publishes events to EventStoreDB, one stream per event type.
type Bus struct {
	client *esdb.Client
	prefix string
}

// NewBus creates a new event publisher connected to EventStoreDB
func NewBus(ctx context.Context, cfg config.EventStoreConfig) (*Bus, error) {
	settings, err := esdb.ParseConnectionString(buildConnectionString(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	client, err := esdb.NewClient(settings)
	if err != nil {
		return nil, fmt.Errorf("failed to create EventStoreDB client: %w", err)
	}

	return &Bus{client: client, prefix: "triage"}, nil
}

func buildConnectionString(cfg config.EventStoreConfig) string {
	var auth string
	if cfg.Username != "" && cfg.Password != "" {
		auth = fmt.Sprintf("%s:%s@", cfg.Username, cfg.Password)
	}

	params := ""
	if cfg.Insecure {
		params = "?tls=false&tlsVerifyCert=false"
	}

	return fmt.Sprintf("esdb://%s%s:%d%s", auth, cfg.Host, cfg.Port, params)
}

// Publish appends an event to its per-type stream
func (b *Bus) Publish(ctx context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	// Stream name from event type: alert.created -> triage-alert-created
	stream := fmt.Sprintf("%s-%s", b.prefix, normalizeEventType(event.Type))

	eventID, err := uuid.Parse(event.ID)
	if err != nil {
		eventID = uuid.New()
	}

	esdbEvent := esdb.EventData{
		EventType:   event.Type,
		ContentType: esdb.ContentTypeJson,
		Data:        data,
		EventID:     eventID,
	}

	_, err = b.client.AppendToStream(ctx, stream, esdb.AppendToStreamOptions{
		ExpectedRevision: esdb.Any{},
	}, esdbEvent)
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	return nil
}

// normalizeEventType converts event type to stream-safe format
func normalizeEventType(eventType string) string {
	result := make([]byte, len(eventType))
	for i := 0; i < len(eventType); i++ {
		if eventType[i] == '.' {
			result[i] = '-'
		} else {
			result[i] = eventType[i]
		}
	}
	return string(result)
}

// Close closes the EventStoreDB connection
func (b *Bus) Close() {
	if b.client != nil {
		b.client.Close()
	}
}

// Health checks the EventStoreDB connection
func (b *Bus) Health() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	stream := fmt.Sprintf("%s-health", b.prefix)
	opts := esdb.ReadStreamOptions{From: esdb.Start{}}
	read, err := b.client.ReadStream(ctx, stream, opts, 1)
	if err != nil {
		return err
	}
	defer read.Close()

	// An empty or missing stream still proves connectivity
	if _, err := read.Recv(); err != nil {
		if esdbErr, ok := esdb.FromError(err); ok && esdbErr.Code() == esdb.ErrorCodeResourceNotFound {
			return nil
		}
	}
	return nil
}

var _ Publisher = (*Bus)(nil)
