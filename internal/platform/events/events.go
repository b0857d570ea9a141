// Package events fans lifecycle notifications out to external consumers.
// Delivery is fire-and-forget: a failed publish is logged and never fails
// the operation that produced the event.
package events

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Event types.
const (
	RequestCreated      = "request.created"
	RequestAccessioned  = "request.accessioned"
	RequestCancelled    = "request.cancelled"
	RequestReleased     = "request.released"
	SampleRejected      = "sample.rejected"
	AssignmentQueued    = "assignment.queued"
	AssignmentCompleted = "assignment.analysis_complete"
	AssignmentVerified  = "assignment.verified"
	AssignmentRejected  = "assignment.rejected"
	AssignmentStale     = "assignment.stale"
	ResultReleased      = "result.released"
	ResultCritical      = "result.critical"
	ResultHeld          = "result.held"
	DispatchFailed      = "dispatch.failed"
)

// Event references the tenant and the entity it concerns; consumers fetch
// details through the API.
type Event struct {
	ID         uuid.UUID      `json:"id"`
	Type       string         `json:"type"`
	TenantID   uuid.UUID      `json:"tenant_id"`
	TenantCode string         `json:"tenant_code"`
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	Data       map[string]any `json:"data,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// New stamps an id and timestamp on an event.
func New(typ string, tenantID uuid.UUID, tenantCode, entityType, entityID string, data map[string]any) Event {
	return Event{
		ID:         uuid.New(),
		Type:       typ,
		TenantID:   tenantID,
		TenantCode: tenantCode,
		EntityType: entityType,
		EntityID:   entityID,
		Data:       data,
		OccurredAt: time.Now().UTC(),
	}
}

type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Matches reports whether eventType matches pattern. "*" matches
// everything and "assignment.*" matches every assignment event.
func Matches(pattern, eventType string) bool {
	if pattern == "*" || pattern == eventType {
		return true
	}
	if strings.HasSuffix(pattern, ".*") {
		return strings.HasPrefix(eventType, strings.TrimSuffix(pattern, "*"))
	}
	return false
}

// Filtered forwards only events matching one of the patterns.
func Filtered(next Publisher, patterns ...string) Publisher {
	return filtered{next: next, patterns: patterns}
}

type filtered struct {
	next     Publisher
	patterns []string
}

func (f filtered) Publish(ctx context.Context, ev Event) error {
	for _, p := range f.patterns {
		if Matches(p, ev.Type) {
			return f.next.Publish(ctx, ev)
		}
	}
	return nil
}

// LogPublisher writes each event to the structured log.
type LogPublisher struct {
	logger zerolog.Logger
}

func NewLogPublisher(logger zerolog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger.With().Str("component", "events").Logger()}
}

func (p *LogPublisher) Publish(_ context.Context, ev Event) error {
	p.logger.Info().
		Str("event", ev.Type).
		Str("tenant", ev.TenantCode).
		Str("entity_type", ev.EntityType).
		Str("entity_id", ev.EntityID).
		Msg("event")
	return nil
}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Types lists recorded event types in publish order.
func (r *Recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

// Bus publishes to every sink and swallows their errors after logging.
type Bus struct {
	sinks  []Publisher
	logger zerolog.Logger
}

func NewBus(logger zerolog.Logger, sinks ...Publisher) *Bus {
	return &Bus{sinks: sinks, logger: logger.With().Str("component", "events").Logger()}
}

// Emit delivers ev to every sink. Call it only after the producing
// transaction has committed.
func (b *Bus) Emit(ctx context.Context, evs ...Event) {
	if b == nil {
		return
	}
	for _, ev := range evs {
		for _, s := range b.sinks {
			if err := s.Publish(ctx, ev); err != nil {
				b.logger.Warn().Err(err).Str("event", ev.Type).Msg("publish failed")
			}
		}
	}
}
