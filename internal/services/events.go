package services

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/threadloop/snowball/pkg/logger"
)

// Domain event types published by the engine.
const (
	EventCandidateDecided = "candidate.decided"
	EventMemberAdded      = "member.added"
	EventJobCompleted     = "job.completed"
)

// Event is a typed domain event. The engine publishes these to an outbound
// hub; notification transports subscribe separately so the engine never
// depends on a delivery mechanism.
type Event struct {
	ID           string      `json:"id"`
	Type         string      `json:"type"`
	RepositoryID uint        `json:"repository_id"`
	Payload      interface{} `json:"payload,omitempty"`
	OccurredAt   time.Time   `json:"occurred_at"`
}

// Publisher is the outbound side of the event hub.
type Publisher interface {
	Publish(eventType string, repositoryID uint, payload interface{})
}

// EventHub fans events out to subscribers. Publishing never blocks: slow
// subscribers drop events once their buffer is full.
type EventHub struct {
	mu   sync.RWMutex
	subs map[string]chan Event
}

func NewEventHub() *EventHub {
	return &EventHub{subs: make(map[string]chan Event)}
}

// Subscribe registers a subscriber and returns its event channel.
func (h *EventHub) Subscribe(subscriberID string) <-chan Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan Event, 100)
	h.subs[subscriberID] = ch
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (h *EventHub) Unsubscribe(subscriberID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if ch, ok := h.subs[subscriberID]; ok {
		close(ch)
		delete(h.subs, subscriberID)
	}
}

// Publish broadcasts an event to all subscribers.
func (h *EventHub) Publish(eventType string, repositoryID uint, payload interface{}) {
	event := Event{
		ID:           uuid.NewString(),
		Type:         eventType,
		RepositoryID: repositoryID,
		Payload:      payload,
		OccurredAt:   time.Now(),
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, ch := range h.subs {
		select {
		case ch <- event:
		default:
			// Subscriber is slow, skip this event
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (h *EventHub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// StartLogSubscriber attaches a subscriber that ships every event to the
// structured log. Returns a stop function.
func StartLogSubscriber(hub *EventHub) func() {
	ch := hub.Subscribe("log")
	done := make(chan struct{})

	go func() {
		log := logger.Module("events")
		for {
			select {
			case ev, ok := <-ch:
				if !ok {
					return
				}
				log.Info().
					Str("event_id", ev.ID).
					Str("type", ev.Type).
					Uint("repository_id", ev.RepositoryID).
					Interface("payload", ev.Payload).
					Msg("domain event")
			case <-done:
				return
			}
		}
	}()

	return func() {
		close(done)
		hub.Unsubscribe("log")
	}
}

// Event payloads.

type CandidateDecidedPayload struct {
	CandidateID uint    `json:"candidate_id"`
	Email       string  `json:"email"`
	Status      string  `json:"status"`
	Reason      string  `json:"reason,omitempty"`
	Score       float64 `json:"score"`
	HopDepth    int     `json:"hop_depth"`
}

type MemberAddedPayload struct {
	MemberID       uint   `json:"member_id"`
	Email          string `json:"email"`
	HopDepth       int    `json:"hop_depth"`
	SourceMemberID *uint  `json:"source_member_id,omitempty"`
}

type JobCompletedPayload struct {
	JobID     uint   `json:"job_id"`
	BatchKey  string `json:"batch_key"`
	Status    string `json:"status"`
	Delivered int    `json:"delivered"`
	Bounced   int    `json:"bounced"`
	LastError string `json:"last_error,omitempty"`
}
