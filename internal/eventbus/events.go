// Package eventbus publishes pipeline lifecycle events so downstream
// consumers (dashboards, payout services) can react to epoch progress.
package eventbus

import (
	"time"

	"github.com/google/uuid"
)

// EventType identifies a pipeline lifecycle event.
type EventType string

const (
	EventTypeEpochStarted   EventType = "rewards.epoch.started"
	EventTypeEpochCommitted EventType = "rewards.epoch.committed"
	EventTypeEpochFailed    EventType = "rewards.epoch.failed"
)

// Event is the envelope published to the bus.
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Source    string         `json:"source"`
	Epoch     uint64         `json:"epoch"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// NewEvent creates an event with a fresh ID and timestamp.
func NewEvent(eventType EventType, source string, epoch uint64, data map[string]any) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Epoch:     epoch,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// NewEpochStartedEvent announces that a run began processing an epoch.
func NewEpochStartedEvent(source string, epoch uint64, dryRun bool) *Event {
	return NewEvent(EventTypeEpochStarted, source, epoch, map[string]any{
		"dry_run": dryRun,
	})
}

// NewEpochCommittedEvent announces a committed epoch with its input
// counts.
func NewEpochCommittedEvent(source string, epoch uint64, privateLinks, demands int) *Event {
	return NewEvent(EventTypeEpochCommitted, source, epoch, map[string]any{
		"private_links": privateLinks,
		"demands":       demands,
	})
}

// NewEpochFailedEvent announces a failed run with its stage and cause.
func NewEpochFailedEvent(source string, epoch uint64, stage, reason string) *Event {
	return NewEvent(EventTypeEpochFailed, source, epoch, map[string]any{
		"stage":  stage,
		"reason": reason,
	})
}
