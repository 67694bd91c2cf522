package service

import (
	"context"
	"time"
)

// Routing keys of the events published by the Portal
const (
	RoutingKeyRegistered      = "meter.registered"
	RoutingKeyReadingRecorded = "meter.reading.recorded"
	RoutingKeyBackupCompleted = "meter.backup.completed"
)

// EventPublisher delivers domain events to downstream consumers
type EventPublisher interface {
	Publish(ctx context.Context, routingKey string, event interface{}) error
}

// NopPublisher drops every event. Used when messaging is not configured.
type NopPublisher struct{}

// Publish implements EventPublisher
func (NopPublisher) Publish(context.Context, string, interface{}) error { return nil }

// MeterRegisteredEvent is published after a successful registration
type MeterRegisteredEvent struct {
	EventID      string    `json:"event_id"`
	MeterID      string    `json:"meter_id"`
	Username     string    `json:"username"`
	DwellingType string    `json:"dwelling_type"`
	Region       string    `json:"region"`
	Area         string    `json:"area"`
	RegisteredAt time.Time `json:"registered_at"`
}

// ReadingRecordedEvent is published after a reading is appended
type ReadingRecordedEvent struct {
	EventID       string    `json:"event_id"`
	MeterID       string    `json:"meter_id"`
	ReadingTime   string    `json:"reading_time"`
	Reading       float64   `json:"reading"`
	AnomalyReason string    `json:"anomaly_reason,omitempty"`
	RecordedAt    time.Time `json:"recorded_at"`
}

// BackupCompletedEvent is published after a backup-and-clear run
type BackupCompletedEvent struct {
	EventID       string    `json:"event_id"`
	Meters        int       `json:"meters"`
	ReadingsMoved int       `json:"readings_moved"`
	Duplicates    int       `json:"duplicates_skipped"`
	CompletedAt   time.Time `json:"completed_at"`
}

type pendingEvent struct {
	routingKey string
	event      interface{}
}
