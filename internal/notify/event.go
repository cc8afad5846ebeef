package notify

import (
	"time"

	"github.com/google/uuid"
)

// Type classifies a notification.
type Type string

const (
	TypeCommit      Type = "commit"
	TypeError       Type = "error"
	TypeWarning     Type = "warning"
	TypeInfo        Type = "info"
	TypeAuthFailure Type = "auth-failure"
)

// Severity ranks how urgently a notification needs attention.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Event is one notification. It is immutable once published.
type Event struct {
	ID        string         `json:"id"`
	Type      Type           `json:"type"`
	Message   string         `json:"message"`
	Timestamp time.Time      `json:"timestamp"`
	Severity  Severity       `json:"severity"`
	Details   map[string]any `json:"details,omitempty"`
}

// NewEvent stamps a new event with a random ID and the current time.
func NewEvent(t Type, severity Severity, message string, details map[string]any) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      t,
		Message:   message,
		Timestamp: time.Now().UTC(),
		Severity:  severity,
		Details:   details,
	}
}
