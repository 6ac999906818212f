package stream

import "time"

// EventType discriminates stream payloads.
type EventType string

const (
	// TypeNotification carries an in-app rendering of a dispatched
	// notification.
	TypeNotification EventType = "notification"
	// TypePing is a keepalive marker, independent of notification
	// traffic, so long-lived connections can detect staleness.
	TypePing EventType = "ping"
)

// Event is the transient payload pushed to live sessions.
type Event struct {
	Type  EventType      `json:"type"`
	ID    string         `json:"id,omitempty"`
	Title string         `json:"title,omitempty"`
	Body  string         `json:"body,omitempty"`
	Data  map[string]any `json:"data,omitempty"`
	At    time.Time      `json:"at,omitempty"`
}

// NotificationEvent builds the event emitted for a dispatched
// notification.
func NotificationEvent(id, title, body string, data map[string]any) Event {
	return Event{
		Type:  TypeNotification,
		ID:    id,
		Title: title,
		Body:  body,
		Data:  data,
	}
}

// Ping builds a keepalive event stamped with the current time.
func Ping() Event {
	return Event{Type: TypePing, At: time.Now()}
}
