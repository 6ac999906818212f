package logger

import (
	"log/slog"

	"github.com/google/uuid"
)

// Error creates an attribute for a single error under the key "error".
// If err is nil, it returns an empty Attr.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.Any("error", err)
}

// NotificationID records the notification identifier under the key
// "notification_id".
func NotificationID(id uuid.UUID) slog.Attr {
	return slog.String("notification_id", id.String())
}

// AudienceID records the audience identifier under the key "audience_id".
func AudienceID(id uuid.UUID) slog.Attr {
	return slog.String("audience_id", id.String())
}

// RecipientID records the recipient identifier under the key
// "recipient_id". If id is empty, it returns an empty Attr.
func RecipientID(id string) slog.Attr {
	if id == "" {
		return slog.Attr{}
	}
	return slog.String("recipient_id", id)
}

// Provider records the push provider name under the key "provider".
func Provider(name string) slog.Attr {
	return slog.String("provider", name)
}

// Attempt records the dispatch attempt number under the key "attempt".
func Attempt(n int) slog.Attr {
	return slog.Int("attempt", n)
}

// Recipients records a recipient count under the key "recipients".
func Recipients(n int) slog.Attr {
	return slog.Int("recipients", n)
}

// Component records the emitting component under the key "component".
func Component(name string) slog.Attr {
	return slog.String("component", name)
}
