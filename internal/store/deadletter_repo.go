package store

import (
	"context"
	"time"
)

// DeadLetter is an outbound notification that exhausted its retries.
type DeadLetter struct {
	ID            string    `json:"id"`
	Recipient     string    `json:"recipient"`
	MessageType   string    `json:"message_type"`
	CorrelationID string    `json:"correlation_id"`
	Attempts      int       `json:"attempts"`
	LastError     string    `json:"last_error"`
	Payload       string    `json:"payload"`
	CreatedAt     time.Time `json:"created_at"`
}

// DeadLetterRepo persists dropped notifications for operator follow-up.
type DeadLetterRepo interface {
	RecordDeadLetter(ctx context.Context, d DeadLetter) error
	ListDeadLetters(ctx context.Context, limit int) ([]DeadLetter, error)
}
