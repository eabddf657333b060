package store

import (
	"context"
	"time"
)

// DefaultDedupRetention is how long processed message ids are remembered.
const DefaultDedupRetention = 30 * 24 * time.Hour

// DedupRecord is one remembered inbound chat message.
type DedupRecord struct {
	MessageID   string     `json:"message_id"`
	Sender      string     `json:"sender"`
	ReceivedAt  time.Time  `json:"received_at"`
	ProcessedAt *time.Time `json:"processed_at"`
}

// DedupRepo remembers inbound message ids so a transport redelivery is not
// run through the pipeline twice. A redelivered item selection would
// otherwise place a second order.
type DedupRepo interface {
	// Seen reports whether messageID was recorded.
	Seen(ctx context.Context, messageID string) (bool, error)

	// RecordInbound remembers messageID. It returns false when the id was
	// already recorded.
	RecordInbound(ctx context.Context, messageID, sender string) (bool, error)

	// MarkProcessed stamps the time the pipeline finished with messageID.
	MarkProcessed(ctx context.Context, messageID string) error

	// PruneInbound forgets ids received before cutoff and returns how many
	// were removed.
	PruneInbound(ctx context.Context, cutoff time.Time) (int64, error)
}
