package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var (
	_ DedupRepo = (*SQLiteStore)(nil)
	_ DedupRepo = (*PostgresStore)(nil)
)

func (b *sqlBackend) Seen(ctx context.Context, messageID string) (bool, error) {
	var id string
	err := b.queryRow(ctx, `SELECT message_id FROM inbound_dedup WHERE message_id = ?`, messageID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("dedup lookup %s: %w", messageID, err)
	}
	return true, nil
}

func (b *sqlBackend) RecordInbound(ctx context.Context, messageID, sender string) (bool, error) {
	result, err := b.exec(ctx,
		`INSERT INTO inbound_dedup (message_id, sender, received_at) VALUES (?, ?, ?) ON CONFLICT (message_id) DO NOTHING`,
		messageID, sender, time.Now().UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("record inbound %s: %w", messageID, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record inbound %s: rows affected: %w", messageID, err)
	}
	return n > 0, nil
}

func (b *sqlBackend) MarkProcessed(ctx context.Context, messageID string) error {
	if _, err := b.exec(ctx,
		`UPDATE inbound_dedup SET processed_at = ? WHERE message_id = ?`,
		time.Now().UTC(), messageID,
	); err != nil {
		return fmt.Errorf("mark processed %s: %w", messageID, err)
	}
	return nil
}

func (b *sqlBackend) PruneInbound(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := b.exec(ctx, `DELETE FROM inbound_dedup WHERE received_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune inbound: %w", err)
	}
	return result.RowsAffected()
}
