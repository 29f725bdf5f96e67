package postgres

import (
	"context"
	"time"
)

// RecordRateEvent inserts one admission event. Duplicate (address, second)
// pairs are silently ignored.
func (s *Store) RecordRateEvent(ctx context.Context, clientAddr string, ts time.Time) error {
	return s.withRetry(ctx, "record_rate_event", func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx,
			`INSERT INTO ip_requests (ip_address, request_time) VALUES ($1, $2)
			 ON CONFLICT (ip_address, request_time) DO NOTHING`,
			clientAddr, ts.Unix())
		return err
	})
}

func (s *Store) CountRateEvents(ctx context.Context, clientAddr string, since time.Time) (int, error) {
	return s.count(ctx, "count_rate_events",
		`SELECT COUNT(*) FROM ip_requests WHERE ip_address = $1 AND request_time > $2`,
		clientAddr, since.Unix())
}

// PruneRateEvents discards events older than the cutoff. Best-effort; callers
// sample it rather than running it on every admission.
func (s *Store) PruneRateEvents(ctx context.Context, before time.Time) error {
	return s.withRetry(ctx, "prune_rate_events", func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx,
			`DELETE FROM ip_requests WHERE request_time <= $1`, before.Unix())
		return err
	})
}
