package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ctfdeploy/ctfdeploy/internal/model"
)

// seedPorts fills the allocation table for the configured range. Only missing
// rows are inserted, so restarts never reset allocation state.
func (s *Store) seedPorts(ctx context.Context) error {
	return s.withRetry(ctx, "seed_ports", func(ctx context.Context) error {
		tag, err := s.pool.Exec(ctx,
			`INSERT INTO port_allocations (port)
			 SELECT generate_series($1::int, $2::int)
			 ON CONFLICT (port) DO NOTHING`,
			s.cfg.StartRange, s.cfg.StopRange-1)
		if err != nil {
			return err
		}
		if tag.RowsAffected() > 0 {
			s.logger.Info().
				Int64("ports", tag.RowsAffected()).
				Msg("seeded port allocation table")
		}
		return nil
	})
}

// AllocatePort reserves the lowest free port not in blocked. SKIP LOCKED makes
// concurrent allocators pick distinct rows in a single pass; an empty result
// under load is retried with exponential backoff before reporting exhaustion.
func (s *Store) AllocatePort(ctx context.Context, holderID string, blocked []int) (int, error) {
	backoff := retryBackoffBase
	for attempt := 1; attempt <= s.cfg.AllocateMaxAttempts; attempt++ {
		port, err := s.tryAllocate(ctx, holderID, blocked)
		if err == nil {
			return port, nil
		}
		if !errors.Is(err, model.ErrNoPorts) && !isTransient(err) {
			return 0, err
		}
		if attempt == s.cfg.AllocateMaxAttempts {
			break
		}
		s.logger.Warn().
			Err(err).
			Int("attempt", attempt).
			Int("max_attempts", s.cfg.AllocateMaxAttempts).
			Msg("port allocation attempt failed, backing off")
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return 0, model.ErrNoPorts
}

func (s *Store) tryAllocate(ctx context.Context, holderID string, blocked []int) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if blocked == nil {
		blocked = []int{}
	}
	var port int
	err = tx.QueryRow(ctx,
		`SELECT port FROM port_allocations
		 WHERE allocated = FALSE AND NOT (port = ANY($1))
		 ORDER BY port
		 LIMIT 1
		 FOR UPDATE SKIP LOCKED`, blocked).Scan(&port)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, model.ErrNoPorts
	}
	if err != nil {
		return 0, err
	}

	var holder any
	if holderID != "" {
		holder = holderID
	}
	_, err = tx.Exec(ctx,
		`UPDATE port_allocations
		 SET allocated = TRUE, container_id = $1, allocated_time = $2
		 WHERE port = $3`,
		holder, time.Now().Unix(), port)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return port, nil
}

// ReleasePort frees the slot. Releasing an already-free or unknown port is a
// no-op.
func (s *Store) ReleasePort(ctx context.Context, port int) error {
	return s.withRetry(ctx, "release_port", func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx,
			`UPDATE port_allocations
			 SET allocated = FALSE, container_id = NULL, allocated_time = NULL
			 WHERE port = $1`, port)
		return err
	})
}

func (s *Store) IsPortAllocated(ctx context.Context, port int) (bool, error) {
	var allocated bool
	err := s.withRetry(ctx, "is_port_allocated", func(ctx context.Context) error {
		return s.pool.QueryRow(ctx,
			`SELECT allocated FROM port_allocations WHERE port = $1`, port).Scan(&allocated)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	return allocated, err
}

// SweepStalePorts releases reservations older than maxAge with no matching
// lease row, including reservations whose holder was never bound.
func (s *Store) SweepStalePorts(ctx context.Context, maxAge time.Duration) ([]int, error) {
	cutoff := time.Now().Add(-maxAge).Unix()
	var released []int
	err := s.withRetry(ctx, "sweep_stale_ports", func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx,
			`UPDATE port_allocations p
			 SET allocated = FALSE, container_id = NULL, allocated_time = NULL
			 WHERE p.allocated = TRUE
			   AND p.allocated_time < $1
			   AND NOT EXISTS (SELECT 1 FROM containers c WHERE c.id = p.container_id)
			 RETURNING p.port`, cutoff)
		if err != nil {
			return err
		}
		defer rows.Close()

		released = released[:0]
		for rows.Next() {
			var port int
			if err := rows.Scan(&port); err != nil {
				return err
			}
			released = append(released, port)
		}
		return rows.Err()
	})
	return released, err
}

func (s *Store) CountPorts(ctx context.Context) (int, int, error) {
	var total, allocated int
	err := s.withRetry(ctx, "count_ports", func(ctx context.Context) error {
		return s.pool.QueryRow(ctx,
			`SELECT COUNT(*), COUNT(*) FILTER (WHERE allocated) FROM port_allocations`).
			Scan(&total, &allocated)
	})
	return total, allocated, err
}
