package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ctfdeploy/ctfdeploy/internal/model"
)

const leaseColumns = "id, port, start_time, expiration_time, user_uuid, ip_address"

func scanLease(row pgx.Row) (model.Lease, error) {
	var l model.Lease
	var startUnix, expireUnix int64
	err := row.Scan(&l.ID, &l.Port, &startUnix, &expireUnix, &l.Owner, &l.ClientAddr)
	if err != nil {
		return model.Lease{}, err
	}
	l.StartedAt = time.Unix(startUnix, 0)
	l.ExpiresAt = time.Unix(expireUnix, 0)
	return l, nil
}

// InsertLease stores the lease row and binds the port slot to the lease id in
// one transaction.
func (s *Store) InsertLease(ctx context.Context, l model.Lease) error {
	return s.withRetry(ctx, "insert_lease", func(ctx context.Context) error {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx) //nolint:errcheck

		_, err = tx.Exec(ctx,
			`INSERT INTO containers (id, port, start_time, expiration_time, user_uuid, ip_address)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			l.ID, l.Port, l.StartedAt.Unix(), l.ExpiresAt.Unix(), l.Owner, l.ClientAddr)
		if isUniqueViolation(err) {
			return model.ErrDuplicateLease
		}
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx,
			`UPDATE port_allocations SET container_id = $1 WHERE port = $2`,
			l.ID, l.Port)
		if err != nil {
			return err
		}
		return tx.Commit(ctx)
	})
}

func (s *Store) LeaseByOwner(ctx context.Context, owner string) (model.Lease, error) {
	var lease model.Lease
	err := s.withRetry(ctx, "lease_by_owner", func(ctx context.Context) error {
		row := s.pool.QueryRow(ctx,
			`SELECT `+leaseColumns+` FROM containers WHERE user_uuid = $1`, owner)
		var err error
		lease, err = scanLease(row)
		return err
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Lease{}, model.ErrNotFound
	}
	return lease, err
}

func (s *Store) LeaseByID(ctx context.Context, id string) (model.Lease, error) {
	var lease model.Lease
	err := s.withRetry(ctx, "lease_by_id", func(ctx context.Context) error {
		row := s.pool.QueryRow(ctx,
			`SELECT `+leaseColumns+` FROM containers WHERE id = $1`, id)
		var err error
		lease, err = scanLease(row)
		return err
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Lease{}, model.ErrNotFound
	}
	return lease, err
}

func (s *Store) UpdateExpiry(ctx context.Context, id string, expiresAt time.Time) error {
	return s.withRetry(ctx, "update_expiry", func(ctx context.Context) error {
		tag, err := s.pool.Exec(ctx,
			`UPDATE containers SET expiration_time = $1 WHERE id = $2`,
			expiresAt.Unix(), id)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return model.ErrNotFound
		}
		return nil
	})
}

// DeleteLease removes the lease row. A zero-row delete is success so that
// concurrent reclaimers converge on the same terminal state.
func (s *Store) DeleteLease(ctx context.Context, id string) error {
	return s.withRetry(ctx, "delete_lease", func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `DELETE FROM containers WHERE id = $1`, id)
		return err
	})
}

func (s *Store) ExpiredLeases(ctx context.Context, now time.Time) ([]model.Lease, error) {
	return s.queryLeases(ctx, "expired_leases",
		`SELECT `+leaseColumns+` FROM containers
		 WHERE expiration_time < $1 ORDER BY expiration_time ASC`, now.Unix())
}

func (s *Store) AllLeases(ctx context.Context) ([]model.Lease, error) {
	return s.queryLeases(ctx, "all_leases",
		`SELECT `+leaseColumns+` FROM containers ORDER BY port ASC`)
}

func (s *Store) queryLeases(ctx context.Context, op, query string, args ...any) ([]model.Lease, error) {
	var leases []model.Lease
	err := s.withRetry(ctx, op, func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		leases = leases[:0]
		for rows.Next() {
			l, err := scanLease(rows)
			if err != nil {
				return err
			}
			leases = append(leases, l)
		}
		return rows.Err()
	})
	return leases, err
}

func (s *Store) CountLeases(ctx context.Context) (int, error) {
	return s.count(ctx, "count_leases", `SELECT COUNT(*) FROM containers`)
}

func (s *Store) CountLeasesByClient(ctx context.Context, clientAddr string) (int, error) {
	return s.count(ctx, "count_leases_by_client",
		`SELECT COUNT(*) FROM containers WHERE ip_address = $1`, clientAddr)
}

func (s *Store) count(ctx context.Context, op, query string, args ...any) (int, error) {
	var n int
	err := s.withRetry(ctx, op, func(ctx context.Context) error {
		return s.pool.QueryRow(ctx, query, args...).Scan(&n)
	})
	return n, err
}
