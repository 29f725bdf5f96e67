package postgres

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

const (
	maxRetries       = 3
	retryBackoffBase = 500 * time.Millisecond
)

// isTransient reports whether an error is a connection-level failure worth
// retrying. Logical errors (constraint violations, bad input) are not.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	if pgconn.SafeToRetry(err) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 08: connection exceptions; 57P01..57P03: server shutdown.
		switch pgErr.Code {
		case "08000", "08003", "08006", "57P01", "57P02", "57P03":
			return true
		}
	}
	return false
}

// isUniqueViolation reports a duplicate-key insert.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// withRetry runs fn, retrying transient failures up to maxRetries times with
// exponential backoff (0.5s, 1s, 2s).
func (s *Store) withRetry(ctx context.Context, op string, fn func(context.Context) error) error {
	var err error
	backoff := retryBackoffBase
	for attempt := 0; ; attempt++ {
		err = fn(ctx)
		if err == nil || !isTransient(err) || attempt >= maxRetries {
			break
		}
		s.logger.Warn().
			Err(err).
			Str("op", op).
			Int("attempt", attempt+1).
			Dur("backoff", backoff).
			Msg("transient store error, retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return err
}
