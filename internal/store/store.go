// Package store defines the persistence contract for leases, rate events and
// the port registry. Two implementations exist: Postgres (production) and an
// in-memory store used by tests.
package store

import (
	"context"
	"time"

	"github.com/ctfdeploy/ctfdeploy/internal/model"
)

// PoolStats describes the state of the underlying connection pool for the
// /status endpoint.
type PoolStats struct {
	Status string `json:"status"`
	Used   int32  `json:"used_connections"`
	Free   int32  `json:"free_connections"`
	Max    int32  `json:"max_connections"`
}

// Store is the authoritative record of leases, admission events and port
// allocations. All methods are safe for concurrent use. Lookup methods return
// model.ErrNotFound when no row matches; AllocatePort returns model.ErrNoPorts
// when the pool is exhausted.
type Store interface {
	// Leases. InsertLease also binds the allocated port slot to the lease id
	// in the same transaction, so a stored lease always owns its slot.
	InsertLease(ctx context.Context, l model.Lease) error
	LeaseByOwner(ctx context.Context, owner string) (model.Lease, error)
	LeaseByID(ctx context.Context, id string) (model.Lease, error)
	UpdateExpiry(ctx context.Context, id string, expiresAt time.Time) error
	// DeleteLease is idempotent: deleting an absent lease is not an error.
	DeleteLease(ctx context.Context, id string) error
	// ExpiredLeases returns leases with expiry before now, oldest first.
	ExpiredLeases(ctx context.Context, now time.Time) ([]model.Lease, error)
	AllLeases(ctx context.Context) ([]model.Lease, error)
	CountLeases(ctx context.Context) (int, error)
	CountLeasesByClient(ctx context.Context, clientAddr string) (int, error)

	// Rate events. RecordRateEvent silently ignores duplicate (addr, ts) keys.
	RecordRateEvent(ctx context.Context, clientAddr string, ts time.Time) error
	CountRateEvents(ctx context.Context, clientAddr string, since time.Time) (int, error)
	PruneRateEvents(ctx context.Context, before time.Time) error

	// Port registry.
	AllocatePort(ctx context.Context, holderID string, blocked []int) (int, error)
	// ReleasePort is idempotent; releasing a free slot is a no-op.
	ReleasePort(ctx context.Context, port int) error
	IsPortAllocated(ctx context.Context, port int) (bool, error)
	// SweepStalePorts releases reservations older than maxAge whose holder no
	// longer matches a lease, and returns the released ports.
	SweepStalePorts(ctx context.Context, maxAge time.Duration) ([]int, error)
	CountPorts(ctx context.Context) (total int, allocated int, err error)

	// Maintenance returns a view of the same store bound to the dedicated
	// maintenance connection pool, so a long sweep cannot starve request-path
	// queries. Implementations without pools return themselves.
	Maintenance() Store

	PoolStats() PoolStats
	Close()
}
