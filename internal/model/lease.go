// Package model holds the domain types shared by the store, the admission
// controller and the lease manager.
package model

import "time"

// Lease is the record of one active sandbox container: one per owner, one
// per allocated host port.
type Lease struct {
	ID         string // container handle assigned by the runtime
	Port       int
	Owner      string // opaque user_uuid cookie value
	ClientAddr string
	StartedAt  time.Time
	ExpiresAt  time.Time
}

// Expired reports whether the lease has passed its expiry at the given time.
func (l Lease) Expired(now time.Time) bool {
	return l.ExpiresAt.Before(now)
}

// PortSlot is one cell of the port pool.
type PortSlot struct {
	Port       int
	Allocated  bool
	HolderID   string // container id when allocated
	ReservedAt time.Time
}

// Snapshot is the resource monitor's most recent usage reading, consulted by
// admission before starting a new sandbox.
type Snapshot struct {
	Leases      int
	LeaseLimit  int
	CPUPercent  float64
	CPULimit    float64
	MemoryGB    float64
	MemoryLimit float64
	TakenAt     time.Time
}

// Stale reports whether the snapshot is older than maxAge.
func (s Snapshot) Stale(maxAge time.Duration) bool {
	return time.Since(s.TakenAt) > maxAge
}
