// Package memory implements the store contract with a mutex and a free-list.
// It backs tests and single-node deployments that run without Postgres.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ctfdeploy/ctfdeploy/internal/model"
	"github.com/ctfdeploy/ctfdeploy/internal/store"
)

type slot struct {
	allocated  bool
	holderID   string
	reservedAt time.Time
}

// Store is an in-memory implementation of store.Store. The zero value is not
// usable; construct with New.
type Store struct {
	mu     sync.Mutex
	slots  map[int]*slot
	ports  []int // ascending, for lowest-port-first allocation
	leases map[string]model.Lease
	owners map[string]string // owner -> lease id
	events map[string][]time.Time
}

var _ store.Store = (*Store)(nil)

// New creates a store with one free slot per port in [startRange, stopRange).
func New(startRange, stopRange int) *Store {
	s := &Store{
		slots:  make(map[int]*slot),
		leases: make(map[string]model.Lease),
		owners: make(map[string]string),
		events: make(map[string][]time.Time),
	}
	for p := startRange; p < stopRange; p++ {
		s.slots[p] = &slot{}
		s.ports = append(s.ports, p)
	}
	return s
}

func (s *Store) InsertLease(_ context.Context, l model.Lease) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leases[l.ID] = l
	s.owners[l.Owner] = l.ID
	if sl, ok := s.slots[l.Port]; ok {
		sl.holderID = l.ID
	}
	return nil
}

func (s *Store) LeaseByOwner(_ context.Context, owner string) (model.Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.owners[owner]
	if !ok {
		return model.Lease{}, model.ErrNotFound
	}
	return s.leases[id], nil
}

func (s *Store) LeaseByID(_ context.Context, id string) (model.Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.leases[id]
	if !ok {
		return model.Lease{}, model.ErrNotFound
	}
	return l, nil
}

func (s *Store) UpdateExpiry(_ context.Context, id string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.leases[id]
	if !ok {
		return model.ErrNotFound
	}
	l.ExpiresAt = expiresAt
	s.leases[id] = l
	return nil
}

func (s *Store) DeleteLease(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.leases[id]
	if !ok {
		return nil
	}
	delete(s.leases, id)
	if s.owners[l.Owner] == id {
		delete(s.owners, l.Owner)
	}
	return nil
}

func (s *Store) ExpiredLeases(_ context.Context, now time.Time) ([]model.Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Lease
	for _, l := range s.leases {
		if l.Expired(now) {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return out, nil
}

func (s *Store) AllLeases(_ context.Context) ([]model.Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Lease, 0, len(s.leases))
	for _, l := range s.leases {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Port < out[j].Port })
	return out, nil
}

func (s *Store) CountLeases(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.leases), nil
}

func (s *Store) CountLeasesByClient(_ context.Context, clientAddr string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, l := range s.leases {
		if l.ClientAddr == clientAddr {
			n++
		}
	}
	return n, nil
}

func (s *Store) RecordRateEvent(_ context.Context, clientAddr string, ts time.Time) error {
	ts = ts.Truncate(time.Second)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.events[clientAddr] {
		if existing.Equal(ts) {
			return nil // duplicate key, ignored
		}
	}
	s.events[clientAddr] = append(s.events[clientAddr], ts)
	return nil
}

func (s *Store) CountRateEvents(_ context.Context, clientAddr string, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, ts := range s.events[clientAddr] {
		if ts.After(since) {
			n++
		}
	}
	return n, nil
}

func (s *Store) PruneRateEvents(_ context.Context, before time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for addr, list := range s.events {
		kept := list[:0]
		for _, ts := range list {
			if !ts.Before(before) {
				kept = append(kept, ts)
			}
		}
		if len(kept) == 0 {
			delete(s.events, addr)
		} else {
			s.events[addr] = kept
		}
	}
	return nil
}

func (s *Store) AllocatePort(_ context.Context, holderID string, blocked []int) (int, error) {
	skip := make(map[int]struct{}, len(blocked))
	for _, p := range blocked {
		skip[p] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.ports {
		if _, ok := skip[p]; ok {
			continue
		}
		sl := s.slots[p]
		if sl.allocated {
			continue
		}
		sl.allocated = true
		sl.holderID = holderID
		sl.reservedAt = time.Now()
		return p, nil
	}
	return 0, model.ErrNoPorts
}

func (s *Store) ReleasePort(_ context.Context, port int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sl, ok := s.slots[port]; ok {
		sl.allocated = false
		sl.holderID = ""
		sl.reservedAt = time.Time{}
	}
	return nil
}

func (s *Store) IsPortAllocated(_ context.Context, port int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.slots[port]
	if !ok {
		return false, nil
	}
	return sl.allocated, nil
}

func (s *Store) SweepStalePorts(_ context.Context, maxAge time.Duration) ([]int, error) {
	cutoff := time.Now().Add(-maxAge)
	s.mu.Lock()
	defer s.mu.Unlock()
	var released []int
	for _, p := range s.ports {
		sl := s.slots[p]
		if !sl.allocated || sl.reservedAt.After(cutoff) {
			continue
		}
		if _, live := s.leases[sl.holderID]; live {
			continue
		}
		sl.allocated = false
		sl.holderID = ""
		sl.reservedAt = time.Time{}
		released = append(released, p)
	}
	return released, nil
}

func (s *Store) CountPorts(_ context.Context) (int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	allocated := 0
	for _, sl := range s.slots {
		if sl.allocated {
			allocated++
		}
	}
	return len(s.ports), allocated, nil
}

func (s *Store) Maintenance() store.Store { return s }

func (s *Store) PoolStats() store.PoolStats {
	return store.PoolStats{Status: "in-memory"}
}

func (s *Store) Close() {}
