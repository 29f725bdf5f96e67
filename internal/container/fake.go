package container

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Fake is an in-memory Runtime for tests. Failure hooks let tests exercise
// the create/start error paths without a Docker daemon.
type Fake struct {
	mu      sync.Mutex
	nextID  int
	byID    map[string]Spec
	stats   []Stat
	Removed []string

	// CreateErr is returned by CreateAndStart when set. PortConflicts lists
	// host ports that fail with a port-conflict error instead.
	CreateErr     error
	PortConflicts map[int]bool
	RestartErr    error
}

var _ Runtime = (*Fake)(nil)

func NewFake() *Fake {
	return &Fake{byID: make(map[string]Spec), PortConflicts: make(map[int]bool)}
}

func (f *Fake) CreateAndStart(_ context.Context, spec Spec) (Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CreateErr != nil {
		return Handle{}, f.CreateErr
	}
	if f.PortConflicts[spec.HostPort] {
		return Handle{}, fmt.Errorf("driver failed programming external connectivity: Bind for 0.0.0.0:%d failed: port is already allocated", spec.HostPort)
	}
	f.nextID++
	id := fmt.Sprintf("fake-%d", f.nextID)
	f.byID[id] = spec
	return Handle{ID: id}, nil
}

func (f *Fake) Remove(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.byID, id)
	f.Removed = append(f.Removed, id)
	return nil
}

func (f *Fake) Restart(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.RestartErr != nil {
		return f.RestartErr
	}
	if _, ok := f.byID[id]; !ok {
		return fmt.Errorf("no such container: %s", id)
	}
	return nil
}

func (f *Fake) Status(_ context.Context, id string) (Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.byID[id]; !ok {
		return Status{State: "not_found", Running: false}, nil
	}
	return Status{State: "running", Running: true}, nil
}

func (f *Fake) Stats(context.Context) ([]Stat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Stat(nil), f.stats...), nil
}

// SetStats fixes what Stats returns.
func (f *Fake) SetStats(stats []Stat) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stats = append([]Stat(nil), stats...)
}

func (f *Fake) ListByNamePrefix(_ context.Context, prefix string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for id, spec := range f.byID {
		if strings.HasPrefix(spec.Name, prefix) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// Running reports how many fake containers are alive.
func (f *Fake) Running() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.byID)
}

func (f *Fake) Close() error { return nil }
