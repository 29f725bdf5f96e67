package lease

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ctfdeploy/ctfdeploy/internal/container"
	"github.com/ctfdeploy/ctfdeploy/internal/model"
	"github.com/ctfdeploy/ctfdeploy/internal/store/memory"
)

func testConfig() Config {
	return Config{
		Image:         "localhost/generic_ctf_task:latest",
		Flag:          "CTF{test}",
		ContainerPort: 80,
		ProjectName:   "ctf_task",
		LeaseTime:     30 * time.Minute,
		ExtendTime:    10 * time.Minute,
		PortAttempts:  3,
	}
}

func TestCreateStoresLease(t *testing.T) {
	ctx := context.Background()
	st := memory.New(9000, 9010)
	rt := container.NewFake()
	m := NewManager(testConfig(), st, rt)

	lease, err := m.Create(ctx, "owner-1", "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, 9000, lease.Port)
	assert.Equal(t, "owner-1", lease.Owner)
	assert.WithinDuration(t, time.Now().Add(30*time.Minute), lease.ExpiresAt, 5*time.Second)

	stored, err := st.LeaseByOwner(ctx, "owner-1")
	require.NoError(t, err)
	assert.Equal(t, lease.ID, stored.ID)

	// The deployment counts against the client's rate window.
	n, err := st.CountRateEvents(ctx, "10.0.0.1", time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	ids, err := rt.ListByNamePrefix(ctx, "ctf_task_session_owner_1_")
	require.NoError(t, err)
	assert.Len(t, ids, 1)
}

func TestCreateRetriesOnPortConflict(t *testing.T) {
	ctx := context.Background()
	st := memory.New(9000, 9010)
	rt := container.NewFake()
	rt.PortConflicts[9000] = true
	m := NewManager(testConfig(), st, rt)

	lease, err := m.Create(ctx, "owner-1", "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, 9001, lease.Port)

	// The conflicting port went back to the pool.
	allocated, err := st.IsPortAllocated(ctx, 9000)
	require.NoError(t, err)
	assert.False(t, allocated)
}

func TestCreateGivesUpAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	st := memory.New(9000, 9010)
	rt := container.NewFake()
	for p := 9000; p < 9010; p++ {
		rt.PortConflicts[p] = true
	}
	cfg := testConfig()
	cfg.PortAttempts = 2
	m := NewManager(cfg, st, rt)

	// Exhausting the retry budget on host conflicts reads as pool exhaustion.
	_, err := m.Create(ctx, "owner-1", "10.0.0.1")
	require.ErrorIs(t, err, model.ErrNoPorts)

	_, allocated, err := st.CountPorts(ctx)
	require.NoError(t, err)
	assert.Zero(t, allocated)
}

type insertFailStore struct {
	*memory.Store
	insertErr error
}

func (s *insertFailStore) InsertLease(ctx context.Context, l model.Lease) error {
	if s.insertErr != nil {
		return s.insertErr
	}
	return s.Store.InsertLease(ctx, l)
}

func TestCreateRollsBackWhenInsertFails(t *testing.T) {
	ctx := context.Background()
	st := &insertFailStore{Store: memory.New(9000, 9010), insertErr: model.ErrStore}
	rt := container.NewFake()
	m := NewManager(testConfig(), st, rt)

	_, err := m.Create(ctx, "owner-1", "10.0.0.1")
	require.ErrorIs(t, err, model.ErrStore)

	// Container and port are rolled back.
	assert.Zero(t, rt.Running())
	_, allocated, err := st.CountPorts(ctx)
	require.NoError(t, err)
	assert.Zero(t, allocated)

	// The rate event precedes the insert, so the attempt still counts
	// against the client's window.
	n, err := st.CountRateEvents(ctx, "10.0.0.1", time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestCreateFailsWhenPoolExhausted(t *testing.T) {
	ctx := context.Background()
	st := memory.New(9000, 9001)
	m := NewManager(testConfig(), st, container.NewFake())

	_, err := m.Create(ctx, "owner-1", "10.0.0.1")
	require.NoError(t, err)

	// Admission rejects duplicate owners before this point; a second owner
	// still needs a port.
	_, err = m.Create(ctx, "owner-2", "10.0.0.2")
	assert.ErrorIs(t, err, model.ErrNoPorts)
}

func TestExtendAccumulates(t *testing.T) {
	ctx := context.Background()
	st := memory.New(9000, 9010)
	m := NewManager(testConfig(), st, container.NewFake())

	created, err := m.Create(ctx, "owner-1", "10.0.0.1")
	require.NoError(t, err)

	first, err := m.Extend(ctx, "owner-1")
	require.NoError(t, err)
	assert.Equal(t, created.ExpiresAt.Add(10*time.Minute).Unix(), first.ExpiresAt.Unix())

	second, err := m.Extend(ctx, "owner-1")
	require.NoError(t, err)
	assert.Equal(t, created.ExpiresAt.Add(20*time.Minute).Unix(), second.ExpiresAt.Unix())
}

func TestExtendUnknownOwner(t *testing.T) {
	m := NewManager(testConfig(), memory.New(9000, 9010), container.NewFake())
	_, err := m.Extend(context.Background(), "nobody")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestStopDestroysEverything(t *testing.T) {
	ctx := context.Background()
	st := memory.New(9000, 9010)
	rt := container.NewFake()
	m := NewManager(testConfig(), st, rt)

	lease, err := m.Create(ctx, "owner-1", "10.0.0.1")
	require.NoError(t, err)

	require.NoError(t, m.Stop(ctx, "owner-1"))

	_, err = st.LeaseByOwner(ctx, "owner-1")
	assert.ErrorIs(t, err, model.ErrNotFound)
	allocated, err := st.IsPortAllocated(ctx, lease.Port)
	require.NoError(t, err)
	assert.False(t, allocated)
	assert.Zero(t, rt.Running())

	// The lease is gone, so a second stop reports not found.
	assert.ErrorIs(t, m.Stop(ctx, "owner-1"), model.ErrNotFound)
}

func TestDestroyIsIdempotent(t *testing.T) {
	ctx := context.Background()
	st := memory.New(9000, 9010)
	m := NewManager(testConfig(), st, container.NewFake())

	lease, err := m.Create(ctx, "owner-1", "10.0.0.1")
	require.NoError(t, err)

	require.NoError(t, m.Destroy(ctx, lease))
	require.NoError(t, m.Destroy(ctx, lease))
}

func TestRestart(t *testing.T) {
	ctx := context.Background()
	st := memory.New(9000, 9010)
	rt := container.NewFake()
	m := NewManager(testConfig(), st, rt)

	lease, err := m.Create(ctx, "owner-1", "10.0.0.1")
	require.NoError(t, err)

	assert.NoError(t, m.Restart(ctx, "owner-1"))
	assert.ErrorIs(t, m.Restart(ctx, "nobody"), model.ErrNotFound)

	// A lease whose container vanished reports the handle as gone.
	require.NoError(t, rt.Remove(ctx, lease.ID))
	assert.ErrorIs(t, m.Restart(ctx, "owner-1"), model.ErrHandleGone)
}

func TestStatus(t *testing.T) {
	ctx := context.Background()
	st := memory.New(9000, 9010)
	rt := container.NewFake()
	m := NewManager(testConfig(), st, rt)

	lease, err := m.Create(ctx, "owner-1", "10.0.0.1")
	require.NoError(t, err)

	got, status, err := m.Status(ctx, "owner-1")
	require.NoError(t, err)
	assert.Equal(t, lease.ID, got.ID)
	assert.True(t, status.Running)

	// A container that died out from under its lease reports not_found.
	require.NoError(t, rt.Remove(ctx, lease.ID))
	_, status, err = m.Status(ctx, "owner-1")
	require.NoError(t, err)
	assert.Equal(t, "not_found", status.State)
}

func TestShutdownAll(t *testing.T) {
	ctx := context.Background()
	st := memory.New(9000, 9010)
	rt := container.NewFake()
	m := NewManager(testConfig(), st, rt)

	for _, owner := range []string{"a", "b", "c"} {
		_, err := m.Create(ctx, owner, "10.0.0.1")
		require.NoError(t, err)
	}

	require.NoError(t, m.ShutdownAll(ctx))

	n, err := st.CountLeases(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, rt.Running())
}

func TestContainerNameShape(t *testing.T) {
	m := NewManager(testConfig(), memory.New(9000, 9010), container.NewFake())
	name := m.containerName("aaaa-bbbb", time.Unix(1700000000, 0))

	assert.True(t, strings.HasPrefix(name, "ctf_task_session_aaaa_bbbb_1700000000_"))
	assert.NotContains(t, name, "-")
}
