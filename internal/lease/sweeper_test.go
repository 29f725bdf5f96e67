package lease

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ctfdeploy/ctfdeploy/internal/container"
	"github.com/ctfdeploy/ctfdeploy/internal/model"
	"github.com/ctfdeploy/ctfdeploy/internal/store/memory"
)

func TestSweepReclaimsExpiredLeases(t *testing.T) {
	ctx := context.Background()
	st := memory.New(9000, 9010)
	rt := container.NewFake()
	m := NewManager(testConfig(), st, rt)

	expired, err := m.Create(ctx, "expired-owner", "10.0.0.1")
	require.NoError(t, err)
	require.NoError(t, st.UpdateExpiry(ctx, expired.ID, time.Now().Add(-time.Minute)))

	live, err := m.Create(ctx, "live-owner", "10.0.0.2")
	require.NoError(t, err)

	s := NewSweeper(SweeperConfig{Interval: time.Minute, BatchSize: 10, StalePortMaxAge: time.Hour}, m)
	s.Sweep(ctx)

	_, err = st.LeaseByOwner(ctx, "expired-owner")
	assert.ErrorIs(t, err, model.ErrNotFound)
	allocated, err := st.IsPortAllocated(ctx, expired.Port)
	require.NoError(t, err)
	assert.False(t, allocated)

	// The live lease is untouched.
	_, err = st.LeaseByID(ctx, live.ID)
	assert.NoError(t, err)
}

func TestSweepReleasesStalePorts(t *testing.T) {
	ctx := context.Background()
	st := memory.New(9000, 9010)
	m := NewManager(testConfig(), st, container.NewFake())

	// A reservation with no lease behind it, as left by a crash mid-create.
	port, err := st.AllocatePort(ctx, "", nil)
	require.NoError(t, err)

	s := NewSweeper(SweeperConfig{Interval: time.Minute, BatchSize: 10, StalePortMaxAge: 0}, m)
	s.Sweep(ctx)

	allocated, err := st.IsPortAllocated(ctx, port)
	require.NoError(t, err)
	assert.False(t, allocated)
}

func TestSweepRemovesOrphanedContainers(t *testing.T) {
	ctx := context.Background()
	st := memory.New(9000, 9010)
	rt := container.NewFake()
	m := NewManager(testConfig(), st, rt)

	// A container with our name prefix but no lease row.
	orphan, err := rt.CreateAndStart(ctx, container.Spec{Name: "ctf_task_session_ghost_1_abcd", HostPort: 9005})
	require.NoError(t, err)

	tracked, err := m.Create(ctx, "owner-1", "10.0.0.1")
	require.NoError(t, err)

	s := NewSweeper(SweeperConfig{Interval: time.Minute, BatchSize: 10, StalePortMaxAge: time.Hour}, m)
	s.Sweep(ctx)

	status, err := rt.Status(ctx, orphan.ID)
	require.NoError(t, err)
	assert.Equal(t, "not_found", status.State)

	status, err = rt.Status(ctx, tracked.ID)
	require.NoError(t, err)
	assert.True(t, status.Running)
}

func TestSweepBatchesWithPause(t *testing.T) {
	ctx := context.Background()
	st := memory.New(9000, 9030)
	rt := container.NewFake()
	m := NewManager(testConfig(), st, rt)

	for _, owner := range []string{"a", "b", "c"} {
		l, err := m.Create(ctx, owner, "10.0.0.1")
		require.NoError(t, err)
		require.NoError(t, st.UpdateExpiry(ctx, l.ID, time.Now().Add(-time.Minute)))
	}

	s := NewSweeper(SweeperConfig{Interval: time.Minute, BatchSize: 2, StalePortMaxAge: time.Hour}, m)
	start := time.Now()
	s.Sweep(ctx)

	// Two batches, one pause between them.
	assert.GreaterOrEqual(t, time.Since(start), batchPause)

	n, err := st.CountLeases(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}
