package admission

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

func TestMonitorSumsContainerStats(t *testing.T) {
	ctx := context.Background()
	st := memory.New(9000, 9010)
	quietHostSample(t)

	require.NoError(t, st.InsertLease(ctx, model.Lease{
		ID: "c1", Port: 9000, Owner: "u1", ClientAddr: "10.0.0.1",
		StartedAt: time.Now(), ExpiresAt: time.Now().Add(time.Hour),
	}))

	rt := container.NewFake()
	rt.SetStats([]container.Stat{
		{ID: "c1", CPUPercent: 40, MemoryBytes: 1 << 30},
		{ID: "c2", CPUPercent: 10, MemoryBytes: 1 << 29},
	})

	mon := NewMonitor(MonitorConfig{Interval: time.Minute, LeaseLimit: 10, CPULimit: 800, MemoryLimitGB: 8}, st, rt)
	snap := mon.Snapshot(ctx)

	assert.Equal(t, 1, snap.Leases)
	assert.InDelta(t, 50, snap.CPUPercent, 0.001)
	assert.InDelta(t, 1.5, snap.MemoryGB, 0.001)
	assert.False(t, snap.Stale(time.Minute))
}

func TestMonitorHostOverride(t *testing.T) {
	ctx := context.Background()
	st := memory.New(9000, 9010)

	prev := sampleHost
	sampleHost = func(context.Context) (float64, uint64, error) {
		return 400, 4 << 30, nil
	}
	t.Cleanup(func() { sampleHost = prev })

	rt := container.NewFake()
	rt.SetStats([]container.Stat{{ID: "c1", CPUPercent: 100, MemoryBytes: 1 << 30}})

	mon := NewMonitor(MonitorConfig{Interval: time.Minute, CPULimit: 800, MemoryLimitGB: 8}, st, rt)
	snap := mon.Snapshot(ctx)

	// Host readings dominate when far above the container sum.
	assert.InDelta(t, 400, snap.CPUPercent, 0.001)
	assert.InDelta(t, 4, snap.MemoryGB, 0.001)
}

func TestMonitorHostIgnoredWhenClose(t *testing.T) {
	ctx := context.Background()
	st := memory.New(9000, 9010)

	prev := sampleHost
	sampleHost = func(context.Context) (float64, uint64, error) {
		return 110, 1 << 30, nil
	}
	t.Cleanup(func() { sampleHost = prev })

	rt := container.NewFake()
	rt.SetStats([]container.Stat{{ID: "c1", CPUPercent: 100, MemoryBytes: 1 << 30}})

	mon := NewMonitor(MonitorConfig{Interval: time.Minute, CPULimit: 800, MemoryLimitGB: 8}, st, rt)
	snap := mon.Snapshot(ctx)

	assert.InDelta(t, 100, snap.CPUPercent, 0.001)
	assert.InDelta(t, 1, snap.MemoryGB, 0.001)
}

func TestSnapshotRefreshesWhenStale(t *testing.T) {
	ctx := context.Background()
	st := memory.New(9000, 9010)
	quietHostSample(t)

	mon := NewMonitor(MonitorConfig{Interval: 10 * time.Millisecond, LeaseLimit: 10}, st, container.NewFake())
	_ = mon.Snapshot(ctx)

	require.NoError(t, st.InsertLease(ctx, model.Lease{
		ID: "c1", Port: 9000, Owner: "u1", ClientAddr: "10.0.0.1",
		StartedAt: time.Now(), ExpiresAt: time.Now().Add(time.Hour),
	}))

	// Wait past three intervals so the cached reading is considered stale.
	time.Sleep(50 * time.Millisecond)
	snap := mon.Snapshot(ctx)
	assert.Equal(t, 1, snap.Leases)
}
