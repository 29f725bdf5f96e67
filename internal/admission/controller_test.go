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

type stubCaptcha struct{ accept bool }

func (s stubCaptcha) Verify(id, answer string) bool { return s.accept }

func quietHostSample(t *testing.T) {
	t.Helper()
	prev := sampleHost
	sampleHost = func(context.Context) (float64, uint64, error) { return 0, 0, nil }
	t.Cleanup(func() { sampleHost = prev })
}

func newTestController(t *testing.T, policy Policy, st *memory.Store, rt *container.Fake) *Controller {
	t.Helper()
	quietHostSample(t)
	mon := NewMonitor(MonitorConfig{
		Interval:      time.Minute,
		LeaseLimit:    100,
		CPULimit:      800,
		MemoryLimitGB: 8,
	}, st, rt)
	return NewController(policy, st, stubCaptcha{accept: true}, mon)
}

func TestAdmitRequiresSession(t *testing.T) {
	st := memory.New(9000, 9010)
	ctrl := newTestController(t, Policy{BypassCaptcha: true, MaxPerWindow: 5, Window: time.Hour}, st, container.NewFake())

	err := ctrl.Admit(context.Background(), Request{Owner: "", ClientAddr: "10.0.0.1"})
	assert.ErrorIs(t, err, model.ErrInvalidSession)
}

func TestAdmitRejectsBadCaptcha(t *testing.T) {
	st := memory.New(9000, 9010)
	quietHostSample(t)
	mon := NewMonitor(MonitorConfig{Interval: time.Minute}, st, container.NewFake())
	ctrl := NewController(Policy{MaxPerWindow: 5, Window: time.Hour}, st, stubCaptcha{accept: false}, mon)

	err := ctrl.Admit(context.Background(), Request{Owner: "u1", ClientAddr: "10.0.0.1"})
	assert.ErrorIs(t, err, model.ErrCaptchaInvalid)
}

func TestAdmitCaptchaBypass(t *testing.T) {
	st := memory.New(9000, 9010)
	quietHostSample(t)
	mon := NewMonitor(MonitorConfig{Interval: time.Minute}, st, container.NewFake())
	ctrl := NewController(Policy{BypassCaptcha: true, MaxPerWindow: 5, Window: time.Hour}, st, stubCaptcha{accept: false}, mon)

	assert.NoError(t, ctrl.Admit(context.Background(), Request{Owner: "u1", ClientAddr: "10.0.0.1"}))
}

func TestAdmitRateLimit(t *testing.T) {
	ctx := context.Background()
	st := memory.New(9000, 9010)
	ctrl := newTestController(t, Policy{BypassCaptcha: true, MaxPerWindow: 2, Window: time.Hour}, st, container.NewFake())

	now := time.Now()
	require.NoError(t, st.RecordRateEvent(ctx, "10.0.0.1", now.Add(-time.Minute)))
	require.NoError(t, st.RecordRateEvent(ctx, "10.0.0.1", now.Add(-2*time.Minute)))

	err := ctrl.Admit(ctx, Request{Owner: "u1", ClientAddr: "10.0.0.1"})
	assert.ErrorIs(t, err, model.ErrRateLimited)

	// Events outside the window do not count.
	err = ctrl.Admit(ctx, Request{Owner: "u2", ClientAddr: "10.0.0.2"})
	assert.NoError(t, err)
}

func TestAdmitRateLimitCountsActiveLeases(t *testing.T) {
	ctx := context.Background()
	st := memory.New(9000, 9010)
	ctrl := newTestController(t, Policy{BypassCaptcha: true, MaxPerWindow: 1, Window: time.Hour}, st, container.NewFake())

	require.NoError(t, st.InsertLease(ctx, model.Lease{
		ID: "c1", Port: 9000, Owner: "other", ClientAddr: "10.0.0.1",
		StartedAt: time.Now(), ExpiresAt: time.Now().Add(time.Hour),
	}))

	err := ctrl.Admit(ctx, Request{Owner: "u1", ClientAddr: "10.0.0.1"})
	assert.ErrorIs(t, err, model.ErrRateLimited)
}

func TestAdmitLoopbackSkipsRateLimit(t *testing.T) {
	ctx := context.Background()
	st := memory.New(9000, 9010)
	ctrl := newTestController(t, Policy{BypassCaptcha: true, MaxPerWindow: 1, Window: time.Hour}, st, container.NewFake())

	now := time.Now()
	require.NoError(t, st.RecordRateEvent(ctx, "127.0.0.1", now.Add(-time.Minute)))
	require.NoError(t, st.RecordRateEvent(ctx, "127.0.0.1", now.Add(-2*time.Minute)))

	assert.NoError(t, ctrl.Admit(ctx, Request{Owner: "u1", ClientAddr: "127.0.0.1"}))
}

func TestAdmitRejectsDuplicateOwner(t *testing.T) {
	ctx := context.Background()
	st := memory.New(9000, 9010)
	ctrl := newTestController(t, Policy{BypassCaptcha: true, MaxPerWindow: 5, Window: time.Hour}, st, container.NewFake())

	require.NoError(t, st.InsertLease(ctx, model.Lease{
		ID: "c1", Port: 9000, Owner: "u1", ClientAddr: "10.0.0.2",
		StartedAt: time.Now(), ExpiresAt: time.Now().Add(time.Hour),
	}))

	err := ctrl.Admit(ctx, Request{Owner: "u1", ClientAddr: "10.0.0.1"})
	assert.ErrorIs(t, err, model.ErrDuplicateLease)
}

func TestAdmitContainerQuota(t *testing.T) {
	ctx := context.Background()
	st := memory.New(9000, 9010)
	quietHostSample(t)
	mon := NewMonitor(MonitorConfig{Interval: time.Minute, LeaseLimit: 1, CPULimit: 800, MemoryLimitGB: 8}, st, container.NewFake())
	ctrl := NewController(Policy{BypassCaptcha: true, MaxPerWindow: 50, Window: time.Hour, EnableQuotas: true}, st, stubCaptcha{accept: true}, mon)

	require.NoError(t, st.InsertLease(ctx, model.Lease{
		ID: "c1", Port: 9000, Owner: "other", ClientAddr: "10.0.0.9",
		StartedAt: time.Now(), ExpiresAt: time.Now().Add(time.Hour),
	}))

	err := ctrl.Admit(ctx, Request{Owner: "u1", ClientAddr: "10.0.0.1"})
	var exhausted *model.ResourceExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, model.DimensionContainers, exhausted.Dimension)
}

func TestAdmitCPUQuota(t *testing.T) {
	ctx := context.Background()
	st := memory.New(9000, 9010)
	quietHostSample(t)

	rt := container.NewFake()
	rt.SetStats([]container.Stat{{ID: "c1", CPUPercent: 790, MemoryBytes: 1 << 20}})

	mon := NewMonitor(MonitorConfig{Interval: time.Minute, LeaseLimit: 100, CPULimit: 800, MemoryLimitGB: 8}, st, rt)
	ctrl := NewController(Policy{
		BypassCaptcha: true, MaxPerWindow: 50, Window: time.Hour,
		EnableQuotas: true, ExpectedCPUPercent: 50,
	}, st, stubCaptcha{accept: true}, mon)

	err := ctrl.Admit(ctx, Request{Owner: "u1", ClientAddr: "10.0.0.1"})
	var exhausted *model.ResourceExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, model.DimensionCPU, exhausted.Dimension)
}
