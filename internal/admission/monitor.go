// Package admission gates deploy requests: session, captcha, per-client rate
// limit, duplicate-lease check and global resource quotas, evaluated in that
// order so the cheapest checks reject first.
package admission

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ctfdeploy/ctfdeploy/internal/container"
	"github.com/ctfdeploy/ctfdeploy/internal/log"
	"github.com/ctfdeploy/ctfdeploy/internal/metrics"
	"github.com/ctfdeploy/ctfdeploy/internal/model"
	"github.com/ctfdeploy/ctfdeploy/internal/store"
)

// A snapshot older than this many intervals forces a synchronous refresh.
const staleIntervals = 3

// MonitorConfig carries the quota limits and the sampling cadence.
type MonitorConfig struct {
	Interval         time.Duration
	LeaseLimit       int
	CPULimit         float64 // percent, 100 per core
	MemoryLimitGB    float64
	SoftLimitPercent float64
}

// Monitor periodically samples lease count, CPU and memory usage and caches
// the result for admission decisions.
type Monitor struct {
	cfg     MonitorConfig
	store   store.Store
	runtime container.Runtime
	logger  zerolog.Logger

	mu   sync.RWMutex
	snap model.Snapshot
}

func NewMonitor(cfg MonitorConfig, st store.Store, rt container.Runtime) *Monitor {
	return &Monitor{cfg: cfg, store: st, runtime: rt, logger: log.WithComponent("monitor")}
}

// Run samples on the configured interval until ctx is cancelled. One refresh
// is taken immediately so admission never starts from an empty snapshot.
func (m *Monitor) Run(ctx context.Context) {
	m.refresh(ctx)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.refresh(ctx)
		}
	}
}

// Snapshot returns the cached reading, refreshing synchronously when the
// cache has gone stale (the background loop missed its slot).
func (m *Monitor) Snapshot(ctx context.Context) model.Snapshot {
	m.mu.RLock()
	snap := m.snap
	m.mu.RUnlock()

	if snap.Stale(staleIntervals * m.cfg.Interval) {
		m.refresh(ctx)
		m.mu.RLock()
		snap = m.snap
		m.mu.RUnlock()
	}
	return snap
}

func (m *Monitor) refresh(ctx context.Context) {
	leases, err := m.store.CountLeases(ctx)
	if err != nil {
		m.logger.Error().Err(err).Msg("failed to count leases")
		return
	}

	var cpuPercent float64
	var memoryBytes uint64
	stats, err := m.runtime.Stats(ctx)
	if err != nil {
		m.logger.Warn().Err(err).Msg("failed to sample container stats")
	} else {
		for _, st := range stats {
			cpuPercent += st.CPUPercent
			memoryBytes += st.MemoryBytes
		}
	}

	// Per-container sums miss daemon overhead and containers started outside
	// the deployer. When the host reading is far above the sum, trust the host.
	if hostCPU, hostMem, err := sampleHost(ctx); err == nil {
		if hostCPU > cpuPercent*1.5 {
			cpuPercent = hostCPU
		}
		if float64(hostMem) > float64(memoryBytes)*1.5 {
			memoryBytes = hostMem
		}
	} else {
		m.logger.Warn().Err(err).Msg("failed to sample host resources")
	}

	snap := model.Snapshot{
		Leases:      leases,
		LeaseLimit:  m.cfg.LeaseLimit,
		CPUPercent:  cpuPercent,
		CPULimit:    m.cfg.CPULimit,
		MemoryGB:    float64(memoryBytes) / (1 << 30),
		MemoryLimit: m.cfg.MemoryLimitGB,
		TakenAt:     time.Now(),
	}

	m.mu.Lock()
	m.snap = snap
	m.mu.Unlock()

	m.publish(ctx, snap)
	m.warnSoftLimits(snap)
}

func (m *Monitor) publish(ctx context.Context, snap model.Snapshot) {
	metrics.ActiveLeases.Set(float64(snap.Leases))
	metrics.ResourceUsage.WithLabelValues(string(model.DimensionContainers)).Set(float64(snap.Leases))
	metrics.ResourceUsage.WithLabelValues(string(model.DimensionCPU)).Set(snap.CPUPercent)
	metrics.ResourceUsage.WithLabelValues(string(model.DimensionMemory)).Set(snap.MemoryGB)
	metrics.ResourceLimit.WithLabelValues(string(model.DimensionContainers)).Set(float64(snap.LeaseLimit))
	metrics.ResourceLimit.WithLabelValues(string(model.DimensionCPU)).Set(snap.CPULimit)
	metrics.ResourceLimit.WithLabelValues(string(model.DimensionMemory)).Set(snap.MemoryLimit)

	if total, allocated, err := m.store.CountPorts(ctx); err == nil {
		metrics.PortPoolSize.Set(float64(total))
		metrics.PortsAllocated.Set(float64(allocated))
	}
}

func (m *Monitor) warnSoftLimits(snap model.Snapshot) {
	if m.cfg.SoftLimitPercent <= 0 {
		return
	}
	frac := m.cfg.SoftLimitPercent / 100
	if snap.LeaseLimit > 0 && float64(snap.Leases) >= float64(snap.LeaseLimit)*frac {
		m.logger.Warn().
			Int("leases", snap.Leases).
			Int("limit", snap.LeaseLimit).
			Msg("container count approaching quota")
	}
	if snap.CPULimit > 0 && snap.CPUPercent >= snap.CPULimit*frac {
		m.logger.Warn().
			Float64("cpu_percent", snap.CPUPercent).
			Float64("limit", snap.CPULimit).
			Msg("cpu usage approaching quota")
	}
	if snap.MemoryLimit > 0 && snap.MemoryGB >= snap.MemoryLimit*frac {
		m.logger.Warn().
			Float64("memory_gb", snap.MemoryGB).
			Float64("limit", snap.MemoryLimit).
			Msg("memory usage approaching quota")
	}
}
