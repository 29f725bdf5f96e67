package lease

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/ctfdeploy/ctfdeploy/internal/log"
	"github.com/ctfdeploy/ctfdeploy/internal/metrics"
)

// Pause between reclamation batches so a large backlog cannot monopolize the
// runtime or the maintenance pool.
const batchPause = time.Second

// SweeperConfig tunes the background reclamation loop.
type SweeperConfig struct {
	Interval        time.Duration
	BatchSize       int
	StalePortMaxAge time.Duration
}

// Sweeper reclaims expired leases, stale port reservations and orphaned
// containers on a fixed interval. It should be built on a manager bound to
// the maintenance store view.
type Sweeper struct {
	cfg     SweeperConfig
	manager *Manager
	logger  zerolog.Logger
}

func NewSweeper(cfg SweeperConfig, m *Manager) *Sweeper {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	return &Sweeper{cfg: cfg, manager: m, logger: log.WithComponent("sweeper")}
}

// Run sweeps on the configured interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one full maintenance pass: expired leases in batches, then stale
// ports, then orphaned containers. Also called once at startup so a crashed
// process does not wait a full interval to clean up after itself.
func (s *Sweeper) Sweep(ctx context.Context) {
	s.sweepExpired(ctx)
	s.sweepStalePorts(ctx)
	s.sweepOrphans(ctx)
}

func (s *Sweeper) sweepExpired(ctx context.Context) {
	expired, err := s.manager.store.ExpiredLeases(ctx, time.Now())
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to list expired leases")
		metrics.SweepErrorsTotal.Inc()
		return
	}
	if len(expired) == 0 {
		return
	}
	s.logger.Info().Int("count", len(expired)).Msg("reclaiming expired leases")

	for start := 0; start < len(expired); start += s.cfg.BatchSize {
		if start > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(batchPause):
			}
		}
		end := min(start+s.cfg.BatchSize, len(expired))
		for _, l := range expired[start:end] {
			if ctx.Err() != nil {
				return
			}
			if err := s.manager.Destroy(ctx, l); err != nil {
				metrics.SweepErrorsTotal.Inc()
				continue
			}
			metrics.SweepRemovedTotal.Inc()
		}
	}
}

func (s *Sweeper) sweepStalePorts(ctx context.Context) {
	released, err := s.manager.store.SweepStalePorts(ctx, s.cfg.StalePortMaxAge)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to sweep stale ports")
		metrics.SweepErrorsTotal.Inc()
		return
	}
	if len(released) > 0 {
		metrics.StalePortsReleasedTotal.Add(float64(len(released)))
		s.logger.Warn().Ints("ports", released).Msg("released stale port reservations")
	}
}

// sweepOrphans removes containers carrying our name prefix that no stored
// lease accounts for, typically left behind by a crash between container
// start and lease insert.
func (s *Sweeper) sweepOrphans(ctx context.Context) {
	ids, err := s.manager.runtime.ListByNamePrefix(ctx, s.manager.NamePrefix())
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to list containers for orphan sweep")
		metrics.SweepErrorsTotal.Inc()
		return
	}
	if len(ids) == 0 {
		return
	}

	leases, err := s.manager.store.AllLeases(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to list leases for orphan sweep")
		metrics.SweepErrorsTotal.Inc()
		return
	}
	known := make(map[string]struct{}, len(leases))
	for _, l := range leases {
		known[l.ID] = struct{}{}
	}

	for _, id := range ids {
		if _, ok := known[id]; ok {
			continue
		}
		if err := s.manager.runtime.Remove(ctx, id); err != nil {
			s.logger.Error().Err(err).Str("id", id).Msg("failed to remove orphaned container")
			metrics.SweepErrorsTotal.Inc()
			continue
		}
		s.logger.Warn().Str("id", id).Msg("removed orphaned container")
	}
}
