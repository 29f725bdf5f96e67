// Package lease implements the sandbox lifecycle: create with admission-safe
// port allocation, extend, stop, restart, background reclamation and graceful
// shutdown. It owns the create/destroy ordering invariants; everything else
// goes through it.
package lease

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/ctfdeploy/ctfdeploy/internal/container"
	"github.com/ctfdeploy/ctfdeploy/internal/log"
	"github.com/ctfdeploy/ctfdeploy/internal/metrics"
	"github.com/ctfdeploy/ctfdeploy/internal/model"
	"github.com/ctfdeploy/ctfdeploy/internal/store"
)

// Config is the workload and lifecycle configuration for the manager.
type Config struct {
	Image         string
	Flag          string
	ContainerPort int
	Network       string
	ProjectName   string

	LeaseTime  time.Duration
	ExtendTime time.Duration

	MemoryBytes     int64
	SwapBytes       int64
	CPULimit        float64
	PidsLimit       int64
	ReadOnlyRootfs  bool
	NoNewPrivileges bool
	DropAllCaps     bool
	CapAdd          []string
	Tmpfs           map[string]string

	// PortAttempts bounds retries when a host port turns out to be taken
	// outside the registry.
	PortAttempts int
	// MaxConcurrentCreates caps in-flight container creations.
	MaxConcurrentCreates int64
}

// Manager drives the lease lifecycle against the store and the runtime.
type Manager struct {
	cfg     Config
	store   store.Store
	runtime container.Runtime
	sem     *semaphore.Weighted
	logger  zerolog.Logger
}

func NewManager(cfg Config, st store.Store, rt container.Runtime) *Manager {
	if cfg.PortAttempts <= 0 {
		cfg.PortAttempts = 3
	}
	if cfg.MaxConcurrentCreates <= 0 {
		cfg.MaxConcurrentCreates = 10
	}
	return &Manager{
		cfg:     cfg,
		store:   st,
		runtime: rt,
		sem:     semaphore.NewWeighted(cfg.MaxConcurrentCreates),
		logger:  log.WithComponent("lease"),
	}
}

// WithStore returns a manager bound to a different store, sharing the runtime
// and the creation semaphore. The sweeper uses this to run its queries on the
// maintenance pool.
func (m *Manager) WithStore(st store.Store) *Manager {
	clone := *m
	clone.store = st
	return &clone
}

// containerName builds a unique runtime name carrying the owner and a start
// timestamp, prefixed so orphan recovery can find strays by name.
func (m *Manager) containerName(owner string, now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:4]
	return fmt.Sprintf("%s_session_%s_%d_%s",
		m.cfg.ProjectName, strings.ReplaceAll(owner, "-", "_"), now.Unix(), suffix)
}

// NamePrefix is the common prefix of every container this manager creates.
func (m *Manager) NamePrefix() string {
	return m.cfg.ProjectName + "_session_"
}

func hostname(owner string) string {
	short := owner
	if len(short) > 8 {
		short = short[:8]
	}
	return "ctf-challenge-" + short
}

// Create allocates a port, starts the sandbox and records the lease. A host
// port the daemon reports as taken is released back, blocked for this attempt
// and the allocation retried. Any failure after a side effect rolls that side
// effect back before returning.
func (m *Manager) Create(ctx context.Context, owner, clientAddr string) (model.Lease, error) {
	if err := m.sem.Acquire(ctx, 1); err != nil {
		return model.Lease{}, err
	}
	defer m.sem.Release(1)

	now := time.Now()
	name := m.containerName(owner, now)

	var blocked []int
	for attempt := 1; ; attempt++ {
		port, err := m.store.AllocatePort(ctx, "", blocked)
		if err != nil {
			return model.Lease{}, err
		}

		handle, err := m.runtime.CreateAndStart(ctx, m.buildSpec(name, hostname(owner), port))
		if err != nil {
			if relErr := m.store.ReleasePort(context.WithoutCancel(ctx), port); relErr != nil {
				m.logger.Error().Err(relErr).Int("port", port).Msg("failed to release port after create failure")
			}
			if container.IsPortConflict(err) {
				if attempt < m.cfg.PortAttempts {
					m.logger.Warn().Int("port", port).Int("attempt", attempt).Msg("host port taken outside registry, retrying")
					blocked = append(blocked, port)
					continue
				}
				// Every candidate the registry handed out was taken on the
				// host; to the caller that is pool exhaustion.
				m.logger.Error().Int("attempts", attempt).Msg("port allocation attempts exhausted on host conflicts")
				return model.Lease{}, model.ErrNoPorts
			}
			return model.Lease{}, &model.RuntimeError{Op: "create", Cause: err}
		}

		if err := m.store.RecordRateEvent(ctx, clientAddr, now); err != nil {
			m.logger.Warn().Err(err).Str("client", clientAddr).Msg("failed to record rate event")
		}

		lease := model.Lease{
			ID:         handle.ID,
			Port:       port,
			Owner:      owner,
			ClientAddr: clientAddr,
			StartedAt:  now,
			ExpiresAt:  now.Add(m.cfg.LeaseTime),
		}
		if err := m.store.InsertLease(ctx, lease); err != nil {
			cleanupCtx := context.WithoutCancel(ctx)
			if rmErr := m.runtime.Remove(cleanupCtx, handle.ID); rmErr != nil {
				m.logger.Error().Err(rmErr).Str("id", handle.ID).Msg("failed to remove container after store failure")
			}
			if relErr := m.store.ReleasePort(cleanupCtx, port); relErr != nil {
				m.logger.Error().Err(relErr).Int("port", port).Msg("failed to release port after store failure")
			}
			return model.Lease{}, err
		}

		metrics.DeploysTotal.Inc()
		m.logger.Info().
			Str("owner", owner).
			Str("id", handle.ID).
			Int("port", port).
			Time("expires_at", lease.ExpiresAt).
			Msg("lease created")
		return lease, nil
	}
}

func (m *Manager) buildSpec(name, host string, port int) container.Spec {
	return container.Spec{
		Image:         m.cfg.Image,
		Name:          name,
		Hostname:      host,
		HostPort:      port,
		ContainerPort: m.cfg.ContainerPort,
		Env:           map[string]string{"FLAG": m.cfg.Flag},
		Network:       m.cfg.Network,

		MemoryBytes:     m.cfg.MemoryBytes,
		MemorySwapBytes: m.cfg.SwapBytes,
		CPULimit:        m.cfg.CPULimit,
		PidsLimit:       m.cfg.PidsLimit,

		ReadOnlyRootfs:  m.cfg.ReadOnlyRootfs,
		NoNewPrivileges: m.cfg.NoNewPrivileges,
		DropAllCaps:     m.cfg.DropAllCaps,
		CapAdd:          m.cfg.CapAdd,
		Tmpfs:           m.cfg.Tmpfs,
	}
}

// Extend pushes the expiry forward by the configured increment, relative to
// the current expiry so repeated extensions accumulate.
func (m *Manager) Extend(ctx context.Context, owner string) (model.Lease, error) {
	lease, err := m.store.LeaseByOwner(ctx, owner)
	if err != nil {
		return model.Lease{}, err
	}
	lease.ExpiresAt = lease.ExpiresAt.Add(m.cfg.ExtendTime)
	if err := m.store.UpdateExpiry(ctx, lease.ID, lease.ExpiresAt); err != nil {
		return model.Lease{}, err
	}
	m.logger.Info().
		Str("owner", owner).
		Str("id", lease.ID).
		Time("expires_at", lease.ExpiresAt).
		Msg("lease extended")
	return lease, nil
}

// Stop destroys the owner's sandbox.
func (m *Manager) Stop(ctx context.Context, owner string) error {
	lease, err := m.store.LeaseByOwner(ctx, owner)
	if err != nil {
		return err
	}
	return m.Destroy(ctx, lease)
}

// Restart restarts the owner's container in place; the lease is untouched.
func (m *Manager) Restart(ctx context.Context, owner string) error {
	lease, err := m.store.LeaseByOwner(ctx, owner)
	if err != nil {
		return err
	}
	if err := m.runtime.Restart(ctx, lease.ID); err != nil {
		if container.IsNotFound(err) {
			return model.ErrHandleGone
		}
		return &model.RuntimeError{Op: "restart", Cause: err}
	}
	m.logger.Info().Str("owner", owner).Str("id", lease.ID).Msg("container restarted")
	return nil
}

// Status reports the owner's lease together with the container's runtime
// state.
func (m *Manager) Status(ctx context.Context, owner string) (model.Lease, container.Status, error) {
	lease, err := m.store.LeaseByOwner(ctx, owner)
	if err != nil {
		return model.Lease{}, container.Status{}, err
	}
	status, err := m.runtime.Status(ctx, lease.ID)
	if err != nil {
		return lease, container.Status{}, &model.RuntimeError{Op: "inspect", Cause: err}
	}
	return lease, status, nil
}

// Destroy tears a lease down: remove the container, release the port, delete
// the row. Each step runs even when an earlier one fails, so racing
// destroyers and crashed halves still converge on full cleanup.
func (m *Manager) Destroy(ctx context.Context, lease model.Lease) error {
	var errs []error
	if err := m.runtime.Remove(ctx, lease.ID); err != nil {
		m.logger.Error().Err(err).Str("id", lease.ID).Msg("failed to remove container")
		errs = append(errs, &model.RuntimeError{Op: "remove", Cause: err})
	}
	if err := m.store.ReleasePort(ctx, lease.Port); err != nil {
		m.logger.Error().Err(err).Int("port", lease.Port).Msg("failed to release port")
		errs = append(errs, err)
	}
	if err := m.store.DeleteLease(ctx, lease.ID); err != nil {
		m.logger.Error().Err(err).Str("id", lease.ID).Msg("failed to delete lease")
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	m.logger.Info().
		Str("owner", lease.Owner).
		Str("id", lease.ID).
		Int("port", lease.Port).
		Msg("lease destroyed")
	return nil
}

// ShutdownAll destroys every lease within the context deadline and logs the
// survivors. Used on graceful shutdown.
func (m *Manager) ShutdownAll(ctx context.Context) error {
	leases, err := m.store.AllLeases(ctx)
	if err != nil {
		return err
	}
	m.logger.Info().Int("count", len(leases)).Msg("shutting down all leases")

	var failed int
	for _, l := range leases {
		if ctx.Err() != nil {
			m.logger.Error().
				Int("remaining", len(leases)-failed).
				Msg("shutdown deadline reached with leases left")
			return ctx.Err()
		}
		if err := m.Destroy(ctx, l); err != nil {
			failed++
			m.logger.Error().Err(err).Str("id", l.ID).Msg("failed to destroy lease during shutdown")
		}
	}
	if failed > 0 {
		return fmt.Errorf("shutdown left %d leases not fully cleaned", failed)
	}
	return nil
}
