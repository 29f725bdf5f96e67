package admission

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"github.com/ctfdeploy/ctfdeploy/internal/log"
	"github.com/ctfdeploy/ctfdeploy/internal/metrics"
	"github.com/ctfdeploy/ctfdeploy/internal/model"
	"github.com/ctfdeploy/ctfdeploy/internal/netutil"
	"github.com/ctfdeploy/ctfdeploy/internal/store"
)

// Roughly one admission in ten also prunes expired rate events, spreading the
// cleanup cost over the request stream.
const pruneProbability = 0.1

// CaptchaVerifier consumes a challenge answer. Satisfied by captcha.Service.
type CaptchaVerifier interface {
	Verify(id, answer string) bool
}

// Policy is the admission configuration.
type Policy struct {
	BypassCaptcha bool
	MaxPerWindow  int
	Window        time.Duration

	EnableQuotas bool
	// Worst-case footprint of one additional sandbox.
	ExpectedCPUPercent float64
	ExpectedMemoryGB   float64
}

// Request is one deploy attempt to be admitted.
type Request struct {
	Owner         string
	ClientAddr    string
	CaptchaID     string
	CaptchaAnswer string
}

// Controller runs the admission chain.
type Controller struct {
	policy  Policy
	store   store.Store
	captcha CaptchaVerifier
	monitor *Monitor
	logger  zerolog.Logger
}

func NewController(policy Policy, st store.Store, cv CaptchaVerifier, mon *Monitor) *Controller {
	return &Controller{
		policy:  policy,
		store:   st,
		captcha: cv,
		monitor: mon,
		logger:  log.WithComponent("admission"),
	}
}

// Admit returns nil when the request may proceed to deployment. The checks
// run cheapest first and the first failure wins; a non-nil error is one of
// the model sentinels or a ResourceExhaustedError.
func (c *Controller) Admit(ctx context.Context, req Request) error {
	if req.Owner == "" {
		metrics.RecordRejection("session")
		return model.ErrInvalidSession
	}

	if !c.policy.BypassCaptcha && !c.captcha.Verify(req.CaptchaID, req.CaptchaAnswer) {
		metrics.RecordRejection("captcha")
		return model.ErrCaptchaInvalid
	}

	if err := c.checkRateLimit(ctx, req.ClientAddr); err != nil {
		return err
	}

	if _, err := c.store.LeaseByOwner(ctx, req.Owner); err == nil {
		metrics.RecordRejection("duplicate")
		return model.ErrDuplicateLease
	} else if !errors.Is(err, model.ErrNotFound) {
		return err
	}

	if c.policy.EnableQuotas {
		if err := c.checkQuotas(ctx); err != nil {
			return err
		}
	}
	return nil
}

// checkRateLimit counts recent deployments plus currently held leases for the
// client. Loopback clients are exempt so local smoke tests do not lock
// themselves out.
func (c *Controller) checkRateLimit(ctx context.Context, clientAddr string) error {
	if netutil.IsLoopback(clientAddr) {
		return nil
	}

	now := time.Now()
	if rand.Float64() < pruneProbability {
		if err := c.store.PruneRateEvents(ctx, now.Add(-c.policy.Window)); err != nil {
			c.logger.Warn().Err(err).Msg("failed to prune rate events")
		}
	}

	events, err := c.store.CountRateEvents(ctx, clientAddr, now.Add(-c.policy.Window))
	if err != nil {
		return err
	}
	active, err := c.store.CountLeasesByClient(ctx, clientAddr)
	if err != nil {
		return err
	}
	if events+active >= c.policy.MaxPerWindow {
		c.logger.Warn().
			Str("client", clientAddr).
			Int("events", events).
			Int("active", active).
			Int("limit", c.policy.MaxPerWindow).
			Msg("deploy rate limit hit")
		metrics.RecordRejection("rate_limit")
		return model.ErrRateLimited
	}
	return nil
}

func (c *Controller) checkQuotas(ctx context.Context) error {
	metrics.ResourceQuotaChecks.Inc()
	snap := c.monitor.Snapshot(ctx)

	if snap.LeaseLimit > 0 && snap.Leases+1 > snap.LeaseLimit {
		metrics.RecordRejection(string(model.DimensionContainers))
		return &model.ResourceExhaustedError{
			Dimension: model.DimensionContainers,
			Current:   float64(snap.Leases),
			Limit:     float64(snap.LeaseLimit),
		}
	}
	if snap.CPULimit > 0 && snap.CPUPercent+c.policy.ExpectedCPUPercent > snap.CPULimit {
		metrics.RecordRejection(string(model.DimensionCPU))
		return &model.ResourceExhaustedError{
			Dimension: model.DimensionCPU,
			Current:   snap.CPUPercent,
			Limit:     snap.CPULimit,
		}
	}
	if snap.MemoryLimit > 0 && snap.MemoryGB+c.policy.ExpectedMemoryGB > snap.MemoryLimit {
		metrics.RecordRejection(string(model.DimensionMemory))
		return &model.ResourceExhaustedError{
			Dimension: model.DimensionMemory,
			Current:   snap.MemoryGB,
			Limit:     snap.MemoryLimit,
		}
	}
	return nil
}
