// Command deployer runs the CTF sandbox deployer: an HTTP service that
// hands out per-player challenge containers with short leases, a shared port
// pool and background reclamation.
package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ctfdeploy/ctfdeploy/internal/admission"
	"github.com/ctfdeploy/ctfdeploy/internal/api"
	"github.com/ctfdeploy/ctfdeploy/internal/captcha"
	"github.com/ctfdeploy/ctfdeploy/internal/config"
	"github.com/ctfdeploy/ctfdeploy/internal/container"
	"github.com/ctfdeploy/ctfdeploy/internal/lease"
	deplog "github.com/ctfdeploy/ctfdeploy/internal/log"
	"github.com/ctfdeploy/ctfdeploy/internal/netutil"
	"github.com/ctfdeploy/ctfdeploy/internal/store/postgres"
)

func main() {
	cfg := config.Load()

	ring := deplog.NewRing(2048)
	deplog.Configure(deplog.Config{
		Level:  cfg.LogLevel,
		Output: io.MultiWriter(os.Stdout, ring),
	})
	logger := deplog.WithComponent("main")

	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}
	netutil.SetTrustedProxies(cfg.TrustedProxies)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := postgres.New(ctx, postgres.Config{
		Host:                cfg.DBHost,
		Port:                cfg.DBPort,
		Database:            cfg.DBName,
		User:                cfg.DBUser,
		Password:            cfg.DBPassword,
		PoolMin:             cfg.DBPoolMin,
		PoolMax:             cfg.DBPoolMax,
		MaintenancePoolMin:  cfg.MaintenancePoolMin,
		MaintenancePoolMax:  cfg.MaintenancePoolMax,
		StartRange:          cfg.StartRange,
		StopRange:           cfg.StopRange,
		AllocateMaxAttempts: cfg.PortAllocationMaxAttempt,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open store")
	}
	defer st.Close()

	runtime, err := container.NewDocker(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to container runtime")
	}
	defer runtime.Close()

	var tmpfs map[string]string
	if cfg.EnableTmpfs {
		tmpfs = map[string]string{"/tmp": "rw,noexec,nosuid,size=" + cfg.TmpfsSize}
	}
	var capAdd []string
	if cfg.CapNetBindService {
		capAdd = append(capAdd, "NET_BIND_SERVICE")
	}
	if cfg.CapChown {
		capAdd = append(capAdd, "CHOWN")
	}

	manager := lease.NewManager(lease.Config{
		Image:                cfg.ImageName,
		Flag:                 cfg.Flag,
		ContainerPort:        cfg.PortInContainer,
		Network:              cfg.NetworkName,
		ProjectName:          cfg.ProjectName,
		LeaseTime:            cfg.LeaveTime,
		ExtendTime:           cfg.AddTime,
		MemoryBytes:          cfg.MemoryLimitBytes(),
		SwapBytes:            cfg.SwapLimitBytes(),
		CPULimit:             cfg.CPULimit,
		PidsLimit:            cfg.PidsLimit,
		ReadOnlyRootfs:       cfg.EnableReadOnly,
		NoNewPrivileges:      cfg.EnableNoNewPrivileges,
		DropAllCaps:          cfg.DropAllCapabilities,
		CapAdd:               capAdd,
		Tmpfs:                tmpfs,
		PortAttempts:         cfg.PortAllocationMaxAttempt,
		MaxConcurrentCreates: int64(cfg.ThreadPool),
	}, st, runtime)

	monitor := admission.NewMonitor(admission.MonitorConfig{
		Interval:         cfg.ResourceCheckInterval,
		LeaseLimit:       cfg.MaxTotalContainers,
		CPULimit:         cfg.MaxTotalCPUPercent,
		MemoryLimitGB:    cfg.MaxTotalMemoryGB,
		SoftLimitPercent: cfg.SoftLimitPercent,
	}, st, runtime)

	captchaSvc := captcha.New(cfg.CaptchaTTL)

	controller := admission.NewController(admission.Policy{
		BypassCaptcha:      cfg.BypassCaptcha,
		MaxPerWindow:       cfg.MaxContainersPerHour,
		Window:             cfg.RateLimitWindow,
		EnableQuotas:       cfg.EnableResourceQuotas,
		ExpectedCPUPercent: cfg.CPULimit * 100,
		ExpectedMemoryGB:   float64(cfg.MemoryLimitBytes()) / (1 << 30),
	}, st, captchaSvc, monitor)

	sweeper := lease.NewSweeper(lease.SweeperConfig{
		Interval:        cfg.MaintenanceInterval,
		BatchSize:       cfg.MaintenanceBatchSize,
		StalePortMaxAge: cfg.StalePortMaxAge,
	}, manager.WithStore(st.Maintenance()))

	// Clean up whatever a previous process left behind before serving.
	sweeper.Sweep(ctx)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.NewServer(cfg, st, manager, controller, monitor, captchaSvc, ring).Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		monitor.Run(gctx)
		return nil
	})
	g.Go(func() error {
		sweeper.Run(gctx)
		return nil
	})
	g.Go(func() error {
		logger.Info().Str("addr", cfg.ListenAddr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("http shutdown failed")
		}
		if err := manager.ShutdownAll(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("lease shutdown incomplete")
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Fatal().Err(err).Msg("deployer exited with error")
	}
	logger.Info().Msg("deployer stopped")
}
