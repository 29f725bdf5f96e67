package container

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/strslice"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/go-connections/nat"
	"github.com/rs/zerolog"

	"github.com/ctfdeploy/ctfdeploy/internal/log"
)

const cpuPeriod = 100_000 // microseconds, Docker's default scheduling period

// DockerRuntime implements Runtime on the Docker Engine API.
type DockerRuntime struct {
	cli    *client.Client
	logger zerolog.Logger
}

var _ Runtime = (*DockerRuntime)(nil)

// NewDocker connects to the Docker daemon using the standard environment
// (DOCKER_HOST etc.) with API version negotiation.
func NewDocker(ctx context.Context) (*DockerRuntime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	if _, err := cli.Ping(ctx); err != nil {
		cli.Close()
		return nil, fmt.Errorf("docker ping: %w", err)
	}
	return &DockerRuntime{cli: cli, logger: log.WithComponent("docker")}, nil
}

func (d *DockerRuntime) CreateAndStart(ctx context.Context, spec Spec) (Handle, error) {
	port, err := nat.NewPort("tcp", strconv.Itoa(spec.ContainerPort))
	if err != nil {
		return Handle{}, fmt.Errorf("container port: %w", err)
	}

	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}

	cfg := &dockercontainer.Config{
		Image:        spec.Image,
		Hostname:     spec.Hostname,
		Env:          env,
		ExposedPorts: nat.PortSet{port: struct{}{}},
	}

	pidsLimit := spec.PidsLimit
	hostCfg := &dockercontainer.HostConfig{
		PortBindings: nat.PortMap{
			port: []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: strconv.Itoa(spec.HostPort)}},
		},
		NetworkMode:    dockercontainer.NetworkMode(spec.Network),
		ReadonlyRootfs: spec.ReadOnlyRootfs,
		Tmpfs:          spec.Tmpfs,
		Resources: dockercontainer.Resources{
			Memory:     spec.MemoryBytes,
			MemorySwap: spec.MemorySwapBytes,
			CPUPeriod:  cpuPeriod,
			CPUQuota:   int64(cpuPeriod * spec.CPULimit),
			PidsLimit:  &pidsLimit,
		},
	}
	if spec.NoNewPrivileges {
		hostCfg.SecurityOpt = append(hostCfg.SecurityOpt, "no-new-privileges:true")
	}
	if spec.DropAllCaps {
		hostCfg.CapDrop = strslice.StrSlice{"ALL"}
		hostCfg.CapAdd = strslice.StrSlice(spec.CapAdd)
	}

	created, err := d.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return Handle{}, err
	}

	if err := d.cli.ContainerStart(ctx, created.ID, dockercontainer.StartOptions{}); err != nil {
		// Remove the half-created container before surfacing the error.
		if rmErr := d.Remove(context.WithoutCancel(ctx), created.ID); rmErr != nil {
			d.logger.Error().Err(rmErr).Str("id", created.ID).Msg("failed to remove container after start failure")
		}
		return Handle{}, err
	}

	d.logger.Info().
		Str("id", created.ID).
		Str("name", spec.Name).
		Int("host_port", spec.HostPort).
		Msg("container started")
	return Handle{ID: created.ID}, nil
}

func (d *DockerRuntime) Remove(ctx context.Context, id string) error {
	err := d.cli.ContainerRemove(ctx, id, dockercontainer.RemoveOptions{Force: true})
	if err != nil && !errdefs.IsNotFound(err) {
		return err
	}
	return nil
}

func (d *DockerRuntime) Restart(ctx context.Context, id string) error {
	return d.cli.ContainerRestart(ctx, id, dockercontainer.StopOptions{})
}

func (d *DockerRuntime) Status(ctx context.Context, id string) (Status, error) {
	resp, err := d.cli.ContainerInspect(ctx, id)
	if errdefs.IsNotFound(err) {
		return Status{State: "not_found", Running: false}, nil
	}
	if err != nil {
		return Status{}, err
	}
	return Status{State: resp.State.Status, Running: resp.State.Running}, nil
}

// Stats takes one non-streaming stats sample per running container. The
// daemon reads two cumulative CPU counters per sample, which is what makes
// the CPU percentage meaningful.
func (d *DockerRuntime) Stats(ctx context.Context) ([]Stat, error) {
	containers, err := d.cli.ContainerList(ctx, dockercontainer.ListOptions{})
	if err != nil {
		return nil, err
	}

	stats := make([]Stat, 0, len(containers))
	for _, c := range containers {
		st, err := d.sampleOne(ctx, c.ID)
		if err != nil {
			d.logger.Warn().Err(err).Str("id", c.ID).Msg("failed to sample container stats")
			continue
		}
		stats = append(stats, st)
	}
	return stats, nil
}

func (d *DockerRuntime) sampleOne(ctx context.Context, id string) (Stat, error) {
	resp, err := d.cli.ContainerStats(ctx, id, false)
	if err != nil {
		return Stat{}, err
	}
	defer resp.Body.Close()

	var raw dockercontainer.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return Stat{}, err
	}

	st := Stat{ID: id, MemoryBytes: raw.MemoryStats.Usage}

	cpuDelta := float64(raw.CPUStats.CPUUsage.TotalUsage) - float64(raw.PreCPUStats.CPUUsage.TotalUsage)
	systemDelta := float64(raw.CPUStats.SystemUsage) - float64(raw.PreCPUStats.SystemUsage)
	if systemDelta > 0 && cpuDelta >= 0 {
		online := float64(raw.CPUStats.OnlineCPUs)
		if online == 0 {
			online = float64(len(raw.CPUStats.CPUUsage.PercpuUsage))
		}
		st.CPUPercent = cpuDelta / systemDelta * online * 100
	}
	return st, nil
}

func (d *DockerRuntime) ListByNamePrefix(ctx context.Context, prefix string) ([]string, error) {
	containers, err := d.cli.ContainerList(ctx, dockercontainer.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("name", prefix)),
	})
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(containers))
	for _, c := range containers {
		ids = append(ids, c.ID)
	}
	return ids, nil
}

func (d *DockerRuntime) Close() error {
	return d.cli.Close()
}
