// Package container abstracts the container runtime behind a narrow
// interface with one Docker implementation and one test fake. It is the only
// package that talks to the runtime, and it keeps no state of its own.
package container

import (
	"context"
	"strings"

	"github.com/docker/docker/errdefs"
)

// Spec describes the sandbox container to create and start.
type Spec struct {
	Image         string
	Name          string
	Hostname      string
	HostPort      int
	ContainerPort int
	Env           map[string]string
	Network       string

	MemoryBytes     int64
	MemorySwapBytes int64
	CPULimit        float64 // fractional cores
	PidsLimit       int64

	ReadOnlyRootfs  bool
	NoNewPrivileges bool
	DropAllCaps     bool
	CapAdd          []string
	Tmpfs           map[string]string // mount point -> options
}

// Handle identifies a live sandbox container.
type Handle struct {
	ID string
}

// Status reports the runtime state of a container. A missing container is
// {State: "not_found", Running: false}, not an error.
type Status struct {
	State   string `json:"status"`
	Running bool   `json:"running"`
}

// Stat is one container's resource sample.
type Stat struct {
	ID          string
	CPUPercent  float64 // 100 = one full core
	MemoryBytes uint64
}

// Runtime is the contract the lease manager and resource monitor depend on.
type Runtime interface {
	// CreateAndStart creates then starts a container. If the start fails the
	// partial container is removed before the error is returned.
	CreateAndStart(ctx context.Context, spec Spec) (Handle, error)
	// Remove force-removes the container; a missing container is not an error.
	Remove(ctx context.Context, id string) error
	Restart(ctx context.Context, id string) error
	Status(ctx context.Context, id string) (Status, error)
	// Stats samples CPU and memory for all running containers.
	Stats(ctx context.Context) ([]Stat, error)
	// ListByNamePrefix returns ids of containers whose name starts with the
	// prefix, running or not.
	ListByNamePrefix(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

// IsPortConflict reports whether a create/start error means the host port was
// taken by something outside the port registry. The caller retries with the
// port blocked.
func IsPortConflict(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "port is already allocated") ||
		strings.Contains(msg, "address already in use")
}

// IsNotFound reports whether a runtime error means the container no longer
// exists.
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}
	return errdefs.IsNotFound(err) ||
		strings.Contains(strings.ToLower(err.Error()), "no such container")
}
