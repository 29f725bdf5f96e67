// Package metrics provides Prometheus collectors for the deployer.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DeploysTotal counts successful sandbox deployments.
	DeploysTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ctfdeploy_deploys_total",
		Help: "Total number of successful sandbox deployments.",
	})

	// AdmissionRejectTotal counts admission rejections by reason.
	AdmissionRejectTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ctfdeploy_admission_reject_total",
		Help: "Total number of rejected deploy requests, by reason.",
	}, []string{"reason"})

	// ResourceQuotaChecks counts resource quota evaluations.
	ResourceQuotaChecks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ctfdeploy_resource_quota_checks_total",
		Help: "Total number of resource quota checks performed.",
	})

	// ActiveLeases tracks the number of live leases.
	ActiveLeases = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ctfdeploy_active_leases",
		Help: "Current number of active sandbox leases.",
	})

	// PortPoolSize tracks the configured port pool size.
	PortPoolSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ctfdeploy_port_pool_size",
		Help: "Total number of ports in the allocation pool.",
	})

	// PortsAllocated tracks the number of reserved ports.
	PortsAllocated = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ctfdeploy_ports_allocated",
		Help: "Current number of allocated ports.",
	})

	// ResourceUsage reports current usage by dimension (containers, cpu, memory).
	ResourceUsage = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ctfdeploy_resource_usage",
		Help: "Current resource usage, by dimension.",
	}, []string{"dimension"})

	// ResourceLimit reports the configured limit by dimension.
	ResourceLimit = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ctfdeploy_resource_limit",
		Help: "Configured resource limit, by dimension.",
	}, []string{"dimension"})

	// SweepRemovedTotal counts leases reclaimed by the expiration sweep.
	SweepRemovedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ctfdeploy_sweep_removed_total",
		Help: "Total number of expired leases reclaimed by the sweeper.",
	})

	// SweepErrorsTotal counts per-lease sweep failures.
	SweepErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ctfdeploy_sweep_errors_total",
		Help: "Total number of errors during sweep passes.",
	})

	// StalePortsReleasedTotal counts orphaned port reservations released.
	StalePortsReleasedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ctfdeploy_stale_ports_released_total",
		Help: "Total number of stale port reservations released.",
	})
)

// RecordRejection increments the admission rejection counter.
func RecordRejection(reason string) {
	AdmissionRejectTotal.WithLabelValues(reason).Inc()
}
