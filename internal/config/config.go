// Package config loads the deployer configuration from environment
// variables. The variable names are part of the deployment contract.
package config

import (
	"fmt"
	"time"

	units "github.com/docker/go-units"
)

// Config is the full runtime configuration, loaded once at startup and
// passed by reference; no package reads the environment after Load.
type Config struct {
	ListenAddr string
	LogLevel   string

	// Lease lifetime
	LeaveTime time.Duration // initial lease lifetime
	AddTime   time.Duration // per-extension increment

	// Challenge workload
	ImageName       string
	Flag            string
	PortInContainer int
	NetworkName     string
	NetworkSubnet   string
	ProjectName     string
	ChallengeTitle  string
	ChallengeDesc   string

	// Port pool
	StartRange               int
	StopRange                int
	PortAllocationMaxAttempt int
	StalePortMaxAge          time.Duration

	// Database
	DBHost             string
	DBPort             int
	DBName             string
	DBUser             string
	DBPassword         string
	DBPoolMin          int32
	DBPoolMax          int32
	MaintenancePoolMin int32
	MaintenancePoolMax int32

	// Container limits
	MemoryLimit   string // memory string, e.g. "512M"
	SwapLimit     string
	CPULimit      float64 // fractional cores
	PidsLimit     int64
	ThreadPool    int
	TmpfsSize     string
	EnableNoNewPrivileges bool
	EnableReadOnly        bool
	EnableTmpfs           bool
	DropAllCapabilities   bool
	CapNetBindService     bool
	CapChown              bool

	// Admission
	MaxContainersPerHour int
	RateLimitWindow      time.Duration
	CaptchaTTL           time.Duration
	BypassCaptcha        bool

	// Resource quotas
	EnableResourceQuotas  bool
	MaxTotalContainers    int
	MaxTotalCPUPercent    float64
	MaxTotalMemoryGB      float64
	ResourceCheckInterval time.Duration
	SoftLimitPercent      float64

	// Maintenance
	MaintenanceInterval  time.Duration
	MaintenanceBatchSize int
	ShutdownTimeout      time.Duration

	// Admin surface
	AdminKey string

	// Proxies whose forwarding headers are trusted (CSV of IPs/CIDRs).
	TrustedProxies string
}

// Load reads the configuration from the environment, applying the documented
// defaults.
func Load() Config {
	return Config{
		ListenAddr: ParseString("LISTEN_ADDR", ":5000"),
		LogLevel:   ParseString("LOG_LEVEL", "info"),

		LeaveTime: ParseSeconds("LEAVE_TIME", 1800*time.Second),
		AddTime:   ParseSeconds("ADD_TIME", 600*time.Second),

		ImageName:       ParseString("IMAGES_NAME", "localhost/generic_ctf_task:latest"),
		Flag:            ParseString("FLAG", "CTF{generic_flag_for_testing}"),
		PortInContainer: ParseInt("PORT_IN_CONTAINER", 80),
		NetworkName:     ParseString("NETWORK_NAME", "ctf_network"),
		NetworkSubnet:   ParseString("NETWORK_SUBNET", ""),
		ProjectName:     ParseString("COMPOSE_PROJECT_NAME", "ctf_task"),
		ChallengeTitle:  ParseString("CHALLENGE_TITLE", "Generic CTF Challenge"),
		ChallengeDesc:   ParseString("CHALLENGE_DESCRIPTION", "Solve the challenge to find the hidden flag!"),

		StartRange:               ParseInt("START_RANGE", 9000),
		StopRange:                ParseInt("STOP_RANGE", 10001),
		PortAllocationMaxAttempt: ParseInt("PORT_ALLOCATION_MAX_ATTEMPTS", 3),
		StalePortMaxAge:          ParseSeconds("STALE_PORT_MAX_AGE", 3600*time.Second),

		DBHost:             ParseString("DB_HOST", "localhost"),
		DBPort:             ParseInt("DB_PORT", 5432),
		DBName:             ParseString("DB_NAME", "ctf_deployer"),
		DBUser:             ParseString("DB_USER", "ctf"),
		DBPassword:         ParseString("DB_PASSWORD", ""),
		DBPoolMin:          int32(ParseInt("DB_POOL_MIN", 5)),
		DBPoolMax:          int32(ParseInt("DB_POOL_MAX", 20)),
		MaintenancePoolMin: int32(ParseInt("MAINTENANCE_POOL_MIN", 1)),
		MaintenancePoolMax: int32(ParseInt("MAINTENANCE_POOL_MAX", 3)),

		MemoryLimit:           ParseString("CONTAINER_MEMORY_LIMIT", "512M"),
		SwapLimit:             ParseString("CONTAINER_SWAP_LIMIT", "512M"),
		CPULimit:              ParseFloat("CONTAINER_CPU_LIMIT", 0.5),
		PidsLimit:             int64(ParseInt("CONTAINER_PIDS_LIMIT", 100)),
		ThreadPool:            ParseInt("THREAD_POOL_SIZE", 10),
		TmpfsSize:             ParseString("TMPFS_SIZE", "64M"),
		EnableNoNewPrivileges: ParseBool("ENABLE_NO_NEW_PRIVILEGES", true),
		EnableReadOnly:        ParseBool("ENABLE_READ_ONLY", false),
		EnableTmpfs:           ParseBool("ENABLE_TMPFS", false),
		DropAllCapabilities:   ParseBool("DROP_ALL_CAPABILITIES", false),
		CapNetBindService:     ParseBool("CAP_NET_BIND_SERVICE", true),
		CapChown:              ParseBool("CAP_CHOWN", false),

		MaxContainersPerHour: ParseInt("MAX_CONTAINERS_PER_HOUR", 5),
		RateLimitWindow:      ParseSeconds("RATE_LIMIT_WINDOW", 3600*time.Second),
		CaptchaTTL:           ParseSeconds("CAPTCHA_TTL", 300*time.Second),
		BypassCaptcha:        ParseBool("BYPASS_CAPTCHA", false),

		EnableResourceQuotas:  ParseBool("ENABLE_RESOURCE_QUOTAS", true),
		MaxTotalContainers:    ParseInt("MAX_TOTAL_CONTAINERS", 100),
		MaxTotalCPUPercent:    ParseFloat("MAX_TOTAL_CPU_PERCENT", 800),
		MaxTotalMemoryGB:      ParseFloat("MAX_TOTAL_MEMORY_GB", 8),
		ResourceCheckInterval: ParseSeconds("RESOURCE_CHECK_INTERVAL", 30*time.Second),
		SoftLimitPercent:      ParseFloat("RESOURCE_SOFT_LIMIT_PERCENT", 80),

		MaintenanceInterval:  ParseSeconds("MAINTENANCE_INTERVAL", 300*time.Second),
		MaintenanceBatchSize: ParseInt("MAINTENANCE_BATCH_SIZE", 10),
		ShutdownTimeout:      ParseSeconds("SHUTDOWN_TIMEOUT", 30*time.Second),

		AdminKey:       ParseString("ADMIN_KEY", ""),
		TrustedProxies: ParseString("TRUSTED_PROXIES", ""),
	}
}

// Validate rejects configurations the deployer cannot run with. It is called
// once at startup; a failure is fatal.
func (c Config) Validate() error {
	if c.StartRange >= c.StopRange {
		return fmt.Errorf("START_RANGE (%d) must be below STOP_RANGE (%d)", c.StartRange, c.StopRange)
	}
	if c.LeaveTime <= 0 {
		return fmt.Errorf("LEAVE_TIME must be positive, got %s", c.LeaveTime)
	}
	if c.AddTime <= 0 {
		return fmt.Errorf("ADD_TIME must be positive, got %s", c.AddTime)
	}
	if c.PortInContainer <= 0 || c.PortInContainer > 65535 {
		return fmt.Errorf("PORT_IN_CONTAINER out of range: %d", c.PortInContainer)
	}
	if c.ImageName == "" {
		return fmt.Errorf("IMAGES_NAME must not be empty")
	}
	if _, err := units.RAMInBytes(c.MemoryLimit); err != nil {
		return fmt.Errorf("CONTAINER_MEMORY_LIMIT %q: %w", c.MemoryLimit, err)
	}
	if _, err := units.RAMInBytes(c.SwapLimit); err != nil {
		return fmt.Errorf("CONTAINER_SWAP_LIMIT %q: %w", c.SwapLimit, err)
	}
	if c.EnableTmpfs {
		if _, err := units.RAMInBytes(c.TmpfsSize); err != nil {
			return fmt.Errorf("TMPFS_SIZE %q: %w", c.TmpfsSize, err)
		}
	}
	if c.CPULimit <= 0 {
		return fmt.Errorf("CONTAINER_CPU_LIMIT must be positive, got %g", c.CPULimit)
	}
	if c.MaxContainersPerHour <= 0 {
		return fmt.Errorf("MAX_CONTAINERS_PER_HOUR must be positive, got %d", c.MaxContainersPerHour)
	}
	if c.EnableResourceQuotas {
		if c.MaxTotalContainers <= 0 {
			return fmt.Errorf("MAX_TOTAL_CONTAINERS must be positive, got %d", c.MaxTotalContainers)
		}
		if c.MaxTotalCPUPercent <= 0 {
			return fmt.Errorf("MAX_TOTAL_CPU_PERCENT must be positive, got %g", c.MaxTotalCPUPercent)
		}
		if c.MaxTotalMemoryGB <= 0 {
			return fmt.Errorf("MAX_TOTAL_MEMORY_GB must be positive, got %g", c.MaxTotalMemoryGB)
		}
	}
	if c.MaintenanceBatchSize <= 0 {
		return fmt.Errorf("MAINTENANCE_BATCH_SIZE must be positive, got %d", c.MaintenanceBatchSize)
	}
	return nil
}

// MemoryLimitBytes returns CONTAINER_MEMORY_LIMIT in bytes. Call only after
// Validate.
func (c Config) MemoryLimitBytes() int64 {
	b, _ := units.RAMInBytes(c.MemoryLimit)
	return b
}

// SwapLimitBytes returns CONTAINER_SWAP_LIMIT in bytes. Call only after
// Validate.
func (c Config) SwapLimitBytes() int64 {
	b, _ := units.RAMInBytes(c.SwapLimit)
	return b
}
