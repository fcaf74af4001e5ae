/*
 * Sandbox VM Manager - Configuration Management
 * Copyright (c) 2026 Quartz Cloud
 * All rights reserved.
 */

package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Provider backend selection
const (
	ProviderOpenStack   = "openstack"
	ProviderFirecracker = "firecracker"
)

// Config holds all sandboxd configuration
type Config struct {
	// Server configuration
	Port   string `json:"port"`
	Host   string `json:"host"`
	Debug  bool   `json:"debug"`
	LogDir string `json:"log_dir"`

	// Mode configuration
	Mode string `json:"mode"` // "development", "production", "test"

	// State store
	DataDir string `json:"data_dir"` // Badger database directory

	// Provider selection
	Provider string `json:"provider"` // "openstack" or "firecracker"

	// OpenStack provider
	OpenStackRegion string `json:"openstack_region"`

	// Firecracker provider (development mode)
	FirecrackerPath string `json:"firecracker_path"`
	KernelPath      string `json:"kernel_path"`
	RootFSPath      string `json:"rootfs_path"`
	SnapshotDir     string `json:"snapshot_dir"`
	SocketDir       string `json:"socket_dir"`

	// Lifecycle policy thresholds
	IdleThresholdSeconds      int `json:"idle_threshold_seconds"`
	RetentionThresholdSeconds int `json:"retention_threshold_seconds"`
	NotifyWindowSeconds       int `json:"notify_window_seconds"`
	PollIntervalSeconds       int `json:"poll_interval_seconds"`
	OperationTimeoutSeconds   int `json:"operation_timeout_seconds"`
	ReconcileGraceSeconds     int `json:"reconcile_grace_seconds"`
	StatusPollSeconds         int `json:"status_poll_seconds"`

	// Notification dispatch
	NATSURL string `json:"nats_url"`

	// Remote-access gateway (Guacamole-compatible broker)
	GatewayURL      string `json:"gateway_url"`
	GatewayUsername string `json:"gateway_username"`
	GatewayPassword string `json:"gateway_password"`
	GuacdHostname   string `json:"guacd_hostname"`

	// Monitoring proxy
	PrometheusURL string `json:"prometheus_url"`
}

// NewConfig creates a new configuration with sensible defaults
func NewConfig() *Config {
	return &Config{
		// Server defaults
		Port:   "8080",
		Host:   "0.0.0.0",
		Debug:  false,
		LogDir: "",

		Mode: "production",

		DataDir: "/var/lib/sandboxd/state",

		Provider:        ProviderOpenStack,
		OpenStackRegion: "",

		FirecrackerPath: "/usr/local/bin/firecracker",
		KernelPath:      "/opt/kernel/vmlinux",
		RootFSPath:      "/opt/images/sandbox-rootfs.ext4",
		SnapshotDir:     "/var/lib/sandboxd/snapshots",
		SocketDir:       "/tmp/sandboxd",

		// Lifecycle defaults: shelve after 25 days idle, delete suspended
		// VMs after 30 days, warn one day before deletion.
		IdleThresholdSeconds:      25 * 24 * 3600,
		RetentionThresholdSeconds: 30 * 24 * 3600,
		NotifyWindowSeconds:       24 * 3600,
		PollIntervalSeconds:       60,
		OperationTimeoutSeconds:   900,
		ReconcileGraceSeconds:     120,
		StatusPollSeconds:         5,

		NATSURL: "",

		GatewayURL:      "",
		GatewayUsername: "guacadmin",
		GatewayPassword: "",
		GuacdHostname:   "guacamole-guacd",

		PrometheusURL: "",
	}
}

// LoadFromEnv loads configuration from environment variables
func (c *Config) LoadFromEnv() error {
	if port := os.Getenv("SANDBOXD_PORT"); port != "" {
		c.Port = port
	}

	if host := os.Getenv("SANDBOXD_HOST"); host != "" {
		c.Host = host
	}

	if debug := os.Getenv("SANDBOXD_DEBUG"); debug == "true" || debug == "1" {
		c.Debug = true
	}

	if mode := os.Getenv("SANDBOXD_MODE"); mode != "" {
		c.Mode = mode
	}

	if logDir := os.Getenv("SANDBOXD_LOG_DIR"); logDir != "" {
		c.LogDir = logDir
	}

	if dataDir := os.Getenv("SANDBOXD_DATA_DIR"); dataDir != "" {
		c.DataDir = dataDir
	}

	if provider := os.Getenv("SANDBOXD_PROVIDER"); provider != "" {
		c.Provider = provider
	}

	if region := os.Getenv("SANDBOXD_OS_REGION"); region != "" {
		c.OpenStackRegion = region
	}

	if firecrackerPath := os.Getenv("FIRECRACKER_PATH"); firecrackerPath != "" {
		c.FirecrackerPath = firecrackerPath
	}

	if kernelPath := os.Getenv("KERNEL_PATH"); kernelPath != "" {
		c.KernelPath = kernelPath
	}

	if rootfs := os.Getenv("SANDBOXD_ROOTFS_PATH"); rootfs != "" {
		c.RootFSPath = rootfs
	}

	if snapshotDir := os.Getenv("SANDBOXD_SNAPSHOT_DIR"); snapshotDir != "" {
		c.SnapshotDir = snapshotDir
	}

	if natsURL := os.Getenv("SANDBOXD_NATS_URL"); natsURL != "" {
		c.NATSURL = natsURL
	}

	if gatewayURL := os.Getenv("SANDBOXD_GATEWAY_URL"); gatewayURL != "" {
		c.GatewayURL = gatewayURL
	}

	if gatewayUser := os.Getenv("SANDBOXD_GATEWAY_USERNAME"); gatewayUser != "" {
		c.GatewayUsername = gatewayUser
	}

	if gatewayPass := os.Getenv("SANDBOXD_GATEWAY_PASSWORD"); gatewayPass != "" {
		c.GatewayPassword = gatewayPass
	}

	if guacd := os.Getenv("SANDBOXD_GUACD_HOSTNAME"); guacd != "" {
		c.GuacdHostname = guacd
	}

	if promURL := os.Getenv("SANDBOXD_PROMETHEUS_URL"); promURL != "" {
		c.PrometheusURL = promURL
	}

	loadIntEnv("SANDBOXD_IDLE_THRESHOLD_SECONDS", &c.IdleThresholdSeconds)
	loadIntEnv("SANDBOXD_RETENTION_THRESHOLD_SECONDS", &c.RetentionThresholdSeconds)
	loadIntEnv("SANDBOXD_NOTIFY_WINDOW_SECONDS", &c.NotifyWindowSeconds)
	loadIntEnv("SANDBOXD_POLL_INTERVAL_SECONDS", &c.PollIntervalSeconds)
	loadIntEnv("SANDBOXD_OPERATION_TIMEOUT_SECONDS", &c.OperationTimeoutSeconds)
	loadIntEnv("SANDBOXD_RECONCILE_GRACE_SECONDS", &c.ReconcileGraceSeconds)
	loadIntEnv("SANDBOXD_STATUS_POLL_SECONDS", &c.StatusPollSeconds)

	return nil
}

func loadIntEnv(name string, target *int) {
	if raw := os.Getenv(name); raw != "" {
		if val, err := strconv.Atoi(raw); err == nil && val > 0 {
			*target = val
		}
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("port cannot be empty")
	}

	if c.DataDir == "" {
		return fmt.Errorf("data directory cannot be empty")
	}

	if c.Provider != ProviderOpenStack && c.Provider != ProviderFirecracker {
		return fmt.Errorf("unknown provider %q", c.Provider)
	}

	if c.IdleThresholdSeconds <= 0 || c.RetentionThresholdSeconds <= 0 {
		return fmt.Errorf("lifecycle thresholds must be positive")
	}

	if c.RetentionThresholdSeconds <= c.IdleThresholdSeconds {
		return fmt.Errorf("retention threshold must exceed idle threshold")
	}

	if c.PollIntervalSeconds <= 0 || c.OperationTimeoutSeconds <= 0 {
		return fmt.Errorf("poll interval and operation timeout must be positive")
	}

	return nil
}

// Duration accessors for the enumerated threshold surface.

func (c *Config) IdleThreshold() time.Duration {
	return time.Duration(c.IdleThresholdSeconds) * time.Second
}

func (c *Config) RetentionThreshold() time.Duration {
	return time.Duration(c.RetentionThresholdSeconds) * time.Second
}

func (c *Config) NotifyWindow() time.Duration {
	return time.Duration(c.NotifyWindowSeconds) * time.Second
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

func (c *Config) OperationTimeout() time.Duration {
	return time.Duration(c.OperationTimeoutSeconds) * time.Second
}

func (c *Config) ReconcileGrace() time.Duration {
	return time.Duration(c.ReconcileGraceSeconds) * time.Second
}

func (c *Config) StatusPoll() time.Duration {
	return time.Duration(c.StatusPollSeconds) * time.Second
}

// GetLogLevel returns the configured log level
func (c *Config) GetLogLevel() string {
	if c.Debug {
		return "debug"
	}
	return "info"
}

// IsDevelopmentMode returns true if running in development mode
func (c *Config) IsDevelopmentMode() bool {
	return c.Mode == "development" || c.Mode == "dev"
}

// IsTestMode returns true if running in test mode
func (c *Config) IsTestMode() bool {
	return c.Mode == "test"
}
