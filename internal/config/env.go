// Package config handles environment-based process settings and the device
// configuration file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// EnvConfig holds all environment-variable-driven settings. Unlike the
// device file these are read once at startup.
type EnvConfig struct {
	// Directories
	StateDir         string
	SpoolDir         string
	DeviceConfigPath string

	// Network
	ListenAddress   string
	DICOMPort       int
	Transport       string
	APIPort         int
	APIMaxBodyBytes int
	APIMaxConns     int
	ConnectTimeout  time.Duration

	// Forwarding
	RetryInterval  time.Duration
	ForwardThreads int
	PartMaxAge     time.Duration

	// Audit
	AuditSchedule           string
	AuditQueueSize          int
	AuditQueueFlushBatch    int
	AuditQueueFlushInterval time.Duration
	AuditEnqueueTimeout     time.Duration
	NATSURL                 string
	NATSSubject             string

	// Auth
	AdminToken string
}

// LoadEnvConfig reads environment variables and returns a validated EnvConfig.
// Returns an error if any required variable is missing or any value is invalid.
func LoadEnvConfig() (*EnvConfig, error) {
	cfg := &EnvConfig{}
	var errs []string

	// --- Directories ---
	cfg.StateDir = envStr("DCMPROXY_STATE_DIR", "/var/lib/dcmproxy")
	cfg.SpoolDir = envStr("DCMPROXY_SPOOL_DIR", "/var/spool/dcmproxy")
	cfg.DeviceConfigPath = envStr("DCMPROXY_DEVICE_CONFIG", "/etc/dcmproxy/device.yaml")

	// --- Network ---
	cfg.ListenAddress = strings.TrimSpace(envStr("DCMPROXY_LISTEN_ADDRESS", "0.0.0.0"))
	cfg.DICOMPort = envInt("DCMPROXY_DICOM_PORT", 11112, &errs)
	cfg.Transport = strings.TrimSpace(envStr("DCMPROXY_TRANSPORT", ""))
	cfg.APIPort = envInt("DCMPROXY_API_PORT", 8042, &errs)
	cfg.APIMaxBodyBytes = envInt("DCMPROXY_API_MAX_BODY_BYTES", 512<<20, &errs)
	cfg.APIMaxConns = envInt("DCMPROXY_API_MAX_CONNS", 64, &errs)
	cfg.ConnectTimeout = envDuration("DCMPROXY_CONNECT_TIMEOUT", 30*time.Second, &errs)

	// --- Forwarding ---
	cfg.RetryInterval = envDuration("DCMPROXY_RETRY_INTERVAL", time.Minute, &errs)
	cfg.ForwardThreads = envInt("DCMPROXY_FORWARD_THREADS", 4, &errs)
	cfg.PartMaxAge = envDuration("DCMPROXY_PART_MAX_AGE", 24*time.Hour, &errs)

	// --- Audit ---
	cfg.AuditSchedule = envStr("DCMPROXY_AUDIT_SCHEDULE", "@every 2m")
	cfg.AuditQueueSize = envInt("DCMPROXY_AUDIT_QUEUE_SIZE", 1024, &errs)
	cfg.AuditQueueFlushBatch = envInt("DCMPROXY_AUDIT_QUEUE_FLUSH_BATCH_SIZE", 256, &errs)
	cfg.AuditQueueFlushInterval = envDuration("DCMPROXY_AUDIT_QUEUE_FLUSH_INTERVAL", 5*time.Second, &errs)
	cfg.AuditEnqueueTimeout = envDuration("DCMPROXY_AUDIT_ENQUEUE_TIMEOUT", 5*time.Second, &errs)
	cfg.NATSURL = strings.TrimSpace(envStr("DCMPROXY_NATS_URL", ""))
	cfg.NATSSubject = strings.TrimSpace(envStr("DCMPROXY_NATS_SUBJECT", "dcmproxy.audit"))

	// --- Auth (must be defined; empty means auth disabled) ---
	adminToken, hasAdminToken := os.LookupEnv("DCMPROXY_ADMIN_TOKEN")
	cfg.AdminToken = adminToken

	// --- Validation ---
	if !hasAdminToken {
		errs = append(errs, "DCMPROXY_ADMIN_TOKEN must be defined (can be empty)")
	}
	if cfg.ListenAddress == "" {
		errs = append(errs, "DCMPROXY_LISTEN_ADDRESS must not be empty")
	}
	if cfg.SpoolDir == "" {
		errs = append(errs, "DCMPROXY_SPOOL_DIR must not be empty")
	}
	validatePort("DCMPROXY_DICOM_PORT", cfg.DICOMPort, &errs)
	validatePort("DCMPROXY_API_PORT", cfg.APIPort, &errs)
	if cfg.DICOMPort == cfg.APIPort {
		errs = append(errs, "DCMPROXY_DICOM_PORT and DCMPROXY_API_PORT must differ")
	}
	validatePositive("DCMPROXY_API_MAX_BODY_BYTES", cfg.APIMaxBodyBytes, &errs)
	validatePositive("DCMPROXY_API_MAX_CONNS", cfg.APIMaxConns, &errs)
	if cfg.ConnectTimeout <= 0 {
		errs = append(errs, "DCMPROXY_CONNECT_TIMEOUT must be positive")
	}
	if cfg.RetryInterval <= 0 {
		errs = append(errs, "DCMPROXY_RETRY_INTERVAL must be positive")
	}
	validatePositive("DCMPROXY_FORWARD_THREADS", cfg.ForwardThreads, &errs)
	if cfg.PartMaxAge <= 0 {
		errs = append(errs, "DCMPROXY_PART_MAX_AGE must be positive")
	}
	if _, err := cron.ParseStandard(cfg.AuditSchedule); err != nil {
		errs = append(errs, fmt.Sprintf("DCMPROXY_AUDIT_SCHEDULE: invalid cron expression %q: %v", cfg.AuditSchedule, err))
	}
	validatePositive("DCMPROXY_AUDIT_QUEUE_SIZE", cfg.AuditQueueSize, &errs)
	validatePositive("DCMPROXY_AUDIT_QUEUE_FLUSH_BATCH_SIZE", cfg.AuditQueueFlushBatch, &errs)
	if cfg.AuditQueueFlushInterval <= 0 {
		errs = append(errs, "DCMPROXY_AUDIT_QUEUE_FLUSH_INTERVAL must be positive")
	}
	if cfg.AuditEnqueueTimeout <= 0 {
		errs = append(errs, "DCMPROXY_AUDIT_ENQUEUE_TIMEOUT must be positive")
	}
	if cfg.AuditQueueSize < 2*cfg.AuditQueueFlushBatch {
		errs = append(errs, "DCMPROXY_AUDIT_QUEUE_SIZE must be at least 2x DCMPROXY_AUDIT_QUEUE_FLUSH_BATCH_SIZE")
	}
	if cfg.NATSURL != "" && cfg.NATSSubject == "" {
		errs = append(errs, "DCMPROXY_NATS_SUBJECT must not be empty when DCMPROXY_NATS_URL is set")
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}

	return cfg, nil
}

// AuditPeriodTooShort reports whether the audit schedule fires more often
// than twice the retry interval. Groups younger than that are never
// finalized, so a shorter period only produces empty sweeps.
func (c *EnvConfig) AuditPeriodTooShort(now time.Time) bool {
	sched, err := cron.ParseStandard(c.AuditSchedule)
	if err != nil {
		return false
	}
	first := sched.Next(now)
	return sched.Next(first).Sub(first) < 2*c.RetryInterval
}

// --- helpers ---

func envStr(key, defaultVal string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int, errs *[]string) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid integer %q", key, v))
		return defaultVal
	}
	return n
}

func envDuration(key string, defaultVal time.Duration, errs *[]string) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid duration %q", key, v))
		return defaultVal
	}
	return d
}

func validatePort(name string, value int, errs *[]string) {
	if value < 1 || value > 65535 {
		*errs = append(*errs, fmt.Sprintf("%s: port must be 1-65535, got %d", name, value))
	}
}

func validatePositive(name string, value int, errs *[]string) {
	if value <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s: must be positive, got %d", name, value))
	}
}
