package config

import (
	"os"
	"strings"
	"testing"
	"time"
)

// setEnvs sets multiple env vars for the duration of the test.
func setEnvs(t *testing.T, envs map[string]string) {
	t.Helper()
	for k, v := range envs {
		t.Setenv(k, v)
	}
}

// requiredEnvs returns the minimum env vars needed for LoadEnvConfig to succeed.
func requiredEnvs() map[string]string {
	return map[string]string{
		"DCMPROXY_ADMIN_TOKEN": "admin-secret",
	}
}

func TestLoadEnvConfig_Defaults(t *testing.T) {
	setEnvs(t, requiredEnvs())

	cfg, err := LoadEnvConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	assertEqual(t, "StateDir", cfg.StateDir, "/var/lib/dcmproxy")
	assertEqual(t, "SpoolDir", cfg.SpoolDir, "/var/spool/dcmproxy")
	assertEqual(t, "DeviceConfigPath", cfg.DeviceConfigPath, "/etc/dcmproxy/device.yaml")
	assertEqual(t, "ListenAddress", cfg.ListenAddress, "0.0.0.0")
	assertEqual(t, "DICOMPort", cfg.DICOMPort, 11112)
	assertEqual(t, "Transport", cfg.Transport, "")
	assertEqual(t, "APIPort", cfg.APIPort, 8042)
	assertEqual(t, "APIMaxConns", cfg.APIMaxConns, 64)
	assertEqual(t, "ConnectTimeout", cfg.ConnectTimeout, 30*time.Second)
	assertEqual(t, "RetryInterval", cfg.RetryInterval, time.Minute)
	assertEqual(t, "ForwardThreads", cfg.ForwardThreads, 4)
	assertEqual(t, "PartMaxAge", cfg.PartMaxAge, 24*time.Hour)
	assertEqual(t, "AuditSchedule", cfg.AuditSchedule, "@every 2m")
	assertEqual(t, "AuditQueueSize", cfg.AuditQueueSize, 1024)
	assertEqual(t, "AuditQueueFlushBatch", cfg.AuditQueueFlushBatch, 256)
	assertEqual(t, "NATSURL", cfg.NATSURL, "")
	assertEqual(t, "NATSSubject", cfg.NATSSubject, "dcmproxy.audit")
}

func TestLoadEnvConfig_EnvOverrides(t *testing.T) {
	envs := requiredEnvs()
	envs["DCMPROXY_SPOOL_DIR"] = "/tmp/spool"
	envs["DCMPROXY_LISTEN_ADDRESS"] = " 127.0.0.1 "
	envs["DCMPROXY_DICOM_PORT"] = "104"
	envs["DCMPROXY_TRANSPORT"] = "dimse"
	envs["DCMPROXY_RETRY_INTERVAL"] = "30s"
	envs["DCMPROXY_FORWARD_THREADS"] = "16"
	envs["DCMPROXY_AUDIT_SCHEDULE"] = "*/5 * * * *"
	envs["DCMPROXY_NATS_URL"] = "nats://127.0.0.1:4222"
	setEnvs(t, envs)

	cfg, err := LoadEnvConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	assertEqual(t, "SpoolDir", cfg.SpoolDir, "/tmp/spool")
	assertEqual(t, "ListenAddress", cfg.ListenAddress, "127.0.0.1")
	assertEqual(t, "DICOMPort", cfg.DICOMPort, 104)
	assertEqual(t, "Transport", cfg.Transport, "dimse")
	assertEqual(t, "RetryInterval", cfg.RetryInterval, 30*time.Second)
	assertEqual(t, "ForwardThreads", cfg.ForwardThreads, 16)
	assertEqual(t, "AuditSchedule", cfg.AuditSchedule, "*/5 * * * *")
	assertEqual(t, "NATSURL", cfg.NATSURL, "nats://127.0.0.1:4222")
}

func TestLoadEnvConfig_MissingAdminToken(t *testing.T) {
	os.Unsetenv("DCMPROXY_ADMIN_TOKEN")

	_, err := LoadEnvConfig()
	if err == nil {
		t.Fatal("expected error for missing DCMPROXY_ADMIN_TOKEN")
	}
	assertContains(t, err.Error(), "DCMPROXY_ADMIN_TOKEN must be defined (can be empty)")
}

func TestLoadEnvConfig_EmptyTokenAllowedWhenDefined(t *testing.T) {
	t.Setenv("DCMPROXY_ADMIN_TOKEN", "")

	cfg, err := LoadEnvConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	assertEqual(t, "AdminToken", cfg.AdminToken, "")
}

func TestLoadEnvConfig_AccumulatesErrors(t *testing.T) {
	envs := requiredEnvs()
	envs["DCMPROXY_DICOM_PORT"] = "70000"
	envs["DCMPROXY_RETRY_INTERVAL"] = "soon"
	envs["DCMPROXY_FORWARD_THREADS"] = "0"
	envs["DCMPROXY_AUDIT_SCHEDULE"] = "every now and then"
	envs["DCMPROXY_AUDIT_QUEUE_SIZE"] = "100"
	setEnvs(t, envs)

	_, err := LoadEnvConfig()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{
		"DCMPROXY_DICOM_PORT: port must be 1-65535",
		"DCMPROXY_RETRY_INTERVAL: invalid duration",
		"DCMPROXY_FORWARD_THREADS: must be positive",
		"DCMPROXY_AUDIT_SCHEDULE: invalid cron expression",
		"DCMPROXY_AUDIT_QUEUE_SIZE must be at least 2x",
	} {
		assertContains(t, err.Error(), want)
	}
}

func TestLoadEnvConfig_SamePorts(t *testing.T) {
	envs := requiredEnvs()
	envs["DCMPROXY_DICOM_PORT"] = "9000"
	envs["DCMPROXY_API_PORT"] = "9000"
	setEnvs(t, envs)

	_, err := LoadEnvConfig()
	if err == nil {
		t.Fatal("expected error for identical ports")
	}
	assertContains(t, err.Error(), "must differ")
}

func TestEnvConfig_AuditPeriodTooShort(t *testing.T) {
	now := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	cfg := &EnvConfig{AuditSchedule: "@every 2m", RetryInterval: time.Minute}
	if cfg.AuditPeriodTooShort(now) {
		t.Fatal("2m period with 1m retry interval should be accepted")
	}
	cfg.RetryInterval = 5 * time.Minute
	if !cfg.AuditPeriodTooShort(now) {
		t.Fatal("2m period with 5m retry interval should be flagged")
	}
}

// --- test helpers ---

func assertEqual[T comparable](t *testing.T, name string, got, want T) {
	t.Helper()
	if got != want {
		t.Errorf("%s: got %v, want %v", name, got, want)
	}
}

func assertContains(t *testing.T, s, substr string) {
	t.Helper()
	if !strings.Contains(s, substr) {
		t.Errorf("expected %q to contain %q", s, substr)
	}
}
