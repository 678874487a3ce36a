package config

import (
	"strings"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"REGION", "LISTEN_ADDR", "SERVER_PUBLIC_IP", "WG_INTERFACE", "WG_PORT",
		"WG_SUBNET", "KEEPER_URL", "KEEPER_SECRET", "USAGE_REPORT_INTERVAL_MS",
		"ACCRUAL_INTERVAL_MS", "LIFECYCLE_INTERVAL_MS", "AUDIT_DB_PATH",
		"CLEAN_ORPHAN_PEERS", "LOG_LEVEL",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Region != "us-east" {
		t.Errorf("Region = %q", cfg.Region)
	}
	if cfg.ListenAddr != ":3000" {
		t.Errorf("ListenAddr = %q", cfg.ListenAddr)
	}
	if cfg.WGInterface != "wg0" {
		t.Errorf("WGInterface = %q", cfg.WGInterface)
	}
	if cfg.WGPort != 51820 {
		t.Errorf("WGPort = %d", cfg.WGPort)
	}
	if cfg.WGSubnet != "10.100.0.0/24" {
		t.Errorf("WGSubnet = %q", cfg.WGSubnet)
	}
	if cfg.UsageInterval != 30*time.Second {
		t.Errorf("UsageInterval = %v", cfg.UsageInterval)
	}
	if cfg.AccrualInterval != time.Minute {
		t.Errorf("AccrualInterval = %v", cfg.AccrualInterval)
	}
	if cfg.LifecycleInterval != 10*time.Second {
		t.Errorf("LifecycleInterval = %v", cfg.LifecycleInterval)
	}
	if !cfg.CleanOrphanPeers {
		t.Error("CleanOrphanPeers should default to true")
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q", cfg.LogLevel)
	}
}

func TestLoadOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("REGION", "eu-central")
	t.Setenv("SERVER_PUBLIC_IP", "203.0.113.10")
	t.Setenv("WG_PORT", "51821")
	t.Setenv("USAGE_REPORT_INTERVAL_MS", "15000")
	t.Setenv("CLEAN_ORPHAN_PEERS", "false")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Region != "eu-central" {
		t.Errorf("Region = %q", cfg.Region)
	}
	if cfg.WGPort != 51821 {
		t.Errorf("WGPort = %d", cfg.WGPort)
	}
	if cfg.UsageInterval != 15*time.Second {
		t.Errorf("UsageInterval = %v", cfg.UsageInterval)
	}
	if cfg.CleanOrphanPeers {
		t.Error("CleanOrphanPeers = true, want false")
	}
	if got := cfg.Endpoint(); got != "203.0.113.10:51821" {
		t.Errorf("Endpoint = %q", got)
	}
}

func TestLoadInvalidValues(t *testing.T) {
	cases := []struct {
		name  string
		key   string
		value string
		want  string
	}{
		{"bad subnet", "WG_SUBNET", "not-a-cidr", "WG_SUBNET"},
		{"bad public ip", "SERVER_PUBLIC_IP", "nope", "SERVER_PUBLIC_IP"},
		{"bad port", "WG_PORT", "99999", "WG_PORT"},
		{"bad log level", "LOG_LEVEL", "verbose", "LOG_LEVEL"},
		{"bad interval", "USAGE_REPORT_INTERVAL_MS", "abc", "USAGE_REPORT_INTERVAL_MS"},
		{"interval too small", "ACCRUAL_INTERVAL_MS", "100", "ACCRUAL_INTERVAL_MS"},
		{"bad orphan flag", "CLEAN_ORPHAN_PEERS", "maybe", "CLEAN_ORPHAN_PEERS"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tc.key, tc.value)

			_, err := Load()
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error %q does not mention %s", err, tc.want)
			}
		})
	}
}

func TestSubnetPrefix(t *testing.T) {
	cfg := &Config{WGSubnet: "10.100.0.0/24"}
	if got := cfg.SubnetPrefix(); got != "10.100.0" {
		t.Errorf("SubnetPrefix = %q", got)
	}

	cfg = &Config{WGSubnet: "172.16.5.0/24"}
	if got := cfg.SubnetPrefix(); got != "172.16.5" {
		t.Errorf("SubnetPrefix = %q", got)
	}
}
