package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadBalancerConfigDefaults(t *testing.T) {
	cfg, err := LoadBalancerConfigFromEnv()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Protocol != "http" {
		t.Errorf("protocol = %q, want http", cfg.Protocol)
	}
	if cfg.StatusCheckInterval != DefaultStatusCheckInterval {
		t.Errorf("interval = %v, want %v", cfg.StatusCheckInterval, DefaultStatusCheckInterval)
	}
	if cfg.CheckStatusTimeout != DefaultCheckStatusTimeout {
		t.Errorf("timeout = %v, want %v", cfg.CheckStatusTimeout, DefaultCheckStatusTimeout)
	}
	if cfg.StatusURL != "/~status" {
		t.Errorf("status url = %q, want /~status", cfg.StatusURL)
	}
	if cfg.BalancerCount != 1 {
		t.Errorf("balancer count = %d, want 1", cfg.BalancerCount)
	}
	if !cfg.UseSmartBalancing {
		t.Error("smart balancing must default to enabled")
	}
}

func TestLoadBalancerConfigFromEnvOverrides(t *testing.T) {
	t.Setenv("POOL_PROTOCOL", "https")
	t.Setenv("POOL_SOURCE_PORT", "9443")
	t.Setenv("POOL_WORKERS", "8001, 8002,8003")
	t.Setenv("POOL_SMART_BALANCING", "false")
	t.Setenv("POOL_DATA_KEY", "k1")
	t.Setenv("POOL_STATUS_CHECK_INTERVAL_MS", "1500")
	t.Setenv("POOL_CHECK_STATUS_TIMEOUT_MS", "2500")
	t.Setenv("POOL_BALANCER_COUNT", "3")

	cfg, err := LoadBalancerConfigFromEnv()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Protocol != "https" || cfg.SourcePort != 9443 {
		t.Errorf("listener config = %q:%d", cfg.Protocol, cfg.SourcePort)
	}
	if len(cfg.Workers) != 3 || cfg.Workers[1].Port != 8002 {
		t.Errorf("workers = %+v", cfg.Workers)
	}
	if cfg.UseSmartBalancing {
		t.Error("smart balancing should be disabled")
	}
	if cfg.DataKey != "k1" {
		t.Errorf("data key = %q", cfg.DataKey)
	}
	if cfg.StatusCheckInterval != 1500*time.Millisecond {
		t.Errorf("interval = %v", cfg.StatusCheckInterval)
	}
	if cfg.CheckStatusTimeout != 2500*time.Millisecond {
		t.Errorf("timeout = %v", cfg.CheckStatusTimeout)
	}
	if cfg.BalancerCount != 3 {
		t.Errorf("balancer count = %d", cfg.BalancerCount)
	}
}

func TestLoadWorkersFromYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "workers.yaml")
	doc := "workers:\n  - port: 8101\n  - port: 8102\n"
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("POOL_WORKERS_FILE", path)

	cfg, err := LoadBalancerConfigFromEnv()
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Workers) != 2 || cfg.Workers[0].Port != 8101 || cfg.Workers[1].Port != 8102 {
		t.Errorf("workers = %+v", cfg.Workers)
	}
}

func TestWorkersCSVTakesPrecedenceOverFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "workers.yaml")
	if err := os.WriteFile(path, []byte("workers:\n  - port: 8101\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("POOL_WORKERS_FILE", path)
	t.Setenv("POOL_WORKERS", "8201")

	cfg, err := LoadBalancerConfigFromEnv()
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Workers) != 1 || cfg.Workers[0].Port != 8201 {
		t.Errorf("workers = %+v, want CSV entry only", cfg.Workers)
	}
}

func TestParseWorkersCSVErrors(t *testing.T) {
	if _, err := parseWorkersCSV("8001,abc"); err == nil {
		t.Error("non-numeric port must fail")
	}
	if _, err := parseWorkersCSV("70000"); err == nil {
		t.Error("out-of-range port must fail")
	}
}

func TestValidate(t *testing.T) {
	base := func() *BalancerConfig {
		return &BalancerConfig{
			Protocol:            "http",
			SourcePort:          8080,
			StatusCheckInterval: time.Second,
			CheckStatusTimeout:  time.Second,
			StatusURL:           "/~status",
			BalancerCount:       1,
		}
	}

	if err := Validate(base()); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*BalancerConfig)
	}{
		{"bad protocol", func(c *BalancerConfig) { c.Protocol = "ftp" }},
		{"bad source port", func(c *BalancerConfig) { c.SourcePort = 0 }},
		{"bad balancer count", func(c *BalancerConfig) { c.BalancerCount = 0 }},
		{"bad interval", func(c *BalancerConfig) { c.StatusCheckInterval = 0 }},
		{"bad timeout", func(c *BalancerConfig) { c.CheckStatusTimeout = 0 }},
		{"bad status url", func(c *BalancerConfig) { c.StatusURL = "status" }},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			cfg := base()
			c.mutate(cfg)
			if err := Validate(cfg); err == nil {
				t.Error("expected a validation error")
			}
		})
	}
}
