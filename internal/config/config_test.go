package config

import (
	"testing"
	"time"
)

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			UFWLogFile:     "/var/log/ufw.log",
			PollInterval:   500 * time.Millisecond,
			APIKey:         "secret",
			CooldownWindow: 12 * time.Hour,
			CacheFile:      "/tmp/reported.cache",
			BufferFile:     "/tmp/pending.db",
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{
			name:   "valid minimal config",
			mutate: func(c *Config) {},
		},
		{
			name:    "missing api key",
			mutate:  func(c *Config) { c.APIKey = "" },
			wantErr: true,
		},
		{
			name:    "missing log file",
			mutate:  func(c *Config) { c.UFWLogFile = "" },
			wantErr: true,
		},
		{
			name:    "zero cooldown",
			mutate:  func(c *Config) { c.CooldownWindow = 0 },
			wantErr: true,
		},
		{
			name:    "missing buffer file",
			mutate:  func(c *Config) { c.BufferFile = "" },
			wantErr: true,
		},
		{
			name: "archive enabled without host",
			mutate: func(c *Config) {
				c.ArchiveEnabled = true
				c.ClickHouseHost = ""
			},
			wantErr: true,
		},
		{
			name: "archive enabled with bad port",
			mutate: func(c *Config) {
				c.ArchiveEnabled = true
				c.ClickHouseHost = "localhost"
				c.ClickHousePort = 0
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ABUSEIPDB_API_KEY", "secret")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.UFWLogFile != "/var/log/ufw.log" {
		t.Errorf("expected default UFWLogFile, got %s", cfg.UFWLogFile)
	}
	if cfg.CooldownWindow != 12*time.Hour {
		t.Errorf("expected 12h cooldown, got %s", cfg.CooldownWindow)
	}
	if cfg.APIBaseURL != "https://api.abuseipdb.com/api/v2" {
		t.Errorf("unexpected API base URL: %s", cfg.APIBaseURL)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("ABUSEIPDB_API_KEY", "secret")
	t.Setenv("REPORT_COOLDOWN", "1h")
	t.Setenv("POLL_INTERVAL", "2s")
	t.Setenv("SERVER_ID", "homeserver1")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.CooldownWindow != time.Hour {
		t.Errorf("expected 1h cooldown, got %s", cfg.CooldownWindow)
	}
	if cfg.PollInterval != 2*time.Second {
		t.Errorf("expected 2s poll interval, got %s", cfg.PollInterval)
	}
	if cfg.ServerID != "homeserver1" {
		t.Errorf("expected server id override, got %s", cfg.ServerID)
	}
}
