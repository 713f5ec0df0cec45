package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg == nil {
		t.Fatal("Default() returned nil")
	}

	// Verify default group config
	if cfg.Group.Transport != TransportAuto {
		t.Errorf("Group.Transport = %q, want %q", cfg.Group.Transport, TransportAuto)
	}
	if cfg.Group.RunDir != ".parallelmc/run" {
		t.Errorf("Group.RunDir = %q, want %q", cfg.Group.RunDir, ".parallelmc/run")
	}
	if cfg.Group.DialTimeoutMs != 30000 {
		t.Errorf("Group.DialTimeoutMs = %d, want 30000", cfg.Group.DialTimeoutMs)
	}
	if cfg.Group.PollIntervalMs != 20 {
		t.Errorf("Group.PollIntervalMs = %d, want 20", cfg.Group.PollIntervalMs)
	}

	// Verify default seed config
	if cfg.Seeds.MasterSeed != 0 {
		t.Errorf("Seeds.MasterSeed = %d, want 0", cfg.Seeds.MasterSeed)
	}
	if cfg.Seeds.MaxRetries != 64 {
		t.Errorf("Seeds.MaxRetries = %d, want 64", cfg.Seeds.MaxRetries)
	}

	// Verify default run config
	if cfg.Run.Events != 1000 {
		t.Errorf("Run.Events = %v, want 1000", cfg.Run.Events)
	}
	if cfg.Run.Mode != "split" {
		t.Errorf("Run.Mode = %q, want %q", cfg.Run.Mode, "split")
	}

	if cfg.Logging.OutputBase != "parallelmc" {
		t.Errorf("Logging.OutputBase = %q, want %q", cfg.Logging.OutputBase, "parallelmc")
	}
	if !cfg.Telemetry.Enabled || cfg.Telemetry.Endpoint != "" {
		t.Errorf("Telemetry = %+v, want enabled with no endpoint", cfg.Telemetry)
	}
}

func TestGroupConfig_Durations(t *testing.T) {
	cfg := GroupConfig{DialTimeoutMs: 1500, PollIntervalMs: 5}

	if got := cfg.DialTimeout(); got != 1500*time.Millisecond {
		t.Errorf("DialTimeout() = %v, want 1.5s", got)
	}
	if got := cfg.PollInterval(); got != 5*time.Millisecond {
		t.Errorf("PollInterval() = %v, want 5ms", got)
	}
}

func TestGroupConfig_ResolveTransport(t *testing.T) {
	tests := []struct {
		transport string
		size      int
		want      string
	}{
		{TransportAuto, 1, TransportInProc},
		{TransportAuto, 4, TransportFile},
		{"", 2, TransportFile},
		{TransportGRPC, 1, TransportGRPC},
		{TransportInProc, 8, TransportInProc},
	}

	for _, tt := range tests {
		cfg := GroupConfig{Transport: tt.transport}
		if got := cfg.ResolveTransport(tt.size); got != tt.want {
			t.Errorf("ResolveTransport(%q, %d) = %q, want %q", tt.transport, tt.size, got, tt.want)
		}
	}
}

func TestConfigDir(t *testing.T) {
	t.Run("with XDG_CONFIG_HOME", func(t *testing.T) {
		t.Setenv("XDG_CONFIG_HOME", "/custom/config")
		result := ConfigDir()
		expected := "/custom/config/parallelmc"
		if result != expected {
			t.Errorf("ConfigDir() = %q, want %q", result, expected)
		}
	})

	t.Run("without XDG_CONFIG_HOME", func(t *testing.T) {
		t.Setenv("XDG_CONFIG_HOME", "")
		result := ConfigDir()

		// Should be based on home directory
		home, _ := os.UserHomeDir()
		expected := filepath.Join(home, ".config", "parallelmc")
		if result != expected {
			t.Errorf("ConfigDir() = %q, want %q", result, expected)
		}
	})
}

func TestConfigFile(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/custom/config")
	result := ConfigFile()
	expected := "/custom/config/parallelmc/config.yaml"
	if result != expected {
		t.Errorf("ConfigFile() = %q, want %q", result, expected)
	}
}

func TestLoad(t *testing.T) {
	t.Cleanup(viper.Reset)

	t.Run("defaults", func(t *testing.T) {
		viper.Reset()
		SetDefaults()

		cfg, err := Load()
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		if cfg.Run.Events != 1000 || cfg.Group.Transport != TransportAuto {
			t.Errorf("Load() = %+v, want defaults", cfg)
		}
	})

	t.Run("overrides", func(t *testing.T) {
		viper.Reset()
		SetDefaults()
		viper.Set("run.events", 2500)
		viper.Set("run.mode", "replicate")
		viper.Set("seeds.master_seed", 7)

		cfg, err := Load()
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		if cfg.Run.Events != 2500 || cfg.Run.Mode != "replicate" || cfg.Seeds.MasterSeed != 7 {
			t.Errorf("Load() = %+v, want overrides applied", cfg.Run)
		}
	})

	t.Run("invalid", func(t *testing.T) {
		viper.Reset()
		SetDefaults()
		viper.Set("run.events", -1)
		viper.Set("engine.scatter_ratio", 2)

		_, err := Load()
		verrs, ok := err.(ValidationErrors)
		if !ok {
			t.Fatalf("Load() error = %v, want ValidationErrors", err)
		}
		if len(verrs) != 2 {
			t.Errorf("Load() returned %d errors, want 2: %v", len(verrs), verrs)
		}
	})
}
