package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.DBDriver != "postgres" {
		t.Errorf("DBDriver = %q, want postgres", cfg.DBDriver)
	}
	if cfg.Queue.LeaseDuration != 300*time.Second {
		t.Errorf("LeaseDuration = %v, want 300s", cfg.Queue.LeaseDuration)
	}
	if cfg.Queue.AckRetention != 7*24*time.Hour {
		t.Errorf("AckRetention = %v, want 168h", cfg.Queue.AckRetention)
	}
	if cfg.Worker.Priority != nil {
		t.Errorf("Worker.Priority = %v, want nil", *cfg.Worker.Priority)
	}
	if cfg.Reaper.Action != ReaperActionNotify {
		t.Errorf("Reaper.Action = %q, want notify", cfg.Reaper.Action)
	}
}

func TestLoad_FromEnv(t *testing.T) {
	t.Setenv("DB_DRIVER", "sqlite")
	t.Setenv("DB_URL", "/tmp/conveyor.db")
	t.Setenv("QUEUE_LEASE_DURATION", "90s")
	t.Setenv("WORKER_PRIORITY", "1")
	t.Setenv("WORKER_COMMANDS", "sync=/bin/sync-job,check=/bin/check")
	t.Setenv("WORKER_DELAY_TYPES", "spec,discover")
	t.Setenv("REAPER_ACTION", "fail")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.DBDriver != "sqlite" || cfg.DBURL != "/tmp/conveyor.db" {
		t.Errorf("db = %q %q", cfg.DBDriver, cfg.DBURL)
	}
	if cfg.Queue.LeaseDuration != 90*time.Second {
		t.Errorf("LeaseDuration = %v, want 90s", cfg.Queue.LeaseDuration)
	}
	if cfg.Worker.Priority == nil || *cfg.Worker.Priority != 1 {
		t.Errorf("Worker.Priority = %v, want 1", cfg.Worker.Priority)
	}
	if cfg.Worker.Commands["sync"] != "/bin/sync-job" || cfg.Worker.Commands["check"] != "/bin/check" {
		t.Errorf("Commands = %v", cfg.Worker.Commands)
	}
	if len(cfg.Worker.DelayTypes) != 2 || cfg.Worker.DelayTypes[0] != "spec" {
		t.Errorf("DelayTypes = %v", cfg.Worker.DelayTypes)
	}
	if cfg.Reaper.Action != ReaperActionFail {
		t.Errorf("Reaper.Action = %q, want fail", cfg.Reaper.Action)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"unknown driver", "DB_DRIVER", "mysql"},
		{"unknown reaper action", "REAPER_ACTION", "retry"},
		{"zero batch", "WORKER_BATCH_SIZE", "0"},
		{"negative lease", "QUEUE_LEASE_DURATION", "-1s"},
		{"bad duration", "QUEUE_ACK_RETENTION", "week"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			if _, err := Load(); err == nil {
				t.Errorf("Load() with %s=%s: expected error", tt.key, tt.value)
			}
		})
	}
}
