package rt

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tether.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Workers != 1 || cfg.Slots != 16 || cfg.ChannelCapacity != 128 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.RecvTimeout() != 10*time.Millisecond {
		t.Fatalf("RecvTimeout: got %s, want 10ms", cfg.RecvTimeout())
	}
}

func TestLoadConfig_TOML(t *testing.T) {
	path := writeConfig(t, `
workers = 4
slots = 8
slot-frame-capacity = 32
channel-capacity = 64
recv-timeout-ms = 25
journal = "/tmp/tether-test.db"
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.Workers != 4 {
		t.Errorf("Workers: got %d, want 4", cfg.Workers)
	}
	if cfg.Slots != 8 {
		t.Errorf("Slots: got %d, want 8", cfg.Slots)
	}
	if cfg.SlotFrameCapacity != 32 {
		t.Errorf("SlotFrameCapacity: got %d, want 32", cfg.SlotFrameCapacity)
	}
	if cfg.JournalPath != "/tmp/tether-test.db" {
		t.Errorf("JournalPath: got %q", cfg.JournalPath)
	}
	if cfg.RecvTimeout() != 25*time.Millisecond {
		t.Errorf("RecvTimeout: got %s, want 25ms", cfg.RecvTimeout())
	}
}

func TestLoadConfig_PartialFileKeepsDefaults(t *testing.T) {
	path := writeConfig(t, "workers = 3\n")
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.Workers != 3 {
		t.Errorf("Workers: got %d, want 3", cfg.Workers)
	}
	if cfg.Slots != 16 {
		t.Errorf("Slots default lost: got %d, want 16", cfg.Slots)
	}
}

func TestLoadConfig_EnvOverridesFile(t *testing.T) {
	t.Setenv("TETHER_WORKERS", "9")
	t.Setenv("TETHER_JOURNAL", "/tmp/env.db")

	path := writeConfig(t, "workers = 2\njournal = \"/tmp/file.db\"\n")
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.Workers != 9 {
		t.Errorf("Workers: got %d, want the env override 9", cfg.Workers)
	}
	if cfg.JournalPath != "/tmp/env.db" {
		t.Errorf("JournalPath: got %q, want the env override", cfg.JournalPath)
	}
}

func TestLoadConfig_InvalidValuesRejected(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"zero workers", "workers = 0\n"},
		{"zero slots", "slots = 0\n"},
		{"zero channel", "channel-capacity = 0\n"},
		{"zero timeout", "recv-timeout-ms = 0\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.body)
			if _, err := LoadConfig(path); err == nil {
				t.Fatalf("LoadConfig accepted %q", tt.body)
			}
		})
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "absent.toml")); err == nil {
		t.Fatal("LoadConfig of a missing file succeeded")
	}
}
