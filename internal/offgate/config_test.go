package offgate

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "offgate.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfigFile(t, "server:\n  origin: http://localhost:3000/\n")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Server.Origin != "http://localhost:3000" {
		t.Errorf("Origin = %q, want trailing slash trimmed", cfg.Server.Origin)
	}
	if got := cfg.Generation(); got != "offgate-v1.0.0" {
		t.Errorf("Generation() = %q, want offgate-v1.0.0", got)
	}
	if !containsString(cfg.Shell.Manifest, "/index.html") {
		t.Errorf("manifest missing shell document: %v", cfg.Shell.Manifest)
	}
	if !containsString(cfg.Shell.Manifest, "/offline.html") {
		t.Errorf("manifest missing offline page: %v", cfg.Shell.Manifest)
	}
	if cfg.Updates.pollEveryDur != 30*time.Minute {
		t.Errorf("pollEvery = %v, want 30m", cfg.Updates.pollEveryDur)
	}
	if cfg.Updates.minGapDur != 2*time.Hour {
		t.Errorf("minGap = %v, want 2h", cfg.Updates.minGapDur)
	}
	if cfg.Cleanup.everyDur != 24*time.Hour {
		t.Errorf("cleanup.every = %v, want 24h", cfg.Cleanup.everyDur)
	}
	if cfg.Cleanup.maxAgeDur != 30*24*time.Hour {
		t.Errorf("cleanup.maxAge = %v, want 720h", cfg.Cleanup.maxAgeDur)
	}
	if cfg.Notifications.defaultDur != 5*time.Second {
		t.Errorf("defaultDuration = %v, want 5s", cfg.Notifications.defaultDur)
	}
	if cfg.Push.SimulateResponse != string(PermissionGranted) {
		t.Errorf("simulateResponse = %q, want granted", cfg.Push.SimulateResponse)
	}
}

func TestLoadConfigMissingOrigin(t *testing.T) {
	path := writeConfigFile(t, "server:\n  port: 9000\n")
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected error for missing origin")
	}
}

func TestLoadConfigBadDuration(t *testing.T) {
	path := writeConfigFile(t, "server:\n  origin: http://localhost:3000\nupdates:\n  pollEvery: soon\n")
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected error for invalid duration")
	}
}

func TestLoadConfigRelativeManifestPath(t *testing.T) {
	path := writeConfigFile(t, "server:\n  origin: http://localhost:3000\nshell:\n  manifest:\n    - index.html\n")
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected error for manifest path without leading slash")
	}
}

func TestLoadConfigInvalidSimulateResponse(t *testing.T) {
	path := writeConfigFile(t, "server:\n  origin: http://localhost:3000\npush:\n  simulateResponse: maybe\n")
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected error for invalid simulateResponse")
	}
}

func TestLoadConfigShellNameWithColon(t *testing.T) {
	path := writeConfigFile(t, "server:\n  origin: http://localhost:3000\nshell:\n  name: \"a:b\"\n")
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected error for shell name containing colon")
	}
}

func TestLoadConfigShellVersionWithColon(t *testing.T) {
	path := writeConfigFile(t, "server:\n  origin: http://localhost:3000\nshell:\n  version: \"1:0\"\n")
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected error for shell version containing colon")
	}
}

func TestGenerationChangesWithVersion(t *testing.T) {
	var a, b Config
	a.Server.Origin = "http://localhost:3000"
	b.Server.Origin = "http://localhost:3000"
	b.Shell.Version = "2.0.0"
	if err := a.compile(); err != nil {
		t.Fatalf("compile: %v", err)
	}
	if err := b.compile(); err != nil {
		t.Fatalf("compile: %v", err)
	}
	if a.Generation() == b.Generation() {
		t.Errorf("generations should differ: %q vs %q", a.Generation(), b.Generation())
	}
}
