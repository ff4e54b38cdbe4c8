package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadAppliesDefaultsForOmittedFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cache.yaml")
	if err := os.WriteFile(path, []byte("device_path: /dev/loop0\ncapacity_pages: 256\n"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.CapacityPages != 256 {
		t.Fatalf("CapacityPages = %d, want 256", cfg.CapacityPages)
	}
	if cfg.MaxPrefetchPages != 32 {
		t.Fatalf("MaxPrefetchPages = %d, want default 32", cfg.MaxPrefetchPages)
	}
	if cfg.DevicePath != "/dev/loop0" {
		t.Fatalf("DevicePath = %q, want /dev/loop0", cfg.DevicePath)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidateRejectsMissingDevicePath(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate() = nil, want error for missing device_path")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/cache.yaml"); err == nil {
		t.Fatal("Load() = nil, want error for missing file")
	}
}
