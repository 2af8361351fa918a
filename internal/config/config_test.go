package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "engine.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoadFillsDefaults(t *testing.T) {
	path := writeConfig(t, "network:\n  control_port: 7878\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Network.DataPort != 7879 {
		t.Errorf("expected default data_port 7879, got %d", cfg.Network.DataPort)
	}
	if cfg.Block.SizeBytes != 1<<20 {
		t.Errorf("expected default block size 1MiB, got %d", cfg.Block.SizeBytes)
	}
	if cfg.Block.Concurrency != 4 {
		t.Errorf("expected default concurrency 4, got %d", cfg.Block.Concurrency)
	}
	if cfg.Resume.VerifyFraction != 0.10 {
		t.Errorf("expected default verify_fraction 0.10, got %f", cfg.Resume.VerifyFraction)
	}
}

func TestLoadRejectsSamePorts(t *testing.T) {
	path := writeConfig(t, "network:\n  control_port: 7878\n  data_port: 7878\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for identical control/data ports")
	}
}

func TestLoadRejectsOversizeBlock(t *testing.T) {
	path := writeConfig(t, "block:\n  size: 8mb\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for block size over 4mb")
	}
}

func TestParseByteSizeSuffixes(t *testing.T) {
	cases := map[string]int64{
		"256kb": 256 * 1024,
		"1mb":   1024 * 1024,
		"2gb":   2 * 1024 * 1024 * 1024,
		"512":   512,
	}
	for input, want := range cases {
		got, err := ParseByteSize(input)
		if err != nil {
			t.Errorf("ParseByteSize(%q): %v", input, err)
			continue
		}
		if got != want {
			t.Errorf("ParseByteSize(%q) = %d, want %d", input, got, want)
		}
	}
}
