package integrity

import (
	"bytes"
	"crypto/rand"
	"testing"
)

func TestCompressDecompressRoundTrip(t *testing.T) {
	raw := bytes.Repeat([]byte("aaaaaaaaaa"), 1000)
	compressed, err := Compress(raw)
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}
	got, err := Decompress(compressed, len(raw))
	if err != nil {
		t.Fatalf("Decompress: %v", err)
	}
	if !bytes.Equal(got, raw) {
		t.Fatal("decompressed bytes do not match original")
	}
}

func TestProbeAllZeroBlockCompresses(t *testing.T) {
	raw := make([]byte, 1<<20)
	result, err := Probe(raw)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if !result.Enabled {
		t.Error("expected compression to be enabled for an all-zero block")
	}
	if len(result.Compressed) >= len(raw) {
		t.Errorf("expected compressed all-zero block to shrink, got %d >= %d", len(result.Compressed), len(raw))
	}
}

func TestProbeRandomBlockDoesNotCompress(t *testing.T) {
	raw := make([]byte, 1<<20)
	if _, err := rand.Read(raw); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}
	result, err := Probe(raw)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if result.Enabled {
		t.Error("expected compression to be disabled for a random block")
	}
}
