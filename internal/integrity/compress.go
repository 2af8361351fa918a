package integrity

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"
)

// ProbeThreshold is the ratio from §4.5: compression is enabled for the
// session only if compressed_len < raw_len * ProbeThreshold.
const ProbeThreshold = 0.95

// Compress deflates b at flate.BestSpeed — a fast general-purpose
// deflate-family codec, per §4.5. Each call is stateless: no dictionary or
// stream state survives between blocks, since blocks may be requested out
// of order and compressed independently (§4.3 work-stealing).
func Compress(b []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.BestSpeed)
	if err != nil {
		return nil, fmt.Errorf("creating flate writer: %w", err)
	}
	if _, err := w.Write(b); err != nil {
		return nil, fmt.Errorf("compressing block: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("closing flate writer: %w", err)
	}
	return buf.Bytes(), nil
}

// Decompress inflates b, which must have been produced by Compress. rawLen
// is the expected decompressed length (the block's nominal length); a
// mismatch is a length-verification failure per §4.4.
func Decompress(b []byte, rawLen int) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(b))
	defer r.Close()
	out := make([]byte, rawLen)
	n, err := io.ReadFull(r, out)
	if err != nil && err != io.ErrUnexpectedEOF {
		return nil, fmt.Errorf("decompressing block: %w", err)
	}
	return out[:n], nil
}

// ProbeResult is the outcome of compressing one block to decide the
// session's compression disposition.
type ProbeResult struct {
	Compressed []byte
	Enabled    bool
}

// Probe compresses raw and decides, per §4.5's threshold, whether
// compression should be enabled for the rest of the session.
func Probe(raw []byte) (ProbeResult, error) {
	compressed, err := Compress(raw)
	if err != nil {
		return ProbeResult{}, err
	}
	enabled := float64(len(compressed)) < float64(len(raw))*ProbeThreshold
	return ProbeResult{Compressed: compressed, Enabled: enabled}, nil
}
