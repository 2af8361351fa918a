// Package plan holds the Transfer Plan: the immutable parameter set agreed
// during the handshake and shared read-only by every worker for the rest
// of the session.
package plan

import (
	"fmt"
	"strings"

	"github.com/SoumyaRanjanPatnaik/tcp-sendfile/internal/txerr"
)

const (
	// MaxLength is the policy ceiling on total file length (§1, §3): 16 GiB.
	MaxLength = 16 << 30
	// MinBlockSize and MaxBlockSize bound block_size (§3).
	MinBlockSize = 1
	MaxBlockSize = 4 << 20
	// DefaultBlockSize is used when a caller does not specify one (§3).
	DefaultBlockSize = 1 << 20
	// MinConcurrency and MaxConcurrency bound concurrency N (§3).
	MinConcurrency = 1
	MaxConcurrency = 16
)

// CompressionDisposition is the session-wide compression state, decided
// once by the Integrity Pipeline's probe (§4.5).
type CompressionDisposition int

const (
	// CompressionProbe is the initial disposition before block 0 is probed.
	CompressionProbe CompressionDisposition = iota
	CompressionOn
	CompressionOff
)

// Plan is the Transfer Plan (§3): immutable after the handshake completes.
type Plan struct {
	Name        string
	Length      uint64
	Hash        [32]byte
	BlockSize   uint32
	Concurrency uint8
	Compression CompressionDisposition
}

// BlockCount returns C = ceil(Length / BlockSize).
func (p *Plan) BlockCount() uint32 {
	return BlockCount(p.Length, p.BlockSize)
}

// BlockCount computes ceil(length / blockSize) without overflow for
// length up to MaxLength and blockSize ≥ 1.
func BlockCount(length uint64, blockSize uint32) uint32 {
	if length == 0 {
		return 0
	}
	bs := uint64(blockSize)
	return uint32((length + bs - 1) / bs)
}

// BlockRange returns the logical byte range [start, end) of block sequence
// s under this plan: §3's "logical byte range".
func (p *Plan) BlockRange(s uint32) (start, end uint64) {
	start = uint64(s) * uint64(p.BlockSize)
	end = start + uint64(p.BlockSize)
	if end > p.Length {
		end = p.Length
	}
	return start, end
}

// Validate enforces the Policy error class of §7: filename has no path
// separators, length within policy, block size and concurrency in range.
// A Policy violation must have no side effects — callers must call
// Validate before creating or touching the Sink File.
func Validate(name string, length uint64, blockSize uint32, concurrency uint8) error {
	if name == "" || strings.ContainsAny(name, "/\\") {
		return fmt.Errorf("%w: name %q contains a path separator or is empty", txerr.ErrPolicy, name)
	}
	if length > MaxLength {
		return fmt.Errorf("%w: length %d exceeds policy limit %d", txerr.ErrPolicy, length, MaxLength)
	}
	if blockSize < MinBlockSize || blockSize > MaxBlockSize {
		return fmt.Errorf("%w: block_size %d out of range [%d,%d]", txerr.ErrPolicy, blockSize, MinBlockSize, MaxBlockSize)
	}
	if concurrency < MinConcurrency || concurrency > MaxConcurrency {
		return fmt.Errorf("%w: concurrency %d out of range [%d,%d]", txerr.ErrPolicy, concurrency, MinConcurrency, MaxConcurrency)
	}
	return nil
}

// New validates its arguments and, if they pass, returns the resulting Plan
// with CompressionProbe disposition.
func New(name string, length uint64, hash [32]byte, blockSize uint32, concurrency uint8) (*Plan, error) {
	if err := Validate(name, length, blockSize, concurrency); err != nil {
		return nil, err
	}
	return &Plan{
		Name:        name,
		Length:      length,
		Hash:        hash,
		BlockSize:   blockSize,
		Concurrency: concurrency,
		Compression: CompressionProbe,
	}, nil
}
