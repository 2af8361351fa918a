package protocol

import "errors"

// Wire-level errors, returned by ReadFrame and the message decoders.
var (
	ErrFrameTooLarge      = errors.New("protocol: frame exceeds MaxMessageSize")
	ErrBadHeader          = errors.New("protocol: malformed frame header")
	ErrUnsupportedVersion = errors.New("protocol: unsupported version")
	ErrShortRead          = errors.New("protocol: short read")
	ErrDecodeFailed       = errors.New("protocol: payload decode failed")
)

// Error codes carried by ErrV1.Code.
const (
	ErrCodeBusy          uint16 = 1
	ErrCodeBadName       uint16 = 2
	ErrCodeLengthPolicy  uint16 = 3
	ErrCodeBlockSize     uint16 = 4
	ErrCodeConcurrency   uint16 = 5
	ErrCodeSourceChanged uint16 = 6
	ErrCodeUnknownSeq    uint16 = 7
)
