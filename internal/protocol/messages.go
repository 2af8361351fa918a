package protocol

import (
	"encoding/binary"
	"fmt"
)

// Message tags. The first byte of every frame payload identifies which
// variant follows.
const (
	TagHello      byte = 1
	TagAck        byte = 2
	TagProbe      byte = 3
	TagProbeReply byte = 4
	TagRequest    byte = 5
	TagData       byte = 6
	TagErr        byte = 7
	TagHealthPing byte = 8
	TagHealthPong byte = 9
)

// HelloV1 is sent Sender → Receiver on the control channel, opening a
// session and proposing a Transfer Plan.
type HelloV1 struct {
	Name        string
	Length      uint64
	Hash        [32]byte
	BlockSize   uint32
	Concurrency uint8
}

// AckV1 is sent Receiver → Sender on the control channel in response to
// HelloV1. ResumeBitmap is nil when there is no prior on-disk state.
type AckV1 struct {
	ResumeBitmap       []byte
	AcceptedConcurrency uint8
}

// ProbeV1 asks the Sender to report the deflate-compressed size of one
// block so the Receiver... actually the Sender itself runs the probe; this
// variant exists for symmetry and for test harnesses that want to probe a
// specific sequence out of band. See spec.md §4.5: in the normal flow the
// probe result rides on the first DataV1's Compressed flag.
type ProbeV1 struct {
	Sequence uint32
}

// ProbeReplyV1 reports the outcome of compressing one block.
type ProbeReplyV1 struct {
	CompressedLen uint32
	RawLen        uint32
}

// RequestV1 is sent Receiver → Sender on a data connection: "give me block
// Sequence".
type RequestV1 struct {
	Sequence uint32
}

// DataV1 carries one block's payload. Bytes borrows directly from the
// frame's Payload buffer — decoding never copies it.
type DataV1 struct {
	Sequence   uint32
	CRC32      uint32
	Compressed bool
	Bytes      []byte
}

// ErrV1 is a non-fatal (from the wire's point of view) error one side
// wants the other to observe.
type ErrV1 struct {
	Code uint16
	Msg  string
}

// HealthPingV1 opens a short-lived, separate connection to the Receiver's
// control port to ask for its current health without starting a transfer
// (analogous to the teacher's ControlPing/ControlPong). It never appears
// inside the three-message transfer handshake of §4.2 — a control
// connection whose first frame is a HealthPingV1 is answered with exactly
// one HealthPongV1 and closed, the same "request, reply, close" shape as
// the handshake but for a different kind of session. The Receiver answers
// it before the single-active-transfer check, but it reads control
// connections only while no transfer is running: a ping that arrives
// during a transfer is not accepted or answered.
type HealthPingV1 struct{}

// HealthPongV1 reports the Receiver's disk/file health, for an external
// monitor to poll independent of any transfer in progress.
type HealthPongV1 struct {
	OK            bool
	DiskFreeBytes uint64
	Message       string
}

// ---- encoding ----

func putString(dst []byte, s string) []byte {
	dst = binary.LittleEndian.AppendUint16(dst, uint16(len(s)))
	return append(dst, s...)
}

func putBytes32(dst []byte, b []byte) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(b)))
	return append(dst, b...)
}

// EncodeHelloV1 serializes h as a frame payload.
func EncodeHelloV1(h HelloV1) []byte {
	buf := make([]byte, 0, 1+2+len(h.Name)+8+32+4+1)
	buf = append(buf, TagHello)
	buf = putString(buf, h.Name)
	buf = binary.LittleEndian.AppendUint64(buf, h.Length)
	buf = append(buf, h.Hash[:]...)
	buf = binary.LittleEndian.AppendUint32(buf, h.BlockSize)
	buf = append(buf, h.Concurrency)
	return buf
}

// EncodeAckV1 serializes a as a frame payload.
func EncodeAckV1(a AckV1) []byte {
	buf := make([]byte, 0, 1+1+4+len(a.ResumeBitmap)+1)
	buf = append(buf, TagAck)
	if a.ResumeBitmap == nil {
		buf = append(buf, 0)
	} else {
		buf = append(buf, 1)
		buf = putBytes32(buf, a.ResumeBitmap)
	}
	buf = append(buf, a.AcceptedConcurrency)
	return buf
}

// EncodeProbeV1 serializes p as a frame payload.
func EncodeProbeV1(p ProbeV1) []byte {
	buf := make([]byte, 0, 5)
	buf = append(buf, TagProbe)
	buf = binary.LittleEndian.AppendUint32(buf, p.Sequence)
	return buf
}

// EncodeProbeReplyV1 serializes p as a frame payload.
func EncodeProbeReplyV1(p ProbeReplyV1) []byte {
	buf := make([]byte, 0, 9)
	buf = append(buf, TagProbeReply)
	buf = binary.LittleEndian.AppendUint32(buf, p.CompressedLen)
	buf = binary.LittleEndian.AppendUint32(buf, p.RawLen)
	return buf
}

// EncodeRequestV1 serializes r as a frame payload.
func EncodeRequestV1(r RequestV1) []byte {
	buf := make([]byte, 0, 5)
	buf = append(buf, TagRequest)
	buf = binary.LittleEndian.AppendUint32(buf, r.Sequence)
	return buf
}

// EncodeDataV1 serializes d as a frame payload.
func EncodeDataV1(d DataV1) []byte {
	buf := make([]byte, 0, 1+4+4+1+4+len(d.Bytes))
	buf = append(buf, TagData)
	buf = binary.LittleEndian.AppendUint32(buf, d.Sequence)
	buf = binary.LittleEndian.AppendUint32(buf, d.CRC32)
	if d.Compressed {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = putBytes32(buf, d.Bytes)
	return buf
}

// EncodeErrV1 serializes e as a frame payload.
func EncodeErrV1(e ErrV1) []byte {
	buf := make([]byte, 0, 1+2+2+len(e.Msg))
	buf = append(buf, TagErr)
	buf = binary.LittleEndian.AppendUint16(buf, e.Code)
	buf = putString(buf, e.Msg)
	return buf
}

// EncodeHealthPingV1 serializes a HealthPingV1 as a frame payload.
func EncodeHealthPingV1(HealthPingV1) []byte {
	return []byte{TagHealthPing}
}

// EncodeHealthPongV1 serializes p as a frame payload.
func EncodeHealthPongV1(p HealthPongV1) []byte {
	buf := make([]byte, 0, 1+1+8+2+len(p.Message))
	buf = append(buf, TagHealthPong)
	if p.OK {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = binary.LittleEndian.AppendUint64(buf, p.DiskFreeBytes)
	buf = putString(buf, p.Message)
	return buf
}

// ---- decoding ----

func takeString(p []byte) (string, []byte, error) {
	if len(p) < 2 {
		return "", nil, fmt.Errorf("%w: truncated string length", ErrDecodeFailed)
	}
	n := int(binary.LittleEndian.Uint16(p))
	p = p[2:]
	if len(p) < n {
		return "", nil, fmt.Errorf("%w: truncated string body", ErrDecodeFailed)
	}
	return string(p[:n]), p[n:], nil
}

func takeBytes32(p []byte) ([]byte, []byte, error) {
	if len(p) < 4 {
		return nil, nil, fmt.Errorf("%w: truncated bytes length", ErrDecodeFailed)
	}
	n := int(binary.LittleEndian.Uint32(p))
	p = p[4:]
	if len(p) < n {
		return nil, nil, fmt.Errorf("%w: truncated bytes body", ErrDecodeFailed)
	}
	return p[:n], p[n:], nil
}

// DecodeHelloV1 decodes a HelloV1 payload. payload[0] must already be TagHello.
func DecodeHelloV1(payload []byte) (HelloV1, error) {
	var h HelloV1
	if len(payload) < 1 || payload[0] != TagHello {
		return h, fmt.Errorf("%w: not a HelloV1 payload", ErrDecodeFailed)
	}
	p := payload[1:]

	name, p, err := takeString(p)
	if err != nil {
		return h, err
	}
	if len(p) < 8+32+4+1 {
		return h, fmt.Errorf("%w: truncated HelloV1", ErrDecodeFailed)
	}
	h.Name = name
	h.Length = binary.LittleEndian.Uint64(p)
	p = p[8:]
	copy(h.Hash[:], p[:32])
	p = p[32:]
	h.BlockSize = binary.LittleEndian.Uint32(p)
	p = p[4:]
	h.Concurrency = p[0]
	return h, nil
}

// DecodeAckV1 decodes an AckV1 payload.
func DecodeAckV1(payload []byte) (AckV1, error) {
	var a AckV1
	if len(payload) < 2 || payload[0] != TagAck {
		return a, fmt.Errorf("%w: not an AckV1 payload", ErrDecodeFailed)
	}
	p := payload[1:]
	hasBitmap := p[0]
	p = p[1:]

	if hasBitmap != 0 {
		bitmap, rest, err := takeBytes32(p)
		if err != nil {
			return a, err
		}
		a.ResumeBitmap = bitmap
		p = rest
	}
	if len(p) < 1 {
		return a, fmt.Errorf("%w: truncated AckV1", ErrDecodeFailed)
	}
	a.AcceptedConcurrency = p[0]
	return a, nil
}

// DecodeProbeV1 decodes a ProbeV1 payload.
func DecodeProbeV1(payload []byte) (ProbeV1, error) {
	var v ProbeV1
	if len(payload) < 5 || payload[0] != TagProbe {
		return v, fmt.Errorf("%w: not a ProbeV1 payload", ErrDecodeFailed)
	}
	v.Sequence = binary.LittleEndian.Uint32(payload[1:])
	return v, nil
}

// DecodeProbeReplyV1 decodes a ProbeReplyV1 payload.
func DecodeProbeReplyV1(payload []byte) (ProbeReplyV1, error) {
	var v ProbeReplyV1
	if len(payload) < 9 || payload[0] != TagProbeReply {
		return v, fmt.Errorf("%w: not a ProbeReplyV1 payload", ErrDecodeFailed)
	}
	v.CompressedLen = binary.LittleEndian.Uint32(payload[1:])
	v.RawLen = binary.LittleEndian.Uint32(payload[5:])
	return v, nil
}

// DecodeRequestV1 decodes a RequestV1 payload.
func DecodeRequestV1(payload []byte) (RequestV1, error) {
	var v RequestV1
	if len(payload) < 5 || payload[0] != TagRequest {
		return v, fmt.Errorf("%w: not a RequestV1 payload", ErrDecodeFailed)
	}
	v.Sequence = binary.LittleEndian.Uint32(payload[1:])
	return v, nil
}

// DecodeDataV1 decodes a DataV1 payload. The returned Bytes field is a
// sub-slice of payload — it is never copied.
func DecodeDataV1(payload []byte) (DataV1, error) {
	var d DataV1
	if len(payload) < 1+4+4+1+4 || payload[0] != TagData {
		return d, fmt.Errorf("%w: not a DataV1 payload", ErrDecodeFailed)
	}
	p := payload[1:]
	d.Sequence = binary.LittleEndian.Uint32(p)
	p = p[4:]
	d.CRC32 = binary.LittleEndian.Uint32(p)
	p = p[4:]
	d.Compressed = p[0] != 0
	p = p[1:]

	bytes, _, err := takeBytes32(p)
	if err != nil {
		return d, err
	}
	d.Bytes = bytes
	return d, nil
}

// DecodeErrV1 decodes an ErrV1 payload.
func DecodeErrV1(payload []byte) (ErrV1, error) {
	var e ErrV1
	if len(payload) < 3 || payload[0] != TagErr {
		return e, fmt.Errorf("%w: not an ErrV1 payload", ErrDecodeFailed)
	}
	p := payload[1:]
	e.Code = binary.LittleEndian.Uint16(p)
	p = p[2:]
	msg, _, err := takeString(p)
	if err != nil {
		return e, err
	}
	e.Msg = msg
	return e, nil
}

// DecodeHealthPingV1 decodes a HealthPingV1 payload.
func DecodeHealthPingV1(payload []byte) (HealthPingV1, error) {
	if len(payload) < 1 || payload[0] != TagHealthPing {
		return HealthPingV1{}, fmt.Errorf("%w: not a HealthPingV1 payload", ErrDecodeFailed)
	}
	return HealthPingV1{}, nil
}

// DecodeHealthPongV1 decodes a HealthPongV1 payload.
func DecodeHealthPongV1(payload []byte) (HealthPongV1, error) {
	var v HealthPongV1
	if len(payload) < 1+1+8+2 || payload[0] != TagHealthPong {
		return v, fmt.Errorf("%w: not a HealthPongV1 payload", ErrDecodeFailed)
	}
	p := payload[1:]
	v.OK = p[0] != 0
	p = p[1:]
	v.DiskFreeBytes = binary.LittleEndian.Uint64(p)
	p = p[8:]
	msg, _, err := takeString(p)
	if err != nil {
		return v, err
	}
	v.Message = msg
	return v, nil
}

// Tag returns the message tag for a frame payload, or an error if it is empty.
func Tag(payload []byte) (byte, error) {
	if len(payload) < 1 {
		return 0, fmt.Errorf("%w: empty payload", ErrDecodeFailed)
	}
	return payload[0], nil
}
