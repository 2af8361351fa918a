package protocol

import (
	"bytes"
	"testing"
)

func TestHelloV1RoundTrip(t *testing.T) {
	want := HelloV1{
		Name:        "archive.tar",
		Length:      123456789,
		Hash:        [32]byte{1, 2, 3, 4, 5},
		BlockSize:   1 << 20,
		Concurrency: 4,
	}
	got, err := DecodeHelloV1(EncodeHelloV1(want))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != want {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestAckV1RoundTrip(t *testing.T) {
	cases := []AckV1{
		{ResumeBitmap: nil, AcceptedConcurrency: 4},
		{ResumeBitmap: []byte{0xff, 0x00, 0x0f}, AcceptedConcurrency: 8},
		{ResumeBitmap: []byte{}, AcceptedConcurrency: 1},
	}
	for _, want := range cases {
		got, err := DecodeAckV1(EncodeAckV1(want))
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if got.AcceptedConcurrency != want.AcceptedConcurrency {
			t.Errorf("concurrency: got %d, want %d", got.AcceptedConcurrency, want.AcceptedConcurrency)
		}
		if !bytes.Equal(got.ResumeBitmap, want.ResumeBitmap) {
			t.Errorf("bitmap: got %v, want %v", got.ResumeBitmap, want.ResumeBitmap)
		}
	}
}

func TestRequestV1RoundTrip(t *testing.T) {
	want := RequestV1{Sequence: 42}
	got, err := DecodeRequestV1(EncodeRequestV1(want))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != want {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestDataV1RoundTrip(t *testing.T) {
	want := DataV1{Sequence: 7, CRC32: 0xdeadbeef, Compressed: true, Bytes: []byte("hello block")}
	encoded := EncodeDataV1(want)
	got, err := DecodeDataV1(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Sequence != want.Sequence || got.CRC32 != want.CRC32 || got.Compressed != want.Compressed {
		t.Errorf("got %+v, want %+v", got, want)
	}
	if !bytes.Equal(got.Bytes, want.Bytes) {
		t.Errorf("bytes: got %q, want %q", got.Bytes, want.Bytes)
	}
}

func TestDataV1BytesAreBorrowed(t *testing.T) {
	encoded := EncodeDataV1(DataV1{Sequence: 1, Bytes: []byte("borrow me")})
	got, err := DecodeDataV1(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	// A decoded Bytes slice must alias the input buffer, not a copy.
	if len(got.Bytes) == 0 || &got.Bytes[0] != &encoded[len(encoded)-len(got.Bytes)] {
		t.Error("DataV1.Bytes does not borrow the frame payload buffer")
	}
}

func TestErrV1RoundTrip(t *testing.T) {
	want := ErrV1{Code: ErrCodeBusy, Msg: "transfer already in progress"}
	got, err := DecodeErrV1(EncodeErrV1(want))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != want {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestProbeRoundTrip(t *testing.T) {
	wantP := ProbeV1{Sequence: 3}
	gotP, err := DecodeProbeV1(EncodeProbeV1(wantP))
	if err != nil {
		t.Fatalf("decode probe: %v", err)
	}
	if gotP != wantP {
		t.Errorf("probe: got %+v, want %+v", gotP, wantP)
	}

	wantR := ProbeReplyV1{CompressedLen: 100, RawLen: 200}
	gotR, err := DecodeProbeReplyV1(EncodeProbeReplyV1(wantR))
	if err != nil {
		t.Fatalf("decode probe reply: %v", err)
	}
	if gotR != wantR {
		t.Errorf("probe reply: got %+v, want %+v", gotR, wantR)
	}
}

func TestDecodeRejectsWrongTag(t *testing.T) {
	payload := EncodeHelloV1(HelloV1{Name: "x"})
	if _, err := DecodeAckV1(payload); err == nil {
		t.Error("expected error decoding HelloV1 payload as AckV1")
	}
}

func TestDecodeRejectsTruncatedPayload(t *testing.T) {
	payload := EncodeDataV1(DataV1{Sequence: 1, Bytes: []byte("data")})
	for n := 0; n < len(payload); n++ {
		if _, err := DecodeDataV1(payload[:n]); err == nil {
			t.Errorf("expected error decoding truncated payload of length %d", n)
		}
	}
}
