package transport

import (
	"bytes"
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/SoumyaRanjanPatnaik/tcp-sendfile/internal/protocol"
	"github.com/SoumyaRanjanPatnaik/tcp-sendfile/internal/txerr"
)

func sendRawHello(conn net.Conn, name string, length uint64, blockSize uint32, concurrency uint8) error {
	hello := protocol.HelloV1{Name: name, Length: length, BlockSize: blockSize, Concurrency: concurrency}
	return protocol.WriteFrame(conn, protocol.EncodeHelloV1(hello))
}

// testListeners opens both Receiver listeners on ephemeral ports and
// returns their dial-back addresses.
func testListeners(t *testing.T) (controlLn, dataLn net.Listener, controlAddr, dataAddr string) {
	t.Helper()
	var err error
	controlLn, err = net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen control: %v", err)
	}
	dataLn, err = net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen data: %v", err)
	}
	return controlLn, dataLn, controlLn.Addr().String(), dataLn.Addr().String()
}

func runTransfer(t *testing.T, srcPath, dstDir string, blockSize uint32, concurrency uint8) (*ReceiverResult, *SenderResult, error) {
	t.Helper()
	controlLn, dataLn, controlAddr, dataAddr := testListeners(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	recvResultCh := make(chan *ReceiverResult, 1)
	recvErrCh := make(chan error, 1)
	go func() {
		result, err := Serve(ctx, controlLn, dataLn, ReceiverConfig{
			OutputPath:  dstDir,
			Concurrency: concurrency,
		})
		recvResultCh <- result
		recvErrCh <- err
	}()

	sendResult, sendErr := Run(ctx, SenderConfig{
		FilePath:    srcPath,
		ControlAddr: controlAddr,
		DataAddr:    dataAddr,
		BlockSize:   blockSize,
		Concurrency: concurrency,
	})

	recvResult := <-recvResultCh
	recvErr := <-recvErrCh

	if sendErr != nil {
		return recvResult, sendResult, sendErr
	}
	return recvResult, sendResult, recvErr
}

func writeSourceFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

// Seed scenario 1: 0-byte file.
func TestTransferEmptyFile(t *testing.T) {
	srcDir, dstDir := t.TempDir(), t.TempDir()
	srcPath := writeSourceFile(t, srcDir, "empty.bin", nil)

	recvResult, sendResult, err := runTransfer(t, srcPath, dstDir, 1<<20, 2)
	if err != nil {
		t.Fatalf("transfer failed: %v", err)
	}
	if sendResult.BlocksServed != 0 {
		t.Errorf("expected 0 blocks served, got %d", sendResult.BlocksServed)
	}
	info, err := os.Stat(recvResult.FinalPath)
	if err != nil {
		t.Fatalf("stat final file: %v", err)
	}
	if info.Size() != 0 {
		t.Errorf("expected empty output file, got %d bytes", info.Size())
	}
}

// Seed scenario 2: a 1 MiB file of compressible bytes, single block,
// four connections — output must be byte-identical.
func TestTransferSingleBlockCompressible(t *testing.T) {
	srcDir, dstDir := t.TempDir(), t.TempDir()
	data := bytes.Repeat([]byte{0xAA}, 1<<20)
	srcPath := writeSourceFile(t, srcDir, "uniform.bin", data)

	recvResult, sendResult, err := runTransfer(t, srcPath, dstDir, 1<<20, 4)
	if err != nil {
		t.Fatalf("transfer failed: %v", err)
	}
	if sendResult.BlocksServed != 1 {
		t.Errorf("expected exactly 1 block served, got %d", sendResult.BlocksServed)
	}
	got, err := os.ReadFile(recvResult.FinalPath)
	if err != nil {
		t.Fatalf("reading output: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Error("output file is not byte-identical to source")
	}
}

// Round-trip law: sending a file then receiving it to a fresh path yields
// a byte-identical file, for a non-trivial multi-block, multi-worker case.
func TestTransferMultiBlockByteIdentical(t *testing.T) {
	srcDir, dstDir := t.TempDir(), t.TempDir()
	data := make([]byte, 10<<20+37) // not an exact multiple of block size
	for i := range data {
		data[i] = byte(i * 7 % 251)
	}
	srcPath := writeSourceFile(t, srcDir, "mixed.bin", data)

	recvResult, _, err := runTransfer(t, srcPath, dstDir, 1<<20, 4)
	if err != nil {
		t.Fatalf("transfer failed: %v", err)
	}
	got, err := os.ReadFile(recvResult.FinalPath)
	if err != nil {
		t.Fatalf("reading output: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Error("output file is not byte-identical to source")
	}
}

// A HealthPingV1 must get a HealthPongV1 back and must not interfere with
// the single-active-transfer rule (it isn't a transfer handshake at all).
func TestPingReturnsHealth(t *testing.T) {
	controlLn, dataLn, controlAddr, _ := testListeners(t)
	dstDir := t.TempDir()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	serveDone := make(chan struct{})
	go func() {
		Serve(ctx, controlLn, dataLn, ReceiverConfig{OutputPath: dstDir, Concurrency: 2})
		close(serveDone)
	}()

	pong, err := Ping(ctx, controlAddr)
	if err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if !pong.OK {
		t.Errorf("expected OK health, got %+v", pong)
	}

	cancel()
	<-serveDone
}

// A rate limit on the Sender must not change the transfer's outcome, only
// its pacing: the received file is still byte-identical.
func TestTransferWithRateLimitStillByteIdentical(t *testing.T) {
	srcDir, dstDir := t.TempDir(), t.TempDir()
	data := bytes.Repeat([]byte("throttled-bytes-"), 1<<16) // ~1MiB, multi-block at 256KiB
	srcPath := writeSourceFile(t, srcDir, "throttled.bin", data)

	controlLn, dataLn, controlAddr, dataAddr := testListeners(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	recvResultCh := make(chan *ReceiverResult, 1)
	recvErrCh := make(chan error, 1)
	go func() {
		result, err := Serve(ctx, controlLn, dataLn, ReceiverConfig{OutputPath: dstDir, Concurrency: 2})
		recvResultCh <- result
		recvErrCh <- err
	}()

	_, sendErr := Run(ctx, SenderConfig{
		FilePath:             srcPath,
		ControlAddr:          controlAddr,
		DataAddr:             dataAddr,
		BlockSize:            1 << 18,
		Concurrency:          2,
		RateLimitBytesPerSec: 4 << 20, // generous enough not to blow the test timeout
	})
	recvResult := <-recvResultCh
	recvErr := <-recvErrCh
	if sendErr != nil {
		t.Fatalf("send failed: %v", sendErr)
	}
	if recvErr != nil {
		t.Fatalf("receive failed: %v", recvErr)
	}

	got, err := os.ReadFile(recvResult.FinalPath)
	if err != nil {
		t.Fatalf("reading output: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Error("output file is not byte-identical to source under a rate limit")
	}
}

// HelloV1.Name of ".." carries no path separator (plan.Validate only
// rejects "/" and "\\"), so it reaches sink.Resolve's traversal check when
// joined onto a destination directory — must still be rejected, with no
// file created outside the destination directory.
func TestTransferRejectsPathTraversalName(t *testing.T) {
	controlLn, dataLn, controlAddr, dataAddr := testListeners(t)
	dstDir := t.TempDir()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	recvErrCh := make(chan error, 1)
	go func() {
		_, err := Serve(ctx, controlLn, dataLn, ReceiverConfig{OutputPath: dstDir, Concurrency: 2})
		recvErrCh <- err
	}()

	conn, err := net.Dial("tcp", controlAddr)
	if err != nil {
		t.Fatalf("dial control: %v", err)
	}
	defer conn.Close()
	_ = dataAddr

	if err := sendRawHello(conn, "..", 1024, 1<<20, 1); err != nil {
		t.Fatalf("sending HelloV1: %v", err)
	}

	recvErr := <-recvErrCh
	if recvErr == nil {
		t.Fatal("expected Receiver to reject a path-traversal name")
	}
	if !errors.Is(recvErr, txerr.ErrPolicy) {
		t.Errorf("expected ErrPolicy, got %v", recvErr)
	}
	entries, err := os.ReadDir(dstDir)
	if err != nil {
		t.Fatalf("reading destination dir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected no files created in %s, found %v", dstDir, entries)
	}
}

// Seed scenario 6: HelloV1.Length over the policy limit is rejected at
// handshake time with a Policy error and no Sink File side effects.
func TestTransferRejectsOversizeLength(t *testing.T) {
	controlLn, dataLn, controlAddr, dataAddr := testListeners(t)
	dstDir := t.TempDir()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	recvErrCh := make(chan error, 1)
	go func() {
		_, err := Serve(ctx, controlLn, dataLn, ReceiverConfig{OutputPath: dstDir, Concurrency: 2})
		recvErrCh <- err
	}()

	conn, err := net.Dial("tcp", controlAddr)
	if err != nil {
		t.Fatalf("dial control: %v", err)
	}
	defer conn.Close()

	_ = dataAddr
	// Send a HelloV1 with an over-limit length directly, bypassing
	// plan.New's own validation, to exercise the Receiver's handshake-time
	// rejection path specifically.
	if err := sendRawHello(conn, "oversize.bin", 17<<30, 1<<20, 2); err != nil {
		t.Fatalf("sending oversize HelloV1: %v", err)
	}

	recvErr := <-recvErrCh
	if recvErr == nil {
		t.Fatal("expected Receiver to reject oversize length")
	}
	if !errors.Is(recvErr, txerr.ErrPolicy) {
		t.Errorf("expected ErrPolicy, got %v", recvErr)
	}
	if _, err := os.Stat(filepath.Join(dstDir, "oversize.bin")); !os.IsNotExist(err) {
		t.Error("expected no side effects from a rejected handshake")
	}
}
