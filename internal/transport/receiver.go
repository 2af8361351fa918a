package transport

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/SoumyaRanjanPatnaik/tcp-sendfile/internal/bitmap"
	"github.com/SoumyaRanjanPatnaik/tcp-sendfile/internal/integrity"
	"github.com/SoumyaRanjanPatnaik/tcp-sendfile/internal/plan"
	"github.com/SoumyaRanjanPatnaik/tcp-sendfile/internal/protocol"
	"github.com/SoumyaRanjanPatnaik/tcp-sendfile/internal/scheduler"
	"github.com/SoumyaRanjanPatnaik/tcp-sendfile/internal/sink"
	"github.com/SoumyaRanjanPatnaik/tcp-sendfile/internal/txerr"
)

// ReceiverConfig parameterizes one inbound transfer (§6's `receive` CLI verb).
type ReceiverConfig struct {
	OutputPath  string
	ControlAddr string // host:controlPort to listen on
	DataAddr    string // host:dataPort to listen on
	Concurrency uint8
	Logger      *slog.Logger

	// Progress, if non-nil, is called after every durably written block.
	Progress func(bytesReceived, blocksReceived uint64)

	// ResumeVerifyFraction overrides scheduler.DefaultResumeVerifyFraction
	// (<=0 means use the default). LeaseDeadline overrides
	// scheduler.DefaultLeaseDeadline (<=0 means use the default).
	ResumeVerifyFraction float64
	LeaseDeadline        time.Duration
}

// ReceiverResult reports the outcome of one completed transfer.
type ReceiverResult struct {
	FinalPath string
	Plan      *plan.Plan
}

// Run listens on ControlAddr and DataAddr, accepts exactly one transfer at
// a time (§4.2), and drives it to completion or fatal error.
func Run(ctx context.Context, cfg ReceiverConfig) (*ReceiverResult, error) {
	controlLn, err := net.Listen("tcp", cfg.ControlAddr)
	if err != nil {
		return nil, txerr.New(txerr.KindTransport, false, "listening on control port", err)
	}
	defer controlLn.Close()

	dataLn, err := net.Listen("tcp", cfg.DataAddr)
	if err != nil {
		return nil, txerr.New(txerr.KindTransport, false, "listening on data port", err)
	}
	defer dataLn.Close()

	return Serve(ctx, controlLn, dataLn, cfg)
}

// Serve runs the Receiver's accept loop against already-open listeners.
// Split out from Run so tests (and callers that want ephemeral ports) can
// listen on ":0", read back the chosen address, then hand the listener
// here.
func Serve(ctx context.Context, controlLn, dataLn net.Listener, cfg ReceiverConfig) (*ReceiverResult, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var busy atomic.Bool

	for {
		conn, err := acceptWithContext(ctx, controlLn)
		if err != nil {
			return nil, txerr.New(txerr.KindTransport, false, "accepting control connection", err)
		}

		// A HealthPingV1 is answered and the connection closed before the
		// single-active-transfer check of §4.2. Control connections are only
		// accepted here, between transfers: serveOneTransfer runs on this
		// goroutine, so a ping sent during a transfer is not answered.
		conn.SetReadDeadline(time.Now().Add(ioTimeout))
		br := bufio.NewReader(conn)
		frame, err := protocol.ReadFrame(br)
		if err != nil {
			conn.Close()
			continue
		}
		tag, err := protocol.Tag(frame.Payload)
		if err != nil {
			conn.Close()
			continue
		}
		if tag == protocol.TagHealthPing {
			respondHealth(conn, cfg.OutputPath)
			conn.Close()
			continue
		}
		if tag != protocol.TagHello {
			sendHandshakeErr(conn, protocol.ErrV1{Code: protocol.ErrCodeLengthPolicy, Msg: "expected HelloV1"})
			conn.Close()
			continue
		}
		hello, err := protocol.DecodeHelloV1(frame.Payload)
		if err != nil {
			conn.Close()
			continue
		}

		if !busy.CompareAndSwap(false, true) {
			rejectBusy(conn)
			conn.Close()
			continue
		}

		result, err := serveOneTransfer(ctx, conn, hello, dataLn, cfg, logger)
		busy.Store(false)
		return result, err
	}
}

// respondHealth answers a HealthPingV1 with the Receiver's current
// disk-free status at OutputPath (§2 of SPEC_FULL.md's supplemented
// features), without touching any in-progress transfer.
func respondHealth(conn net.Conn, outputPath string) {
	pong := protocol.HealthPongV1{OK: true}
	dir := outputPath
	if info, err := os.Stat(outputPath); err == nil && !info.IsDir() {
		dir = filepath.Dir(outputPath)
	}
	if free, err := sink.DiskFree(dir); err != nil {
		pong.OK = false
		pong.Message = err.Error()
	} else {
		pong.DiskFreeBytes = free
	}
	conn.SetWriteDeadline(time.Now().Add(ioTimeout))
	protocol.WriteFrame(conn, protocol.EncodeHealthPongV1(pong))
}

func acceptWithContext(ctx context.Context, ln net.Listener) (net.Conn, error) {
	type acceptResult struct {
		conn net.Conn
		err  error
	}
	ch := make(chan acceptResult, 1)
	go func() {
		conn, err := ln.Accept()
		ch <- acceptResult{conn, err}
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		return r.conn, r.err
	}
}

func rejectBusy(conn net.Conn) {
	conn.SetWriteDeadline(time.Now().Add(ioTimeout))
	protocol.WriteFrame(conn, protocol.EncodeErrV1(protocol.ErrV1{Code: protocol.ErrCodeBusy, Msg: "a transfer is already in progress"}))
}

// serveOneTransfer runs the handshake on conn, then the data phase, to
// completion.
func serveOneTransfer(ctx context.Context, controlConn net.Conn, hello protocol.HelloV1, dataLn net.Listener, cfg ReceiverConfig, logger *slog.Logger) (*ReceiverResult, error) {
	defer controlConn.Close()

	logger.Info("received HelloV1", "name", hello.Name, "length", hello.Length, "block_size", hello.BlockSize)

	var err error
	if err = plan.Validate(hello.Name, hello.Length, hello.BlockSize, hello.Concurrency); err != nil {
		sendHandshakeErr(controlConn, classifyPolicyErr(err))
		return nil, err
	}

	finalPath, err := sink.Resolve(cfg.OutputPath, hello.Name)
	if err != nil {
		sendHandshakeErr(controlConn, protocol.ErrV1{Code: protocol.ErrCodeBadName, Msg: err.Error()})
		return nil, err
	}

	concurrency := cfg.Concurrency
	if concurrency == 0 || concurrency > hello.Concurrency {
		concurrency = hello.Concurrency
	}

	tplan, err := plan.New(hello.Name, hello.Length, hello.Hash, hello.BlockSize, concurrency)
	if err != nil {
		sendHandshakeErr(controlConn, classifyPolicyErr(err))
		return nil, err
	}
	count := tplan.BlockCount()

	sinkFile, bm, sched, coord, err := prepareSinkAndScheduler(finalPath, tplan, count, cfg.ResumeVerifyFraction)
	if err != nil {
		return nil, err
	}
	if cfg.LeaseDeadline > 0 {
		sched.SetLeaseDeadline(cfg.LeaseDeadline)
	}

	ack := protocol.AckV1{AcceptedConcurrency: concurrency}
	if coord != nil {
		// Only a resumed .partial file has prior on-disk state to report.
		ack.ResumeBitmap = bm.Pack()
	}
	controlConn.SetWriteDeadline(time.Now().Add(ioTimeout))
	if err := protocol.WriteFrame(controlConn, protocol.EncodeAckV1(ack)); err != nil {
		sinkFile.Abort(false)
		return nil, txerr.New(txerr.KindTransport, true, "writing AckV1", err)
	}
	controlConn.Close() // exactly three messages, then close (§4.2)

	if count == 0 {
		return finishTransfer(sinkFile, bm, tplan, finalPath, hello.Hash, logger)
	}

	runDataPhase(ctx, dataLn, int(concurrency), sinkFile, bm, tplan, sched, coord, cfg.Progress, logger)

	if cancelled, reason := sched.Cancelled(); cancelled {
		sinkFile.Abort(false)
		return nil, reason
	}
	if !sched.Complete() {
		err := txerr.New(txerr.KindTransport, false, "data phase ended before bitmap was complete", nil)
		sinkFile.Abort(false)
		return nil, err
	}

	return finishTransfer(sinkFile, bm, tplan, finalPath, hello.Hash, logger)
}

func classifyPolicyErr(err error) protocol.ErrV1 {
	return protocol.ErrV1{Code: protocol.ErrCodeLengthPolicy, Msg: err.Error()}
}

func sendHandshakeErr(conn net.Conn, e protocol.ErrV1) {
	conn.SetWriteDeadline(time.Now().Add(ioTimeout))
	protocol.WriteFrame(conn, protocol.EncodeErrV1(e))
}

// prepareSinkAndScheduler opens (or creates) the Sink File, classifies any
// existing on-disk content per the resume design (SPEC_FULL.md §2), and
// builds the Bitmap and Scheduler accordingly.
func prepareSinkAndScheduler(finalPath string, tplan *plan.Plan, count uint32, verifyFraction float64) (*sink.File, *bitmap.Bitmap, *scheduler.Scheduler, *resumeCoordinator, error) {
	if resumed, ok, err := sink.OpenForResume(finalPath, tplan.Length); err == nil && ok {
		bm := bitmap.New(count)
		resumePlan, err := scheduler.ClassifyResume(count, verifyFraction, func(seq uint32) (bool, error) {
			start, end := tplan.BlockRange(seq)
			return resumed.RegionIsZero(int64(start), int(end-start))
		})
		if err != nil {
			resumed.Abort(false)
			return nil, nil, nil, nil, err
		}

		missing := make([]uint32, 0, count)
		provisionalSet := make(map[uint32]bool, len(resumePlan.Provisional))
		for _, seq := range resumePlan.Provisional {
			provisionalSet[seq] = true
		}
		for seq := uint32(0); seq < count; seq++ {
			if !provisionalSet[seq] {
				missing = append(missing, seq)
			}
		}

		sampleSet := make(map[uint32]bool, len(resumePlan.Sample))
		for _, seq := range resumePlan.Sample {
			sampleSet[seq] = true
		}
		nonSample := make([]uint32, 0, len(resumePlan.Provisional))
		for _, seq := range resumePlan.Provisional {
			if !sampleSet[seq] {
				nonSample = append(nonSample, seq)
			}
		}

		initialPending := append(append([]uint32(nil), missing...), resumePlan.Sample...)
		sched := scheduler.New(bm, initialPending)
		coord := &resumeCoordinator{
			sampleSet:           sampleSet,
			remaining:           len(sampleSet),
			allMatched:          true,
			nonSampleProvisional: nonSample,
			sched:               sched,
			bitmap:              bm,
		}
		if coord.remaining == 0 {
			coord.resolve()
		}
		return resumed, bm, sched, coord, nil
	} else if err != nil {
		return nil, nil, nil, nil, err
	}

	f, err := sink.Create(finalPath, tplan.Length)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	bm := bitmap.New(count)
	all := make([]uint32, count)
	for i := range all {
		all[i] = uint32(i)
	}
	sched := scheduler.New(bm, all)
	return f, bm, sched, nil, nil
}

// resumeCoordinator tracks the in-flight sample-verification pass over
// provisional blocks (SPEC_FULL.md §2) and, once every sampled block has
// reported in, promotes or discards the rest of the provisional set.
type resumeCoordinator struct {
	mu                   sync.Mutex
	sampleSet            map[uint32]bool
	remaining            int
	allMatched           bool
	nonSampleProvisional []uint32
	sched                *scheduler.Scheduler
	bitmap               *bitmap.Bitmap
}

func (c *resumeCoordinator) isSample(seq uint32) bool {
	if c == nil {
		return false
	}
	return c.sampleSet[seq]
}

// reportSampleOutcome records whether the fetched bytes for a sampled
// block matched what was already on disk. Once every sampled block has
// reported, the remaining provisional blocks are either trusted outright
// (bitmap bit set, never requested) or pushed onto the Scheduler as
// ordinary pending blocks, per the all-or-nothing rule in SPEC_FULL.md §2.
func (c *resumeCoordinator) reportSampleOutcome(matched bool) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !matched {
		c.allMatched = false
	}
	c.remaining--
	if c.remaining == 0 {
		c.resolve()
	}
}

// resolve must be called with mu held (or before any worker can observe a
// partially-initialized coordinator).
func (c *resumeCoordinator) resolve() {
	if c.allMatched {
		for _, seq := range c.nonSampleProvisional {
			c.bitmap.SetIfClear(seq)
		}
	} else {
		for _, seq := range c.nonSampleProvisional {
			c.sched.AddPending(seq)
		}
	}
}

// runDataPhase accepts data connections and spawns a receiverWorker for
// each, until the Scheduler reports completion or a fatal error.
func runDataPhase(ctx context.Context, dataLn net.Listener, concurrency int, sinkFile *sink.File, bm *bitmap.Bitmap, tplan *plan.Plan, sched *scheduler.Scheduler, coord *resumeCoordinator, progress func(uint64, uint64), logger *slog.Logger) {
	var wg sync.WaitGroup
	var bytesDone, blocksDone atomic.Uint64

	for i := 0; i < concurrency; i++ {
		conn, err := acceptWithContext(ctx, dataLn)
		if err != nil {
			sched.Cancel(txerr.New(txerr.KindTransport, false, "accepting data connection", err))
			break
		}
		wg.Add(1)
		go func(conn net.Conn, workerID int) {
			defer wg.Done()
			defer conn.Close()
			receiverWorker(ctx, conn, sinkFile, bm, tplan, sched, coord, &bytesDone, &blocksDone, progress, logger, workerID)
		}(conn, i)
	}
	wg.Wait()
}

// receiverWorker repeats: take a leased sequence, request it, verify and
// write it, report success or failure, until the Scheduler is done (§4.4).
func receiverWorker(ctx context.Context, conn net.Conn, sinkFile *sink.File, bm *bitmap.Bitmap, tplan *plan.Plan, sched *scheduler.Scheduler, coord *resumeCoordinator, bytesDone, blocksDone *atomic.Uint64, progress func(uint64, uint64), logger *slog.Logger, workerID int) {
	br := bufio.NewReader(conn)
	for {
		if ctx.Err() != nil {
			return
		}
		if sched.Complete() {
			return
		}
		if cancelled, _ := sched.Cancelled(); cancelled {
			return
		}

		seq, ok := sched.Take()
		if !ok {
			time.Sleep(10 * time.Millisecond)
			continue
		}

		if err := requestAndWriteBlock(conn, br, seq, sinkFile, tplan, coord); err != nil {
			logger.Warn("block attempt failed", "sequence", seq, "worker", workerID, "err", err)
			if !txerr.Retryable(err) {
				sched.Cancel(err)
				return
			}
			if failErr := sched.Fail(seq, err); failErr != nil {
				return
			}
			continue
		}

		// The block is on disk (requestAndWriteBlock only returns nil once
		// sinkFile.WriteAt has succeeded, or, for a resume-sample block,
		// once the bytes already on disk were read back and found equal):
		// set its bit before Success, per Success's write-then-set-bit
		// contract.
		bm.SetIfClear(seq)

		start, end := tplan.BlockRange(seq)
		bytesDone.Add(end - start)
		blocksDone.Add(1)
		if progress != nil {
			progress(bytesDone.Load(), blocksDone.Load())
		}
		sched.Success(seq)
	}
}

// requestAndWriteBlock performs one RequestV1/DataV1 round trip for seq
// and, on success, writes the verified bytes to the Sink File (or, for a
// resume-sample block, compares them against what is already there).
func requestAndWriteBlock(conn net.Conn, br *bufio.Reader, seq uint32, sinkFile *sink.File, tplan *plan.Plan, coord *resumeCoordinator) error {
	conn.SetWriteDeadline(time.Now().Add(ioTimeout))
	if err := protocol.WriteFrame(conn, protocol.EncodeRequestV1(protocol.RequestV1{Sequence: seq})); err != nil {
		return txerr.New(txerr.KindTransport, true, "writing RequestV1", err)
	}

	conn.SetReadDeadline(time.Now().Add(ioTimeout))
	frame, err := protocol.ReadFrame(br)
	if err != nil {
		return txerr.New(txerr.KindTransport, true, "reading response frame", err)
	}
	tag, err := protocol.Tag(frame.Payload)
	if err != nil {
		return txerr.New(txerr.KindProtocol, false, "empty response frame", err)
	}
	if tag == protocol.TagErr {
		e, _ := protocol.DecodeErrV1(frame.Payload)
		if e.Code == protocol.ErrCodeSourceChanged {
			return txerr.New(txerr.KindProtocol, false, "sender reports source changed", txerr.ErrSourceChanged)
		}
		return txerr.New(txerr.KindTransport, true, fmt.Sprintf("sender error: %s", e.Msg), nil)
	}
	if tag != protocol.TagData {
		return txerr.New(txerr.KindProtocol, false, "expected DataV1", nil)
	}
	data, err := protocol.DecodeDataV1(frame.Payload)
	if err != nil {
		return txerr.New(txerr.KindProtocol, false, "decoding DataV1", err)
	}
	if data.Sequence != seq {
		return txerr.New(txerr.KindTransport, true, "DataV1 sequence mismatch", nil)
	}
	if integrity.Block(data.Bytes) != data.CRC32 {
		return txerr.New(txerr.KindIntegrity, true, fmt.Sprintf("CRC32 mismatch on block %d", seq), nil)
	}

	start, end := tplan.BlockRange(seq)
	nominalLen := int(end - start)
	payload := data.Bytes
	if data.Compressed {
		payload, err = integrity.Decompress(payload, nominalLen)
		if err != nil {
			return txerr.New(txerr.KindIntegrity, true, fmt.Sprintf("decompressing block %d", seq), err)
		}
	}
	if len(payload) != nominalLen {
		return txerr.New(txerr.KindIntegrity, true, fmt.Sprintf("block %d length mismatch: got %d want %d", seq, len(payload), nominalLen), nil)
	}

	if coord.isSample(seq) {
		existing := make([]byte, nominalLen)
		if _, err := sinkFile.ReadAt(existing, int64(start)); err != nil {
			return txerr.New(txerr.KindResource, false, "reading existing sink bytes for sample verification", err)
		}
		matched := bytesEqual(existing, payload)
		coord.reportSampleOutcome(matched)
		if matched {
			sinkFile.WriteAt(payload, int64(start)) // idempotent: bytes already matched
			return nil
		}
		// fall through: bytes differ, (re)write the freshly fetched truth
	}

	if _, err := sinkFile.WriteAt(payload, int64(start)); err != nil {
		return txerr.New(txerr.KindResource, false, fmt.Sprintf("writing block %d to sink", seq), err)
	}
	return nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// finishTransfer runs §4.5's final verification: recompute the whole-file
// hash of the Sink File and compare to HelloV1.Hash before renaming.
func finishTransfer(sinkFile *sink.File, bm *bitmap.Bitmap, tplan *plan.Plan, finalPath string, expectedHash [32]byte, logger *slog.Logger) (*ReceiverResult, error) {
	digest, err := integrity.HashFile(sinkReaderAt{sinkFile}, tplan.Length, int(tplan.Concurrency))
	if err != nil {
		sinkFile.Abort(true)
		return nil, txerr.New(txerr.KindResource, false, "hashing sink file", err)
	}
	if digest != expectedHash {
		sinkFile.Abort(true)
		return nil, txerr.New(txerr.KindIntegrity, false, "whole-file hash mismatch", txerr.ErrHashMismatch)
	}
	if err := sinkFile.Commit(); err != nil {
		return nil, err
	}
	logger.Info("transfer complete", "path", finalPath, "length", tplan.Length)
	return &ReceiverResult{FinalPath: finalPath, Plan: tplan}, nil
}

type sinkReaderAt struct{ f *sink.File }

func (r sinkReaderAt) ReadAt(p []byte, off int64) (int, error) { return r.f.ReadAt(p, off) }
