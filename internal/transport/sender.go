// Package transport implements the Worker Transport (§4.4): the Sender's
// and Receiver's per-connection read/write loops, plus the control-channel
// handshake (§4.2) that establishes the shared Transfer Plan.
package transport

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/SoumyaRanjanPatnaik/tcp-sendfile/internal/integrity"
	"github.com/SoumyaRanjanPatnaik/tcp-sendfile/internal/plan"
	"github.com/SoumyaRanjanPatnaik/tcp-sendfile/internal/protocol"
	"github.com/SoumyaRanjanPatnaik/tcp-sendfile/internal/source"
	"github.com/SoumyaRanjanPatnaik/tcp-sendfile/internal/txerr"
)

// rateLimitBurst caps how many bytes a single WaitN reservation may ask
// for at once, so one oversized block doesn't starve the other workers
// sharing the limiter for a full burst window.
const rateLimitBurst = 256 * 1024

// ioTimeout is the per-operation read/write deadline (§5): 30s.
const ioTimeout = 30 * time.Second

// SenderConfig parameterizes one outbound transfer (§6's `send` CLI verb).
type SenderConfig struct {
	FilePath    string
	ControlAddr string // host:controlPort
	DataAddr    string // host:dataPort
	BlockSize   uint32
	Concurrency uint8
	HashWorkers int
	Logger      *slog.Logger

	// RateLimitBytesPerSec caps aggregate outbound throughput across every
	// data connection this Sender opens. Zero or negative disables the cap.
	RateLimitBytesPerSec int64
}

// SenderResult reports outcome counters useful to the CLI and to tests.
type SenderResult struct {
	BlocksServed int
	Plan         *plan.Plan
}

// Run drives the entire Sender side of one transfer: hash the Source File,
// perform the control handshake, then serve requests on Concurrency data
// connections until the Receiver closes them or ctx is cancelled.
func Run(ctx context.Context, cfg SenderConfig) (*SenderResult, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	src, err := source.Open(cfg.FilePath)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	name := filepath.Base(cfg.FilePath)
	length := uint64(src.Size())

	hashWorkers := cfg.HashWorkers
	if hashWorkers < 1 {
		hashWorkers = int(cfg.Concurrency)
	}
	logger.Info("hashing source file", "name", name, "length", length)
	digest, err := integrity.HashFile(readerAt{src}, length, hashWorkers)
	if err != nil {
		return nil, txerr.New(txerr.KindResource, false, "hashing source file", err)
	}

	tplan, err := plan.New(name, length, digest, cfg.BlockSize, cfg.Concurrency)
	if err != nil {
		return nil, err
	}

	ack, err := handshakeAsSender(ctx, cfg.ControlAddr, *tplan, logger)
	if err != nil {
		return nil, err
	}
	concurrency := ack.AcceptedConcurrency
	if concurrency == 0 || concurrency > cfg.Concurrency {
		concurrency = cfg.Concurrency
	}

	session := newSenderSession(src, tplan)

	var limiter *rate.Limiter
	if cfg.RateLimitBytesPerSec > 0 {
		burst := int(cfg.RateLimitBytesPerSec)
		if burst > rateLimitBurst {
			burst = rateLimitBurst
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitBytesPerSec), burst)
		logger.Info("rate limit enabled", "bytes_per_sec", cfg.RateLimitBytesPerSec)
	}

	var wg sync.WaitGroup
	errs := make(chan error, concurrency)
	var served atomic.Int64
	for i := 0; i < int(concurrency); i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			n, err := senderWorker(ctx, cfg.DataAddr, session, limiter, logger, workerID)
			served.Add(int64(n))
			if err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	var firstErr error
	for e := range errs {
		if firstErr == nil {
			firstErr = e
		}
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return &SenderResult{BlocksServed: int(served.Load()), Plan: tplan}, nil
}

// handshakeAsSender performs the three-message control handshake (§4.2)
// and closes the connection immediately afterward.
func handshakeAsSender(ctx context.Context, addr string, p plan.Plan, logger *slog.Logger) (protocol.AckV1, error) {
	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return protocol.AckV1{}, txerr.New(txerr.KindTransport, false, "dialing control port", err)
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(ioTimeout))
	hello := protocol.HelloV1{
		Name:        p.Name,
		Length:      p.Length,
		Hash:        p.Hash,
		BlockSize:   p.BlockSize,
		Concurrency: p.Concurrency,
	}
	if err := protocol.WriteFrame(conn, protocol.EncodeHelloV1(hello)); err != nil {
		return protocol.AckV1{}, txerr.New(txerr.KindTransport, true, "writing HelloV1", err)
	}
	logger.Info("sent HelloV1", "name", p.Name, "length", p.Length, "block_size", p.BlockSize)

	br := bufio.NewReader(conn)
	frame, err := protocol.ReadFrame(br)
	if err != nil {
		return protocol.AckV1{}, txerr.New(txerr.KindTransport, true, "reading handshake reply", err)
	}
	tag, err := protocol.Tag(frame.Payload)
	if err != nil {
		return protocol.AckV1{}, txerr.New(txerr.KindProtocol, false, "empty handshake reply", err)
	}
	switch tag {
	case protocol.TagAck:
		ack, err := protocol.DecodeAckV1(frame.Payload)
		if err != nil {
			return protocol.AckV1{}, txerr.New(txerr.KindProtocol, false, "decoding AckV1", err)
		}
		return ack, nil
	case protocol.TagErr:
		e, err := protocol.DecodeErrV1(frame.Payload)
		if err != nil {
			return protocol.AckV1{}, txerr.New(txerr.KindProtocol, false, "decoding ErrV1", err)
		}
		if e.Code == protocol.ErrCodeBusy {
			return protocol.AckV1{}, txerr.New(txerr.KindTransport, true, "receiver busy", txerr.ErrBusy)
		}
		return protocol.AckV1{}, txerr.New(txerr.KindProtocol, false, fmt.Sprintf("receiver rejected handshake: %s", e.Msg), nil)
	default:
		return protocol.AckV1{}, txerr.New(txerr.KindProtocol, false, "unexpected message in handshake reply", nil)
	}
}

// senderSession is the state shared by every Sender worker for one
// transfer: the Source File, the Plan, and the once-decided compression
// disposition (§4.5, §9: decided from block 0 before data workers open).
type senderSession struct {
	src  *source.File
	plan *plan.Plan

	compressOnce sync.Once
	compressOn   bool
	block0       []byte // raw bytes of block 0, read once for the probe
	block0Ready  chan struct{}
}

func newSenderSession(src *source.File, p *plan.Plan) *senderSession {
	s := &senderSession{src: src, plan: p, block0Ready: make(chan struct{})}
	s.compressOnce.Do(func() {
		go s.runProbe()
	})
	return s
}

// runProbe reads block 0 and decides the session's compression
// disposition before any data worker can have served a request — this is
// the "before opening data workers" ordering §4.5 requires, and it caches
// block 0's bytes so the first real RequestV1{0} doesn't re-read the file
// (the round trip §9 says this design saves).
func (s *senderSession) runProbe() {
	defer close(s.block0Ready)
	if s.plan.BlockCount() == 0 {
		s.compressOn = false
		return
	}
	start, end := s.plan.BlockRange(0)
	buf := make([]byte, end-start)
	if _, err := s.src.ReadAt(buf, int64(start)); err != nil {
		s.compressOn = false
		return
	}
	result, err := integrity.Probe(buf)
	if err != nil {
		s.compressOn = false
		s.block0 = buf
		return
	}
	s.compressOn = result.Enabled
	if result.Enabled {
		s.block0 = result.Compressed
	} else {
		s.block0 = buf
	}
}

// serveBlock returns the bytes to transmit for sequence (compressed if the
// session disposition says so) and whether they are compressed.
func (s *senderSession) serveBlock(sequence uint32) (out []byte, compressed bool, err error) {
	<-s.block0Ready
	if sequence == 0 {
		return s.block0, s.compressOn, nil
	}
	start, end := s.plan.BlockRange(sequence)
	raw := make([]byte, end-start)
	if _, err := s.src.ReadAt(raw, int64(start)); err != nil {
		return nil, false, txerr.New(txerr.KindTransport, true, fmt.Sprintf("reading block %d from source", sequence), err)
	}
	if !s.compressOn {
		return raw, false, nil
	}
	compressed2, err := integrity.Compress(raw)
	if err != nil {
		return nil, false, txerr.New(txerr.KindTransport, true, fmt.Sprintf("compressing block %d", sequence), err)
	}
	return compressed2, true, nil
}

// senderWorker dials one data connection and answers RequestV1 messages
// until the Receiver closes it, ctx is cancelled, or a fatal error occurs.
// A Sender worker is stateless across blocks (§4.4): any connection can
// serve any block.
func senderWorker(ctx context.Context, dataAddr string, session *senderSession, limiter *rate.Limiter, logger *slog.Logger, workerID int) (served int, err error) {
	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", dataAddr)
	if err != nil {
		return 0, txerr.New(txerr.KindTransport, true, "dialing data port", err)
	}
	defer conn.Close()

	br := bufio.NewReader(conn)
	for {
		if ctx.Err() != nil {
			return served, nil
		}
		if err := session.src.CheckUnchanged(); err != nil {
			logger.Warn("source file changed", "worker", workerID, "err", err)
			conn.SetWriteDeadline(time.Now().Add(ioTimeout))
			protocol.WriteFrame(conn, protocol.EncodeErrV1(protocol.ErrV1{Code: protocol.ErrCodeSourceChanged, Msg: err.Error()}))
			return served, err
		}

		conn.SetDeadline(time.Now().Add(ioTimeout))
		frame, err := protocol.ReadFrame(br)
		if err != nil {
			// Receiver closing the connection at end-of-transfer looks
			// like a read error here; that is the normal shutdown path.
			return served, nil
		}
		tag, err := protocol.Tag(frame.Payload)
		if err != nil {
			continue
		}
		if tag != protocol.TagRequest {
			continue
		}
		req, err := protocol.DecodeRequestV1(frame.Payload)
		if err != nil {
			continue
		}
		if err := session.src.CheckUnchanged(); err != nil {
			logger.Warn("source file changed", "sequence", req.Sequence, "worker", workerID, "err", err)
			protocol.WriteFrame(conn, protocol.EncodeErrV1(protocol.ErrV1{Code: protocol.ErrCodeSourceChanged, Msg: err.Error()}))
			return served, err
		}

		bytes, compressed, err := session.serveBlock(req.Sequence)
		if err != nil {
			logger.Warn("failed to serve block", "sequence", req.Sequence, "worker", workerID, "err", err)
			errMsg := protocol.ErrV1{Code: protocol.ErrCodeSourceChanged, Msg: err.Error()}
			protocol.WriteFrame(conn, protocol.EncodeErrV1(errMsg))
			if kind, ok := txerr.KindOf(err); ok && kind == txerr.KindProtocol {
				return served, err
			}
			continue
		}
		crc := integrity.Block(bytes)
		data := protocol.DataV1{Sequence: req.Sequence, CRC32: crc, Compressed: compressed, Bytes: bytes}
		if err := waitRateLimit(ctx, limiter, len(bytes)); err != nil {
			return served, txerr.New(txerr.KindTransport, true, "rate limit wait cancelled", err)
		}
		conn.SetDeadline(time.Now().Add(ioTimeout))
		if err := protocol.WriteFrame(conn, protocol.EncodeDataV1(data)); err != nil {
			return served, txerr.New(txerr.KindTransport, true, "writing DataV1", err)
		}
		served++
	}
}

// waitRateLimit blocks until the limiter has released n bytes' worth of
// tokens, split into burst-sized reservations the way the teacher's
// ThrottledWriter chunks large writes. A nil limiter is a no-op bypass.
func waitRateLimit(ctx context.Context, limiter *rate.Limiter, n int) error {
	if limiter == nil {
		return nil
	}
	for n > 0 {
		chunk := n
		if chunk > limiter.Burst() {
			chunk = limiter.Burst()
		}
		if err := limiter.WaitN(ctx, chunk); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}

// Ping sends a HealthPingV1 to a Receiver's control port and returns its
// health without starting a transfer. It opens its own short-lived
// connection, independent of any active transfer (§2 of SPEC_FULL.md's
// supplemented features).
func Ping(ctx context.Context, controlAddr string) (protocol.HealthPongV1, error) {
	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", controlAddr)
	if err != nil {
		return protocol.HealthPongV1{}, txerr.New(txerr.KindTransport, false, "dialing control port", err)
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(ioTimeout))
	if err := protocol.WriteFrame(conn, protocol.EncodeHealthPingV1(protocol.HealthPingV1{})); err != nil {
		return protocol.HealthPongV1{}, txerr.New(txerr.KindTransport, true, "writing HealthPingV1", err)
	}

	br := bufio.NewReader(conn)
	frame, err := protocol.ReadFrame(br)
	if err != nil {
		return protocol.HealthPongV1{}, txerr.New(txerr.KindTransport, true, "reading HealthPongV1", err)
	}
	pong, err := protocol.DecodeHealthPongV1(frame.Payload)
	if err != nil {
		return protocol.HealthPongV1{}, txerr.New(txerr.KindProtocol, false, "decoding HealthPongV1", err)
	}
	return pong, nil
}

// readerAt adapts *source.File to io.ReaderAt for integrity.HashFile.
type readerAt struct{ f *source.File }

func (r readerAt) ReadAt(p []byte, off int64) (int, error) { return r.f.ReadAt(p, off) }
