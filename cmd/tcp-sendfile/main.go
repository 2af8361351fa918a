package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/SoumyaRanjanPatnaik/tcp-sendfile/internal/config"
	"github.com/SoumyaRanjanPatnaik/tcp-sendfile/internal/logging"
	"github.com/SoumyaRanjanPatnaik/tcp-sendfile/internal/plan"
	"github.com/SoumyaRanjanPatnaik/tcp-sendfile/internal/progress"
	"github.com/SoumyaRanjanPatnaik/tcp-sendfile/internal/transport"
	"github.com/SoumyaRanjanPatnaik/tcp-sendfile/internal/txerr"
)

const (
	defaultControlPort = 7878
	defaultDataPort    = 7879
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "send":
		os.Exit(runSend(os.Args[2:]))
	case "receive":
		os.Exit(runReceive(os.Args[2:]))
	case "ping":
		os.Exit(runPing(os.Args[2:]))
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  tcp-sendfile send <FILE> <HOST> [--block-size N] [--concurrency N] [--every CRON] [--rate-limit N] [--session-log-dir DIR]")
	fmt.Fprintln(os.Stderr, "  tcp-sendfile receive <PATH> [--concurrency N] [--session-log-dir DIR]")
	fmt.Fprintln(os.Stderr, "  tcp-sendfile ping <HOST>")
}

// flagSet reports whether name was explicitly passed on the command line,
// so a loaded EngineConfig can supply a default without ever overriding a
// flag the caller actually set (§0 of SPEC_FULL.md: flags always win).
func flagSet(fs *flag.FlagSet, name string) bool {
	found := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			found = true
		}
	})
	return found
}

// sessionID names one send/receive invocation for the session log file
// (§6's CLI entrypoint, not a wire value): the base name of whatever's
// being transferred plus the process start time, so repeated runs over
// the same file or directory don't collide.
func sessionID(label string) string {
	return fmt.Sprintf("%s-%d", filepath.Base(label), time.Now().UnixNano())
}

// runPing sends a HealthPingV1 to a Receiver's control port and prints its
// disk-free health, without starting a transfer.
func runPing(args []string) int {
	fs := flag.NewFlagSet("ping", flag.ContinueOnError)
	configPath := fs.String("config", "", "optional engine config file")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() < 1 {
		usage()
		return 1
	}
	host := fs.Arg(0)

	cfg, err := loadOverlay(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		return 1
	}
	controlPort := defaultControlPort
	if cfg != nil {
		controlPort = cfg.Network.ControlPort
	}

	pong, err := transport.Ping(context.Background(), fmt.Sprintf("%s:%d", host, controlPort))
	if err != nil {
		fmt.Fprintf(os.Stderr, "ping failed: %v\n", err)
		return txerr.ExitCode(err)
	}
	if !pong.OK {
		fmt.Fprintf(os.Stderr, "receiver unhealthy: %s\n", pong.Message)
		return 5
	}
	fmt.Printf("ok, disk free: %d bytes\n", pong.DiskFreeBytes)
	return 0
}

func runSend(args []string) int {
	fs := flag.NewFlagSet("send", flag.ContinueOnError)
	blockSize := fs.String("block-size", "1mb", "block size, e.g. 1mb, 4mb")
	concurrency := fs.Int("concurrency", 4, "number of data connections")
	every := fs.String("every", "", "optional cron expression to repeat the send on a schedule")
	configPath := fs.String("config", "", "optional engine config file")
	logLevel := fs.String("log-level", "info", "log level: debug, info, warn, error")
	logFormat := fs.String("log-format", "text", "log format: text, json")
	rateLimit := fs.String("rate-limit", "", "optional cap on aggregate outbound throughput, e.g. 10mb")
	sessionLogDir := fs.String("session-log-dir", "", "optional directory for a per-send DEBUG log file")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() < 2 {
		usage()
		return 1
	}
	filePath := fs.Arg(0)
	host := fs.Arg(1)

	cfg, err := loadOverlay(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		return 1
	}

	resolvedBlockSize := *blockSize
	resolvedConcurrency := *concurrency
	if cfg != nil {
		if !flagSet(fs, "block-size") {
			resolvedBlockSize = cfg.Block.Size
		}
		if !flagSet(fs, "concurrency") {
			resolvedConcurrency = int(cfg.Block.Concurrency)
		}
	}

	blockSizeBytes, err := config.ParseByteSize(resolvedBlockSize)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid --block-size: %v\n", err)
		return 1
	}
	if blockSizeBytes <= 0 || blockSizeBytes > plan.MaxBlockSize {
		blockSizeBytes = int64(plan.DefaultBlockSize)
	}

	controlPort, dataPort := defaultControlPort, defaultDataPort
	if cfg != nil {
		controlPort, dataPort = cfg.Network.ControlPort, cfg.Network.DataPort
	}

	var rateLimitBytesPerSec int64
	if *rateLimit != "" {
		rateLimitBytesPerSec, err = config.ParseByteSize(*rateLimit)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid --rate-limit: %v\n", err)
			return 1
		}
	}

	resolvedLogLevel, resolvedLogFormat := *logLevel, *logFormat
	if cfg != nil {
		if !flagSet(fs, "log-level") {
			resolvedLogLevel = cfg.Logging.Level
		}
		if !flagSet(fs, "log-format") {
			resolvedLogFormat = cfg.Logging.Format
		}
	}

	logger, closer := logging.NewLogger(resolvedLogLevel, resolvedLogFormat, "")
	defer closer.Close()

	sendOnce := func() int {
		ctx, cancel := signalContext()
		defer cancel()

		sessID := sessionID(filePath)
		sessionLogger, sessionCloser, sessionLogPath, err := logging.NewSessionLogger(logger, *sessionLogDir, "send", sessID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error opening session log: %v\n", err)
			return 1
		}
		defer sessionCloser.Close()

		senderCfg := transport.SenderConfig{
			FilePath:             filePath,
			ControlAddr:          fmt.Sprintf("%s:%d", host, controlPort),
			DataAddr:             fmt.Sprintf("%s:%d", host, dataPort),
			BlockSize:            uint32(blockSizeBytes),
			Concurrency:          uint8(resolvedConcurrency),
			Logger:               sessionLogger,
			RateLimitBytesPerSec: rateLimitBytesPerSec,
		}
		result, err := transport.Run(ctx, senderCfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "send failed: %v\n", err)
			if sessionLogPath != "" {
				fmt.Fprintf(os.Stderr, "session log: %s\n", sessionLogPath)
			}
			return txerr.ExitCode(err)
		}
		sessionLogger.Info("send complete", "name", result.Plan.Name, "blocks_served", result.BlocksServed)
		if *sessionLogDir != "" {
			logging.RemoveSessionLog(*sessionLogDir, "send", sessID)
		}
		return 0
	}

	if *every == "" {
		return sendOnce()
	}

	c := cron.New()
	exitCode := 0
	_, err = c.AddFunc(*every, func() {
		if code := sendOnce(); code != 0 {
			exitCode = code
		}
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid --every cron expression: %v\n", err)
		return 1
	}
	c.Run() // blocks; driven entirely by the schedule, per the teacher's daemon entrypoint
	return exitCode
}

func runReceive(args []string) int {
	fs := flag.NewFlagSet("receive", flag.ContinueOnError)
	concurrency := fs.Int("concurrency", 4, "number of data connections to accept")
	configPath := fs.String("config", "", "optional engine config file")
	logLevel := fs.String("log-level", "info", "log level: debug, info, warn, error")
	logFormat := fs.String("log-format", "text", "log format: text, json")
	showProgress := fs.Bool("progress", true, "show a progress bar on stderr")
	sessionLogDir := fs.String("session-log-dir", "", "optional directory for a per-receive DEBUG log file")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() < 1 {
		usage()
		return 1
	}
	outputPath := fs.Arg(0)

	cfg, err := loadOverlay(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		return 1
	}
	controlPort, dataPort := defaultControlPort, defaultDataPort
	if cfg != nil {
		controlPort, dataPort = cfg.Network.ControlPort, cfg.Network.DataPort
	}

	resolvedLogLevel, resolvedLogFormat := *logLevel, *logFormat
	resolvedConcurrency := *concurrency
	var resumeVerifyFraction float64
	var leaseDeadline time.Duration
	if cfg != nil {
		if !flagSet(fs, "log-level") {
			resolvedLogLevel = cfg.Logging.Level
		}
		if !flagSet(fs, "log-format") {
			resolvedLogFormat = cfg.Logging.Format
		}
		if !flagSet(fs, "concurrency") {
			resolvedConcurrency = int(cfg.Block.Concurrency)
		}
		resumeVerifyFraction = cfg.Resume.VerifyFraction
		leaseDeadline = cfg.Resume.LeaseDeadline
	}

	logger, closer := logging.NewLogger(resolvedLogLevel, resolvedLogFormat, "")
	defer closer.Close()

	ctx, cancel := signalContext()
	defer cancel()

	sessID := sessionID(outputPath)
	sessionLogger, sessionCloser, sessionLogPath, err := logging.NewSessionLogger(logger, *sessionLogDir, "receive", sessID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening session log: %v\n", err)
		return 1
	}
	defer sessionCloser.Close()

	var reporter *progress.Reporter
	var progressFn func(uint64, uint64)
	if *showProgress {
		reporter = progress.New(outputPath, 0, 0)
		progressFn = reporter.Set
	}

	receiverCfg := transport.ReceiverConfig{
		OutputPath:           outputPath,
		ControlAddr:          fmt.Sprintf(":%d", controlPort),
		DataAddr:             fmt.Sprintf(":%d", dataPort),
		Concurrency:          uint8(resolvedConcurrency),
		Logger:               sessionLogger,
		Progress:             progressFn,
		ResumeVerifyFraction: resumeVerifyFraction,
		LeaseDeadline:        leaseDeadline,
	}
	result, err := transport.Run(ctx, receiverCfg)
	if reporter != nil {
		reporter.Stop()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "receive failed: %v\n", err)
		if sessionLogPath != "" {
			fmt.Fprintf(os.Stderr, "session log: %s\n", sessionLogPath)
		}
		return txerr.ExitCode(err)
	}
	sessionLogger.Info("receive complete", "path", result.FinalPath)
	if *sessionLogDir != "" {
		logging.RemoveSessionLog(*sessionLogDir, "receive", sessID)
	}
	return 0
}

// loadOverlay loads an optional engine config file; flags always take
// precedence over whatever it supplies (§0 of SPEC_FULL.md).
func loadOverlay(path string) (*config.EngineConfig, error) {
	if path == "" {
		return nil, nil
	}
	return config.Load(path)
}

// signalContext returns a context cancelled on SIGINT/SIGTERM, in the
// teacher's server-entrypoint idiom.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-sigCh
		cancel()
	}()
	return ctx, cancel
}
