package signer

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/openledger/payment-processor/internal/helpers"

	"golang.org/x/sys/unix"
)

// ConsoleWallet produces a signed transaction for an unsigned one. The real
// implementation shells out to the console wallet binary holding the signing
// keys; tests substitute a double.
type ConsoleWallet interface {
	Sign(ctx context.Context, unsigned []byte) ([]byte, error)
}

type CLIConfig struct {
	// Command is the console wallet executable; Args are prepended before the
	// generated --input-file/--output-file pair.
	Command string
	Args    []string
	Dir     string
	// Password is exported to the subprocess as WALLET_PASSWORD.
	Password string
	// LockDir holds the per-wallet lockfile serialising invocations across
	// orchestrator processes on the same host.
	LockDir string
	Timeout time.Duration
}

// CLIWallet invokes the console wallet subprocess. Invocations are serialised
// process-wide by the mutex and host-wide by an flock'd lockfile, since the
// wallet binary cannot handle concurrent signing sessions.
type CLIWallet struct {
	config *CLIConfig
	mu     sync.Mutex
	log    *slog.Logger
}

func NewCLIWallet(config *CLIConfig) *CLIWallet {
	return &CLIWallet{
		config: config,
		log:    slog.With("component", "console-wallet"),
	}
}

func (w *CLIWallet) Sign(ctx context.Context, unsigned []byte) ([]byte, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	release, err := w.acquireLockfile()
	if err != nil {
		return nil, err
	}
	defer release()

	inputFile, err := os.CreateTemp("", "unsigned-tx-*.json")
	if err != nil {
		return nil, fmt.Errorf("couldn't create input file: %w", err)
	}
	defer os.Remove(inputFile.Name())

	if _, err := inputFile.Write(unsigned); err != nil {
		inputFile.Close()
		return nil, fmt.Errorf("couldn't write unsigned tx: %w", err)
	}
	if err := inputFile.Close(); err != nil {
		return nil, fmt.Errorf("couldn't flush unsigned tx: %w", err)
	}

	outputPath := inputFile.Name() + ".signed"
	defer os.Remove(outputPath)

	cmdCtx := ctx
	if w.config.Timeout > 0 {
		var cancel context.CancelFunc
		cmdCtx, cancel = context.WithTimeout(ctx, w.config.Timeout)
		defer cancel()
	}

	args := append(append([]string{}, w.config.Args...),
		"--input-file", inputFile.Name(),
		"--output-file", outputPath,
	)

	cmd := exec.CommandContext(cmdCtx, w.config.Command, args...)
	cmd.Dir = w.config.Dir
	cmd.Env = append(os.Environ(), "WALLET_PASSWORD="+w.config.Password)

	w.log.Debug("Invoking console wallet", "command", w.config.Command)

	output, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("console wallet failed: %w: %s", err, string(output))
	}

	signed, err := os.ReadFile(outputPath)
	if err != nil {
		return nil, fmt.Errorf("couldn't read signed tx: %w", err)
	}
	if len(signed) == 0 {
		return nil, fmt.Errorf("console wallet produced an empty signed tx")
	}

	return signed, nil
}

// acquireLockfile takes an exclusive flock on a per-wallet lockfile so that
// multiple orchestrator processes on one host cannot run the wallet binary
// concurrently. The call blocks until the lock is free.
func (w *CLIWallet) acquireLockfile() (func(), error) {
	name := fmt.Sprintf("wallet-%s.lock", helpers.TinyHash(w.config.Command))
	path := filepath.Join(w.config.LockDir, name)

	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("couldn't open wallet lockfile: %w", err)
	}

	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX); err != nil {
		file.Close()
		return nil, fmt.Errorf("couldn't lock wallet lockfile: %w", err)
	}

	return func() {
		unix.Flock(int(file.Fd()), unix.LOCK_UN)
		file.Close()
	}, nil
}
