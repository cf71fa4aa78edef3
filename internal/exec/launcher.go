package exec

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/google/uuid"
)

// ErrWorkerFailed reports a worker that exited non-zero. The pending log file
// holds whatever the worker managed to say.
var ErrWorkerFailed = errors.New("worker exited with non-zero status")

// Launcher starts worker processes. Executions for different cells proceed
// fully in parallel; the launcher imposes no concurrency limit.
type Launcher struct {
	// Command is the argv prefix of the worker; the payload and output
	// paths are appended. Typically the running binary's own
	// internal-execute command.
	Command []string
	// TempDir holds payload and output files.
	TempDir string
	// Logger is the structured logger (uses discard if nil).
	Logger *slog.Logger
}

// NewLauncher creates a launcher.
func NewLauncher(command []string, tempDir string, logger *slog.Logger) *Launcher {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Launcher{Command: command, TempDir: tempDir, Logger: logger}
}

// Running is one in-flight worker process.
type Running struct {
	cmd     *exec.Cmd
	outPath string
}

// Start writes the payload and launches the worker with its stdout and
// stderr redirected to logPath. It returns as soon as the process is running.
func (l *Launcher) Start(p *Payload, logPath string) (*Running, error) {
	base := filepath.Join(l.TempDir, uuid.NewString())
	inPath := base + ".in"
	outPath := base + ".out"

	if err := WritePayload(inPath, p); err != nil {
		return nil, err
	}

	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		_ = os.Remove(inPath)
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	args := append(append([]string{}, l.Command[1:]...), inPath, outPath)
	cmd := exec.Command(l.Command[0], args...)
	cmd.Stdin = nil
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	if err := cmd.Start(); err != nil {
		_ = logFile.Close()
		_ = os.Remove(inPath)
		// Leave nothing behind: an empty pending log would read as an
		// in-flight execution that never happened.
		_ = os.Remove(logPath)
		return nil, fmt.Errorf("failed to start worker: %w", err)
	}
	// The child holds its own descriptor now.
	_ = logFile.Close()

	l.Logger.Debug("worker started", "cell", p.Cell, "pid", cmd.Process.Pid)

	return &Running{cmd: cmd, outPath: outPath}, nil
}

// Wait blocks until the worker exits. On exit code zero it decodes and
// removes the output file; on any other exit it returns ErrWorkerFailed
// without touching shared state.
func (r *Running) Wait() (*Output, error) {
	err := r.cmd.Wait()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, fmt.Errorf("%w (code %d)", ErrWorkerFailed, exitErr.ExitCode())
		}
		return nil, fmt.Errorf("failed to wait for worker: %w", err)
	}

	out, err := ReadOutput(r.outPath)
	if err != nil {
		return nil, fmt.Errorf("worker exited cleanly but output is unreadable: %w", err)
	}
	_ = os.Remove(r.outPath)
	return out, nil
}
