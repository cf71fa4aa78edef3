package notebook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/leapstack-labs/zima/internal/exec"
	"github.com/leapstack-labs/zima/internal/fsx"
	"github.com/leapstack-labs/zima/internal/state"
	"github.com/leapstack-labs/zima/internal/store"
)

// ErrAlreadyRunning rejects an execute request for a cell with an in-flight
// execution.
var ErrAlreadyRunning = errors.New("cell is already running")

// ErrUnknownCell rejects a request naming a cell the notebook does not have.
var ErrUnknownCell = errors.New("unknown cell")

// Config holds notebook configuration.
type Config struct {
	// Path is the notebook file.
	Path string
	// WorkerCommand is the argv prefix used to launch worker processes.
	// Defaults to re-invoking the current binary's internal-execute command.
	WorkerCommand []string
	// Logger is the structured logger (uses discard if nil).
	Logger *slog.Logger
}

// Notebook is the orchestrator: it owns the in-memory definition and the
// registry of in-flight executions, both guarded by one lock. This is a
// single-writer design; correctness never depends on per-cell locking.
type Notebook struct {
	mu sync.Mutex

	path     string
	dataDir  string
	logsDir  string
	tempDir  string
	dirLock  *fsx.Lock
	logger   *slog.Logger
	launcher *exec.Launcher

	tracker state.Store
	vars    *store.Store

	def          *Def
	preambleHash string

	pending map[string]*Execution
}

// Execution is a handle on one in-flight cell run. Wait blocks until the
// worker has exited and its result (or failure) has been merged.
type Execution struct {
	done chan struct{}
	err  error
}

// Wait blocks until the execution has fully completed, returning the merge
// error if any. Worker failure is reported here for callers that asked to
// wait; it is never raised asynchronously.
func (e *Execution) Wait() error {
	<-e.done
	return e.err
}

// executionState is the bookkeeping for one in-flight run: the hashes it
// started from and the variable view it saw. Discarded right after merge.
type executionState struct {
	preambleHash string
	codeHash     string
	vars         map[string]string
}

// Open loads the notebook at cfg.Path, initializing its data directory, and
// holds a directory-scoped advisory lock for the notebook's lifetime. A
// second orchestrator on the same data directory fails here.
func Open(cfg Config) (*Notebook, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	absPath, err := filepath.Abs(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve notebook path: %w", err)
	}

	dataDir := absPath + ".data"
	logsDir := filepath.Join(dataDir, "logs")
	tempDir := filepath.Join(dataDir, "temp")
	for _, dir := range []string{dataDir, logsDir, tempDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	dirLock, err := fsx.AcquireLock(filepath.Join(dataDir, "lock"))
	if err != nil {
		return nil, err
	}

	fail := func(err error) (*Notebook, error) {
		_ = dirLock.Release()
		return nil, err
	}

	vars, err := store.New(dataDir)
	if err != nil {
		return fail(err)
	}

	tracker := state.NewSQLiteStore(logger)
	if err := tracker.Open(filepath.Join(dataDir, "state.sqlite3")); err != nil {
		return fail(err)
	}
	if err := tracker.Migrate(); err != nil {
		_ = tracker.Close()
		return fail(err)
	}

	workerCmd := cfg.WorkerCommand
	if len(workerCmd) == 0 {
		self, err := os.Executable()
		if err != nil {
			_ = tracker.Close()
			return fail(fmt.Errorf("failed to locate own binary: %w", err))
		}
		workerCmd = []string{self, "internal-execute"}
	}

	n := &Notebook{
		path:     absPath,
		dataDir:  dataDir,
		logsDir:  logsDir,
		tempDir:  tempDir,
		dirLock:  dirLock,
		logger:   logger,
		launcher: exec.NewLauncher(workerCmd, tempDir, logger),
		tracker:  tracker,
		vars:     vars,
		pending:  make(map[string]*Execution),
	}

	if err := n.Reload(); err != nil {
		_ = tracker.Close()
		return fail(err)
	}
	return n, nil
}

// Close releases the tracker and the directory lock. In-flight executions
// are not cancelled; cancellation is unsupported by design.
func (n *Notebook) Close() error {
	var errs []error
	if err := n.tracker.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := n.dirLock.Release(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("errors closing notebook: %v", errs)
	}
	return nil
}

// Store exposes the variable store for read-side collaborators (previews,
// table paging).
func (n *Notebook) Store() *store.Store {
	return n.vars
}

// Reload re-parses the notebook text and re-syncs the tracker. On parse
// failure the last-good definition stays in place and the error is returned.
func (n *Notebook) Reload() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.reloadLocked()
}

func (n *Notebook) reloadLocked() error {
	content, err := os.ReadFile(n.path)
	if err != nil {
		return fmt.Errorf("failed to read notebook: %w", err)
	}

	def, err := Parse(string(content), n.dataDir)
	if err != nil {
		return err
	}

	n.def = def
	n.preambleHash = store.HashString(def.PreambleSource)

	if err := n.tracker.Sync(def.CellIDs()); err != nil {
		return err
	}

	n.logger.Debug("notebook reloaded", "cells", len(def.Order))
	return nil
}

// Def returns the current definition. The definition is immutable; callers
// may hold it across lock boundaries.
func (n *Notebook) Def() *Def {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.def
}

// CellState is the derived per-cell view: freshness, logs, owned variables.
type CellState struct {
	CurrentLog        string
	PendingLog        string
	PreambleFresh     bool
	CodeFresh         bool
	DepFresh          bool
	Running           bool
	LastRefresh       *time.Time
	LastRefreshFailed bool
	VarHashes         map[string]string
}

// Fresh reports whether the cell may skip execution: all three freshness
// flags hold.
func (s *CellState) Fresh() bool {
	return s.PreambleFresh && s.CodeFresh && s.DepFresh
}

// GetCellState computes the current state of one cell.
func (n *Notebook) GetCellState(cellID string) (*CellState, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	cell := n.def.Cell(cellID)
	if cell == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCell, cellID)
	}

	row, err := n.tracker.Cell(cellID)
	if err != nil {
		return nil, err
	}
	varHashes, err := n.tracker.OwnedVars(cellID)
	if err != nil {
		return nil, err
	}

	_, running := n.pending[cellID]

	return &CellState{
		CurrentLog:        filepath.Join(n.logsDir, cellID+".current.log"),
		PendingLog:        filepath.Join(n.logsDir, cellID+".pending.log"),
		PreambleFresh:     row.PreambleHash == n.preambleHash,
		CodeFresh:         row.CodeHash == cell.CodeHash,
		DepFresh:          row.DepFresh,
		Running:           running,
		LastRefresh:       row.LastRefresh,
		LastRefreshFailed: row.LastRefreshFailed,
		VarHashes:         varHashes,
	}, nil
}

// VarHash resolves a variable name to its current content hash.
func (n *Notebook) VarHash(name string) (string, error) {
	return n.tracker.VarHash(name)
}

// Variables returns every ownership record.
func (n *Notebook) Variables() ([]state.Variable, error) {
	return n.tracker.Variables()
}

// Execute starts one cell run against a snapshot of the current variable
// hashes. It returns as soon as the worker process is running; completion is
// handled by a dedicated waiter which merges the result under the lock.
func (n *Notebook) Execute(cellID string) (*Execution, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, inFlight := n.pending[cellID]; inFlight {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, cellID)
	}

	cell := n.def.Cell(cellID)
	if cell == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCell, cellID)
	}

	snapshot, err := n.tracker.AllVars()
	if err != nil {
		return nil, err
	}

	payload := &exec.Payload{
		Cell:     cellID,
		Preamble: n.def.PreambleSource,
		Code:     cell.Code,
		Dialect:  cell.Dialect,
		Vars:     snapshot,
		DataDir:  n.dataDir,
	}

	pendingLog := filepath.Join(n.logsDir, cellID+".pending.log")
	running, err := n.launcher.Start(payload, pendingLog)
	if err != nil {
		return nil, err
	}

	execState := &executionState{
		preambleHash: n.preambleHash,
		codeHash:     cell.CodeHash,
		vars:         snapshot,
	}
	handle := &Execution{done: make(chan struct{})}
	n.pending[cellID] = handle

	go n.waitForExecution(cellID, running, execState, handle)

	n.logger.Info("cell execution started", "cell", cellID)
	return handle, nil
}

// waitForExecution is the per-execution waiter: it blocks on worker exit
// only, then takes the lock once to merge.
func (n *Notebook) waitForExecution(cellID string, running *exec.Running, execState *executionState, handle *Execution) {
	out, err := running.Wait()

	n.mu.Lock()
	defer func() {
		delete(n.pending, cellID)
		n.mu.Unlock()
		close(handle.done)
	}()

	if err != nil {
		// Not an orchestrator error: the pending log is the failure record
		// and the next freshness query shows the cell stale.
		n.logger.Warn("cell execution failed", "cell", cellID, "error", err)
		handle.err = err
		if ferr := n.tracker.RecordFailure(cellID); ferr != nil && !errors.Is(ferr, state.ErrCellNotFound) {
			n.logger.Error("failed to record execution failure", "cell", cellID, "error", ferr)
		}
		return
	}

	pendingLog := filepath.Join(n.logsDir, cellID+".pending.log")
	currentLog := filepath.Join(n.logsDir, cellID+".current.log")
	if err := os.Rename(pendingLog, currentLog); err != nil {
		n.logger.Warn("failed to promote pending log", "cell", cellID, "error", err)
	}

	err = n.tracker.RecordResult(cellID, out.CreatedVars, execState.vars, out.AccessedVars,
		execState.preambleHash, execState.codeHash)
	if err != nil {
		// DuplicateVariableError and friends: the execution is discarded,
		// prior state retained.
		n.logger.Error("failed to merge execution result", "cell", cellID, "error", err)
		handle.err = err
		return
	}

	n.logger.Info("cell execution finished", "cell", cellID,
		"created", len(out.CreatedVars), "accessed", len(out.AccessedVars))
}

// ModifyCellCode replaces one cell's code, rewrites the notebook file
// atomically in canonical form, and reloads.
func (n *Notebook) ModifyCellCode(cellID, code string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	old := n.def.Cell(cellID)
	if old == nil {
		return fmt.Errorf("%w: %s", ErrUnknownCell, cellID)
	}

	updated := *old
	updated.Code = strings.TrimSpace(code)
	updated.CodeHash = store.HashString(updated.ArgsCode["dialect"] + "\n" + updated.Code)

	newDef := &Def{
		DataDir:        n.def.DataDir,
		PreambleSource: n.def.PreambleSource,
		Preamble:       n.def.Preamble,
		Cells:          make(map[string]*CellDef, len(n.def.Cells)),
		Order:          n.def.Order,
	}
	for id, c := range n.def.Cells {
		newDef.Cells[id] = c
	}
	newDef.Cells[cellID] = &updated

	text, err := Unparse(newDef)
	if err != nil {
		return err
	}
	if err := fsx.WriteFileAtomic(n.path, []byte(text), 0o644); err != nil {
		return err
	}

	return n.reloadLocked()
}

// Watch reloads the notebook whenever its file changes on disk, until ctx is
// done. Parse failures are logged and the last-good definition kept.
func (n *Notebook) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory: editors and the atomic writer replace the file
	// by rename, which drops a watch set on the file itself.
	if err := watcher.Add(filepath.Dir(n.path)); err != nil {
		return fmt.Errorf("failed to watch notebook directory: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Name != n.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if err := n.Reload(); err != nil {
				n.logger.Warn("reload after change failed", "error", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			n.logger.Warn("watcher error", "error", err)
		}
	}
}
