// Package state implements the freshness tracker: the transactional record of
// per-cell hashes, per-variable ownership, and dependency edges that decides
// whether a cell's cached result can still be served.
package state

import (
	"errors"
	"time"
)

// CellRow is the persisted state of one cell. Hash fields are empty until the
// cell has executed successfully at least once.
type CellRow struct {
	ID                string
	PreambleHash      string
	CodeHash          string
	DepFresh          bool
	LastRefresh       *time.Time
	LastRefreshFailed bool
}

// Variable is one ownership record: a name is globally unique across the
// notebook, so at most one cell owns it at any instant.
type Variable struct {
	Owner string
	Name  string
	Hash  string
}

// ErrDuplicateVariable is returned when a result merge would claim a variable
// name already owned by a different cell.
var ErrDuplicateVariable = errors.New("duplicate variable name owned by another cell")

// ErrCellNotFound is returned when a cell id has no state row.
var ErrCellNotFound = errors.New("cell not found")

// Store is the tracker interface consumed by the orchestrator.
type Store interface {
	// Sync reconciles the state rows with the parsed cell set: rows for
	// removed cells are dropped (cascading their variables and edges, and
	// invalidating dependents of the dropped variables), blank rows are
	// inserted for new cells.
	Sync(cellIDs []string) error

	// RecordResult merges one successful execution. snapshot holds the
	// name→hash view the run started from, accessed the names it read.
	// dep_fresh for the cell is true iff every accessed name still has the
	// hash the run saw; every other cell depending on a changed name is
	// marked dep-stale (one hop, deliberately not transitive).
	RecordResult(cellID string, created map[string]string, snapshot map[string]string, accessed []string, preambleHash, codeHash string) error

	// RecordFailure flags the cell's last refresh as failed. No other state
	// changes: the pending log is the detailed record.
	RecordFailure(cellID string) error

	// Cell returns the state row for a cell, or ErrCellNotFound.
	Cell(cellID string) (*CellRow, error)

	// OwnedVars returns name→hash for the variables a cell owns.
	OwnedVars(cellID string) (map[string]string, error)

	// AllVars returns the current name→hash view across all cells.
	AllVars() (map[string]string, error)

	// Variables returns every ownership record.
	Variables() ([]Variable, error)

	// VarHash resolves one variable name, or ErrVarNotFound.
	VarHash(name string) (string, error)

	Close() error
}

// ErrVarNotFound is returned when a variable name has no owner.
var ErrVarNotFound = errors.New("variable not found")
