// Package notebook implements the notebook definition (parsing the cell
// graph from its textual encoding) and the orchestrator that composes the
// store, the freshness tracker, and the execution engine.
package notebook

import (
	"time"

	"github.com/leapstack-labs/zima/internal/dialect"
)

// CellDef is one parsed cell. Immutable once parsed; edits replace the whole
// definition.
type CellDef struct {
	// ID is the cell's identifier, alphanumeric and unique in the notebook.
	ID string

	// Code is the cell's source with surrounding whitespace trimmed.
	Code string

	// CodeHash is the sha256 of the dialect literal and the trimmed code.
	// Header formatting does not participate, so header-only edits never
	// trigger re-execution.
	CodeHash string

	// ArgsCode preserves each header attribute's literal expression text,
	// keyed by attribute name, for canonical re-serialization.
	ArgsCode map[string]string

	// argsOrder preserves header token order for round-tripping.
	argsOrder []string

	// Dialect is the evaluated execution-strategy tag ("" means default).
	Dialect string

	// DepRefresh is the evaluated dep_refresh attribute.
	DepRefresh bool

	// RefreshEvery is the evaluated refresh_every attribute (0 means unset).
	RefreshEvery time.Duration
}

// Def is a parsed notebook: the shared preamble, its execution context, and
// the ordered cell set. Rebuilt in full on every reload, never mutated.
type Def struct {
	// DataDir is the on-disk data directory the notebook's values live in.
	DataDir string

	// PreambleSource is the shared preamble source text.
	PreambleSource string

	// Preamble is the executed preamble context: symbols visible to every
	// cell and to header expressions.
	Preamble *dialect.Preamble

	// Cells maps cell id to definition.
	Cells map[string]*CellDef

	// Order lists cell ids in document order.
	Order []string
}

// Cell returns a cell by id, or nil.
func (d *Def) Cell(id string) *CellDef {
	return d.Cells[id]
}

// CellIDs returns the ids in document order.
func (d *Def) CellIDs() []string {
	return append([]string(nil), d.Order...)
}
