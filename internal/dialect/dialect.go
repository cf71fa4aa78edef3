// Package dialect defines the execution strategies a cell's code can run
// under. A dialect takes the preamble context, the cell code, and the set of
// variable hashes visible to the cell, and reports which variables the run
// read and which it produced.
package dialect

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/leapstack-labs/zima/internal/store"
)

// DefaultName is the dialect used when a cell does not declare one.
const DefaultName = "starlark"

// Request carries everything a dialect needs for one cell run. All
// cross-component references are by value: hashes, source text, and a store
// handle rooted at the data directory.
type Request struct {
	// Cell is the executing cell's id.
	Cell string
	// Preamble is the shared preamble context.
	Preamble *Preamble
	// Code is the cell's source.
	Code string
	// VarHashes is the name→hash view of every variable visible to the cell.
	VarHashes map[string]string
	// Store resolves and persists values.
	Store *store.Store
}

// Result reports what one run read and produced.
type Result struct {
	// AccessedVars are the variable names resolved from the store.
	AccessedVars []string
	// CreatedVars maps produced variable names to their content hashes.
	CreatedVars map[string]string
}

// Dialect executes cell code. Implementations run inside the worker process;
// any error aborts the run and the worker exits non-zero.
type Dialect interface {
	Execute(ctx context.Context, req Request) (*Result, error)
}

// NameError reports a name that resolved through none of the tiers: not bound
// by the run, not a preamble symbol, not a stored variable.
type NameError struct {
	Name string
}

func (e *NameError) Error() string {
	return fmt.Sprintf("name not found: %s", e.Name)
}

// Factory creates a dialect instance.
type Factory func() Dialect

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register adds a dialect factory under a tag. Called from init functions.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = factory
}

// New creates the dialect registered under name. An empty name selects the
// default dialect.
func New(name string) (Dialect, error) {
	if name == "" {
		name = DefaultName
	}

	registryMu.RLock()
	factory, ok := registry[name]
	registryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown dialect %q (available: %v)", name, Names())
	}
	return factory(), nil
}

// Names returns the registered dialect tags, sorted.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
