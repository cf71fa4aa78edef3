package dialect

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"go.starlark.net/resolve"
	"go.starlark.net/starlark"

	"github.com/leapstack-labs/zima/internal/store"
)

func init() {
	Register("starlark", func() Dialect { return &StarlarkDialect{} })
}

// StarlarkDialect runs cell code as a Starlark script with three-tier name
// resolution: names bound by the run itself, then preamble symbols, then
// variables loaded from the store by hash. After the run, every global not
// starting with "_" is persisted as a created variable, unless an explicit
// "_exports" list narrows the set.
type StarlarkDialect struct{}

// Execute runs the cell. The third resolution tier is implemented as a
// resolve-and-retry loop: resolution errors happen before any statement runs,
// so predeclaring the missing variable and re-executing is side-effect free.
func (d *StarlarkDialect) Execute(ctx context.Context, req Request) (*Result, error) {
	predeclared := baseModules()
	for name, v := range req.Preamble.Globals {
		predeclared[name] = v
	}

	loaded := make(map[string]bool)
	thread := &starlark.Thread{
		Name: "cell:" + req.Cell,
		Print: func(_ *starlark.Thread, msg string) {
			fmt.Fprintln(os.Stdout, msg)
		},
	}

	var globals starlark.StringDict
	for {
		var err error
		globals, err = starlark.ExecFileOptions(FileOptions, thread, req.Cell+".star", req.Code, predeclared)
		if err == nil {
			break
		}

		missing := undefinedNames(err)
		if len(missing) == 0 {
			return nil, fmt.Errorf("cell execution failed: %w", err)
		}

		progress := false
		for _, name := range missing {
			if loaded[name] || predeclared.Has(name) {
				continue
			}
			hash, known := req.VarHashes[name]
			if !known {
				return nil, &NameError{Name: name}
			}
			v, loadErr := loadVariable(req.Store, hash)
			if loadErr != nil {
				return nil, fmt.Errorf("while deserializing variable %q: %w", name, loadErr)
			}
			predeclared[name] = v
			loaded[name] = true
			progress = true
		}
		if !progress {
			return nil, fmt.Errorf("cell execution failed: %w", err)
		}
	}

	created, err := exportGlobals(req.Store, globals)
	if err != nil {
		return nil, err
	}

	accessed := make([]string, 0, len(loaded))
	for name := range loaded {
		accessed = append(accessed, name)
	}
	sort.Strings(accessed)

	return &Result{AccessedVars: accessed, CreatedVars: created}, nil
}

// undefinedNames extracts the unresolved identifiers from a Starlark
// resolution error, if that is what err is.
func undefinedNames(err error) []string {
	errList, ok := err.(resolve.ErrorList)
	if !ok {
		return nil
	}

	var names []string
	for _, e := range errList {
		if name, found := strings.CutPrefix(e.Msg, "undefined: "); found {
			names = append(names, name)
		} else {
			// A mix of undefined-name and real resolution errors cannot
			// be fixed by loading variables.
			return nil
		}
	}
	return names
}

// loadVariable materializes a stored variable for use inside Starlark code.
// Table values have no Starlark representation; they are only reachable from
// the sql dialect.
func loadVariable(s *store.Store, hash string) (starlark.Value, error) {
	meta, err := s.Meta(hash)
	if err != nil {
		return nil, err
	}
	if meta.Kind == store.KindTable {
		return nil, fmt.Errorf("table variables can only be read by the sql dialect")
	}
	return store.GetBlob(s, hash)
}

// exportGlobals persists the run's exported globals and returns name→hash.
func exportGlobals(s *store.Store, globals starlark.StringDict) (map[string]string, error) {
	names, err := exportedNames(globals)
	if err != nil {
		return nil, err
	}

	created := make(map[string]string, len(names))
	for _, name := range names {
		v, ok := globals[name]
		if !ok {
			return nil, fmt.Errorf("exported name %q is not defined", name)
		}
		hash, err := store.PutBlob(s, v)
		if err != nil {
			return nil, fmt.Errorf("failed to serialize variable %q: %w", name, err)
		}
		created[name] = hash
	}
	return created, nil
}

// exportedNames selects the globals to persist: the "_exports" list when
// present, otherwise every name without a leading underscore. A malformed
// "_exports" is an error, never a fallback to export-everything.
func exportedNames(globals starlark.StringDict) ([]string, error) {
	if v, ok := globals["_exports"]; ok {
		list, ok := v.(*starlark.List)
		if !ok {
			return nil, fmt.Errorf("_exports must be a list of strings, got %s", v.Type())
		}
		var names []string
		for e := range list.Elements() {
			s, ok := starlark.AsString(e)
			if !ok {
				return nil, fmt.Errorf("_exports must be a list of strings, got a %s element", e.Type())
			}
			names = append(names, s)
		}
		return names, nil
	}

	var names []string
	for name := range globals {
		if !strings.HasPrefix(name, "_") {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}
