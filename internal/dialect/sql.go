package dialect

import (
	"context"
	"fmt"
	"regexp"
	"sort"

	"github.com/leapstack-labs/zima/internal/store"
)

func init() {
	Register("sql", func() Dialect { return &SQLDialect{} })
}

// SQLDialect runs cell code as a DuckDB query. Table references that DuckDB
// cannot resolve are matched against the cell's visible variables and
// attached as Parquet-backed views; the query result is stored as a single
// table variable named after the cell.
type SQLDialect struct{}

// DuckDB reports a missing relation with this catalog error. There is no way
// to hook name resolution, so the query is retried after each attach.
var missingTableRegex = regexp.MustCompile(`Table with name ([^ ]+) does not exist`)

// Execute runs the query to completion, materializing dependencies on demand.
func (d *SQLDialect) Execute(ctx context.Context, req Request) (*Result, error) {
	db, err := store.OpenDuckDB(ctx, req.Store)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	attached := make(map[string]bool)
	for {
		hash, err := store.PutTable(ctx, req.Store, db, req.Code)
		if err == nil {
			accessed := make([]string, 0, len(attached))
			for name := range attached {
				accessed = append(accessed, name)
			}
			sort.Strings(accessed)

			return &Result{
				AccessedVars: accessed,
				CreatedVars:  map[string]string{req.Cell: hash},
			}, nil
		}

		m := missingTableRegex.FindStringSubmatch(err.Error())
		if m == nil {
			return nil, fmt.Errorf("query failed: %w", err)
		}
		name := m[1]
		if attached[name] {
			return nil, fmt.Errorf("query failed: %w", err)
		}

		varHash, known := req.VarHashes[name]
		if !known {
			return nil, &NameError{Name: name}
		}
		if err := store.AttachTable(ctx, req.Store, db, name, varHash); err != nil {
			return nil, fmt.Errorf("while deserializing variable %q: %w", name, err)
		}
		attached[name] = true
	}
}
