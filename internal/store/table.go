package store

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"

	_ "github.com/marcboeker/go-duckdb" // duckdb driver
)

// OpenDuckDB opens an in-memory DuckDB session configured for scratch work
// against the store: spill files go to the store's temp area and insertion
// order preservation is off.
func OpenDuckDB(ctx context.Context, s *Store) (*sql.DB, error) {
	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, fmt.Errorf("failed to open duckdb: %w", err)
	}
	if _, err := db.ExecContext(ctx, fmt.Sprintf("SET temp_directory = '%s'", sqlQuote(s.tempDir))); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set duckdb temp directory: %w", err)
	}
	if _, err := db.ExecContext(ctx, "SET preserve_insertion_order = false"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to configure duckdb: %w", err)
	}
	return db, nil
}

// PutTable materializes a query's result as a stored table value. The result
// is copied to Parquet inside a temp entry, then committed content-addressed
// like any other value.
func PutTable(ctx context.Context, s *Store, db *sql.DB, query string) (string, error) {
	return s.Put(func(dir string) error {
		target := filepath.Join(dir, TableFile)
		copySQL := fmt.Sprintf("COPY (%s) TO '%s' (FORMAT PARQUET)", query, sqlQuote(target))
		if _, err := db.ExecContext(ctx, copySQL); err != nil {
			return fmt.Errorf("failed to write table: %w", err)
		}
		return writeMeta(dir, KindTable)
	})
}

// AttachTable exposes a stored table value as a view named name in the
// DuckDB session.
func AttachTable(ctx context.Context, s *Store, db *sql.DB, name, hash string) error {
	path, err := s.TablePath(hash)
	if err != nil {
		return err
	}
	stmt := fmt.Sprintf("CREATE OR REPLACE VIEW %s AS SELECT * FROM read_parquet('%s')",
		quoteIdent(name), sqlQuote(path))
	if _, err := db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("failed to attach table %s: %w", name, err)
	}
	return nil
}

func sqlQuote(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
