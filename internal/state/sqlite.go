package state

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite" // sqlite driver (pure Go)
)

// SQLiteStore implements Store using SQLite. Every mutating operation runs in
// a single immediate transaction: a writer blocks concurrent writers from the
// start, so no reader ever observes a partially-applied invalidation cascade.
type SQLiteStore struct {
	db     *sql.DB
	path   string
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite tracker instance.
func NewSQLiteStore(logger *slog.Logger) *SQLiteStore {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &SQLiteStore{logger: logger}
}

// Open opens the tracker database. Use ":memory:" for an in-memory database.
func (s *SQLiteStore) Open(path string) error {
	dsn := path
	if path != ":memory:" {
		dsn = fmt.Sprintf("file:%s?_txlock=immediate&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open sqlite database: %w", err)
	}

	// One writer connection; sqlite serializes writers anyway and this keeps
	// in-memory databases on a single connection.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping sqlite database: %w", err)
	}

	s.db = db
	s.path = path
	return nil
}

// Close closes the tracker database.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Sync reconciles state rows with the parsed cell set.
func (s *SQLiteStore) Sync(cellIDs []string) error {
	if s.db == nil {
		return fmt.Errorf("database not opened")
	}

	wanted := make(map[string]bool, len(cellIDs))
	for _, id := range cellIDs {
		wanted[id] = true
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(`SELECT id FROM cell_state`)
	if err != nil {
		return fmt.Errorf("failed to list cells: %w", err)
	}
	existing := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan cell id: %w", err)
		}
		existing[id] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to list cells: %w", err)
	}

	for id := range existing {
		if !wanted[id] {
			if err := dropCell(tx, id); err != nil {
				return err
			}
		}
	}

	for _, id := range cellIDs {
		if !existing[id] {
			// Most fields null: the cell has not executed yet.
			if _, err := tx.Exec(`INSERT INTO cell_state (id) VALUES (?)`, id); err != nil {
				return fmt.Errorf("failed to insert cell %s: %w", id, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit sync: %w", err)
	}
	return nil
}

// dropCell removes a cell's row, variables, and edges. Releasing its owned
// variables counts as a hash change, so dependents of those names go stale.
func dropCell(tx *sql.Tx, cellID string) error {
	if err := setVars(tx, cellID, nil); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM cell_state WHERE id = ?`, cellID); err != nil {
		return fmt.Errorf("failed to delete cell %s: %w", cellID, err)
	}
	if _, err := tx.Exec(`DELETE FROM deps WHERE cell_id = ?`, cellID); err != nil {
		return fmt.Errorf("failed to delete deps of %s: %w", cellID, err)
	}
	return nil
}

// RecordResult merges one successful execution.
func (s *SQLiteStore) RecordResult(cellID string, created map[string]string, snapshot map[string]string, accessed []string, preambleHash, codeHash string) error {
	if s.db == nil {
		return fmt.Errorf("database not opened")
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Ownership rewrite and invalidation cascade first; the dep rows still
	// in place at this point are the pre-run ones, which is what the cascade
	// must see.
	if err := setVars(tx, cellID, created); err != nil {
		return err
	}

	// dep_fresh compares the hash each accessed name had when the run
	// started against its value now, after the merge. Completion order of
	// concurrent runs does not matter, only hash equality.
	current, err := queryVars(tx, `SELECT name, data_hash FROM vars`)
	if err != nil {
		return err
	}
	depFresh := true
	for _, dep := range accessed {
		if snapshot[dep] != current[dep] {
			depFresh = false
			break
		}
	}

	now := time.Now().UTC()
	if _, err := tx.Exec(
		`UPDATE cell_state
		 SET preamble_hash = ?, code_hash = ?, dep_fresh = ?, last_refresh = ?, last_refresh_failed = FALSE
		 WHERE id = ?`,
		preambleHash, codeHash, depFresh, now, cellID,
	); err != nil {
		return fmt.Errorf("failed to update cell state: %w", err)
	}

	if _, err := tx.Exec(`DELETE FROM deps WHERE cell_id = ?`, cellID); err != nil {
		return fmt.Errorf("failed to clear deps: %w", err)
	}
	for _, dep := range accessed {
		if _, err := tx.Exec(`INSERT INTO deps (cell_id, dep_var_name) VALUES (?, ?)`, cellID, dep); err != nil {
			return fmt.Errorf("failed to insert dep edge: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit result: %w", err)
	}

	s.logger.Debug("recorded result", "cell", cellID, "created", len(created), "accessed", len(accessed), "dep_fresh", depFresh)
	return nil
}

// setVars replaces a cell's owned-variable rows wholesale and marks
// dependents of every changed name as dep-stale. One hop only: dependents of
// dependents are not re-checked here.
func setVars(tx *sql.Tx, owner string, newVars map[string]string) error {
	others, err := queryVars(tx, `SELECT name, data_hash FROM vars WHERE owner_cell <> ?`, owner)
	if err != nil {
		return err
	}
	for name := range newVars {
		if _, taken := others[name]; taken {
			// The unique index would reject this anyway; fail with a
			// typed error before touching anything.
			return fmt.Errorf("%w: %s", ErrDuplicateVariable, name)
		}
	}

	oldVars, err := queryVars(tx, `SELECT name, data_hash FROM vars WHERE owner_cell = ?`, owner)
	if err != nil {
		return err
	}

	var changed []string
	for name, hash := range newVars {
		if oldVars[name] != hash {
			changed = append(changed, name)
		}
	}
	for name := range oldVars {
		if _, still := newVars[name]; !still {
			changed = append(changed, name)
		}
	}

	if _, err := tx.Exec(`DELETE FROM vars WHERE owner_cell = ?`, owner); err != nil {
		return fmt.Errorf("failed to clear vars: %w", err)
	}
	for name, hash := range newVars {
		if _, err := tx.Exec(`INSERT INTO vars (owner_cell, name, data_hash) VALUES (?, ?, ?)`, owner, name, hash); err != nil {
			return fmt.Errorf("failed to insert var %s: %w", name, err)
		}
	}

	for _, name := range changed {
		if _, err := tx.Exec(
			`UPDATE cell_state SET dep_fresh = FALSE
			 WHERE id IN (SELECT cell_id FROM deps WHERE dep_var_name = ?)`,
			name,
		); err != nil {
			return fmt.Errorf("failed to invalidate dependents of %s: %w", name, err)
		}
	}
	return nil
}

// RecordFailure flags the last refresh as failed.
func (s *SQLiteStore) RecordFailure(cellID string) error {
	if s.db == nil {
		return fmt.Errorf("database not opened")
	}

	now := time.Now().UTC()
	result, err := s.db.Exec(
		`UPDATE cell_state SET last_refresh = ?, last_refresh_failed = TRUE WHERE id = ?`,
		now, cellID,
	)
	if err != nil {
		return fmt.Errorf("failed to record failure: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrCellNotFound, cellID)
	}
	return nil
}

// Cell returns the state row for a cell.
func (s *SQLiteStore) Cell(cellID string) (*CellRow, error) {
	if s.db == nil {
		return nil, fmt.Errorf("database not opened")
	}

	row := &CellRow{ID: cellID}
	var preambleHash, codeHash sql.NullString
	var depFresh, failed sql.NullBool
	var lastRefresh sql.NullTime

	err := s.db.QueryRow(
		`SELECT preamble_hash, code_hash, dep_fresh, last_refresh, last_refresh_failed
		 FROM cell_state WHERE id = ?`,
		cellID,
	).Scan(&preambleHash, &codeHash, &depFresh, &lastRefresh, &failed)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrCellNotFound, cellID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cell %s: %w", cellID, err)
	}

	row.PreambleHash = preambleHash.String
	row.CodeHash = codeHash.String
	row.DepFresh = depFresh.Bool
	row.LastRefreshFailed = failed.Bool
	if lastRefresh.Valid {
		row.LastRefresh = &lastRefresh.Time
	}
	return row, nil
}

// OwnedVars returns name→hash for a cell's variables.
func (s *SQLiteStore) OwnedVars(cellID string) (map[string]string, error) {
	if s.db == nil {
		return nil, fmt.Errorf("database not opened")
	}
	return queryVarsDB(s.db, `SELECT name, data_hash FROM vars WHERE owner_cell = ?`, cellID)
}

// AllVars returns the current name→hash view across all cells.
func (s *SQLiteStore) AllVars() (map[string]string, error) {
	if s.db == nil {
		return nil, fmt.Errorf("database not opened")
	}
	return queryVarsDB(s.db, `SELECT name, data_hash FROM vars`)
}

// Variables returns every ownership record, ordered by owner then name.
func (s *SQLiteStore) Variables() ([]Variable, error) {
	if s.db == nil {
		return nil, fmt.Errorf("database not opened")
	}

	rows, err := s.db.Query(`SELECT owner_cell, name, data_hash FROM vars ORDER BY owner_cell, name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list variables: %w", err)
	}
	defer rows.Close()

	var vars []Variable
	for rows.Next() {
		var v Variable
		if err := rows.Scan(&v.Owner, &v.Name, &v.Hash); err != nil {
			return nil, fmt.Errorf("failed to scan variable: %w", err)
		}
		vars = append(vars, v)
	}
	return vars, rows.Err()
}

// VarHash resolves one variable name to its current hash.
func (s *SQLiteStore) VarHash(name string) (string, error) {
	if s.db == nil {
		return "", fmt.Errorf("database not opened")
	}

	var hash string
	err := s.db.QueryRow(`SELECT data_hash FROM vars WHERE name = ?`, name).Scan(&hash)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("%w: %s", ErrVarNotFound, name)
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve variable %s: %w", name, err)
	}
	return hash, nil
}

type querier interface {
	Query(query string, args ...any) (*sql.Rows, error)
}

func queryVars(tx *sql.Tx, query string, args ...any) (map[string]string, error) {
	return queryVarsDB(tx, query, args...)
}

func queryVarsDB(q querier, query string, args ...any) (map[string]string, error) {
	rows, err := q.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query vars: %w", err)
	}
	defer rows.Close()

	vars := make(map[string]string)
	for rows.Next() {
		var name, hash string
		if err := rows.Scan(&name, &hash); err != nil {
			return nil, fmt.Errorf("failed to scan var: %w", err)
		}
		vars[name] = hash
	}
	return vars, rows.Err()
}

// Ensure SQLiteStore implements the Store interface
var _ Store = (*SQLiteStore)(nil)
