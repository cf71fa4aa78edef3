package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/leapstack-labs/zima/internal/state"
	"github.com/leapstack-labs/zima/internal/store"
)

// maxPageLength caps how many rows one page request may ask for.
const maxPageLength = 1000

// dataResponse is the server-side paging protocol spoken by DataTables.
type dataResponse struct {
	Draw            int        `json:"draw"`
	RecordsTotal    int64      `json:"recordsTotal"`
	RecordsFiltered int64      `json:"recordsFiltered"`
	Columns         []string   `json:"columns"`
	Data            [][]string `json:"data"`
}

// handleData pages through a table variable's Parquet data. Query
// parameters follow the DataTables server-side protocol: draw, start,
// length, search[value], order[0][column], order[0][dir].
func (s *Server) handleData(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	name := q.Get("var")
	if name == "" {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "missing var parameter"})
		return
	}

	hash, err := s.notebook.VarHash(name)
	if errors.Is(err, state.ErrVarNotFound) {
		respondJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	if err != nil {
		respondJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	parquetPath, err := s.notebook.Store().TablePath(hash)
	if err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("variable %q is not a table", name)})
		return
	}

	db, err := store.OpenDuckDB(r.Context(), s.notebook.Store())
	if err != nil {
		respondJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	defer db.Close()

	resp, err := pageTable(r, db, parquetPath)
	if err != nil {
		respondJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

func pageTable(r *http.Request, db *sql.DB, parquetPath string) (*dataResponse, error) {
	ctx := r.Context()
	q := r.URL.Query()

	draw, _ := strconv.Atoi(q.Get("draw"))
	start, _ := strconv.Atoi(q.Get("start"))
	length, err := strconv.Atoi(q.Get("length"))
	if err != nil || length <= 0 || length > maxPageLength {
		length = 50
	}
	if start < 0 {
		start = 0
	}

	source := fmt.Sprintf("read_parquet(%s)", quoteSQLString(parquetPath))

	columns, err := tableColumns(ctx, db, source)
	if err != nil {
		return nil, err
	}

	var total int64
	if err := db.QueryRowContext(ctx, "SELECT count(*) FROM "+source).Scan(&total); err != nil {
		return nil, fmt.Errorf("failed to count rows: %w", err)
	}

	where := ""
	var args []any
	if search := q.Get("search[value]"); search != "" {
		var clauses []string
		for _, col := range columns {
			clauses = append(clauses, fmt.Sprintf("CAST(%s AS VARCHAR) ILIKE ?", quoteSQLIdent(col)))
			args = append(args, "%"+search+"%")
		}
		where = " WHERE " + strings.Join(clauses, " OR ")
	}

	filtered := total
	if where != "" {
		if err := db.QueryRowContext(ctx, "SELECT count(*) FROM "+source+where, args...).Scan(&filtered); err != nil {
			return nil, fmt.Errorf("failed to count filtered rows: %w", err)
		}
	}

	orderBy := ""
	if colIdx, err := strconv.Atoi(q.Get("order[0][column]")); err == nil && colIdx >= 0 && colIdx < len(columns) {
		dir := "ASC"
		if q.Get("order[0][dir]") == "desc" {
			dir = "DESC"
		}
		orderBy = fmt.Sprintf(" ORDER BY %d %s", colIdx+1, dir)
	}

	query := fmt.Sprintf("SELECT * FROM %s%s%s LIMIT %d OFFSET %d", source, where, orderBy, length, start)
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to page table: %w", err)
	}
	defer rows.Close()

	data, err := scanStringRows(rows, len(columns))
	if err != nil {
		return nil, err
	}

	return &dataResponse{
		Draw:            draw,
		RecordsTotal:    total,
		RecordsFiltered: filtered,
		Columns:         columns,
		Data:            data,
	}, nil
}

// tableColumns reads the column names without fetching any rows.
func tableColumns(ctx context.Context, db *sql.DB, source string) ([]string, error) {
	rows, err := db.QueryContext(ctx, "SELECT * FROM "+source+" LIMIT 0")
	if err != nil {
		return nil, fmt.Errorf("failed to inspect columns: %w", err)
	}
	defer rows.Close()
	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read column names: %w", err)
	}
	return cols, nil
}

// scanStringRows renders every cell as text; NULL becomes the empty string.
func scanStringRows(rows *sql.Rows, width int) ([][]string, error) {
	data := [][]string{}
	for rows.Next() {
		values := make([]sql.NullString, width)
		ptrs := make([]any, width)
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		row := make([]string, width)
		for i, v := range values {
			if v.Valid {
				row[i] = v.String
			}
		}
		data = append(data, row)
	}
	return data, rows.Err()
}

func quoteSQLString(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func quoteSQLIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
