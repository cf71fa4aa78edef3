package dialect

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leapstack-labs/zima/internal/store"
)

func runSQLCell(t *testing.T, s *store.Store, cell, code string, vars map[string]string) (*Result, error) {
	t.Helper()
	d, err := New("sql")
	require.NoError(t, err)
	return d.Execute(context.Background(), Request{
		Cell:      cell,
		Code:      code,
		VarHashes: vars,
		Store:     s,
	})
}

func TestSQLProducesTableNamedAfterCell(t *testing.T) {
	s, err := store.New(t.TempDir())
	require.NoError(t, err)

	res, err := runSQLCell(t, s, "totals", "SELECT 1 AS n UNION ALL SELECT 2", nil)
	require.NoError(t, err)

	require.Contains(t, res.CreatedVars, "totals")
	assert.Empty(t, res.AccessedVars)

	meta, err := s.Meta(res.CreatedVars["totals"])
	require.NoError(t, err)
	assert.Equal(t, store.KindTable, meta.Kind)
}

func TestSQLResolvesUpstreamTables(t *testing.T) {
	s, err := store.New(t.TempDir())
	require.NoError(t, err)

	up, err := runSQLCell(t, s, "base", "SELECT 3 AS n UNION ALL SELECT 4", nil)
	require.NoError(t, err)

	res, err := runSQLCell(t, s, "sums", "SELECT sum(n) AS total FROM base",
		map[string]string{"base": up.CreatedVars["base"]})
	require.NoError(t, err)

	assert.Equal(t, []string{"base"}, res.AccessedVars)
	require.Contains(t, res.CreatedVars, "sums")
}

func TestSQLUnknownTable(t *testing.T) {
	s, err := store.New(t.TempDir())
	require.NoError(t, err)

	_, err = runSQLCell(t, s, "c", "SELECT * FROM nowhere", nil)
	var nameErr *NameError
	require.ErrorAs(t, err, &nameErr)
	assert.Equal(t, "nowhere", nameErr.Name)
}

func TestSQLIdenticalResultSameHash(t *testing.T) {
	s, err := store.New(t.TempDir())
	require.NoError(t, err)

	r1, err := runSQLCell(t, s, "a", "SELECT 1 AS n", nil)
	require.NoError(t, err)
	r2, err := runSQLCell(t, s, "b", "SELECT 1 AS n", nil)
	require.NoError(t, err)

	assert.Equal(t, r1.CreatedVars["a"], r2.CreatedVars["b"],
		"identical query output should be content-addressed to one hash")
}
