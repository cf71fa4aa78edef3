package notebook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leapstack-labs/zima/internal/exec"
	"github.com/leapstack-labs/zima/internal/state"
	"github.com/leapstack-labs/zima/internal/store"
)

// stubWorker writes a shell script standing in for the worker binary. It
// consumes the payload, then serves the canned output for the payload's cell
// id from dir, or fails if a <cell>.fail marker exists.
func stubWorker(t *testing.T, dir string) []string {
	t.Helper()
	script := fmt.Sprintf(`#!/bin/sh
cell=$(sed -n 's/.*"cell":"\([^"]*\)".*/\1/p' "$1")
rm "$1"
if [ -f %q/delay ]; then sleep 1; fi
if [ -f %q/$cell.fail ]; then
  echo "stub worker failure" >&2
  exit 1
fi
echo "ran $cell"
cp %q/$cell.json "$2"
`, dir, dir, dir)
	path := filepath.Join(dir, "worker.sh")
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return []string{path}
}

func cannedResult(t *testing.T, dir, cell string, accessed []string, created map[string]string) {
	t.Helper()
	data, err := json.Marshal(&exec.Output{AccessedVars: accessed, CreatedVars: created})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, cell+".json"), data, 0o644))
}

func writeNotebook(t *testing.T, dir, text string) string {
	t.Helper()
	path := filepath.Join(dir, "analysis.zima")
	require.NoError(t, os.WriteFile(path, []byte(text), 0o644))
	return path
}

func openNotebook(t *testing.T, path string, worker []string) *Notebook {
	t.Helper()
	n, err := Open(Config{Path: path, WorkerCommand: worker})
	require.NoError(t, err)
	t.Cleanup(func() { _ = n.Close() })
	return n
}

func runCell(t *testing.T, n *Notebook, cell string) {
	t.Helper()
	h, err := n.Execute(cell)
	require.NoError(t, err)
	require.NoError(t, h.Wait())
}

func TestOpenLocksDataDir(t *testing.T) {
	dir := t.TempDir()
	path := writeNotebook(t, dir, "#%cell c1\nx = 1\n")
	worker := stubWorker(t, dir)

	n := openNotebook(t, path, worker)
	assert.DirExists(t, filepath.Join(path+".data", "logs"))
	assert.DirExists(t, filepath.Join(path+".data", "temp"))

	_, err := Open(Config{Path: path, WorkerCommand: worker})
	require.Error(t, err, "the data directory admits one orchestrator at a time")

	require.NoError(t, n.Close())
	again, err := Open(Config{Path: path, WorkerCommand: worker})
	require.NoError(t, err)
	require.NoError(t, again.Close())
}

func TestExecuteMakesCellFresh(t *testing.T) {
	dir := t.TempDir()
	path := writeNotebook(t, dir, "#%cell c1\nx = 1\n")
	worker := stubWorker(t, dir)
	hashA := store.HashString("v1")
	cannedResult(t, dir, "c1", nil, map[string]string{"a": hashA})

	n := openNotebook(t, path, worker)

	st, err := n.GetCellState("c1")
	require.NoError(t, err)
	assert.False(t, st.Fresh(), "a never-executed cell is stale")
	assert.Nil(t, st.LastRefresh)

	runCell(t, n, "c1")

	st, err = n.GetCellState("c1")
	require.NoError(t, err)
	assert.True(t, st.Fresh())
	assert.False(t, st.Running)
	assert.False(t, st.LastRefreshFailed)
	require.NotNil(t, st.LastRefresh)
	assert.Equal(t, map[string]string{"a": hashA}, st.VarHashes)

	got, err := n.VarHash("a")
	require.NoError(t, err)
	assert.Equal(t, hashA, got)

	// The pending log was promoted.
	logData, err := os.ReadFile(st.CurrentLog)
	require.NoError(t, err)
	assert.Contains(t, string(logData), "ran c1")
	assert.NoFileExists(t, st.PendingLog)
}

func TestUnknownCell(t *testing.T) {
	dir := t.TempDir()
	path := writeNotebook(t, dir, "#%cell c1\nx = 1\n")
	n := openNotebook(t, path, stubWorker(t, dir))

	_, err := n.Execute("nope")
	assert.ErrorIs(t, err, ErrUnknownCell)
	_, err = n.GetCellState("nope")
	assert.ErrorIs(t, err, ErrUnknownCell)
	err = n.ModifyCellCode("nope", "x = 2")
	assert.ErrorIs(t, err, ErrUnknownCell)
}

func TestModifyCellCode(t *testing.T) {
	dir := t.TempDir()
	path := writeNotebook(t, dir, "#%cell c1 dep_refresh\nx = 1\n")
	worker := stubWorker(t, dir)
	cannedResult(t, dir, "c1", nil, nil)

	n := openNotebook(t, path, worker)
	runCell(t, n, "c1")

	require.NoError(t, n.ModifyCellCode("c1", "x = 2"))

	st, err := n.GetCellState("c1")
	require.NoError(t, err)
	assert.False(t, st.CodeFresh, "a code edit must stale the cell")
	assert.True(t, st.PreambleFresh)

	// The file was rewritten in canonical form, header preserved.
	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(content), "#%cell c1 dep_refresh\nx = 2\n")

	runCell(t, n, "c1")
	st, err = n.GetCellState("c1")
	require.NoError(t, err)
	assert.True(t, st.Fresh())
}

func TestExecuteWhileRunning(t *testing.T) {
	dir := t.TempDir()
	path := writeNotebook(t, dir, "#%cell c1\nx = 1\n")
	worker := stubWorker(t, dir)
	cannedResult(t, dir, "c1", nil, nil)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "delay"), nil, 0o644))

	n := openNotebook(t, path, worker)

	h, err := n.Execute("c1")
	require.NoError(t, err)

	st, err := n.GetCellState("c1")
	require.NoError(t, err)
	assert.True(t, st.Running)

	_, err = n.Execute("c1")
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	require.NoError(t, h.Wait())

	// A finished cell accepts a new run.
	_, err = n.Execute("c1")
	require.NoError(t, err)
}

func TestWorkerFailureRecorded(t *testing.T) {
	dir := t.TempDir()
	path := writeNotebook(t, dir, "#%cell c1\nx = 1\n")
	worker := stubWorker(t, dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "c1.fail"), nil, 0o644))

	n := openNotebook(t, path, worker)

	h, err := n.Execute("c1")
	require.NoError(t, err)
	err = h.Wait()
	require.ErrorIs(t, err, exec.ErrWorkerFailed)

	st, err := n.GetCellState("c1")
	require.NoError(t, err)
	assert.True(t, st.LastRefreshFailed)
	assert.False(t, st.Fresh())
	assert.False(t, st.Running)

	// The pending log holds the failure record and is not promoted.
	logData, err := os.ReadFile(st.PendingLog)
	require.NoError(t, err)
	assert.Contains(t, string(logData), "stub worker failure")
	assert.NoFileExists(t, st.CurrentLog)
}

const twoCellNotebook = "#%cell c1\nx = 1\n#%cell c2\ny = a\n"

func TestDependencyInvalidation(t *testing.T) {
	dir := t.TempDir()
	path := writeNotebook(t, dir, twoCellNotebook)
	worker := stubWorker(t, dir)
	h1 := store.HashString("v1")
	h2 := store.HashString("v2")
	cannedResult(t, dir, "c1", nil, map[string]string{"a": h1})
	cannedResult(t, dir, "c2", []string{"a"}, map[string]string{"b": store.HashString("b1")})

	n := openNotebook(t, path, worker)
	runCell(t, n, "c1")
	runCell(t, n, "c2")

	for _, id := range []string{"c1", "c2"} {
		st, err := n.GetCellState(id)
		require.NoError(t, err)
		assert.True(t, st.Fresh(), id)
	}

	// Re-running c1 with an unchanged value leaves c2 fresh.
	runCell(t, n, "c1")
	st, err := n.GetCellState("c2")
	require.NoError(t, err)
	assert.True(t, st.Fresh())

	// A changed value stales c2 but not c1 itself.
	cannedResult(t, dir, "c1", nil, map[string]string{"a": h2})
	runCell(t, n, "c1")

	st, err = n.GetCellState("c1")
	require.NoError(t, err)
	assert.True(t, st.Fresh())
	st, err = n.GetCellState("c2")
	require.NoError(t, err)
	assert.False(t, st.DepFresh)

	// Re-running c2 against the new value restores it.
	runCell(t, n, "c2")
	st, err = n.GetCellState("c2")
	require.NoError(t, err)
	assert.True(t, st.Fresh())
}

func TestDuplicateVariableMergeDiscarded(t *testing.T) {
	dir := t.TempDir()
	path := writeNotebook(t, dir, twoCellNotebook)
	worker := stubWorker(t, dir)
	h1 := store.HashString("v1")
	cannedResult(t, dir, "c1", nil, map[string]string{"a": h1})
	cannedResult(t, dir, "c2", nil, map[string]string{"a": store.HashString("v2")})

	n := openNotebook(t, path, worker)
	runCell(t, n, "c1")

	h, err := n.Execute("c2")
	require.NoError(t, err)
	err = h.Wait()
	require.ErrorIs(t, err, state.ErrDuplicateVariable)

	// c1's ownership is untouched, c2's result discarded.
	got, err := n.VarHash("a")
	require.NoError(t, err)
	assert.Equal(t, h1, got)

	st, err := n.GetCellState("c2")
	require.NoError(t, err)
	assert.False(t, st.Fresh())
	assert.Empty(t, st.VarHashes)
}

func TestCellRemovalFreesVariables(t *testing.T) {
	dir := t.TempDir()
	path := writeNotebook(t, dir, twoCellNotebook)
	worker := stubWorker(t, dir)
	cannedResult(t, dir, "c1", nil, map[string]string{"a": store.HashString("v1")})
	cannedResult(t, dir, "c2", []string{"a"}, map[string]string{"b": store.HashString("b1")})

	n := openNotebook(t, path, worker)
	runCell(t, n, "c1")
	runCell(t, n, "c2")

	require.NoError(t, os.WriteFile(path, []byte("#%cell c2\ny = a\n"), 0o644))
	require.NoError(t, n.Reload())

	_, err := n.GetCellState("c1")
	assert.ErrorIs(t, err, ErrUnknownCell)
	_, err = n.VarHash("a")
	assert.ErrorIs(t, err, state.ErrVarNotFound)

	// Dropping c1's variables stales its dependent.
	st, err := n.GetCellState("c2")
	require.NoError(t, err)
	assert.False(t, st.DepFresh)
}

func TestReloadKeepsLastGoodDefinition(t *testing.T) {
	dir := t.TempDir()
	path := writeNotebook(t, dir, "#%cell c1\nx = 1\n")
	n := openNotebook(t, path, stubWorker(t, dir))

	require.NoError(t, os.WriteFile(path, []byte("#%cell bad-id\nx = 1\n"), 0o644))
	err := n.Reload()
	require.Error(t, err)
	var perr *ParseError
	assert.True(t, errors.As(err, &perr))

	assert.Equal(t, []string{"c1"}, n.Def().CellIDs())
}

func TestWatchReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := writeNotebook(t, dir, "#%cell c1\nx = 1\n")
	n := openNotebook(t, path, stubWorker(t, dir))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = n.Watch(ctx)
	}()

	// Give the watcher a moment to register before replacing the file.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("#%cell c1\nx = 1\n#%cell c2\ny = 2\n"), 0o644))

	require.Eventually(t, func() bool {
		return len(n.Def().CellIDs()) == 2
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop on cancel")
	}
}

func TestPreambleEditStalesEveryCell(t *testing.T) {
	dir := t.TempDir()
	path := writeNotebook(t, dir, "BASE = 1\n#%cell c1\nx = BASE\n")
	worker := stubWorker(t, dir)
	cannedResult(t, dir, "c1", nil, nil)

	n := openNotebook(t, path, worker)
	runCell(t, n, "c1")

	require.NoError(t, os.WriteFile(path, []byte("BASE = 2\n#%cell c1\nx = BASE\n"), 0o644))
	require.NoError(t, n.Reload())

	st, err := n.GetCellState("c1")
	require.NoError(t, err)
	assert.False(t, st.PreambleFresh)
	assert.True(t, st.CodeFresh, "the cell's own code is unchanged")
}
