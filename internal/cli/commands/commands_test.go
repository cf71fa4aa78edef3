package commands

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leapstack-labs/zima/internal/config"
)

func TestVersionCommand(t *testing.T) {
	cmd := NewVersionCommand("1.2.3")
	var out bytes.Buffer
	cmd.SetOut(&out)

	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "zima v1.2.3")
}

func TestNotebookPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "analysis.zima")
	require.NoError(t, os.WriteFile(path, []byte("#%cell c1\nx = 1\n"), 0o644))

	got, err := notebookPath(&config.Config{}, []string{path})
	require.NoError(t, err)
	assert.Equal(t, path, got)

	got, err = notebookPath(&config.Config{Notebook: path}, nil)
	require.NoError(t, err)
	assert.Equal(t, path, got)

	_, err = notebookPath(&config.Config{}, nil)
	assert.Error(t, err)

	_, err = notebookPath(&config.Config{}, []string{filepath.Join(dir, "missing.zima")})
	assert.Error(t, err)
}

func TestStateCommand(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "analysis.zima")
	require.NoError(t, os.WriteFile(path, []byte("#%cell load\nx = 1\n#%cell report dialect='sql'\nselect 1\n"), 0o644))

	cmd := NewStateCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{path})
	cmd.SetContext(config.IntoContext(t.Context(), &config.Config{}, nil))

	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "load")
	assert.Contains(t, out.String(), "report")
	assert.Contains(t, out.String(), "sql")
	assert.Contains(t, out.String(), "stale")
	assert.Contains(t, out.String(), "never")
}

func TestInternalExecuteIsHidden(t *testing.T) {
	cmd := NewInternalExecuteCommand()
	assert.True(t, cmd.Hidden)
	assert.Error(t, cmd.Args(cmd, []string{"only-one"}))
	assert.NoError(t, cmd.Args(cmd, []string{"in", "out"}))
}
