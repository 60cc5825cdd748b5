package auditlog

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenEOLTerminatesNonEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log")
	require.NoError(t, os.WriteFile(path, []byte("existing line without newline"), 0o640))

	f, err := Open(path)
	require.NoError(t, err)
	defer f.Close()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, byte('\n'), data[len(data)-1])
}

func TestOpenLeavesAlreadyTerminatedFileAlone(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log")
	require.NoError(t, os.WriteFile(path, []byte("line\n"), 0o640))

	f, err := Open(path)
	require.NoError(t, err)
	defer f.Close()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "line\n", string(data))
}

func TestPrintfAppendsTimestampedLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log")
	f, err := Open(path)
	require.NoError(t, err)
	defer f.Close()

	f.Printf("|%s|%d", "op", 42)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	line := string(data)
	require.True(t, len(line) > 20)
	_, err = time.Parse("2006-01-02 15:04:05", line[:19])
	assert.NoError(t, err)
	assert.Contains(t, line, "|op|42")
}

func TestReopenIfMovedRecreatesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log")
	f, err := Open(path)
	require.NoError(t, err)
	defer f.Close()

	require.NoError(t, os.Remove(path))
	f.reopenIfMoved()
	f.Printf("|after-rotate")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "after-rotate")
}
