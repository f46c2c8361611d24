package artifacts

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveTestOutputWritesLogAndCapture(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	require.NoError(t, err)

	base := "ixy-languages__ixy__master__2020-01-02T03:04:05Z"
	logFile, pcapFile, err := store.SaveTestOutput(base, "$ uname -a\nLinux\n", []byte{0xd4, 0xc3, 0xb2, 0xa1})
	require.NoError(t, err)
	assert.Equal(t, base+".log", logFile)
	assert.Equal(t, base+".pcap", pcapFile)

	logData, err := os.ReadFile(filepath.Join(dir, logFile))
	require.NoError(t, err)
	assert.Equal(t, "$ uname -a\nLinux\n", string(logData))

	pcapData, err := os.ReadFile(filepath.Join(dir, pcapFile))
	require.NoError(t, err)
	assert.Equal(t, []byte{0xd4, 0xc3, 0xb2, 0xa1}, pcapData)
}

func TestSaveTestOutputWithoutCapture(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	require.NoError(t, err)

	logFile, pcapFile, err := store.SaveTestOutput("run", "log text", nil)
	require.NoError(t, err)
	assert.Equal(t, "run.log", logFile)
	assert.Empty(t, pcapFile)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "no capture or temp file expected")
	assert.Equal(t, "run.log", entries[0].Name())
}

func TestSaveTestOutputLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	require.NoError(t, err)

	_, _, err = store.SaveTestOutput("run", "text", []byte("capture"))
	require.NoError(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasPrefix(e.Name(), "."), "leftover temp file %s", e.Name())
	}
	assert.Len(t, entries, 2)
}

func TestSaveTestOutputFailsOnMissingDirectory(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(filepath.Join(dir, "logs"))
	require.NoError(t, err)
	require.NoError(t, os.RemoveAll(filepath.Join(dir, "logs")))

	_, _, err = store.SaveTestOutput("run", "text", nil)
	assert.Error(t, err)
}

func TestNewStoreCreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "a", "b")
	_, err := NewStore(dir)
	require.NoError(t, err)
	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}
