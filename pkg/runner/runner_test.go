//go:build !windows

package runner

import (
	"bytes"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// blockedStdin never delivers end-of-input unless closed.
func blockedStdin(t *testing.T) io.Reader {
	t.Helper()
	r, w := io.Pipe()
	t.Cleanup(func() { w.Close() })
	return r
}

func TestSuperviseRunsToCompletion(t *testing.T) {
	var out bytes.Buffer
	err := Supervise([]string{"sh", "-c", "echo hello"}, blockedStdin(t), &out, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, "hello\n", out.String())
}

func TestSuperviseIgnoresChildExitStatus(t *testing.T) {
	err := Supervise([]string{"sh", "-c", "exit 7"}, blockedStdin(t), io.Discard, io.Discard)
	assert.NoError(t, err)
}

func TestSuperviseRejectsEmptyCommand(t *testing.T) {
	err := Supervise(nil, blockedStdin(t), io.Discard, io.Discard)
	assert.Error(t, err)
}

func TestSuperviseReportsStartFailure(t *testing.T) {
	err := Supervise([]string{"/nonexistent/ixy-ci-test-binary"}, blockedStdin(t), io.Discard, io.Discard)
	assert.Error(t, err)
}

func TestSuperviseInterruptsOnStdinEOF(t *testing.T) {
	r, w := io.Pipe()
	go func() {
		time.Sleep(50 * time.Millisecond)
		w.Close()
	}()

	start := time.Now()
	err := Supervise([]string{"sleep", "30"}, r, io.Discard, io.Discard)
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Less(t, elapsed, 10*time.Second, "child was not interrupted promptly")
}
