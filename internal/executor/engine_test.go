//go:build unix

// ABOUTME: Tests for the execution engine
// ABOUTME: Covers success, exit codes, timeouts, output caps, env, and workdir

package executor

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecute_Success(t *testing.T) {
	e := New(Config{}, nil)

	res, err := e.Execute(context.Background(), "echo hello", 0)
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "hello\n", res.Stdout)
	assert.Empty(t, res.Stderr)
}

func TestExecute_SeparatesStreams(t *testing.T) {
	e := New(Config{}, nil)

	res, err := e.Execute(context.Background(), "echo out; echo err >&2", time.Second*5)
	require.NoError(t, err)
	assert.Equal(t, "out\n", res.Stdout)
	assert.Equal(t, "err\n", res.Stderr)
}

func TestExecute_NonZeroExit(t *testing.T) {
	e := New(Config{}, nil)

	res, err := e.Execute(context.Background(), "echo partial; echo broken >&2; exit 7", 5*time.Second)
	assert.ErrorIs(t, err, ErrExitStatus)
	assert.Equal(t, 7, res.ExitCode)
	assert.Equal(t, "partial\n", res.Stdout)
	assert.Equal(t, "broken\n", res.Stderr)
}

func TestExecute_NonZeroExitWithoutStderr(t *testing.T) {
	e := New(Config{}, nil)

	res, err := e.Execute(context.Background(), "exit 3", 5*time.Second)
	assert.ErrorIs(t, err, ErrExitStatus)
	assert.Equal(t, 3, res.ExitCode)
	assert.NotEmpty(t, res.Stderr, "stderr falls back to the error text")
}

func TestExecute_Timeout(t *testing.T) {
	e := New(Config{}, nil)

	start := time.Now()
	res, err := e.Execute(context.Background(), "sleep 30", 200*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, 1, res.ExitCode)
	assert.Contains(t, res.Stderr, "timed out")
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestExecute_TimeoutKillsDescendants(t *testing.T) {
	e := New(Config{}, nil)

	// The background sleep holds stdout open; only a group kill lets Run return promptly
	start := time.Now()
	_, err := e.Execute(context.Background(), "sleep 30 & sleep 30; wait", 200*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestExecute_DefaultTimeoutApplied(t *testing.T) {
	e := New(Config{DefaultTimeout: 200 * time.Millisecond}, nil)

	_, err := e.Execute(context.Background(), "sleep 30", 0)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestExecute_OutputLimit(t *testing.T) {
	e := New(Config{MaxOutputBytes: 1024}, nil)

	res, err := e.Execute(context.Background(), "yes greyzone", 10*time.Second)
	assert.ErrorIs(t, err, ErrOutputLimit)
	assert.Equal(t, 1, res.ExitCode)
	assert.Len(t, res.Stdout, 1024)
}

func TestExecute_SpawnFailure(t *testing.T) {
	e := New(Config{Shell: "/nonexistent/shell"}, nil)

	res, err := e.Execute(context.Background(), "echo hi", time.Second)
	assert.ErrorIs(t, err, ErrSpawn)
	assert.Equal(t, 1, res.ExitCode)
	assert.NotEmpty(t, res.Stderr)
}

func TestExecute_EnvAndWorkDir(t *testing.T) {
	dir := t.TempDir()
	e := New(Config{WorkDir: dir, Env: []string{"GREYZONE_TEST_VALUE=42"}}, nil)

	res, err := e.Execute(context.Background(), "pwd; echo $GREYZONE_TEST_VALUE", 5*time.Second)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(res.Stdout), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], strings.TrimPrefix(dir, "/private"))
	assert.Equal(t, "42", lines[1])
}

func TestExecute_ParentCancel(t *testing.T) {
	e := New(Config{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := e.Execute(ctx, "echo hi", time.Second)
	assert.Error(t, err)
	assert.Equal(t, 1, res.ExitCode)
}

func TestCappedBuffer(t *testing.T) {
	overflows := 0
	b := &cappedBuffer{limit: 5, onOverflow: func() { overflows++ }}

	n, err := b.Write([]byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = b.Write([]byte("defgh"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	_, _ = b.Write([]byte("ijk"))
	assert.Equal(t, "abcde", b.String())
	assert.Equal(t, 1, overflows)
}
