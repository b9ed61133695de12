package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeStubRenderer creates a shell script standing in for the render binary.
// Arguments arrive as `<entry-point> --output-dir <dir>`.
func writeStubRenderer(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("stub renderers are shell scripts")
	}
	path := filepath.Join(t.TempDir(), "render")
	script := "#!/bin/sh\nentry=\"$1\"\nout=\"$3\"\n" + body + "\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0755))
	return path
}

func newTestExecutor(t *testing.T, rendererBody string, keep int) *Executor {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Binary = writeStubRenderer(t, rendererBody)
	cfg.BaseDir = t.TempDir()
	cfg.KeepWorkdirs = keep
	e, err := New(cfg)
	require.NoError(t, err)
	return e
}

func TestExecuteProducesArtifact(t *testing.T) {
	e := newTestExecutor(t, `echo rendering "$entry"
printf frames > "$out/$entry.mp4"`, 0)

	res, err := e.Execute(context.Background(), "print('scene')", "MyScene", 10*time.Second)
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, 0, res.ExitCode)
	assert.False(t, res.TimedOut)
	require.NotEmpty(t, res.ArtifactPath)

	data, err := os.ReadFile(res.ArtifactPath)
	require.NoError(t, err)
	assert.Equal(t, "frames", string(data))
	assert.Contains(t, res.Stdout, "rendering MyScene")
}

func TestExecuteCleanExitWithoutArtifact(t *testing.T) {
	e := newTestExecutor(t, `echo done`, 0)

	res, err := e.Execute(context.Background(), "pass", "MyScene", 10*time.Second)
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, 0, res.ExitCode)
	assert.Empty(t, res.ArtifactPath, "no artifact should be reported")
}

func TestExecuteNonZeroExit(t *testing.T) {
	e := newTestExecutor(t, `echo "NameError: name 'Cricle' is not defined" >&2
exit 2`, 0)

	res, err := e.Execute(context.Background(), "broken", "MyScene", 10*time.Second)
	require.NoError(t, err)

	assert.True(t, res.Success, "a failed render is still a successful execution")
	assert.Equal(t, 2, res.ExitCode)
	assert.Contains(t, res.Stderr, "is not defined")
	assert.Empty(t, res.ArtifactPath)
}

func TestExecuteHardTimeout(t *testing.T) {
	e := newTestExecutor(t, `sleep 30`, 0)

	start := time.Now()
	res, err := e.Execute(context.Background(), "loop", "MyScene", 300*time.Millisecond)
	require.NoError(t, err)

	assert.True(t, res.TimedOut)
	assert.True(t, res.Success)
	assert.Less(t, time.Since(start), 5*time.Second, "kill must not wait for the child's sleep")
}

func TestExecuteSpawnFailure(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Binary = filepath.Join(t.TempDir(), "missing-binary")
	cfg.BaseDir = t.TempDir()
	e, err := New(cfg)
	require.NoError(t, err)

	_, err = e.Execute(context.Background(), "x", "MyScene", time.Second)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSpawnFailed)
}

func TestWorkdirRemovedAfterAttempt(t *testing.T) {
	e := newTestExecutor(t, `echo ok`, 0)

	_, err := e.Execute(context.Background(), "x", "MyScene", 10*time.Second)
	require.NoError(t, err)

	entries, err := os.ReadDir(e.cfg.BaseDir)
	require.NoError(t, err)
	for _, entry := range entries {
		assert.NotContains(t, entry.Name(), "attempt-", "workdir should be destroyed")
	}
}

func TestCleanupWorkdirsRetention(t *testing.T) {
	base := t.TempDir()
	for i := 0; i < 6; i++ {
		dir := filepath.Join(base, "attempt-"+string(rune('a'+i)))
		require.NoError(t, os.Mkdir(dir, 0755))
		past := time.Now().Add(-time.Duration(6-i) * time.Hour)
		require.NoError(t, os.Chtimes(dir, past, past))
	}

	require.NoError(t, CleanupWorkdirs(base, 2))

	entries, err := os.ReadDir(base)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	// The two newest survive.
	names := []string{entries[0].Name(), entries[1].Name()}
	assert.ElementsMatch(t, []string{"attempt-e", "attempt-f"}, names)
}

func TestOutputTruncation(t *testing.T) {
	e := newTestExecutor(t, `i=0
while [ $i -lt 200 ]; do echo "0123456789012345678901234567890123456789"; i=$((i+1)); done`, 0)
	e.cfg.MaxOutputBytes = 1024

	res, err := e.Execute(context.Background(), "chatty", "MyScene", 10*time.Second)
	require.NoError(t, err)

	assert.True(t, res.Truncated)
	assert.LessOrEqual(t, len(res.Stdout), 1024)
}
