// Package sandbox runs candidate scene code through the external render
// binary in an isolated child process. Each attempt gets its own working
// directory, a hard wall-clock timeout enforced by killing the whole process
// group, capped output capture, and artifact discovery under the attempt's
// output directory.
package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"sceneforge/internal/logging"
)

// ErrSpawnFailed means the render process could not be started at all. This
// is fatal for the session: no amount of code repair fixes a missing binary.
var ErrSpawnFailed = errors.New("sandbox: failed to spawn render process")

// Config tunes the executor.
type Config struct {
	// Binary is the render executable, invoked as
	// `render <entry-point> --output-dir <dir>`.
	Binary string
	// BaseDir is where per-attempt working directories are created.
	// Defaults to <os temp>/sceneforge.
	BaseDir string
	// OutputDirName is the directory name, inside the workdir, passed to
	// --output-dir.
	OutputDirName string
	// ArtifactExt is the expected artifact file extension.
	ArtifactExt string
	// ArtifactDir is where a produced artifact is moved before the workdir
	// is destroyed. Defaults to BaseDir/artifacts.
	ArtifactDir string
	// SourceFileName is the file the candidate program is written to inside
	// the workdir.
	SourceFileName string
	// MaxOutputBytes caps each captured stream.
	MaxOutputBytes int64
	// KeepWorkdirs bounds how many failed-attempt workdirs are retained for
	// debugging. Zero removes every workdir immediately.
	KeepWorkdirs int
	// Env is passed through to the child verbatim.
	Env []string
}

// DefaultConfig returns a working default configuration.
func DefaultConfig() Config {
	return Config{
		Binary:         "render",
		BaseDir:        filepath.Join(os.TempDir(), "sceneforge"),
		OutputDirName:  "media",
		ArtifactExt:    ".mp4",
		SourceFileName: "scene.py",
		MaxOutputBytes: 1 << 20,
		KeepWorkdirs:   5,
	}
}

// Result captures one attempt's execution.
type Result struct {
	// Success means the sandbox infrastructure worked; the render itself
	// may still have failed (non-zero exit, timeout).
	Success      bool
	ArtifactPath string
	ExitCode     int
	Stdout       string
	Stderr       string
	WallClockMs  int64
	TimedOut     bool
	Truncated    bool
	// FirstArtifactMs is how long after process start the artifact first
	// appeared, as seen by the output watcher. Negative when never seen.
	FirstArtifactMs int64
}

// Executor runs candidates.
type Executor struct {
	cfg Config
}

// New creates an executor.
func New(cfg Config) (*Executor, error) {
	def := DefaultConfig()
	if cfg.Binary == "" {
		cfg.Binary = def.Binary
	}
	if cfg.BaseDir == "" {
		cfg.BaseDir = def.BaseDir
	}
	if cfg.OutputDirName == "" {
		cfg.OutputDirName = def.OutputDirName
	}
	if cfg.ArtifactExt == "" {
		cfg.ArtifactExt = def.ArtifactExt
	}
	if cfg.ArtifactDir == "" {
		cfg.ArtifactDir = filepath.Join(cfg.BaseDir, "artifacts")
	}
	if cfg.SourceFileName == "" {
		cfg.SourceFileName = def.SourceFileName
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = def.MaxOutputBytes
	}
	if err := os.MkdirAll(cfg.BaseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create sandbox base dir: %w", err)
	}
	if err := os.MkdirAll(cfg.ArtifactDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create artifact dir: %w", err)
	}
	return &Executor{cfg: cfg}, nil
}

// Execute writes the program into a fresh workdir, invokes the render binary
// with the entry point, and waits for completion or the timeout. The workdir
// is cleaned up on every exit path; a produced artifact is moved out first.
func (e *Executor) Execute(ctx context.Context, program, entryPoint string, timeout time.Duration) (*Result, error) {
	timer := logging.StartTimer(logging.CategorySandbox, "render attempt")
	defer timer.Stop()

	wd, err := os.MkdirTemp(e.cfg.BaseDir, "attempt-")
	if err != nil {
		return nil, fmt.Errorf("failed to create attempt workdir: %w", err)
	}
	defer e.cleanupWorkdir(wd)

	srcPath := filepath.Join(wd, e.cfg.SourceFileName)
	if err := os.WriteFile(srcPath, []byte(program), 0644); err != nil {
		return nil, fmt.Errorf("failed to write candidate program: %w", err)
	}

	outDir := filepath.Join(wd, e.cfg.OutputDirName)
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output dir: %w", err)
	}

	logging.Sandbox("executing %s %s --output-dir %s (timeout %s)",
		e.cfg.Binary, entryPoint, outDir, timeout)

	cmd := exec.Command(e.cfg.Binary, entryPoint, "--output-dir", outDir)
	cmd.Dir = wd
	cmd.Env = e.cfg.Env
	setupProcessGroup(cmd)

	var stdoutBuf, stderrBuf bytes.Buffer
	stdout := &limitedWriter{w: &stdoutBuf, max: e.cfg.MaxOutputBytes}
	stderr := &limitedWriter{w: &stderrBuf, max: e.cfg.MaxOutputBytes}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	watcher := newArtifactWatcher(outDir, e.cfg.ArtifactExt)

	started := time.Now()
	if err := cmd.Start(); err != nil {
		watcher.Close()
		logging.SandboxError("spawn failed: %v", err)
		return nil, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}

	res := &Result{ExitCode: -1, FirstArtifactMs: -1}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	select {
	case err = <-done:
	case <-deadline.C:
		// The candidate is untrusted; kill the whole group, it will not
		// honor cooperative cancellation.
		logging.SandboxWarn("hard timeout after %s, killing process group", timeout)
		_ = killProcessGroup(cmd)
		res.TimedOut = true
		err = <-done
	case <-ctx.Done():
		logging.SandboxWarn("context canceled, killing process group")
		_ = killProcessGroup(cmd)
		res.TimedOut = ctx.Err() == context.DeadlineExceeded
		err = <-done
	}

	res.WallClockMs = time.Since(started).Milliseconds()
	res.Stdout = stdoutBuf.String()
	res.Stderr = stderrBuf.String()
	res.Truncated = stdout.truncated || stderr.truncated
	res.FirstArtifactMs = watcher.FirstSeenMs(started)
	watcher.Close()

	switch {
	case res.TimedOut:
		res.Success = true
	case err == nil:
		res.Success = true
		res.ExitCode = 0
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			// Render ran and failed; that is a classified error, not an
			// infrastructure failure.
			res.Success = true
			res.ExitCode = exitErr.ExitCode()
		} else {
			res.Success = false
			return res, fmt.Errorf("render wait failed: %w", err)
		}
	}

	if res.ExitCode == 0 && !res.TimedOut {
		if found := e.findArtifact(outDir, entryPoint); found != "" {
			moved, err := e.moveArtifact(found, entryPoint)
			if err != nil {
				return res, fmt.Errorf("failed to move artifact: %w", err)
			}
			res.ArtifactPath = moved
			logging.Sandbox("artifact produced: %s (%dms)", moved, res.WallClockMs)
		} else {
			logging.SandboxWarn("exit 0 but no artifact under %s", outDir)
		}
	}

	return res, nil
}

// findArtifact looks for the artifact named after the entry point, falling
// back to a recursive scan for any file with the right extension.
func (e *Executor) findArtifact(outDir, entryPoint string) string {
	expected := filepath.Join(outDir, entryPoint+e.cfg.ArtifactExt)
	if fi, err := os.Stat(expected); err == nil && !fi.IsDir() && fi.Size() > 0 {
		return expected
	}

	var found string
	filepath.WalkDir(outDir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() || found != "" {
			return nil
		}
		if strings.HasSuffix(d.Name(), e.cfg.ArtifactExt) &&
			strings.HasPrefix(d.Name(), entryPoint) {
			found = path
		}
		return nil
	})
	return found
}

// moveArtifact relocates the artifact so it survives workdir cleanup.
func (e *Executor) moveArtifact(src, entryPoint string) (string, error) {
	dst := filepath.Join(e.cfg.ArtifactDir,
		fmt.Sprintf("%s-%d%s", entryPoint, time.Now().UnixNano(), e.cfg.ArtifactExt))
	if err := os.Rename(src, dst); err == nil {
		return dst, nil
	}
	// Rename fails across filesystems; copy instead.
	in, err := os.Open(src)
	if err != nil {
		return "", err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return "", err
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		os.Remove(dst)
		return "", err
	}
	return dst, nil
}

// cleanupWorkdir removes the attempt directory, or retains it within the
// KeepWorkdirs bound when retention is enabled.
func (e *Executor) cleanupWorkdir(wd string) {
	if e.cfg.KeepWorkdirs <= 0 {
		if err := os.RemoveAll(wd); err != nil {
			logging.SandboxWarn("workdir cleanup failed: %v", err)
		}
		return
	}
	if err := CleanupWorkdirs(e.cfg.BaseDir, e.cfg.KeepWorkdirs); err != nil {
		logging.SandboxWarn("workdir pruning failed: %v", err)
	}
}

// limitedWriter caps total bytes written, discarding the excess while
// pretending the write succeeded so the child never sees a pipe error.
type limitedWriter struct {
	w         io.Writer
	max       int64
	written   int64
	truncated bool
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)

	if lw.written >= lw.max {
		lw.truncated = true
		return n, nil
	}

	remaining := lw.max - lw.written
	if int64(n) > remaining {
		lw.truncated = true
		written, err := lw.w.Write(p[:remaining])
		lw.written += int64(written)
		return n, err
	}

	written, err := lw.w.Write(p)
	lw.written += int64(written)
	return written, err
}
