package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// CleanupWorkdirs removes attempt directories under baseDir, keeping the
// `keep` most recently modified ones. Used both by the executor after each
// attempt and by the clean command.
func CleanupWorkdirs(baseDir string, keep int) error {
	entries, err := os.ReadDir(baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read sandbox base dir: %w", err)
	}

	type dirInfo struct {
		path string
		mod  time.Time
	}
	var dirs []dirInfo
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), "attempt-") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		dirs = append(dirs, dirInfo{
			path: filepath.Join(baseDir, e.Name()),
			mod:  info.ModTime(),
		})
	}

	if len(dirs) <= keep {
		return nil
	}

	sort.Slice(dirs, func(i, j int) bool { return dirs[i].mod.After(dirs[j].mod) })

	var firstErr error
	for _, d := range dirs[keep:] {
		if err := os.RemoveAll(d.path); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
