package sandbox

import (
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"sceneforge/internal/logging"
)

// artifactWatcher records when the first artifact file appears in the output
// directory during a render. Purely observational: artifact discovery after
// the process exits still goes through a directory scan, but the watcher
// gives a useful render-latency signal in the logs and the result.
type artifactWatcher struct {
	fw  *fsnotify.Watcher
	ext string

	mu        sync.Mutex
	firstSeen time.Time

	done chan struct{}
}

// newArtifactWatcher starts watching dir. A watcher that fails to start is
// returned as a no-op; rendering must not fail because inotify is exhausted.
func newArtifactWatcher(dir, ext string) *artifactWatcher {
	w := &artifactWatcher{ext: ext, done: make(chan struct{})}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		logging.SandboxDebug("artifact watcher unavailable: %v", err)
		return w
	}
	if err := fw.Add(dir); err != nil {
		logging.SandboxDebug("artifact watcher add failed: %v", err)
		fw.Close()
		return w
	}
	w.fw = fw

	go w.loop()
	return w
}

func (w *artifactWatcher) loop() {
	defer close(w.done)
	for {
		select {
		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
			if !strings.HasSuffix(ev.Name, w.ext) {
				continue
			}
			w.mu.Lock()
			if w.firstSeen.IsZero() {
				w.firstSeen = time.Now()
				logging.SandboxDebug("artifact first seen: %s", ev.Name)
			}
			w.mu.Unlock()
		case _, ok := <-w.fw.Errors:
			if !ok {
				return
			}
		}
	}
}

// FirstSeenMs returns milliseconds from start to first artifact appearance,
// or -1 if nothing was observed.
func (w *artifactWatcher) FirstSeenMs(start time.Time) int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.firstSeen.IsZero() {
		return -1
	}
	return w.firstSeen.Sub(start).Milliseconds()
}

// Close stops the watcher and waits for its goroutine to exit.
func (w *artifactWatcher) Close() {
	if w.fw == nil {
		return
	}
	w.fw.Close()
	<-w.done
}
