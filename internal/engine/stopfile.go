package engine

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
)

// stopWatcher flags the appearance of the run's stop-signal file. The
// file name carries a per-run random component so only tooling that
// was told the path can halt the run.
type stopWatcher struct {
	path    string
	fired   atomic.Bool
	watcher *fsnotify.Watcher
}

// stopSignalPath derives a fresh secret path under the system temp
// directory.
func stopSignalPath() string {
	return filepath.Join(os.TempDir(), fmt.Sprintf(".parley-stop-%s", uuid.NewString()))
}

// startStopWatcher installs the watcher and publishes the path
// through the engine options. A watcher failure degrades to stat
// polling rather than aborting the run.
func (e *Engine) startStopWatcher() (*stopWatcher, error) {
	if e.opts.Detect.StopSignalPath == "" {
		e.opts.Detect.StopSignalPath = stopSignalPath()
	}
	w := &stopWatcher{path: e.opts.Detect.StopSignalPath}
	e.stop = w
	e.logger.Info("stop signal armed", map[string]interface{}{"path": w.path})

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return w, err
	}
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		fw.Close()
		return w, err
	}
	w.watcher = fw

	go func() {
		for {
			select {
			case ev, ok := <-fw.Events:
				if !ok {
					return
				}
				if ev.Name == w.path && ev.Op.Has(fsnotify.Create|fsnotify.Write) {
					w.fired.Store(true)
				}
			case _, ok := <-fw.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return w, nil
}

// triggered reports whether the signal file exists. The stat fallback
// covers the window before the watcher was armed and platforms where
// it could not be.
func (w *stopWatcher) triggered() bool {
	if w.fired.Load() {
		return true
	}
	if _, err := os.Stat(w.path); err == nil {
		w.fired.Store(true)
		return true
	}
	return false
}

func (w *stopWatcher) Close() {
	if w.watcher != nil {
		w.watcher.Close()
	}
}

// stopRequested checks the signal and, when present, pulls the
// operator's reason out of the file body.
func (e *Engine) stopRequested() (string, bool) {
	if e.stop == nil || !e.stop.triggered() {
		return "", false
	}
	reason := "stop signal file present"
	if data, err := os.ReadFile(e.stop.path); err == nil {
		if d := stopDetail(data); d != "" {
			reason = d
		}
	}
	return reason, true
}

func stopDetail(data []byte) string {
	var body struct {
		Reason string `json:"reason"`
	}
	if json.Unmarshal(data, &body) == nil && body.Reason != "" {
		return "operator stop: " + body.Reason
	}
	return ""
}
