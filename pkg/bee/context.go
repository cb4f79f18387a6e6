package bee

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ContextFile returns the path of a bee's context usage file.
func ContextFile(home, beeID string) string {
	return filepath.Join(home, "bees", beeID, "context_pct")
}

// ReadContextPct returns the last recorded context usage percentage.
func ReadContextPct(path string) (int, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is constructed internally, not user input
	if err != nil {
		return 0, err
	}
	pct, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", path, err)
	}
	return pct, nil
}

func writeContextPct(path string, pct int) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.Itoa(pct)+"\n"), 0o644); err != nil { //nolint:gosec // not secret
		return err
	}
	return os.Rename(tmp, path)
}

// watchContext reports on high, at most once, when the context file shows
// usage above threshold. It reacts to fsnotify events in the file's
// directory and also polls, since some writers replace the file in ways
// that do not surface as events.
func watchContext(ctx context.Context, path string, threshold int, poll time.Duration, high chan<- int, log *slog.Logger) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.Debug("context dir unavailable", "dir", dir, "error", err)
	}

	var events <-chan fsnotify.Event
	if w, err := fsnotify.NewWatcher(); err == nil {
		defer w.Close()
		if err := w.Add(dir); err == nil {
			events = w.Events
			go func() {
				for range w.Errors { //nolint:revive // drain so the watcher never blocks
				}
			}()
		} else {
			log.Debug("context watch failed, polling only", "dir", dir, "error", err)
		}
	}

	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	check := func() bool {
		pct, err := ReadContextPct(path)
		if err != nil || pct <= threshold {
			return false
		}
		select {
		case high <- pct:
		default:
		}
		return true
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Base(ev.Name) != filepath.Base(path) {
				continue
			}
			if check() {
				return
			}
		case <-ticker.C:
			if check() {
				return
			}
		}
	}
}
