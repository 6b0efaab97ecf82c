package backup

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/psantana5/warden/pkg/logging"
)

// WatchStaging calls onChange(true) when a candidate appears in the staging
// path and onChange(false) when it goes away. It watches the staging
// directory with fsnotify and falls back to polling every interval when the
// watch cannot be set up. It returns when ctx is cancelled.
func (m *Manager) WatchStaging(ctx context.Context, interval time.Duration, logger *logging.Logger, onChange func(staged bool)) {
	if m.Staging == "" {
		return
	}
	if interval <= 0 {
		interval = time.Second
	}

	last := m.Staged()
	if last {
		onChange(true)
	}
	check := func() {
		if now := m.Staged(); now != last {
			last = now
			onChange(now)
		}
	}

	dir := filepath.Dir(m.Staging)
	if err := os.MkdirAll(dir, 0755); err != nil {
		logger.Warn("staging directory unavailable, polling", logging.Fields{"dir": dir, "error": err.Error()})
		m.pollStaging(ctx, interval, check)
		return
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("fsnotify unavailable, polling staging path", logging.Fields{"error": err.Error()})
		m.pollStaging(ctx, interval, check)
		return
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(dir); err != nil {
		logger.Warn("cannot watch staging directory, polling", logging.Fields{"dir": dir, "error": err.Error()})
		m.pollStaging(ctx, interval, check)
		return
	}

	// Safety net for missed events
	fallback := time.NewTicker(interval * 10)
	defer fallback.Stop()

	target := filepath.Clean(m.Staging)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) == target {
				check()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logger.Warn("staging watcher error", logging.Fields{"error": err.Error()})
		case <-fallback.C:
			check()
		}
	}
}

func (m *Manager) pollStaging(ctx context.Context, interval time.Duration, check func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			check()
		}
	}
}
