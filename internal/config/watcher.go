package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"codeberg.org/mutker/gpuctld/internal/errors"
	"codeberg.org/mutker/gpuctld/internal/logger"
	"github.com/fsnotify/fsnotify"
)

const (
	// DefaultDebounce coalesces the several events an editor produces
	// for a single save.
	DefaultDebounce = 100 * time.Millisecond
	// DefaultEchoWindow is how long after the daemon's own Save file
	// events are ignored.
	DefaultEchoWindow = time.Second
)

// SaveMarker records when the daemon last wrote the configuration file.
type SaveMarker struct {
	mu sync.Mutex
	at time.Time
}

// Mark stamps the marker with the current time.
func (m *SaveMarker) Mark() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.at = time.Now()
}

// Within reports whether the last save happened less than d ago.
func (m *SaveMarker) Within(d time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.at.IsZero() && time.Since(m.at) < d
}

// Watcher emits a freshly loaded Config whenever the file at its path is
// changed by someone other than the daemon.
type Watcher struct {
	path       string
	marker     *SaveMarker
	debounce   time.Duration
	echoWindow time.Duration
	opts       []Option
}

// NewWatcher creates a watcher for path. Writes stamped on marker are not
// reported.
func NewWatcher(path string, marker *SaveMarker, opts ...Option) *Watcher {
	if marker == nil {
		marker = &SaveMarker{}
	}

	return &Watcher{
		path:       filepath.Clean(path),
		marker:     marker,
		debounce:   DefaultDebounce,
		echoWindow: DefaultEchoWindow,
		opts:       opts,
	}
}

// SetTimings overrides the debounce and echo windows.
func (w *Watcher) SetTimings(debounce, echoWindow time.Duration) {
	w.debounce = debounce
	w.echoWindow = echoWindow
}

// Start watches the directory holding the file, so atomic replacements
// by editors are seen too. The returned channel is closed when ctx ends
// or the underlying watcher fails.
func (w *Watcher) Start(ctx context.Context) (<-chan Config, error) {
	errFactory := errors.New()

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errFactory.Wrap(errors.ErrWatchConfig, err)
	}

	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		fsw.Close()
		return nil, errFactory.Wrap(errors.ErrWatchConfig, err)
	}

	updates := make(chan Config, 1)
	go w.loop(ctx, fsw, updates)

	logger.Debug().Str("path", w.path).Msg("Watching configuration file")

	return updates, nil
}

func (w *Watcher) loop(ctx context.Context, fsw *fsnotify.Watcher, updates chan<- Config) {
	defer close(updates)
	defer fsw.Close()

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}

			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}
			timerC = timer.C

		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			logger.Warn().Err(err).Msg("Configuration watcher error")

		case <-timerC:
			timerC = nil

			if w.marker.Within(w.echoWindow) {
				logger.Debug().Msg("Ignoring configuration change made by the daemon")
				continue
			}

			cfg, err := Load(w.path, w.opts...)
			if err != nil {
				logger.ErrorWithCode(err).Str("path", w.path).Msg("Could not load changed configuration")
				continue
			}

			select {
			case updates <- cfg:
			case <-ctx.Done():
				return
			}
		}
	}
}
