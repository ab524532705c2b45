package guard

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// reloadDelay debounces bursts of file events.
const reloadDelay = 500 * time.Millisecond

// Loader reads rule files and watches them for changes.
type Loader struct {
	logger  zerolog.Logger
	mu      sync.Mutex
	watcher *fsnotify.Watcher
}

// NewLoader creates a rule loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger: logger.With().Str("component", "guard-loader").Logger(),
	}
}

// LoadDir reads every .rego file directly under dir. A missing directory
// yields no rules.
func (l *Loader) LoadDir(dir string) ([]Rule, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read rules directory: %w", err)
	}

	var rules []Rule
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".rego") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read rule %s: %w", path, err)
		}
		rules = append(rules, Rule{
			Name:        strings.TrimSuffix(entry.Name(), ".rego"),
			Description: extractDescription(string(data)),
			Rego:        string(data),
			Source:      path,
		})
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].Name < rules[j].Name })

	l.logger.Debug().Str("dir", dir).Int("count", len(rules)).Msg("Rules read")
	return rules, nil
}

// extractDescription joins the leading comment lines of a module.
func extractDescription(content string) string {
	var parts []string
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "#") {
			if comment := strings.TrimSpace(strings.TrimPrefix(trimmed, "#")); comment != "" {
				parts = append(parts, comment)
			}
			continue
		}
		if trimmed != "" {
			break
		}
	}
	return strings.Join(parts, " ")
}

// Watch calls reload with the rules of dir whenever a .rego file in it is
// written, created, removed or renamed. It returns once the watch is set up;
// events are processed until ctx is done or Close is called.
func (l *Loader) Watch(ctx context.Context, dir string, reload func([]Rule) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	l.mu.Lock()
	l.watcher = watcher
	l.mu.Unlock()

	go l.processEvents(ctx, watcher, dir, reload)

	l.logger.Info().Str("dir", dir).Msg("Watching rules directory")
	return nil
}

func (l *Loader) processEvents(ctx context.Context, watcher *fsnotify.Watcher, dir string, reload func([]Rule) error) {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			_ = watcher.Close()
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(event.Name, ".rego") {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}

			l.logger.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("Rule file changed")

			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(reloadDelay, func() {
				rules, err := l.LoadDir(dir)
				if err == nil {
					err = reload(rules)
				}
				if err != nil {
					l.logger.Error().Err(err).Msg("Failed to reload rules")
					return
				}
				l.logger.Info().Int("count", len(rules)).Msg("Rules reloaded")
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			l.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

// Close stops watching.
func (l *Loader) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.watcher == nil {
		return nil
	}
	err := l.watcher.Close()
	l.watcher = nil
	return err
}
