// Package progress reports commit and download progress through zerolog.
package progress

import (
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// Sub is the progress of one sub-task, such as a single download.
type Sub struct {
	ID      string
	Current int64
	Total   int64
}

// Done reports whether the sub-task has completed.
func (s Sub) Done() bool {
	return s.Total > 0 && s.Current >= s.Total
}

// Snapshot is a point-in-time view of a Reporter.
type Snapshot struct {
	Topic   string
	Current int
	Total   int
	Subs    []Sub
}

// Reporter implements engine.Progress. It is safe for concurrent use by
// fetch workers.
type Reporter struct {
	mu      sync.Mutex
	logger  zerolog.Logger
	topic   string
	current int
	total   int
	subs    map[string]Sub
}

// NewReporter creates a reporter writing to logger.
func NewReporter(logger zerolog.Logger) *Reporter {
	return &Reporter{
		logger: logger,
		subs:   make(map[string]Sub),
	}
}

// Reset clears all progress state.
func (r *Reporter) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.topic = ""
	r.current = 0
	r.total = 0
	clear(r.subs)
}

// SetTopic names the current phase.
func (r *Reporter) SetTopic(topic string) {
	r.mu.Lock()
	r.topic = topic
	r.mu.Unlock()
	r.logger.Info().Msg(topic)
}

// SetTotal sets the number of top-level steps.
func (r *Reporter) SetTotal(total int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.total = total
}

// Add advances the top-level step counter.
func (r *Reporter) Add(n int) {
	r.mu.Lock()
	r.current += n
	current, total, topic := r.current, r.total, r.topic
	r.mu.Unlock()

	r.logger.Debug().Str("topic", topic).Int("current", current).Int("total", total).Msg("Progress")
}

// SetSub records the progress of a sub-task. Completion is logged once.
func (r *Reporter) SetSub(id string, current, total int64) {
	r.mu.Lock()
	prev, seen := r.subs[id]
	sub := Sub{ID: id, Current: current, Total: total}
	r.subs[id] = sub
	r.mu.Unlock()

	if sub.Done() && (!seen || !prev.Done()) {
		r.logger.Debug().Str("sub", id).Int64("bytes", total).Msg("Sub-task done")
	}
}

// Snapshot returns the current state with sub-tasks sorted by ID.
func (r *Reporter) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Snapshot{Topic: r.topic, Current: r.current, Total: r.total}
	for _, sub := range r.subs {
		s.Subs = append(s.Subs, sub)
	}
	sort.Slice(s.Subs, func(i, j int) bool { return s.Subs[i].ID < s.Subs[j].ID })
	return s
}
