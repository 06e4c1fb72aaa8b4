package logging

import (
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

type target struct {
	output   Output
	minLevel logrus.Level
}

// DispatchHook is a single logrus hook routing entries to every configured
// output. Fire is lock-free: the target list is swapped atomically.
type DispatchHook struct {
	targets atomic.Pointer[[]target]
	dropped atomic.Int64
}

// NewDispatchHook creates a hook with no targets
func NewDispatchHook() *DispatchHook {
	h := &DispatchHook{}
	h.setTargets(nil)
	return h
}

func (h *DispatchHook) setTargets(targets []target) {
	h.targets.Store(&targets)
}

// Levels returns all log levels this hook handles
func (h *DispatchHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

// Fire hands the entry to each output whose minimum level it meets.
// Writes happen on their own goroutine so slow collectors never block
// request handling.
func (h *DispatchHook) Fire(entry *logrus.Entry) error {
	targets := *h.targets.Load()
	if len(targets) == 0 {
		return nil
	}

	logEntry := newLogEntry(entry.Time, entry.Level.String(), entry.Message, entry.Data)
	for _, t := range targets {
		// logrus levels grow more verbose as they increase
		if entry.Level > t.minLevel {
			continue
		}
		out := t.output
		go func() {
			// Failures are counted, not logged, to avoid feeding the hook
			if err := out.Write(logEntry); err != nil {
				h.dropped.Add(1)
			}
		}()
	}
	return nil
}

// Dropped returns how many entries outputs failed to write
func (h *DispatchHook) Dropped() int64 {
	return h.dropped.Load()
}

// parseLevel reads a minimum level, treating empty as info
func parseLevel(level string) (logrus.Level, error) {
	if level == "" {
		return logrus.InfoLevel, nil
	}
	return logrus.ParseLevel(level)
}
