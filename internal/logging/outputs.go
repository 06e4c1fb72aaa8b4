// Package logging ships log entries to external collectors alongside the
// standard logrus output.
package logging

import (
	"time"
)

// Output is a log destination
type Output interface {
	Write(entry *LogEntry) error
	Close() error
}

// LogEntry is the JSON form of a shipped log line
type LogEntry struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

func newLogEntry(t time.Time, level, message string, data map[string]interface{}) *LogEntry {
	entry := &LogEntry{
		Timestamp: t,
		Level:     level,
		Message:   message,
	}
	if len(data) > 0 {
		entry.Fields = make(map[string]interface{}, len(data))
		for k, v := range data {
			// errors marshal to {} otherwise
			if err, ok := v.(error); ok {
				v = err.Error()
			}
			entry.Fields[k] = v
		}
	}
	return entry
}
