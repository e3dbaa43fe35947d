package observability

import (
	"sync"
	"time"
)

// defaultErrorLogCapacity bounds the error ring so the dashboard endpoint
// cannot grow without limit.
const defaultErrorLogCapacity = 500

// ErrorRecord is one operator-visible error.
type ErrorRecord struct {
	Timestamp time.Time `json:"timestamp"`
	Component string    `json:"component"`
	Message   string    `json:"message"`
}

// ErrorLog is a bounded in-memory ring of recent errors. It backs the
// gateway's GET /errors and POST /errors/clear endpoints.
type ErrorLog struct {
	mu       sync.Mutex
	records  []ErrorRecord
	capacity int
}

// NewErrorLog creates an error log with the given capacity (<=0 uses the
// default).
func NewErrorLog(capacity int) *ErrorLog {
	if capacity <= 0 {
		capacity = defaultErrorLogCapacity
	}
	return &ErrorLog{capacity: capacity}
}

// Record appends an error, evicting the oldest entry when full.
func (l *ErrorLog) Record(component, message string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, ErrorRecord{
		Timestamp: time.Now(),
		Component: component,
		Message:   Redact(message),
	})
	if len(l.records) > l.capacity {
		l.records = l.records[len(l.records)-l.capacity:]
	}
}

// Recent returns up to limit most recent errors, newest last. limit <= 0
// returns everything retained.
func (l *ErrorLog) Recent(limit int) []ErrorRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	records := l.records
	if limit > 0 && len(records) > limit {
		records = records[len(records)-limit:]
	}
	out := make([]ErrorRecord, len(records))
	copy(out, records)
	return out
}

// Clear drops all retained errors.
func (l *ErrorLog) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = nil
}
