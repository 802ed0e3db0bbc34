package consistency

import (
	"sync"
	"time"
)

// Severity grades a validation outcome for reporting.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Violation is an immutable snapshot of one rejected validation.
type Violation struct {
	Category         string    `json:"category"`
	Timestamp        time.Time `json:"timestamp"`
	ExpectedChecksum string    `json:"expected_checksum"`
	ActualChecksum   string    `json:"actual_checksum"`
	Source           string    `json:"source"`
	Message          string    `json:"message"`
	Severity         Severity  `json:"severity"`
}

// violationLog is a bounded FIFO of violations, oldest evicted first.
// It feeds reporting only; validation decisions never read it.
type violationLog struct {
	mu       sync.Mutex
	capacity int
	entries  []Violation
}

func newViolationLog(capacity int) *violationLog {
	if capacity <= 0 {
		capacity = 1
	}
	return &violationLog{capacity: capacity}
}

func (l *violationLog) append(v Violation) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries = append(l.entries, v)
	if len(l.entries) > l.capacity {
		// Shift rather than re-slice so old entries are collectable
		copy(l.entries, l.entries[len(l.entries)-l.capacity:])
		l.entries = l.entries[:l.capacity]
	}
}

// since returns violations at or after the cutoff, oldest first.
func (l *violationLog) since(cutoff time.Time) []Violation {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Violation, 0, len(l.entries))
	for _, v := range l.entries {
		if !v.Timestamp.Before(cutoff) {
			out = append(out, v)
		}
	}
	return out
}

func (l *violationLog) all() []Violation {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Violation(nil), l.entries...)
}

func (l *violationLog) reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = nil
}
