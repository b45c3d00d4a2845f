package slave

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
)

// Severity grades a desync alert.
type Severity string

const (
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// DesyncAlert reports a master change this slave failed to apply.
type DesyncAlert struct {
	ID         string    `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	SceneName  string    `json:"scene_name"`
	SourceName string    `json:"source_name"`
	Message    string    `json:"message"`
	Severity   Severity  `json:"severity"`
}

func newAlert(scene, source, message string, severity Severity) DesyncAlert {
	return DesyncAlert{
		ID:         uuid.NewString(),
		Timestamp:  time.Now(),
		SceneName:  scene,
		SourceName: source,
		Message:    message,
		Severity:   severity,
	}
}

// alertQueue is a bounded queue that never blocks the producer. When full, the
// oldest alert is discarded to make room.
type alertQueue struct {
	mu      sync.Mutex
	ch      chan DesyncAlert
	dropped atomic.Uint64
}

func newAlertQueue(size int) *alertQueue {
	if size <= 0 {
		size = 100
	}
	return &alertQueue{ch: make(chan DesyncAlert, size)}
}

func (q *alertQueue) push(a DesyncAlert) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		select {
		case q.ch <- a:
			return
		default:
		}
		select {
		case <-q.ch:
			q.dropped.Add(1)
		default:
		}
	}
}

// AlertLog keeps the most recent alerts, newest first.
type AlertLog struct {
	mu     sync.RWMutex
	limit  int
	alerts []DesyncAlert
}

// NewAlertLog creates a log holding at most limit alerts.
func NewAlertLog(limit int) *AlertLog {
	if limit <= 0 {
		limit = 50
	}
	return &AlertLog{limit: limit}
}

// Add records an alert, evicting the oldest when the log is full.
func (l *AlertLog) Add(a DesyncAlert) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.alerts = append([]DesyncAlert{a}, l.alerts...)
	if len(l.alerts) > l.limit {
		l.alerts = l.alerts[:l.limit]
	}
}

// List returns a copy of the recorded alerts, newest first.
func (l *AlertLog) List() []DesyncAlert {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]DesyncAlert(nil), l.alerts...)
}

// Remove deletes one alert and reports whether it existed.
func (l *AlertLog) Remove(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	kept := lo.Filter(l.alerts, func(a DesyncAlert, _ int) bool { return a.ID != id })
	removed := len(kept) != len(l.alerts)
	l.alerts = kept
	return removed
}

// Clear deletes every alert.
func (l *AlertLog) Clear() {
	l.mu.Lock()
	l.alerts = nil
	l.mu.Unlock()
}

// Len returns the number of recorded alerts.
func (l *AlertLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.alerts)
}
