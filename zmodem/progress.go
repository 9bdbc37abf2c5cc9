package zmodem

import (
	"sync"
	"time"

	"github.com/tapio-rqp/rqpsync/events"
)

// ProgressTracker turns byte counts into rate-limited FileProgress events.
type ProgressTracker struct {
	mu sync.Mutex

	sessionID        string
	filename         string
	bytesTransferred int64
	bytesTotal       int64
	startTime        time.Time
	lastUpdate       time.Time
	lastBytes        int64

	observer       events.Observer
	updateInterval time.Duration
}

// NewProgressTracker creates a new progress tracker.
func NewProgressTracker(observer events.Observer, sessionID string, interval time.Duration) *ProgressTracker {
	if interval <= 0 {
		interval = 100 * time.Millisecond // Default: update every 100ms
	}

	return &ProgressTracker{
		sessionID:      sessionID,
		observer:       events.OrNop(observer),
		updateInterval: interval,
	}
}

// Start begins tracking a new file transfer.
func (pt *ProgressTracker) Start(filename string, bytesTotal int64) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	pt.filename = filename
	pt.bytesTotal = bytesTotal
	pt.bytesTransferred = 0
	pt.startTime = time.Now()
	pt.lastUpdate = pt.startTime
	pt.lastBytes = 0
}

// Update records the bytes written so far and emits an event if enough time
// has passed since the last one.
func (pt *ProgressTracker) Update(bytesTransferred int64) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	pt.bytesTransferred = bytesTransferred

	now := time.Now()
	if now.Sub(pt.lastUpdate) < pt.updateInterval {
		return
	}

	elapsed := now.Sub(pt.lastUpdate).Seconds()
	var rate float64
	if elapsed > 0 {
		rate = float64(bytesTransferred-pt.lastBytes) / elapsed
	}

	pt.observer.OnEvent(events.FileProgress{
		SessionID:   pt.sessionID,
		Filename:    pt.filename,
		Transferred: bytesTransferred,
		Total:       pt.bytesTotal,
		Rate:        rate,
	})

	pt.lastUpdate = now
	pt.lastBytes = bytesTransferred
}

// Complete emits FileCompleted and returns the duration.
func (pt *ProgressTracker) Complete() time.Duration {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	duration := time.Since(pt.startTime)
	pt.observer.OnEvent(events.FileCompleted{
		SessionID: pt.sessionID,
		Filename:  pt.filename,
		Bytes:     pt.bytesTransferred,
		Duration:  duration,
	})
	return duration
}

// Stats returns current progress statistics.
func (pt *ProgressTracker) Stats() (filename string, transferred, total int64, rate float64, duration time.Duration) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	filename = pt.filename
	transferred = pt.bytesTransferred
	total = pt.bytesTotal
	duration = time.Since(pt.startTime)

	if duration.Seconds() > 0 {
		rate = float64(transferred) / duration.Seconds()
	}

	return
}
