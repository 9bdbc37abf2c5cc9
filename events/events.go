// Package events carries the typed notifications produced by port scans and
// transfer sessions. Producers only emit; the caller decides how events are
// delivered (inline, over a channel, to a UI thread).
package events

import (
	"sync/atomic"
	"time"
)

// Event is one notification. The set of variants is closed.
type Event interface {
	event()
}

// ScanProgress is emitted once per probed port, in completion order.
type ScanProgress struct {
	Percent int
	Status  string
	Port    string
}

// ScanFinished is emitted once when every probe has returned or the scan
// was cancelled.
type ScanFinished struct {
	Ports     int
	Responded int
	Cancelled bool
}

// FileReceived is emitted as soon as a file header is accepted, before any
// data of the file arrives.
type FileReceived struct {
	SessionID      string
	Filename       string
	FilesRemaining int
	Size           int64
}

// FileProgress reports bytes written for the current file. Emission is
// rate limited.
type FileProgress struct {
	SessionID   string
	Filename    string
	Transferred int64
	Total       int64
	Rate        float64
}

// FileCompleted is emitted after a file's end-of-file frame was verified.
type FileCompleted struct {
	SessionID string
	Filename  string
	Bytes     int64
	Duration  time.Duration
}

// SessionTerminal is emitted once when a transfer session ends.
type SessionTerminal struct {
	SessionID string
	State     State
	Err       error
	Folders   []string
}

func (ScanProgress) event()    {}
func (ScanFinished) event()    {}
func (FileReceived) event()    {}
func (FileProgress) event()    {}
func (FileCompleted) event()   {}
func (SessionTerminal) event() {}

// State is the lifecycle state of a transfer session.
type State int

const (
	Idle State = iota
	Connecting
	Receiving
	Completed
	Failed
	Cancelled
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Receiving:
		return "receiving"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether s ends a session.
func (s State) Terminal() bool {
	return s == Completed || s == Failed || s == Cancelled
}

// Observer receives events. OnEvent is called from the producing goroutine
// and must not block for long.
type Observer interface {
	OnEvent(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) OnEvent(e Event) { f(e) }

// Nop discards every event.
var Nop Observer = ObserverFunc(func(Event) {})

// OrNop returns o, or Nop when o is nil.
func OrNop(o Observer) Observer {
	if o == nil {
		return Nop
	}
	return o
}

// ChanObserver forwards events to a channel without ever blocking the
// producer. Events that do not fit are dropped and counted.
type ChanObserver struct {
	ch      chan<- Event
	dropped atomic.Int64
}

// Chan returns an observer that sends to ch.
func Chan(ch chan<- Event) *ChanObserver {
	return &ChanObserver{ch: ch}
}

func (c *ChanObserver) OnEvent(e Event) {
	select {
	case c.ch <- e:
	default:
		c.dropped.Add(1)
	}
}

// Dropped returns how many events did not fit into the channel.
func (c *ChanObserver) Dropped() int64 {
	return c.dropped.Load()
}

// Multi fans every event out to all observers in order.
func Multi(obs ...Observer) Observer {
	return ObserverFunc(func(e Event) {
		for _, o := range obs {
			if o != nil {
				o.OnEvent(e)
			}
		}
	})
}
