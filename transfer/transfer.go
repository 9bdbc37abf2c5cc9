// Package transfer runs one file receive session at a time against a
// device's serial port and keeps the log of files announced so far.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tapio-rqp/rqpsync/events"
	"github.com/tapio-rqp/rqpsync/postprocess"
	"github.com/tapio-rqp/rqpsync/serialport"
	"github.com/tapio-rqp/rqpsync/zmodem"
)

// State is the session lifecycle state.
type State = events.State

// Session states.
const (
	Idle       = events.Idle
	Connecting = events.Connecting
	Receiving  = events.Receiving
	Completed  = events.Completed
	Failed     = events.Failed
	Cancelled  = events.Cancelled
)

// ErrSessionActive is returned by Start while a session is connecting or
// receiving.
var ErrSessionActive = errors.New("transfer session already active")

// Record is one announced file. FilesRemaining counts the file itself.
type Record struct {
	Filename       string
	FilesRemaining int
}

// Outcome describes how a session ended.
type Outcome struct {
	SessionID string
	Port      string
	State     State
	Err       error

	// Folders lists the destination folders that received at least one file
	Folders []string

	// Files lists every file created, partial ones included
	Files []string
	Bytes int64
}

// CompleteFunc is called on the worker goroutine once a session ends.
type CompleteFunc func(Outcome)

// Postprocessor receives the folders of a completed session.
type Postprocessor interface {
	Process(ctx context.Context, folders []string) []postprocess.Failure
}

// Config holds session settings.
type Config struct {
	BaudRate     int
	ReadSlice    time.Duration
	FrameTimeout time.Duration
	RetryBudget  int
	MaxBlockSize int
	TraceIO      bool
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		BaudRate:     serialport.DefaultBaudRate,
		ReadSlice:    100 * time.Millisecond,
		FrameTimeout: 5 * time.Second,
		RetryBudget:  10,
		MaxBlockSize: 8192,
	}
}

// Option configures a Manager.
type Option func(*Manager)

// WithConfig sets the session configuration.
func WithConfig(cfg Config) Option {
	return func(m *Manager) {
		m.cfg = cfg
	}
}

// WithObserver sets the observer for session events.
func WithObserver(obs events.Observer) Option {
	return func(m *Manager) {
		m.obs = events.OrNop(obs)
	}
}

// WithPostprocessor sets who processes the folders of completed sessions.
func WithPostprocessor(p Postprocessor) Option {
	return func(m *Manager) {
		m.post = p
	}
}

// WithLogger sets the logger.
func WithLogger(log zerolog.Logger) Option {
	return func(m *Manager) {
		m.log = log
	}
}

// Manager owns the lifecycle of receive sessions. Only one session may be
// connecting or receiving at a time.
type Manager struct {
	opener serialport.Opener
	cfg    Config
	obs    events.Observer
	post   Postprocessor
	log    zerolog.Logger

	mu        sync.RWMutex
	state     State
	sessionID string
	records   []Record
	port      serialport.Port
	cancel    context.CancelFunc
	done      chan struct{}
	outcome   Outcome

	postWG sync.WaitGroup
}

// NewManager creates a manager that opens ports through opener.
func NewManager(opener serialport.Opener, opts ...Option) *Manager {
	m := &Manager{
		opener: opener,
		cfg:    DefaultConfig(),
		obs:    events.Nop,
		log:    zerolog.Nop(),
		state:  Idle,
	}
	for _, opt := range opts {
		opt(m)
	}
	def := DefaultConfig()
	if m.cfg.BaudRate <= 0 {
		m.cfg.BaudRate = def.BaudRate
	}
	if m.cfg.ReadSlice <= 0 {
		m.cfg.ReadSlice = def.ReadSlice
	}
	m.log = m.log.With().Str("component", "transfer").Logger()
	return m
}

// Start begins receiving from port into destDir and returns at once with the
// new session's ID. The port is opened and the files received on a worker
// goroutine; onComplete may be nil.
func (m *Manager) Start(ctx context.Context, port, destDir string, onComplete CompleteFunc) (string, error) {
	m.mu.Lock()
	if m.state == Connecting || m.state == Receiving {
		m.mu.Unlock()
		return "", ErrSessionActive
	}
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(ctx)
	m.sessionID = id
	m.records = nil
	m.state = Connecting
	m.cancel = cancel
	m.done = make(chan struct{})
	m.outcome = Outcome{}
	done := m.done
	m.mu.Unlock()

	log := m.log.With().Str("session", id).Str("port", port).Logger()
	log.Info().Str("dest", destDir).Msg("session starting")

	go m.run(ctx, cancel, done, id, port, destDir, onComplete, log)
	return id, nil
}

func (m *Manager) run(ctx context.Context, cancel context.CancelFunc, done chan struct{},
	id, portName, destDir string, onComplete CompleteFunc, log zerolog.Logger) {
	defer close(done)
	defer cancel()

	out := Outcome{SessionID: id, Port: portName}

	port, err := m.opener.Open(portName, serialport.Mode{BaudRate: m.cfg.BaudRate, ReadTimeout: m.cfg.ReadSlice})
	if err != nil {
		out.State, out.Err = Failed, fmt.Errorf("open %s: %w", portName, err)
		if ctx.Err() != nil {
			out.State, out.Err = Cancelled, nil
		}
		m.finish(out, onComplete, log)
		return
	}

	m.mu.Lock()
	m.port = port
	m.state = Receiving
	m.mu.Unlock()

	recv := zmodem.NewReceiver(port, &zmodem.ReceiverConfig{
		SessionID:    id,
		FrameTimeout: m.cfg.FrameTimeout,
		ReadSlice:    m.cfg.ReadSlice,
		RetryBudget:  m.cfg.RetryBudget,
		MaxBlockSize: m.cfg.MaxBlockSize,
		Observer:     events.ObserverFunc(m.onEvent),
		Logger:       zmodem.NewZerologLogger(log),
		TraceIO:      m.cfg.TraceIO,
	})
	res, err := recv.ReceiveFiles(ctx, destDir)

	m.mu.Lock()
	m.port = nil
	m.mu.Unlock()
	if cerr := port.Close(); cerr != nil {
		log.Warn().Err(cerr).Msg("close port")
	}

	out.Files, out.Folders, out.Bytes = res.Files, res.Folders, res.Bytes
	switch {
	case err == nil:
		out.State = Completed
	case ctx.Err() != nil || zmodem.IsCancelled(err):
		out.State = Cancelled
	default:
		out.State, out.Err = Failed, err
	}
	m.finish(out, onComplete, log)
}

// finish publishes the terminal state, then notifies the caller and the
// postprocessor.
func (m *Manager) finish(out Outcome, onComplete CompleteFunc, log zerolog.Logger) {
	m.mu.Lock()
	m.state = out.State
	m.outcome = out
	m.mu.Unlock()

	ev := log.Info()
	if out.State == Failed {
		ev = log.Error().Err(out.Err).Strs("partial", out.Folders)
	}
	ev.Str("state", out.State.String()).Int("files", len(out.Files)).Int64("bytes", out.Bytes).Msg("session ended")

	m.obs.OnEvent(events.SessionTerminal{
		SessionID: out.SessionID,
		State:     out.State,
		Err:       out.Err,
		Folders:   out.Folders,
	})
	if onComplete != nil {
		onComplete(out)
	}

	if out.State == Completed && m.post != nil && len(out.Folders) > 0 {
		folders := append([]string(nil), out.Folders...)
		m.postWG.Add(1)
		go func() {
			defer m.postWG.Done()
			m.post.Process(context.Background(), folders)
		}()
	}
}

func (m *Manager) onEvent(e events.Event) {
	if fr, ok := e.(events.FileReceived); ok {
		m.mu.Lock()
		m.records = append(m.records, Record{Filename: fr.Filename, FilesRemaining: fr.FilesRemaining})
		m.mu.Unlock()
	}
	m.obs.OnEvent(e)
}

// Cancel stops the active session. Besides cancelling the worker it sends
// the cancel sequence down the port so the device stops sending at once.
// It reports whether a session was active.
func (m *Manager) Cancel() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Connecting && m.state != Receiving {
		return false
	}
	m.cancel()
	if m.port != nil {
		if err := zmodem.WriteCancel(m.port); err != nil {
			m.log.Debug().Err(err).Msg("send cancel sequence")
		}
	}
	return true
}

// Wait blocks until the current session ends or timeout elapses; a timeout
// <= 0 waits forever. ok is false on timeout.
func (m *Manager) Wait(timeout time.Duration) (out Outcome, ok bool) {
	m.mu.RLock()
	done := m.done
	m.mu.RUnlock()
	if done == nil {
		return Outcome{State: Idle}, true
	}
	if timeout <= 0 {
		<-done
	} else {
		t := time.NewTimer(timeout)
		defer t.Stop()
		select {
		case <-done:
		case <-t.C:
			return Outcome{}, false
		}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.outcome, true
}

// Close cancels any active session and waits for it and for running
// postprocessing, up to timeout.
func (m *Manager) Close(timeout time.Duration) error {
	m.Cancel()
	if _, ok := m.Wait(timeout); !ok {
		return fmt.Errorf("session still running after %s", timeout)
	}
	idle := make(chan struct{})
	go func() {
		m.postWG.Wait()
		close(idle)
	}()
	if timeout <= 0 {
		<-idle
		return nil
	}
	select {
	case <-idle:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("postprocessing still running after %s", timeout)
	}
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Active reports whether a session is connecting or receiving.
func (m *Manager) Active() bool {
	s := m.State()
	return s == Connecting || s == Receiving
}

// SessionID returns the ID of the current or last session.
func (m *Manager) SessionID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessionID
}

// Records returns a snapshot of the files announced in the current or last
// session, in arrival order.
func (m *Manager) Records() []Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Record(nil), m.records...)
}

// TotalFiles returns the batch size announced with the first file, or 0.
func (m *Manager) TotalFiles() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.records) == 0 {
		return 0
	}
	return m.records[0].FilesRemaining
}

// CurrentIndex returns the 1-based position of the file being received,
// or 0 before the first file.
func (m *Manager) CurrentIndex() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.records) == 0 {
		return 0
	}
	return m.records[0].FilesRemaining - m.records[len(m.records)-1].FilesRemaining + 1
}
