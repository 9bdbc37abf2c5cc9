// Package porttest provides in-memory serial ports for tests: connected
// pipes, scripted devices and a stub opener.
package porttest

import (
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/tapio-rqp/rqpsync/serialport"
)

// Port is an in-memory serial port. Reads honor the read timeout the way
// go.bug.st/serial does: (0, nil) when nothing arrived in time.
type Port struct {
	name string
	in   chan []byte

	// deliver carries written bytes to whoever reads them
	deliver func([]byte) error

	mu      sync.Mutex
	buf     []byte
	timeout time.Duration
	written []byte
	resets  int

	closed     chan struct{}
	closeOnce  sync.Once
	peerClosed <-chan struct{}
	onClose    func()

	// Filter, when set, may rewrite every chunk before it is delivered
	Filter func([]byte) []byte
}

func newPort(name string) *Port {
	return &Port{
		name:    name,
		in:      make(chan []byte, 4096),
		closed:  make(chan struct{}),
		timeout: 100 * time.Millisecond,
	}
}

// Pipe returns two ports wired back to back.
func Pipe(nameA, nameB string) (*Port, *Port) {
	a, b := newPort(nameA), newPort(nameB)
	a.peerClosed, b.peerClosed = b.closed, a.closed
	a.deliver = b.push
	b.deliver = a.push
	return a, b
}

// Responder computes a device's reply to bytes written to it. A nil reply
// means the device stays silent.
type Responder func(written []byte) []byte

// NewDevice returns a port whose device side is driven by r. r is called
// synchronously for every write and must not block.
func NewDevice(name string, r Responder) *Port {
	p := newPort(name)
	p.deliver = func(b []byte) error {
		if r == nil {
			return nil
		}
		if reply := r(b); len(reply) > 0 {
			return p.push(reply)
		}
		return nil
	}
	return p
}

// Silent returns a port with nothing attached: every read times out.
func Silent(name string) *Port {
	return NewDevice(name, nil)
}

func (p *Port) push(b []byte) error {
	select {
	case p.in <- b:
		return nil
	case <-p.closed:
		return io.ErrClosedPipe
	}
}

// Name returns the port name.
func (p *Port) Name() string { return p.name }

func (p *Port) Read(b []byte) (int, error) {
	p.mu.Lock()
	if len(p.buf) > 0 {
		n := copy(b, p.buf)
		p.buf = p.buf[n:]
		p.mu.Unlock()
		return n, nil
	}
	timeout := p.timeout
	p.mu.Unlock()

	select {
	case <-p.closed:
		return 0, serialport.ErrClosed
	default:
	}

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case data := <-p.in:
		return p.take(b, data), nil
	case <-timer:
		return 0, nil
	case <-p.closed:
		return 0, serialport.ErrClosed
	case <-p.peerClosed:
		select {
		case data := <-p.in:
			return p.take(b, data), nil
		default:
			return 0, io.EOF
		}
	}
}

func (p *Port) take(b, data []byte) int {
	n := copy(b, data)
	if n < len(data) {
		p.mu.Lock()
		p.buf = append(p.buf, data[n:]...)
		p.mu.Unlock()
	}
	return n
}

func (p *Port) Write(b []byte) (int, error) {
	select {
	case <-p.closed:
		return 0, serialport.ErrClosed
	default:
	}
	if p.peerClosed != nil {
		select {
		case <-p.peerClosed:
			return 0, io.ErrClosedPipe
		default:
		}
	}

	data := append([]byte(nil), b...)
	p.mu.Lock()
	p.written = append(p.written, data...)
	filter := p.Filter
	p.mu.Unlock()
	if filter != nil {
		data = filter(data)
	}
	if err := p.deliver(data); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (p *Port) SetReadTimeout(d time.Duration) error {
	p.mu.Lock()
	p.timeout = d
	p.mu.Unlock()
	return nil
}

// ResetInputBuffer drops everything received but not yet read.
func (p *Port) ResetInputBuffer() error {
	p.mu.Lock()
	p.buf = nil
	p.resets++
	p.mu.Unlock()
	for {
		select {
		case <-p.in:
		default:
			return nil
		}
	}
}

func (p *Port) Drain() error { return nil }

func (p *Port) Close() error {
	p.closeOnce.Do(func() {
		close(p.closed)
		if p.onClose != nil {
			p.onClose()
		}
	})
	return nil
}

// Closed reports whether Close was called.
func (p *Port) Closed() bool {
	select {
	case <-p.closed:
		return true
	default:
		return false
	}
}

// Written returns a copy of every byte written to the port.
func (p *Port) Written() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.written...)
}

// Resets returns how often the input buffer was reset.
func (p *Port) Resets() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.resets
}

// Opener hands out ports built by registered factories. A port is held from
// Open until Close, like an OS port lock.
type Opener struct {
	mu        sync.Mutex
	factories map[string]portFactory
	held      map[string]bool
	opened    []*Port
}

type portFactory struct {
	info  serialport.PortInfo
	build func() *Port
}

// NewOpener returns an empty stub opener.
func NewOpener() *Opener {
	return &Opener{
		factories: make(map[string]portFactory),
		held:      make(map[string]bool),
	}
}

// Add registers a port. build is called on every Open.
func (o *Opener) Add(info serialport.PortInfo, build func() *Port) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if info.Description == "" {
		info.Description = info.Name
	}
	o.factories[info.Name] = portFactory{info: info, build: build}
}

func (o *Opener) Open(name string, mode serialport.Mode) (serialport.Port, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	f, ok := o.factories[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s not found", serialport.ErrPortUnavailable, name)
	}
	if o.held[name] {
		return nil, fmt.Errorf("%w: %s is in use", serialport.ErrPortUnavailable, name)
	}
	p := f.build()
	if mode.ReadTimeout > 0 {
		_ = p.SetReadTimeout(mode.ReadTimeout)
	}
	o.held[name] = true
	p.onClose = func() {
		o.mu.Lock()
		delete(o.held, name)
		o.mu.Unlock()
	}
	o.opened = append(o.opened, p)
	return p, nil
}

// Opened returns every port handed out so far.
func (o *Opener) Opened() []*Port {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]*Port(nil), o.opened...)
}

// ListPorts lists the registered ports by name.
func (o *Opener) ListPorts() ([]serialport.PortInfo, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	ports := make([]serialport.PortInfo, 0, len(o.factories))
	for _, f := range o.factories {
		ports = append(ports, f.info)
	}
	sort.Slice(ports, func(i, j int) bool { return ports[i].Name < ports[j].Name })
	return ports, nil
}
