// Package serialport opens host serial ports for exclusive use and lists the
// ports the operating system knows about.
package serialport

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// DefaultBaudRate is the line speed of RQP devices.
const DefaultBaudRate = 115200

var (
	// ErrPortUnavailable means the port is missing or already held.
	ErrPortUnavailable = errors.New("serial port unavailable")

	// ErrClosed is returned by operations on a closed port.
	ErrClosed = errors.New("serial port closed")

	// ErrIO wraps read and write failures of an open port.
	ErrIO = errors.New("serial I/O failure")
)

// Mode holds the line settings used when opening a port.
type Mode struct {
	BaudRate int

	// ReadTimeout bounds each Read; zero blocks until data arrives
	ReadTimeout time.Duration
}

// Port is an open serial port. Read returns (0, nil) when the read timeout
// elapses without data. Close may be called any number of times.
type Port interface {
	io.ReadWriter
	SetReadTimeout(time.Duration) error
	ResetInputBuffer() error
	Drain() error
	Close() error
}

// Opener opens ports by name.
type Opener interface {
	Open(name string, mode Mode) (Port, error)
}

// OSOpener opens real serial devices through go.bug.st/serial and keeps an
// in-process registry so that two callers in this process never share a
// port even where the OS would allow it.
type OSOpener struct {
	log  zerolog.Logger
	open func(name string, mode *serial.Mode) (serial.Port, error)

	mu   sync.Mutex
	held map[string]struct{}
}

// NewOSOpener returns an opener for host serial ports.
func NewOSOpener(log zerolog.Logger) *OSOpener {
	return &OSOpener{
		log:  log.With().Str("component", "serialport").Logger(),
		open: serial.Open,
		held: make(map[string]struct{}),
	}
}

// Open opens name with 8N1 framing. Busy or missing ports fail with
// ErrPortUnavailable.
func (o *OSOpener) Open(name string, mode Mode) (Port, error) {
	if mode.BaudRate <= 0 {
		mode.BaudRate = DefaultBaudRate
	}

	o.mu.Lock()
	if _, busy := o.held[name]; busy {
		o.mu.Unlock()
		return nil, fmt.Errorf("%w: %s is in use", ErrPortUnavailable, name)
	}
	o.held[name] = struct{}{}
	o.mu.Unlock()

	p, err := o.open(name, &serial.Mode{
		BaudRate: mode.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		o.release(name)
		if unavailable(err) {
			return nil, fmt.Errorf("%w: %s: %v", ErrPortUnavailable, name, err)
		}
		return nil, fmt.Errorf("open %s: %w", name, err)
	}

	if mode.ReadTimeout > 0 {
		if err := p.SetReadTimeout(mode.ReadTimeout); err != nil {
			_ = p.Close()
			o.release(name)
			return nil, fmt.Errorf("set read timeout on %s: %w", name, err)
		}
	}

	o.log.Debug().Str("port", name).Int("baud", mode.BaudRate).Msg("port opened")
	return &osPort{port: p, name: name, opener: o}, nil
}

func (o *OSOpener) release(name string) {
	o.mu.Lock()
	delete(o.held, name)
	o.mu.Unlock()
}

// unavailable reports whether err means the port cannot be had right now.
func unavailable(err error) bool {
	var code serial.PortErrorCode
	var pp *serial.PortError
	var pv serial.PortError
	switch {
	case errors.As(err, &pp):
		code = pp.Code()
	case errors.As(err, &pv):
		code = pv.Code()
	default:
		return false
	}
	switch code {
	case serial.PortBusy, serial.PortNotFound, serial.PermissionDenied, serial.InvalidSerialPort:
		return true
	}
	return false
}

type osPort struct {
	port   serial.Port
	name   string
	opener *OSOpener

	mu     sync.Mutex
	closed bool
}

func (p *osPort) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *osPort) Read(b []byte) (int, error) {
	if p.isClosed() {
		return 0, ErrClosed
	}
	n, err := p.port.Read(b)
	if err != nil {
		if p.isClosed() {
			return n, ErrClosed
		}
		return n, fmt.Errorf("%w: read %s: %v", ErrIO, p.name, err)
	}
	return n, nil
}

func (p *osPort) Write(b []byte) (int, error) {
	if p.isClosed() {
		return 0, ErrClosed
	}
	n, err := p.port.Write(b)
	if err != nil {
		return n, fmt.Errorf("%w: write %s: %v", ErrIO, p.name, err)
	}
	return n, nil
}

func (p *osPort) SetReadTimeout(d time.Duration) error {
	if p.isClosed() {
		return ErrClosed
	}
	return p.port.SetReadTimeout(d)
}

func (p *osPort) ResetInputBuffer() error {
	if p.isClosed() {
		return ErrClosed
	}
	return p.port.ResetInputBuffer()
}

func (p *osPort) Drain() error {
	if p.isClosed() {
		return ErrClosed
	}
	return p.port.Drain()
}

func (p *osPort) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	err := p.port.Close()
	p.opener.release(p.name)
	p.opener.log.Debug().Str("port", p.name).Msg("port closed")
	return err
}

// PortInfo describes one OS-visible serial port.
type PortInfo struct {
	Name         string
	Description  string
	SerialNumber string
	IsUSB        bool
	VID          string
	PID          string
}

// Lister enumerates candidate ports.
type Lister interface {
	ListPorts() ([]PortInfo, error)
}

// ListerFunc adapts a function to Lister.
type ListerFunc func() ([]PortInfo, error)

func (f ListerFunc) ListPorts() ([]PortInfo, error) { return f() }

// OSLister lists host ports.
var OSLister Lister = ListerFunc(ListPorts)

// ListPorts returns the host's serial ports sorted by name. USB details are
// filled in where the platform enumerator provides them.
func ListPorts() ([]PortInfo, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		names, ferr := serial.GetPortsList()
		if ferr != nil {
			return nil, fmt.Errorf("enumerate ports: %w", errors.Join(err, ferr))
		}
		ports := make([]PortInfo, 0, len(names))
		for _, n := range names {
			ports = append(ports, PortInfo{Name: n, Description: n})
		}
		sortPorts(ports)
		return ports, nil
	}

	ports := make([]PortInfo, 0, len(details))
	for _, d := range details {
		ports = append(ports, PortInfo{
			Name:         d.Name,
			Description:  describe(d),
			SerialNumber: d.SerialNumber,
			IsUSB:        d.IsUSB,
			VID:          d.VID,
			PID:          d.PID,
		})
	}
	sortPorts(ports)
	return ports, nil
}

func describe(d *enumerator.PortDetails) string {
	switch {
	case d.Product != "":
		return d.Product
	case d.IsUSB:
		return fmt.Sprintf("USB %s:%s", d.VID, d.PID)
	default:
		return d.Name
	}
}

func sortPorts(ports []PortInfo) {
	sort.Slice(ports, func(i, j int) bool { return ports[i].Name < ports[j].Name })
}
