// Package scan probes every visible serial port for an RQP device using a
// bounded pool of concurrent handshakes.
package scan

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/tapio-rqp/rqpsync/events"
	"github.com/tapio-rqp/rqpsync/handshake"
	"github.com/tapio-rqp/rqpsync/serialport"
)

// PortDescriptor is one scanned port. For a port whose device answered,
// Description and SerialNumber come from the device.
type PortDescriptor struct {
	Name            string
	Description     string
	SerialNumber    string
	DeviceResponded bool
}

// Result is the outcome of one scan, sorted by port name.
type Result struct {
	Ports     []PortDescriptor
	Cancelled bool
}

// Devices returns the ports whose device answered.
func (r Result) Devices() []PortDescriptor {
	var out []PortDescriptor
	for _, p := range r.Ports {
		if p.DeviceResponded {
			out = append(out, p)
		}
	}
	return out
}

// Prober runs the handshake against one port.
type Prober interface {
	Probe(ctx context.Context, port string) (handshake.DeviceInfo, bool)
}

// Config tunes a Scanner.
type Config struct {
	// MaxWorkers bounds concurrent probes; zero means min(32, NumCPU+4)
	MaxWorkers int

	// NameFilter keeps only ports whose description or name contains it,
	// ignoring case; empty keeps every port
	NameFilter string
}

// DefaultWorkers returns the default pool size.
func DefaultWorkers() int {
	return min(32, runtime.NumCPU()+4)
}

// Scanner probes ports. It holds no state between scans.
type Scanner struct {
	lister serialport.Lister
	prober Prober
	cfg    Config
	log    zerolog.Logger
}

// NewScanner returns a scanner listing ports with lister and probing them
// with prober.
func NewScanner(lister serialport.Lister, prober Prober, cfg Config, log zerolog.Logger) *Scanner {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = DefaultWorkers()
	}
	return &Scanner{
		lister: lister,
		prober: prober,
		cfg:    cfg,
		log:    log.With().Str("component", "scan").Logger(),
	}
}

func (s *Scanner) candidates() []serialport.PortInfo {
	ports, err := s.lister.ListPorts()
	if err != nil {
		s.log.Warn().Err(err).Msg("port enumeration failed")
		return nil
	}
	if s.cfg.NameFilter == "" {
		return ports
	}
	filter := strings.ToLower(s.cfg.NameFilter)
	var kept []serialport.PortInfo
	for _, p := range ports {
		if strings.Contains(strings.ToLower(p.Description), filter) ||
			strings.Contains(strings.ToLower(p.Name), filter) {
			kept = append(kept, p)
		}
	}
	return kept
}

// Scan probes every candidate port and blocks until all dispatched probes
// returned. Progress is reported to obs as probes finish, in completion
// order. Cancelling ctx stops dispatching; probes already running finish
// and close their ports, but their results are dropped.
func (s *Scanner) Scan(ctx context.Context, obs events.Observer) Result {
	obs = events.OrNop(obs)
	ports := s.candidates()
	total := len(ports)
	start := time.Now()

	if total == 0 {
		s.log.Info().Msg("no serial ports found")
		obs.OnEvent(events.ScanProgress{Percent: 100, Status: "no ports found"})
		obs.OnEvent(events.ScanFinished{Cancelled: ctx.Err() != nil})
		return Result{Cancelled: ctx.Err() != nil}
	}

	var (
		mu        sync.Mutex
		done      int
		responded int
		found     []PortDescriptor
	)

	g := new(errgroup.Group)
	g.SetLimit(s.cfg.MaxWorkers)

dispatch:
	for _, info := range ports {
		select {
		case <-ctx.Done():
			break dispatch
		default:
		}
		info := info
		g.Go(func() error {
			desc := PortDescriptor{
				Name:         info.Name,
				Description:  info.Description,
				SerialNumber: info.SerialNumber,
			}
			var status string
			if dev, ok := s.prober.Probe(ctx, info.Name); ok {
				desc.Description = dev.DeviceName
				desc.SerialNumber = dev.SerialNumber
				desc.DeviceResponded = true
				status = fmt.Sprintf("%s: found %s (%s)", info.Name, dev.DeviceName, dev.SerialNumber)
			} else {
				status = fmt.Sprintf("%s: no device", info.Name)
			}

			mu.Lock()
			defer mu.Unlock()
			if ctx.Err() != nil {
				return nil
			}
			done++
			found = append(found, desc)
			if desc.DeviceResponded {
				responded++
			}
			obs.OnEvent(events.ScanProgress{
				Percent: done * 100 / total,
				Status:  status,
				Port:    info.Name,
			})
			return nil
		})
	}
	_ = g.Wait()

	res := Result{Ports: found, Cancelled: ctx.Err() != nil}
	sort.Slice(res.Ports, func(i, j int) bool { return res.Ports[i].Name < res.Ports[j].Name })

	s.log.Info().
		Int("ports", total).
		Int("responded", responded).
		Bool("cancelled", res.Cancelled).
		Dur("took", time.Since(start)).
		Msg("scan finished")
	obs.OnEvent(events.ScanFinished{Ports: len(res.Ports), Responded: responded, Cancelled: res.Cancelled})
	return res
}

// Run is a scan running in the background.
type Run struct {
	cancel context.CancelFunc
	done   chan struct{}
	events chan events.Event
	result Result
}

// Start runs Scan on its own goroutine. Events are delivered on
// Run.Events without ever blocking the scan.
func (s *Scanner) Start(ctx context.Context) *Run {
	ctx, cancel := context.WithCancel(ctx)
	r := &Run{
		cancel: cancel,
		done:   make(chan struct{}),
		events: make(chan events.Event, 256),
	}
	go func() {
		defer close(r.done)
		defer close(r.events)
		defer cancel()
		r.result = s.Scan(ctx, events.Chan(r.events))
	}()
	return r
}

// Events returns the progress channel. It is closed after ScanFinished.
func (r *Run) Events() <-chan events.Event {
	return r.events
}

// Cancel asks the scan to stop.
func (r *Run) Cancel() {
	r.cancel()
}

// Wait blocks until the scan ends or timeout elapses; a timeout <= 0 waits
// forever. ok is false on timeout.
func (r *Run) Wait(timeout time.Duration) (res Result, ok bool) {
	if timeout <= 0 {
		<-r.done
		return r.result, true
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-r.done:
		return r.result, true
	case <-t.C:
		return Result{}, false
	}
}
