package scan

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tapio-rqp/rqpsync/events"
	"github.com/tapio-rqp/rqpsync/handshake"
	"github.com/tapio-rqp/rqpsync/serialport"
	"github.com/tapio-rqp/rqpsync/serialport/porttest"
)

func device(name, serial string) func() *porttest.Port {
	return func() *porttest.Port {
		return porttest.NewDevice(name, func(w []byte) []byte {
			if string(w) == handshake.QueryCommand {
				return []byte(fmt.Sprintf(`{"deviceName":"RQP-%s","serialNumber":"%s"}`+"\n", name, serial))
			}
			return nil
		})
	}
}

func silent(name string) func() *porttest.Port {
	return func() *porttest.Port { return porttest.Silent(name) }
}

func newScanner(o *porttest.Opener, cfg Config, timeout time.Duration) *Scanner {
	prober := handshake.NewProber(o, handshake.Config{Timeout: timeout}, zerolog.Nop())
	return NewScanner(o, prober, cfg, zerolog.Nop())
}

type collector struct {
	mu  sync.Mutex
	evs []events.Event
}

func (c *collector) OnEvent(e events.Event) {
	c.mu.Lock()
	c.evs = append(c.evs, e)
	c.mu.Unlock()
}

func TestScanFindsDevicesSorted(t *testing.T) {
	o := porttest.NewOpener()
	o.Add(serialport.PortInfo{Name: "COM4", Description: "USB Serial"}, device("COM4", "S4"))
	o.Add(serialport.PortInfo{Name: "COM1", Description: "Bluetooth"}, silent("COM1"))
	o.Add(serialport.PortInfo{Name: "COM2", Description: "USB Serial"}, device("COM2", "S2"))

	obs := &collector{}
	res := newScanner(o, Config{}, 20*time.Millisecond).Scan(context.Background(), obs)

	require.Len(t, res.Ports, 3)
	assert.Equal(t, []string{"COM1", "COM2", "COM4"}, []string{res.Ports[0].Name, res.Ports[1].Name, res.Ports[2].Name})
	assert.False(t, res.Ports[0].DeviceResponded)
	assert.Equal(t, "Bluetooth", res.Ports[0].Description)
	assert.Equal(t, PortDescriptor{Name: "COM2", Description: "RQP-COM2", SerialNumber: "S2", DeviceResponded: true}, res.Ports[1])
	assert.Len(t, res.Devices(), 2)
	assert.False(t, res.Cancelled)

	var percents []int
	var finished []events.ScanFinished
	for _, e := range obs.evs {
		switch e := e.(type) {
		case events.ScanProgress:
			percents = append(percents, e.Percent)
		case events.ScanFinished:
			finished = append(finished, e)
		}
	}
	assert.Equal(t, []int{33, 66, 100}, percents)
	require.Len(t, finished, 1)
	assert.Equal(t, events.ScanFinished{Ports: 3, Responded: 2}, finished[0])
	assert.IsType(t, events.ScanFinished{}, obs.evs[len(obs.evs)-1])

	for _, p := range o.Opened() {
		assert.True(t, p.Closed(), p.Name())
	}
}

func TestScanProbesInParallel(t *testing.T) {
	o := porttest.NewOpener()
	for i := 0; i < 16; i++ {
		name := fmt.Sprintf("COM%02d", i)
		o.Add(serialport.PortInfo{Name: name}, silent(name))
	}

	start := time.Now()
	res := newScanner(o, Config{MaxWorkers: 16}, 100*time.Millisecond).Scan(context.Background(), nil)
	assert.Len(t, res.Ports, 16)
	assert.Empty(t, res.Devices())
	// One timeout's worth, not sixteen
	assert.Less(t, time.Since(start), 800*time.Millisecond)
}

type countingProber struct {
	active, peak atomic.Int32
}

func (c *countingProber) Probe(ctx context.Context, port string) (handshake.DeviceInfo, bool) {
	n := c.active.Add(1)
	for {
		p := c.peak.Load()
		if n <= p || c.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(10 * time.Millisecond)
	c.active.Add(-1)
	return handshake.DeviceInfo{}, false
}

func TestScanBoundsWorkers(t *testing.T) {
	o := porttest.NewOpener()
	for i := 0; i < 12; i++ {
		name := fmt.Sprintf("COM%02d", i)
		o.Add(serialport.PortInfo{Name: name}, silent(name))
	}
	prober := &countingProber{}
	res := NewScanner(o, prober, Config{MaxWorkers: 3}, zerolog.Nop()).Scan(context.Background(), nil)
	assert.Len(t, res.Ports, 12)
	assert.LessOrEqual(t, prober.peak.Load(), int32(3))
}

func TestScanNameFilter(t *testing.T) {
	o := porttest.NewOpener()
	o.Add(serialport.PortInfo{Name: "COM1", Description: "Bluetooth link"}, silent("COM1"))
	o.Add(serialport.PortInfo{Name: "COM2", Description: "RQP USB Serial"}, device("COM2", "S2"))
	o.Add(serialport.PortInfo{Name: "/dev/ttyRQP0", Description: "Other"}, silent("/dev/ttyRQP0"))

	res := newScanner(o, Config{NameFilter: "rqp"}, 20*time.Millisecond).Scan(context.Background(), nil)
	require.Len(t, res.Ports, 2)
	assert.Equal(t, "/dev/ttyRQP0", res.Ports[0].Name)
	assert.Equal(t, "COM2", res.Ports[1].Name)
	for _, p := range o.Opened() {
		assert.NotEqual(t, "COM1", p.Name(), "filtered port was probed")
	}
}

func TestScanNoPorts(t *testing.T) {
	obs := &collector{}
	res := newScanner(porttest.NewOpener(), Config{}, 20*time.Millisecond).Scan(context.Background(), obs)
	assert.Empty(t, res.Ports)
	require.Len(t, obs.evs, 2)
	assert.Equal(t, events.ScanProgress{Percent: 100, Status: "no ports found"}, obs.evs[0])
}

func TestStartCancelDiscardsResults(t *testing.T) {
	o := porttest.NewOpener()
	for i := 0; i < 8; i++ {
		name := fmt.Sprintf("COM%d", i)
		o.Add(serialport.PortInfo{Name: name}, silent(name))
	}
	run := newScanner(o, Config{MaxWorkers: 2}, 100*time.Millisecond).Start(context.Background())
	time.Sleep(20 * time.Millisecond)
	run.Cancel()

	res, ok := run.Wait(2 * time.Second)
	require.True(t, ok)
	assert.True(t, res.Cancelled)
	assert.Empty(t, res.Ports)

	var last events.Event
	for e := range run.Events() {
		last = e
	}
	assert.Equal(t, events.ScanFinished{Cancelled: true}, last)

	for _, p := range o.Opened() {
		assert.True(t, p.Closed(), p.Name())
	}
	assert.Len(t, o.Opened(), 2, "no probe dispatched after cancel")
}

func TestRunWaitTimeout(t *testing.T) {
	o := porttest.NewOpener()
	o.Add(serialport.PortInfo{Name: "COM1"}, silent("COM1"))
	run := newScanner(o, Config{}, 200*time.Millisecond).Start(context.Background())

	_, ok := run.Wait(10 * time.Millisecond)
	assert.False(t, ok)
	res, ok := run.Wait(0)
	assert.True(t, ok)
	assert.Len(t, res.Ports, 1)
}
