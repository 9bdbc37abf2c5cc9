package handshake

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tapio-rqp/rqpsync/serialport"
	"github.com/tapio-rqp/rqpsync/serialport/porttest"
)

func replyTo(reply string) porttest.Responder {
	return func(w []byte) []byte {
		if string(w) == QueryCommand {
			return []byte(reply)
		}
		return nil
	}
}

func newProber(o *porttest.Opener, now time.Time) *Prober {
	return NewProber(o, Config{
		Timeout: 20 * time.Millisecond,
		Now:     func() time.Time { return now },
	}, zerolog.Nop())
}

func TestParseDeviceInfo(t *testing.T) {
	info, err := ParseDeviceInfo([]byte(`{"deviceName":"RQP-1","serialNumber":"A123"}` + "\r\n"))
	require.NoError(t, err)
	assert.Equal(t, DeviceInfo{DeviceName: "RQP-1", SerialNumber: "A123"}, info)

	for _, bad := range []string{
		`{"deviceName":"RQP-1"}`,
		`{"serialNumber":"A123"}`,
		`not json`,
		``,
	} {
		_, err := ParseDeviceInfo([]byte(bad))
		assert.ErrorIs(t, err, ErrNoResponse, bad)
	}
}

func TestEpochWithOffset(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, at.Unix(), EpochWithOffset(at))

	helsinki := time.FixedZone("EET", 2*3600)
	assert.Equal(t, at.Unix()+7200, EpochWithOffset(at.In(helsinki)))

	west := time.FixedZone("UTC-5", -5*3600)
	assert.Equal(t, at.Unix()-18000, EpochWithOffset(at.In(west)))

	assert.Equal(t, "RQP+SETTIME=1709301600", SetTimeCommand(at.In(helsinki)))
}

func TestProbeFindsDevice(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	var dev *porttest.Port
	o := porttest.NewOpener()
	o.Add(serialport.PortInfo{Name: "COM3"}, func() *porttest.Port {
		dev = porttest.NewDevice("COM3", replyTo(`{"deviceName":"RQP-1","serialNumber":"A123"}`+"\n"))
		return dev
	})

	info, ok := newProber(o, at).Probe(context.Background(), "COM3")
	require.True(t, ok)
	assert.Equal(t, "RQP-1", info.DeviceName)
	assert.Equal(t, "A123", info.SerialNumber)

	assert.Equal(t, QueryCommand+SetTimeCommand(at), string(dev.Written()))
	assert.True(t, dev.Closed())
	assert.Equal(t, 1, dev.Resets())
}

func TestProbeMissingSerialNumber(t *testing.T) {
	var dev *porttest.Port
	o := porttest.NewOpener()
	o.Add(serialport.PortInfo{Name: "COM3"}, func() *porttest.Port {
		dev = porttest.NewDevice("COM3", replyTo(`{"deviceName":"RQP-1"}`+"\n"))
		return dev
	})

	_, ok := newProber(o, time.Now()).Probe(context.Background(), "COM3")
	assert.False(t, ok)
	assert.Equal(t, QueryCommand, string(dev.Written()), "no clock sync without a device")
	assert.True(t, dev.Closed())
}

func TestProbeReplyWithoutNewline(t *testing.T) {
	o := porttest.NewOpener()
	o.Add(serialport.PortInfo{Name: "COM3"}, func() *porttest.Port {
		return porttest.NewDevice("COM3", replyTo(`{"deviceName":"RQP-1","serialNumber":"A1"}`))
	})

	info, ok := newProber(o, time.Now()).Probe(context.Background(), "COM3")
	require.True(t, ok)
	assert.Equal(t, "A1", info.SerialNumber)
}

func TestProbeSilentAndMissingPorts(t *testing.T) {
	o := porttest.NewOpener()
	o.Add(serialport.PortInfo{Name: "COM1"}, func() *porttest.Port { return porttest.Silent("COM1") })
	p := newProber(o, time.Now())

	start := time.Now()
	_, ok := p.Probe(context.Background(), "COM1")
	assert.False(t, ok)
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	_, ok = p.Probe(context.Background(), "COM7")
	assert.False(t, ok)
}

func TestProbeBusyPort(t *testing.T) {
	o := porttest.NewOpener()
	o.Add(serialport.PortInfo{Name: "COM1"}, func() *porttest.Port {
		return porttest.NewDevice("COM1", replyTo(`{"deviceName":"x","serialNumber":"y"}`+"\n"))
	})
	held, err := o.Open("COM1", serialport.Mode{})
	require.NoError(t, err)
	defer held.Close()

	_, ok := newProber(o, time.Now()).Probe(context.Background(), "COM1")
	assert.False(t, ok)
}

func TestProbeOversizedReply(t *testing.T) {
	o := porttest.NewOpener()
	o.Add(serialport.PortInfo{Name: "COM1"}, func() *porttest.Port {
		return porttest.NewDevice("COM1", replyTo(strings.Repeat("x", 5000)))
	})
	_, ok := newProber(o, time.Now()).Probe(context.Background(), "COM1")
	assert.False(t, ok)
}

func TestProbeCancelled(t *testing.T) {
	o := porttest.NewOpener()
	o.Add(serialport.PortInfo{Name: "COM1"}, func() *porttest.Port {
		return porttest.NewDevice("COM1", replyTo(`{"deviceName":"x","serialNumber":"y"}`+"\n"))
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, ok := newProber(o, time.Now()).Probe(ctx, "COM1")
	assert.False(t, ok)
	assert.Empty(t, o.Opened())
}
