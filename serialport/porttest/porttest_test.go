package porttest

import (
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tapio-rqp/rqpsync/serialport"
)

func TestPipeCarriesBytes(t *testing.T) {
	a, b := Pipe("a", "b")
	_, err := a.Write([]byte("hello"))
	require.NoError(t, err)

	buf := make([]byte, 3)
	n, err := b.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "hel", string(buf[:n]))
	n, err = b.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "lo", string(buf[:n]))
	assert.Equal(t, []byte("hello"), a.Written())
}

func TestReadTimesOutEmpty(t *testing.T) {
	p := Silent("COM1")
	require.NoError(t, p.SetReadTimeout(20*time.Millisecond))

	start := time.Now()
	n, err := p.Read(make([]byte, 8))
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestPeerCloseIsEOF(t *testing.T) {
	a, b := Pipe("a", "b")
	_, err := a.Write([]byte("x"))
	require.NoError(t, err)
	require.NoError(t, a.Close())

	buf := make([]byte, 4)
	n, err := b.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = b.Read(buf)
	assert.ErrorIs(t, err, io.EOF)
}

func TestDeviceResponds(t *testing.T) {
	p := NewDevice("COM2", func(w []byte) []byte {
		if string(w) == "ping" {
			return []byte("pong")
		}
		return nil
	})
	_, err := p.Write([]byte("ping"))
	require.NoError(t, err)
	buf := make([]byte, 8)
	n, err := p.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(buf[:n]))
}

func TestResetInputBufferDropsPending(t *testing.T) {
	p := NewDevice("COM2", func([]byte) []byte { return []byte("stale") })
	_, err := p.Write([]byte("?"))
	require.NoError(t, err)
	require.NoError(t, p.ResetInputBuffer())
	require.NoError(t, p.SetReadTimeout(10*time.Millisecond))

	n, err := p.Read(make([]byte, 8))
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, p.Resets())
}

func TestOpenerHoldsUntilClose(t *testing.T) {
	o := NewOpener()
	o.Add(serialport.PortInfo{Name: "COM1"}, func() *Port { return Silent("COM1") })

	p, err := o.Open("COM1", serialport.Mode{})
	require.NoError(t, err)
	_, err = o.Open("COM1", serialport.Mode{})
	assert.ErrorIs(t, err, serialport.ErrPortUnavailable)

	require.NoError(t, p.Close())
	p, err = o.Open("COM1", serialport.Mode{})
	require.NoError(t, err)
	require.NoError(t, p.Close())

	_, err = o.Open("COM9", serialport.Mode{})
	assert.ErrorIs(t, err, serialport.ErrPortUnavailable)

	ports, err := o.ListPorts()
	require.NoError(t, err)
	require.Len(t, ports, 1)
	assert.Equal(t, "COM1", ports[0].Description)
	assert.Len(t, o.Opened(), 2)
}
