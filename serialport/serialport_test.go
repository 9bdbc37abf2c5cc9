package serialport

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"
)

// fakeSerial overrides the serial.Port methods the wrapper uses.
type fakeSerial struct {
	serial.Port
	timeout time.Duration
	closes  int
	written []byte
}

func (f *fakeSerial) Read(b []byte) (int, error)  { return 0, nil }
func (f *fakeSerial) Write(b []byte) (int, error) { f.written = append(f.written, b...); return len(b), nil }
func (f *fakeSerial) SetReadTimeout(d time.Duration) error {
	f.timeout = d
	return nil
}
func (f *fakeSerial) Close() error { f.closes++; return nil }

func fakeOpener(fs *fakeSerial, openErr error) *OSOpener {
	o := NewOSOpener(zerolog.Nop())
	o.open = func(name string, mode *serial.Mode) (serial.Port, error) {
		if openErr != nil {
			return nil, openErr
		}
		return fs, nil
	}
	return o
}

func TestOpenAppliesReadTimeout(t *testing.T) {
	fs := &fakeSerial{}
	p, err := fakeOpener(fs, nil).Open("/dev/ttyUSB0", Mode{ReadTimeout: 200 * time.Millisecond})
	require.NoError(t, err)
	defer p.Close()
	assert.Equal(t, 200*time.Millisecond, fs.timeout)
}

func TestOpenIsExclusive(t *testing.T) {
	fs := &fakeSerial{}
	o := fakeOpener(fs, nil)

	p, err := o.Open("/dev/ttyUSB0", Mode{})
	require.NoError(t, err)

	_, err = o.Open("/dev/ttyUSB0", Mode{})
	assert.ErrorIs(t, err, ErrPortUnavailable)

	require.NoError(t, p.Close())
	p, err = o.Open("/dev/ttyUSB0", Mode{})
	require.NoError(t, err)
	require.NoError(t, p.Close())
}

func TestCloseIsIdempotent(t *testing.T) {
	fs := &fakeSerial{}
	p, err := fakeOpener(fs, nil).Open("COM3", Mode{})
	require.NoError(t, err)

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
	assert.Equal(t, 1, fs.closes)

	_, err = p.Write([]byte("x"))
	assert.ErrorIs(t, err, ErrClosed)
	_, err = p.Read(make([]byte, 1))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestOpenMapsBusyPort(t *testing.T) {
	// The zero PortError carries the PortBusy code
	o := fakeOpener(nil, &serial.PortError{})
	_, err := o.Open("COM4", Mode{})
	assert.ErrorIs(t, err, ErrPortUnavailable)

	o.open = func(string, *serial.Mode) (serial.Port, error) { return &fakeSerial{}, nil }
	p, err := o.Open("COM4", Mode{})
	require.NoError(t, err, "failed open must not hold the port")
	require.NoError(t, p.Close())
}

func TestOpenOtherError(t *testing.T) {
	_, err := fakeOpener(nil, errors.New("boom")).Open("COM4", Mode{})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrPortUnavailable)
}

func TestSortPorts(t *testing.T) {
	ports := []PortInfo{{Name: "COM3"}, {Name: "COM1"}, {Name: "COM2"}}
	sortPorts(ports)
	assert.Equal(t, "COM1", ports[0].Name)
	assert.Equal(t, "COM3", ports[2].Name)
}
