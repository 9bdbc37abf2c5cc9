// Package handshake detects RQP devices on serial ports: it asks for the
// device descriptor and, when a device answers, sets the device clock.
package handshake

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/tapio-rqp/rqpsync/serialport"
)

// Wire commands.
const (
	QueryCommand  = "RQP+DEVICEINFO?\n"
	SetTimePrefix = "RQP+SETTIME="
)

// DefaultTimeout is the read timeout used while probing.
const DefaultTimeout = 200 * time.Millisecond

// maxLine caps the reply read from an unknown device.
const maxLine = 4096

// ErrNoResponse means nothing usable came back. Probe folds every failure
// into it.
var ErrNoResponse = errors.New("no response")

// DeviceInfo identifies a device that answered the query.
type DeviceInfo struct {
	DeviceName   string `json:"deviceName"`
	SerialNumber string `json:"serialNumber"`
}

// ParseDeviceInfo decodes a reply line. Both keys must be present.
func ParseDeviceInfo(line []byte) (DeviceInfo, error) {
	var raw struct {
		DeviceName   *string `json:"deviceName"`
		SerialNumber *string `json:"serialNumber"`
	}
	if err := json.Unmarshal(bytes.TrimSpace(line), &raw); err != nil {
		return DeviceInfo{}, fmt.Errorf("%w: %v", ErrNoResponse, err)
	}
	if raw.DeviceName == nil || raw.SerialNumber == nil {
		return DeviceInfo{}, fmt.Errorf("%w: deviceName and serialNumber are required", ErrNoResponse)
	}
	return DeviceInfo{DeviceName: *raw.DeviceName, SerialNumber: *raw.SerialNumber}, nil
}

// EpochWithOffset returns t as Unix seconds shifted by t's UTC offset, the
// local wall clock the device displays.
func EpochWithOffset(t time.Time) int64 {
	_, offset := t.Zone()
	return t.Unix() + int64(offset)
}

// SetTimeCommand builds the clock sync command for t.
func SetTimeCommand(t time.Time) string {
	return SetTimePrefix + strconv.FormatInt(EpochWithOffset(t), 10)
}

// Config tunes a Prober.
type Config struct {
	BaudRate int
	Timeout  time.Duration

	// Now is the wall clock used for the clock sync; nil means time.Now
	Now func() time.Time
}

// Prober runs the handshake against single ports.
type Prober struct {
	opener serialport.Opener
	cfg    Config
	log    zerolog.Logger
}

// NewProber returns a prober that opens ports through opener.
func NewProber(opener serialport.Opener, cfg Config, log zerolog.Logger) *Prober {
	if cfg.BaudRate <= 0 {
		cfg.BaudRate = serialport.DefaultBaudRate
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Prober{
		opener: opener,
		cfg:    cfg,
		log:    log.With().Str("component", "handshake").Logger(),
	}
}

// Probe reports whether a device answers on port. Nothing attached, a busy
// port, I/O trouble and a malformed reply all yield ok == false; they are
// logged at debug level only.
func (p *Prober) Probe(ctx context.Context, port string) (info DeviceInfo, ok bool) {
	info, err := p.probe(ctx, port)
	if err != nil {
		p.log.Debug().Err(err).Str("port", port).Msg("no device")
		return DeviceInfo{}, false
	}
	p.log.Info().Str("port", port).Str("device", info.DeviceName).Str("serial", info.SerialNumber).Msg("device found")
	return info, true
}

func (p *Prober) probe(ctx context.Context, name string) (DeviceInfo, error) {
	if err := ctx.Err(); err != nil {
		return DeviceInfo{}, err
	}
	port, err := p.opener.Open(name, serialport.Mode{BaudRate: p.cfg.BaudRate, ReadTimeout: p.cfg.Timeout})
	if err != nil {
		return DeviceInfo{}, err
	}
	defer func() {
		if err := port.Close(); err != nil {
			p.log.Debug().Err(err).Str("port", name).Msg("close failed")
		}
	}()

	if err := port.ResetInputBuffer(); err != nil {
		return DeviceInfo{}, fmt.Errorf("reset input: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return DeviceInfo{}, err
	}
	if _, err := port.Write([]byte(QueryCommand)); err != nil {
		return DeviceInfo{}, err
	}

	line, err := readLine(ctx, port)
	if err != nil {
		return DeviceInfo{}, err
	}
	if len(bytes.TrimSpace(line)) == 0 {
		return DeviceInfo{}, ErrNoResponse
	}
	p.log.Debug().Str("port", name).Bytes("reply", line).Msg("reply")

	info, err := ParseDeviceInfo(line)
	if err != nil {
		return DeviceInfo{}, err
	}

	cmd := SetTimeCommand(p.cfg.Now())
	if _, err := port.Write([]byte(cmd)); err != nil {
		// The device is there; a lost clock sync does not hide it
		p.log.Warn().Err(err).Str("port", name).Msg("clock sync failed")
	} else if err := port.Drain(); err != nil {
		p.log.Debug().Err(err).Str("port", name).Msg("drain failed")
	}
	return info, nil
}

// readLine reads up to a newline. An empty read means the timeout elapsed
// and ends the line.
func readLine(ctx context.Context, port serialport.Port) ([]byte, error) {
	var line []byte
	buf := make([]byte, 256)
	for len(line) < maxLine {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, err := port.Read(buf)
		if n > 0 {
			line = append(line, buf[:n]...)
			if i := bytes.IndexByte(line, '\n'); i >= 0 {
				return line[:i], nil
			}
		}
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return line, nil
		}
	}
	return nil, fmt.Errorf("%w: reply longer than %d bytes", ErrNoResponse, maxLine)
}
