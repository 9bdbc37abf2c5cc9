package zmodem

import (
	"context"
	"errors"
	"io"
	"os"
	"time"
)

// ReadTimeoutSetter is implemented by ports whose Read returns a short or
// empty read once the given timeout elapses.
type ReadTimeoutSetter interface {
	SetReadTimeout(time.Duration) error
}

// InputResetter is implemented by ports that can discard pending input.
type InputResetter interface {
	ResetInputBuffer() error
}

// zmodemIO provides buffered byte reads with a frame timeout, context
// cancellation and CAN*5 detection underneath all framing.
//
// The port's own read timeout is kept short (the read slice) so that a
// cancelled context is noticed within one slice even while waiting for a
// frame with a much longer timeout.
type zmodemIO struct {
	port     io.ReadWriter
	rbuf     []byte
	rpos     int
	rleft    int
	timeout  time.Duration
	ctx      context.Context
	canCount int
	reset    InputResetter
}

// newZmodemIO creates a new ZModem I/O handler.
//
// Parameters:
//   - port: the underlying byte stream
//   - bufsize: size of the read buffer
//   - timeout: how long ReadByte waits for the next byte
func newZmodemIO(port io.ReadWriter, bufsize int, timeout time.Duration) *zmodemIO {
	if bufsize <= 0 {
		bufsize = 1024
	}
	z := &zmodemIO{
		port:    port,
		rbuf:    make([]byte, bufsize),
		timeout: timeout,
		ctx:     context.Background(),
	}
	if r, ok := port.(InputResetter); ok {
		z.reset = r
	}
	return z
}

// SetContext sets the context for cancellation.
func (z *zmodemIO) SetContext(ctx context.Context) {
	z.ctx = ctx
}

// SetTimeout changes how long ReadByte waits for data.
func (z *zmodemIO) SetTimeout(timeout time.Duration) {
	z.timeout = timeout
}

// ReadByte reads a single byte. It fails with ErrTimeout when nothing arrives
// within the timeout and with ErrCancelled when the context is done or the
// byte completes a run of CancelLength CAN bytes.
func (z *zmodemIO) ReadByte() (byte, error) {
	if z.rleft == 0 {
		if err := z.fill(); err != nil {
			return 0, err
		}
	}
	b := z.rbuf[z.rpos]
	z.rpos++
	z.rleft--

	if b == CAN {
		z.canCount++
		if z.canCount >= CancelLength {
			z.canCount = 0
			return 0, NewError(ErrCancelled, "remote sent cancel sequence")
		}
	} else {
		z.canCount = 0
	}
	return b, nil
}

func (z *zmodemIO) fill() error {
	deadline := time.Now().Add(z.timeout)
	for {
		if err := z.ctx.Err(); err != nil {
			return wrapError(ErrCancelled, "transfer cancelled", err)
		}

		n, err := z.port.Read(z.rbuf)
		if n > 0 {
			z.rpos = 0
			z.rleft = n
			return nil
		}
		if err != nil && !errors.Is(err, os.ErrDeadlineExceeded) {
			if z.ctx.Err() != nil {
				return wrapError(ErrCancelled, "transfer cancelled", z.ctx.Err())
			}
			return wrapError(ErrIO, "read failed", err)
		}
		if !time.Now().Before(deadline) {
			return NewError(ErrTimeout, "timeout waiting for data")
		}
	}
}

// Write writes bytes to the port.
func (z *zmodemIO) Write(buf []byte) (int, error) {
	n, err := z.port.Write(buf)
	if err != nil {
		return n, wrapError(ErrIO, "write failed", err)
	}
	return n, nil
}

// PurgeLine discards buffered input, including whatever the port holds.
func (z *zmodemIO) PurgeLine() {
	z.rleft = 0
	z.rpos = 0
	z.canCount = 0
	if z.reset != nil {
		_ = z.reset.ResetInputBuffer()
	}
}

// noxrd7 reads a character, eating parity, XON, and XOFF characters.
func (z *zmodemIO) noxrd7() (byte, error) {
	for {
		c, err := z.ReadByte()
		if err != nil {
			return 0, err
		}
		c &= 0x7F
		switch c {
		case XON, XOFF:
			continue
		default:
			return c, nil
		}
	}
}

// WriteCancel writes the cancel sequence to w.
func WriteCancel(w io.Writer) error {
	_, err := w.Write(CancelSequence)
	return err
}
