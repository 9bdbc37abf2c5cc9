package zmodem

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/tapio-rqp/rqpsync/events"
)

// ReceiverConfig holds configuration for a receiver.
type ReceiverConfig struct {
	// SessionID is copied into every event
	SessionID string

	// FrameTimeout bounds the wait for the next expected frame
	FrameTimeout time.Duration

	// ReadSlice is the port read timeout; cancellation is noticed within one slice
	ReadSlice time.Duration

	// RetryBudget is the number of consecutive failures tolerated per unit
	RetryBudget int

	// MaxBlockSize is the largest data subpacket accepted
	MaxBlockSize int

	// ProgressInterval rate-limits FileProgress events
	ProgressInterval time.Duration

	Observer events.Observer
	Logger   Logger

	// TraceIO logs every byte crossing the port at debug level
	TraceIO bool
}

// DefaultReceiverConfig returns a default receiver configuration.
func DefaultReceiverConfig() *ReceiverConfig {
	return &ReceiverConfig{
		FrameTimeout:     5 * time.Second,
		ReadSlice:        100 * time.Millisecond,
		RetryBudget:      10,
		MaxBlockSize:     8192,
		ProgressInterval: 250 * time.Millisecond,
	}
}

// ReceiveResult describes what a ReceiveFiles call wrote, including files
// that were left partial by a failed session.
type ReceiveResult struct {
	// Files lists the local paths created, in arrival order
	Files []string

	// Folders lists the distinct directories that received at least one file
	Folders []string

	// Bytes counts all data bytes written
	Bytes int64
}

func (res *ReceiveResult) add(path string) {
	res.Files = append(res.Files, path)
	dir := filepath.Dir(path)
	for _, f := range res.Folders {
		if f == dir {
			return
		}
	}
	res.Folders = append(res.Folders, dir)
}

// Receiver pulls a batch of files from a ZModem sender.
type Receiver struct {
	io         *zmodemIO
	out        *frameBuffer
	config     ReceiverConfig
	observer   events.Observer
	logger     Logger
	progress   *ProgressTracker
	buf        []byte
	maxGarbage int
	attn       []byte
}

// NewReceiver creates a new ZModem receiver on port. A nil config means
// DefaultReceiverConfig.
func NewReceiver(port io.ReadWriter, config *ReceiverConfig) *Receiver {
	cfg := DefaultReceiverConfig()
	if config != nil {
		c := *config
		if c.FrameTimeout <= 0 {
			c.FrameTimeout = cfg.FrameTimeout
		}
		if c.ReadSlice <= 0 {
			c.ReadSlice = cfg.ReadSlice
		}
		if c.RetryBudget <= 0 {
			c.RetryBudget = cfg.RetryBudget
		}
		if c.MaxBlockSize <= 0 {
			c.MaxBlockSize = cfg.MaxBlockSize
		}
		if c.ProgressInterval <= 0 {
			c.ProgressInterval = cfg.ProgressInterval
		}
		cfg = &c
	}
	if cfg.Logger == nil {
		cfg.Logger = NoopLogger{}
	}
	observer := events.OrNop(cfg.Observer)

	if rt, ok := port.(ReadTimeoutSetter); ok {
		if err := rt.SetReadTimeout(cfg.ReadSlice); err != nil {
			cfg.Logger.Error("set read timeout: %v", err)
		}
	}

	wire := port
	if cfg.TraceIO {
		wire = newTracedPort(port, cfg.Logger)
	}
	zio := newZmodemIO(wire, cfg.MaxBlockSize+64, cfg.FrameTimeout)
	if r, ok := port.(InputResetter); ok {
		zio.reset = r
	}

	return &Receiver{
		io:         zio,
		out:        newFrameBuffer(64),
		config:     *cfg,
		observer:   observer,
		logger:     cfg.Logger,
		progress:   NewProgressTracker(observer, cfg.SessionID, cfg.ProgressInterval),
		buf:        make([]byte, cfg.MaxBlockSize),
		maxGarbage: 2*cfg.MaxBlockSize + 1400,
	}
}

// ReceiveFiles receives files into destDir until the sender ends the
// session. Paths announced by the sender are confined to destDir.
//
// A nil error means the session completed. Files already written stay on
// disk whatever the outcome, and are listed in the result.
func (r *Receiver) ReceiveFiles(ctx context.Context, destDir string) (ReceiveResult, error) {
	var res ReceiveResult
	r.io.SetContext(ctx)

	// Whatever arrived before we asked is stale
	r.io.PurgeLine()

	for {
		fh, use32, err := r.waitForFile()
		if err != nil {
			return res, err
		}
		if fh == nil {
			r.logger.Info("session finished: %d files, %d bytes", len(res.Files), res.Bytes)
			return res, nil
		}

		r.logger.Info("receiving %s (%d bytes, %d files left)", fh.Name, fh.Size, fh.FilesLeft)
		r.observer.OnEvent(events.FileReceived{
			SessionID:      r.config.SessionID,
			Filename:       fh.Name,
			FilesRemaining: fh.FilesLeft,
			Size:           fh.Size,
		})

		n, err := r.receiveFile(destDir, fh, use32, &res)
		res.Bytes += n
		if err != nil {
			var zerr *Error
			if errors.As(err, &zerr) && zerr.Type == ErrFileSkipped {
				r.logger.Info("sender skipped %s", fh.Name)
				continue
			}
			return res, err
		}
	}
}

// retry charges one failure against the budget of the current unit.
func (r *Receiver) retry(errs *int, cause error) error {
	*errs++
	r.logger.Debug("retry %d/%d: %v", *errs, r.config.RetryBudget, cause)
	if *errs > r.config.RetryBudget {
		return wrapError(ErrRetryBudget, fmt.Sprintf("gave up after %d attempts", *errs), cause)
	}
	return nil
}

// sendHex sends a hex header in one write.
func (r *Receiver) sendHex(frameType int, hdr Header) error {
	r.logger.Debug("%s", FormatFrameLog("send", frameType, hdr))
	r.out.hexHeader(frameType, hdr)
	return r.out.flush(r.io)
}

func zrinitHeader() Header {
	var hdr Header
	hdr[ZF0] = CANFC32 | CANFDX | CANOVIO
	return hdr
}

// waitForFile sends ZRINIT and waits for the next file header.
// A nil header means the sender finished the session.
func (r *Receiver) waitForFile() (*FileHeader, bool, error) {
	errs := 0
	resend := true
	for {
		if resend {
			if err := r.sendHex(ZRINIT, zrinitHeader()); err != nil {
				return nil, false, err
			}
		}
		resend = true

		frameType, hdr, use32, err := r.io.getHeader(r.maxGarbage)
		if err != nil {
			if !recoverable(err) {
				return nil, false, err
			}
			if err := r.retry(&errs, err); err != nil {
				return nil, false, err
			}
			continue
		}
		r.logger.Debug("%s", FormatFrameLog("recv", frameType, hdr))

		switch frameType {
		case ZRQINIT, ZEOF:
			// Our ZRINIT was lost or is still in flight
			if err := r.retry(&errs, NewFrameError(ErrProtocol, "sender repeated itself", frameType)); err != nil {
				return nil, false, err
			}

		case ZSINIT:
			attn := make([]byte, ZATTNLEN+1)
			n, end, err := r.io.recvSubpacket(attn, use32)
			if err == nil && end != GOTCRCW {
				err = NewFrameError(ErrInvalidFrame, "ZSINIT subpacket not closed by ZCRCW", ZSINIT)
			}
			if err != nil {
				if !recoverable(err) {
					return nil, false, err
				}
				if err := r.retry(&errs, err); err != nil {
					return nil, false, err
				}
				if err := r.sendHex(ZNAK, Header{}); err != nil {
					return nil, false, err
				}
				resend = false
				continue
			}
			r.attn = attn[:n]
			if err := r.sendHex(ZACK, stohdr(1)); err != nil {
				return nil, false, err
			}
			resend = false

		case ZFILE:
			n, end, err := r.io.recvSubpacket(r.buf, use32)
			if err == nil && end != GOTCRCW {
				err = NewFrameError(ErrInvalidFrame, "file header not closed by ZCRCW", ZFILE)
			}
			var fh FileHeader
			if err == nil {
				fh, err = ParseFileHeader(r.buf[:n])
			}
			if err != nil {
				if !recoverable(err) {
					return nil, false, err
				}
				if err := r.retry(&errs, err); err != nil {
					return nil, false, err
				}
				if err := r.sendHex(ZNAK, Header{}); err != nil {
					return nil, false, err
				}
				resend = false
				continue
			}
			return &fh, use32, nil

		case ZFREECNT:
			if err := r.sendHex(ZACK, stohdr(0xFFFFFFFF)); err != nil {
				return nil, false, err
			}
			resend = false

		case ZFIN:
			r.finish()
			return nil, false, nil

		case ZCAN, ZABORT:
			return nil, false, NewFrameError(ErrCancelled, "sender aborted", frameType)

		case ZRINIT:
			return nil, false, NewFrameError(ErrProtocol, "remote is a receiver too", ZRINIT)

		default:
			if err := r.retry(&errs, NewFrameError(ErrProtocol, "unexpected frame", frameType)); err != nil {
				return nil, false, err
			}
		}
	}
}

// finish answers ZFIN and consumes the sender's "OO" over-and-out.
func (r *Receiver) finish() {
	if err := r.sendHex(ZFIN, Header{}); err != nil {
		r.logger.Error("send ZFIN: %v", err)
		return
	}
	r.io.SetTimeout(min(time.Second, r.config.FrameTimeout))
	defer r.io.SetTimeout(r.config.FrameTimeout)
	for seen, n := 0, 0; seen < 2 && n < 8; n++ {
		c, err := r.io.ReadByte()
		if err != nil {
			return
		}
		if c == 'O' {
			seen++
		}
	}
}

// receiveFile receives one file's data after its header was accepted.
func (r *Receiver) receiveFile(destDir string, fh *FileHeader, use32 bool, res *ReceiveResult) (int64, error) {
	target := localPath(destDir, fh.Name)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return 0, wrapError(ErrIO, "create folder", err)
	}
	f, err := os.Create(target)
	if err != nil {
		return 0, wrapError(ErrIO, "create file", err)
	}
	res.add(target)
	w := bufio.NewWriterSize(f, 32*1024)

	received, err := r.receiveData(w, fh, use32)

	if ferr := w.Flush(); ferr != nil && err == nil {
		err = wrapError(ErrIO, "write file", ferr)
	}
	if cerr := f.Close(); cerr != nil && err == nil {
		err = wrapError(ErrIO, "close file", cerr)
	}
	if err == nil && !fh.ModTime.IsZero() {
		_ = os.Chtimes(target, fh.ModTime, fh.ModTime)
	}
	return received, err
}

func (r *Receiver) receiveData(w io.Writer, fh *FileHeader, use32 bool) (int64, error) {
	var received int64
	errs := 0
	sendPos := true
	r.progress.Start(fh.Name, fh.Size)

	for {
		if sendPos {
			if err := r.sendHex(ZRPOS, stohdr(uint32(received))); err != nil {
				return received, err
			}
		}
		sendPos = true

		frameType, hdr, dataUse32, err := r.io.getHeader(r.maxGarbage)
		if err != nil {
			if !recoverable(err) {
				return received, err
			}
			if err := r.retry(&errs, err); err != nil {
				return received, err
			}
			continue
		}
		r.logger.Debug("%s", FormatFrameLog("recv", frameType, hdr))

		switch frameType {
		case ZDATA:
			if pos := int64(rclhdr(hdr)); pos != received {
				if err := r.retry(&errs, NewFrameError(ErrProtocol, fmt.Sprintf("data at %d, expected %d", pos, received), ZDATA)); err != nil {
					return received, err
				}
				continue
			}
			n, wait, err := r.receiveSubpackets(w, received, dataUse32)
			received += n
			if n > 0 {
				errs = 0
			}
			if err != nil {
				if !recoverable(err) {
					return received, err
				}
				if err := r.retry(&errs, err); err != nil {
					return received, err
				}
				continue
			}
			sendPos = !wait

		case ZEOF:
			if pos := int64(rclhdr(hdr)); pos != received {
				if err := r.retry(&errs, NewFrameError(ErrProtocol, fmt.Sprintf("end of file at %d, have %d", pos, received), ZEOF)); err != nil {
					return received, err
				}
				continue
			}
			if fh.Size >= 0 && received != fh.Size {
				return received, NewFrameError(ErrTruncated,
					fmt.Sprintf("%s: got %d of %d bytes", fh.Name, received, fh.Size), ZEOF)
			}
			r.progress.Update(received)
			r.progress.Complete()
			return received, nil

		case ZFILE:
			// The sender missed our ZRPOS and repeated the header
			_, _, _ = r.io.recvSubpacket(r.buf, use32)
			if err := r.retry(&errs, NewFrameError(ErrProtocol, "repeated file header", ZFILE)); err != nil {
				return received, err
			}

		case ZSKIP:
			return received, NewFrameError(ErrFileSkipped, "sender skipped file", ZSKIP)

		case ZCAN, ZABORT:
			return received, NewFrameError(ErrCancelled, "sender aborted", frameType)

		case ZNAK:
			if err := r.retry(&errs, NewFrameError(ErrProtocol, "sender reported a garbled frame", ZNAK)); err != nil {
				return received, err
			}

		default:
			if err := r.retry(&errs, NewFrameError(ErrProtocol, "unexpected frame", frameType)); err != nil {
				return received, err
			}
		}
	}
}

// receiveSubpackets reads the subpackets following a ZDATA header. Only
// subpackets whose CRC matched are written.
//
// Returns the bytes written and whether the sender expects us to wait for
// its next header rather than to ask for a position.
func (r *Receiver) receiveSubpackets(w io.Writer, offset int64, use32 bool) (int64, bool, error) {
	var written int64
	for {
		n, end, err := r.io.recvSubpacket(r.buf, use32)
		if err != nil {
			return written, false, err
		}
		if _, err := w.Write(r.buf[:n]); err != nil {
			return written, false, wrapError(ErrIO, "write file", err)
		}
		written += int64(n)
		r.progress.Update(offset + written)

		switch end {
		case GOTCRCW:
			if err := r.sendHex(ZACK, stohdr(uint32(offset+written))); err != nil {
				return written, false, err
			}
			return written, true, nil
		case GOTCRCQ:
			if err := r.sendHex(ZACK, stohdr(uint32(offset+written))); err != nil {
				return written, false, err
			}
		case GOTCRCG:
		case GOTCRCE:
			return written, true, nil
		}
	}
}
