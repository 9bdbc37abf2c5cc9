package zmodem

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// Content is the readable body of a file being sent. Blocks are read by
// offset so that a ZRPOS can rewind without seeking.
type Content interface {
	io.ReaderAt
	io.Closer
}

// SendFile describes one file offered to the receiver.
type SendFile struct {
	// Name is the path announced to the receiver, '/' separated
	Name    string
	Size    int64
	ModTime time.Time
	Mode    os.FileMode

	// Open is called once, when the file's turn comes
	Open func() (Content, error)
}

type nopCloser struct {
	*bytes.Reader
}

func (nopCloser) Close() error { return nil }

// BytesFile returns a SendFile serving data from memory.
func BytesFile(name string, data []byte) SendFile {
	return SendFile{
		Name: name,
		Size: int64(len(data)),
		Mode: 0o644,
		Open: func() (Content, error) {
			return nopCloser{bytes.NewReader(data)}, nil
		},
	}
}

// DirFiles lists every regular file below root, named relative to root,
// in lexical order.
func DirFiles(root string) ([]SendFile, error) {
	var files []SendFile
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		files = append(files, SendFile{
			Name:    filepath.ToSlash(rel),
			Size:    info.Size(),
			ModTime: info.ModTime(),
			Mode:    info.Mode().Perm(),
			Open: func() (Content, error) {
				return os.Open(path)
			},
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, nil
}

// SenderConfig holds configuration for a sender.
type SenderConfig struct {
	// FrameTimeout bounds the wait for each reply from the receiver
	FrameTimeout time.Duration

	// ReadSlice is the port read timeout
	ReadSlice time.Duration

	// RetryBudget is the number of consecutive failures tolerated per unit
	RetryBudget int

	// BlockSize is the data carried by each ZDATA subpacket
	BlockSize int

	Logger  Logger
	TraceIO bool
}

// DefaultSenderConfig returns a default sender configuration.
func DefaultSenderConfig() *SenderConfig {
	return &SenderConfig{
		FrameTimeout: 10 * time.Second,
		ReadSlice:    100 * time.Millisecond,
		RetryBudget:  10,
		BlockSize:    1024,
	}
}

// Sender offers files to a ZModem receiver. Each data block is sent as its
// own ZDATA frame closed by ZCRCW and waits for the receiver's ZACK, which
// keeps the device side simple and the receive side strictly in order.
type Sender struct {
	io     *zmodemIO
	out    *frameBuffer
	config SenderConfig
	logger Logger
	use32  bool
	buf    []byte
}

// NewSender creates a new ZModem sender on port. A nil config means
// DefaultSenderConfig.
func NewSender(port io.ReadWriter, config *SenderConfig) *Sender {
	cfg := DefaultSenderConfig()
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
		if c.BlockSize <= 0 {
			c.BlockSize = cfg.BlockSize
		}
		cfg = &c
	}
	if cfg.Logger == nil {
		cfg.Logger = NoopLogger{}
	}

	if rt, ok := port.(ReadTimeoutSetter); ok {
		if err := rt.SetReadTimeout(cfg.ReadSlice); err != nil {
			cfg.Logger.Error("set read timeout: %v", err)
		}
	}
	wire := port
	if cfg.TraceIO {
		wire = newTracedPort(port, cfg.Logger)
	}

	return &Sender{
		io:     newZmodemIO(wire, 256, cfg.FrameTimeout),
		out:    newFrameBuffer(2*cfg.BlockSize + 64),
		config: *cfg,
		logger: cfg.Logger,
		buf:    make([]byte, cfg.BlockSize),
	}
}

// SendFiles offers files in order and ends the session with ZFIN.
func (s *Sender) SendFiles(ctx context.Context, files []SendFile) error {
	s.io.SetContext(ctx)

	if err := s.getReceiverInit(); err != nil {
		return err
	}

	var bytesLeft int64
	for _, f := range files {
		bytesLeft += f.Size
	}
	for i, f := range files {
		if err := s.sendFile(f, len(files)-i, bytesLeft); err != nil {
			return fmt.Errorf("send %s: %w", f.Name, err)
		}
		bytesLeft -= f.Size
	}
	return s.finish()
}

func (s *Sender) retry(errs *int, cause error) error {
	*errs++
	s.logger.Debug("retry %d/%d: %v", *errs, s.config.RetryBudget, cause)
	if *errs > s.config.RetryBudget {
		return wrapError(ErrRetryBudget, fmt.Sprintf("gave up after %d attempts", *errs), cause)
	}
	return nil
}

func (s *Sender) flush() error {
	return s.out.flush(s.io)
}

// awaitHeader reads the next header, charging recoverable failures to errs.
// ok is false when the caller should resend its last frame.
func (s *Sender) awaitHeader(errs *int) (frameType int, hdr Header, ok bool, err error) {
	frameType, hdr, _, err = s.io.getHeader(0)
	if err != nil {
		if !recoverable(err) {
			return 0, Header{}, false, err
		}
		return 0, Header{}, false, s.retry(errs, err)
	}
	s.logger.Debug("%s", FormatFrameLog("recv", frameType, hdr))
	return frameType, hdr, true, nil
}

// getReceiverInit waits for the receiver's ZRINIT, prodding it with ZRQINIT
// when it stays silent.
func (s *Sender) getReceiverInit() error {
	errs := 0
	for {
		frameType, hdr, ok, err := s.awaitHeader(&errs)
		if err != nil {
			return err
		}
		if !ok {
			s.out.hexHeader(ZRQINIT, Header{})
			if err := s.flush(); err != nil {
				return err
			}
			continue
		}

		switch frameType {
		case ZRINIT:
			s.use32 = hdr[ZF0]&CANFC32 != 0
			return nil
		case ZCAN, ZABORT, ZFIN:
			return NewFrameError(ErrCancelled, "receiver aborted", frameType)
		default:
			if err := s.retry(&errs, NewFrameError(ErrProtocol, "unexpected frame", frameType)); err != nil {
				return err
			}
		}
	}
}

// sendFile offers one file and sends it from wherever the receiver asks.
func (s *Sender) sendFile(f SendFile, filesLeft int, bytesLeft int64) error {
	content, err := f.Open()
	if err != nil {
		return wrapError(ErrIO, "open", err)
	}
	defer content.Close()

	info := BuildFileHeader(FileHeader{
		Name:      f.Name,
		Size:      f.Size,
		ModTime:   f.ModTime,
		Mode:      f.Mode,
		FilesLeft: filesLeft,
		BytesLeft: bytesLeft,
	})
	var fileHdr Header
	fileHdr[ZF0] = ZCBIN

	errs := 0
	for {
		s.logger.Debug("%s", FormatFrameLog("send", ZFILE, fileHdr))
		s.out.binHeader(ZFILE, fileHdr, false)
		s.out.subpacket(info, ZCRCW, false)
		if err := s.flush(); err != nil {
			return err
		}

		frameType, hdr, ok, err := s.awaitHeader(&errs)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		switch frameType {
		case ZRPOS:
			return s.sendData(content, f.Size, int64(rclhdr(hdr)))
		case ZSKIP:
			s.logger.Info("receiver skipped %s", f.Name)
			return nil
		case ZRINIT, ZNAK:
			if err := s.retry(&errs, NewFrameError(ErrProtocol, "file header not accepted", frameType)); err != nil {
				return err
			}
		case ZCAN, ZABORT, ZFIN:
			return NewFrameError(ErrCancelled, "receiver aborted", frameType)
		default:
			if err := s.retry(&errs, NewFrameError(ErrProtocol, "unexpected frame", frameType)); err != nil {
				return err
			}
		}
	}
}

// sendData sends blocks from pos until the receiver acknowledges the end of
// file with ZRINIT.
func (s *Sender) sendData(content Content, size, pos int64) error {
	errs := 0
	for {
		if pos > size {
			pos = size
		}
		var n int
		frameType := ZEOF
		if pos < size {
			frameType = ZDATA
			want := min(int64(len(s.buf)), size-pos)
			var err error
			n, err = content.ReadAt(s.buf[:want], pos)
			if n < int(want) {
				if err == nil {
					err = io.ErrUnexpectedEOF
				}
				return wrapError(ErrIO, "read", err)
			}
			s.out.binHeader(ZDATA, stohdr(uint32(pos)), s.use32)
			s.out.subpacket(s.buf[:n], ZCRCW, s.use32)
		} else {
			s.out.binHeader(ZEOF, stohdr(uint32(size)), s.use32)
		}
		s.logger.Debug("%s", FormatFrameLog("send", frameType, stohdr(uint32(pos))))
		if err := s.flush(); err != nil {
			return err
		}

		reply, hdr, ok, err := s.awaitHeader(&errs)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		switch reply {
		case ZACK:
			if frameType == ZDATA && int64(rclhdr(hdr)) == pos+int64(n) {
				pos += int64(n)
				errs = 0
				continue
			}
			if err := s.retry(&errs, NewFrameError(ErrProtocol, "stale acknowledgement", reply)); err != nil {
				return err
			}
		case ZRINIT:
			if frameType == ZEOF {
				return nil
			}
			if err := s.retry(&errs, NewFrameError(ErrProtocol, "ZRINIT before end of file", reply)); err != nil {
				return err
			}
		case ZRPOS:
			pos = int64(rclhdr(hdr))
			if err := s.retry(&errs, NewFrameError(ErrProtocol, fmt.Sprintf("receiver asked for %d", pos), reply)); err != nil {
				return err
			}
		case ZSKIP:
			return nil
		case ZNAK:
			if err := s.retry(&errs, NewFrameError(ErrProtocol, "receiver reported a garbled frame", reply)); err != nil {
				return err
			}
		case ZCAN, ZABORT, ZFIN:
			return NewFrameError(ErrCancelled, "receiver aborted", reply)
		default:
			if err := s.retry(&errs, NewFrameError(ErrProtocol, "unexpected frame", reply)); err != nil {
				return err
			}
		}
	}
}

// finish ends the session: ZFIN until the receiver answers ZFIN, then "OO".
func (s *Sender) finish() error {
	errs := 0
	for {
		s.out.hexHeader(ZFIN, Header{})
		if err := s.flush(); err != nil {
			return err
		}
		frameType, _, ok, err := s.awaitHeader(&errs)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		switch frameType {
		case ZFIN:
			s.out.raw('O', 'O')
			return s.flush()
		case ZCAN, ZABORT:
			return NewFrameError(ErrCancelled, "receiver aborted", frameType)
		default:
			if err := s.retry(&errs, NewFrameError(ErrProtocol, "unexpected frame", frameType)); err != nil {
				return err
			}
		}
	}
}
