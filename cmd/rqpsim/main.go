package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/tapio-rqp/rqpsync/handshake"
	"github.com/tapio-rqp/rqpsync/serialport"
	"github.com/tapio-rqp/rqpsync/zmodem"
)

var (
	portName  = flag.String("p", "", "serial port to serve on")
	baud      = flag.Int("b", serialport.DefaultBaudRate, "baud rate")
	dir       = flag.String("d", ".", "directory whose files are sent")
	name      = flag.String("name", "RQP-SIM", "device name reported to the host")
	serial    = flag.String("serial", "SIM0001", "serial number reported to the host")
	blockSize = flag.Int("block", 1024, "data block size")
	timeout   = flag.Duration("t", 10*time.Second, "frame timeout")
	once      = flag.Bool("once", false, "exit after one transfer")
	verbose   = flag.Bool("v", false, "verbose mode")
	help      = flag.Bool("h", false, "show help")
)

const versionString = "rqpsim version 0.1.0"

// zrinitPrefix starts the hex ZRINIT a receiver sends when it is ready.
var zrinitPrefix = []byte{zmodem.ZPAD, zmodem.ZPAD, zmodem.ZDLE, zmodem.ZHEX, '0', '1'}

func main() {
	flag.Parse()
	if *help || *portName == "" {
		showUsage(0)
	}

	level := zerolog.InfoLevel
	if *verbose {
		level = zerolog.DebugLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).
		Level(level).With().Timestamp().Logger()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	ctx, cancel := signalContext(sigChan)
	defer cancel()

	port, err := serialport.NewOSOpener(log).Open(*portName, serialport.Mode{
		BaudRate:    *baud,
		ReadTimeout: 100 * time.Millisecond,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer port.Close()

	dev := &device{
		port: port,
		info: handshake.DeviceInfo{DeviceName: *name, SerialNumber: *serial},
		log:  log,
	}
	log.Info().Str("port", *portName).Str("dir", *dir).Msg("serving")
	if err := dev.serve(ctx); err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// device answers the handshake and sends the directory whenever a receiver
// announces itself.
type device struct {
	port serialport.Port
	info handshake.DeviceInfo
	log  zerolog.Logger
	buf  []byte
}

func (d *device) serve(ctx context.Context) error {
	chunk := make([]byte, 512)
	for ctx.Err() == nil {
		n, err := d.port.Read(chunk)
		if err != nil {
			return err
		}
		if n == 0 {
			d.idle()
			continue
		}
		d.buf = append(d.buf, chunk[:n]...)

		if i := bytes.Index(d.buf, zrinitPrefix); i >= 0 {
			d.buf = d.buf[:0]
			if err := d.send(ctx); err != nil {
				d.log.Error().Err(err).Msg("transfer failed")
			}
			if *once {
				return nil
			}
			continue
		}
		for {
			i := bytes.IndexByte(d.buf, '\n')
			if i < 0 {
				break
			}
			d.command(bytes.TrimSpace(d.buf[:i]))
			d.buf = d.buf[i+1:]
		}
	}
	return ctx.Err()
}

// idle handles input that ends without a newline, as the clock sync does.
func (d *device) idle() {
	if len(d.buf) > 0 && !bytes.HasPrefix(d.buf, zrinitPrefix[:2]) {
		d.command(bytes.TrimSpace(d.buf))
		d.buf = d.buf[:0]
	}
}

func (d *device) command(line []byte) {
	switch {
	case len(line) == 0:
	case string(line) == "RQP+DEVICEINFO?":
		reply, err := json.Marshal(d.info)
		if err != nil {
			d.log.Error().Err(err).Msg("encode device info")
			return
		}
		if _, err := d.port.Write(append(reply, '\n')); err != nil {
			d.log.Error().Err(err).Msg("write device info")
			return
		}
		d.log.Info().Msg("answered device query")
	case bytes.HasPrefix(line, []byte(handshake.SetTimePrefix)):
		epoch, err := strconv.ParseInt(string(line[len(handshake.SetTimePrefix):]), 10, 64)
		if err != nil {
			d.log.Warn().Bytes("line", line).Msg("bad clock sync")
			return
		}
		d.log.Info().Str("clock", time.Unix(epoch, 0).UTC().Format(time.DateTime)).Msg("clock set")
	default:
		d.log.Debug().Bytes("line", line).Msg("ignored")
	}
}

func (d *device) send(ctx context.Context) error {
	files, err := zmodem.DirFiles(*dir)
	if err != nil {
		return err
	}
	d.log.Info().Int("files", len(files)).Msg("receiver ready, sending")

	cfg := zmodem.DefaultSenderConfig()
	cfg.BlockSize = *blockSize
	cfg.FrameTimeout = *timeout
	cfg.Logger = zmodem.NewZerologLogger(d.log)
	cfg.TraceIO = *verbose
	start := time.Now()
	if err := zmodem.NewSender(d.port, cfg).SendFiles(ctx, files); err != nil {
		return err
	}
	d.log.Info().Dur("took", time.Since(start)).Msg("transfer complete")
	return nil
}

func signalContext(sigChan chan os.Signal) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-sigChan
		cancel()
	}()
	return ctx, cancel
}

func showUsage(exitcode int) {
	fmt.Fprintf(os.Stderr, `%s - pretend to be an RQP device on a serial port

Usage: %s -p PORT [options]

Options:
  -b N           baud rate (default: 115200)
  -block N       data block size (default: 1024)
  -d DIR         directory whose files are sent (default: .)
  -h             show this help message
  -name S        device name reported to the host
  -once          exit after one transfer
  -serial S      serial number reported to the host
  -t DURATION    frame timeout (default: 10s)
  -v             verbose mode, traces the wire

Pair it with rqpsync through a virtual serial pair, for example:
  socat -d -d pty,raw,echo=0 pty,raw,echo=0
  %s -p /dev/pts/3 -d ./samples
  rqpsync pull -p /dev/pts/4

`, versionString, os.Args[0], os.Args[0])
	os.Exit(exitcode)
}
