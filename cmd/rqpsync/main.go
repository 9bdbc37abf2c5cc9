package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/tapio-rqp/rqpsync/config"
	"github.com/tapio-rqp/rqpsync/events"
	"github.com/tapio-rqp/rqpsync/handshake"
	"github.com/tapio-rqp/rqpsync/postprocess"
	"github.com/tapio-rqp/rqpsync/scan"
	"github.com/tapio-rqp/rqpsync/serialport"
	"github.com/tapio-rqp/rqpsync/transfer"
)

const versionString = "rqpsync version 0.1.0"

// shutdownTimeout bounds the wait for the session and postprocessing after
// an interrupt.
const shutdownTimeout = 10 * time.Second

func main() {
	if len(os.Args) < 2 {
		showUsage(1)
	}

	var err error
	switch os.Args[1] {
	case "scan":
		err = runScan(os.Args[2:])
	case "pull":
		err = runPull(os.Args[2:])
	case "-h", "--help", "help":
		showUsage(0)
	case "--version", "version":
		fmt.Println(versionString)
		return
	default:
		fmt.Fprintf(os.Stderr, "%s: unknown command %q\n", os.Args[0], os.Args[1])
		showUsage(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type common struct {
	configPath string
	verbose    bool
	quiet      bool
	filter     string
	workers    int
}

func (c *common) register(fs *flag.FlagSet) {
	fs.StringVar(&c.configPath, "c", defaultConfigPath(), "config file")
	fs.BoolVar(&c.verbose, "v", false, "verbose mode")
	fs.BoolVar(&c.quiet, "q", false, "quiet mode")
	fs.StringVar(&c.filter, "filter", "", "only probe ports whose description or name contains this")
	fs.IntVar(&c.workers, "workers", 0, "concurrent probes (0 uses the config value)")
}

func (c *common) load() (*config.Config, zerolog.Logger, func(), error) {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return nil, zerolog.Nop(), nil, err
	}
	if c.filter != "" {
		cfg.Scan.NameFilter = c.filter
	}
	if c.workers > 0 {
		cfg.Scan.MaxWorkers = c.workers
	}
	switch {
	case c.verbose:
		cfg.Log.Level = "debug"
	case c.quiet:
		cfg.Log.Level = "warn"
	}
	log, closeLog, err := setupLogger(cfg.Log)
	if err != nil {
		return nil, zerolog.Nop(), nil, err
	}
	return cfg, log, closeLog, nil
}

func newScanner(cfg *config.Config, log zerolog.Logger) *scan.Scanner {
	opener := serialport.NewOSOpener(log)
	prober := handshake.NewProber(opener, cfg.HandshakeConfig(), log)
	return scan.NewScanner(serialport.OSLister, prober, scan.Config{
		MaxWorkers: cfg.Scan.MaxWorkers,
		NameFilter: cfg.Scan.NameFilter,
	}, log)
}

func runScan(args []string) error {
	fs := flag.NewFlagSet("scan", flag.ExitOnError)
	var c common
	c.register(fs)
	all := fs.Bool("a", false, "list ports without a device too")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, log, closeLog, err := c.load()
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, cancel := signalContext()
	defer cancel()

	run := newScanner(cfg, log).Start(ctx)
	tty := stderrIsTerminal()
	for ev := range run.Events() {
		if p, ok := ev.(events.ScanProgress); ok && !c.quiet && tty {
			fmt.Fprintf(os.Stderr, "\r\033[K%3d%% %s", p.Percent, p.Status)
		}
	}
	if tty && !c.quiet {
		fmt.Fprintln(os.Stderr)
	}
	res, _ := run.Wait(0)
	if res.Cancelled {
		return errors.New("scan cancelled")
	}

	ports := res.Devices()
	if *all {
		ports = res.Ports
	}
	for _, p := range ports {
		mark := " "
		if p.DeviceResponded {
			mark = "*"
		}
		fmt.Printf("%s %-20s %-24s %s\n", mark, p.Name, p.Description, p.SerialNumber)
	}
	if len(res.Devices()) == 0 && !c.quiet {
		fmt.Fprintln(os.Stderr, "no device found")
	}
	return nil
}

func runPull(args []string) error {
	fs := flag.NewFlagSet("pull", flag.ExitOnError)
	var c common
	c.register(fs)
	port := fs.String("p", "", "serial port (default: scan and use the only device found)")
	dest := fs.String("d", "", "destination directory (default: from config)")
	timeout := fs.Duration("t", 0, "frame timeout (0 uses the config value)")
	trace := fs.Bool("trace", false, "log every byte on the wire")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, log, closeLog, err := c.load()
	if err != nil {
		return err
	}
	defer closeLog()
	if *dest != "" {
		cfg.Transfer.Destination = *dest
	}
	if *timeout > 0 {
		cfg.Transfer.FrameTimeout.Duration = *timeout
	}
	if *trace {
		cfg.Transfer.TraceIO = true
	}

	ctx, cancel := signalContext()
	defer cancel()

	destDir := cfg.Transfer.Destination
	if *port == "" {
		dev, err := pickDevice(ctx, cfg, log)
		if err != nil {
			return err
		}
		*port = dev.Name
		destDir = filepath.Join(destDir, dev.SerialNumber)
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return err
	}

	pipeline := postprocess.NewPipeline(cfg.Postprocess.Enabled, log)
	pipeline.Register(postprocess.ManifestProcessor{})

	mgr := transfer.NewManager(serialport.NewOSOpener(log),
		transfer.WithConfig(cfg.TransferConfig()),
		transfer.WithObserver(progressPrinter(c.quiet, stderrIsTerminal())),
		transfer.WithPostprocessor(pipeline),
		transfer.WithLogger(log),
	)
	if _, err := mgr.Start(context.Background(), *port, destDir, nil); err != nil {
		return err
	}
	// Cancel rather than drop the context so the device is told to stop
	go func() {
		<-ctx.Done()
		mgr.Cancel()
	}()

	out, _ := mgr.Wait(0)
	if err := mgr.Close(shutdownTimeout); err != nil {
		log.Warn().Err(err).Msg("shutdown")
	}
	switch out.State {
	case transfer.Completed:
		if !c.quiet {
			fmt.Fprintf(os.Stderr, "received %d files (%d bytes) into %s\n", len(out.Files), out.Bytes, destDir)
		}
		return nil
	case transfer.Cancelled:
		return errors.New("transfer cancelled")
	default:
		return out.Err
	}
}

func pickDevice(ctx context.Context, cfg *config.Config, log zerolog.Logger) (scan.PortDescriptor, error) {
	res := newScanner(cfg, log).Scan(ctx, nil)
	if res.Cancelled {
		return scan.PortDescriptor{}, errors.New("scan cancelled")
	}
	devs := res.Devices()
	switch len(devs) {
	case 0:
		return scan.PortDescriptor{}, errors.New("no device found")
	case 1:
		return devs[0], nil
	default:
		return scan.PortDescriptor{}, fmt.Errorf("%d devices found, choose one with -p", len(devs))
	}
}

func progressPrinter(quiet, tty bool) events.Observer {
	if quiet {
		return events.Nop
	}
	return events.ObserverFunc(func(e events.Event) {
		switch e := e.(type) {
		case events.FileReceived:
			fmt.Fprintf(os.Stderr, "Receiving: %s (%d bytes, %d left)\n", e.Filename, e.Size, e.FilesRemaining)
		case events.FileProgress:
			if !tty {
				return
			}
			percent := float64(0)
			if e.Total > 0 {
				percent = float64(e.Transferred) / float64(e.Total) * 100
			}
			fmt.Fprintf(os.Stderr, "\r%s: %.1f%% (%.0f bytes/s)", e.Filename, percent, e.Rate)
		case events.FileCompleted:
			if tty {
				fmt.Fprintln(os.Stderr)
			}
			fmt.Fprintf(os.Stderr, "Completed: %s (%d bytes in %v)\n", e.Filename, e.Bytes, e.Duration.Round(time.Millisecond))
		}
	})
}

func defaultConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "rqpsync", "config.toml")
}

func signalContext() (context.Context, context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-sigChan:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigChan)
	}()
	return ctx, cancel
}

func showUsage(exitcode int) {
	fmt.Fprintf(os.Stderr, `%s - find RQP devices and pull their measurement files

Usage: %s command [options]

Commands:
  scan    probe serial ports and list the devices that answer
  pull    receive every file a device sends

Common options:
  -c FILE        config file
  -filter S      only probe ports whose description or name contains S
  -workers N     concurrent probes
  -q             quiet mode
  -v             verbose mode

scan options:
  -a             list ports without a device too

pull options:
  -p PORT        serial port (default: scan and use the only device found)
  -d DIR         destination directory
  -t DURATION    frame timeout
  -trace         log every byte on the wire

Examples:
  %s scan
  %s pull -p /dev/ttyUSB0 -d ./data

`, versionString, os.Args[0], os.Args[0], os.Args[0])
	os.Exit(exitcode)
}
