// Package config loads rqpsync settings from a TOML file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/tapio-rqp/rqpsync/handshake"
	"github.com/tapio-rqp/rqpsync/postprocess"
	"github.com/tapio-rqp/rqpsync/serialport"
	"github.com/tapio-rqp/rqpsync/transfer"
)

// Duration is a time.Duration written as a string such as "200ms".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Serial holds port settings shared by the handshake and transfers.
type Serial struct {
	BaudRate         int      `toml:"baud"`
	HandshakeTimeout Duration `toml:"handshake_timeout"`
	ReadSlice        Duration `toml:"read_slice"`
}

// Scan tunes port scanning.
type Scan struct {
	MaxWorkers int    `toml:"max_workers"`
	NameFilter string `toml:"name_filter"`
}

// Transfer tunes receive sessions.
type Transfer struct {
	Destination  string   `toml:"destination"`
	FrameTimeout Duration `toml:"frame_timeout"`
	RetryBudget  int      `toml:"retry_budget"`
	MaxBlockSize int      `toml:"max_block_size"`
	TraceIO      bool     `toml:"trace_io"`
}

// Postprocess lists the processors run after a completed transfer.
type Postprocess struct {
	Enabled []string `toml:"enabled"`
}

// Log configures logging.
type Log struct {
	Level string `toml:"level"`
	File  string `toml:"file"`
}

// Config is the whole configuration file.
type Config struct {
	Serial      Serial      `toml:"serial"`
	Scan        Scan        `toml:"scan"`
	Transfer    Transfer    `toml:"transfer"`
	Postprocess Postprocess `toml:"postprocess"`
	Log         Log         `toml:"log"`
}

// Default returns the built-in configuration.
func Default() *Config {
	td := transfer.DefaultConfig()
	return &Config{
		Serial: Serial{
			BaudRate:         serialport.DefaultBaudRate,
			HandshakeTimeout: Duration{handshake.DefaultTimeout},
			ReadSlice:        Duration{td.ReadSlice},
		},
		Transfer: Transfer{
			Destination:  defaultDestination(),
			FrameTimeout: Duration{td.FrameTimeout},
			RetryBudget:  td.RetryBudget,
			MaxBlockSize: td.MaxBlockSize,
		},
		Postprocess: Postprocess{
			Enabled: []string{postprocess.ManifestProcessor{}.Name()},
		},
		Log: Log{Level: "info"},
	}
}

func defaultDestination() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".tapiorqp"
	}
	return filepath.Join(home, ".tapiorqp")
}

// Load reads path over the defaults. A missing file yields the defaults;
// keys the file does not set keep their default values.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	md, err := toml.DecodeFile(path, cfg)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	if undec := md.Undecoded(); len(undec) > 0 {
		return nil, fmt.Errorf("load config %s: unknown key %s", path, undec[0])
	}
	return cfg, cfg.Validate()
}

// Validate rejects values no component can run with.
func (c *Config) Validate() error {
	switch {
	case c.Serial.BaudRate <= 0:
		return fmt.Errorf("serial.baud must be positive, got %d", c.Serial.BaudRate)
	case c.Serial.HandshakeTimeout.Duration <= 0:
		return errors.New("serial.handshake_timeout must be positive")
	case c.Serial.ReadSlice.Duration <= 0:
		return errors.New("serial.read_slice must be positive")
	case c.Scan.MaxWorkers < 0:
		return fmt.Errorf("scan.max_workers must not be negative, got %d", c.Scan.MaxWorkers)
	case c.Transfer.Destination == "":
		return errors.New("transfer.destination must be set")
	case c.Transfer.FrameTimeout.Duration <= 0:
		return errors.New("transfer.frame_timeout must be positive")
	case c.Transfer.RetryBudget <= 0:
		return fmt.Errorf("transfer.retry_budget must be positive, got %d", c.Transfer.RetryBudget)
	case c.Transfer.MaxBlockSize < 1024:
		return fmt.Errorf("transfer.max_block_size must be at least 1024, got %d", c.Transfer.MaxBlockSize)
	}
	return nil
}

// TransferConfig returns the session settings.
func (c *Config) TransferConfig() transfer.Config {
	return transfer.Config{
		BaudRate:     c.Serial.BaudRate,
		ReadSlice:    c.Serial.ReadSlice.Duration,
		FrameTimeout: c.Transfer.FrameTimeout.Duration,
		RetryBudget:  c.Transfer.RetryBudget,
		MaxBlockSize: c.Transfer.MaxBlockSize,
		TraceIO:      c.Transfer.TraceIO,
	}
}

// HandshakeConfig returns the probe settings.
func (c *Config) HandshakeConfig() handshake.Config {
	return handshake.Config{
		BaudRate: c.Serial.BaudRate,
		Timeout:  c.Serial.HandshakeTimeout.Duration,
	}
}
