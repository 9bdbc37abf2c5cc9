package zmodem

import (
	"fmt"
	"io"

	"github.com/rs/zerolog"
)

// Logger interface for ZModem protocol logging
type Logger interface {
	Debug(format string, args ...interface{})
	Info(format string, args ...interface{})
	Error(format string, args ...interface{})
}

// zerologLogger forwards protocol logs to a zerolog.Logger.
type zerologLogger struct {
	log zerolog.Logger
}

// NewZerologLogger adapts a zerolog.Logger to the protocol Logger interface.
func NewZerologLogger(log zerolog.Logger) Logger {
	return zerologLogger{log: log.With().Str("component", "zmodem").Logger()}
}

func (l zerologLogger) Debug(format string, args ...interface{}) {
	l.log.Debug().Msgf(format, args...)
}

func (l zerologLogger) Info(format string, args ...interface{}) {
	l.log.Info().Msgf(format, args...)
}

func (l zerologLogger) Error(format string, args ...interface{}) {
	l.log.Error().Msgf(format, args...)
}

// NoopLogger does nothing
type NoopLogger struct{}

func (NoopLogger) Debug(format string, args ...interface{}) {}
func (NoopLogger) Info(format string, args ...interface{})  {}
func (NoopLogger) Error(format string, args ...interface{}) {}

// FormatFrameLog formats a frame for logging
func FormatFrameLog(direction string, frameType int, hdr Header) string {
	return fmt.Sprintf("%s %s (pos=%d, hdr=[%02x %02x %02x %02x])",
		direction, FrameTypeName(frameType), rclhdr(hdr), hdr[0], hdr[1], hdr[2], hdr[3])
}

// LoggingReader wraps a reader and logs all reads
type LoggingReader struct {
	reader io.Reader
	logger Logger
	name   string
}

func NewLoggingReader(reader io.Reader, logger Logger, name string) *LoggingReader {
	return &LoggingReader{
		reader: reader,
		logger: logger,
		name:   name,
	}
}

func (lr *LoggingReader) Read(p []byte) (int, error) {
	n, err := lr.reader.Read(p)
	if n > 0 {
		data := p[:n]
		if n > 64 {
			lr.logger.Debug("%s: read %d bytes: % x ...", lr.name, n, data[:64])
		} else {
			lr.logger.Debug("%s: read %d bytes: % x", lr.name, n, data)
		}
	}
	if err != nil && err != io.EOF {
		lr.logger.Error("%s: read error: %v", lr.name, err)
	}
	return n, err
}

// LoggingWriter wraps a writer and logs all writes
type LoggingWriter struct {
	writer io.Writer
	logger Logger
	name   string
}

func NewLoggingWriter(writer io.Writer, logger Logger, name string) *LoggingWriter {
	return &LoggingWriter{
		writer: writer,
		logger: logger,
		name:   name,
	}
}

func (lw *LoggingWriter) Write(p []byte) (int, error) {
	n, err := lw.writer.Write(p)
	if n > 0 {
		data := p[:n]
		if n > 64 {
			lw.logger.Debug("%s: wrote %d bytes: % x ...", lw.name, n, data[:64])
		} else {
			lw.logger.Debug("%s: wrote %d bytes: % x", lw.name, n, data)
		}
	}
	if err != nil {
		lw.logger.Error("%s: write error: %v", lw.name, err)
	}
	return n, err
}

// tracedPort logs both directions of a port.
type tracedPort struct {
	*LoggingReader
	*LoggingWriter
}

func newTracedPort(port io.ReadWriter, logger Logger) io.ReadWriter {
	return tracedPort{
		LoggingReader: NewLoggingReader(port, logger, "rx"),
		LoggingWriter: NewLoggingWriter(port, logger, "tx"),
	}
}
