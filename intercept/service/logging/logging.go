// Package logging builds the process root logger.
package logging

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/term"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Writer names accepted in Options.Writers.
const (
	WriterConsole = "console"
	WriterFile    = "file"
)

// Options configures the root logger.
type Options struct {
	Level      string
	Writers    []string
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// Logger is the root logger plus the resources backing it.
type Logger struct {
	zerolog.Logger
	closers []io.Closer
}

// New creates a logger from opts. Console output goes to stderr, colored when
// stderr is a terminal and JSON otherwise.
func New(opts Options) (*Logger, error) {
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(opts.Level)))
	if err != nil {
		return nil, err
	} else if level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	writers := opts.Writers
	if len(writers) == 0 {
		writers = []string{WriterConsole}
	}

	l := &Logger{}
	var outputs []io.Writer
	for _, w := range writers {
		switch strings.ToLower(strings.TrimSpace(w)) {
		case WriterConsole:
			outputs = append(outputs, consoleWriter(os.Stderr))
		case WriterFile:
			if opts.File == "" {
				return nil, errors.New("log file writer requires a file path")
			} else if err := os.MkdirAll(filepath.Dir(opts.File), 0700); err != nil {
				return nil, err
			}
			lj := &lumberjack.Logger{
				Filename:   opts.File,
				MaxSize:    opts.MaxSizeMB,
				MaxBackups: opts.MaxBackups,
				MaxAge:     opts.MaxAgeDays,
				Compress:   true,
			}
			outputs = append(outputs, lj)
			l.closers = append(l.closers, lj)
		default:
			return nil, errors.New("unknown log writer: " + w)
		}
	}

	var out io.Writer = outputs[0]
	if len(outputs) > 1 {
		out = zerolog.MultiLevelWriter(outputs...)
	}
	l.Logger = zerolog.New(out).Level(level).With().Timestamp().Logger()
	return l, nil
}

// Close releases file writers.
func (l *Logger) Close() error {
	var errs []error
	for _, c := range l.closers {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

func consoleWriter(f *os.File) io.Writer {
	if !term.IsTerminal(int(f.Fd())) {
		return f
	}
	return zerolog.ConsoleWriter{Out: f, TimeFormat: time.TimeOnly}
}
