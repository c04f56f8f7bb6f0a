package config

import (
	"io"
	"log"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// LogOutput returns the writer component loggers should use. With log.file
// set it is a size-rotated file; otherwise stderr. The returned closer is a
// no-op for stderr.
func (c *Config) LogOutput() (io.Writer, func() error, error) {
	if c.Log.File == "" {
		return os.Stderr, func() error { return nil }, nil
	}
	if err := os.MkdirAll(filepath.Dir(c.Log.File), 0o755); err != nil {
		return nil, nil, err
	}
	lj := &lumberjack.Logger{
		Filename:   c.Log.File,
		MaxSize:    c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAge:     c.Log.MaxAgeDays,
		Compress:   true,
	}
	return lj, lj.Close, nil
}

// Logger builds a component logger writing to w. Unless verbose is set,
// stderr output is suppressed so the CLI's own output stays readable.
func (c *Config) Logger(w io.Writer, prefix string) *log.Logger {
	if w == os.Stderr && !c.Log.Verbose {
		w = io.Discard
	}
	return log.New(w, prefix, log.LstdFlags)
}
