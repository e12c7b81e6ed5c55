// Package logging builds the *log.Logger instances handed to every
// component.
package logging

import (
	"io"
	"log"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/mschirtzinger/tasksync/internal/config"
)

// Logs owns the shared log output. Close releases the rotating file, if any.
type Logs struct {
	out  io.Writer
	file *lumberjack.Logger
}

// New returns log output per cfg: stderr, or a size-rotated file when
// cfg.File is set.
func New(cfg config.LogConfig) *Logs {
	if cfg.File == "" {
		return &Logs{out: os.Stderr}
	}
	file := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
	}
	return &Logs{out: file, file: file}
}

// Discard returns output that drops everything.
func Discard() *Logs {
	return &Logs{out: io.Discard}
}

// For returns a logger prefixed with "[component] ".
func (l *Logs) For(component string) *log.Logger {
	return log.New(l.out, "["+component+"] ", log.LstdFlags)
}

// Writer returns the underlying output.
func (l *Logs) Writer() io.Writer {
	return l.out
}

// Close closes the log file.
func (l *Logs) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}
