// Package logging builds the process loggers, with size-based rotation
// when a log file is configured.
package logging

import (
	"io"
	"log"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/keibalab/keibasync/internal/config"
)

// Setup returns a writer per the log config and a close function for it.
// With no file configured, output goes to stderr and close is a no-op.
func Setup(cfg config.LogConfig) (io.Writer, func() error) {
	if cfg.File == "" {
		return os.Stderr, func() error { return nil }
	}
	rot := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   true,
	}
	if cfg.Verbose {
		// Verbose keeps a live copy on stderr alongside the file.
		return io.MultiWriter(rot, os.Stderr), rot.Close
	}
	return rot, rot.Close
}

// New creates a subsystem logger on w with the conventional prefix style.
func New(w io.Writer, subsystem string) *log.Logger {
	return log.New(w, "["+subsystem+"] ", log.LstdFlags)
}
