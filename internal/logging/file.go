package logging

import (
	"io"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// FileConfig controls the rotating log file.
type FileConfig struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// NewFileWriter returns a size-rotated writer for cfg.Path. When tee is true
// the output is also copied to stderr.
func NewFileWriter(cfg FileConfig, tee bool) (io.WriteCloser, error) {
	if cfg.MaxSizeMB <= 0 {
		cfg.MaxSizeMB = 50
	}
	if cfg.MaxBackups <= 0 {
		cfg.MaxBackups = 3
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o700); err != nil {
		return nil, err
	}

	lj := &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}
	if !tee {
		return lj, nil
	}
	return &teeCloser{Writer: io.MultiWriter(lj, os.Stderr), closer: lj}, nil
}

type teeCloser struct {
	io.Writer
	closer io.Closer
}

func (t *teeCloser) Close() error {
	return t.closer.Close()
}
