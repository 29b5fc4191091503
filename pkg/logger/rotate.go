package logger

import (
	"fmt"
	"os"
	"path/filepath"

	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// RotationConfig bounds the size and retention of file outputs.
type RotationConfig struct {
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

func (r RotationConfig) withDefaults() RotationConfig {
	if r.MaxSizeMB <= 0 {
		r.MaxSizeMB = 100
	}
	if r.MaxBackups <= 0 {
		r.MaxBackups = 7
	}
	if r.MaxAgeDays <= 0 {
		r.MaxAgeDays = 30
	}
	return r
}

// NewRotatingFile returns a size-rotated file writer. It is shared with the
// trace exporter so all file sinks follow the same retention rules.
func NewRotatingFile(path string, rotation RotationConfig) (*lumberjack.Logger, error) {
	return newRotatingWriter(path, rotation)
}

func newRotatingWriter(path string, rotation RotationConfig) (*lumberjack.Logger, error) {
	if path == "" {
		return nil, fmt.Errorf("rotating writer: path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	rotation = rotation.withDefaults()
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    rotation.MaxSizeMB,
		MaxBackups: rotation.MaxBackups,
		MaxAge:     rotation.MaxAgeDays,
		Compress:   rotation.Compress,
	}, nil
}
