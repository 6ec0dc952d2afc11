// Package log assembles the zap loggers used across the engine: JSON
// encoded, leveled, and optionally file-backed with rotation.
package log

import (
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Plugin is a zap core bound to one destination.
type Plugin = zapcore.Core

// NewLogger builds a logger from a core. Default options apply first, so
// caller-supplied options can override them.
func NewLogger(plugin zapcore.Core, options ...zap.Option) *zap.Logger {
	return zap.New(plugin, append(DefaultOption(), options...)...)
}

// NewPlugin binds the default JSON encoder to a write target behind a level
// filter.
func NewPlugin(writer zapcore.WriteSyncer, enabler zapcore.LevelEnabler) Plugin {
	return zapcore.NewCore(DefaultEncoder(), writer, enabler)
}

// NewStdoutPlugin returns a core bound to standard output.
func NewStdoutPlugin(enabler zapcore.LevelEnabler) Plugin {
	return NewPlugin(zapcore.Lock(zapcore.AddSync(os.Stdout)), enabler)
}

// NewStderrPlugin returns a core bound to standard error.
func NewStderrPlugin(enabler zapcore.LevelEnabler) Plugin {
	return NewPlugin(zapcore.Lock(zapcore.AddSync(os.Stderr)), enabler)
}

// NewFilePlugin returns a core writing to filePath with rotation, plus the
// closer that flushes it.
//
// Edge cases:
//   - The closer must run before process exit. The rotator holds the file
//     handle itself and does not expose a sync method zap could drive, so
//     skipping Close can lose the final buffered lines.
func NewFilePlugin(filePath string, enabler zapcore.LevelEnabler) (Plugin, io.Closer) {
	writer := DefaultLumberjackLogger()
	writer.Filename = filePath
	return NewPlugin(zapcore.AddSync(writer), enabler), writer
}
