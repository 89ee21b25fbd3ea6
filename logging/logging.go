// Package logging is a thin wrapper of the zap logging library.
package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var root = func() *zap.Logger {
	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
		zapcore.Lock(os.Stderr),
		zap.DebugLevel,
	)
	return zap.New(core)
}()

// New creates a named logger with the level configured for pkg.
//
// By convention this appears next to the package docstring:
//
//	var logger = logging.New("Engine")
func New(pkg string) *zap.Logger {
	return root.Named(pkg).
		WithOptions(zap.IncreaseLevel(zap.NewAtomicLevelAt(parseLevel(GetLevel(pkg)))))
}

// GetLevel returns the configured log level of a package as a letter,
// or 0 when nothing is configured.
// NICRING_LOG_<pkg> takes precedence over NICRING_LOG.
func GetLevel(pkg string) rune {
	lvl, ok := os.LookupEnv("NICRING_LOG_" + pkg)
	if !ok {
		lvl, ok = os.LookupEnv("NICRING_LOG")
	}
	if !ok || len(lvl) == 0 {
		return 0
	}
	return rune(lvl[0])
}

func parseLevel(lvl rune) zapcore.Level {
	switch lvl {
	case 'V', 'D':
		return zapcore.DebugLevel
	case 'I':
		return zapcore.InfoLevel
	case 'W':
		return zapcore.WarnLevel
	case 'E':
		return zapcore.ErrorLevel
	case 'F', 'N':
		return zapcore.DPanicLevel
	}
	return zapcore.InfoLevel
}
