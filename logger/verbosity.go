package logger

import "go.uber.org/zap/zapcore"

// Verbosity level constants for CLI flag counts.
const (
	VerbosityDefault = 0 // No flags: configured level
	VerbosityInfo    = 1 // -v: progress, startup
	VerbosityDebug   = 2 // -vv: per-job decisions, SQL-level failures
)

// VerbosityToLevel maps verbosity flags (-v, -vv) to zap log levels.
// The boolean is false when no flag was given and the configured level
// should be kept.
func VerbosityToLevel(verbosity int) (zapcore.Level, bool) {
	switch {
	case verbosity <= VerbosityDefault:
		return zapcore.InfoLevel, false
	case verbosity == VerbosityInfo:
		return zapcore.InfoLevel, true
	default:
		return zapcore.DebugLevel, true
	}
}
