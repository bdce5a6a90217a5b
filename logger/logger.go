package logger

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Global logger instance
	Logger *zap.SugaredLogger
	// Flag to track if JSON output is enabled
	JSONOutput bool

	// level is shared by every core built by Initialize so SetLevel can
	// adjust verbosity of a running process.
	level = zap.NewAtomicLevelAt(zap.InfoLevel)
)

func init() {
	// Initialize with a safe no-op logger at package load time
	// This prevents nil pointer panics if logger is used before Initialize() is called
	Logger = zap.NewNop().Sugar()
}

// Initialize sets up the global logger.
// jsonOutput selects the production JSON encoder; otherwise a colored console
// encoder is used. levelName accepts zap level names ("debug", "info", ...);
// an empty name keeps the current level.
func Initialize(jsonOutput bool, levelName string) error {
	JSONOutput = jsonOutput

	if levelName != "" {
		if err := SetLevel(levelName); err != nil {
			return err
		}
	}

	var zapLogger *zap.Logger
	var err error

	if jsonOutput {
		// JSON structured output for log shipping
		config := zap.NewProductionConfig()
		config.Level = level
		config.OutputPaths = []string{"stdout"}
		config.ErrorOutputPaths = []string{"stderr"}
		zapLogger, err = config.Build()
	} else {
		encoderConfig := zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
		zapLogger = zap.New(
			zapcore.NewCore(
				zapcore.NewConsoleEncoder(encoderConfig),
				zapcore.AddSync(os.Stdout),
				level,
			),
		)
	}

	if err != nil {
		return err
	}

	Logger = zapLogger.Sugar()
	return nil
}

// SetLevel changes the minimum level of every logger built by Initialize.
func SetLevel(name string) error {
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(strings.ToLower(name))); err != nil {
		return err
	}
	level.SetLevel(l)
	return nil
}

// SetZapLevel is SetLevel for callers that already hold a zapcore.Level
// (for example from VerbosityToLevel).
func SetZapLevel(l zapcore.Level) {
	level.SetLevel(l)
}

// Level reports the current minimum level.
func Level() zapcore.Level {
	return level.Level()
}

// Cleanup flushes any buffered log entries
func Cleanup() {
	if Logger != nil {
		_ = Logger.Sync()
	}
}
