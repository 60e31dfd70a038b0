// Package observability holds the process-wide CLI logger.
package observability

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// CLILogger is the logger used by CLI commands. It is a no-op logger until
// InitCLILogger runs.
var CLILogger = zap.NewNop()

// InitCLILogger builds the console logger for the named binary. verbose
// forces debug level; otherwise info is used.
func InitCLILogger(name string, verbose bool) {
	level := "info"
	if verbose {
		level = "debug"
	}
	logger, err := NewLogger(name, level, "CONSOLE")
	if err != nil {
		logger = zap.NewNop()
	}
	CLILogger = logger
}

// NewLogger builds a logger writing to stderr.
//
// profile is CONSOLE (human readable) or STRUCTURED (JSON). level is
// debug, info, warn or error.
func NewLogger(name, level, profile string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var enc zapcore.Encoder
	switch strings.ToUpper(strings.TrimSpace(profile)) {
	case "", "CONSOLE":
		cfg := zap.NewDevelopmentEncoderConfig()
		cfg.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
		cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		if !isTerminal(os.Stderr) {
			cfg.EncodeLevel = zapcore.CapitalLevelEncoder
		}
		cfg.NameKey = ""
		cfg.CallerKey = ""
		enc = zapcore.NewConsoleEncoder(cfg)
	case "STRUCTURED":
		cfg := zap.NewProductionEncoderConfig()
		cfg.EncodeTime = zapcore.ISO8601TimeEncoder
		enc = zapcore.NewJSONEncoder(cfg)
	default:
		return nil, fmt.Errorf("invalid log profile %q", profile)
	}

	core := zapcore.NewCore(enc, zapcore.Lock(os.Stderr), lvl)
	return zap.New(core).Named(name), nil
}

// SetLevel replaces CLILogger with one at the configured level and profile.
func SetLevel(name, level, profile string) error {
	logger, err := NewLogger(name, level, profile)
	if err != nil {
		return err
	}
	CLILogger = logger
	return nil
}

func isTerminal(f *os.File) bool {
	st, err := f.Stat()
	if err != nil {
		return false
	}
	return st.Mode()&os.ModeCharDevice != 0
}
