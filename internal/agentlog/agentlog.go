// Package agentlog is the agent's internal structured logging seam.
//
// The agent never writes to stdout/stderr directly. Every diagnostic
// goes through a package-level *zap.SugaredLogger that defaults to a
// no-op logger until the host supplies a real sink via Configure, so
// embedding the agent in an application that hasn't wired up logging
// is silent rather than noisy.
package agentlog

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the package-wide sink used by every agent component.
var Logger = zap.NewNop().Sugar()

// Configure installs sink as the agent's logger. A nil sink restores
// the no-op default.
func Configure(sink *zap.SugaredLogger) {
	if sink == nil {
		Logger = zap.NewNop().Sugar()
		return
	}
	Logger = sink
}

// NewConsoleLogger returns a human-readable logger writing to stdout,
// suitable as a Configure argument during local development.
func NewConsoleLogger(level zapcore.Level) *zap.SugaredLogger {
	encoderCfg := zap.NewDevelopmentEncoderConfig()
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderCfg),
		zapcore.AddSync(os.Stdout),
		level,
	)
	return zap.New(core).Sugar()
}

// NewJSONLogger returns a structured JSON logger, suitable as a
// Configure argument in production deployments.
func NewJSONLogger(level zapcore.Level) (*zap.SugaredLogger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	built, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return built.Sugar(), nil
}

// Component returns a named child logger for a specific component,
// e.g. Component("requestlog") or Component("hubtransport").
func Component(name string) *zap.SugaredLogger {
	return Logger.Named(name)
}
