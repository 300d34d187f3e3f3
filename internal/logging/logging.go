// Package logging constructs the zap.Logger every component takes. The
// rest of the tree (internal/syncengine, internal/device) already expects
// a *zap.Logger; this is just where the process wires one up.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a production-style zap.Logger at the given level
// ("debug"|"info"|"warn"|"error"), console-encoded so cmd/simctl and
// cmd/devicenode output stays readable in a terminal.
func New(level string) (*zap.Logger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("logging: invalid level %q: %w", level, err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.Encoding = "console"
	cfg.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	return cfg.Build()
}

// Named is a convenience for New(...).Named(component), used by main
// functions wiring up a distinct logger per subsystem.
func Named(level, component string) (*zap.Logger, error) {
	log, err := New(level)
	if err != nil {
		return nil, err
	}
	return log.Named(component), nil
}
