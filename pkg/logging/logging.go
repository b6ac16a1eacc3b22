// Package logging builds loggers of pipelab.
package logging

import (
	"time"

	xe "github.com/opst/pipelab/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a sugared logger writing human-readable lines to stderr.
//
// With datetime, each entry is prefixed with ISO8601 timestamp.
// With debug, level is DEBUG and stack traces are printed; otherwise INFO.
// With colors, level names are colored.
func New(debug bool, datetime bool, colors bool) (*zap.SugaredLogger, error) {
	config := zap.NewProductionConfig()
	config.Encoding = "console"
	config.DisableStacktrace = !debug

	if datetime {
		config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	} else {
		config.EncoderConfig.EncodeTime = func(time.Time, zapcore.PrimitiveArrayEncoder) {}
	}

	if debug {
		config.Level.SetLevel(zapcore.DebugLevel)
	} else {
		config.Level.SetLevel(zapcore.InfoLevel)
	}

	if colors {
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		config.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	}

	logger, err := config.Build()
	if err != nil {
		return nil, xe.WrapWithNote("building logger", err)
	}
	return logger.Sugar(), nil
}

// Nop returns a logger which discards everything.
func Nop() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}
