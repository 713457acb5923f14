package config

import (
	"fmt"
	"os"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds the process logger from the "logging" section:
//
//	level   debug, info, warn or error
//	format  json (journald friendly) or console
//	output  paths to write to; "stderr" and "stdout" are special
//
// Every entry carries the service name and the board's hostname.
func NewLogger(v *viper.Viper) (*zap.Logger, error) {
	level := v.GetString("logging.level")
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var cfg zap.Config
	switch format := v.GetString("logging.format"); format {
	case "console":
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	case "json", "":
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "time"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	default:
		return nil, fmt.Errorf("invalid log format %q: must be \"json\" or \"console\"", format)
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	if out := v.GetStringSlice("logging.output"); len(out) > 0 {
		cfg.OutputPaths = out
	} else {
		cfg.OutputPaths = []string{"stderr"}
	}

	fields := map[string]any{"service": "poewatch"}
	if host, err := os.Hostname(); err == nil {
		fields["host"] = host
	}
	cfg.InitialFields = fields

	return cfg.Build()
}
