/*
Package logging builds the zap logger and a zap-backed event publisher.

USAGE:
  logger, err := logging.New(logging.Config{Level: "info", Format: "json"})
  events := logging.NewEventLogger(logger)
  opts := leave.Options{Logger: logger, Events: events}
*/
package logging

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/warp/leave-engine/generic"
)

type Config struct {
	Level      string
	Format     string // json or console
	OutputPath string // stdout, stderr or a file path
}

// New builds a logger. The console format uses the development encoder with
// coloured levels.
func New(cfg Config) (*zap.Logger, error) {
	var zapCfg zap.Config
	switch cfg.Format {
	case "console":
		zapCfg = zap.NewDevelopmentConfig()
		zapCfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	default:
		zapCfg = zap.NewProductionConfig()
		zapCfg.EncoderConfig.TimeKey = "ts"
		zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	level := cfg.Level
	if level == "" {
		level = "info"
	}
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("logging: invalid level %q: %w", cfg.Level, err)
	}
	zapCfg.Level = zap.NewAtomicLevelAt(lvl)

	if cfg.OutputPath != "" {
		zapCfg.OutputPaths = []string{cfg.OutputPath}
	}

	logger, err := zapCfg.Build()
	if err != nil {
		return nil, fmt.Errorf("logging: build: %w", err)
	}
	return logger, nil
}

// =============================================================================
// EVENT LOGGER
// =============================================================================

// EventLogger publishes domain events as structured log lines. BalanceLow and
// CompOffExpiringSoon are logged at WARN so they stand out.
type EventLogger struct {
	logger *zap.Logger
}

var _ generic.Publisher = (*EventLogger)(nil)

func NewEventLogger(logger *zap.Logger) *EventLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventLogger{logger: logger.Named("events")}
}

func (l *EventLogger) Publish(_ context.Context, event generic.Event) {
	fields := make([]zap.Field, 0, 4+len(event.Payload))
	fields = append(fields,
		zap.String("event", string(event.Type)),
		zap.Time("occurred_at", event.OccurredAt),
	)
	if event.EmployeeID != "" {
		fields = append(fields, zap.String("employee_id", string(event.EmployeeID)))
	}
	if event.RequestID != "" {
		fields = append(fields, zap.String("request_id", string(event.RequestID)))
	}

	keys := make([]string, 0, len(event.Payload))
	for k := range event.Payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fields = append(fields, zap.Any(k, event.Payload[k]))
	}

	switch event.Type {
	case generic.EventBalanceLow, generic.EventCompOffExpiringSoon:
		l.logger.Warn("leave event", fields...)
	default:
		l.logger.Info("leave event", fields...)
	}
}
