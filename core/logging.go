package core

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type loggerKey struct{}

// SetupLogger installs the process logger at the given level.
// Until it is called the zap no-op logger is in effect.
func SetupLogger(level string) error {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(level)))); err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, err := cfg.Build()
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return nil
}

// SyncLogger flushes buffered log entries.
func SyncLogger() {
	_ = zap.L().Sync()
}

// WithDefaultLogger returns a context carrying a logger tagged with reqId.
func WithDefaultLogger(parent context.Context, reqId string) context.Context {
	if parent == nil {
		parent = context.Background()
	}
	return context.WithValue(parent, loggerKey{}, zap.S().With("req_id", reqId))
}

func getLogger(ctx context.Context) *zap.SugaredLogger {
	if ctx != nil {
		if l, ok := ctx.Value(loggerKey{}).(*zap.SugaredLogger); ok {
			return l
		}
	}
	return zap.S()
}

func Infof(ctx context.Context, tpl string, args ...any) {
	getLogger(ctx).Infof(tpl, args...)
}

func Warnf(ctx context.Context, tpl string, args ...any) {
	getLogger(ctx).Warnf(tpl, args...)
}

func Errorf(ctx context.Context, tpl string, args ...any) {
	getLogger(ctx).Errorf(tpl, args...)
}

func Debugf(ctx context.Context, tpl string, args ...any) {
	getLogger(ctx).Debugf(tpl, args...)
}
