package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type LogLevel string

const (
	Development LogLevel = "development" // console encoder, debug and above
	Production  LogLevel = "production"  // JSON encoder, info and above
)

// Logger is the structured logger every component receives.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
	Fatal(msg string, keysAndValues ...any)

	Debugf(template string, args ...any)
	Infof(template string, args ...any)
	Warnf(template string, args ...any)
	Errorf(template string, args ...any)
	Fatalf(template string, args ...any)

	With(keysAndValues ...any) Logger
}

type ZapLogger struct {
	sugar *zap.SugaredLogger
}

var _ Logger = (*ZapLogger)(nil)

// NewZapLogger builds a stdout logger tagged with the process name.
func NewZapLogger(env LogLevel, process string) (Logger, error) {
	var cfg zap.Config
	switch env {
	case Production:
		cfg = zap.NewProductionConfig()
	case Development, "":
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	default:
		return nil, fmt.Errorf("unknown log environment %q", env)
	}
	cfg.OutputPaths = []string{"stdout"}
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	l, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return nil, fmt.Errorf("build zap logger: %w", err)
	}
	return &ZapLogger{sugar: l.Sugar().With("process", process)}, nil
}

// Sync flushes buffered entries; call before exit.
func (z *ZapLogger) Sync() error { return z.sugar.Sync() }

func (z *ZapLogger) Debug(msg string, kv ...any) { z.sugar.Debugw(msg, kv...) }
func (z *ZapLogger) Info(msg string, kv ...any)  { z.sugar.Infow(msg, kv...) }
func (z *ZapLogger) Warn(msg string, kv ...any)  { z.sugar.Warnw(msg, kv...) }
func (z *ZapLogger) Error(msg string, kv ...any) { z.sugar.Errorw(msg, kv...) }
func (z *ZapLogger) Fatal(msg string, kv ...any) { z.sugar.Fatalw(msg, kv...) }

func (z *ZapLogger) Debugf(t string, args ...any) { z.sugar.Debugf(t, args...) }
func (z *ZapLogger) Infof(t string, args ...any)  { z.sugar.Infof(t, args...) }
func (z *ZapLogger) Warnf(t string, args ...any)  { z.sugar.Warnf(t, args...) }
func (z *ZapLogger) Errorf(t string, args ...any) { z.sugar.Errorf(t, args...) }
func (z *ZapLogger) Fatalf(t string, args ...any) { z.sugar.Fatalf(t, args...) }

func (z *ZapLogger) With(kv ...any) Logger {
	return &ZapLogger{sugar: z.sugar.With(kv...)}
}

// NewNoOpLogger returns a logger that discards everything; used in tests.
func NewNoOpLogger() Logger { return noOpLogger{} }

type noOpLogger struct{}

func (noOpLogger) Debug(string, ...any)  {}
func (noOpLogger) Info(string, ...any)   {}
func (noOpLogger) Warn(string, ...any)   {}
func (noOpLogger) Error(string, ...any)  {}
func (noOpLogger) Fatal(string, ...any)  {}
func (noOpLogger) Debugf(string, ...any) {}
func (noOpLogger) Infof(string, ...any)  {}
func (noOpLogger) Warnf(string, ...any)  {}
func (noOpLogger) Errorf(string, ...any) {}
func (noOpLogger) Fatalf(string, ...any) {}
func (n noOpLogger) With(...any) Logger  { return n }
