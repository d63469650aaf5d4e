// Package logging provides the structured zap logger shared by every
// proxy component, plus a couple of redaction helpers for values that
// must never reach stdout/stderr verbatim.
package logging

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	logger *zap.Logger
	once   sync.Once
)

type contextKey string

const (
	CorrelationIDKey contextKey = "correlation_id"
	RoomIDKey        contextKey = "room_id"
	SlotIDKey        contextKey = "slot_id"
	ClientIDKey      contextKey = "client_id"
)

// Initialize sets up the global logger based on the environment.
func Initialize(development bool) error {
	var err error
	once.Do(func() {
		var config zap.Config
		if development {
			config = zap.NewDevelopmentConfig()
			config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		} else {
			config = zap.NewProductionConfig()
			config.EncoderConfig.TimeKey = "timestamp"
			config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		}

		// Common configuration
		config.OutputPaths = []string{"stdout"}
		config.ErrorOutputPaths = []string{"stderr"}

		logger, err = config.Build(zap.AddCallerSkip(1))
	})
	return err
}

// GetLogger returns the global logger instance.
func GetLogger() *zap.Logger {
	if logger == nil {
		// Fallback for tests or code paths that run before Initialize.
		l, _ := zap.NewDevelopment()
		return l
	}
	return logger
}

func Debug(ctx context.Context, msg string, fields ...zap.Field) {
	GetLogger().Debug(msg, appendContextFields(ctx, fields)...)
}

// Info logs a message at InfoLevel
func Info(ctx context.Context, msg string, fields ...zap.Field) {
	GetLogger().Info(msg, appendContextFields(ctx, fields)...)
}

// Warn logs a message at WarnLevel
func Warn(ctx context.Context, msg string, fields ...zap.Field) {
	GetLogger().Warn(msg, appendContextFields(ctx, fields)...)
}

// Error logs a message at ErrorLevel
func Error(ctx context.Context, msg string, fields ...zap.Field) {
	GetLogger().Error(msg, appendContextFields(ctx, fields)...)
}

// Fatal logs a message at FatalLevel
func Fatal(ctx context.Context, msg string, fields ...zap.Field) {
	GetLogger().Fatal(msg, appendContextFields(ctx, fields)...)
}

// WithClientID attaches a client identifier to ctx so every log line
// emitted through it carries a client_id field.
func WithClientID(ctx context.Context, id uint64) context.Context {
	return context.WithValue(ctx, ClientIDKey, id)
}

// WithRoomID attaches a room identifier to ctx.
func WithRoomID(ctx context.Context, roomID string) context.Context {
	return context.WithValue(ctx, RoomIDKey, roomID)
}

// WithSlotID attaches a slot identifier to ctx.
func WithSlotID(ctx context.Context, slot uint32) context.Context {
	return context.WithValue(ctx, SlotIDKey, slot)
}

// appendContextFields pulls the correlation/room/slot/client identifiers a
// caller stashed on the context and attaches them to the log line.
func appendContextFields(ctx context.Context, fields []zap.Field) []zap.Field {
	if ctx == nil {
		return fields
	}

	if cid, ok := ctx.Value(CorrelationIDKey).(string); ok {
		fields = append(fields, zap.String("correlation_id", cid))
	}
	if rid, ok := ctx.Value(RoomIDKey).(string); ok {
		fields = append(fields, zap.String("room_id", rid))
	}
	if sid, ok := ctx.Value(SlotIDKey).(uint32); ok {
		fields = append(fields, zap.Uint32("slot_id", sid))
	}
	if cid, ok := ctx.Value(ClientIDKey).(uint64); ok {
		fields = append(fields, zap.Uint64("client_id", cid))
	}

	fields = append(fields, zap.String("service", "apx-proxy"))
	return fields
}

// RedactSecret shows only a short prefix of a secret so logs can confirm a
// key was loaded without leaking it.
func RedactSecret(secret string) string {
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:8] + "***"
}

// RedactPassword never reveals any part of a password, only whether one is set.
func RedactPassword(password string) string {
	if password == "" {
		return "<none>"
	}
	return "<redacted>"
}
