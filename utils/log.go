package utils

import (
	"context"

	"go.uber.org/zap"
)

type logFieldsKey struct{}

func LogContext(ctx context.Context, fields ...zap.Field) context.Context {
	old := GetLogContextFields(ctx)
	// copy so sibling contexts don't share a backing array
	merged := make([]zap.Field, 0, len(old)+len(fields))
	merged = append(merged, old...)
	merged = append(merged, fields...)
	return context.WithValue(ctx, logFieldsKey{}, merged)
}

func GetLogContextFields(ctx context.Context) []zap.Field {
	fields, ok := ctx.Value(logFieldsKey{}).([]zap.Field)
	if !ok {
		return nil
	}
	return fields
}

func GetLogFromContext(ctx context.Context, parentLog *zap.Logger) *zap.Logger {
	return parentLog.With(GetLogContextFields(ctx)...)
}

func LogContextWith(ctx context.Context, parentLog *zap.Logger, fields ...zap.Field) (context.Context, *zap.Logger) {
	return LogContext(ctx, fields...), parentLog.With(fields...)
}
