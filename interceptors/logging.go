package interceptors

import (
	"context"
	"log/slog"
	"time"

	"github.com/glimte/conveyor/contracts"
)

// LoggingInterceptor logs message processing
type LoggingInterceptor struct {
	logger *slog.Logger
}

// NewLoggingInterceptor creates a new logging interceptor
func NewLoggingInterceptor(logger *slog.Logger) *LoggingInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingInterceptor{logger: logger}
}

// Intercept implements Interceptor
func (i *LoggingInterceptor) Intercept(ctx context.Context, msg any, next Handler) error {
	start := time.Now()

	attrs := []any{}
	if dc, ok := contracts.DeliveryFromContext(ctx); ok {
		attrs = append(attrs,
			"messageId", dc.MessageID,
			"messageType", dc.MessageType,
			"correlationId", dc.CorrelationID,
		)
	}

	i.logger.DebugContext(ctx, "processing message", attrs...)

	err := next.Handle(ctx, msg)
	attrs = append(attrs, "duration", time.Since(start))

	if err != nil {
		i.logger.ErrorContext(ctx, "message processing failed", append(attrs, "error", err)...)
		return err
	}

	i.logger.DebugContext(ctx, "message processed", attrs...)
	return nil
}

// Name implements Interceptor
func (i *LoggingInterceptor) Name() string {
	return "LoggingInterceptor"
}
