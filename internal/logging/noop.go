package logging

import "context"

// NoOpLogger is a logger that discards all logs (useful for testing)
type NoOpLogger struct{}

// NewNoOpLogger creates a new no-op logger
func NewNoOpLogger() Logger {
	return &NoOpLogger{}
}

func (n *NoOpLogger) Debug(msg string, fields ...any) {}
func (n *NoOpLogger) Info(msg string, fields ...any)  {}
func (n *NoOpLogger) Warn(msg string, fields ...any)  {}
func (n *NoOpLogger) Error(msg string, fields ...any) {}

func (n *NoOpLogger) DebugContext(ctx context.Context, msg string, fields ...any) {}
func (n *NoOpLogger) InfoContext(ctx context.Context, msg string, fields ...any)  {}
func (n *NoOpLogger) WarnContext(ctx context.Context, msg string, fields ...any)  {}
func (n *NoOpLogger) ErrorContext(ctx context.Context, msg string, fields ...any) {}

func (n *NoOpLogger) WithTraceID(traceID string) Logger     { return n }
func (n *NoOpLogger) WithComponent(component string) Logger { return n }
