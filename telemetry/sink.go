package telemetry

import "context"

// DriverSink adapts a Logger to the MongoDB driver's LogSink interface so
// driver component logs (command, topology, connection, ...) flow through the
// same structured logger as the rest of the process.
type DriverSink struct {
	ctx    context.Context
	logger Logger
}

// NewDriverSink returns a sink that logs with logger using ctx. The driver
// invokes the sink outside of any request, so ctx should carry the process
// log configuration (see log.Context).
func NewDriverSink(ctx context.Context, logger Logger) *DriverSink {
	if ctx == nil {
		ctx = context.Background()
	}
	if logger == nil {
		logger = NewNoopLogger()
	}
	return &DriverSink{ctx: ctx, logger: logger}
}

// Info implements the driver LogSink. Level 0 is informational, anything
// higher is debug output.
func (s *DriverSink) Info(level int, message string, keysAndValues ...any) {
	kv := append([]any{"component", "mongo-driver"}, keysAndValues...)
	if level > 0 {
		s.logger.Debug(s.ctx, message, kv...)
		return
	}
	s.logger.Info(s.ctx, message, kv...)
}

// Error implements the driver LogSink.
func (s *DriverSink) Error(err error, message string, keysAndValues ...any) {
	kv := append([]any{"component", "mongo-driver", "err", err}, keysAndValues...)
	s.logger.Error(s.ctx, message, kv...)
}
