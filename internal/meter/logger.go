package meter

// Logger is the interface for structured logging.
// Satisfied by *logging.Logger; components log only when one is set.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}
