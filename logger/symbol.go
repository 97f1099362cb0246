package logger

import "go.uber.org/zap"

// Segment symbols attached to log lines as a structured field so logs can be
// filtered by subsystem without parsing messages.
const (
	SymPulse      = "꩜" // async jobs, rate limiting, budget
	SymPulseOpen  = "✿" // worker startup and orphan recovery
	SymPulseClose = "❀" // graceful shutdown
	SymDB         = "⊔" // database/storage layer
)

// AddPulseSymbol wraps a logger with the Pulse symbol (꩜)
func AddPulseSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, SymPulse)
}

// AddDBSymbol wraps a logger with the DB symbol (⊔)
func AddDBSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return l.With(FieldSymbol, SymDB)
}

// PulseInfow logs an info message with the Pulse symbol (꩜)
func PulseInfow(msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		fields := append([]interface{}{FieldSymbol, SymPulse}, keysAndValues...)
		Logger.Infow(msg, fields...)
	}
}

// PulseWarnw logs a warning message with the Pulse symbol (꩜)
func PulseWarnw(msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		fields := append([]interface{}{FieldSymbol, SymPulse}, keysAndValues...)
		Logger.Warnw(msg, fields...)
	}
}

// PulseOpenInfow logs startup work with the PulseOpen symbol (✿)
func PulseOpenInfow(msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		fields := append([]interface{}{FieldSymbol, SymPulseOpen}, keysAndValues...)
		Logger.Infow(msg, fields...)
	}
}

// PulseCloseInfow logs shutdown work with the PulseClose symbol (❀)
func PulseCloseInfow(msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		fields := append([]interface{}{FieldSymbol, SymPulseClose}, keysAndValues...)
		Logger.Infow(msg, fields...)
	}
}
