// Package logger contains the structured logging interface used by the
// correlation components, so that they do not depend on a specific
// logging library.
//
// All components accept a nil Logger: use the package-level helpers
// (Debug, Info, Error) to log through a possibly-nil Logger.
package logger

// Field represents a structured field to be added to a Log entry.
type Field struct {
	Key   string
	Value interface{}
}

// With is an helper function to add a field in a functional way.
func With(key string, value interface{}) Field {
	return Field{Key: key, Value: value}
}

// Err returns a Field holding the specified error, under the "error" key.
func Err(err error) Field {
	return Field{Key: "error", Value: err}
}

// Logger is a structured logger capable of printing information about
// the execution of a component at various levels.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Error(msg string, fields ...Field)
}

// Debug delegates the debug log call to the provided logger, if not nil.
func Debug(l Logger, msg string, fields ...Field) {
	if l != nil {
		l.Debug(msg, fields...)
	}
}

// Info delegates the info log call to the provided logger, if not nil.
func Info(l Logger, msg string, fields ...Field) {
	if l != nil {
		l.Info(msg, fields...)
	}
}

// Error delegates the error log call to the provided logger, if not nil.
func Error(l Logger, msg string, fields ...Field) {
	if l != nil {
		l.Error(msg, fields...)
	}
}

// Scoped is a Logger that adds a fixed set of Fields to every entry,
// e.g. to tell apart the logs of concurrent workers.
type Scoped struct {
	Logger Logger
	Fields []Field
}

// WithFields returns a Logger that adds the specified fields to every entry.
// A nil Logger stays nil.
func WithFields(l Logger, fields ...Field) Logger {
	if l == nil {
		return nil
	}

	return Scoped{Logger: l, Fields: fields}
}

func (s Scoped) merge(fields []Field) []Field {
	merged := make([]Field, 0, len(s.Fields)+len(fields))
	merged = append(merged, s.Fields...)

	return append(merged, fields...)
}

// Debug implements the Logger interface.
func (s Scoped) Debug(msg string, fields ...Field) { Debug(s.Logger, msg, s.merge(fields)...) }

// Info implements the Logger interface.
func (s Scoped) Info(msg string, fields ...Field) { Info(s.Logger, msg, s.merge(fields)...) }

// Error implements the Logger interface.
func (s Scoped) Error(msg string, fields ...Field) { Error(s.Logger, msg, s.merge(fields)...) }
