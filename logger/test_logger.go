package logger

import (
	"fmt"
	"strings"
	"testing"
)

var _ Logger = Test{}

// Test is a logger.Logger implementation using testing.T instance.
type Test struct{ t testing.TB }

// NewTest returns a new logger using the provided testing.T instance.
func NewTest(t testing.TB) Test {
	return Test{t: t}
}

func format(level, msg string, fields []Field) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "[%s] %s", level, msg)

	for _, field := range fields {
		fmt.Fprintf(&sb, " %s=%v", field.Key, field.Value)
	}

	return sb.String()
}

// Debug uses t.Log to print a debug message.
func (t Test) Debug(msg string, fields ...Field) {
	t.t.Helper()
	t.t.Log(format("debug", msg, fields))
}

// Info uses t.Log to print an info message.
func (t Test) Info(msg string, fields ...Field) {
	t.t.Helper()
	t.t.Log(format("info", msg, fields))
}

// Error uses t.Log to print an error message.
func (t Test) Error(msg string, fields ...Field) {
	t.t.Helper()
	t.t.Log(format("error", msg, fields))
}
