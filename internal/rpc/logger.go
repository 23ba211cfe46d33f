package rpc

// Logger is the leveled sink the runtime writes to.
// Arguments follow the key/value convention of the logging package.
type Logger interface {
	Trace(msg string, args ...any)
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Trace(string, ...any) {}
func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// safeLogger forwards to a sink and swallows any panic it raises.
type safeLogger struct {
	sink Logger
}

func newSafeLogger(sink Logger) Logger {
	if sink == nil {
		return nopLogger{}
	}
	if s, ok := sink.(safeLogger); ok {
		return s
	}
	return safeLogger{sink: sink}
}

func (l safeLogger) call(fn func(string, ...any), msg string, args []any) {
	defer func() {
		_ = recover()
	}()
	fn(msg, args...)
}

func (l safeLogger) Trace(msg string, args ...any) { l.call(l.sink.Trace, msg, args) }
func (l safeLogger) Debug(msg string, args ...any) { l.call(l.sink.Debug, msg, args) }
func (l safeLogger) Info(msg string, args ...any)  { l.call(l.sink.Info, msg, args) }
func (l safeLogger) Warn(msg string, args ...any)  { l.call(l.sink.Warn, msg, args) }
func (l safeLogger) Error(msg string, args ...any) { l.call(l.sink.Error, msg, args) }
