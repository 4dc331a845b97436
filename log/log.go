package log

type Level int

const (
	PanicLevel Level = iota
	FatalLevel
	ErrorLevel
	WarnLevel
	InfoLevel
	DebugLevel
	TraceLevel
)

// Fields is structured context attached to log entries
type Fields map[string]interface{}

// Logger is the minimal logging surface the engine depends on, so any logging
// library can be plugged in with a small adapter
type Logger interface {
	Log(level Level, v ...interface{})
	Logf(level Level, template string, args ...interface{})
	SetLevel(level Level)
	WithFields(fields Fields) Logger
}
