package log

import (
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"strings"
)

//DefaultLogger returns an implementation of logger for the engine, used by default if other isn't specified
func DefaultLogger() Logger {
	return NewLogger(os.Stdout)
}

//NewLogger returns the default logger writing to out
func NewLogger(out io.Writer) Logger {
	return &defaultLogger{
		internalLogger: log.New(out, "[conductor] ", log.Ldate|log.Ltime|log.Lmicroseconds|log.Lshortfile),
		level:          InfoLevel,
	}
}

type defaultLogger struct {
	internalLogger *log.Logger
	level          Level
	fields         Fields
}

func (l defaultLogger) Log(level Level, v ...interface{}) {
	if level == FatalLevel {
		l.internalLogger.Fatal(v...)
		return
	}

	if level == PanicLevel {
		l.internalLogger.Panic(v...)
		return
	}

	if level <= l.level {
		if err := l.internalLogger.Output(3, fmt.Sprint(v...)+l.formattedFields()); err != nil {
			l.internalLogger.Printf("err logging an entry: %s. %s\n", err, v)
		}
	}
}

func (l defaultLogger) Logf(level Level, template string, args ...interface{}) {
	l.Log(level, fmt.Sprintf(template, args...))
}

func (l *defaultLogger) SetLevel(level Level) {
	l.level = level

	l.internalLogger.SetPrefix(fmt.Sprintf("[conductor] %s ", levelNames[level]))
}

func (l *defaultLogger) WithFields(fields Fields) Logger {
	merged := make(Fields, len(l.fields)+len(fields))

	for k, v := range l.fields {
		merged[k] = v
	}

	for k, v := range fields {
		merged[k] = v
	}

	return &defaultLogger{internalLogger: l.internalLogger, level: l.level, fields: merged}
}

func (l defaultLogger) formattedFields() string {
	if len(l.fields) == 0 {
		return ""
	}

	pairs := make([]string, 0, len(l.fields))
	for k, v := range l.fields {
		pairs = append(pairs, fmt.Sprintf("%s=%v", k, v))
	}

	sort.Strings(pairs)

	return " " + strings.Join(pairs, " ")
}

var levelNames = map[Level]string{
	PanicLevel: "panic",
	FatalLevel: "fatal",
	ErrorLevel: "error",
	WarnLevel:  "warn",
	InfoLevel:  "info",
	DebugLevel: "debug",
	TraceLevel: "trace",
}
