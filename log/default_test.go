package log

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultLogger(t *testing.T) {
	output := bytes.NewBuffer(nil)
	l := NewLogger(output)
	logger, ok := l.(*defaultLogger)
	require.True(t, ok)

	t.Run("panic", func(t *testing.T) {
		defer output.Reset()

		assert.PanicsWithValue(t, "paaaaaanic", func() {
			logger.Log(PanicLevel, "paaaaaanic")
		})
	})

	t.Run("default info level", func(t *testing.T) {
		defer output.Reset()

		logger.Log(DebugLevel, "debug")
		logger.Log(TraceLevel, "trace")
		assert.Empty(t, output.String())

		logger.Log(InfoLevel, "info")
		assert.Contains(t, output.String(), "info")
	})

	t.Run("raised level", func(t *testing.T) {
		defer output.Reset()
		defer logger.SetLevel(InfoLevel)

		logger.SetLevel(TraceLevel)

		logger.Log(TraceLevel, "trace")
		assert.Contains(t, output.String(), "trace")
	})

	t.Run("lowered level", func(t *testing.T) {
		defer output.Reset()
		defer logger.SetLevel(InfoLevel)

		logger.SetLevel(ErrorLevel)

		logger.Log(InfoLevel, "info")
		logger.Log(WarnLevel, "warn")
		assert.Empty(t, output.String())

		logger.Log(ErrorLevel, "boom")
		assert.Contains(t, output.String(), "boom")
	})

	t.Run("formatting", func(t *testing.T) {
		defer output.Reset()

		logger.Logf(InfoLevel, "saga %s finished after %d steps", "saga-1", 3)
		assert.Contains(t, output.String(), "saga saga-1 finished after 3 steps")
	})

	t.Run("fields", func(t *testing.T) {
		defer output.Reset()

		logger.WithFields(Fields{"sagaId": "saga-1", "step": "reserve"}).Log(InfoLevel, "step completed")
		assert.Contains(t, output.String(), "step completed")
		assert.Contains(t, output.String(), "sagaId=saga-1")
		assert.Contains(t, output.String(), "step=reserve")
	})
}

func TestNilLogger(t *testing.T) {
	logger := NewNilLogger()

	assert.NotPanics(t, func() {
		logger.Log(ErrorLevel, "nothing happens")
		logger.Logf(InfoLevel, "nothing %s", "either")
		logger.SetLevel(TraceLevel)
		logger.WithFields(Fields{"a": 1}).Log(InfoLevel, "still nothing")
	})
}
