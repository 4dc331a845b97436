package log

import (
	"fmt"
	"sync"

	"github.com/go-conductor/conductor/log"
)

//NewTestLogger returns a logger capturing entries for assertions, prints nothing
func NewTestLogger() *testLogger {
	return &testLogger{entriesStore: &entriesStore{}}
}

type entriesStore struct {
	mtx     sync.Mutex
	entries []entry
}

func (s *entriesStore) append(e entry) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	s.entries = append(s.entries, e)
}

type testLogger struct {
	level        log.Level
	fields       log.Fields
	entriesStore *entriesStore
}

type entry struct {
	Msg   string
	Level log.Level
}

func (n *testLogger) Log(level log.Level, v ...interface{}) {
	n.entriesStore.append(entry{Msg: fmt.Sprint(v...), Level: level})
}

func (n *testLogger) Logf(level log.Level, template string, args ...interface{}) {
	n.entriesStore.append(entry{Msg: fmt.Sprintf(template, args...), Level: level})
}

func (n *testLogger) SetLevel(level log.Level) {
	n.level = level
}

func (n *testLogger) WithFields(fields log.Fields) log.Logger {
	mergedFields := make(log.Fields)

	for k, v := range n.fields {
		mergedFields[k] = v
	}

	for k, v := range fields {
		mergedFields[k] = v
	}

	return &testLogger{
		entriesStore: n.entriesStore,
		level:        n.level,
		fields:       mergedFields,
	}
}

func (n testLogger) Entries() []entry {
	n.entriesStore.mtx.Lock()
	defer n.entriesStore.mtx.Unlock()

	r := make([]entry, len(n.entriesStore.entries))
	copy(r, n.entriesStore.entries)

	return r
}

func (n testLogger) Messages() []string {
	entries := n.Entries()

	r := make([]string, len(entries))
	for i := range entries {
		r[i] = entries[i].Msg
	}

	return r
}

func (n testLogger) LastMessage() string {
	entries := n.Entries()

	if len(entries) > 0 {
		return entries[len(entries)-1].Msg
	}

	return ""
}

func (n *testLogger) Clear() {
	n.entriesStore.mtx.Lock()
	defer n.entriesStore.mtx.Unlock()

	n.entriesStore.entries = nil
}
