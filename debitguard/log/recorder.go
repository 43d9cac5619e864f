package log

import (
	"context"
	"sync"
)

// Entry is a single event captured by a Recorder.
type Entry struct {
	Level   Level
	Message string
	Fields  []Field
}

// Recorder keeps every event in memory. It is meant for tests that assert on
// what a component logged.
type Recorder struct {
	mu      *sync.Mutex
	entries *[]Entry
	fields  []Field
}

// NewRecorder returns an empty Recorder that accepts every level.
func NewRecorder() *Recorder {
	return &Recorder{mu: &sync.Mutex{}, entries: &[]Entry{}}
}

func (r *Recorder) Log(_ context.Context, level Level, msg string, fields ...Field) {
	r.mu.Lock()
	defer r.mu.Unlock()

	all := make([]Field, 0, len(r.fields)+len(fields))
	all = append(all, r.fields...)
	all = append(all, fields...)

	*r.entries = append(*r.entries, Entry{Level: level, Message: msg, Fields: all})
}

//nolint:ireturn
func (r *Recorder) With(fields ...Field) Logger {
	child := &Recorder{mu: r.mu, entries: r.entries}
	child.fields = append(append([]Field{}, r.fields...), fields...)

	return child
}

//nolint:ireturn
func (r *Recorder) WithGroup(name string) Logger {
	return r.With(String("group", name))
}

func (r *Recorder) Enabled(_ Level) bool { return true }

func (r *Recorder) Sync(_ context.Context) error { return nil }

// Entries returns a copy of the captured events.
func (r *Recorder) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]Entry(nil), *r.entries...)
}

// Messages returns the messages logged at level.
func (r *Recorder) Messages(level Level) []string {
	var out []string

	for _, e := range r.Entries() {
		if e.Level == level {
			out = append(out, e.Message)
		}
	}

	return out
}

// Field returns the value of key on entry, if present.
func (e Entry) Field(key string) (any, bool) {
	for i := len(e.Fields) - 1; i >= 0; i-- {
		if e.Fields[i].Key == key {
			return e.Fields[i].Value, true
		}
	}

	return nil, false
}
