package logger

import "sync"

// Entry is one captured log event.
type Entry struct {
	Level  string
	Msg    string
	Fields map[string]interface{}
}

// Recorder is a Logger that keeps every event in memory so tests can assert
// on what a component emitted. Fatal records like any other level and does
// not exit. Safe for concurrent use.
type Recorder struct {
	mu      sync.Mutex
	entries []Entry
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Info(msg string, fields ...interface{})  { r.record("info", msg, fields) }
func (r *Recorder) Warn(msg string, fields ...interface{})  { r.record("warn", msg, fields) }
func (r *Recorder) Error(msg string, fields ...interface{}) { r.record("error", msg, fields) }
func (r *Recorder) Debug(msg string, fields ...interface{}) { r.record("debug", msg, fields) }
func (r *Recorder) Fatal(msg string, fields ...interface{}) { r.record("fatal", msg, fields) }

// Entries returns a copy of everything recorded so far.
func (r *Recorder) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// ByLevel returns the recorded entries with the given level.
func (r *Recorder) ByLevel(level string) []Entry {
	var out []Entry
	for _, e := range r.Entries() {
		if e.Level == level {
			out = append(out, e)
		}
	}
	return out
}

// Has reports whether any entry at the given level carries the message.
func (r *Recorder) Has(level, msg string) bool {
	for _, e := range r.Entries() {
		if e.Level == level && e.Msg == msg {
			return true
		}
	}
	return false
}

func (r *Recorder) record(level, msg string, fields []interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, Entry{Level: level, Msg: msg, Fields: fieldMap(fields)})
}

// fieldMap mirrors the pairing rules of logWithFields: a single map argument
// is taken as-is, otherwise arguments are consumed as key/value pairs.
func fieldMap(fields []interface{}) map[string]interface{} {
	out := map[string]interface{}{}
	if len(fields) == 1 {
		if m, ok := fields[0].(map[string]interface{}); ok {
			for k, v := range m {
				out[k] = v
			}
			return out
		}
	}
	if len(fields)%2 == 0 {
		for i := 0; i < len(fields); i += 2 {
			key, ok := fields[i].(string)
			if !ok {
				continue
			}
			out[key] = fields[i+1]
		}
	}
	return out
}
