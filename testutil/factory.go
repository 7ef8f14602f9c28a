package testutil

import (
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dan-strohschein/recordkit/batch"
)

// Option modifies the fields of a record being built.
type Option func(fields map[string]interface{})

// WithField sets a specific field value.
func WithField(name string, value interface{}) Option {
	return func(fields map[string]interface{}) {
		fields[name] = value
	}
}

// WithFields sets multiple field values.
func WithFields(values map[string]interface{}) Option {
	return func(fields map[string]interface{}) {
		for k, v := range values {
			fields[k] = v
		}
	}
}

// WithoutField removes a field, e.g. to provoke validation faults.
func WithoutField(name string) Option {
	return func(fields map[string]interface{}) {
		delete(fields, name)
	}
}

var idSequence uint64

// SequenceID generates process-unique record IDs.
func SequenceID(prefix string) string {
	n := atomic.AddUint64(&idSequence, 1)
	return fmt.Sprintf("%s-%06d", prefix, n)
}

var (
	rngMu sync.Mutex
	rng   = rand.New(rand.NewSource(time.Now().UnixNano()))
)

// RandomString generates a random string of the specified length.
func RandomString(length int) string {
	const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	rngMu.Lock()
	defer rngMu.Unlock()
	b := make([]byte, length)
	for i := range b {
		b[i] = charset[rng.Intn(len(charset))]
	}
	return string(b)
}

// RandomInt generates a random integer between min and max (inclusive).
func RandomInt(min, max int) int {
	rngMu.Lock()
	defer rngMu.Unlock()
	return min + rng.Intn(max-min+1)
}

// RecordFactory builds records for one table. Default values may be
// functions (func() string, func() int, func() time.Time), resolved per record.
type RecordFactory struct {
	table    string
	defaults map[string]interface{}
	withIDs  bool
}

// NewRecordFactory creates a factory for table with the given field defaults.
func NewRecordFactory(table string, defaults map[string]interface{}) *RecordFactory {
	d := make(map[string]interface{}, len(defaults))
	for k, v := range defaults {
		d[k] = v
	}
	return &RecordFactory{table: table, defaults: d}
}

// WithIDs makes the factory assign sequence IDs, as needed for update and delete runs.
func (f *RecordFactory) WithIDs() *RecordFactory {
	cp := *f
	cp.withIDs = true
	return &cp
}

// Build creates a single record with optional overrides.
func (f *RecordFactory) Build(options ...Option) batch.Record {
	fields := make(map[string]interface{}, len(f.defaults))
	for k, v := range f.defaults {
		fields[k] = v
	}
	for _, opt := range options {
		opt(fields)
	}

	for k, v := range fields {
		switch fn := v.(type) {
		case func() string:
			fields[k] = fn()
		case func() int:
			fields[k] = fn()
		case func() int64:
			fields[k] = fn()
		case func() time.Time:
			fields[k] = fn()
		}
	}

	rec := batch.Record{Table: f.table, Fields: fields}
	if f.withIDs {
		rec.ID = SequenceID(f.table)
	}
	return rec
}

// BuildList creates count records.
func (f *RecordFactory) BuildList(count int, options ...Option) []batch.Record {
	out := make([]batch.Record, count)
	for i := range out {
		out[i] = f.Build(options...)
	}
	return out
}

// Refs returns the references of records.
func Refs(records []batch.Record) []batch.Reference {
	refs := make([]batch.Reference, len(records))
	for i, r := range records {
		refs[i] = r.Ref()
	}
	return refs
}

// NewAccountFactory builds records shaped like a typical accounts table.
func NewAccountFactory() *RecordFactory {
	return NewRecordFactory("accounts", map[string]interface{}{
		"name":       func() string { return "Account " + RandomString(6) },
		"email":      func() string { return RandomString(8) + "@example.com" },
		"balance":    func() int { return RandomInt(0, 10000) },
		"active":     true,
		"created_at": func() time.Time { return time.Now().UTC() },
	})
}
