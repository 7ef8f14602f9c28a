package mapper

import (
	"testing"
	"time"

	"github.com/dan-strohschein/recordkit/schema"
)

func TestResponseMapper_ToString(t *testing.T) {
	mapper := NewResponseMapper()

	tests := []struct {
		name     string
		input    interface{}
		expected string
	}{
		{"string", "hello", "hello"},
		{"int", 42, "42"},
		{"json number", 3.14, "3.14"},
		{"whole json number", float64(12), "12"},
		{"bool", true, "true"},
		{"nil", nil, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := mapper.ToString(tt.input); got != tt.expected {
				t.Errorf("ToString() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestResponseMapper_ToInt(t *testing.T) {
	mapper := NewResponseMapper()

	tests := []struct {
		name     string
		input    interface{}
		expected int64
		wantErr  bool
	}{
		{"int", 42, 42, false},
		{"whole json number", float64(7), 7, false},
		{"fractional json number", 7.5, 0, true},
		{"string", "123", 123, false},
		{"bad string", "abc", 0, true},
		{"bool", true, 1, false},
		{"nil", nil, 0, true},
		{"slice", []int{1}, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := mapper.ToInt(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ToInt() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.expected {
				t.Errorf("ToInt() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestResponseMapper_ToBool(t *testing.T) {
	mapper := NewResponseMapper()

	for _, in := range []interface{}{true, "yes", "1", float64(2)} {
		if got, err := mapper.ToBool(in); err != nil || !got {
			t.Errorf("ToBool(%v) = %v, %v", in, got, err)
		}
	}
	for _, in := range []interface{}{false, "off", "", float64(0), nil} {
		if got, err := mapper.ToBool(in); err != nil || got {
			t.Errorf("ToBool(%v) = %v, %v", in, got, err)
		}
	}
	if _, err := mapper.ToBool("maybe"); err == nil {
		t.Error("expected error for 'maybe'")
	}
}

func TestResponseMapper_ToDateTime(t *testing.T) {
	mapper := NewResponseMapper()
	want := time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)

	for _, in := range []interface{}{"2024-03-01T12:30:00Z", "2024-03-01 12:30:00", float64(want.Unix())} {
		got, err := mapper.ToDateTime(in)
		if err != nil {
			t.Fatalf("ToDateTime(%v) failed: %v", in, err)
		}
		if !got.Equal(want) {
			t.Errorf("ToDateTime(%v) = %v, want %v", in, got, want)
		}
	}

	if _, err := mapper.ToDateTime("yesterday"); err == nil {
		t.Error("expected error for unparseable datetime")
	}
}

func TestResponseMapper_MapRecord(t *testing.T) {
	mapper := NewResponseMapper()
	types := map[string]schema.ColumnType{
		"visits":     schema.INT,
		"balance":    schema.FLOAT,
		"active":     schema.BOOLEAN,
		"created_at": schema.DATETIME,
		"profile":    schema.JSON,
	}

	record := map[string]interface{}{
		"id":         "acct-1",
		"visits":     float64(3),
		"balance":    "10.5",
		"active":     "true",
		"created_at": "2024-03-01",
		"profile":    map[string]interface{}{"tier": "gold"},
		"note":       nil,
	}

	got, err := mapper.MapRecord(record, types)
	if err != nil {
		t.Fatalf("MapRecord failed: %v", err)
	}
	if got["visits"] != int64(3) || got["balance"] != 10.5 || got["active"] != true {
		t.Errorf("unexpected coercion: %v", got)
	}
	if _, ok := got["created_at"].(time.Time); !ok {
		t.Errorf("created_at should be a time.Time, got %T", got["created_at"])
	}
	if got["id"] != "acct-1" || got["note"] != nil {
		t.Errorf("untyped fields must pass through: %v", got)
	}

	if _, err := mapper.MapRecords([]map[string]interface{}{{"visits": 1.5}}, types); err == nil {
		t.Error("expected error for a fractional INT")
	}
}

func TestRecords(t *testing.T) {
	one := map[string]interface{}{"id": "a"}

	tests := []struct {
		name    string
		data    interface{}
		want    int
		wantErr bool
	}{
		{"nil", nil, 0, false},
		{"single object", one, 1, false},
		{"array", []interface{}{one, one}, 2, false},
		{"records envelope", map[string]interface{}{"records": []interface{}{one}}, 1, false},
		{"bad envelope", map[string]interface{}{"records": "x"}, 0, true},
		{"array of scalars", []interface{}{1}, 0, true},
		{"scalar", "x", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Records(tt.data)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Records() error = %v, wantErr %v", err, tt.wantErr)
			}
			if len(got) != tt.want {
				t.Errorf("Records() returned %d records, want %d", len(got), tt.want)
			}
		})
	}
}
