// Package mapper coerces decoded response values into the types a table
// declares for its columns.
package mapper

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/dan-strohschein/recordkit/schema"
)

// ResponseMapper coerces JSON-decoded values. Every JSON number arrives as
// float64 and every datetime as a string, so records are mapped against
// their table definition before they reach callers.
type ResponseMapper struct {
	// Location applies to datetimes without a zone. Nil means UTC.
	Location *time.Location
}

func NewResponseMapper() *ResponseMapper {
	return &ResponseMapper{Location: time.UTC}
}

func (m *ResponseMapper) loc() *time.Location {
	if m.Location == nil {
		return time.UTC
	}
	return m.Location
}

// MapValue converts value to the Go type backing columnType. JSON and
// unknown column types pass through; nil stays nil.
func (m *ResponseMapper) MapValue(value interface{}, columnType schema.ColumnType) (interface{}, error) {
	if value == nil {
		return nil, nil
	}
	switch columnType {
	case schema.INT:
		return m.ToInt(value)
	case schema.FLOAT:
		return m.ToFloat(value)
	case schema.BOOLEAN:
		return m.ToBool(value)
	case schema.DATETIME:
		return m.ToDateTime(value)
	case schema.STRING, schema.TEXT, schema.REFERENCE:
		return m.ToString(value), nil
	}
	return value, nil
}

// ToString renders value without exponent notation for whole numbers.
func (m *ResponseMapper) ToString(value interface{}) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case time.Time:
		return v.Format(time.RFC3339Nano)
	case fmt.Stringer:
		return v.String()
	}
	return fmt.Sprint(value)
}

// number widens the numeric kinds a decoder or caller may hand us.
func number(value interface{}) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

// ToInt rejects fractional and out-of-range numbers rather than truncating.
func (m *ResponseMapper) ToInt(value interface{}) (int64, error) {
	switch v := value.(type) {
	case nil:
		return 0, fmt.Errorf("cannot convert nil to int")
	case int64:
		return v, nil
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("cannot convert %q to int: %w", v, err)
		}
		return n, nil
	}

	f, ok := number(value)
	if !ok {
		return 0, fmt.Errorf("cannot convert %T to int", value)
	}
	if f != math.Trunc(f) || f > math.MaxInt64 || f < math.MinInt64 {
		return 0, fmt.Errorf("cannot convert %v to int without losing precision", f)
	}
	return int64(f), nil
}

func (m *ResponseMapper) ToFloat(value interface{}) (float64, error) {
	if s, ok := value.(string); ok {
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return 0, fmt.Errorf("cannot convert %q to float: %w", s, err)
		}
		return f, nil
	}
	if f, ok := number(value); ok {
		return f, nil
	}
	return 0, fmt.Errorf("cannot convert %T to float", value)
}

// ToBool treats nil as false and accepts the usual yes/no spellings.
func (m *ResponseMapper) ToBool(value interface{}) (bool, error) {
	switch v := value.(type) {
	case nil:
		return false, nil
	case bool:
		return v, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "1", "yes", "y", "on":
			return true, nil
		case "false", "0", "no", "n", "off", "":
			return false, nil
		}
		return false, fmt.Errorf("cannot convert %q to boolean", v)
	}
	if f, ok := number(value); ok {
		return f != 0, nil
	}
	return false, fmt.Errorf("cannot convert %T to boolean", value)
}

var dateTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ToDateTime parses strings in the layouts above. Numbers are Unix seconds
// with an optional fraction.
func (m *ResponseMapper) ToDateTime(value interface{}) (time.Time, error) {
	switch v := value.(type) {
	case nil:
		return time.Time{}, fmt.Errorf("cannot convert nil to datetime")
	case time.Time:
		return v, nil
	case string:
		for _, layout := range dateTimeLayouts {
			if t, err := time.ParseInLocation(layout, v, m.loc()); err == nil {
				return t, nil
			}
		}
		return time.Time{}, fmt.Errorf("cannot parse %q as datetime", v)
	}

	f, ok := number(value)
	if !ok {
		return time.Time{}, fmt.Errorf("cannot convert %T to datetime", value)
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e9)).In(m.loc()), nil
}

// MapRecord returns a copy of record with typed columns coerced. Fields
// absent from types are copied untouched.
func (m *ResponseMapper) MapRecord(record map[string]interface{}, types map[string]schema.ColumnType) (map[string]interface{}, error) {
	if record == nil {
		return nil, nil
	}

	out := make(map[string]interface{}, len(record))
	for field, raw := range record {
		ct, typed := types[field]
		if !typed {
			out[field] = raw
			continue
		}
		v, err := m.MapValue(raw, ct)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", field, err)
		}
		out[field] = v
	}
	return out, nil
}

func (m *ResponseMapper) MapRecords(records []map[string]interface{}, types map[string]schema.ColumnType) ([]map[string]interface{}, error) {
	out := make([]map[string]interface{}, 0, len(records))
	for i, rec := range records {
		mapped, err := m.MapRecord(rec, types)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		out = append(out, mapped)
	}
	return out, nil
}

// Records unwraps response data shaped as one object, an array of objects,
// or an object whose "records" field holds the array.
func Records(data interface{}) ([]map[string]interface{}, error) {
	switch v := data.(type) {
	case nil:
		return nil, nil
	case []interface{}:
		return objects(v)
	case map[string]interface{}:
		inner, wrapped := v["records"]
		if !wrapped {
			return []map[string]interface{}{v}, nil
		}
		list, ok := inner.([]interface{})
		if !ok {
			return nil, fmt.Errorf("records field is %T, expected an array", inner)
		}
		return objects(list)
	}
	return nil, fmt.Errorf("cannot read records from %T", data)
}

func objects(items []interface{}) ([]map[string]interface{}, error) {
	out := make([]map[string]interface{}, 0, len(items))
	for i, item := range items {
		obj, ok := item.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("record %d is %T, expected an object", i, item)
		}
		out = append(out, obj)
	}
	return out, nil
}
