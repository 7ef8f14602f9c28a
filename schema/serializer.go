package schema

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/dan-strohschein/recordkit/protocol"
)

// CreateTableRequest builds the create_table request for a definition.
func CreateTableRequest(table *TableDefinition) *protocol.Request {
	columns := make([]interface{}, 0, len(table.Columns))
	for _, col := range table.Columns {
		entry := map[string]interface{}{
			"name":     col.Name,
			"type":     string(col.Type),
			"required": col.Required,
			"unique":   col.Unique,
		}
		if col.DefaultValue != nil {
			entry["defaultValue"] = col.DefaultValue
		}
		if col.References != "" {
			entry["references"] = col.References
		}
		columns = append(columns, entry)
	}

	fields := map[string]interface{}{"columns": columns}
	if table.PrimaryKey != "" {
		fields["primaryKey"] = table.PrimaryKey
	}
	return &protocol.Request{
		Op:     protocol.OpCreateTable,
		Table:  table.Name,
		Fields: fields,
	}
}

// DeleteTableRequest builds the delete_table request.
func DeleteTableRequest(name string) *protocol.Request {
	return &protocol.Request{Op: protocol.OpDeleteTable, Table: name}
}

// Validate checks a record's fields against the table and returns one
// message per problem. Missing columns are only reported for create, since
// updates carry partial field sets.
func (t *TableDefinition) Validate(fields map[string]interface{}, forCreate bool) []string {
	var problems []string

	for name, value := range fields {
		col, ok := t.Column(name)
		if !ok {
			problems = append(problems, fmt.Sprintf("unknown column %q", name))
			continue
		}
		if value == nil {
			if col.Required {
				problems = append(problems, fmt.Sprintf("column %q is required", name))
			}
			continue
		}
		if !valueMatches(col.Type, value) {
			problems = append(problems, fmt.Sprintf("column %q expects %s, got %T", name, col.Type, value))
		}
	}

	if forCreate {
		for _, col := range t.Columns {
			if _, ok := fields[col.Name]; !ok && col.Required && col.DefaultValue == nil && col.Name != t.PrimaryKey {
				problems = append(problems, fmt.Sprintf("column %q is required", col.Name))
			}
		}
	}

	sort.Strings(problems)
	return problems
}

func valueMatches(t ColumnType, value interface{}) bool {
	switch t {
	case STRING, TEXT, REFERENCE:
		_, ok := value.(string)
		return ok
	case INT:
		switch v := value.(type) {
		case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
			return true
		case float64:
			return v == math.Trunc(v)
		}
		return false
	case FLOAT:
		switch value.(type) {
		case float32, float64, int, int32, int64:
			return true
		}
		return false
	case BOOLEAN:
		_, ok := value.(bool)
		return ok
	case DATETIME:
		switch v := value.(type) {
		case time.Time:
			return true
		case string:
			_, err := time.Parse(time.RFC3339, v)
			return err == nil
		}
		return false
	case JSON:
		return true
	default:
		return false
	}
}
