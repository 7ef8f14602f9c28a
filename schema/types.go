package schema

// ColumnType represents the type of a table column.
type ColumnType string

const (
	STRING    ColumnType = "STRING"
	INT       ColumnType = "INT"
	FLOAT     ColumnType = "FLOAT"
	BOOLEAN   ColumnType = "BOOLEAN"
	DATETIME  ColumnType = "DATETIME"
	JSON      ColumnType = "JSON"
	TEXT      ColumnType = "TEXT"
	REFERENCE ColumnType = "REFERENCE"
)

// Valid reports whether t is a known column type.
func (t ColumnType) Valid() bool {
	switch t {
	case STRING, INT, FLOAT, BOOLEAN, DATETIME, JSON, TEXT, REFERENCE:
		return true
	default:
		return false
	}
}

// ColumnDefinition defines a single column within a table.
type ColumnDefinition struct {
	Name         string      `json:"name" yaml:"name"`
	Type         ColumnType  `json:"type" yaml:"type"`
	Required     bool        `json:"required" yaml:"required"`
	Unique       bool        `json:"unique" yaml:"unique"`
	DefaultValue interface{} `json:"defaultValue,omitempty" yaml:"default_value,omitempty"`
	References   string      `json:"references,omitempty" yaml:"references,omitempty"` // For REFERENCE columns
}

// TableDefinition defines the structure of a table.
type TableDefinition struct {
	Name       string             `json:"name" yaml:"name"`
	PrimaryKey string             `json:"primaryKey" yaml:"primary_key"`
	Columns    []ColumnDefinition `json:"columns" yaml:"columns"`
}

// Column returns the named column.
func (t *TableDefinition) Column(name string) (*ColumnDefinition, bool) {
	for i := range t.Columns {
		if t.Columns[i].Name == name {
			return &t.Columns[i], true
		}
	}
	return nil, false
}

// ColumnTypes returns column name to type, for mapping responses.
func (t *TableDefinition) ColumnTypes() map[string]ColumnType {
	types := make(map[string]ColumnType, len(t.Columns))
	for _, col := range t.Columns {
		types[col.Name] = col.Type
	}
	return types
}

// ColumnChange represents a change to a column in a table.
type ColumnChange struct {
	Type       string            `json:"type"` // "add", "remove", "modify"
	ColumnName string            `json:"columnName"`
	OldColumn  *ColumnDefinition `json:"oldColumn,omitempty"`
	NewColumn  *ColumnDefinition `json:"newColumn,omitempty"`
}

// TableChange represents a change to a table.
type TableChange struct {
	Type          string           `json:"type"` // "create", "delete", "modify"
	TableName     string           `json:"tableName"`
	OldDefinition *TableDefinition `json:"oldDefinition,omitempty"`
	NewDefinition *TableDefinition `json:"newDefinition,omitempty"`
	ColumnChanges []ColumnChange   `json:"columnChanges,omitempty"`
}

// TableDiff lists the changes that turn a server table set into a local one.
type TableDiff struct {
	Changes    []TableChange `json:"changes"`
	HasChanges bool          `json:"hasChanges"`
}
