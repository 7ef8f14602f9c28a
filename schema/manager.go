package schema

import (
	"encoding/json"
	"fmt"
	"sort"
)

// ParseTableList parses the data of a list_tables response. The payload is
// either {"tables": [...]} or a bare array of table definitions.
func ParseTableList(data interface{}) ([]TableDefinition, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to read table list: %w", err)
	}

	var tables []TableDefinition
	if err := json.Unmarshal(raw, &tables); err != nil {
		var wrapped struct {
			Tables []TableDefinition `json:"tables"`
		}
		if err := json.Unmarshal(raw, &wrapped); err != nil {
			return nil, fmt.Errorf("failed to parse table list: %w", err)
		}
		tables = wrapped.Tables
	}

	for i := range tables {
		if err := tables[i].check(); err != nil {
			return nil, err
		}
	}
	return tables, nil
}

// ParseTable parses the data of a describe_table response.
func ParseTable(data interface{}) (*TableDefinition, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to read table definition: %w", err)
	}

	var table TableDefinition
	if err := json.Unmarshal(raw, &table); err != nil {
		return nil, fmt.Errorf("failed to parse table definition: %w", err)
	}
	if err := table.check(); err != nil {
		return nil, err
	}
	return &table, nil
}

func (t *TableDefinition) check() error {
	if t.Name == "" {
		return fmt.Errorf("table definition has no name")
	}
	seen := make(map[string]bool, len(t.Columns))
	for _, col := range t.Columns {
		if col.Name == "" {
			return fmt.Errorf("table %s: column without name", t.Name)
		}
		if seen[col.Name] {
			return fmt.Errorf("table %s: duplicate column %s", t.Name, col.Name)
		}
		seen[col.Name] = true
		if !col.Type.Valid() {
			return fmt.Errorf("table %s: column %s has unknown type %q", t.Name, col.Name, col.Type)
		}
	}
	return nil
}

// CompareTables compares local and server table sets. Changes are ordered
// by table name, then column name.
func CompareTables(local, server []TableDefinition) *TableDiff {
	diff := &TableDiff{Changes: make([]TableChange, 0)}

	localTables := indexTables(local)
	serverTables := indexTables(server)

	for _, name := range unionKeys(localTables, serverTables) {
		localTable, inLocal := localTables[name]
		serverTable, inServer := serverTables[name]

		switch {
		case inLocal && !inServer:
			diff.Changes = append(diff.Changes, TableChange{
				Type:          "create",
				TableName:     name,
				NewDefinition: localTable,
			})
		case !inLocal && inServer:
			diff.Changes = append(diff.Changes, TableChange{
				Type:          "delete",
				TableName:     name,
				OldDefinition: serverTable,
			})
		default:
			columnChanges := compareColumns(localTable.Columns, serverTable.Columns)
			if len(columnChanges) > 0 || localTable.PrimaryKey != serverTable.PrimaryKey {
				diff.Changes = append(diff.Changes, TableChange{
					Type:          "modify",
					TableName:     name,
					OldDefinition: serverTable,
					NewDefinition: localTable,
					ColumnChanges: columnChanges,
				})
			}
		}
	}

	diff.HasChanges = len(diff.Changes) > 0
	return diff
}

func indexTables(tables []TableDefinition) map[string]*TableDefinition {
	out := make(map[string]*TableDefinition, len(tables))
	for i := range tables {
		out[tables[i].Name] = &tables[i]
	}
	return out
}

func unionKeys[V any](a, b map[string]V) []string {
	keys := make([]string, 0, len(a)+len(b))
	for k := range a {
		keys = append(keys, k)
	}
	for k := range b {
		if _, ok := a[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// compareColumns compares two column lists and returns the changes.
func compareColumns(localColumns, serverColumns []ColumnDefinition) []ColumnChange {
	changes := make([]ColumnChange, 0)

	localMap := make(map[string]*ColumnDefinition, len(localColumns))
	serverMap := make(map[string]*ColumnDefinition, len(serverColumns))
	for i := range localColumns {
		localMap[localColumns[i].Name] = &localColumns[i]
	}
	for i := range serverColumns {
		serverMap[serverColumns[i].Name] = &serverColumns[i]
	}

	for _, name := range unionKeys(localMap, serverMap) {
		localCol, inLocal := localMap[name]
		serverCol, inServer := serverMap[name]
		switch {
		case inLocal && !inServer:
			changes = append(changes, ColumnChange{Type: "add", ColumnName: name, NewColumn: localCol})
		case !inLocal && inServer:
			changes = append(changes, ColumnChange{Type: "remove", ColumnName: name, OldColumn: serverCol})
		case !columnsEqual(localCol, serverCol):
			changes = append(changes, ColumnChange{Type: "modify", ColumnName: name, OldColumn: serverCol, NewColumn: localCol})
		}
	}

	return changes
}

// columnsEqual compares two columns for equality.
func columnsEqual(a, b *ColumnDefinition) bool {
	return a.Type == b.Type &&
		a.Required == b.Required &&
		a.Unique == b.Unique &&
		fmt.Sprintf("%v", a.DefaultValue) == fmt.Sprintf("%v", b.DefaultValue) &&
		a.References == b.References
}
