package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/dan-strohschein/recordkit/batch"
)

// readDocument parses a YAML or JSON file into a list. "-" reads stdin.
func readDocument(path string, stdin io.Reader) ([]interface{}, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var items []interface{}
	if err := yaml.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("parse %s: expected a list of records: %w", path, err)
	}
	return items, nil
}

// loadRecords turns a list of objects into records of table. The idField
// value, when present, becomes the record ID and is removed from the fields.
func loadRecords(items []interface{}, table, idField string, requireID bool) ([]batch.Record, error) {
	records := make([]batch.Record, 0, len(items))
	for i, item := range items {
		fields, ok := item.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("item %d: expected an object, got %T", i, item)
		}

		rec := batch.Record{Table: table, Fields: make(map[string]interface{}, len(fields))}
		for k, v := range fields {
			if k == idField {
				rec.ID = fmt.Sprint(v)
				continue
			}
			rec.Fields[k] = v
		}
		if requireID && rec.ID == "" {
			return nil, fmt.Errorf("item %d: missing %q", i, idField)
		}
		records = append(records, rec)
	}
	return records, nil
}

// loadRefs accepts plain IDs or objects carrying idField.
func loadRefs(items []interface{}, table, idField string) ([]batch.Reference, error) {
	refs := make([]batch.Reference, 0, len(items))
	for i, item := range items {
		var id string
		switch v := item.(type) {
		case string:
			id = v
		case int, int64, float64:
			id = fmt.Sprint(v)
		case map[string]interface{}:
			if raw, ok := v[idField]; ok {
				id = fmt.Sprint(raw)
			}
		default:
			return nil, fmt.Errorf("item %d: expected an ID or an object, got %T", i, item)
		}
		if strings.TrimSpace(id) == "" {
			return nil, fmt.Errorf("item %d: missing %q", i, idField)
		}
		refs = append(refs, batch.Reference{Table: table, ID: id})
	}
	return refs, nil
}

// parseParams parses key=value pairs. Values are decoded as YAML scalars,
// so numbers and booleans keep their type.
func parseParams(pairs []string) (map[string]interface{}, error) {
	params := make(map[string]interface{}, len(pairs))
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(key) == "" {
			return nil, fmt.Errorf("invalid parameter %q, want name=value", pair)
		}
		var value interface{}
		if err := yaml.Unmarshal([]byte(raw), &value); err != nil || value == nil {
			value = raw
		}
		params[strings.TrimSpace(key)] = value
	}
	return params, nil
}
