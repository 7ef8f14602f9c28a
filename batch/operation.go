package batch

import (
	"fmt"
	"strings"

	"github.com/dan-strohschein/recordkit/protocol"
)

// Kind identifies the operation applied to every record of a run.
type Kind int

const (
	KindCreate Kind = iota + 1
	KindUpdate
	KindDelete
	KindRetrieve
)

// String returns the lowercase operation name.
func (k Kind) String() string {
	switch k {
	case KindCreate:
		return "create"
	case KindUpdate:
		return "update"
	case KindDelete:
		return "delete"
	case KindRetrieve:
		return "retrieve"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Op returns the wire op for the kind.
func (k Kind) Op() protocol.Op {
	switch k {
	case KindCreate:
		return protocol.OpCreate
	case KindUpdate:
		return protocol.OpUpdate
	case KindDelete:
		return protocol.OpDelete
	case KindRetrieve:
		return protocol.OpRetrieve
	default:
		return ""
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Valid reports whether k is one of the four supported kinds.
func (k Kind) Valid() bool {
	return k >= KindCreate && k <= KindRetrieve
}

// ParseKind parses a kind name such as "create".
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "create":
		return KindCreate, nil
	case "update":
		return KindUpdate, nil
	case "delete":
		return KindDelete, nil
	case "retrieve", "get":
		return KindRetrieve, nil
	default:
		return 0, ErrInvalidConfig("kind", s, "expected create, update, delete or retrieve")
	}
}

// Record is a single typed record. ID is empty for records not yet created.
type Record struct {
	Table  string                 `json:"table" yaml:"table"`
	ID     string                 `json:"id,omitempty" yaml:"id,omitempty"`
	Fields map[string]interface{} `json:"fields,omitempty" yaml:"fields,omitempty"`
}

// Ref returns the reference addressing r.
func (r Record) Ref() Reference {
	return Reference{Table: r.Table, ID: r.ID}
}

// Reference addresses an existing record.
type Reference struct {
	Table string `json:"table" yaml:"table"`
	ID    string `json:"id" yaml:"id"`
}

// String returns "table/id".
func (r Reference) String() string {
	return r.Table + "/" + r.ID
}

// Operation is one record operation. Build it with CreateOp, UpdateOp,
// DeleteOp or RetrieveOp; the zero value is invalid.
type Operation struct {
	kind    Kind
	table   string
	id      string
	fields  map[string]interface{}
	columns []string
}

// CreateOp creates rec. Any ID on rec is forwarded as a client-chosen ID.
func CreateOp(rec Record) Operation {
	return Operation{kind: KindCreate, table: rec.Table, id: rec.ID, fields: copyFields(rec.Fields)}
}

// UpdateOp replaces the given fields of the existing record rec.ID.
func UpdateOp(rec Record) Operation {
	return Operation{kind: KindUpdate, table: rec.Table, id: rec.ID, fields: copyFields(rec.Fields)}
}

// DeleteOp deletes ref.
func DeleteOp(ref Reference) Operation {
	return Operation{kind: KindDelete, table: ref.Table, id: ref.ID}
}

// RetrieveOp fetches ref. No columns means every column.
func RetrieveOp(ref Reference, columns ...string) Operation {
	var cols []string
	if len(columns) > 0 {
		cols = append([]string(nil), columns...)
	}
	return Operation{kind: KindRetrieve, table: ref.Table, id: ref.ID, columns: cols}
}

// OperationFor builds the operation of the given kind for rec.
func OperationFor(kind Kind, rec Record) (Operation, error) {
	switch kind {
	case KindCreate:
		return CreateOp(rec), nil
	case KindUpdate:
		return UpdateOp(rec), nil
	case KindDelete:
		return DeleteOp(rec.Ref()), nil
	case KindRetrieve:
		return RetrieveOp(rec.Ref()), nil
	default:
		return Operation{}, ErrInvalidConfig("kind", int(kind), "unknown operation kind")
	}
}

func (o Operation) Kind() Kind    { return o.kind }
func (o Operation) Table() string { return o.table }
func (o Operation) ID() string    { return o.id }

// Ref returns the addressed record.
func (o Operation) Ref() Reference {
	return Reference{Table: o.table, ID: o.id}
}

// Record returns a copy of the record payload.
func (o Operation) Record() Record {
	return Record{Table: o.table, ID: o.id, Fields: copyFields(o.fields)}
}

// Columns returns a copy of the requested column set.
func (o Operation) Columns() []string {
	if len(o.columns) == 0 {
		return nil
	}
	return append([]string(nil), o.columns...)
}

// validate checks the operation shape. position is the operation's index in the run input.
func (o Operation) validate(position int) error {
	if !o.kind.Valid() {
		return ErrInvalidOperation(position, "operation was not built with a constructor")
	}
	if strings.TrimSpace(o.table) == "" {
		return ErrInvalidOperation(position, "table is required")
	}
	switch o.kind {
	case KindUpdate, KindDelete, KindRetrieve:
		if strings.TrimSpace(o.id) == "" {
			return ErrInvalidOperation(position, o.kind.String()+" requires a record id")
		}
	}
	switch o.kind {
	case KindCreate, KindUpdate:
		if len(o.fields) == 0 {
			return ErrInvalidOperation(position, o.kind.String()+" requires at least one field")
		}
	}
	return nil
}

// request builds the wire sub-request for the operation.
func (o Operation) request(id string) *protocol.Request {
	return &protocol.Request{
		ID:       id,
		Op:       o.kind.Op(),
		Table:    o.table,
		RecordID: o.id,
		Fields:   o.fields,
		Columns:  o.columns,
	}
}

func copyFields(fields map[string]interface{}) map[string]interface{} {
	if fields == nil {
		return nil
	}
	out := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}
