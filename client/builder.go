package client

import (
	"context"
	"fmt"
	"reflect"

	"github.com/dan-strohschein/recordkit/mapper"
	"github.com/dan-strohschein/recordkit/protocol"
	"github.com/dan-strohschein/recordkit/schema"
)

// Operator is a filter comparison.
type Operator int

const (
	Equals Operator = iota
	NotEquals
	GreaterThan
	LessThan
	GreaterThanOrEqual
	LessThanOrEqual
	Like
	In
	NotIn
	IsNull
	IsNotNull
)

var operatorSymbols = [...]string{"=", "!=", ">", "<", ">=", "<=", "LIKE", "IN", "NOT IN", "IS NULL", "IS NOT NULL"}
var operatorCodes = [...]string{"eq", "ne", "gt", "lt", "ge", "le", "like", "in", "not_in", "is_null", "is_not_null"}

// String returns the operator symbol.
func (o Operator) String() string {
	if o < 0 || int(o) >= len(operatorSymbols) {
		return "UNKNOWN"
	}
	return operatorSymbols[o]
}

// Code returns the operator as sent on the wire.
func (o Operator) Code() string {
	if o < 0 || int(o) >= len(operatorCodes) {
		return ""
	}
	return operatorCodes[o]
}

// Direction is a sort order.
type Direction int

const (
	Ascending Direction = iota
	Descending
)

// String returns ASC or DESC.
func (d Direction) String() string {
	if d == Descending {
		return "DESC"
	}
	return "ASC"
}

// QueryBuilder assembles a structured query. Problems are collected and
// reported by Build so calls can be chained.
type QueryBuilder struct {
	client   *Client
	query    protocol.Query
	validate bool
	errs     []string
}

// Query starts a structured query on table.
func (c *Client) Query(table string) *QueryBuilder {
	return &QueryBuilder{client: c, query: protocol.Query{Table: table}}
}

// NewQueryBuilder creates a builder that is not bound to a client. It can
// Build but not Execute.
func NewQueryBuilder(table string) *QueryBuilder {
	return &QueryBuilder{query: protocol.Query{Table: table}}
}

// Select limits the returned columns. No call returns every column.
func (qb *QueryBuilder) Select(columns ...string) *QueryBuilder {
	qb.query.Columns = append(qb.query.Columns, columns...)
	return qb
}

// Where adds a condition. Conditions are combined with AND.
func (qb *QueryBuilder) Where(field string, op Operator, value interface{}) *QueryBuilder {
	if field == "" {
		qb.errs = append(qb.errs, "where: empty field name")
		return qb
	}
	if op.Code() == "" {
		qb.errs = append(qb.errs, fmt.Sprintf("where %s: unknown operator %d", field, op))
		return qb
	}

	switch op {
	case IsNull, IsNotNull:
		if value != nil {
			qb.errs = append(qb.errs, fmt.Sprintf("where %s %s: takes no value", field, op))
			return qb
		}
	case In, NotIn:
		if value == nil || reflect.TypeOf(value).Kind() != reflect.Slice {
			qb.errs = append(qb.errs, fmt.Sprintf("where %s %s: value must be a slice", field, op))
			return qb
		}
	default:
		if value == nil {
			qb.errs = append(qb.errs, fmt.Sprintf("where %s %s: nil value, use IsNull", field, op))
			return qb
		}
	}

	qb.query.Filters = append(qb.query.Filters, protocol.Filter{Field: field, Operator: op.Code(), Value: value})
	return qb
}

// OrderBy adds a sort key.
func (qb *QueryBuilder) OrderBy(field string, dir Direction) *QueryBuilder {
	qb.query.Orders = append(qb.query.Orders, protocol.Order{Field: field, Descending: dir == Descending})
	return qb
}

// Top limits the number of records returned.
func (qb *QueryBuilder) Top(n int) *QueryBuilder {
	if n < 0 {
		qb.errs = append(qb.errs, fmt.Sprintf("top: %d is negative", n))
		return qb
	}
	qb.query.Top = n
	return qb
}

// WithValidation checks column names against the table definition before
// executing and maps result values to the declared column types.
func (qb *QueryBuilder) WithValidation(enabled bool) *QueryBuilder {
	qb.validate = enabled
	return qb
}

// Build returns the query or the first recorded problem.
func (qb *QueryBuilder) Build() (*protocol.Query, error) {
	if qb.query.Table == "" {
		return nil, ErrInvalidQuery("", "table is required")
	}
	if len(qb.errs) > 0 {
		return nil, ErrInvalidQuery(qb.query.Table, qb.errs[0])
	}
	q := qb.query
	return &q, nil
}

// Execute runs the query and returns the matching records.
func (qb *QueryBuilder) Execute(ctx context.Context) ([]map[string]interface{}, error) {
	if qb.client == nil {
		return nil, ErrInvalidQuery(qb.query.Table, "builder is not bound to a client")
	}
	q, err := qb.Build()
	if err != nil {
		return nil, err
	}

	var def *schema.TableDefinition
	if qb.validate {
		if def, err = qb.client.DescribeTable(ctx, q.Table); err != nil {
			return nil, err
		}
		var unknown []string
		for _, name := range qb.referencedColumns() {
			if _, ok := def.Column(name); !ok && name != def.PrimaryKey {
				unknown = append(unknown, name)
			}
		}
		if len(unknown) > 0 {
			return nil, ErrInvalidQuery(q.Table, fmt.Sprintf("unknown columns %v in table %s", unknown, q.Table))
		}
	}

	resp, err := qb.client.Execute(ctx, &protocol.Request{Op: protocol.OpQuery, Table: q.Table, Query: q})
	if err != nil {
		return nil, err
	}
	records, err := mapper.Records(resp.Data)
	if err != nil {
		return nil, ErrMalformedResponse(protocol.OpQuery, err.Error())
	}
	if def == nil {
		return records, nil
	}
	return mapper.NewResponseMapper().MapRecords(records, def.ColumnTypes())
}

// referencedColumns lists every column named by the query, deduplicated.
func (qb *QueryBuilder) referencedColumns() []string {
	seen := make(map[string]bool)
	var out []string
	add := func(name string) {
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	for _, c := range qb.query.Columns {
		add(c)
	}
	for _, f := range qb.query.Filters {
		add(f.Field)
	}
	for _, o := range qb.query.Orders {
		add(o.Field)
	}
	return out
}
