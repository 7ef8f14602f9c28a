package protocol

// Op names a request operation understood by the record service.
type Op string

const (
	OpCreate        Op = "create"
	OpRetrieve      Op = "retrieve"
	OpUpdate        Op = "update"
	OpDelete        Op = "delete"
	OpQuery         Op = "query"
	OpBatch         Op = "batch"
	OpWhoAmI        Op = "whoami"
	OpListTables    Op = "list_tables"
	OpDescribeTable Op = "describe_table"
	OpCreateTable   Op = "create_table"
	OpDeleteTable   Op = "delete_table"
)

// Request is a single logical request. A batch request carries its
// sub-requests in Requests and expects one SubResponse per entry.
type Request struct {
	ID              string                 `json:"id"`
	Op              Op                     `json:"op"`
	Table           string                 `json:"table,omitempty"`
	RecordID        string                 `json:"recordId,omitempty"`
	Fields          map[string]interface{} `json:"fields,omitempty"`
	Columns         []string               `json:"columns,omitempty"`
	Query           *Query                 `json:"query,omitempty"`
	Text            string                 `json:"text,omitempty"`
	Params          map[string]interface{} `json:"params,omitempty"`
	Requests        []*Request             `json:"requests,omitempty"`
	ContinueOnError bool                   `json:"continueOnError,omitempty"`
	IdempotencyKey  string                 `json:"idempotencyKey,omitempty"`
}

// Response represents a decoded protocol response
type Response struct {
	RequestID string                 `json:"requestId,omitempty"`
	Data      interface{}            `json:"data,omitempty"`
	Success   bool                   `json:"success"`
	Message   string                 `json:"message,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Code      string                 `json:"code,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Responses []SubResponse          `json:"responses,omitempty"`
}

// SubResponse is the outcome of one sub-request inside a batch request.
type SubResponse struct {
	Index int                    `json:"index"`
	Data  map[string]interface{} `json:"data,omitempty"`
	Fault *Fault                 `json:"fault,omitempty"`
}

// Faulted reports whether the sub-request failed.
func (s SubResponse) Faulted() bool {
	return s.Fault != nil
}

// Fault describes a platform-reported failure.
type Fault struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// Query is a structured query expression.
type Query struct {
	Table   string   `json:"table"`
	Columns []string `json:"columns,omitempty"`
	Filters []Filter `json:"filters,omitempty"`
	Orders  []Order  `json:"orders,omitempty"`
	Top     int      `json:"top,omitempty"`
}

// Filter is a single column condition. Conditions are combined with AND.
type Filter struct {
	Field    string      `json:"field"`
	Operator string      `json:"operator"`
	Value    interface{} `json:"value,omitempty"`
}

// Order sorts query results by a column.
type Order struct {
	Field      string `json:"field"`
	Descending bool   `json:"descending,omitempty"`
}
