package client

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/dan-strohschein/recordkit/protocol"
	"github.com/dan-strohschein/recordkit/schema"
)

// SchemaCache keeps table definitions fetched with describe_table. Entries
// expire after the TTL and concurrent misses for one table share a fetch.
type SchemaCache struct {
	client *Client
	ttl    time.Duration
	now    func() time.Time

	mu      sync.RWMutex
	entries map[string]schemaEntry
	group   singleflight.Group
}

type schemaEntry struct {
	table     *schema.TableDefinition
	fetchedAt time.Time
}

// NewSchemaCache creates a cache backed by c. A ttl of zero disables caching.
func NewSchemaCache(c *Client, ttl time.Duration) *SchemaCache {
	return &SchemaCache{
		client:  c,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]schemaEntry),
	}
}

// TTL returns how long a definition stays cached.
func (sc *SchemaCache) TTL() time.Duration {
	return sc.ttl
}

// Get returns the definition of table, fetching it on a miss.
func (sc *SchemaCache) Get(ctx context.Context, table string) (*schema.TableDefinition, error) {
	if def, ok := sc.lookup(table); ok {
		return def, nil
	}

	v, err, _ := sc.group.Do(table, func() (interface{}, error) {
		def, err := sc.client.fetchTable(ctx, table)
		if err != nil {
			return nil, err
		}
		if sc.ttl > 0 {
			sc.mu.Lock()
			sc.entries[table] = schemaEntry{table: def, fetchedAt: sc.now()}
			sc.mu.Unlock()
		}
		return def, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*schema.TableDefinition), nil
}

func (sc *SchemaCache) lookup(table string) (*schema.TableDefinition, bool) {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	entry, ok := sc.entries[table]
	if !ok || sc.now().Sub(entry.fetchedAt) > sc.ttl {
		return nil, false
	}
	return entry.table, true
}

// Invalidate drops every cached definition.
func (sc *SchemaCache) Invalidate() {
	sc.mu.Lock()
	sc.entries = make(map[string]schemaEntry)
	sc.mu.Unlock()
}

// Len returns the number of cached definitions, expired ones included.
func (sc *SchemaCache) Len() int {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return len(sc.entries)
}

// ListTables returns every table visible to the tenant.
func (c *Client) ListTables(ctx context.Context) ([]schema.TableDefinition, error) {
	resp, err := c.Execute(ctx, &protocol.Request{Op: protocol.OpListTables})
	if err != nil {
		return nil, err
	}
	tables, err := schema.ParseTableList(resp.Data)
	if err != nil {
		return nil, ErrMalformedResponse(protocol.OpListTables, err.Error())
	}
	return tables, nil
}

// DescribeTable returns the definition of table. Definitions are cached for
// SchemaCacheTTL and dropped when a table is created or deleted.
func (c *Client) DescribeTable(ctx context.Context, table string) (*schema.TableDefinition, error) {
	if table == "" {
		return nil, ErrInvalidQuery("", "table name is required")
	}
	return c.schemas.Get(ctx, table)
}

func (c *Client) fetchTable(ctx context.Context, table string) (*schema.TableDefinition, error) {
	resp, err := c.Execute(ctx, &protocol.Request{Op: protocol.OpDescribeTable, Table: table})
	if err != nil {
		return nil, err
	}
	def, err := schema.ParseTable(resp.Data)
	if err != nil {
		return nil, ErrMalformedResponse(protocol.OpDescribeTable, err.Error())
	}
	return def, nil
}

// CreateTable creates a table from def.
func (c *Client) CreateTable(ctx context.Context, def *schema.TableDefinition) error {
	if def == nil || def.Name == "" {
		return ErrInvalidQuery("", "table definition needs a name")
	}
	_, err := c.Execute(ctx, schema.CreateTableRequest(def))
	return err
}

// DeleteTable deletes a table and all of its records.
func (c *Client) DeleteTable(ctx context.Context, table string) error {
	if table == "" {
		return ErrInvalidQuery("", "table name is required")
	}
	_, err := c.Execute(ctx, schema.DeleteTableRequest(table))
	return err
}

// ValidateRecord checks fields against the table definition. forCreate
// also requires every required column without a default.
func (c *Client) ValidateRecord(ctx context.Context, table string, fields map[string]interface{}, forCreate bool) error {
	def, err := c.DescribeTable(ctx, table)
	if err != nil {
		return err
	}
	if problems := def.Validate(fields, forCreate); len(problems) > 0 {
		return ErrInvalidRecord(table, problems)
	}
	return nil
}
