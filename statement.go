package wire

import (
	"context"
	"fmt"
	"sync"

	"github.com/lib/pq/oid"

	"github.com/pgwired/wire/codes"
	psqlerr "github.com/pgwired/wire/errors"
)

// StatementFn executes a bound statement, writing its result through writer.
// parameters is nil when executed through the simple query protocol, since
// that protocol carries no separately-bound parameter values.
type StatementFn func(ctx context.Context, writer DataWriter, parameters []Parameter) error

// PreparedStatement couples a query's declared result Columns and parameter
// OIDs with the closure that executes it once bound. The core performs no
// SQL parsing of its own; a ParseFn constructs these directly from a query
// string, deciding for itself what the result schema and execution behavior
// are.
type PreparedStatement struct {
	Columns    Columns
	Parameters []oid.Oid
	Fn         StatementFn
}

// NewStatement is a convenience constructor for the common case of a single
// statement with no declared parameter types.
func NewStatement(fn StatementFn, columns Columns) *PreparedStatement {
	return &PreparedStatement{Columns: columns, Fn: fn}
}

// PreparedStatements is the result of parsing a single query string. More
// than one entry indicates a multi-statement simple-query string, which is
// rejected inside the extended protocol (see NewErrMultipleCommandsStatements).
type PreparedStatements []*PreparedStatement

// ParseFn turns a raw SQL string into zero or more PreparedStatements. This
// is the sole integration point an embedder must implement for query
// execution; the module supplies no default parser.
type ParseFn func(ctx context.Context, query string) (PreparedStatements, error)

// StatementCache stores named prepared statements for the lifetime of a
// single connection. The empty name addresses the "unnamed" statement slot,
// which Parse always overwrites regardless of what previously occupied it.
// Lookups never block each other; only Set/Close take the write lock.
type StatementCache interface {
	Set(ctx context.Context, name string, stmt *PreparedStatement) error
	Get(ctx context.Context, name string) (*PreparedStatement, error)
	Close(ctx context.Context, name string) error
}

// DefaultStatementCache is a RWMutex-backed, in-memory StatementCache.
type DefaultStatementCache struct {
	mu    sync.RWMutex
	items map[string]*PreparedStatement
}

// NewStatementCache constructs an empty DefaultStatementCache.
func NewStatementCache() *DefaultStatementCache {
	return &DefaultStatementCache{items: make(map[string]*PreparedStatement)}
}

// newErrDuplicateStatement is returned when Parse names a statement that is
// still live, i.e. has not been closed since it was last set. The unnamed
// statement is exempt and is always overwritten.
func newErrDuplicateStatement(name string) error {
	err := fmt.Errorf("prepared statement %q already exists", name)
	return psqlerr.WithSeverity(psqlerr.WithCode(err, codes.DuplicatePreparedStatement), psqlerr.LevelError)
}

func (c *DefaultStatementCache) Set(_ context.Context, name string, stmt *PreparedStatement) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.items == nil {
		c.items = make(map[string]*PreparedStatement)
	}

	if name != "" {
		if _, live := c.items[name]; live {
			return newErrDuplicateStatement(name)
		}
	}

	c.items[name] = stmt
	return nil
}

func (c *DefaultStatementCache) Get(_ context.Context, name string) (*PreparedStatement, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.items[name], nil
}

func (c *DefaultStatementCache) Close(_ context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.items, name)
	return nil
}
