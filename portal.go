package wire

import (
	"context"
	"fmt"
	"sync"

	"github.com/pgwired/wire/codes"
	psqlerr "github.com/pgwired/wire/errors"
)

// Portal is a ready-to-execute bound instance of a prepared statement, with
// concrete parameter values and per-column result format choices negotiated
// during Bind.
type Portal struct {
	Statement  *PreparedStatement
	Parameters []Parameter
	Formats    []FormatCode
}

// PortalCache stores named bound portals for the lifetime of a single
// connection. The empty name addresses the "unnamed" portal slot, which Bind
// always overwrites. Removing a statement while a portal still references it
// is not tracked here, and Execute makes no statement lookup either: it runs
// the portal's statement even after that statement has been closed.
type PortalCache interface {
	Bind(ctx context.Context, name string, stmt *PreparedStatement, parameters []Parameter, formats []FormatCode) error
	Get(ctx context.Context, name string) (*Portal, error)
	Close(ctx context.Context, name string) error
}

// DefaultPortalCache is a RWMutex-backed, in-memory PortalCache.
type DefaultPortalCache struct {
	mu    sync.RWMutex
	items map[string]*Portal
}

// NewPortalCache constructs an empty DefaultPortalCache.
func NewPortalCache() *DefaultPortalCache {
	return &DefaultPortalCache{items: make(map[string]*Portal)}
}

// newErrDuplicatePortal is returned when Bind names a portal that is still
// live, i.e. has not been closed since it was last bound. The unnamed portal
// is exempt and is always overwritten.
func newErrDuplicatePortal(name string) error {
	err := fmt.Errorf("portal %q already exists", name)
	return psqlerr.WithSeverity(psqlerr.WithCode(err, codes.DuplicateCursor), psqlerr.LevelError)
}

func (c *DefaultPortalCache) Bind(_ context.Context, name string, stmt *PreparedStatement, parameters []Parameter, formats []FormatCode) error {
	if stmt == nil {
		return fmt.Errorf("portal: cannot bind %q to a nil statement", name)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.items == nil {
		c.items = make(map[string]*Portal)
	}

	if name != "" {
		if _, live := c.items[name]; live {
			return newErrDuplicatePortal(name)
		}
	}

	c.items[name] = &Portal{Statement: stmt, Parameters: parameters, Formats: formats}
	return nil
}

func (c *DefaultPortalCache) Get(_ context.Context, name string) (*Portal, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.items[name], nil
}

func (c *DefaultPortalCache) Close(_ context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.items, name)
	return nil
}
