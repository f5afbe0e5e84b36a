// Package db provides the database connections used by layercake views.
//
// Connections are owned by the worker that created them (see
// coop.WorkerID): a view running in a request's pinned lane always sees the
// same connection for an alias, and using that connection from another worker
// is an error unless sharing was explicitly allowed. Handler implements
// layercake.Transactions, so aliases configured with AtomicRequests wrap every
// blocking view in a transaction. Connections created in a request's lane
// are closed when the request scope is released.
package db

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/augustoroman/layercake/coop"
)

// DefaultDriver is the database/sql driver used when Settings.Driver is empty.
const DefaultDriver = "sqlite"

// Settings configures one database alias.
type Settings struct {
	Driver string
	DSN    string
	// AtomicRequests wraps each blocking view in a transaction on this alias.
	AtomicRequests bool
}

// ErrNoWorker is returned when a connection is requested outside of any
// worker identity, e.g. directly from a cooperative computation.
var ErrNoWorker = errors.New("db: no worker identity in context; run the call on a pinned worker")

// AffinityError reports a connection used from a worker other than the one
// that created it.
type AffinityError struct {
	Alias   string
	Created uint64
	Current uint64
}

func (e *AffinityError) Error() string {
	return fmt.Sprintf(
		"db: connection %q was created in worker %d and can only be used in that same worker, not %d",
		e.Alias, e.Created, e.Current)
}

type connKey struct {
	alias  string
	worker uint64
}

// Handler owns the configured databases and the per-worker connections to
// them.
type Handler struct {
	settings map[string]Settings
	dbs      map[string]*sqlx.DB

	mu    sync.Mutex
	conns map[connKey]*Conn
}

// Open opens a database handle for every alias. No connection is made until
// one is needed.
func Open(settings map[string]Settings) (*Handler, error) {
	h := &Handler{
		settings: map[string]Settings{},
		dbs:      map[string]*sqlx.DB{},
		conns:    map[connKey]*Conn{},
	}
	for alias, s := range settings {
		if s.Driver == "" {
			s.Driver = DefaultDriver
		}
		db, err := sqlx.Open(s.Driver, s.DSN)
		if err != nil {
			h.Close()
			return nil, fmt.Errorf("db: cannot open %q: %w", alias, err)
		}
		h.settings[alias] = s
		h.dbs[alias] = db
	}
	return h, nil
}

// Aliases lists the configured aliases.
func (h *Handler) Aliases() []string {
	aliases := make([]string, 0, len(h.settings))
	for alias := range h.settings {
		aliases = append(aliases, alias)
	}
	sort.Strings(aliases)
	return aliases
}

// AtomicAliases implements layercake.Transactions.
func (h *Handler) AtomicAliases() []string {
	var aliases []string
	for _, alias := range h.Aliases() {
		if h.settings[alias].AtomicRequests {
			aliases = append(aliases, alias)
		}
	}
	return aliases
}

// DB returns the shared handle for alias, for work that needs no connection
// affinity such as migrations.
func (h *Handler) DB(alias string) (*sqlx.DB, error) {
	db, ok := h.dbs[alias]
	if !ok {
		return nil, fmt.Errorf("db: unknown alias %q", alias)
	}
	return db, nil
}

// Conn returns the connection for alias owned by the current worker, creating
// it if needed.
func (h *Handler) Conn(ctx context.Context, alias string) (*Conn, error) {
	worker, ok := coop.WorkerID(ctx)
	if !ok {
		return nil, ErrNoWorker
	}
	db, err := h.DB(alias)
	if err != nil {
		return nil, err
	}

	key := connKey{alias, worker}
	h.mu.Lock()
	c := h.conns[key]
	h.mu.Unlock()
	if c != nil {
		return c, nil
	}

	conn, err := db.Connx(ctx)
	if err != nil {
		return nil, fmt.Errorf("db: cannot connect to %q: %w", alias, err)
	}
	c = &Conn{alias: alias, worker: worker, conn: conn}
	h.mu.Lock()
	h.conns[key] = c
	h.mu.Unlock()
	if lane, _ := coop.LaneID(ctx); lane == worker {
		coop.OnRelease(ctx, func() { h.release(worker, c) })
	}
	return c, nil
}

// Atomic implements layercake.Transactions using the current worker's
// connection.
func (h *Handler) Atomic(ctx context.Context, alias string, fn func(ctx context.Context) error) error {
	c, err := h.Conn(ctx, alias)
	if err != nil {
		return err
	}
	return c.Atomic(ctx, fn)
}

// Release closes every connection owned by worker. Open transactions are
// rolled back.
func (h *Handler) Release(worker uint64) error {
	h.mu.Lock()
	var released []*Conn
	for key, c := range h.conns {
		if key.worker == worker {
			released = append(released, c)
			delete(h.conns, key)
		}
	}
	h.mu.Unlock()

	var errs []error
	for _, c := range released {
		errs = append(errs, c.close())
	}
	return errors.Join(errs...)
}

// release drops c if it is still the worker's connection for its alias.
func (h *Handler) release(worker uint64, c *Conn) {
	key := connKey{c.alias, worker}
	h.mu.Lock()
	if h.conns[key] != c {
		h.mu.Unlock()
		return
	}
	delete(h.conns, key)
	h.mu.Unlock()
	c.close()
}

// Close closes all connections and database handles.
func (h *Handler) Close() error {
	h.mu.Lock()
	conns := h.conns
	h.conns = map[connKey]*Conn{}
	h.mu.Unlock()

	var errs []error
	for _, c := range conns {
		errs = append(errs, c.close())
	}
	for _, db := range h.dbs {
		errs = append(errs, db.Close())
	}
	return errors.Join(errs...)
}
