package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/jmoiron/sqlx"

	"github.com/augustoroman/layercake/coop"
)

// querier is satisfied by both *sqlx.Conn and *sqlx.Tx.
type querier interface {
	sqlx.QueryerContext
	sqlx.ExecerContext
}

// Conn is a database connection owned by a single worker.
type Conn struct {
	alias  string
	worker uint64
	conn   *sqlx.Conn

	mu      sync.Mutex
	sharing int

	// Only touched by the owning worker (or a sharer holding it exclusively).
	tx         *sqlx.Tx
	savepoints int
}

// Alias is the database alias the connection belongs to.
func (c *Conn) Alias() string { return c.alias }

// Worker is the identity of the worker that created the connection.
func (c *Conn) Worker() uint64 { return c.worker }

// AllowsSharing reports whether the connection may currently be used from
// other workers.
func (c *Conn) AllowsSharing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sharing > 0
}

// IncSharing allows the connection to be used from other workers until a
// matching DecSharing.
func (c *Conn) IncSharing() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sharing++
}

// DecSharing undoes one IncSharing.
func (c *Conn) DecSharing() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sharing <= 0 {
		return errors.New("db: cannot decrement the sharing count below zero")
	}
	c.sharing--
	return nil
}

// ValidateThreadSharing fails with *AffinityError if ctx runs under a worker
// other than the creator and sharing isn't allowed.
func (c *Conn) ValidateThreadSharing(ctx context.Context) error {
	if c.AllowsSharing() {
		return nil
	}
	if current, _ := coop.WorkerID(ctx); current != c.worker {
		return &AffinityError{Alias: c.alias, Created: c.worker, Current: current}
	}
	return nil
}

// InAtomicBlock reports whether a transaction is open on the connection.
func (c *Conn) InAtomicBlock() bool { return c.tx != nil }

func (c *Conn) q() querier {
	if c.tx != nil {
		return c.tx
	}
	return c.conn
}

func (c *Conn) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if err := c.ValidateThreadSharing(ctx); err != nil {
		return nil, err
	}
	return c.q().ExecContext(ctx, query, args...)
}

func (c *Conn) GetContext(ctx context.Context, dest any, query string, args ...any) error {
	if err := c.ValidateThreadSharing(ctx); err != nil {
		return err
	}
	return sqlx.GetContext(ctx, c.q(), dest, query, args...)
}

func (c *Conn) SelectContext(ctx context.Context, dest any, query string, args ...any) error {
	if err := c.ValidateThreadSharing(ctx); err != nil {
		return err
	}
	return sqlx.SelectContext(ctx, c.q(), dest, query, args...)
}

// Atomic runs fn in a transaction: it commits if fn succeeds and rolls back
// if fn fails or panics. Nested calls use savepoints, so an inner failure
// only undoes the inner block.
func (c *Conn) Atomic(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if err := c.ValidateThreadSharing(ctx); err != nil {
		return err
	}
	if c.tx != nil {
		return c.savepoint(ctx, fn)
	}

	tx, err := c.conn.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	c.tx = tx
	defer func() {
		c.tx = nil
		if x := recover(); x != nil {
			tx.Rollback()
			panic(x)
		}
		if err != nil {
			if rerr := tx.Rollback(); rerr != nil {
				err = errors.Join(err, rerr)
			}
			return
		}
		err = tx.Commit()
	}()
	return fn(ctx)
}

func (c *Conn) savepoint(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	c.savepoints++
	sid := fmt.Sprintf("s%d_x%d", c.worker, c.savepoints)
	if _, err := c.tx.ExecContext(ctx, "SAVEPOINT "+sid); err != nil {
		return err
	}
	defer func() {
		x := recover()
		if x != nil || err != nil {
			if _, rerr := c.tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+sid); rerr != nil {
				err = errors.Join(err, rerr)
			}
		}
		if _, rerr := c.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+sid); rerr != nil {
			err = errors.Join(err, rerr)
		}
		if x != nil {
			panic(x)
		}
	}()
	return fn(ctx)
}

func (c *Conn) close() error {
	var errs []error
	if c.tx != nil {
		errs = append(errs, c.tx.Rollback())
		c.tx = nil
	}
	errs = append(errs, c.conn.Close())
	return errors.Join(errs...)
}
