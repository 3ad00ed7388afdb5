// Package store persists the task graph and implements the atomic
// transitions the board is built on: conditional claims, completion with
// dependent unblock, transitive cascades, and stale recovery. Compound
// operations run in a single transaction on the shared SQLite connection, so
// their effects commit together or not at all.
package store

import (
	"context"
	"database/sql"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codeready-toolchain/conductor/pkg/database"
)

// liveStatuses is inlined into WHERE clauses guarding live-only updates.
const liveStatuses = "'blocked', 'pending', 'in_progress'"

// Store executes SQL against the conductor database.
type Store struct {
	db *sql.DB

	degraded  atomic.Bool
	hookMu    sync.Mutex
	onDegrade func(error)
}

// New returns a store over the client's database handle.
func New(client *database.Client) *Store {
	return &Store{db: client.DB()}
}

// OnDegraded registers fn to run once, on the goroutine that hits the first
// durability fault.
func (s *Store) OnDegraded(fn func(error)) {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	s.onDegrade = fn
}

// Degraded reports whether a durability fault has latched the store.
func (s *Store) Degraded() bool {
	return s.degraded.Load()
}

func (s *Store) markDegraded(err error) {
	if s.degraded.Swap(true) {
		return
	}
	s.hookMu.Lock()
	fn := s.onDegrade
	s.hookMu.Unlock()
	if fn != nil {
		fn(err)
	}
}

// querier is satisfied by both *sql.DB and *sql.Tx so read helpers can run
// inside or outside a transaction.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) begin(ctx context.Context, op string) (*sql.Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, s.classify(op, err)
	}
	return tx, nil
}

// Timestamps are stored as UTC unix nanoseconds.

func ts(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromTS(v int64) time.Time {
	return time.Unix(0, v).UTC()
}

func fromNullTS(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromTS(v.Int64)
	return &t
}

func nullTS(t *time.Time) any {
	if t == nil {
		return nil
	}
	return ts(*t)
}

func strArg(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}

func fromNullStr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	return &v.String
}

// placeholders returns "?, ?, ..." for n parameters.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
