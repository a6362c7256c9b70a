package db

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
)

type contextKey string

const (
	DBTxKey        contextKey = "db_tx"
	afterCommitKey contextKey = "db_after_commit"
)

type commitHooks struct {
	mu  sync.Mutex
	fns []func()
}

func (h *commitHooks) add(fns ...func()) {
	h.mu.Lock()
	h.fns = append(h.fns, fns...)
	h.mu.Unlock()
}

func (h *commitHooks) take() []func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	fns := h.fns
	h.fns = nil
	return fns
}

// AfterCommit runs fn once the transaction InTx attached to ctx commits, or
// immediately when ctx carries none. Work that is rolled back never runs its
// callbacks. A nested transaction hands its callbacks to the outer one.
func AfterCommit(ctx context.Context, fn func()) {
	if h, ok := ctx.Value(afterCommitKey).(*commitHooks); ok {
		h.add(fn)
		return
	}
	fn()
}

// Beginner starts transactions. *pgxpool.Pool and pgx.Tx both satisfy it.
type Beginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// TxFromContext returns the transaction attached by WithTx, if any.
func TxFromContext(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(DBTxKey).(pgx.Tx)
	return tx
}

// WithTx begins a transaction on b and returns a context carrying it. Repositories
// resolve their connection through TxFromContext, so every call made with the
// returned context joins the transaction. If ctx already carries a transaction a
// nested one (savepoint) is started on it.
func WithTx(ctx context.Context, b Beginner) (context.Context, pgx.Tx, error) {
	if outer := TxFromContext(ctx); outer != nil {
		b = outer
	}
	if b == nil {
		return ctx, nil, errors.New("no database connection in context")
	}
	tx, err := b.Begin(ctx)
	if err != nil {
		return ctx, nil, fmt.Errorf("begin transaction: %w", err)
	}
	return context.WithValue(ctx, DBTxKey, tx), tx, nil
}

// InTx runs fn inside a transaction and commits when fn returns nil. Any error
// or panic rolls the transaction back. AfterCommit callbacks registered by fn
// run after the outermost commit.
func InTx(ctx context.Context, b Beginner, fn func(ctx context.Context) error) (err error) {
	txCtx, tx, err := WithTx(ctx, b)
	if err != nil {
		return err
	}
	hooks := &commitHooks{}
	txCtx = context.WithValue(txCtx, afterCommitKey, hooks)
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()
	if err = fn(txCtx); err != nil {
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	if outer, ok := ctx.Value(afterCommitKey).(*commitHooks); ok {
		outer.add(hooks.take()...)
		return nil
	}
	for _, f := range hooks.take() {
		f()
	}
	return nil
}
