package db

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
)

type fakeTx struct {
	pgx.Tx
	committed  bool
	rolledBack bool
	commitErr  error
}

func (f *fakeTx) Begin(ctx context.Context) (pgx.Tx, error) { return &fakeTx{}, nil }
func (f *fakeTx) Commit(ctx context.Context) error {
	f.committed = true
	return f.commitErr
}
func (f *fakeTx) Rollback(ctx context.Context) error {
	f.rolledBack = true
	return nil
}

type fakeBeginner struct {
	tx  *fakeTx
	err error
}

func (b *fakeBeginner) Begin(ctx context.Context) (pgx.Tx, error) {
	if b.err != nil {
		return nil, b.err
	}
	return b.tx, nil
}

func TestTxFromContext_Nil(t *testing.T) {
	if tx := TxFromContext(context.Background()); tx != nil {
		t.Error("expected nil tx from empty context")
	}
}

func TestTxFromContext_WithWrongType(t *testing.T) {
	ctx := context.WithValue(context.Background(), DBTxKey, "not-a-tx")
	if tx := TxFromContext(ctx); tx != nil {
		t.Error("expected nil when context value is wrong type")
	}
}

func TestWithTx_NoConnection(t *testing.T) {
	_, _, err := WithTx(context.Background(), nil)
	if err == nil {
		t.Fatal("expected error when no connection is available")
	}
	if err.Error() != "no database connection in context" {
		t.Errorf("unexpected error message: %s", err.Error())
	}
}

func TestWithTx_AttachesTx(t *testing.T) {
	b := &fakeBeginner{tx: &fakeTx{}}
	ctx, tx, err := WithTx(context.Background(), b)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if TxFromContext(ctx) != tx {
		t.Error("expected context to carry the new tx")
	}
}

func TestInTx_Commits(t *testing.T) {
	b := &fakeBeginner{tx: &fakeTx{}}
	var sawTx bool
	err := InTx(context.Background(), b, func(ctx context.Context) error {
		sawTx = TxFromContext(ctx) != nil
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !sawTx {
		t.Error("expected fn to run with a tx in context")
	}
	if !b.tx.committed || b.tx.rolledBack {
		t.Errorf("expected commit only, got committed=%v rolledBack=%v", b.tx.committed, b.tx.rolledBack)
	}
}

func TestInTx_RollsBackOnError(t *testing.T) {
	b := &fakeBeginner{tx: &fakeTx{}}
	boom := errors.New("boom")
	err := InTx(context.Background(), b, func(ctx context.Context) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if b.tx.committed || !b.tx.rolledBack {
		t.Errorf("expected rollback only, got committed=%v rolledBack=%v", b.tx.committed, b.tx.rolledBack)
	}
}

func TestInTx_CommitFailureRollsBack(t *testing.T) {
	b := &fakeBeginner{tx: &fakeTx{commitErr: errors.New("serialization failure")}}
	err := InTx(context.Background(), b, func(ctx context.Context) error { return nil })
	if err == nil {
		t.Fatal("expected commit error")
	}
	if !b.tx.rolledBack {
		t.Error("expected rollback after failed commit")
	}
}

func TestInTx_RollsBackOnPanic(t *testing.T) {
	b := &fakeBeginner{tx: &fakeTx{}}
	defer func() {
		if recover() == nil {
			t.Error("expected panic to propagate")
		}
		if !b.tx.rolledBack {
			t.Error("expected rollback on panic")
		}
	}()
	_ = InTx(context.Background(), b, func(ctx context.Context) error { panic("bad") })
}

func TestInTx_BeginError(t *testing.T) {
	b := &fakeBeginner{err: errors.New("pool closed")}
	called := false
	err := InTx(context.Background(), b, func(ctx context.Context) error {
		called = true
		return nil
	})
	if err == nil || called {
		t.Errorf("expected begin error without calling fn, got err=%v called=%v", err, called)
	}
}

func TestAfterCommit_NoTransactionRunsNow(t *testing.T) {
	ran := false
	AfterCommit(context.Background(), func() { ran = true })
	if !ran {
		t.Error("expected the callback to run immediately")
	}
}

func TestAfterCommit_RunsAfterCommit(t *testing.T) {
	b := &fakeBeginner{tx: &fakeTx{}}
	var ranBeforeCommit, ran bool
	err := InTx(context.Background(), b, func(ctx context.Context) error {
		AfterCommit(ctx, func() { ran = true })
		ranBeforeCommit = ran
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if ranBeforeCommit || !ran {
		t.Errorf("expected the callback after commit only, before=%v after=%v", ranBeforeCommit, ran)
	}
}

func TestAfterCommit_DroppedOnRollback(t *testing.T) {
	tests := []struct {
		name string
		b    *fakeBeginner
		fn   func(ctx context.Context) error
	}{
		{"error", &fakeBeginner{tx: &fakeTx{}}, func(ctx context.Context) error { return errors.New("insert failed") }},
		{"commit failure", &fakeBeginner{tx: &fakeTx{commitErr: errors.New("serialization failure")}}, func(ctx context.Context) error { return nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ran := false
			_ = InTx(context.Background(), tt.b, func(ctx context.Context) error {
				AfterCommit(ctx, func() { ran = true })
				return tt.fn(ctx)
			})
			if ran {
				t.Error("callback ran for rolled back work")
			}
		})
	}
}

func TestAfterCommit_NestedWaitsForOuter(t *testing.T) {
	b := &fakeBeginner{tx: &fakeTx{}}
	var inner, discarded, ranBeforeOuter bool
	err := InTx(context.Background(), b, func(ctx context.Context) error {
		if err := InTx(ctx, b, func(ctx context.Context) error {
			AfterCommit(ctx, func() { inner = true })
			return nil
		}); err != nil {
			return err
		}
		ranBeforeOuter = inner
		// A failed savepoint loses its callbacks but not the outer transaction.
		_ = InTx(ctx, b, func(ctx context.Context) error {
			AfterCommit(ctx, func() { discarded = true })
			return errors.New("savepoint failed")
		})
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if ranBeforeOuter || !inner || discarded {
		t.Errorf("unexpected callbacks: beforeOuter=%v inner=%v discarded=%v", ranBeforeOuter, inner, discarded)
	}
}
