package repository

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// CompensationTimeout bounds the rollback hooks of one failed unit of work.
const CompensationTimeout = 30 * time.Second

type rollbackHook struct {
	name string
	fn   func(ctx context.Context) error
}

type sequentialTx struct {
	Stores
	hooks []rollbackHook
}

func (t *sequentialTx) Transactional() bool { return false }

func (t *sequentialTx) OnRollback(name string, fn func(ctx context.Context) error) {
	t.hooks = append(t.hooks, rollbackHook{name: name, fn: fn})
}

// SequentialUnitOfWork issues every write independently against stores that
// cannot run multi-document transactions. A failed callback is undone by the
// rollback hooks it registered.
type SequentialUnitOfWork struct {
	stores Stores
	log    *zap.Logger
}

func NewSequentialUnitOfWork(stores Stores, log *zap.Logger) *SequentialUnitOfWork {
	if log == nil {
		log = zap.NewNop()
	}
	return &SequentialUnitOfWork{stores: stores, log: log}
}

func (u *SequentialUnitOfWork) Mode() Mode { return ModeSequential }

func (u *SequentialUnitOfWork) Do(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx := &sequentialTx{Stores: u.stores}
	err := fn(ctx, tx)
	if err != nil {
		runRollbackHooks(ctx, tx.hooks, u.log)
	}
	return err
}

// runRollbackHooks runs hooks newest first on a context the caller can no
// longer cancel. Failures are logged, never returned.
func runRollbackHooks(ctx context.Context, hooks []rollbackHook, log *zap.Logger) {
	if len(hooks) == 0 {
		return
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), CompensationTimeout)
	defer cancel()

	for i := len(hooks) - 1; i >= 0; i-- {
		if err := hooks[i].fn(rctx); err != nil {
			log.Error("rollback hook failed",
				zap.String("hook", hooks[i].name),
				zap.String("severity", "critical"),
				zap.String("reconcile", "manual"),
				zap.Error(err),
			)
		}
	}
}
