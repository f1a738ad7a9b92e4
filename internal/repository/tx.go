package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// runInTx runs fn in a transaction, committing on success and rolling back otherwise.
func runInTx[T any](ctx context.Context, db *pgxpool.Pool, logger *zap.Logger, fn func(tx pgx.Tx) (T, error)) (T, error) {
	var zero T

	tx, err := db.Begin(ctx)
	if err != nil {
		return zero, mark(err, ErrTransactionBegin)
	}

	defer func() {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			logger.Warn("failed to rollback transaction", zap.Error(rbErr))
		}
	}()

	result, err := fn(tx)
	if err != nil {
		return zero, err
	}
	if err := tx.Commit(ctx); err != nil {
		return zero, mark(err, ErrTransactionCommit)
	}
	return result, nil
}
