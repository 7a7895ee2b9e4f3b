// Package internal contains the helpers shared by the postgres
// MessageStore and its tests.
package internal

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// ReadCommitted are the options used by the MessageStore write transactions:
// every transition is conditioned on the current row status, so the
// default isolation level is enough.
var ReadCommitted = pgx.TxOptions{
	IsoLevel:   pgx.ReadCommitted,
	AccessMode: pgx.ReadWrite,
}

// TxBeginner represents a pgx-related component that can initiate transactions.
type TxBeginner interface {
	BeginTx(ctx context.Context, options pgx.TxOptions) (pgx.Tx, error)
}

// RunTransaction runs the do function in a transaction, committing it
// if do succeeds, rolling it back otherwise.
//
// The error returned by do is wrapped, so that callers can still
// inspect it with errors.Is and errors.As.
func RunTransaction(
	ctx context.Context,
	db TxBeginner,
	options pgx.TxOptions, //nolint:gocritic // The pgx API uses value semantics, will do the same here.
	do func(ctx context.Context, tx pgx.Tx) error,
) (err error) {
	tx, err := db.BeginTx(ctx, options)
	if err != nil {
		return fmt.Errorf("failed to begin transaction, %w", err)
	}

	defer func() {
		if err == nil {
			return
		}

		// The rollback must run even if ctx has been canceled.
		if rollbackErr := tx.Rollback(context.WithoutCancel(ctx)); rollbackErr != nil {
			err = fmt.Errorf("failed to rollback transaction, %w (caused by: %w)", rollbackErr, err)
		}
	}()

	if err := do(ctx, tx); err != nil {
		return fmt.Errorf("transaction aborted, %w", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction, %w", err)
	}

	return nil
}
