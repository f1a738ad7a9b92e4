package repository

import (
	"errors"

	cr "github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrNotFound          = cr.New("record not found")
	ErrDuplicateOrder    = cr.New("order already exists for user and voucher")
	ErrStockExhausted    = cr.New("voucher stock exhausted")
	ErrTransactionBegin  = cr.New("failed to begin transaction")
	ErrTransactionCommit = cr.New("failed to commit transaction")
)

const uniqueViolation = "23505"

// mark attaches a sentinel to err so callers can errors.Is against it while
// the original cause stays in the chain.
func mark(err error, sentinel error) error {
	if err == nil {
		return sentinel
	}
	return cr.Mark(err, sentinel)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// IsNotFound reports whether err carries ErrNotFound. Marked errors need
// cockroachdb's Is; the stdlib one does not see marks.
func IsNotFound(err error) bool { return cr.Is(err, ErrNotFound) }

// IsDuplicateOrder reports whether err carries ErrDuplicateOrder.
func IsDuplicateOrder(err error) bool { return cr.Is(err, ErrDuplicateOrder) }

// IsStockExhausted reports whether err carries ErrStockExhausted.
func IsStockExhausted(err error) bool { return cr.Is(err, ErrStockExhausted) }
