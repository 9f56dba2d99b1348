package post

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrNotFound        = errors.New("post not found")
	ErrConflict        = errors.New("post conflict")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrInvalidState    = errors.New("post is not in a valid state for this operation")
	ErrInternal        = errors.New("post storage failure")
	ErrUploadsDisabled = errors.New("image uploads are not configured")
)

const uniqueViolationCode = "23505"

// storageError wraps a driver failure into ErrInternal, except for unique
// violations which surface as ErrConflict.
func storageError(op string, err error) error {
	var pe *pgconn.PgError
	if errors.As(err, &pe) && pe.Code == uniqueViolationCode {
		return fmt.Errorf("%w: %s: %s", ErrConflict, op, pe.Detail)
	}
	return fmt.Errorf("%w: %s: %v", ErrInternal, op, err)
}
