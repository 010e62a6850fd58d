package datastore

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrStoreUnavailable marks failures where the store could not be reached or gave up.
	ErrStoreUnavailable = errors.New("datastore: unavailable")
	// ErrWriteRejected marks statements the store refused (constraint or data errors).
	ErrWriteRejected = errors.New("datastore: write rejected")
	// ErrTimeout marks operations that exceeded their deadline.
	ErrTimeout = errors.New("datastore: timeout")
)

const (
	ClassUnavailable = "unavailable"
	ClassRejected    = "rejected"
	ClassTimeout     = "timeout"
	ClassUnknown     = "unknown"
)

// Classify wraps err with the matching sentinel. Already classified errors and nil are
// returned unchanged.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStoreUnavailable) || errors.Is(err, ErrWriteRejected) || errors.Is(err, ErrTimeout) {
		return err
	}
	switch Class(err) {
	case ClassTimeout:
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	case ClassUnavailable:
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	case ClassRejected:
		return fmt.Errorf("%w: %w", ErrWriteRejected, err)
	default:
		return err
	}
}

// Class returns a metrics label for err.
func Class(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return ClassTimeout
	case errors.Is(err, ErrStoreUnavailable):
		return ClassUnavailable
	case errors.Is(err, ErrWriteRejected):
		return ClassRejected
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return classifySQLState(pgErr.Code)
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return ClassUnavailable
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return ClassTimeout
		}
		return ClassUnavailable
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) || errors.Is(err, context.Canceled) {
		return ClassUnavailable
	}
	return ClassUnknown
}

func classifySQLState(code string) string {
	switch {
	case code == "57014": // query_canceled, raised by statement_timeout
		return ClassTimeout
	case strings.HasPrefix(code, "08"), // connection exception
		strings.HasPrefix(code, "53"), // insufficient resources
		strings.HasPrefix(code, "57"), // operator intervention
		code == "40001", code == "40P01":
		return ClassUnavailable
	case strings.HasPrefix(code, "22"), // data exception
		strings.HasPrefix(code, "23"), // integrity constraint violation
		strings.HasPrefix(code, "42"): // syntax error or access rule violation
		return ClassRejected
	default:
		return ClassUnknown
	}
}
