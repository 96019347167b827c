package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"calltrack/internal/calls"
)

// classify wraps connectivity and capacity failures in
// calls.ErrStorageUnavailable. Constraint and syntax errors pass through.
func classify(err error) error {
	if err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, calls.ErrStorageUnavailable) {
		return err
	}
	if Unavailable(err) {
		return fmt.Errorf("%w: %w", calls.ErrStorageUnavailable, err)
	}
	return err
}

// Unavailable reports whether err is a transient storage failure worth retrying.
func Unavailable(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "08"): // connection exception
			return true
		case strings.HasPrefix(pgErr.Code, "53"): // insufficient resources
			return true
		case strings.HasPrefix(pgErr.Code, "57P0"): // admin/crash shutdown, cannot connect now
			return true
		case pgErr.Code == "40001", pgErr.Code == "40P01":
			return true
		}
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return pgconn.Timeout(err) || pgconn.SafeToRetry(err)
}
