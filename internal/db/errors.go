package db

import (
	"context"
	"database/sql/driver"
	"errors"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrUnavailable marks transient connectivity/timeout failures so
// callers can respond with a retryable condition instead of a generic
// failure. Raw driver causes stay wrapped underneath.
var ErrUnavailable = errors.New("storage unavailable")

// Unavailable wraps err as a storage-unavailable condition when it looks
// transient, and returns it unchanged otherwise.
func Unavailable(err error) error {
	if err == nil {
		return nil
	}
	if IsUnavailable(err) && !errors.Is(err, ErrUnavailable) {
		return errors.Join(ErrUnavailable, err)
	}
	return err
}

// IsUnavailable classifies connectivity and timeout errors. Postgres
// class 08 (connection exceptions) and 57P01..57P03 (server shutdown)
// are transient; so are net errors, bad pooled connections, and context
// deadlines from driver-level timeouts.
func IsUnavailable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnavailable) {
		return true
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if strings.HasPrefix(pgErr.Code, "08") {
			return true
		}
		switch pgErr.Code {
		case "57P01", "57P02", "57P03":
			return true
		}
	}
	if pgconn.Timeout(err) {
		return true
	}
	return false
}
