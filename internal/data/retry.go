package data

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/jackc/pgconn"
)

// IsConnectionError reports whether err is a connectivity failure rather
// than a statement-level one. Once a session exists Postgres reports these
// with SQLSTATE class 08 or a 57P0x shutdown code. Failures before that
// point (pool checkout dial, TLS setup) and mid-stream drops during a COPY
// never carry a SQLSTATE; they surface as net errors or as plain errors
// from the driver's read loop, so those paths are matched structurally
// first and by message fragment as a last resort.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		code := pgErr.Code
		// Class 08 is connection_exception; 57P01..57P03 are the server
		// shutdown / cannot-connect-now codes.
		return strings.HasPrefix(code, "08") ||
			code == "57P01" ||
			code == "57P02" ||
			code == "57P03"
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	// What the pgx dial and read paths actually emit when the server goes
	// away without a wire-level error code.
	errStr := strings.ToLower(err.Error())
	for _, fragment := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"unexpected eof",
		"i/o timeout",
		"server closed the connection",
	} {
		if strings.Contains(errStr, fragment) {
			return true
		}
	}
	return false
}

// IsDeadlock reports a serialization/deadlock failure that is safe to retry.
func IsDeadlock(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// 40001 serialization_failure, 40P01 deadlock_detected
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}

// IsUniqueViolation reports a natural-key conflict (23505). The loaders run
// ON CONFLICT DO NOTHING so this only surfaces from paths that bypass them.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

// IsTransientDBError is the storage-side retry predicate: connection drops
// and deadlocks retry, constraint and syntax errors do not.
func IsTransientDBError(err error) bool {
	if err == nil {
		return false
	}
	if IsUniqueViolation(err) {
		return false
	}
	return IsConnectionError(err) || IsDeadlock(err)
}
