package source

import (
	"context"
	"database/sql/driver"
	"errors"
	"net"

	"github.com/go-sql-driver/mysql"
)

// Common errors returned by vendor source operations.
//
// These errors can be checked using errors.Is() for proper error handling:
//
//	if errors.Is(err, source.ErrAuthentication) {
//	    // credentials are wrong; retrying will not help
//	}
var (
	// ErrConnectTimeout is returned when the vendor handshake does not
	// complete within the configured connect timeout.
	ErrConnectTimeout = errors.New("vendor connection timed out")

	// ErrAuthentication is returned when the vendor rejects the configured
	// credentials. This is never retried.
	ErrAuthentication = errors.New("vendor authentication failed")

	// ErrSourceUnavailable wraps the last error after all retry attempts
	// against the vendor source have been exhausted.
	ErrSourceUnavailable = errors.New("vendor source unavailable")
)

// mysql error numbers that indicate rejected credentials rather than a
// transient connection problem.
const (
	mysqlErrAccessDenied   = 1045
	mysqlErrDBAccessDenied = 1044
)

// IsRetryable returns true if the error is likely to succeed on retry.
// Timeouts and dropped connections are transient; authentication failures
// and malformed data are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	// Fatal classes first: a timeout wrapping an auth error must not retry.
	if errors.Is(err, ErrAuthentication) {
		return false
	}

	if errors.Is(err, ErrConnectTimeout) {
		return true
	}

	// A connection the pool handed us that is already dead.
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, mysql.ErrInvalidConn) {
		return true
	}

	// Deadline on the attempt (command timeout), as opposed to the caller
	// cancelling the whole run.
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	// Network-level timeouts and resets.
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	return false
}

// IsFatal returns true if the error indicates a condition that no amount of
// retrying will fix and the run should abort immediately.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrAuthentication)
}

// classifyConnError maps a raw driver error from connection establishment
// onto the package taxonomy. Unrecognized errors pass through unchanged.
func classifyConnError(err error) error {
	if err == nil {
		return nil
	}

	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		switch mysqlErr.Number {
		case mysqlErrAccessDenied, mysqlErrDBAccessDenied:
			return errors.Join(ErrAuthentication, err)
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return errors.Join(ErrConnectTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return errors.Join(ErrConnectTimeout, err)
	}

	return err
}
