package repository

import (
	"database/sql/driver"
	"errors"
	"net"

	"github.com/lib/pq"
)

// Postgres error classes and codes relevant to the write path.
const (
	pqForeignKeyViolation        = "23503"
	pqClassConnectionException   = "08"
	pqClassInsufficientResources = "53"
	pqClassOperatorIntervention  = "57"
)

// IsForeignKeyViolation reports an insert that referenced a device row that
// does not exist yet (a race with registration). The writer resolves it with
// one register-and-retry cycle.
func IsForeignKeyViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == pqForeignKeyViolation
	}
	return false
}

// IsTransient reports storage failures worth retrying with backoff:
// connection loss, resource exhaustion, server shutdown and network errors.
func IsTransient(err error) bool {
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case pqClassConnectionException, pqClassInsufficientResources, pqClassOperatorIntervention:
			return true
		}
	}

	return false
}
