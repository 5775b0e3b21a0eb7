package pgutils

import (
	"strings"
)

// PostgreSQL error codes
// See: https://www.postgresql.org/docs/current/errcodes-appendix.html
const (
	// Class 23 — Integrity Constraint Violation
	CodeUniqueViolation = "23505"

	// Class 40 — Transaction Rollback
	CodeSerializationFailure = "40001"
	CodeDeadlockDetected     = "40P01"

	// Class 42 — Syntax Error or Access Rule Violation
	CodeDuplicateTable  = "42P07"
	CodeDuplicateObject = "42710"
)

// IsUniqueViolation checks if the error is a PostgreSQL unique constraint violation (23505).
// Concurrent CREATE TABLE IF NOT EXISTS can surface as a unique violation on
// pg_type, so setup paths treat it as "already created".
func IsUniqueViolation(err error) bool {
	return containsErrorCode(err, CodeUniqueViolation)
}

// IsDuplicateTable checks if the error is a duplicate table error (42P07).
func IsDuplicateTable(err error) bool {
	return containsErrorCode(err, CodeDuplicateTable)
}

// IsDuplicateObject checks if the error is a duplicate object error (42710),
// raised when two sessions race to create the same trigger or function.
func IsDuplicateObject(err error) bool {
	return containsErrorCode(err, CodeDuplicateObject)
}

// IsRetryableTxError checks if the error is a transient transaction failure
// (serialization failure 40001 or deadlock 40P01) that a caller may retry.
func IsRetryableTxError(err error) bool {
	return containsErrorCode(err, CodeSerializationFailure) ||
		containsErrorCode(err, CodeDeadlockDetected)
}

// IsSetupRace checks if the error comes from two connections provisioning the
// same queue table concurrently. The loser can treat the operation as done.
func IsSetupRace(err error) bool {
	return IsUniqueViolation(err) || IsDuplicateTable(err) || IsDuplicateObject(err)
}

// containsErrorCode checks if the error message contains a PostgreSQL error code.
func containsErrorCode(err error, code string) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return len(errStr) > 0 && (strings.Contains(errStr, code) || strings.Contains(errStr, "SQLSTATE "+code))
}
