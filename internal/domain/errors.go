package domain

import (
	"fmt"
	"strings"
)

// InputValidationError reports a malformed or missing request field.
// It is always raised locally and never forwarded to the ledger.
type InputValidationError struct {
	Field  string
	Reason string
}

func (e InputValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func Invalid(field, format string, args ...any) error {
	return InputValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// ArtifactMissingError lists every required circuit file that could not be found.
type ArtifactMissingError struct {
	Paths []string
}

func (e ArtifactMissingError) Error() string {
	return "Missing files: " + strings.Join(e.Paths, ", ")
}

// ProverExecutionError wraps a failure of the proving routine.
type ProverExecutionError struct {
	Err       error
	Retryable bool
}

func (e ProverExecutionError) Error() string {
	return fmt.Sprintf("prover failed: %v", e.Err)
}

func (e ProverExecutionError) Unwrap() error { return e.Err }

// PreconditionNotMetError is returned when a guarded action is not yet legal.
type PreconditionNotMetError struct {
	Condition string
	Reason    string
}

func (e PreconditionNotMetError) Error() string {
	return e.Reason
}

// WorkerBannedError stops an Apply for a commitment the job has banned.
type WorkerBannedError struct {
	JobID      uint64
	Commitment string
}

func (e WorkerBannedError) Error() string {
	return "worker banned"
}

// LedgerQueryError means the ledger state is unknown.
type LedgerQueryError struct {
	Function string
	Err      error
}

func (e LedgerQueryError) Error() string {
	return fmt.Sprintf("ledger query %s failed: %v", e.Function, e.Err)
}

func (e LedgerQueryError) Unwrap() error { return e.Err }
