// Package errdefs defines the error taxonomy for the deployment controller.
// lower-level components wrap their failures with exactly one of the sentinel
// errors below; the top-level pipeline decides whether to retry, escalate to
// rollback, or terminate based solely on that bucket, never on ad hoc string
// matching of messages.
package errdefs

import (
	"errors"
	"fmt"
)

// ErrValidation is a pre-flight failure: always fatal immediately, never retried.
var ErrValidation = errors.New("validation failure")

// ErrTransient is a temporary infrastructure condition (registry push failure,
// API throttling) that is retried with bounded exponential backoff. exhaustion
// escalates to ErrConvergenceTimeout handling at the pipeline level.
var ErrTransient = errors.New("transient infrastructure failure")

// ErrIntegrity signals corruption rather than unavailability, e.g. a digest
// mismatch after a successful push. never retried, always fatal.
var ErrIntegrity = errors.New("integrity failure")

// ErrConvergenceTimeout means an apply, rollout, or verification exceeded its
// deadline. this is a normal, expected failure outcome: it triggers rollback
// when services were touched, or immediate failure when they were not.
var ErrConvergenceTimeout = errors.New("convergence timeout")

// ErrRollbackImpossible means no stable predecessor exists for a service.
// fatal and non-retryable; requires operator intervention. distinct from
// ordinary failure so operators can tell "nothing to revert to" apart from
// "reverting failed".
var ErrRollbackImpossible = errors.New("rollback impossible: no stable predecessor")

// ErrRollbackFailed means the reversion itself failed verification. terminal
// and the most severe outcome: the environment is neither on the new version
// nor confirmed healthy on the old one. no second-order rollback is attempted.
var ErrRollbackFailed = errors.New("rollback failed")

// Wrap helpers. each returns nil for nil and avoids double-wrapping so that
// errors.Is finds exactly one bucket on any error chain.

func WrapValidation(err error) error         { return wrap(ErrValidation, err) }
func WrapTransient(err error) error          { return wrap(ErrTransient, err) }
func WrapIntegrity(err error) error          { return wrap(ErrIntegrity, err) }
func WrapConvergenceTimeout(err error) error { return wrap(ErrConvergenceTimeout, err) }
func WrapRollbackImpossible(err error) error { return wrap(ErrRollbackImpossible, err) }
func WrapRollbackFailed(err error) error     { return wrap(ErrRollbackFailed, err) }

func wrap(sentinel, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sentinel) {
		return err
	}
	return fmt.Errorf("%w: %w", sentinel, err)
}

// Predicates for the pipeline's branch points.

func IsValidation(err error) bool         { return errors.Is(err, ErrValidation) }
func IsTransient(err error) bool          { return errors.Is(err, ErrTransient) }
func IsIntegrity(err error) bool          { return errors.Is(err, ErrIntegrity) }
func IsConvergenceTimeout(err error) bool { return errors.Is(err, ErrConvergenceTimeout) }
func IsRollbackImpossible(err error) bool { return errors.Is(err, ErrRollbackImpossible) }
func IsRollbackFailed(err error) bool     { return errors.Is(err, ErrRollbackFailed) }

// Bucket returns the short taxonomy name for an error, used in terminal
// failure summaries and audit records. unclassified errors report "internal".
func Bucket(err error) string {
	switch {
	case err == nil:
		return ""
	case IsValidation(err):
		return "validation"
	case IsIntegrity(err):
		return "integrity"
	case IsRollbackImpossible(err):
		return "rollback-impossible"
	case IsRollbackFailed(err):
		return "rollback-failed"
	case IsConvergenceTimeout(err):
		return "convergence-timeout"
	case IsTransient(err):
		return "transient"
	default:
		return "internal"
	}
}

// Process exit codes. 0 is success. 1 covers every failure that either
// completed a rollback or had no rollback to attempt. 2 is reserved for the
// two outcomes that leave the environment needing an operator: rollback
// impossible and rollback failed.
const (
	ExitOK             = 0
	ExitFailure        = 1
	ExitRollbackBroken = 2
)

// ExitCode maps an error chain to the process exit code for the CLI.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case IsRollbackImpossible(err), IsRollbackFailed(err):
		return ExitRollbackBroken
	default:
		return ExitFailure
	}
}
