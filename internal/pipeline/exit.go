package pipeline

import (
	"errors"

	"promoledger/internal/audit"
	"promoledger/internal/lock"
)

// Process exit codes. The outer batch loop branches on these to decide
// whether to proceed, retry, or page an operator.
const (
	ExitOK         = 0
	ExitFailure    = 1 // unclassified infrastructure failure
	ExitUsage      = 2 // invalid arguments or missing required files
	ExitLocked     = 3 // concurrent run detected
	ExitInvariant  = 4 // identity or invariant violation
	ExitDuplicates = 5 // duplicate keys detected post-run
)

// ErrInvalidArgs marks argument and missing-required-file failures so they
// map to ExitUsage. Wrap it with context.
var ErrInvalidArgs = errors.New("invalid arguments")

// ExitCode maps an error to the process exit code contract.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	if errors.Is(err, ErrInvalidArgs) {
		return ExitUsage
	}
	if errors.Is(err, lock.ErrHeld) {
		return ExitLocked
	}

	var identity *audit.IdentityError
	var stale *audit.StaleCheckpointError
	var misfiled *audit.MisfiledRecordsError
	if errors.As(err, &identity) || errors.As(err, &stale) || errors.As(err, &misfiled) {
		return ExitInvariant
	}
	var dup *audit.DuplicateKeysError
	if errors.As(err, &dup) {
		return ExitDuplicates
	}
	return ExitFailure
}
