package domain

import "errors"

// ──────────────────────────────────────────────────────────────────────────────
// Sentinel errors — compare with errors.Is(). Every kind enumerated in the
// error handling design is a distinct sentinel so the API layer can map it to
// a wire error kind without a type switch at every call site.
// ──────────────────────────────────────────────────────────────────────────────

// Game-rule rejections — never mutate state.
var (
	ErrNotInBettingPhase = errors.New("NOT_IN_BETTING_PHASE")
	ErrNotInRunningPhase = errors.New("NOT_IN_RUNNING_PHASE")
	ErrDuplicateBet      = errors.New("DUPLICATE_BET")
	ErrCashoutTooLate    = errors.New("CASHOUT_TOO_LATE")
	ErrNoActiveBet       = errors.New("NO_ACTIVE_BET")
	ErrCooldownActive    = errors.New("COOLDOWN_ACTIVE")
)

// Validation failures — never mutate state.
var ErrInvalidInput = errors.New("INVALID_INPUT")

// Ledger / admission errors.
var (
	ErrInsufficientFunds  = errors.New("INSUFFICIENT_FUNDS")
	ErrSolvencyRejected   = errors.New("SOLVENCY_REJECTED")
	ErrInvariantViolation = errors.New("INVARIANT_VIOLATION")
)

// Concurrency / timeout.
var (
	ErrContention = errors.New("CONTENTION")
	ErrTimeout    = errors.New("TIMEOUT")
)

// Chain / payout.
var (
	ErrChainUnavailable = errors.New("CHAIN_UNAVAILABLE")
	ErrPayoutFailed     = errors.New("PAYOUT_FAILED")
)

// ErrAccountNotFound signals no Account row exists yet for a user.
var ErrAccountNotFound = errors.New("account not found")

// InvalidInputError wraps ErrInvalidInput with the offending field name, so
// callers can render {error: "INVALID_INPUT", field: "..."} without string
// parsing.
type InvalidInputError struct {
	Field string
}

func (e *InvalidInputError) Error() string {
	return "INVALID_INPUT: " + e.Field
}

func (e *InvalidInputError) Unwrap() error {
	return ErrInvalidInput
}

// NewInvalidInput constructs an InvalidInputError for the given field.
func NewInvalidInput(field string) error {
	return &InvalidInputError{Field: field}
}

// ruleRejections are returned to the requester as structured errors and never
// trigger retries or mutate state.
var ruleRejections = []error{
	ErrNotInBettingPhase,
	ErrNotInRunningPhase,
	ErrDuplicateBet,
	ErrCashoutTooLate,
	ErrNoActiveBet,
	ErrCooldownActive,
	ErrInvalidInput,
	ErrInsufficientFunds,
	ErrSolvencyRejected,
}

// IsRuleRejection reports whether err (or any error in its chain) is a
// game-rule or validation rejection that never mutated state.
func IsRuleRejection(err error) bool {
	for _, target := range ruleRejections {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// infraErrors are retried with bounded backoff inside their owning
// component; only surfaced to callers after retries are exhausted.
var infraErrors = []error{
	ErrContention,
	ErrTimeout,
	ErrChainUnavailable,
}

// IsInfraError reports whether err represents an infrastructure condition
// (DB contention, timeout, chain unavailability) rather than a rule
// rejection.
func IsInfraError(err error) bool {
	for _, target := range infraErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// Kind maps a domain error to its wire-level error kind string, falling back
// to "INTERNAL" for anything unrecognized.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidInput):
		return "INVALID_INPUT"
	case errors.Is(err, ErrNotInBettingPhase):
		return "NOT_IN_BETTING_PHASE"
	case errors.Is(err, ErrNotInRunningPhase):
		return "NOT_IN_RUNNING_PHASE"
	case errors.Is(err, ErrDuplicateBet):
		return "DUPLICATE_BET"
	case errors.Is(err, ErrCashoutTooLate):
		return "CASHOUT_TOO_LATE"
	case errors.Is(err, ErrNoActiveBet):
		return "NO_ACTIVE_BET"
	case errors.Is(err, ErrCooldownActive):
		return "COOLDOWN_ACTIVE"
	case errors.Is(err, ErrInsufficientFunds):
		return "INSUFFICIENT_FUNDS"
	case errors.Is(err, ErrSolvencyRejected):
		return "SOLVENCY_REJECTED"
	case errors.Is(err, ErrContention):
		return "CONTENTION"
	case errors.Is(err, ErrTimeout):
		return "TIMEOUT"
	case errors.Is(err, ErrInvariantViolation):
		return "INVARIANT_VIOLATION"
	case errors.Is(err, ErrChainUnavailable):
		return "CHAIN_UNAVAILABLE"
	case errors.Is(err, ErrPayoutFailed):
		return "PAYOUT_FAILED"
	default:
		return "INTERNAL"
	}
}
