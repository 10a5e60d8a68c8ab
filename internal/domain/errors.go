package domain

import "errors"

var (
	ErrNotFound       = errors.New("not found")
	ErrAlreadyExists  = errors.New("already exists")
	ErrRateLimited    = errors.New("rate limited")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrLockHeld       = errors.New("lock already held")
	ErrInvalidRequest = errors.New("invalid request")
	ErrInvalidSymbol  = errors.New("invalid symbol")

	// Venue-level failures. These are absorbed during a scan.
	ErrVenueUnavailable      = errors.New("venue unavailable")
	ErrSymbolUnsupported     = errors.New("symbol unsupported")
	ErrInsufficientQuotes    = errors.New("insufficient quotes")
	ErrCapabilityUnsupported = errors.New("capability unsupported")

	// Settlement failures. These always end in an aborted SettlementState.
	ErrStepFailed               = errors.New("settlement step failed")
	ErrDepositNotObserved       = errors.New("deposit not observed")
	ErrWithdrawalNotWhitelisted = errors.New("withdrawal not whitelisted")
	ErrSettlementTerminal       = errors.New("settlement already terminal")
	ErrStepOutOfOrder           = errors.New("settlement step out of order")
	ErrDuplicateExecution       = errors.New("duplicate execution")
)
