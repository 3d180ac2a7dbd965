package apperrors

import "errors"

// Standardized broker errors
var (
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrOrderRejected         = errors.New("order rejected")
	ErrRateLimitExceeded     = errors.New("rate limit exceeded")
	ErrNetwork               = errors.New("network error")
	ErrInvalidSymbol         = errors.New("invalid symbol")
	ErrOrderNotFound         = errors.New("order not found")
	ErrDuplicateOrder        = errors.New("duplicate order")
	ErrInvalidOrderParameter = errors.New("invalid order parameter")
)

// Execution and settlement errors
var (
	ErrStaleQuote      = errors.New("no fresh quote available")
	ErrFillWaitTimeout = errors.New("fill wait timed out")
	ErrPlanUnknown     = errors.New("plan not initialized in settlement store")
	ErrGateBlocked     = errors.New("phase gate blocked: failed sell value above threshold")
)
