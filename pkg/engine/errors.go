package engine

// Code is a domain error code from the taxonomy. Values are stable wire
// strings so they survive the RPC boundary unchanged.
type Code string

const (
	// Domain, user-actionable.
	ErrTableNotFound     Code = "TABLE_NOT_FOUND"
	ErrSeatNotAvailable  Code = "SEAT_NOT_AVAILABLE"
	ErrAlreadySeated     Code = "ALREADY_SEATED"
	ErrInsufficientFunds Code = "INSUFFICIENT_BALANCE"
	ErrNoHandInProgress  Code = "NO_HAND_IN_PROGRESS"
	ErrPlayerNotAtTable  Code = "PLAYER_NOT_AT_TABLE"
	ErrInvalidAction     Code = "INVALID_ACTION"
	ErrIllegalAction     Code = "ILLEGAL_ACTION"
	ErrMissingAmount     Code = "MISSING_AMOUNT"
	ErrAmountTooSmall    Code = "AMOUNT_TOO_SMALL"
	ErrAmountTooLarge    Code = "AMOUNT_TOO_LARGE"
	ErrHandComplete      Code = "HAND_COMPLETE"
	ErrSeatInactive      Code = "SEAT_INACTIVE"
	ErrNotAuthorized     Code = "NOT_AUTHORIZED"
	ErrNotYourTurn       Code = "NOT_YOUR_TURN"
	ErrSeatMissing       Code = "SEAT_MISSING"
	ErrNoHand            Code = "NO_HAND"

	// Transient.
	ErrIdempotencyInProgress Code = "IDEMPOTENCY_IN_PROGRESS"

	// Consistency.
	ErrTableLost Code = "TABLE_LOST"
	ErrSeatLost  Code = "SEAT_LOST"

	// Fatal.
	ErrInternal Code = "INTERNAL"
)

// Error wraps a domain Code with a human message.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string { return string(e.Code) + ": " + e.Message }

// NewError builds a domain Error.
func NewError(code Code, msg string) *Error { return &Error{Code: code, Message: msg} }

// CodeOf extracts the Code from err, defaulting to ErrInternal for any error
// that isn't one of ours.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	if e, ok := err.(*Error); ok {
		return e.Code
	}
	return ErrInternal
}
