package protocol

// Error codes surfaced to operators by the control surface.
const (
	ErrInvalidRequest     = "INVALID_REQUEST"
	ErrUnavailable        = "UNAVAILABLE"
	ErrNotLinked          = "NOT_LINKED"
	ErrNotFound           = "NOT_FOUND"
	ErrFailedPrecondition = "FAILED_PRECONDITION"
	ErrUnverifiedNumber   = "UNVERIFIED_NUMBER"
	ErrInternal           = "INTERNAL"
)
