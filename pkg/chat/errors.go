package chat

import "net/http"

// Error is a turn-pipeline failure that occurred before streaming started
// and can still be surfaced as a structured JSON response.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

func NewError(status int, message string) *Error {
	return &Error{Status: status, Message: message}
}

var (
	ErrPromptRequired        = NewError(http.StatusBadRequest, "prompt is required")
	ErrModelUnsupported      = NewError(http.StatusBadRequest, "model is not supported")
	ErrUserNotFound          = NewError(http.StatusNotFound, "user not found")
	ErrNoActiveProfile       = NewError(http.StatusNotFound, "no active profile")
	ErrInsufficientCredits   = NewError(http.StatusPaymentRequired, "you are out of credits, upgrade to premium")
	ErrConversationForbidden = NewError(http.StatusForbidden, "conversation does not exist or does not belong to you")
	ErrUpstreamUnavailable   = NewError(http.StatusBadGateway, "upstream provider unavailable")
)
