package shared

import "errors"

// Store errors shared between the persistence layer and its callers.
var (
	ErrMessageNotFound  = errors.New("message not found")
	ErrMessageDelivered = errors.New("message already delivered")
	ErrUserNotFound     = errors.New("user not found")
)
