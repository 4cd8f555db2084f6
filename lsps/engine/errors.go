package engine

import (
	"errors"
	"fmt"
)

// ErrOrderNotFound is returned when an order uuid is unknown.
var ErrOrderNotFound = errors.New("order not found")

// ValidationError rejects a malformed request before any state is created.
type ValidationError struct {
	Property string
	Message  string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Property, e.Message)
}

// OptionMismatchError rejects a request whose parameters fall outside the
// advertised server options. Property names the violated option.
type OptionMismatchError struct {
	Property string
	Message  string
}

func (e *OptionMismatchError) Error() string {
	return fmt.Sprintf("option mismatch on %s: %s", e.Property, e.Message)
}
