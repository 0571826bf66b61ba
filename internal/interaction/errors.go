package interaction

import (
	"errors"
	"fmt"

	"cordrest/internal/entity"
)

var (
	// ErrVerification is reported when an inbound request's signature does
	// not match its body and timestamp.
	ErrVerification = errors.New("interaction signature verification failed")

	// ErrAlreadyResponded is reported when a streaming listener yields more
	// than once.
	ErrAlreadyResponded = errors.New("interaction already responded to")

	// ErrShutdownTimeout is returned by Close when background listeners were
	// still running after the shutdown timeout.
	ErrShutdownTimeout = errors.New("interaction listeners still running after shutdown timeout")
)

// ConfigurationError is a programming error in how the dispatcher was set
// up, such as registering two listeners for one type without replace.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "interaction configuration: " + e.Reason
}

// DispatchError wraps a listener failure or an invalid listener result.
type DispatchError struct {
	Type entity.InteractionType
	Err  error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch %s interaction: %v", e.Type, e.Err)
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}

// PanicError carries a value recovered from a panicking listener.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("listener panicked: %v", e.Value)
}
