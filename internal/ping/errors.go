package ping

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidGroup is returned by Send for a group that is not registered.
	ErrInvalidGroup = errors.New("ping: invalid group")
	// ErrBadLogin covers every rejected login; the cause is only logged.
	ErrBadLogin = errors.New("ping: bad login")
	// ErrDeliveryFailed matches every *DeliveryError.
	ErrDeliveryFailed = errors.New("ping: delivery failed")
	// ErrInvariant marks internal state that should be impossible, such as a
	// session group without a topic entry.
	ErrInvariant = errors.New("ping: invariant violated")
)

// DeliveryError reports a provider failure while sending to a group.
type DeliveryError struct {
	Group string
	Err   error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("ping: delivery to %q failed: %v", e.Group, e.Err)
}

func (e *DeliveryError) Unwrap() []error { return []error{ErrDeliveryFailed, e.Err} }

// Reason is the provider-facing cause, for user-visible "failed: <reason>" replies.
func (e *DeliveryError) Reason() string {
	if e.Err == nil {
		return "unknown"
	}
	return e.Err.Error()
}
