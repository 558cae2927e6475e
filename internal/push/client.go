package push

import (
	"context"
	"errors"
	"fmt"
)

// Client manages channel memberships and sends messages through the provider.
// Membership calls are idempotent: adding a present member or removing an
// absent one succeeds.
type Client interface {
	AddMembers(ctx context.Context, deviceIDs []string, channel string) error
	RemoveMembers(ctx context.Context, deviceIDs []string, channel string) error
	ListChannels(ctx context.Context, deviceID string) ([]string, error)
	Send(ctx context.Context, msg Message) error
}

// Message is one broadcast to a channel.
type Message struct {
	Channel string
	Data    map[string]string
	// HighPriority asks the provider to wake the device.
	HighPriority bool
}

var (
	// ErrEmptyChannel is returned for calls naming no channel.
	ErrEmptyChannel = errors.New("push: empty channel")
	// ErrEmptyDevice is returned by ListChannels for a blank device id.
	ErrEmptyDevice = errors.New("push: empty device id")
)

// ProviderError is a failure reported by the provider itself (non-2xx
// status or an error field in the response body).
type ProviderError struct {
	Op     string
	Status int
	Reason string
}

func (e *ProviderError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("push %s: status %d: %s", e.Op, e.Status, e.Reason)
	}
	return fmt.Sprintf("push %s: %s", e.Op, e.Reason)
}
