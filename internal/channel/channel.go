// Package channel defines the interface that platform-specific channel
// implementations must satisfy, plus the typed delivery errors the retry
// policy classifies on.
package channel

import (
	"context"
	"time"
)

// Role values for conversation turns.
const (
	RoleInbound  = "inbound"
	RoleOutbound = "outbound"
)

// Channel is the per-platform implementation the pipeline depends on. One
// implementation exists per channel (avito, telegram, webchat); the pipeline
// core never touches a channel's concrete payload shape.
type Channel interface {
	// Name returns the channel tag used in conversation keys and routes.
	Name() string

	// VerifySignature reports whether the raw webhook body carries a valid
	// signature for this channel. It is a pure function over its inputs:
	// no I/O, never panics, and malformed input is simply invalid.
	VerifySignature(body []byte, signature string) bool

	// ParseInbound extracts an InboundEvent from a raw webhook body.
	// A nil event with nil error means the payload is valid but carries
	// nothing to reply to (read receipts, unsupported message types).
	ParseInbound(body []byte) (*InboundEvent, error)

	// Deliver sends a reply to the channel's outbound API. Failures are
	// classified via DeliveryError so the caller can decide on retry.
	Deliver(ctx context.Context, externalChatID, text string) error
}

// InboundEvent is a validated inbound message awaiting processing. It is
// transient: created at the webhook boundary, consumed by one worker.
type InboundEvent struct {
	Channel        string
	ExternalChatID string
	DisplayName    string
	Text           string
	ReceivedAt     time.Time
}
