// Package channel defines the outbound messaging channel boundary. The
// engine consumes this interface; protocol clients implement it elsewhere.
package channel

import (
	"context"
	"time"
)

// Result is the provider acknowledgement for one sent message
type Result struct {
	ProviderID string
	Timestamp  time.Time
}

// AccountInfo is channel-account metadata the risk scorer consumes
type AccountInfo struct {
	AgeDays int
	Status  string // e.g. "active", "restricted", "banned"
}

// Client is one messaging channel (one sender account)
type Client interface {
	// Send delivers a message to a recipient address
	Send(ctx context.Context, recipient, body string) (*Result, error)

	// CheckRecipient reports whether the address can receive messages.
	// Errors mean "cannot determine"; callers should proceed rather than
	// stall the whole campaign on a lookup timeout.
	CheckRecipient(ctx context.Context, recipient string) (bool, error)

	// Healthy reports whether the channel connection is usable
	Healthy(ctx context.Context) error

	// Account returns metadata about the sending account
	Account(ctx context.Context) (*AccountInfo, error)
}
