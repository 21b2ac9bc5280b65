// Package journal defines the interface for forwarding archived messages to
// an external journaling endpoint.
package journal

import (
	"context"

	"github.com/mailshelf/mailshelf/internal/email"
)

// Forwarder relays a copy of an archived message. Forwarding happens after
// the message is safely stored; a forwarding failure never undoes or blocks
// the archive.
type Forwarder interface {
	// Forward relays one message to the journaling endpoint.
	Forward(ctx context.Context, msg *email.Message) error

	// Name returns the human-readable name of this forwarder.
	Name() string
}

// Noop discards every message. Used when journaling is disabled.
type Noop struct{}

func (Noop) Forward(context.Context, *email.Message) error { return nil }

func (Noop) Name() string { return "noop" }
