// Package handler routes inbound email messages into the content repository.
package handler

import (
	"context"
	"fmt"

	"github.com/mailshelf/mailshelf/internal/email"
	"github.com/mailshelf/mailshelf/internal/repo"
)

// MessageHandler processes one inbound message against a target node.
type MessageHandler interface {
	// ProcessMessage archives the message at the target node. Implementations
	// return a MismatchError when the target's type is outside their remit.
	ProcessMessage(ctx context.Context, target repo.NodeRef, msg *email.Message) error
}

// MismatchError reports delivery to a node whose type the selected handler
// does not support. It is a permanent failure.
type MismatchError struct {
	Node     repo.NodeRef
	NodeType repo.QName
	Want     repo.QName
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("handler does not support node %s: type is %s, want a subtype of %s",
		e.Node, e.NodeType, e.Want)
}

// MessageError is a permanent processing failure whose localized text is safe
// to report back to the submitting client.
type MessageError struct {
	Key     string
	Message string
	Err     error
}

func (e *MessageError) Error() string { return e.Message }

func (e *MessageError) Unwrap() error { return e.Err }
