// Package delivery routes accepted messages to their target folder and
// message handler, and hands archived messages to the journal.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mailshelf/mailshelf/internal/email"
	"github.com/mailshelf/mailshelf/internal/handler"
	"github.com/mailshelf/mailshelf/internal/journal"
	"github.com/mailshelf/mailshelf/internal/repo"
)

// UnknownRecipientError reports an envelope recipient that does not resolve
// to a folder. It is a permanent failure.
type UnknownRecipientError struct {
	Recipient string
}

func (e *UnknownRecipientError) Error() string {
	return fmt.Sprintf("no folder for recipient %q", e.Recipient)
}

// NoHandlerError reports a target node type without a registered message
// handler. It is a permanent failure.
type NoHandlerError struct {
	NodeType repo.QName
}

func (e *NoHandlerError) Error() string {
	return fmt.Sprintf("no message handler for node type %s", e.NodeType)
}

// Permanent reports whether a delivery failure is permanent: redelivering
// the same message cannot succeed, so the client should not retry.
func Permanent(err error) bool {
	var (
		unknownRecipient *UnknownRecipientError
		noHandler        *NoHandlerError
		mismatch         *handler.MismatchError
		message          *handler.MessageError
	)
	return errors.As(err, &unknownRecipient) ||
		errors.As(err, &noHandler) ||
		errors.As(err, &mismatch) ||
		errors.As(err, &message)
}

// Config carries the delivery settings.
type Config struct {
	// AutoCreateFolders creates missing path segments as folders instead of
	// rejecting the recipient.
	AutoCreateFolders bool

	// DefaultFolder is a dot-separated catch-all path for recipients that do
	// not resolve to a folder. Empty disables the fallback.
	DefaultFolder string
}

// Service maps envelope recipients to repository folders and dispatches
// messages to the handler registered for the target's node type.
type Service struct {
	nodes     repo.NodeService
	dict      *repo.Dictionary
	root      repo.NodeRef
	cfg       Config
	handlers  map[repo.QName]handler.MessageHandler
	forwarder journal.Forwarder
}

// New returns a delivery service rooted at the given folder. Handlers and the
// journal forwarder are registered before serving starts.
func New(nodes repo.NodeService, dict *repo.Dictionary, root repo.NodeRef, cfg Config) *Service {
	return &Service{
		nodes:    nodes,
		dict:     dict,
		root:     root,
		cfg:      cfg,
		handlers: make(map[repo.QName]handler.MessageHandler),
	}
}

// RegisterHandler binds a message handler to a node type. Delivery picks the
// handler of the target's exact type, or of the nearest ancestor type with a
// registered handler.
func (s *Service) RegisterHandler(nodeType repo.QName, h handler.MessageHandler) {
	s.handlers[nodeType] = h
}

// SetForwarder installs the journal forwarder invoked after each successful
// archive.
func (s *Service) SetForwarder(f journal.Forwarder) {
	s.forwarder = f
}

// Deliver archives the message for one envelope recipient.
func (s *Service) Deliver(ctx context.Context, recipient string, msg *email.Message) error {
	target, err := s.resolveTarget(ctx, recipient)
	if err != nil {
		return err
	}

	h, err := s.handlerFor(ctx, target)
	if err != nil {
		return err
	}

	if err := h.ProcessMessage(ctx, target, msg); err != nil {
		return err
	}

	if s.forwarder != nil {
		// The archive already succeeded; journaling failures are logged only.
		if err := s.forwarder.Forward(ctx, msg); err != nil {
			slog.Warn("journal forwarding failed",
				"forwarder", s.forwarder.Name(),
				"recipient", recipient,
				"error", err,
			)
		}
	}

	slog.Info("message delivered",
		"recipient", recipient,
		"target", target.String(),
		"subject", msg.Subject,
	)
	return nil
}

// resolveTarget maps the recipient's local part to a folder path below the
// root, one segment per dot. Recipients that do not resolve fall through to
// the configured default folder.
func (s *Service) resolveTarget(ctx context.Context, recipient string) (repo.NodeRef, error) {
	local := recipient
	if at := strings.Index(recipient, "@"); at >= 0 {
		local = recipient[:at]
	}
	local = strings.TrimSpace(local)

	if local != "" {
		target, found, err := s.resolvePath(ctx, local, s.cfg.AutoCreateFolders)
		if err != nil {
			return repo.NodeRef{}, err
		}
		if found {
			return target, nil
		}
	}

	if s.cfg.DefaultFolder != "" {
		// The catch-all was configured explicitly, so create it on demand.
		target, found, err := s.resolvePath(ctx, s.cfg.DefaultFolder, true)
		if err != nil {
			return repo.NodeRef{}, err
		}
		if found {
			slog.Info("recipient routed to default folder",
				"recipient", recipient,
				"folder", s.cfg.DefaultFolder,
			)
			return target, nil
		}
	}

	return repo.NodeRef{}, &UnknownRecipientError{Recipient: recipient}
}

// resolvePath walks a dot-separated folder path below the root. The second
// return value reports whether the full path exists.
func (s *Service) resolvePath(ctx context.Context, path string, autoCreate bool) (repo.NodeRef, bool, error) {
	current := s.root
	for _, segment := range strings.Split(path, ".") {
		if segment == "" {
			return repo.NodeRef{}, false, nil
		}

		child, err := s.nodes.GetChildByName(ctx, current, repo.AssocContains, segment)
		if err != nil {
			return repo.NodeRef{}, false, fmt.Errorf("failed to resolve folder %q: %w", segment, err)
		}
		if child.IsZero() {
			if !autoCreate {
				return repo.NodeRef{}, false, nil
			}
			child, err = s.nodes.CreateNode(ctx, current, repo.AssocContains, segment, repo.TypeFolder, nil)
			if err != nil {
				return repo.NodeRef{}, false, fmt.Errorf("failed to create folder %q: %w", segment, err)
			}
			slog.Info("created folder for recipient",
				"folder", segment,
				"node", child.String(),
			)
		}
		current = child
	}
	return current, true, nil
}

// handlerFor finds the handler registered for the target's type, walking up
// the type hierarchy when the exact type has none.
func (s *Service) handlerFor(ctx context.Context, target repo.NodeRef) (handler.MessageHandler, error) {
	nodeType, err := s.nodes.GetType(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve type of %s: %w", target, err)
	}

	for cur, ok := nodeType, true; ok; cur, ok = s.dict.Parent(cur) {
		if h, found := s.handlers[cur]; found {
			return h, nil
		}
	}
	return nil, &NoHandlerError{NodeType: nodeType}
}
