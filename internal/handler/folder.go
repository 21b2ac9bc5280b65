package handler

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mailshelf/mailshelf/internal/email"
	"github.com/mailshelf/mailshelf/internal/i18n"
	"github.com/mailshelf/mailshelf/internal/repo"
)

// subjectTimeLayout stamps messages without a subject with the receive time.
// The clock field is 12-hour.
const subjectTimeLayout = "02-01-2006-03-04-05"

// copiedMetadata lists the extracted mail properties that may be mirrored
// onto attachment nodes. Only properties in the email-metadata namespace
// qualify.
var copiedMetadata = map[string]bool{
	"sentdate":   true,
	"originator": true,
	"addressee":  true,
	"addressees": true,
	"subject":    true,
}

// FolderConfig carries the handler-level attachment policy. Individual
// folders may override the first three settings through their policy
// properties; metadata copying is handler-wide.
type FolderConfig struct {
	ExtractAttachments          bool
	AttachmentsAsDirectChildren bool
	OverwriteDuplicates         bool
	CopyMetadataToAttachments   bool
}

// FolderServices bundles the repository services the folder handler depends on.
type FolderServices struct {
	Nodes      repo.NodeService
	Dictionary repo.DictionaryService
	Content    repo.ContentService
	Mimetypes  repo.MimetypeService
	Actions    *repo.Actions
}

// FolderHandler archives inbound messages as content children of folder
// nodes, optionally splitting out attachments.
type FolderHandler struct {
	svc      FolderServices
	cfg      FolderConfig
	messages *i18n.Bundle
	now      func() time.Time
}

// NewFolder returns a folder message handler with the given policy defaults.
func NewFolder(svc FolderServices, cfg FolderConfig, messages *i18n.Bundle) *FolderHandler {
	return &FolderHandler{
		svc:      svc,
		cfg:      cfg,
		messages: messages,
		now:      time.Now,
	}
}

// ProcessMessage archives the message under the target folder node.
func (h *FolderHandler) ProcessMessage(ctx context.Context, target repo.NodeRef, msg *email.Message) error {
	nodeType, err := h.svc.Nodes.GetType(ctx, target)
	if err != nil {
		return fmt.Errorf("failed to resolve type of %s: %w", target, err)
	}
	if !h.svc.Dictionary.IsSubtype(nodeType, repo.TypeFolder) {
		return &MismatchError{Node: target, NodeType: nodeType, Want: repo.TypeFolder}
	}

	folderProps, err := h.svc.Nodes.GetProperties(ctx, target)
	if err != nil {
		return fmt.Errorf("failed to read folder properties: %w", err)
	}

	// Folder policy properties override the handler defaults.
	extract := h.cfg.ExtractAttachments
	if v := repo.ToBool(folderProps[repo.PropExtractAttachments]); v != nil {
		extract = *v
	}
	direct := h.cfg.AttachmentsAsDirectChildren
	if v := repo.ToBool(folderProps[repo.PropExtractAttachmentsAsDirectChildren]); v != nil {
		direct = *v
	}
	overwrite := h.cfg.OverwriteDuplicates
	if v := repo.ToBool(folderProps[repo.PropOverwriteDuplicates]); v != nil {
		overwrite = *v
	}

	subject := msg.Subject
	if subject == "" {
		subject = h.messages.Format(i18n.KeyDefaultSubject, h.now().Format(subjectTimeLayout))
	}

	props := map[repo.QName]any{
		repo.PropName:        subject,
		repo.PropTitle:       subject,
		repo.PropDescription: h.messages.Format(i18n.KeyReceivedBySMTP, msg.From),
	}

	mailNode, err := h.svc.Content.GetOrCreateChild(ctx, target, subject, repo.AssocContains, overwrite, props)
	if err != nil {
		return fmt.Errorf("failed to create mail node %q: %w", subject, err)
	}

	if err := h.writeMailContent(ctx, mailNode, subject, msg); err != nil {
		return err
	}

	action, err := h.svc.Actions.CreateAction(repo.ExtractMetadataExecutor)
	if err != nil {
		return fmt.Errorf("failed to create metadata action: %w", err)
	}
	// Extraction runs inline only when attachment processing needs the
	// extracted values for copying; otherwise it is deferred.
	async := !extract || !h.cfg.CopyMetadataToAttachments
	if err := h.svc.Actions.ExecuteAction(ctx, action, mailNode, true, async); err != nil {
		return fmt.Errorf("failed to extract mail metadata: %w", err)
	}

	if extract && len(msg.Attachments) > 0 {
		if err := h.processAttachments(ctx, target, mailNode, direct, msg); err != nil {
			return err
		}
	}

	slog.Debug("archived mail message",
		"folder", target.String(),
		"node", mailNode.String(),
		"subject", subject,
		"attachments", len(msg.Attachments),
	)

	return nil
}

// writeMailContent fills the mail node's content property. Messages that
// arrived with their raw bytes are stored verbatim as message/rfc822;
// otherwise the selected body part is stored under a mimetype guessed from
// the subject.
func (h *FolderHandler) writeMailContent(ctx context.Context, mailNode repo.NodeRef, subject string, msg *email.Message) error {
	writer, err := h.svc.Content.GetWriter(ctx, mailNode, repo.PropContent, true)
	if err != nil {
		return fmt.Errorf("failed to open content writer for %s: %w", mailNode, err)
	}

	if len(msg.Raw) > 0 {
		writer.SetMimetype(repo.MimetypeRFC822)
		writer.SetEncoding("UTF-8")
		if err := writer.PutContent(bytes.NewReader(msg.Raw)); err != nil {
			return h.readError(err)
		}
		return nil
	}

	if msg.Body.Size() == -1 {
		// A message without a body still needs a content property.
		writer.SetMimetype(repo.MimetypeTextPlain)
		writer.SetEncoding("UTF-8")
		if err := writer.PutString(" "); err != nil {
			return fmt.Errorf("failed to write placeholder content: %w", err)
		}
		return nil
	}

	mimetype := h.svc.Mimetypes.Guess(subject)
	if mimetype == repo.MimetypeBinary {
		mimetype = repo.MimetypeTextPlain
	}
	writer.SetMimetype(mimetype)
	if msg.Body.Encoding != "" {
		writer.SetEncoding(msg.Body.Encoding)
	}
	if err := writer.PutContent(msg.Body.Content()); err != nil {
		return h.readError(err)
	}
	return nil
}

// processAttachments stores each attachment part as its own content node and
// wires it to the mail node.
func (h *FolderHandler) processAttachments(ctx context.Context, folder, mailNode repo.NodeRef, direct bool, msg *email.Message) error {
	// As direct children the attachments hang off the mail node via the
	// email attachment association; otherwise they land next to the mail
	// node in the folder.
	assocType := repo.AssocContains
	parent := folder
	if direct {
		assocType = repo.AssocEmailAttachments
		parent = mailNode
	}

	var copied map[repo.QName]any
	if h.cfg.CopyMetadataToAttachments {
		mailProps, err := h.svc.Nodes.GetProperties(ctx, mailNode)
		if err != nil {
			return fmt.Errorf("failed to read mail node properties: %w", err)
		}
		copied = make(map[repo.QName]any)
		for key, value := range mailProps {
			if key.Space == repo.NamespaceEmailMetadata && copiedMetadata[key.Local] {
				copied[key] = value
			}
		}
	}

	for _, att := range msg.Attachments {
		if err := h.saveAttachment(ctx, mailNode, parent, assocType, att, copied); err != nil {
			return err
		}
	}
	return nil
}

func (h *FolderHandler) saveAttachment(ctx context.Context, mailNode, parent repo.NodeRef, assocType repo.QName, att *email.Part, copied map[repo.QName]any) error {
	props := map[repo.QName]any{repo.PropName: att.FileName}
	for key, value := range copied {
		props[key] = value
	}

	// Attachments never overwrite: a repeated name gets a suffixed sibling.
	attachNode, err := h.svc.Content.GetOrCreateChild(ctx, parent, att.FileName, assocType, false, props)
	if err != nil {
		return fmt.Errorf("failed to create attachment node %q: %w", att.FileName, err)
	}

	if err := h.svc.Nodes.AddAspect(ctx, mailNode, repo.AspectAttachable, nil); err != nil {
		return fmt.Errorf("failed to mark mail node attachable: %w", err)
	}
	if err := h.svc.Nodes.CreateAssociation(ctx, mailNode, attachNode, repo.AssocAttachments); err != nil {
		return fmt.Errorf("failed to associate attachment %q: %w", att.FileName, err)
	}

	// Attachments stored in the folder still get a secondary child link from
	// the mail node, named after their primary association.
	if assocType != repo.AssocEmailAttachments {
		primary, err := h.svc.Nodes.GetPrimaryParent(ctx, attachNode)
		if err != nil {
			return fmt.Errorf("failed to resolve attachment primary parent: %w", err)
		}
		if err := h.svc.Nodes.AddChild(ctx, mailNode, attachNode, repo.AssocEmailAttachments, primary.Name); err != nil {
			return fmt.Errorf("failed to link attachment %q to mail node: %w", att.FileName, err)
		}
	}

	writer, err := h.svc.Content.GetWriter(ctx, attachNode, repo.PropContent, true)
	if err != nil {
		return fmt.Errorf("failed to open attachment writer for %s: %w", attachNode, err)
	}
	writer.SetMimetype(h.svc.Mimetypes.Guess(att.FileName))
	if att.Encoding != "" {
		writer.SetEncoding(att.Encoding)
	}
	if err := writer.PutContent(att.Content()); err != nil {
		return h.readError(err)
	}

	action, err := h.svc.Actions.CreateAction(repo.ExtractMetadataExecutor)
	if err != nil {
		return fmt.Errorf("failed to create metadata action: %w", err)
	}
	return h.svc.Actions.ExecuteAction(ctx, action, attachNode, true, true)
}

func (h *FolderHandler) readError(err error) *MessageError {
	return &MessageError{
		Key:     i18n.KeyMailReadError,
		Message: h.messages.Format(i18n.KeyMailReadError, err),
		Err:     err,
	}
}
