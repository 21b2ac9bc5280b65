package repo

import (
	"context"
	"io"
	"log/slog"
	"mime"
	"net/mail"
	"time"

	"golang.org/x/net/html/charset"
)

// MetadataExtracter fills the email-metadata properties of a node from its
// stored message/rfc822 content. Properties already present on the node are
// left untouched, so a later extraction never overwrites values a handler or
// operator has set.
type MetadataExtracter struct {
	nodes   NodeService
	content ContentService
	decoder *mime.WordDecoder
}

// NewMetadataExtracter wires the extracter against the given services.
func NewMetadataExtracter(nodes NodeService, content ContentService) *MetadataExtracter {
	return &MetadataExtracter{
		nodes:   nodes,
		content: content,
		decoder: &mime.WordDecoder{CharsetReader: charset.NewReaderLabel},
	}
}

// Applies reports whether the node has readable content to extract from.
func (e *MetadataExtracter) Applies(ctx context.Context, node NodeRef) bool {
	reader, err := e.content.GetReader(ctx, node, PropContent)
	return err == nil && reader != nil
}

// Execute parses the node's content headers and merges the extracted
// email-metadata properties. Non-message content is left alone.
func (e *MetadataExtracter) Execute(ctx context.Context, action *Action, node NodeRef) error {
	reader, err := e.content.GetReader(ctx, node, PropContent)
	if err != nil {
		return err
	}
	if reader.Mimetype() != MimetypeRFC822 {
		slog.Debug("no metadata extraction for mimetype",
			"node", node.String(),
			"mimetype", reader.Mimetype(),
		)
		return nil
	}

	rc, err := reader.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	msg, err := mail.ReadMessage(rc)
	if err != nil {
		// Truncated or malformed stored content is not fatal to the node.
		slog.Warn("failed to parse stored message for metadata",
			"node", node.String(),
			"error", err,
		)
		return nil
	}
	// The header is all we need; drain quietly.
	_, _ = io.Copy(io.Discard, msg.Body)

	extracted := make(map[QName]any)

	if from := msg.Header.Get("From"); from != "" {
		extracted[PropOriginator] = e.decodeWords(from)
	}
	if subject := msg.Header.Get("Subject"); subject != "" {
		decoded := e.decodeWords(subject)
		extracted[PropSubject] = decoded
		extracted[PropTitle] = decoded
	}
	if addrs, err := msg.Header.AddressList("To"); err == nil && len(addrs) > 0 {
		all := make([]string, 0, len(addrs))
		for _, a := range addrs {
			all = append(all, a.Address)
		}
		extracted[PropAddressee] = all[0]
		extracted[PropAddressees] = all
	}
	if date, err := msg.Header.Date(); err == nil {
		extracted[PropSentDate] = date.UTC().Format(time.RFC3339)
	}

	if len(extracted) == 0 {
		return nil
	}

	existing, err := e.nodes.GetProperties(ctx, node)
	if err != nil {
		return err
	}

	toSet := make(map[QName]any, len(extracted))
	for key, value := range extracted {
		if cur, ok := existing[key]; !ok || cur == nil {
			toSet[key] = value
		}
	}
	if len(toSet) == 0 {
		return nil
	}

	if err := e.nodes.AddAspect(ctx, node, AspectEmailed, nil); err != nil {
		return err
	}
	return e.nodes.SetProperties(ctx, node, toSet)
}

func (e *MetadataExtracter) decodeWords(s string) string {
	decoded, err := e.decoder.DecodeHeader(s)
	if err != nil {
		return s
	}
	return decoded
}
