// Package parser provides RFC 5322 email message parsing with MIME multipart support.
package parser

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"strings"

	"golang.org/x/net/html/charset"

	"github.com/mailshelf/mailshelf/internal/email"
)

// wordDecoder decodes RFC 2047 encoded words, converting legacy charsets
// such as ISO-8859-1 or GB2312 to UTF-8.
var wordDecoder = &mime.WordDecoder{
	CharsetReader: func(label string, input io.Reader) (io.Reader, error) {
		return charset.NewReaderLabel(label, input)
	},
}

var addressParser = &mail.AddressParser{WordDecoder: wordDecoder}

// bodyState tracks body candidates seen while walking MIME parts. The first
// text/plain part wins, with the first text/html part as fallback.
type bodyState struct {
	plain *email.Part
	html  *email.Part
}

// Parse parses a raw RFC 5322 email message into a Message. It handles plain
// text messages, multipart messages with text/html bodies, and attachments.
// Unrecognized MIME parts are logged as warnings. The raw bytes are retained
// on the returned message.
func Parse(raw []byte) (*email.Message, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}

	result := &email.Message{
		Headers: make(map[string][]string),
		Raw:     raw,
	}

	// Copy all headers
	for key, values := range msg.Header {
		result.Headers[key] = values
	}

	// Extract standard header fields
	result.From = msg.Header.Get("From")
	result.Subject = decodeHeader(msg.Header.Get("Subject"))
	result.MessageID = msg.Header.Get("Message-Id")
	result.To = parseAddressList(msg.Header.Get("To"))
	result.Cc = parseAddressList(msg.Header.Get("Cc"))
	if date, err := msg.Header.Date(); err == nil {
		result.Date = date
	}

	contentType := msg.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "text/plain"
	}

	state := &bodyState{}

	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		// If content type is unparseable, treat as plain text
		slog.Warn("failed to parse content type, treating as plain text",
			"content_type", contentType,
			"error", err,
		)
		body, readErr := io.ReadAll(msg.Body)
		if readErr != nil {
			return nil, fmt.Errorf("failed to read message body: %w", readErr)
		}
		result.Body = &email.Part{ContentType: "text/plain", Encoding: "UTF-8", Data: body}
		return result, nil
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		boundary := params["boundary"]
		if boundary == "" {
			return nil, fmt.Errorf("multipart message missing boundary")
		}
		if err := parseMultipart(msg.Body, boundary, result, state); err != nil {
			return nil, fmt.Errorf("failed to parse multipart message: %w", err)
		}
	} else {
		body, err := decodeTransfer(msg.Body, msg.Header.Get("Content-Transfer-Encoding"))
		if err != nil {
			return nil, fmt.Errorf("failed to read message body: %w", err)
		}
		part := &email.Part{
			ContentType: mediaType,
			Encoding:    charsetOf(params),
			Data:        body,
		}
		switch mediaType {
		case "text/plain":
			state.plain = part
		case "text/html":
			state.html = part
		default:
			slog.Warn("unrecognized top-level content type",
				"content_type", mediaType,
			)
			part.ContentType = "text/plain"
			state.plain = part
		}
	}

	switch {
	case state.plain != nil:
		result.Body = state.plain
	case state.html != nil:
		result.Body = state.html
	}

	return result, nil
}

// parseMultipart processes a multipart MIME message body, extracting
// text/plain and text/html body candidates and attachments.
func parseMultipart(body io.Reader, boundary string, result *email.Message, state *bodyState) error {
	reader := multipart.NewReader(body, boundary)

	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read next part: %w", err)
		}

		partContentType := part.Header.Get("Content-Type")
		if partContentType == "" {
			partContentType = "text/plain"
		}

		mediaType, params, err := mime.ParseMediaType(partContentType)
		if err != nil {
			slog.Warn("failed to parse part content type, skipping",
				"content_type", partContentType,
				"error", err,
			)
			continue
		}

		contentDisposition := part.Header.Get("Content-Disposition")
		isAttachment := strings.HasPrefix(contentDisposition, "attachment")

		// Check for nested multipart
		if strings.HasPrefix(mediaType, "multipart/") {
			nestedBoundary := params["boundary"]
			if nestedBoundary == "" {
				slog.Warn("nested multipart missing boundary, skipping")
				continue
			}
			if err := parseMultipart(part, nestedBoundary, result, state); err != nil {
				slog.Warn("failed to parse nested multipart",
					"error", err,
				)
			}
			continue
		}

		content, err := readPartContent(part)
		if err != nil {
			slog.Warn("failed to read part content",
				"content_type", mediaType,
				"error", err,
			)
			continue
		}

		if isAttachment {
			result.Attachments = append(result.Attachments, &email.Part{
				FileName:    extractFilename(part, params),
				ContentType: mediaType,
				Encoding:    charsetOf(params),
				Data:        content,
			})
			continue
		}

		switch mediaType {
		case "text/plain":
			if state.plain == nil {
				state.plain = &email.Part{ContentType: mediaType, Encoding: charsetOf(params), Data: content}
			}
		case "text/html":
			if state.html == nil {
				state.html = &email.Part{ContentType: mediaType, Encoding: charsetOf(params), Data: content}
			}
		default:
			// Check if it has a filename even without attachment disposition
			filename := extractFilename(part, params)
			if filename != "" {
				result.Attachments = append(result.Attachments, &email.Part{
					FileName:    filename,
					ContentType: mediaType,
					Encoding:    charsetOf(params),
					Data:        content,
				})
			} else {
				slog.Warn("unrecognized MIME part, skipping",
					"content_type", mediaType,
					"disposition", contentDisposition,
				)
			}
		}
	}

	return nil
}

// readPartContent reads the full content of a MIME part, handling
// Content-Transfer-Encoding (base64, quoted-printable).
func readPartContent(part *multipart.Part) ([]byte, error) {
	encoding := part.Header.Get("Content-Transfer-Encoding")
	encoding = strings.ToLower(strings.TrimSpace(encoding))

	raw, err := io.ReadAll(part)
	if err != nil {
		return nil, err
	}

	switch encoding {
	case "base64":
		return decodeBase64(string(raw))
	default:
		// For "7bit", "8bit", "binary", "quoted-printable", or empty,
		// return raw content. Go's multipart reader handles QP internally.
		return raw, nil
	}
}

// decodeTransfer reads a top-level message body, applying its declared
// Content-Transfer-Encoding.
func decodeTransfer(r io.Reader, encoding string) ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "base64":
		raw, err := io.ReadAll(r)
		if err != nil {
			return nil, err
		}
		return decodeBase64(string(raw))
	case "quoted-printable":
		return io.ReadAll(quotedprintable.NewReader(r))
	default:
		return io.ReadAll(r)
	}
}

func decodeBase64(raw string) ([]byte, error) {
	cleaned := strings.NewReplacer("\r", "", "\n", "").Replace(raw)
	decoded, err := base64.StdEncoding.DecodeString(cleaned)
	if err != nil {
		// Try with RawStdEncoding for unpadded base64
		decoded, err = base64.RawStdEncoding.DecodeString(cleaned)
		if err != nil {
			return nil, fmt.Errorf("failed to decode base64 content: %w", err)
		}
	}
	return decoded, nil
}

// extractFilename extracts the filename from a MIME part, checking both
// Content-Disposition and Content-Type parameters. RFC 2047 encoded names
// are decoded.
func extractFilename(part *multipart.Part, params map[string]string) string {
	// Try Content-Disposition filename first (via multipart.Part)
	if fn := part.FileName(); fn != "" {
		return decodeHeader(fn)
	}
	// Fall back to Content-Type "name" parameter
	if name, ok := params["name"]; ok && name != "" {
		return decodeHeader(name)
	}
	// Generate a fallback name from the media type so downstream content
	// nodes always get a usable name
	if mediaType, _, err := mime.ParseMediaType(part.Header.Get("Content-Type")); err == nil {
		parts := strings.SplitN(mediaType, "/", 2)
		if len(parts) == 2 {
			return "attachment." + parts[1]
		}
	}
	return "attachment"
}

// charsetOf returns the declared charset of a MIME part, defaulting to UTF-8.
func charsetOf(params map[string]string) string {
	if cs := params["charset"]; cs != "" {
		return cs
	}
	return "UTF-8"
}

// decodeHeader decodes RFC 2047 encoded words in a header value. Values that
// fail to decode are returned unchanged.
func decodeHeader(value string) string {
	decoded, err := wordDecoder.DecodeHeader(value)
	if err != nil {
		return value
	}
	return decoded
}

// parseAddressList splits a comma-separated address list into individual addresses.
func parseAddressList(raw string) []string {
	if raw == "" {
		return nil
	}

	addresses, err := addressParser.ParseList(raw)
	if err != nil {
		// Fall back to simple comma split if RFC 5322 parsing fails
		parts := strings.Split(raw, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			trimmed := strings.TrimSpace(p)
			if trimmed != "" {
				result = append(result, trimmed)
			}
		}
		return result
	}

	result := make([]string, 0, len(addresses))
	for _, addr := range addresses {
		result = append(result, addr.Address)
	}
	return result
}
