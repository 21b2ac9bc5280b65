// Package email defines the mail message model shared by the SMTP server,
// the parser, and the message handlers.
package email

import (
	"bytes"
	"io"
	"time"
)

// Message represents a parsed inbound email message.
type Message struct {
	From      string
	To        []string
	Cc        []string
	Subject   string
	Date      time.Time
	MessageID string

	// Body is the selected text body part, nil when the message has none.
	Body *Part

	Attachments []*Part

	Headers map[string][]string

	// Raw holds the message exactly as received on the wire.
	Raw []byte
}

// Part is a single MIME part of a message.
type Part struct {
	FileName    string
	ContentType string
	Encoding    string
	Data        []byte
}

// Size returns the decoded length of the part in bytes, or -1 when the part
// carries no content.
func (p *Part) Size() int64 {
	if p == nil || p.Data == nil {
		return -1
	}
	return int64(len(p.Data))
}

// Content returns a reader over the decoded part content.
func (p *Part) Content() io.Reader {
	if p == nil {
		return bytes.NewReader(nil)
	}
	return bytes.NewReader(p.Data)
}
