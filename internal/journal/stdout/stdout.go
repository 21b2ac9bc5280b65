// Package stdout implements a Forwarder that prints archived messages to
// standard output.
package stdout

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mailshelf/mailshelf/internal/email"
)

// Forwarder prints messages to stdout in a human-readable format.
type Forwarder struct {
	// writer is the output destination, defaulting to os.Stdout.
	writer io.Writer
}

// New creates a stdout Forwarder that writes to os.Stdout.
func New() *Forwarder {
	return &Forwarder{writer: os.Stdout}
}

// NewWithWriter creates a stdout Forwarder that writes to the given writer.
// This is useful for testing.
func NewWithWriter(w io.Writer) *Forwarder {
	return &Forwarder{writer: w}
}

// Forward prints the message in a readable format. It always returns nil.
func (f *Forwarder) Forward(_ context.Context, msg *email.Message) error {
	var b strings.Builder

	b.WriteString("========================================\n")
	b.WriteString(fmt.Sprintf("From: %s\n", msg.From))
	b.WriteString(fmt.Sprintf("To: %s\n", strings.Join(msg.To, ", ")))

	if len(msg.Cc) > 0 {
		b.WriteString(fmt.Sprintf("Cc: %s\n", strings.Join(msg.Cc, ", ")))
	}

	b.WriteString(fmt.Sprintf("Subject: %s\n", msg.Subject))
	b.WriteString("Body:\n")

	if msg.Body != nil {
		b.Write(msg.Body.Data)
	}
	b.WriteString("\n")

	if len(msg.Attachments) > 0 {
		attachments := make([]string, 0, len(msg.Attachments))
		for _, att := range msg.Attachments {
			attachments = append(attachments, fmt.Sprintf("%s (%s)", att.FileName, formatSize(len(att.Data))))
		}
		b.WriteString(fmt.Sprintf("Attachments: %s\n", strings.Join(attachments, ", ")))
	}

	b.WriteString("========================================\n")

	_, err := fmt.Fprint(f.writer, b.String())
	if err != nil {
		// Journaling to stdout is best effort; a write error is not a
		// delivery failure.
		return nil
	}

	return nil
}

// Name returns the forwarder name.
func (f *Forwarder) Name() string {
	return "stdout"
}

// formatSize formats a byte count into a human-readable string.
func formatSize(bytes int) string {
	const (
		kb = 1024
		mb = kb * 1024
	)

	switch {
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
