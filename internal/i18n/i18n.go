// Package i18n provides the localized message catalog for operator- and
// sender-facing text.
package i18n

import (
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Message keys. The keys are stable identifiers; the rendered text is
// locale-dependent.
const (
	KeyReceivedBySMTP = "email.server.msg.received_by_smtp"
	KeyDefaultSubject = "email.server.msg.default_subject"
	KeyMailReadError  = "email.server.err.mail_read_error"
)

func init() {
	for _, entry := range []struct {
		tag  language.Tag
		key  string
		text string
	}{
		{language.English, KeyReceivedBySMTP, "Received via inbound mail from %s"},
		{language.English, KeyDefaultSubject, "No subject (%s)"},
		{language.English, KeyMailReadError, "Failed to read mail content: %s"},

		{language.German, KeyReceivedBySMTP, "Per eingehender Mail empfangen von %s"},
		{language.German, KeyDefaultSubject, "Kein Betreff (%s)"},
		{language.German, KeyMailReadError, "Mail-Inhalt konnte nicht gelesen werden: %s"},
	} {
		if err := message.SetString(entry.tag, entry.key, entry.text); err != nil {
			panic(err)
		}
	}
}

// supported lists the catalog languages in fallback order.
var supported = []language.Tag{language.English, language.German}

var matcher = language.NewMatcher(supported)

// Bundle formats catalog messages for one locale.
type Bundle struct {
	printer *message.Printer
}

// NewBundle returns a bundle for the given BCP 47 tag. Unknown or empty tags
// fall back to English.
func NewBundle(locale string) *Bundle {
	tag, err := language.Parse(locale)
	if err != nil {
		tag = language.English
	}
	tag, _, _ = matcher.Match(tag)
	return &Bundle{printer: message.NewPrinter(tag)}
}

// Format renders the message registered under key with the given arguments.
func (b *Bundle) Format(key string, args ...any) string {
	return b.printer.Sprintf(key, args...)
}
