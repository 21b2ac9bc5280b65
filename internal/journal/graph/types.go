package graph

import (
	"encoding/base64"
	"strings"

	"github.com/mailshelf/mailshelf/internal/email"
)

// sendMailRequest is the top-level request body for the Graph API sendMail endpoint.
type sendMailRequest struct {
	Message sendMailMessage `json:"message"`
}

// sendMailMessage represents the message portion of a sendMail request.
type sendMailMessage struct {
	Subject        string                  `json:"subject"`
	Body           messageBody             `json:"body"`
	ToRecipients   []recipient             `json:"toRecipients"`
	Attachments    []graphAttachment       `json:"attachments,omitempty"`
	MessageHeaders []internetMessageHeader `json:"internetMessageHeaders,omitempty"`
}

// messageBody represents the body of an email message.
type messageBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

// recipient represents an email recipient.
type recipient struct {
	EmailAddress emailAddress `json:"emailAddress"`
}

// emailAddress represents an email address in a Graph API request.
type emailAddress struct {
	Address string `json:"address"`
}

// graphAttachment represents a file attachment in a Graph API request.
type graphAttachment struct {
	ODataType    string `json:"@odata.type"`
	Name         string `json:"name"`
	ContentType  string `json:"contentType"`
	ContentBytes string `json:"contentBytes"`
}

// internetMessageHeader carries a custom header on the journal copy. Graph
// requires custom header names to start with "x-".
type internetMessageHeader struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// graphErrorResponse represents an error response from the Graph API.
type graphErrorResponse struct {
	Error graphError `json:"error"`
}

// graphError represents the error detail in a Graph API error response.
type graphError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// buildSendMailRequest converts an archived message into a sendMail request
// addressed to the journal mailbox. The original envelope is preserved on
// custom headers since the journal copy carries its own addressing.
func buildSendMailRequest(msg *email.Message, journalRecipient string) *sendMailRequest {
	body := messageBody{ContentType: "text"}
	if msg.Body != nil {
		body.Content = string(msg.Body.Data)
		if strings.HasPrefix(msg.Body.ContentType, "text/html") {
			body.ContentType = "html"
		}
	}

	attachments := make([]graphAttachment, 0, len(msg.Attachments))
	for _, att := range msg.Attachments {
		attachments = append(attachments, graphAttachment{
			ODataType:    "#microsoft.graph.fileAttachment",
			Name:         att.FileName,
			ContentType:  att.ContentType,
			ContentBytes: base64.StdEncoding.EncodeToString(att.Data),
		})
	}

	var headers []internetMessageHeader
	if msg.From != "" {
		headers = append(headers, internetMessageHeader{
			Name:  "x-mailshelf-original-from",
			Value: msg.From,
		})
	}
	if len(msg.To) > 0 {
		headers = append(headers, internetMessageHeader{
			Name:  "x-mailshelf-original-to",
			Value: strings.Join(msg.To, ", "),
		})
	}

	return &sendMailRequest{
		Message: sendMailMessage{
			Subject:        msg.Subject,
			Body:           body,
			ToRecipients:   []recipient{{EmailAddress: emailAddress{Address: journalRecipient}}},
			Attachments:    attachments,
			MessageHeaders: headers,
		},
	}
}
