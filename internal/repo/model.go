package repo

// Model namespaces. The core namespace covers the general content model, the
// email-metadata namespace the properties filled in from message headers, and
// the email-folder namespace the per-folder inbound-mail policy extension.
const (
	NamespaceContent       = "http://ns.mailshelf.dev/model/content/1.0"
	NamespaceEmailMetadata = "http://ns.mailshelf.dev/model/imap/1.0"
	NamespaceEmailFolder   = "http://ns.mailshelf.dev/model/email/1.0"
	NamespaceSystem        = "http://ns.mailshelf.dev/model/system/1.0"
)

// Core content model.
var (
	TypeObject  = QName{NamespaceContent, "object"}
	TypeFolder  = QName{NamespaceContent, "folder"}
	TypeContent = QName{NamespaceContent, "content"}

	PropName        = QName{NamespaceContent, "name"}
	PropTitle       = QName{NamespaceContent, "title"}
	PropDescription = QName{NamespaceContent, "description"}
	PropContent     = QName{NamespaceContent, "content"}

	AspectTitled     = QName{NamespaceContent, "titled"}
	AspectAttachable = QName{NamespaceContent, "attachable"}
	AspectEmailed    = QName{NamespaceContent, "emailed"}

	// AssocContains is the generic structural parent-child association.
	AssocContains = QName{NamespaceContent, "contains"}
	// AssocAttachments is the peer association the attachable aspect adds.
	AssocAttachments = QName{NamespaceContent, "attachments"}
)

// Email metadata properties extracted from message headers. These live in
// their own namespace so that the attachment-copy allow-list can filter on
// namespace and local name together.
var (
	PropSentDate   = QName{NamespaceEmailMetadata, "sentdate"}
	PropOriginator = QName{NamespaceEmailMetadata, "originator"}
	PropAddressee  = QName{NamespaceEmailMetadata, "addressee"}
	PropAddressees = QName{NamespaceEmailMetadata, "addressees"}
	PropSubject    = QName{NamespaceEmailMetadata, "subject"}
)

// Email-folder extension model: per-folder overrides of the handler policy
// plus the dedicated mail-to-attachment child association.
var (
	AssocEmailAttachments = QName{NamespaceEmailFolder, "attachments"}

	PropExtractAttachments                 = QName{NamespaceEmailFolder, "extractAttachments"}
	PropExtractAttachmentsAsDirectChildren = QName{NamespaceEmailFolder, "extractAttachmentsAsDirectChildren"}
	PropOverwriteDuplicates                = QName{NamespaceEmailFolder, "overwriteDuplicates"}
)

// Well-known mimetypes. MimetypeBinary doubles as the guessing sentinel for
// unknown input.
const (
	MimetypeTextPlain = "text/plain"
	MimetypeHTML      = "text/html"
	MimetypeRFC822    = "message/rfc822"
	MimetypeBinary    = "application/octet-stream"
	MimetypePDF       = "application/pdf"
)
