package repo

import (
	"context"
	"io"
)

// NodeService exposes the node graph: types, properties, aspects and
// associations. Lookups for absent children return a zero NodeRef rather
// than an error; callers check with IsZero.
type NodeService interface {
	// Exists reports whether the node is present in the store.
	Exists(ctx context.Context, node NodeRef) (bool, error)

	// GetType returns the node's type QName.
	GetType(ctx context.Context, node NodeRef) (QName, error)

	// GetProperties returns all properties of the node.
	GetProperties(ctx context.Context, node NodeRef) (map[QName]any, error)

	// SetProperties merges the given properties onto the node.
	SetProperties(ctx context.Context, node NodeRef, props map[QName]any) error

	// AddAspect applies an aspect to the node, merging any aspect properties.
	// Applying an aspect the node already carries is a no-op.
	AddAspect(ctx context.Context, node NodeRef, aspect QName, props map[QName]any) error

	// HasAspect reports whether the node carries the aspect.
	HasAspect(ctx context.Context, node NodeRef, aspect QName) (bool, error)

	// CreateNode creates a child node under parent with the given association
	// type, cm:name, node type and initial properties.
	CreateNode(ctx context.Context, parent NodeRef, assocType QName, name string, nodeType QName, props map[QName]any) (NodeRef, error)

	// GetChildByName finds a child linked by the association type whose name
	// matches exactly. A zero NodeRef means no such child.
	GetChildByName(ctx context.Context, parent NodeRef, assocType QName, name string) (NodeRef, error)

	// GetChildAssocs lists all child associations below the parent.
	GetChildAssocs(ctx context.Context, parent NodeRef) ([]ChildAssoc, error)

	// GetPrimaryParent returns the node's primary child association.
	GetPrimaryParent(ctx context.Context, node NodeRef) (ChildAssoc, error)

	// GetParentAssocs lists all child associations pointing at the node.
	GetParentAssocs(ctx context.Context, node NodeRef) ([]ChildAssoc, error)

	// AddChild registers an additional, non-primary parent-child link.
	AddChild(ctx context.Context, parent, child NodeRef, assocType QName, name string) error

	// CreateAssociation creates a typed peer association from source to
	// target. Duplicate associations are a no-op.
	CreateAssociation(ctx context.Context, source, target NodeRef, assocType QName) error

	// GetTargetAssocs lists peer associations of the given type leaving the
	// source node.
	GetTargetAssocs(ctx context.Context, source NodeRef, assocType QName) ([]NodeRef, error)
}

// DictionaryService answers type hierarchy questions.
type DictionaryService interface {
	// IsSubtype reports whether actual equals ancestor or derives from it.
	IsSubtype(actual, ancestor QName) bool
}

// ContentWriter is a scoped sink for one node content property. Mimetype and
// encoding must be set before the stream is closed; Close commits the bytes.
type ContentWriter interface {
	SetMimetype(mimetype string)
	SetEncoding(encoding string)

	// Stream opens the underlying sink. The caller must close it on every
	// exit path; content becomes visible only on a successful Close.
	Stream() (io.WriteCloser, error)

	// PutString writes the string as the full content and commits it.
	PutString(s string) error

	// PutContent copies the reader as the full content and commits it.
	PutContent(r io.Reader) error
}

// ContentReader gives access to a node's stored content property.
type ContentReader interface {
	Mimetype() string
	Encoding() string
	Size() int64
	Open() (io.ReadCloser, error)
}

// ContentService reads and writes node content and obtains content children.
type ContentService interface {
	// GetWriter returns a writer for the node's content property. The update
	// flag requests replacement of existing content.
	GetWriter(ctx context.Context, node NodeRef, property QName, update bool) (ContentWriter, error)

	// GetReader returns a reader for the node's content property, or an error
	// if the node carries no content there.
	GetReader(ctx context.Context, node NodeRef, property QName) (ContentReader, error)

	// GetOrCreateChild obtains a content child by name. With overwrite, an
	// existing child of that name is reused in place (merging props);
	// without, a fresh node is created under the first free suffixed name
	// ("name(1)", "name(2)", ...).
	GetOrCreateChild(ctx context.Context, parent NodeRef, name string, assocType QName, overwrite bool, props map[QName]any) (NodeRef, error)
}

// MimetypeService guesses mimetypes from file names.
type MimetypeService interface {
	// Guess maps a file name or bare hint to a mimetype, falling back to
	// MimetypeBinary when nothing is known.
	Guess(filename string) string
}
