package repo

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// StoreWorkspace is the identifier of the single live node store.
const StoreWorkspace = "workspace"

// NodeRef addresses a node in a store. The ID is a UUID assigned at creation
// and never reused.
type NodeRef struct {
	Store string
	ID    string
}

// NewNodeRef mints a reference for a new node in the given store.
func NewNodeRef(store string) NodeRef {
	return NodeRef{Store: store, ID: uuid.NewString()}
}

// String renders the reference in store://id form.
func (n NodeRef) String() string {
	return n.Store + "://" + n.ID
}

// IsZero reports whether the reference is the empty value.
func (n NodeRef) IsZero() bool {
	return n.Store == "" && n.ID == ""
}

// ParseNodeRef parses the store://id form produced by String.
func ParseNodeRef(s string) (NodeRef, error) {
	store, id, ok := strings.Cut(s, "://")
	if !ok || store == "" || id == "" {
		return NodeRef{}, fmt.Errorf("invalid node reference %q", s)
	}
	if _, err := uuid.Parse(id); err != nil {
		return NodeRef{}, fmt.Errorf("invalid node reference %q: %w", s, err)
	}
	return NodeRef{Store: store, ID: id}, nil
}

// ChildAssoc describes a parent-child link between two nodes. Name is the
// association-local name of the child, usually its cm:name at creation time.
// Exactly one child association per node is primary.
type ChildAssoc struct {
	Type    QName
	Parent  NodeRef
	Child   NodeRef
	Name    string
	Primary bool
}
