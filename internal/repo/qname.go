// Package repo defines the content repository model: namespaced names, node
// references, and the service interfaces the rest of the system is written
// against. Concrete storage lives in the sqlite subpackage.
package repo

import (
	"fmt"
	"strings"
)

// QName is a fully qualified name made of a namespace and a local name.
// Types, aspects, properties and association types are all identified by
// QNames so that independently developed models cannot collide.
type QName struct {
	Space string
	Local string
}

// NewQName builds a QName from a namespace URI and a local name.
func NewQName(space, local string) QName {
	return QName{Space: space, Local: local}
}

// String renders the QName in {namespace}local form.
func (q QName) String() string {
	return fmt.Sprintf("{%s}%s", q.Space, q.Local)
}

// IsZero reports whether the QName is the empty value.
func (q QName) IsZero() bool {
	return q.Space == "" && q.Local == ""
}

// ParseQName parses the {namespace}local form produced by String.
func ParseQName(s string) (QName, error) {
	if !strings.HasPrefix(s, "{") {
		return QName{}, fmt.Errorf("invalid qname %q: missing namespace", s)
	}
	end := strings.Index(s, "}")
	if end < 0 || end == len(s)-1 {
		return QName{}, fmt.Errorf("invalid qname %q", s)
	}
	return QName{Space: s[1:end], Local: s[end+1:]}, nil
}
