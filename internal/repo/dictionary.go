package repo

import "sync"

// Dictionary is an in-memory type hierarchy. The core content types are
// registered at construction; extension models add theirs on top.
type Dictionary struct {
	mu      sync.RWMutex
	parents map[QName]QName
}

// NewDictionary returns a dictionary seeded with the core content model:
// cm:folder and cm:content both derive from cm:object.
func NewDictionary() *Dictionary {
	d := &Dictionary{parents: make(map[QName]QName)}
	d.RegisterType(TypeObject, QName{})
	d.RegisterType(TypeFolder, TypeObject)
	d.RegisterType(TypeContent, TypeObject)
	return d
}

// RegisterType declares a type and its parent. A zero parent marks a root
// type. Re-registration overwrites the previous parent.
func (d *Dictionary) RegisterType(t, parent QName) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.parents[t] = parent
}

// Parent returns the declared parent of a type. The second result is false
// for unknown or root types.
func (d *Dictionary) Parent(t QName) (QName, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	parent, ok := d.parents[t]
	if !ok || parent.IsZero() {
		return QName{}, false
	}
	return parent, true
}

// IsSubtype reports whether actual equals ancestor or transitively derives
// from it. Unknown types have no ancestors.
func (d *Dictionary) IsSubtype(actual, ancestor QName) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	for cur := actual; !cur.IsZero(); {
		if cur == ancestor {
			return true
		}
		parent, ok := d.parents[cur]
		if !ok {
			return false
		}
		cur = parent
	}
	return false
}
