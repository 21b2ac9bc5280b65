package repo

import "errors"

// ErrNodeNotFound is returned for operations against a node reference that
// is not present in the store.
var ErrNodeNotFound = errors.New("node not found")

// ErrNoContent is returned by content reads against a node that carries no
// content in the requested property.
var ErrNoContent = errors.New("no content")
