// Package iface implements the versioned interface identifiers that the
// cipher and name-codec registries use to match implementations against
// requests. The versioning rule is the classical library rule: an
// implementation is usable for a request when the names match and the
// requested major version lies within [current-age, current].
package iface

import "fmt"

// Iface identifies a versioned interface.
type Iface struct {
	// Name is the interface identifier, e.g. "nameio/block".
	Name string
	// Current is the major version of the implementation.
	Current int
	// Revision counts implementation changes that do not affect
	// compatibility.
	Revision int
	// Age is the number of past major versions this implementation can
	// still serve.
	Age int
}

// New creates an interface identifier.
func New(name string, current, revision, age int) Iface {
	return Iface{Name: name, Current: current, Revision: revision, Age: age}
}

// Implements reports whether an implementation carrying the identifier "i"
// can serve a request for "req".
func (i Iface) Implements(req Iface) bool {
	if i.Name != req.Name {
		return false
	}
	return req.Current <= i.Current && req.Current >= i.Current-i.Age
}

func (i Iface) String() string {
	return fmt.Sprintf("%s(%d:%d:%d)", i.Name, i.Current, i.Revision, i.Age)
}
