// Package entity holds the weak entity references the scheduler works with.
//
// The scheduler never owns entities. It keeps a Ref and asks Destructed()
// at fire time; a destructed entity's pending work is dropped silently.
package entity

import (
	"sync/atomic"
)

// Ref is a weak reference to a live entity.
type Ref interface {
	ID() string
	Destructed() bool
}

// Object is the concrete entity used by the host.
type Object struct {
	id        string
	blueprint string

	destructed atomic.Bool
}

func NewObject(id, blueprint string) *Object {
	return &Object{id: id, blueprint: blueprint}
}

func (o *Object) ID() string        { return o.id }
func (o *Object) Blueprint() string { return o.blueprint }

func (o *Object) Destructed() bool {
	if o == nil {
		return true
	}
	return o.destructed.Load()
}

// Destruct marks the object dead. It reports whether this call did it.
func (o *Object) Destruct() bool {
	return o.destructed.CompareAndSwap(false, true)
}

// Alive reports whether r points at an entity that is still live.
func Alive(r Ref) bool {
	return r != nil && !r.Destructed()
}

// IDOf returns r.ID() or "" for a nil ref.
func IDOf(r Ref) string {
	if r == nil {
		return ""
	}
	return r.ID()
}
