package entity

import (
	"sort"

	"github.com/puzpuzpuz/xsync/v4"
)

// Registry indexes live objects by id.
//
// Writes happen on the driver goroutine; the admin server reads concurrently.
type Registry struct {
	objs *xsync.Map[string, *Object]
}

func NewRegistry() *Registry {
	return &Registry{objs: xsync.NewMap[string, *Object]()}
}

// Add registers o. It returns false if the id is already taken.
func (r *Registry) Add(o *Object) bool {
	if o == nil || o.ID() == "" {
		return false
	}
	_, loaded := r.objs.LoadOrStore(o.ID(), o)
	return !loaded
}

func (r *Registry) Get(id string) (*Object, bool) {
	o, ok := r.objs.Load(id)
	if !ok || o.Destructed() {
		return nil, false
	}
	return o, true
}

// Remove drops id from the registry and marks the object destructed.
func (r *Registry) Remove(id string) (*Object, bool) {
	o, ok := r.objs.LoadAndDelete(id)
	if !ok {
		return nil, false
	}
	o.Destruct()
	return o, true
}

func (r *Registry) Len() int { return r.objs.Size() }

func (r *Registry) Range(fn func(o *Object) bool) {
	r.objs.Range(func(_ string, o *Object) bool {
		return fn(o)
	})
}

// IDs returns the registered ids in sorted order.
func (r *Registry) IDs() []string {
	out := make([]string, 0, r.objs.Size())
	r.objs.Range(func(id string, _ *Object) bool {
		out = append(out, id)
		return true
	})
	sort.Strings(out)
	return out
}
