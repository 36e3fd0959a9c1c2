package kb

import (
	"fmt"
	"sort"
)

// Registry is the two-tier map of loaded knowledge bases. User entries
// shadow system entries of the same name in the merged view, and at most one
// entry in the merged view is active.
//
// Registry performs no locking of its own: the engine serialises every
// access under its single mutex, which is also what gives mutation events
// their global delivery order.
type Registry struct {
	// user holds knowledge bases added explicitly through the facade.
	user map[string]*Entry
	// system holds knowledge bases discovered by the directory scan.
	system map[string]*Entry
	// activeName is the active knowledge base in the merged view, or "".
	activeName string
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		user:   make(map[string]*Entry),
		system: make(map[string]*Entry),
	}
}

// AddUser commits a user knowledge base. It fails when a user entry of the
// same name already exists; shadowing a system entry is allowed.
func (r *Registry) AddUser(e *Entry) error {
	if _, exists := r.user[e.Name]; exists {
		return fmt.Errorf("kb: user knowledge base %q already exists", e.Name)
	}
	r.user[e.Name] = e
	return nil
}

// AddSystem commits a system knowledge base, replacing any previous system
// entry of the same name.
func (r *Registry) AddSystem(e *Entry) {
	r.system[e.Name] = e
}

// Remove deletes the named knowledge base, preferring the user tier when the
// name exists in both. It returns the removed entry, or false when the name
// is in neither map. If the removed name was active, the active pointer is
// cleared.
func (r *Registry) Remove(name string) (*Entry, bool) {
	var removed *Entry
	if e, ok := r.user[name]; ok {
		delete(r.user, name)
		removed = e
	} else if e, ok := r.system[name]; ok {
		delete(r.system, name)
		removed = e
	} else {
		return nil, false
	}

	if r.activeName == name {
		r.activeName = ""
	}
	return removed, true
}

// Get resolves name through the merged view: user entries shadow system
// entries.
func (r *Registry) Get(name string) (*Entry, bool) {
	if e, ok := r.user[name]; ok {
		return e, true
	}
	e, ok := r.system[name]
	return e, ok
}

// HasUser reports whether a user entry with the given name exists.
func (r *Registry) HasUser(name string) bool {
	_, ok := r.user[name]
	return ok
}

// SetActive marks name as the active knowledge base. The name must resolve
// in the merged view.
func (r *Registry) SetActive(name string) error {
	if _, ok := r.Get(name); !ok {
		return fmt.Errorf("kb: knowledge base %q not found", name)
	}
	r.activeName = name
	return nil
}

// ClearActive resets the active pointer.
func (r *Registry) ClearActive() { r.activeName = "" }

// ActiveName returns the active knowledge base name, or "".
func (r *Registry) ActiveName() string { return r.activeName }

// Active resolves the active entry through the merged view. It returns
// false when no knowledge base is active or the pointer is stale.
func (r *Registry) Active() (*Entry, bool) {
	if r.activeName == "" {
		return nil, false
	}
	return r.Get(r.activeName)
}

// Len returns the number of entries in the merged view.
func (r *Registry) Len() int {
	n := len(r.user)
	for name := range r.system {
		if _, shadowed := r.user[name]; !shadowed {
			n++
		}
	}
	return n
}

// Names returns the merged view's names in lexicographic order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.user)+len(r.system))
	for name := range r.user {
		names = append(names, name)
	}
	for name := range r.system {
		if _, shadowed := r.user[name]; !shadowed {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Entries returns the merged view's entries keyed by name. The map is a
// fresh snapshot; the entries themselves are shared and immutable.
func (r *Registry) Entries() map[string]*Entry {
	out := make(map[string]*Entry, len(r.user)+len(r.system))
	for name, e := range r.system {
		out[name] = e
	}
	for name, e := range r.user {
		out[name] = e
	}
	return out
}

// List returns the listing for callers: system entries first in alphabetical
// order, then user entries in alphabetical order. A user entry replaces a
// shadowed system entry, appearing once in the user section.
func (r *Registry) List() []Info {
	systemNames := make([]string, 0, len(r.system))
	for name := range r.system {
		if _, shadowed := r.user[name]; !shadowed {
			systemNames = append(systemNames, name)
		}
	}
	sort.Strings(systemNames)

	userNames := make([]string, 0, len(r.user))
	for name := range r.user {
		userNames = append(userNames, name)
	}
	sort.Strings(userNames)

	out := make([]Info, 0, len(systemNames)+len(userNames))
	for _, name := range systemNames {
		out = append(out, r.info(r.system[name]))
	}
	for _, name := range userNames {
		out = append(out, r.info(r.user[name]))
	}
	return out
}

// info converts an entry to its listing record.
func (r *Registry) info(e *Entry) Info {
	return Info{
		Name:       e.Name,
		Path:       e.SourcePath,
		Active:     e.Name == r.activeName,
		Origin:     string(e.Origin),
		ChunkCount: e.Index.Len(),
	}
}

// TotalChunks sums the chunk counts of the merged view.
func (r *Registry) TotalChunks() int {
	total := 0
	for _, e := range r.Entries() {
		total += e.Index.Len()
	}
	return total
}
