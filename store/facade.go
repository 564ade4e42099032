package store

// Facade is the read-only accessor layer over a Backend. All operations are
// side-effect-free and nil-safe; a missing node yields absence, never an
// error, so callers can distinguish "not found" from "not yet loaded"
// themselves.
type Facade struct {
	backend Backend
}

// NewFacade wraps a backend in the read-only facade.
func NewFacade(backend Backend) *Facade {
	return &Facade{backend: backend}
}

// Node returns the handle for id, or (nil, false) if unknown to the replica.
func (f *Facade) Node(id ID) (Handle, bool) {
	if id == "" {
		return nil, false
	}
	return f.backend.GetNode(id)
}

// Available reports whether the handle's content has reached this replica.
func (f *Facade) Available(h Handle) bool {
	return h != nil && h.Available()
}

// Content returns the current content snapshot of a comap node, or nil.
func (f *Facade) Content(h Handle) map[string]any {
	if h == nil {
		return nil
	}
	return h.Content()
}

// Items returns the current element snapshot of a colist/costream node, or nil.
func (f *Facade) Items(h Handle) []any {
	if h == nil {
		return nil
	}
	return h.Items()
}

// Header returns the creation metadata of the handle's node.
func (f *Facade) Header(h Handle) (Header, bool) {
	if h == nil {
		return Header{}, false
	}
	return h.Header(), true
}

// All enumerates every node known to the replica, loading or not.
func (f *Facade) All() []Handle {
	return f.backend.EnumerateAll()
}
