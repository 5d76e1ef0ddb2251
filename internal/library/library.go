// Package library implements the per-session LibraryRegistry (spec.md §3
// Library, §4 load_library/unload_library/lookup_symbol): a thin,
// id-indexed wrapper over internal/ffi's dlopen/dlsym/dlclose, scoped so
// that closing one session can never affect a library opened by another
// (spec.md §4.6 disjoint id spaces).
package library

import (
	"sync"
	"unsafe"

	"github.com/google/uuid"

	"github.com/confio-labs/nativeexecd/internal/ffi"
	"github.com/confio-labs/nativeexecd/internal/protocol"
)

// Handle is one successfully dlopen'd shared library.
type Handle struct {
	ID     string
	Path   string
	handle unsafe.Pointer
}

// Registry owns every library handle opened by one session.
type Registry struct {
	mu   sync.RWMutex
	libs map[string]*Handle
}

// NewRegistry returns an empty, session-scoped library registry.
func NewRegistry() *Registry {
	return &Registry{libs: make(map[string]*Handle)}
}

// Load dlopen()s path and mints a fresh "lib-<uuid>" id for it.
func (r *Registry) Load(path string) (*Handle, error) {
	h, err := ffi.OpenLibrary(path)
	if err != nil {
		return nil, protocol.Wrap(protocol.ErrLoader, err, "load_library %q", path)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	id := "lib-" + uuid.NewString()
	lh := &Handle{ID: id, Path: path, handle: h}
	r.libs[id] = lh
	return lh, nil
}

// Lookup resolves a symbol by name in an already-loaded library.
func (r *Registry) Lookup(libraryID, symbol string) (unsafe.Pointer, error) {
	lh, err := r.get(libraryID)
	if err != nil {
		return nil, err
	}
	p, err := ffi.Symbol(lh.handle, symbol)
	if err != nil {
		return nil, protocol.Wrap(protocol.ErrLoader, err, "lookup_symbol %q in %q", symbol, libraryID)
	}
	return p, nil
}

// Unload dlclose()s a library and forgets its id.
func (r *Registry) Unload(libraryID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	lh, ok := r.libs[libraryID]
	if !ok {
		return protocol.Errf(protocol.ErrRegistry, "unknown library id %q", libraryID)
	}
	if err := ffi.CloseLibrary(lh.handle); err != nil {
		return protocol.Wrap(protocol.ErrLoader, err, "unload_library %q", libraryID)
	}
	delete(r.libs, libraryID)
	return nil
}

func (r *Registry) get(libraryID string) (*Handle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	lh, ok := r.libs[libraryID]
	if !ok {
		return nil, protocol.Errf(protocol.ErrRegistry, "unknown library id %q", libraryID)
	}
	return lh, nil
}

// Teardown closes every library still open when the owning session ends
// (spec.md §3 session lifetime: "callbacks → libraries → structs"). Errors
// from individual dlclose calls are swallowed — a session that's already
// shutting down can't meaningfully surface them, and the process is not
// going to leak the handle past exit.
func (r *Registry) Teardown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, lh := range r.libs {
		_ = ffi.CloseLibrary(lh.handle)
		delete(r.libs, id)
	}
}
