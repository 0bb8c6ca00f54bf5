package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Registry is the in-memory catalog of model descriptors. Reads take the
// RWMutex read lock. There is no in-place reload: a fresh Registry is built
// with Load or LoadFile, and Upsert replaces a single entry in the live map
// under the write lock.
type Registry struct {
	mu     sync.RWMutex
	models map[ModelID]*Descriptor
	path   string // backing document, used by Upsert; empty if load-only
}

// New returns an empty registry. Use Load or LoadFile to populate it.
func New() *Registry {
	return &Registry{models: make(map[ModelID]*Descriptor)}
}

// document is the on-disk shape of the `models` array described in §6.
type document struct {
	Models []Descriptor `json:"models"`
}

// LoadFile loads descriptors from a JSON file at path, remembering the
// path so later Upsert calls can rewrite it atomically.
func LoadFile(path string) (*Registry, []LoadDiagnostic, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("registry: read %s: %w", path, err)
	}
	r, diags, err := Load(data)
	if err != nil {
		return nil, diags, err
	}
	r.path = path
	return r, diags, nil
}

// Load parses a JSON document and builds a registry. Invalid descriptors
// are collected as diagnostics and skipped; a single bad descriptor never
// fails the whole load (§4.1).
func Load(data []byte) (*Registry, []LoadDiagnostic, error) {
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, nil, fmt.Errorf("registry: parse document: %w", err)
	}

	r := New()
	var diags []LoadDiagnostic
	seen := make(map[ModelID]bool)

	for i := range doc.Models {
		d := doc.Models[i]
		if err := validate.Struct(&d); err != nil {
			diags = append(diags, LoadDiagnostic{Index: i, ModelID: string(d.ID), Reason: err.Error()})
			continue
		}
		if seen[d.ID] {
			diags = append(diags, LoadDiagnostic{Index: i, ModelID: string(d.ID), Reason: "duplicate model id"})
			continue
		}
		seen[d.ID] = true
		r.models[d.ID] = &d
	}

	return r, diags, nil
}

// Get returns a descriptor by id.
func (r *Registry) Get(id ModelID) (*Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.models[id]
	return d, ok
}

// ByProvider returns every descriptor belonging to provider.
func (r *Registry) ByProvider(provider ProviderID) []*Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Descriptor
	for _, d := range r.models {
		if d.Provider == provider {
			out = append(out, d)
		}
	}
	return out
}

// ByCapability returns every descriptor declaring tag.
func (r *Registry) ByCapability(tag CapabilityTag) []*Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Descriptor
	for _, d := range r.models {
		if d.HasCapability(tag) {
			out = append(out, d)
		}
	}
	return out
}

// AllEnabled returns every enabled descriptor; this is Selector's starting
// set (§4.6 step 1).
func (r *Registry) AllEnabled() []*Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Descriptor, 0, len(r.models))
	for _, d := range r.models {
		if d.Enabled {
			out = append(out, d)
		}
	}
	return out
}

// All returns every descriptor regardless of enabled state.
func (r *Registry) All() []*Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Descriptor, 0, len(r.models))
	for _, d := range r.models {
		out = append(out, d)
	}
	return out
}

// Upsert validates and inserts/replaces a descriptor, then rewrites the
// backing document atomically: write to a temp file in the same
// directory, fsync, rename over the original (§4.1).
func (r *Registry) Upsert(d Descriptor) error {
	if err := validate.Struct(&d); err != nil {
		return fmt.Errorf("registry: invalid descriptor: %w", err)
	}

	r.mu.Lock()
	r.models[d.ID] = &d
	snapshot := make([]Descriptor, 0, len(r.models))
	for _, m := range r.models {
		snapshot = append(snapshot, *m)
	}
	path := r.path
	r.mu.Unlock()

	if path == "" {
		return nil // in-memory-only registry; nothing to persist
	}
	return writeDocumentAtomic(path, document{Models: snapshot})
}

func writeDocumentAtomic(path string, doc document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("registry: marshal document: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".registry-*.tmp")
	if err != nil {
		return fmt.Errorf("registry: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("registry: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("registry: fsync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("registry: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("registry: rename into place: %w", err)
	}
	return nil
}
