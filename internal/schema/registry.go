// Package schema implements the schema registry described in spec §3 and
// §4.2: a durable document per key plus an in-memory compiled validator,
// kept in sync so append-path validation never touches disk.
package schema

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Registry holds compiled validators keyed by schema key. It is the
// "in-memory parallel" object spec §3 describes alongside the persisted
// schema document.
type Registry struct {
	mu         sync.RWMutex
	validators map[string]*jsonschema.Schema
	documents  map[string]json.RawMessage
	versions   map[string]int
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		validators: make(map[string]*jsonschema.Schema),
		documents:  make(map[string]json.RawMessage),
		versions:   make(map[string]int),
	}
}

// Register compiles and stores a schema document under key. Called at
// process init or via router wiring (spec §4.2).
func (r *Registry) Register(key string, document json.RawMessage, version int) error {
	compiler := jsonschema.NewCompiler()
	var decoded any
	if err := json.Unmarshal(document, &decoded); err != nil {
		return fmt.Errorf("schema: invalid document for %q: %w", key, err)
	}
	resourceURL := "mem://" + key
	if err := compiler.AddResource(resourceURL, decoded); err != nil {
		return fmt.Errorf("schema: add resource %q: %w", key, err)
	}
	compiled, err := compiler.Compile(resourceURL)
	if err != nil {
		return fmt.Errorf("schema: compile %q: %w", key, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.validators[key] = compiled
	r.documents[key] = document
	r.versions[key] = version
	return nil
}

// Validate checks data (already decoded as a generic JSON value) against
// the schema registered under key. Returns (false, nil) if key is unknown —
// callers decide whether an unbound schema key is an error.
func (r *Registry) Validate(key string, data any) (bool, error) {
	r.mu.RLock()
	v, ok := r.validators[key]
	r.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if err := v.Validate(data); err != nil {
		return true, fmt.Errorf("%w: %s", ErrValidation, err.Error())
	}
	return true, nil
}

// Has reports whether a validator is registered under key.
func (r *Registry) Has(key string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.validators[key]
	return ok
}

// Document returns the raw document and version registered under key.
func (r *Registry) Document(key string) (json.RawMessage, int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	doc, ok := r.documents[key]
	return doc, r.versions[key], ok
}

// ErrValidation is wrapped around every schema-validation failure so callers
// can distinguish it from I/O or parse errors with errors.Is.
var ErrValidation = fmt.Errorf("schema: validation failed")
