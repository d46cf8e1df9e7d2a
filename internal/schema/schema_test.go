package schema

import (
	"encoding/json"
	"errors"
	"testing"
)

const samplePersonSchema = `{
	"type": "object",
	"properties": {"name": {"type": "string"}},
	"required": ["name"]
}`

func TestRegisterAndValidate(t *testing.T) {
	r := New()
	if err := r.Register("person", json.RawMessage(samplePersonSchema), 1); err != nil {
		t.Fatalf("register: %v", err)
	}

	matched, err := r.Validate("person", map[string]any{"name": "ada"})
	if err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
	if !matched {
		t.Errorf("expected Validate to report a registered key as matched")
	}
}

func TestValidateRejectsNonConformingData(t *testing.T) {
	r := New()
	if err := r.Register("person", json.RawMessage(samplePersonSchema), 1); err != nil {
		t.Fatalf("register: %v", err)
	}

	_, err := r.Validate("person", map[string]any{"age": 10})
	if !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation for a document missing a required field, got %v", err)
	}
}

func TestValidateUnknownKeyReportsUnmatched(t *testing.T) {
	r := New()
	matched, err := r.Validate("unregistered", map[string]any{})
	if err != nil {
		t.Errorf("expected no error for an unknown key, got %v", err)
	}
	if matched {
		t.Errorf("expected Validate to report false for an unregistered key")
	}
}

func TestRegisterRejectsInvalidJSON(t *testing.T) {
	r := New()
	if err := r.Register("broken", json.RawMessage(`not json`), 1); err == nil {
		t.Fatalf("expected an error registering a malformed schema document")
	}
}

func TestHasAndDocument(t *testing.T) {
	r := New()
	if r.Has("person") {
		t.Errorf("expected Has to report false before registration")
	}
	if err := r.Register("person", json.RawMessage(samplePersonSchema), 2); err != nil {
		t.Fatalf("register: %v", err)
	}
	if !r.Has("person") {
		t.Errorf("expected Has to report true after registration")
	}

	doc, version, ok := r.Document("person")
	if !ok {
		t.Fatalf("expected Document to find the registered schema")
	}
	if version != 2 {
		t.Errorf("expected version 2, got %d", version)
	}
	if len(doc) == 0 {
		t.Errorf("expected a non-empty document")
	}
}

func TestRegisterOverwritesPriorVersion(t *testing.T) {
	r := New()
	r.Register("person", json.RawMessage(samplePersonSchema), 1)
	r.Register("person", json.RawMessage(samplePersonSchema), 5)

	_, version, _ := r.Document("person")
	if version != 5 {
		t.Errorf("expected re-registering the same key to overwrite the version, got %d", version)
	}
}
