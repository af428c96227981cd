// Package records holds the JSON Schemas for the two record kinds the engine
// persists: outbox envelopes and cache entries. Backends validate every
// stored blob against these before handing it to callers.
package records

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

var ErrInvalidRecord = errors.New("invalid stored record")

type ValidationError struct {
	Kind string
	Err  error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s record: %v", e.Kind, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidRecord
}

const (
	KindEnvelope   = "envelope"
	KindCacheEntry = "cache-entry"
)

const envelopeSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["id", "url", "method", "headers", "timestamp"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "url": {"type": "string", "minLength": 1},
    "method": {"enum": ["POST", "PUT", "PATCH", "DELETE"]},
    "headers": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name", "value"],
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "value": {"type": "string"}
        }
      }
    },
    "body": {"type": ["string", "null"]},
    "timestamp": {"type": "integer", "minimum": 0},
    "intent": {"type": "string"}
  }
}`

const cacheEntrySchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["url", "status", "body", "storedAt"],
  "properties": {
    "url": {"type": "string", "minLength": 1},
    "status": {"type": "integer", "minimum": 100, "maximum": 599},
    "contentType": {"type": "string"},
    "body": {"type": ["string", "null"]},
    "storedAt": {"type": "integer", "minimum": 0}
  }
}`

var (
	compileOnce sync.Once
	compileErr  error
	schemas     map[string]*jsonschema.Schema
)

func compile() error {
	compileOnce.Do(func() {
		sources := map[string]string{
			KindEnvelope:   envelopeSchema,
			KindCacheEntry: cacheEntrySchema,
		}
		compiler := jsonschema.NewCompiler()
		compiled := make(map[string]*jsonschema.Schema, len(sources))
		for kind, source := range sources {
			doc, err := jsonschema.UnmarshalJSON(strings.NewReader(source))
			if err != nil {
				compileErr = fmt.Errorf("parse %s schema: %w", kind, err)
				return
			}
			loc := "https://relaysync.local/schemas/" + kind + ".json"
			if err := compiler.AddResource(loc, doc); err != nil {
				compileErr = fmt.Errorf("add %s schema: %w", kind, err)
				return
			}
			schema, err := compiler.Compile(loc)
			if err != nil {
				compileErr = fmt.Errorf("compile %s schema: %w", kind, err)
				return
			}
			compiled[kind] = schema
		}
		schemas = compiled
	})
	return compileErr
}

// Validate checks a raw JSON record of the given kind.
func Validate(kind string, data []byte) error {
	if err := compile(); err != nil {
		return err
	}
	schema, ok := schemas[kind]
	if !ok {
		return fmt.Errorf("unknown record kind %q", kind)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return &ValidationError{Kind: kind, Err: err}
	}
	if err := schema.Validate(inst); err != nil {
		return &ValidationError{Kind: kind, Err: err}
	}
	return nil
}

func ValidateEnvelope(data []byte) error {
	return Validate(KindEnvelope, data)
}

func ValidateCacheEntry(data []byte) error {
	return Validate(KindCacheEntry, data)
}
