package lexicon

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/pitabwire/xrpc/model"
)

// snapshot is an immutable collection of method definitions indexed by id.
type snapshot struct {
	methods  map[string]model.MethodDefinition
	checksum string
}

// Registry is a read-optimized, thread-safe store of method definitions.
// It uses atomic pointer swap for lock-free concurrent reads.
type Registry struct {
	snap atomic.Pointer[snapshot]
}

var _ model.SchemaRegistry = (*Registry)(nil)

// NewRegistry creates a Registry from the given documents.
func NewRegistry(docs []Document) *Registry {
	r := &Registry{}
	r.Replace(docs)
	return r
}

// Replace atomically swaps the registry contents with a new snapshot built
// from the given documents.
func (r *Registry) Replace(docs []Document) {
	s := &snapshot{methods: make(map[string]model.MethodDefinition, len(docs))}

	checksumParts := make([]string, 0, len(docs))
	for _, doc := range docs {
		s.methods[doc.ID] = doc.MethodDefinition
		checksumParts = append(checksumParts, doc.Checksum)
	}

	sort.Strings(checksumParts)
	combined := strings.Join(checksumParts, ":")
	s.checksum = fmt.Sprintf("%x", sha256.Sum256([]byte(combined)))

	r.snap.Store(s)
}

func (r *Registry) current() *snapshot {
	return r.snap.Load()
}

// Definition returns the method definition with the given id.
func (r *Registry) Definition(id string) (model.MethodDefinition, bool) {
	d, ok := r.current().methods[id]
	return d, ok
}

// IDs returns the sorted ids of all known methods.
func (r *Registry) IDs() []string {
	s := r.current()
	ids := make([]string, 0, len(s.methods))
	for id := range s.methods {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of known methods.
func (r *Registry) Len() int {
	return len(r.current().methods)
}

// Checksum returns the combined checksum of all loaded documents.
func (r *Registry) Checksum() string {
	return r.current().checksum
}

// ValidateParams checks decoded query parameters against the method's
// parameter schema. Methods without a parameter schema accept no parameters.
func (r *Registry) ValidateParams(id string, params map[string]any) error {
	def, ok := r.Definition(id)
	if !ok {
		return fmt.Errorf("lexicon not found: %s", id)
	}
	if def.Parameters == nil {
		for k := range params {
			return fmt.Errorf("unexpected parameter %q", k)
		}
		return nil
	}
	if params == nil {
		params = map[string]any{}
	}
	return visit("Params", def.Parameters, params)
}

// ValidateInput checks a decoded request body against the method's input
// schema.
func (r *Registry) ValidateInput(id string, body any) error {
	def, ok := r.Definition(id)
	if !ok {
		return fmt.Errorf("lexicon not found: %s", id)
	}
	return validateBody("Input", def.Input, body)
}

// ValidateOutput checks a response body against the method's output schema.
func (r *Registry) ValidateOutput(id string, body any) error {
	def, ok := r.Definition(id)
	if !ok {
		return fmt.Errorf("lexicon not found: %s", id)
	}
	return validateBody("Output", def.Output, body)
}

func validateBody(label string, def *model.BodyDefinition, body any) error {
	if def == nil {
		if body != nil {
			return fmt.Errorf("%s body was provided when none was expected", label)
		}
		return nil
	}
	if body == nil {
		if def.Schema != nil {
			return fmt.Errorf("%s body is expected but none was provided", label)
		}
		return nil
	}
	if def.Schema == nil || !model.IsJSONEncoding(def.Encoding) {
		return nil
	}
	return visit(label, def.Schema, body)
}

// visit validates a JSON-normalized copy of v so numeric Go types compare
// the way they will once serialized.
func visit(label string, schema *openapi3.Schema, v any) error {
	normalized, err := normalize(v)
	if err != nil {
		return fmt.Errorf("%s is not JSON encodable: %w", label, err)
	}

	err = schema.VisitJSON(normalized)
	if err == nil {
		return nil
	}
	return describe(label, err)
}

func normalize(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// describe renders a schema error as "<label>/<pointer> <reason>".
func describe(label string, err error) error {
	var se *openapi3.SchemaError
	if !errors.As(err, &se) {
		return fmt.Errorf("%s: %w", label, err)
	}

	path := label
	if ptr := se.JSONPointer(); len(ptr) > 0 {
		path += "/" + strings.Join(ptr, "/")
	}
	return fmt.Errorf("%s %s", path, se.Reason)
}
