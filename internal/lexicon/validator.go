package lexicon

import (
	"context"
	"fmt"
	"regexp"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/pitabwire/xrpc/model"
)

var nsidPattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9-]*(\.[a-zA-Z0-9][a-zA-Z0-9-]*)+\.[a-zA-Z][a-zA-Z0-9]*$`)

// ValidNSID reports whether id is a well-formed method identifier.
func ValidNSID(id string) bool {
	return len(id) <= 317 && nsidPattern.MatchString(id)
}

// VError describes a single validation error in a lexicon document.
type VError struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e VError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// Validator checks lexicon documents structurally before they are served.
type Validator struct{}

// NewValidator creates a new Validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate checks all documents and reports every problem found.
func (v *Validator) Validate(docs []Document) []VError {
	var errs []VError
	seen := make(map[string]string, len(docs))

	for i, doc := range docs {
		prefix := fmt.Sprintf("lexicons[%d]", i)
		if doc.SourceFile != "" {
			prefix = doc.SourceFile
		}
		errs = append(errs, v.validateDocument(prefix, doc)...)

		if doc.ID == "" {
			continue
		}
		if first, dup := seen[doc.ID]; dup {
			errs = append(errs, VError{
				Path:    prefix + ".id",
				Code:    "DUPLICATE_ID",
				Message: fmt.Sprintf("method %s already declared in %s", doc.ID, first),
			})
			continue
		}
		seen[doc.ID] = prefix
	}
	return errs
}

func (v *Validator) validateDocument(prefix string, doc Document) []VError {
	var errs []VError

	if doc.Lexicon != 1 {
		errs = append(errs, VError{Path: prefix + ".lexicon", Code: "UNSUPPORTED_VERSION", Message: fmt.Sprintf("lexicon version %d is not supported", doc.Lexicon)})
	}
	if doc.ID == "" {
		errs = append(errs, VError{Path: prefix + ".id", Code: "REQUIRED", Message: "id is required"})
	} else if !ValidNSID(doc.ID) {
		errs = append(errs, VError{Path: prefix + ".id", Code: "INVALID_NSID", Message: fmt.Sprintf("%q is not a valid method identifier", doc.ID)})
	}

	switch doc.Kind {
	case model.KindQuery:
		if doc.Input != nil {
			errs = append(errs, VError{Path: prefix + ".input", Code: "UNEXPECTED", Message: "queries cannot declare an input"})
		}
	case model.KindProcedure:
	case model.KindSubscription:
		if doc.Input != nil || doc.Output != nil {
			errs = append(errs, VError{Path: prefix, Code: "UNEXPECTED", Message: "subscriptions declare a message, not input or output"})
		}
	default:
		errs = append(errs, VError{Path: prefix + ".type", Code: "INVALID_TYPE", Message: fmt.Sprintf("unknown method type %q", doc.Kind)})
	}

	if doc.Parameters != nil {
		errs = append(errs, validateParamsSchema(prefix+".parameters", doc.Parameters)...)
	}
	errs = append(errs, validateBodyDefinition(prefix+".input", doc.Input)...)
	errs = append(errs, validateBodyDefinition(prefix+".output", doc.Output)...)
	errs = append(errs, validateBodyDefinition(prefix+".message", doc.Message)...)

	return errs
}

func validateBodyDefinition(path string, body *model.BodyDefinition) []VError {
	if body == nil {
		return nil
	}
	var errs []VError
	if body.Encoding == "" {
		errs = append(errs, VError{Path: path + ".encoding", Code: "REQUIRED", Message: "encoding is required"})
	}
	if body.Schema != nil {
		if err := body.Schema.Validate(context.Background()); err != nil {
			errs = append(errs, VError{Path: path + ".schema", Code: "INVALID_SCHEMA", Message: err.Error()})
		}
	}
	return errs
}

// validateParamsSchema restricts parameters to what a query string can carry:
// an object of scalars and arrays of scalars.
func validateParamsSchema(path string, s *openapi3.Schema) []VError {
	if !s.Type.Is(openapi3.TypeObject) {
		return []VError{{Path: path + ".type", Code: "INVALID_PARAMS", Message: "parameters must be an object schema"}}
	}
	if err := s.Validate(context.Background()); err != nil {
		return []VError{{Path: path, Code: "INVALID_SCHEMA", Message: err.Error()}}
	}

	var errs []VError
	for name, ref := range s.Properties {
		if ref == nil || ref.Value == nil {
			continue
		}
		p := ref.Value
		if p.Type.Is(openapi3.TypeArray) {
			if p.Items == nil || p.Items.Value == nil || !isScalar(p.Items.Value) {
				errs = append(errs, VError{Path: path + ".properties." + name, Code: "INVALID_PARAMS", Message: "array parameters must have scalar items"})
			}
			continue
		}
		if !isScalar(p) {
			errs = append(errs, VError{Path: path + ".properties." + name, Code: "INVALID_PARAMS", Message: "parameters must be scalars or arrays of scalars"})
		}
	}
	return errs
}

func isScalar(s *openapi3.Schema) bool {
	return s.Type.Is(openapi3.TypeString) ||
		s.Type.Is(openapi3.TypeInteger) ||
		s.Type.Is(openapi3.TypeNumber) ||
		s.Type.Is(openapi3.TypeBoolean)
}
