package model

import (
	"net/http"

	"github.com/getkin/kin-openapi/openapi3"
)

// MethodKind classifies a method definition.
type MethodKind string

const (
	KindQuery        MethodKind = "query"
	KindProcedure    MethodKind = "procedure"
	KindSubscription MethodKind = "subscription"
)

// HTTPMethod returns the transport verb a request-response method is served
// on, or "" for subscriptions.
func (k MethodKind) HTTPMethod() string {
	switch k {
	case KindQuery:
		return http.MethodGet
	case KindProcedure:
		return http.MethodPost
	default:
		return ""
	}
}

// BodyDefinition describes a request input, response output, or stream
// message: the declared encoding and, for JSON encodings, its schema.
type BodyDefinition struct {
	Encoding string          `json:"encoding"`
	Schema   *openapi3.Schema `json:"schema,omitempty"`
}

// MethodDefinition is the immutable schema for one method, identified by its
// NSID.
type MethodDefinition struct {
	ID          string           `json:"id"`
	Kind        MethodKind       `json:"type"`
	Description string           `json:"description,omitempty"`
	Parameters  *openapi3.Schema `json:"parameters,omitempty"`
	Input       *BodyDefinition  `json:"input,omitempty"`
	Output      *BodyDefinition  `json:"output,omitempty"`
	Message     *BodyDefinition  `json:"message,omitempty"`
	Errors      []string         `json:"errors,omitempty"`
}

// SchemaRegistry resolves method definitions and validates values against
// them. Validation failures are returned as plain errors describing the
// mismatch; callers attribute them to the correct taxonomy kind.
type SchemaRegistry interface {
	Definition(id string) (MethodDefinition, bool)
	ValidateParams(id string, params map[string]any) error
	ValidateInput(id string, body any) error
	ValidateOutput(id string, body any) error
}
