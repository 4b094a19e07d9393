package lexicon

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/pitabwire/xrpc/model"
)

// DecodeParams converts raw query values into the typed values the method's
// parameter schema expects. Only declared parameters are read. Array
// parameters accept repeated keys ("tag=a&tag=b") and the explicit marker
// form ("tag[]=a"). Absent parameters take their schema default, if any.
func DecodeParams(def model.MethodDefinition, q url.Values) (map[string]any, error) {
	params := make(map[string]any)
	if def.Parameters == nil {
		return params, nil
	}

	for name, ref := range def.Parameters.Properties {
		if ref == nil || ref.Value == nil {
			continue
		}
		schema := ref.Value

		raw := q[name]
		if len(raw) == 0 {
			raw = q[name+"[]"]
		}
		if len(raw) == 0 {
			if schema.Default != nil {
				params[name] = schema.Default
			}
			continue
		}

		if schema.Type.Is(openapi3.TypeArray) {
			if schema.Items == nil || schema.Items.Value == nil {
				return nil, fmt.Errorf("parameter %q has no item schema", name)
			}
			items := make([]any, 0, len(raw))
			for _, s := range raw {
				v, err := decodeScalar(name, schema.Items.Value, s)
				if err != nil {
					return nil, err
				}
				items = append(items, v)
			}
			params[name] = items
			continue
		}

		v, err := decodeScalar(name, schema, raw[0])
		if err != nil {
			return nil, err
		}
		params[name] = v
	}
	return params, nil
}

func decodeScalar(name string, schema *openapi3.Schema, s string) (any, error) {
	switch {
	case schema.Type.Is(openapi3.TypeInteger):
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("Params/%s must be an integer", name)
		}
		return n, nil
	case schema.Type.Is(openapi3.TypeNumber):
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("Params/%s must be a number", name)
		}
		return f, nil
	case schema.Type.Is(openapi3.TypeBoolean):
		switch s {
		case "true":
			return true, nil
		case "false":
			return false, nil
		}
		return nil, fmt.Errorf("Params/%s must be a boolean", name)
	default:
		return s, nil
	}
}
