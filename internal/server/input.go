package server

import (
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/pitabwire/xrpc/model"
)

// hasBody reports whether the request carries a body. Chunked requests of
// unknown length count as having one.
func hasBody(r *http.Request) bool {
	if r.Body == nil || r.Body == http.NoBody {
		return false
	}
	return r.ContentLength != 0
}

// decodeInput reads and validates a procedure body. Queries, and procedures
// declaring no input, must not send one.
func (s *Server) decodeInput(w http.ResponseWriter, r *http.Request, rt *route) (*model.HandlerInput, error) {
	declared := rt.def.Input
	present := hasBody(r)

	if declared == nil || declared.Encoding == "" {
		if present {
			return nil, model.NewInvalidRequestError("A request body was provided when none was expected")
		}
		return nil, nil
	}
	if !present {
		return nil, model.NewInvalidRequestError("A request body is expected but none was provided")
	}

	raw := r.Header.Get("Content-Type")
	if raw == "" {
		return nil, model.NewInvalidRequestError("Request encoding (Content-Type) required but not provided")
	}
	encoding, _, err := mime.ParseMediaType(raw)
	if err != nil {
		return nil, model.NewInvalidRequestError(fmt.Sprintf("Invalid request encoding (Content-Type): %s", raw))
	}
	if !encodingMatches(declared.Encoding, encoding) {
		return nil, model.NewInvalidRequestError(fmt.Sprintf("Wrong request encoding (Content-Type): %s", encoding))
	}

	switch {
	case model.IsJSONEncoding(encoding):
		data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.opts.JSONLimit))
		if err != nil {
			return nil, err
		}
		var body any
		if err := json.Unmarshal(data, &body); err != nil {
			return nil, model.NewInvalidRequestError(fmt.Sprintf("Unable to parse request body: %v", err))
		}
		if err := s.registry.ValidateInput(rt.nsid, body); err != nil {
			return nil, model.NewInvalidRequestError(err.Error())
		}
		return &model.HandlerInput{Encoding: encoding, Body: body}, nil

	case strings.HasPrefix(encoding, "text/"):
		data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.opts.TextLimit))
		if err != nil {
			return nil, err
		}
		return &model.HandlerInput{Encoding: encoding, Body: string(data)}, nil

	default:
		return &model.HandlerInput{Encoding: encoding, Body: http.MaxBytesReader(w, r.Body, rt.blobLimit)}, nil
	}
}

// encodingMatches reports whether actual satisfies a declared encoding. The
// declaration may list several encodings separated by commas and may use the
// "*/*" and "type/*" wildcards.
func encodingMatches(declared, actual string) bool {
	actual = strings.ToLower(strings.TrimSpace(actual))
	if actual == "json" {
		actual = model.EncodingJSON
	}
	for _, d := range strings.Split(declared, ",") {
		d = strings.ToLower(strings.TrimSpace(d))
		switch {
		case d == "":
		case d == "*/*":
			return true
		case d == "json":
			if actual == model.EncodingJSON {
				return true
			}
		case strings.HasSuffix(d, "/*"):
			if strings.HasPrefix(actual, strings.TrimSuffix(d, "*")) {
				return true
			}
		case d == actual:
			return true
		}
	}
	return false
}
