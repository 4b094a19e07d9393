package model

import "io"

// HandlerOutput is the tagged result of a handler. Exactly one variant is
// produced per invocation: *HandlerSuccess, *HandlerPipeThroughBuffer,
// *HandlerPipeThroughStream or *HandlerError. A nil output means an empty
// response.
type HandlerOutput interface {
	handlerOutput()
}

// HandlerSuccess is a schema-validated response body.
type HandlerSuccess struct {
	Encoding string
	// Body is a JSON-encodable value for JSON encodings, and []byte, string
	// or io.Reader otherwise.
	Body    any
	Headers map[string]string
}

// HandlerPipeThroughBuffer forwards a raw buffer without output validation.
type HandlerPipeThroughBuffer struct {
	Encoding string
	Buffer   []byte
	Headers  map[string]string
}

// HandlerPipeThroughStream forwards a raw stream without output validation.
// The stream is closed once copied.
type HandlerPipeThroughStream struct {
	Encoding string
	Stream   io.ReadCloser
	Headers  map[string]string
}

func (*HandlerSuccess) handlerOutput()           {}
func (*HandlerPipeThroughBuffer) handlerOutput() {}
func (*HandlerPipeThroughStream) handlerOutput() {}

// JSON returns a success output with the application/json encoding.
func JSON(body any) *HandlerSuccess {
	return &HandlerSuccess{Encoding: EncodingJSON, Body: body}
}

// Common encodings.
const (
	EncodingJSON = "application/json"
	EncodingText = "text/plain"
)

// IsJSONEncoding reports whether an encoding denotes a JSON body.
func IsJSONEncoding(enc string) bool {
	return enc == EncodingJSON || enc == "json"
}
