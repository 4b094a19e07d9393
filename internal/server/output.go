package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"go.opentelemetry.io/otel/trace"

	"github.com/pitabwire/xrpc/internal/observability"
	"github.com/pitabwire/xrpc/model"
)

// writeOutput encodes a handler result. Pipe-through outputs skip output
// validation; a *model.HandlerError is returned as a failure.
func (s *Server) writeOutput(ctx context.Context, w http.ResponseWriter, rt *route, out model.HandlerOutput) error {
	switch o := out.(type) {
	case nil:
		return s.writeEmpty(w, rt)

	case *model.HandlerError:
		if o == nil {
			return s.writeEmpty(w, rt)
		}
		return model.FromHandlerError(o)

	case *model.HandlerPipeThroughBuffer:
		if o == nil {
			return s.writeEmpty(w, rt)
		}
		setHeaders(w, o.Headers)
		w.Header().Set("Content-Type", o.Encoding)
		w.WriteHeader(http.StatusOK)
		_, err := w.Write(o.Buffer)
		return err

	case *model.HandlerPipeThroughStream:
		if o == nil {
			return s.writeEmpty(w, rt)
		}
		if o.Stream == nil {
			return model.NewInternalServerError("pipe-through output has no stream")
		}
		defer o.Stream.Close()
		setHeaders(w, o.Headers)
		w.Header().Set("Content-Type", o.Encoding)
		w.WriteHeader(http.StatusOK)
		if _, err := io.Copy(w, o.Stream); err != nil {
			return fmt.Errorf("piping response stream: %w", err)
		}
		return nil

	case *model.HandlerSuccess:
		if o == nil {
			return s.writeEmpty(w, rt)
		}
		return s.writeSuccess(ctx, w, rt, o)

	default:
		return model.NewInternalServerError(fmt.Sprintf("unsupported handler output %T", out))
	}
}

func (s *Server) writeEmpty(w http.ResponseWriter, rt *route) error {
	if !s.opts.SkipOutputValidation {
		if err := s.registry.ValidateOutput(rt.nsid, nil); err != nil {
			return model.NewInternalServerError("Invalid output: " + err.Error()).WithCause(err)
		}
	}
	w.WriteHeader(http.StatusOK)
	return nil
}

func (s *Server) writeSuccess(ctx context.Context, w http.ResponseWriter, rt *route, o *model.HandlerSuccess) error {
	trace.SpanFromContext(ctx).SetAttributes(observability.AttrEncoding.String(o.Encoding))

	if !s.opts.SkipOutputValidation {
		if declared := rt.def.Output; declared != nil && declared.Encoding != "" && !encodingMatches(declared.Encoding, o.Encoding) {
			return model.NewInternalServerError(fmt.Sprintf("Invalid response encoding: %s", o.Encoding))
		}
		if err := s.registry.ValidateOutput(rt.nsid, o.Body); err != nil {
			return model.NewInternalServerError("Invalid output: " + err.Error()).WithCause(err)
		}
	}

	if model.IsJSONEncoding(o.Encoding) {
		data, err := json.Marshal(canonical(o.Body))
		if err != nil {
			return fmt.Errorf("encoding response: %w", err)
		}
		setHeaders(w, o.Headers)
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, err = w.Write(data)
		return err
	}

	switch body := o.Body.(type) {
	case []byte:
		writeRaw(w, o)
		_, err := w.Write(body)
		return err
	case string:
		writeRaw(w, o)
		_, err := io.WriteString(w, body)
		return err
	case io.Reader:
		if c, ok := body.(io.Closer); ok {
			defer c.Close()
		}
		writeRaw(w, o)
		if _, err := io.Copy(w, body); err != nil {
			return fmt.Errorf("streaming response body: %w", err)
		}
		return nil
	case nil:
		writeRaw(w, o)
		return nil
	default:
		return model.NewInternalServerError(fmt.Sprintf("unsupported body %T for encoding %s", o.Body, o.Encoding))
	}
}

func writeRaw(w http.ResponseWriter, o *model.HandlerSuccess) {
	setHeaders(w, o.Headers)
	w.Header().Set("Content-Type", o.Encoding)
	w.WriteHeader(http.StatusOK)
}

func setHeaders(w http.ResponseWriter, headers map[string]string) {
	for name, val := range headers {
		if val != "" {
			w.Header().Set(name, val)
		}
	}
}

// canonical rewrites byte slices nested in maps and slices into the
// {"$bytes": "<base64>"} form. Other values are returned unchanged.
func canonical(v any) any {
	switch t := v.(type) {
	case []byte:
		return map[string]any{"$bytes": base64.RawStdEncoding.EncodeToString(t)}
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = canonical(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = canonical(e)
		}
		return out
	default:
		return v
	}
}
