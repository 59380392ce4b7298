package serializer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"strings"
)

// encodeFailure is the body sent when a response cannot be encoded. It has
// the shape of the server's error replies so clients parse one schema.
var encodeFailure = []byte(`{"code":"INTERNAL","message":"failed to encode response","retryable":true}` + "\n")

// Respond writes data with statusCode in the format the request asks for:
// YAML when the format query parameter or the Accept header names it, JSON
// otherwise.
func Respond(w http.ResponseWriter, r *http.Request, statusCode int, data any) {
	respond(w, statusCode, Negotiate(r), data)
}

// RespondJSON writes data as JSON with statusCode.
func RespondJSON(w http.ResponseWriter, statusCode int, data any) {
	respond(w, statusCode, FormatJSON, data)
}

// Negotiate picks the response format for r. Tables are a terminal format
// and are never served.
func Negotiate(r *http.Request) Format {
	if r == nil {
		return FormatJSON
	}
	if f := Format(strings.ToLower(r.URL.Query().Get("format"))); f == FormatYAML || f == FormatJSON {
		return f
	}
	for _, part := range strings.Split(r.Header.Get("Accept"), ",") {
		mt, _, err := mime.ParseMediaType(strings.TrimSpace(part))
		if err != nil {
			continue
		}
		switch mt {
		case "application/json":
			return FormatJSON
		case "application/yaml", "application/x-yaml", "text/yaml":
			return FormatYAML
		}
	}
	return FormatJSON
}

// ContentType returns the media type of a response in format f.
func ContentType(f Format) string {
	if f == FormatYAML {
		return "application/yaml"
	}
	return "application/json"
}

// respond encodes the whole body before writing headers, so an encoding
// failure still yields a clean 500.
func respond(w http.ResponseWriter, statusCode int, format Format, data any) {
	body, err := encodeBody(format, data)
	if err != nil {
		slog.Error("failed to encode response",
			slog.String("format", string(format)),
			slog.String("type", fmt.Sprintf("%T", data)),
			slog.String("error", err.Error()))
		w.Header().Set("Content-Type", ContentType(FormatJSON))
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write(encodeFailure)
		return
	}

	w.Header().Set("Content-Type", ContentType(format))
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(statusCode)
	if _, err := w.Write(body); err != nil {
		slog.Debug("client went away before the response was written", slog.String("error", err.Error()))
	}
}

// encodeBody renders JSON compactly for the wire; YAML goes through Writer.
func encodeBody(format Format, data any) ([]byte, error) {
	var buf bytes.Buffer
	if format == FormatJSON {
		if err := json.NewEncoder(&buf).Encode(data); err != nil {
			return nil, fmt.Errorf("failed to serialize to json: %w", err)
		}
		return buf.Bytes(), nil
	}
	if err := NewWriter(format, &buf).Serialize(context.Background(), data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
