// Package serializer renders command and API output as JSON, YAML or a
// plain-text table.
package serializer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// StdoutURI is the output path meaning standard output.
const StdoutURI = "-"

// Format is an output encoding.
type Format string

const (
	FormatJSON  Format = "json"
	FormatYAML  Format = "yaml"
	FormatTable Format = "table"
)

// SupportedFormats lists the accepted format names.
func SupportedFormats() []string {
	return []string{string(FormatJSON), string(FormatYAML), string(FormatTable)}
}

// IsUnknown reports whether f is not a supported format.
func (f Format) IsUnknown() bool {
	switch f {
	case FormatJSON, FormatYAML, FormatTable:
		return false
	default:
		return true
	}
}

// Serializer writes a value in some format.
type Serializer interface {
	Serialize(ctx context.Context, data any) error
}

// Closer is implemented by serializers holding a resource.
type Closer interface {
	Close() error
}

// Writer serializes values to an io.Writer.
type Writer struct {
	format Format
	output io.Writer
	closer io.Closer
}

// NewWriter returns a Writer for output. Unknown formats fall back to JSON.
func NewWriter(format Format, output io.Writer) *Writer {
	if format.IsUnknown() {
		format = FormatJSON
	}
	if output == nil {
		output = os.Stdout
	}
	return &Writer{format: format, output: output}
}

// NewStdoutWriter returns a Writer for standard output.
func NewStdoutWriter(format Format) *Writer {
	return NewWriter(format, os.Stdout)
}

// NewFileWriterOrStdout returns a Writer for path, or for standard output
// when path is empty or "-". The caller closes file writers.
func NewFileWriterOrStdout(format Format, path string) (Serializer, error) {
	path = strings.TrimSpace(path)
	if path == "" || path == StdoutURI {
		return NewStdoutWriter(format), nil
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create output file %s: %w", path, err)
	}
	w := NewWriter(format, f)
	w.closer = f
	return w, nil
}

// Serialize writes data in the writer's format.
func (w *Writer) Serialize(_ context.Context, data any) error {
	switch w.format {
	case FormatYAML:
		enc := yaml.NewEncoder(w.output)
		enc.SetIndent(2)
		if err := enc.Encode(data); err != nil {
			return fmt.Errorf("failed to serialize to yaml: %w", err)
		}
		return enc.Close()
	case FormatTable:
		return writeTable(w.output, data)
	default:
		enc := json.NewEncoder(w.output)
		enc.SetIndent("", "  ")
		if err := enc.Encode(data); err != nil {
			return fmt.Errorf("failed to serialize to json: %w", err)
		}
		return nil
	}
}

// Close releases the underlying file, if any. It is safe to call twice.
func (w *Writer) Close() error {
	if w.closer == nil {
		return nil
	}
	err := w.closer.Close()
	w.closer = nil
	return err
}
