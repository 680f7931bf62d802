package export

import (
	"encoding/json"
	"fmt"
	"io"
)

// JSONExporter writes the transcript as one pretty-printed document.
type JSONExporter struct{}

func (e *JSONExporter) Export(t *Transcript, w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	return enc.Encode(t)
}

func (e *JSONExporter) Extension() string {
	return "json"
}

// JSONLExporter writes one message per line, without the transcript
// header.
type JSONLExporter struct{}

func (e *JSONLExporter) Export(t *Transcript, w io.Writer) error {
	enc := json.NewEncoder(w)

	for _, msg := range t.Messages {
		if err := enc.Encode(msg); err != nil {
			return fmt.Errorf("encoding message %s: %w", msg.ID, err)
		}
	}

	return nil
}

func (e *JSONLExporter) Extension() string {
	return "jsonl"
}
