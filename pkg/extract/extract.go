// Package extract defines the document-extraction collaborator. The
// service converts uploaded document bytes to text at the ingest stage
// and derives structural elements (tables, entities) from anonymized
// text at the extract-structure stage.
package extract

import (
	"context"
	"fmt"
)

// Table is a tabular region recovered from a document.
type Table struct {
	Name string     `json:"name"`
	Rows [][]string `json:"rows"`
}

// Entity is a typed span recognized in the document.
type Entity struct {
	Type  string  `json:"type"`
	Value string  `json:"value"`
	Score float64 `json:"score"`
}

// Structure is the result of structural extraction.
type Structure struct {
	Text       string   `json:"text"`
	Tables     []Table  `json:"tables"`
	Entities   []Entity `json:"entities"`
	Confidence float64  `json:"confidence"`
}

// Service is the narrow contract the pipeline holds toward the extractor.
type Service interface {
	// ExtractText performs OCR/text extraction on raw document bytes.
	ExtractText(ctx context.Context, data []byte, filename string) (string, error)

	// ExtractStructure derives tables and entities from anonymized text.
	ExtractStructure(ctx context.Context, anonymizedText string) (*Structure, error)
}

// Kind classifies service failures for retry decisions.
type Kind string

const (
	KindRateLimited  Kind = "rate-limited"
	KindUnavailable  Kind = "unavailable"
	KindInvalidInput Kind = "invalid-input"
)

// Error is a typed failure from the extraction service.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("extraction service %s: %s", e.Kind, e.Message)
}

// Retryable reports whether the pipeline may retry the failed call.
func (e *Error) Retryable() bool {
	return e.Kind == KindRateLimited || e.Kind == KindUnavailable
}
