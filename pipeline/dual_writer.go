package pipeline

import (
	"errors"
	"fmt"

	"github.com/aluiziolira/go-scrape-catalog/models"
)

// DualWriter exports every batch as both CSV and JSONL. A failure in one
// format does not skip the other.
type DualWriter struct {
	csv  *CSVWriter
	json *JSONWriter
}

// NewDualWriter creates both export files.
func NewDualWriter(csvFilename, jsonFilename string) (*DualWriter, error) {
	csvWriter, err := NewCSVWriter(csvFilename)
	if err != nil {
		return nil, err
	}
	jsonWriter, err := NewJSONWriter(jsonFilename)
	if err != nil {
		csvWriter.Close()
		return nil, err
	}
	return &DualWriter{csv: csvWriter, json: jsonWriter}, nil
}

// Write appends products to both files.
func (dw *DualWriter) Write(products []*models.Product) error {
	return dw.each(func(w OutputWriter) error { return w.Write(products) })
}

// Close closes both files.
func (dw *DualWriter) Close() error {
	return dw.each(OutputWriter.Close)
}

// Validate checks both files.
func (dw *DualWriter) Validate() error {
	return dw.each(OutputWriter.Validate)
}

func (dw *DualWriter) each(fn func(OutputWriter) error) error {
	var errs []error
	if err := fn(dw.csv); err != nil {
		errs = append(errs, fmt.Errorf("csv: %w", err))
	}
	if err := fn(dw.json); err != nil {
		errs = append(errs, fmt.Errorf("json: %w", err))
	}
	return errors.Join(errs...)
}
