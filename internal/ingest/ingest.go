package ingest

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/careatlas/bulk-intake/internal/domain"
)

// DefaultMaxRows is the hard cap on rows per uploaded batch.
const DefaultMaxRows = 20

var requiredHeaders = []string{"name", "address"}

// ValidationError collects every semantic violation found in an upload so
// the client sees the full list, never a partial one.
type ValidationError struct {
	Violations []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%v: %s", domain.ErrValidation, strings.Join(e.Violations, "; "))
}

func (e *ValidationError) Unwrap() error { return domain.ErrValidation }

// Ingest decodes and parses CSV content into hospital rows. It checks
// structure only; header and field validation is ValidateRows' job.
// Returns domain.ErrFormat-wrapped errors for undecodable or ill-formed
// input.
func Ingest(content []byte) ([]domain.HospitalRow, []string, error) {
	if !utf8.Valid(content) {
		return nil, nil, fmt.Errorf("%w: content is not valid UTF-8 text", domain.ErrFormat)
	}

	reader := csv.NewReader(bytes.NewReader(content))
	reader.TrimLeadingSpace = true

	records, err := reader.ReadAll()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", domain.ErrFormat, err)
	}
	if len(records) == 0 {
		return nil, nil, fmt.Errorf("%w: file contains no data", domain.ErrFormat)
	}

	headers := make([]string, 0, len(records[0]))
	for _, h := range records[0] {
		headers = append(headers, strings.ToLower(strings.TrimSpace(h)))
	}

	columns := make(map[string]int, len(headers))
	for i, h := range headers {
		if _, dup := columns[h]; !dup {
			columns[h] = i
		}
	}

	rows := make([]domain.HospitalRow, 0, len(records)-1)
	for i, record := range records[1:] {
		row := domain.HospitalRow{
			RowNumber: i + 1,
			Name:      fieldValue(record, columns, "name"),
			Address:   fieldValue(record, columns, "address"),
		}
		if phone := fieldValue(record, columns, "phone"); phone != "" {
			row.Phone = &phone
		}
		rows = append(rows, row)
	}

	return rows, headers, nil
}

func fieldValue(record []string, columns map[string]int, name string) string {
	idx, ok := columns[name]
	if !ok || idx >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[idx])
}

// ValidateRows enforces the batch cap and the semantic rules. The capacity
// cap is a distinct failure checked before per-row validation; everything
// else is collected into a single ValidationError.
func ValidateRows(rows []domain.HospitalRow, headers []string, maxRows int) error {
	if maxRows <= 0 {
		maxRows = DefaultMaxRows
	}
	if len(rows) > maxRows {
		return fmt.Errorf("%w: maximum %d hospitals allowed, found %d", domain.ErrCapacity, maxRows, len(rows))
	}

	var violations []string

	present := make(map[string]bool, len(headers))
	for _, h := range headers {
		present[h] = true
	}
	for _, required := range requiredHeaders {
		if !present[required] {
			violations = append(violations, fmt.Sprintf("missing required header: %s", required))
		}
	}

	for _, row := range rows {
		if row.Name == "" {
			violations = append(violations, fmt.Sprintf("row %d: name is required and must be non-empty", row.RowNumber))
		}
		if row.Address == "" {
			violations = append(violations, fmt.Sprintf("row %d: address is required and must be non-empty", row.RowNumber))
		}
	}

	if len(violations) > 0 {
		return &ValidationError{Violations: violations}
	}
	return nil
}
