// Package export serializes a visit table for consumers outside the
// extractor: CSV and JSON downloads and a printable PDF.
package export

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/hyperifyio/koteria/internal/visit"
)

// Supported formats.
const (
	FormatCSV  = "csv"
	FormatJSON = "json"
	FormatPDF  = "pdf"
)

// ErrUnknownFormat is returned for a format name Write does not know.
var ErrUnknownFormat = errors.New("unknown export format")

// FormatFromPath guesses the format from a file extension, defaulting to CSV.
func FormatFromPath(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON
	case ".pdf":
		return FormatPDF
	default:
		return FormatCSV
	}
}

// ContentType returns the MIME type for a format.
func ContentType(format string) string {
	switch format {
	case FormatJSON:
		return "application/json"
	case FormatPDF:
		return "application/pdf"
	default:
		return "text/csv; charset=utf-8"
	}
}

// Write encodes t to w in the given format.
func Write(w io.Writer, format string, t visit.Table) error {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case FormatCSV, "":
		return WriteCSV(w, t)
	case FormatJSON:
		return WriteJSON(w, t)
	case FormatPDF:
		return WritePDF(w, t)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
}

// WriteFile writes t to path, picking the format from the extension when
// format is empty.
func WriteFile(path string, format string, t visit.Table) error {
	if strings.TrimSpace(format) == "" {
		format = FormatFromPath(path)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create output: %w", err)
	}
	if err := Write(f, format, t); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// WriteCSV writes a header row with the column names followed by one row
// per visit. Absent fields are written as empty cells.
func WriteCSV(w io.Writer, t visit.Table) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(t.Columns); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	row := make([]string, len(t.Columns))
	for _, r := range t.Rows {
		for i, c := range r.Cells() {
			row[i] = c.Value
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteJSON writes the rows as a JSON array of objects in column order.
// Absent fields are null.
func WriteJSON(w io.Writer, t visit.Table) error {
	rows := t.Rows
	if rows == nil {
		rows = []visit.Record{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(rows)
}
