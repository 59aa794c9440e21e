package export

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hyperifyio/koteria/internal/pipeline"
	"github.com/hyperifyio/koteria/internal/visit"
)

const sample = "<B> 02/01/2025 09:07: Visit<BR></B>Owner: Jane Doe<BR>Tel.: 555-1234<BR>_Spay, routine<BR>" +
	"<B> 99/99/9999 00:00: Examination<BR></B>Recommendations:<BR>Rest<BR>"

func sampleTable(t *testing.T) visit.Table {
	t.Helper()
	res, err := pipeline.Run([]byte(sample), "iso-8859-2", pipeline.Options{})
	if err != nil {
		t.Fatalf("pipeline: %v", err)
	}
	return res.Table
}

func TestWriteCSV(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteCSV(&buf, sampleTable(t)); err != nil {
		t.Fatalf("csv: %v", err)
	}
	records, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("records = %d, want header + 2", len(records))
	}
	if strings.Join(records[0], ",") != strings.Join(visit.Columns(), ",") {
		t.Fatalf("header = %v", records[0])
	}
	first := records[1]
	if first[0] != "2025-01-02 09:07:00" || first[1] != "Visit" || first[2] != "Jane Doe" || first[3] != "555-1234" {
		t.Fatalf("first row = %v", first)
	}
	if first[12] != "_Spay, routine" {
		t.Fatalf("procedures cell = %q", first[12])
	}
	second := records[2]
	if second[0] != "99/99/9999 00:00" || second[14] != "Rest" || second[2] != "" {
		t.Fatalf("second row = %v", second)
	}
}

func TestWriteJSON_NullsForAbsentFields(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteJSON(&buf, sampleTable(t)); err != nil {
		t.Fatalf("json: %v", err)
	}
	var rows []map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rows); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d", len(rows))
	}
	if v, ok := rows[0]["owner_email"]; !ok || v != nil {
		t.Fatalf("owner_email = %v (present=%v), want null", v, ok)
	}
	if rows[0]["owner_name"] != "Jane Doe" {
		t.Fatalf("owner_name = %v", rows[0]["owner_name"])
	}
	if rows[1]["recommendations"] != "Rest" || rows[1]["procedures"] != "" {
		t.Fatalf("second row = %v", rows[1])
	}
}

func TestWriteJSON_EmptyTableIsArray(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteJSON(&buf, visit.NewTable(nil)); err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(buf.String()) != "[]" {
		t.Fatalf("got %q", buf.String())
	}
}

func TestWritePDF(t *testing.T) {
	var buf bytes.Buffer
	if err := WritePDF(&buf, sampleTable(t)); err != nil {
		t.Fatalf("pdf: %v", err)
	}
	if !bytes.HasPrefix(buf.Bytes(), []byte("%PDF-")) {
		t.Fatalf("output is not a PDF")
	}
}

func TestWrite_UnknownFormat(t *testing.T) {
	err := Write(&bytes.Buffer{}, "xlsx", visit.NewTable(nil))
	if !errors.Is(err, ErrUnknownFormat) {
		t.Fatalf("expected ErrUnknownFormat, got %v", err)
	}
}

func TestWriteFile_FormatFromExtension(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "out.json")
	if err := WriteFile(p, "", sampleTable(t)); err != nil {
		t.Fatalf("write file: %v", err)
	}
	b, err := os.ReadFile(p)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(strings.TrimSpace(string(b)), "[") {
		t.Fatalf("expected JSON array, got %q", b)
	}
	if FormatFromPath("a.PDF") != FormatPDF || FormatFromPath("a.html") != FormatCSV {
		t.Fatal("unexpected format guess")
	}
}
