package export

import (
	"fmt"
	"io"

	"github.com/jung-kurt/gofpdf"

	"github.com/hyperifyio/koteria/internal/visit"
)

// pdfLabels are the captions printed next to each field, in column order
// after the timestamp and kind which form the block heading.
var pdfLabels = []string{
	"Owner", "Phone", "E-mail",
	"Patient", "Patient ID",
	"Species", "Breed", "Sex", "Age", "Microchip",
	"Procedures", "Medications", "Recommendations",
}

// WritePDF renders one block per visit: a bold heading with the visit time
// and kind, then every present field as a caption and value. The core fonts
// are used, so characters outside code page 1252 are substituted.
func WritePDF(w io.Writer, t visit.Table) error {
	pdf := gofpdf.New("P", "mm", "A4", "")
	tr := pdf.UnicodeTranslatorFromDescriptor("")
	pdf.SetFont("Helvetica", "", 10)
	pdf.AddPage()

	pdf.SetFont("Helvetica", "B", 14)
	pdf.CellFormat(0, 8, tr(fmt.Sprintf("Visits: %d", len(t.Rows))), "", 1, "L", false, 0, "")
	pdf.Ln(2)

	for _, r := range t.Rows {
		cells := r.Cells()
		heading := cells[0].Value + "  " + cells[1].Value
		pdf.SetFont("Helvetica", "B", 12)
		pdf.CellFormat(0, 7, tr(heading), "B", 1, "L", false, 0, "")
		for i, c := range cells[2:] {
			if !c.Valid || c.Value == "" {
				continue
			}
			pdf.SetFont("Helvetica", "B", 10)
			pdf.CellFormat(35, 5, tr(pdfLabels[i]+":"), "", 0, "L", false, 0, "")
			pdf.SetFont("Helvetica", "", 10)
			pdf.MultiCell(0, 5, tr(c.Value), "", "L", false)
		}
		pdf.Ln(4)
	}

	if err := pdf.Output(w); err != nil {
		return fmt.Errorf("write pdf: %w", err)
	}
	return nil
}
