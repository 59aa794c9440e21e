// Package segment splits a decoded clinical-record export into per-visit
// fragments using the bold visit markers the practice software emits:
//
//	<B> DD/MM/YYYY HH:MM: Wizyta<BR></B>
//
// Whitespace runs inside the marker are tolerated; anything else, such as a
// different bolding tag, is not a marker.
package segment

import (
	"fmt"
	"regexp"
)

// Visit kinds as they appear verbatim in the markers.
const (
	KindVisit         = "Wizyta"
	KindExamination   = "Badanie"
	KindVisitEN       = "Visit"
	KindExaminationEN = "Examination"
)

// Header is the timestamp and kind captured from one marker.
type Header struct {
	// Timestamp is normalized to "DD/MM/YYYY HH:MM" with a single space.
	Timestamp string
	Kind      string
}

// SegmentationError reports a document whose markers and fragments do not
// line up. Extraction must not proceed on such a document.
type SegmentationError struct {
	Headers   int
	Fragments int
}

func (e *SegmentationError) Error() string {
	return fmt.Sprintf("segment: %d visit headers but %d fragments", e.Headers, e.Fragments)
}

const markerOpen = `<B>\s*(\d{2}/\d{2}/\d{4})\s+(\d{2}:\d{2})\s*:\s*(Wizyta|Badanie|Visit|Examination)\s*<BR>`

var (
	// headerRe finds every marker opening, closed or not.
	headerRe = regexp.MustCompile(markerOpen)
	// splitRe only splits on markers closed by </B>.
	splitRe = regexp.MustCompile(markerOpen + `\s*</B>`)
)

// Split returns the ordered headers and the fragments that follow each
// marker. Text before the first marker is discarded. A document with no
// markers yields two empty slices and no error.
func Split(text string) ([]Header, []string, error) {
	matches := headerRe.FindAllStringSubmatch(text, -1)
	headers := make([]Header, 0, len(matches))
	for _, m := range matches {
		headers = append(headers, Header{Timestamp: m[1] + " " + m[2], Kind: m[3]})
	}

	parts := splitRe.Split(text, -1)
	fragments := parts[1:]

	if len(headers) != len(fragments) {
		return nil, nil, &SegmentationError{Headers: len(headers), Fragments: len(fragments)}
	}
	return headers, fragments, nil
}
