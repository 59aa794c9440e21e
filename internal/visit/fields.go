package visit

import (
	"regexp"
	"strings"

	"github.com/hyperifyio/koteria/internal/segment"
)

// label describes how a single-line field is recognized: the line starts
// with one of prefixes, or contains one of substrings. Substrings are used
// for labels whose diacritics vary between export variants.
type label struct {
	prefixes   []string
	substrings []string
}

// Labels in both export languages. The second spelling of each diacritic
// label is the same label read from UTF-8 bytes as ISO-8859-2, with the C1
// control characters dropped.
var (
	ownerLabel     = label{prefixes: []string{"Owner"}, substrings: []string{"Właściciel", "WĹaĹciciel"}}
	phoneLabel     = label{prefixes: []string{"Tel.:"}}
	emailLabel     = label{prefixes: []string{"E-mail:"}}
	patientLabel   = label{prefixes: []string{"Zwierz", "Patient", "Animal"}}
	speciesLabel   = label{prefixes: []string{"Gatunek", "Species"}}
	breedLabel     = label{prefixes: []string{"Rasa", "Breed"}}
	sexLabel       = label{prefixes: []string{"Sex"}, substrings: []string{"Płeć", "PĹeÄ"}}
	ageLabel       = label{prefixes: []string{"Wiek", "Age"}}
	microchipLabel = label{prefixes: []string{"Mikrochip", "Microchip"}}
)

// recommendationMarkers are the exact lines that open the recommendations block.
var recommendationMarkers = []string{"Zalecenia:", "Recommendations:"}

var (
	// patientRe captures the patient name and its record number from one line.
	patientRe = regexp.MustCompile(`^(?:Zwierz|Patient|Animal)[^:]*:\s*(\S+)\s+(?:Nr|No)\.?:\s*(\S+)`)
	// timestampLineRe marks the start of a new visit inside a section.
	timestampLineRe = regexp.MustCompile(`^\d{2}/\d{2}/\d{4} \d{2}:\d{2}:`)
	// medicationRe is a capitalized name followed by a dose in millilitres.
	medicationRe = regexp.MustCompile(`^\p{Lu}.*\d{1,2}[.,]?\s?ml`)
)

func (l label) matches(line string) bool {
	for _, p := range l.prefixes {
		if strings.HasPrefix(line, p) {
			return true
		}
	}
	if len(l.substrings) == 0 {
		return false
	}
	folded := dropC1(line)
	for _, s := range l.substrings {
		if strings.Contains(folded, s) {
			return true
		}
	}
	return false
}

// dropC1 removes U+0080..U+009F, which only appear in mis-decoded text.
func dropC1(s string) string {
	if !strings.ContainsFunc(s, isC1) {
		return s
	}
	return strings.Map(func(r rune) rune {
		if isC1(r) {
			return -1
		}
		return r
	}, s)
}

func isC1(r rune) bool { return r >= 0x80 && r <= 0x9f }

// Extract builds the record for one visit section. It never fails: fields
// without a matching line are left absent and an unparseable header keeps
// its raw text (see Timestamp.Parsed).
func Extract(h segment.Header, lines []string) Record {
	name, id := patient(lines)
	return Record{
		VisitTimestamp:  ParseTimestamp(h.Timestamp),
		VisitKind:       h.Kind,
		OwnerName:       labeled(lines, ownerLabel),
		OwnerPhone:      labeled(lines, phoneLabel),
		OwnerEmail:      labeled(lines, emailLabel),
		PatientName:     name,
		PatientID:       id,
		Species:         labeled(lines, speciesLabel),
		Breed:           labeled(lines, breedLabel),
		Sex:             labeled(lines, sexLabel),
		Age:             labeled(lines, ageLabel),
		MicrochipID:     labeled(lines, microchipLabel),
		Procedures:      collapse(procedures(lines)),
		Medications:     collapse(medications(lines)),
		Recommendations: collapse(recommendations(lines)),
	}
}

// labeled returns the text after the first ':' of the first line that
// carries the label and a separator.
func labeled(lines []string, l label) *string {
	for _, line := range lines {
		if !l.matches(line) {
			continue
		}
		i := strings.IndexByte(line, ':')
		if i < 0 {
			continue
		}
		v := strings.TrimSpace(line[i+1:])
		return &v
	}
	return nil
}

// patient reads name and number from the first patient line. Both are nil
// when there is no such line or it does not have the two-token shape.
func patient(lines []string) (*string, *string) {
	for _, line := range lines {
		if !patientLabel.matches(line) {
			continue
		}
		m := patientRe.FindStringSubmatch(line)
		if m == nil {
			return nil, nil
		}
		name, id := m[1], m[2]
		return &name, &id
	}
	return nil, nil
}

// recommendations collects the lines after the first marker line up to the
// next timestamp-prefixed line or the end of the section.
func recommendations(lines []string) []string {
	start := -1
	for i, line := range lines {
		if isRecommendationMarker(line) {
			start = i + 1
			break
		}
	}
	if start < 0 {
		return nil
	}
	var out []string
	for _, line := range lines[start:] {
		if timestampLineRe.MatchString(line) {
			break
		}
		out = append(out, line)
	}
	return out
}

func isRecommendationMarker(line string) bool {
	for _, m := range recommendationMarkers {
		if line == m {
			return true
		}
	}
	return false
}

func procedures(lines []string) []string {
	var out []string
	for _, line := range lines {
		if strings.HasPrefix(line, "_") {
			out = append(out, line)
		}
	}
	return out
}

func medications(lines []string) []string {
	var out []string
	for _, line := range lines {
		if medicationRe.MatchString(line) {
			out = append(out, line)
		}
	}
	return out
}

// collapse joins lines with a space and squeezes every whitespace run,
// including tabs and newlines, to a single space.
func collapse(lines []string) string {
	if len(lines) == 0 {
		return ""
	}
	return strings.Join(strings.Fields(strings.Join(lines, " ")), " ")
}
