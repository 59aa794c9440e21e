// Package visit turns the text lines of one visit section into a Record.
//
// Every field is located independently by a pure function over the line
// sequence; nothing is shared between fields or between records, so sections
// may be extracted in any order or concurrently.
package visit

import (
	"encoding/json"
	"time"
)

// Column names of the output table, in the order callers see them.
const (
	ColVisitTimestamp  = "visit_timestamp"
	ColVisitKind       = "visit_kind"
	ColOwnerName       = "owner_name"
	ColOwnerPhone      = "owner_phone"
	ColOwnerEmail      = "owner_email"
	ColPatientName     = "patient_name"
	ColPatientID       = "patient_id"
	ColSpecies         = "species"
	ColBreed           = "breed"
	ColSex             = "sex"
	ColAge             = "age"
	ColMicrochipID     = "microchip_id"
	ColProcedures      = "procedures"
	ColMedications     = "medications"
	ColRecommendations = "recommendations"
)

// Columns returns the fixed column order. The slice is a fresh copy.
func Columns() []string {
	return []string{
		ColVisitTimestamp, ColVisitKind,
		ColOwnerName, ColOwnerPhone, ColOwnerEmail,
		ColPatientName, ColPatientID,
		ColSpecies, ColBreed, ColSex, ColAge, ColMicrochipID,
		ColProcedures, ColMedications, ColRecommendations,
	}
}

// Record is one normalized visit. Pointer fields are nil when the section
// has no matching line; the collected text fields are empty instead.
type Record struct {
	VisitTimestamp Timestamp `json:"visit_timestamp"`
	VisitKind      string    `json:"visit_kind"`

	OwnerName  *string `json:"owner_name"`
	OwnerPhone *string `json:"owner_phone"`
	OwnerEmail *string `json:"owner_email"`

	PatientName *string `json:"patient_name"`
	PatientID   *string `json:"patient_id"`

	Species     *string `json:"species"`
	Breed       *string `json:"breed"`
	Sex         *string `json:"sex"`
	Age         *string `json:"age"`
	MicrochipID *string `json:"microchip_id"`

	Procedures      string `json:"procedures"`
	Medications     string `json:"medications"`
	Recommendations string `json:"recommendations"`
}

// Cell is one column value; Valid is false for an absent field.
type Cell struct {
	Value string
	Valid bool
}

func present(s string) Cell { return Cell{Value: s, Valid: true} }

func optional(p *string) Cell {
	if p == nil {
		return Cell{}
	}
	return present(*p)
}

// Cells returns the record's values in Columns order.
func (r Record) Cells() []Cell {
	return []Cell{
		present(r.VisitTimestamp.String()),
		present(r.VisitKind),
		optional(r.OwnerName),
		optional(r.OwnerPhone),
		optional(r.OwnerEmail),
		optional(r.PatientName),
		optional(r.PatientID),
		optional(r.Species),
		optional(r.Breed),
		optional(r.Sex),
		optional(r.Age),
		optional(r.MicrochipID),
		present(r.Procedures),
		present(r.Medications),
		present(r.Recommendations),
	}
}

// Table is the terminal artifact of a conversion: one row per visit
// section, in document order.
type Table struct {
	Columns []string `json:"columns"`
	Rows    []Record `json:"rows"`
}

// NewTable returns a table with the fixed columns and the given rows.
func NewTable(rows []Record) Table {
	if rows == nil {
		rows = []Record{}
	}
	return Table{Columns: Columns(), Rows: rows}
}

// TimestampLayout is how parsed timestamps are rendered in exports.
const TimestampLayout = "2006-01-02 15:04:05"

// Timestamp is a visit time. When the header could not be parsed, Parsed is
// false and Raw carries the header text unchanged.
type Timestamp struct {
	Raw    string
	Time   time.Time
	Parsed bool
}

// String renders a parsed timestamp with TimestampLayout and falls back to
// the raw header text.
func (t Timestamp) String() string {
	if t.Parsed {
		return t.Time.Format(TimestampLayout)
	}
	return t.Raw
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*t = TimestampFromString(s)
	return nil
}

// TimestampFromString is the inverse of Timestamp.String for timestamps
// taken from visit headers.
func TimestampFromString(s string) Timestamp {
	if tm, err := time.Parse(TimestampLayout, s); err == nil {
		return Timestamp{Raw: tm.Format(HeaderLayout), Time: tm, Parsed: true}
	}
	return Timestamp{Raw: s}
}
