package visit

import (
	"strings"
	"time"
)

// HeaderLayout is the DD/MM/YYYY HH:MM form used by visit markers.
const HeaderLayout = "02/01/2006 15:04"

// fallbackLayouts are tried when a header does not fit HeaderLayout.
var fallbackLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02T15:04:05",
	time.RFC3339,
	"2006-01-02",
	"02.01.2006 15:04",
	"02.01.2006",
	"02-01-2006 15:04",
	"02/01/2006",
}

// ParseTimestamp parses a header timestamp, strictly first and then against
// fallbackLayouts. When nothing fits, the raw string is kept and Parsed is
// false. Times carry no zone and are returned in UTC.
func ParseTimestamp(raw string) Timestamp {
	s := strings.TrimSpace(raw)
	if tm, err := time.Parse(HeaderLayout, s); err == nil {
		return Timestamp{Raw: raw, Time: tm, Parsed: true}
	}
	for _, layout := range fallbackLayouts {
		if tm, err := time.Parse(layout, s); err == nil {
			return Timestamp{Raw: raw, Time: tm.UTC(), Parsed: true}
		}
	}
	return Timestamp{Raw: raw}
}
