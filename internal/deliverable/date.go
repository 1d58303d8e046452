package deliverable

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// DateLayout is the canonical rendering of a due date.
const DateLayout = "Jan 02, 2006"

// inputLayouts are the forms accepted from a model, most specific last.
var inputLayouts = []string{
	"2006-01-02",
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	DateLayout,
	"Jan 2, 2006",
	"January 2, 2006",
}

// Date is a calendar day with no time-of-day or zone.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

// NewDate returns the date for y-m-d.
func NewDate(y int, m time.Month, d int) Date {
	return Date{Year: y, Month: m, Day: d}
}

// ParseDate reads s in any accepted layout. Timestamps keep the calendar day
// as written; no zone conversion happens.
func ParseDate(s string) (Date, error) {
	s = strings.TrimSpace(s)
	for _, layout := range inputLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return Date{Year: t.Year(), Month: t.Month(), Day: t.Day()}, nil
		}
	}
	return Date{}, fmt.Errorf("unparsable date %q", s)
}

func (d Date) String() string {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC).Format(DateLayout)
}

func (d Date) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Date) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return fmt.Errorf("due date %q: %w", s, err)
	}
	*d = Date{Year: t.Year(), Month: t.Month(), Day: t.Day()}
	return nil
}
