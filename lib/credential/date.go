package credential

import (
	"strings"
	"time"

	"github.com/gravitational/trace"
)

// ISODate is the wire format of all credential dates.
const ISODate = "2006-01-02"

// Date is a calendar date marshalled as an ISO-8601 date string.
type Date struct {
	time.Time
}

// NewDate builds a Date from year, month and day.
func NewDate(year int, month time.Month, day int) Date {
	return Date{time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

// ParseDate parses an ISO-8601 date string.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(ISODate, s)
	if err != nil {
		return Date{}, trace.BadParameter("invalid date %q: %v", s, err)
	}
	return Date{t}, nil
}

// String implements fmt.Stringer.
func (d Date) String() string {
	if d.IsZero() {
		return ""
	}
	return d.Format(ISODate)
}

// MarshalJSON implements json.Marshaler.
func (d Date) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Date) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*d = Date{}
		return nil
	}
	parsed, err := ParseDate(s)
	if err != nil {
		return trace.Wrap(err)
	}
	*d = parsed
	return nil
}
