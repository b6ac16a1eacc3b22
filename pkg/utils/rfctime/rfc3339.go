// Package rfctime provides timestamps interchanged in RFC3339 date-time.
package rfctime

import (
	"encoding/json"
	"fmt"
	"time"
)

// Layout formats timestamps with a numeric offset, never "Z".
const Layout = "2006-01-02T15:04:05.999999-07:00"

// RFC3339 is time.Time marshalled as RFC3339 date-time in JSON.
type RFC3339 time.Time

func (t RFC3339) Time() time.Time {
	return time.Time(t)
}

func (t RFC3339) String() string {
	return time.Time(t).Format(Layout)
}

func (t RFC3339) Equal(other RFC3339) bool {
	return t.Time().Equal(other.Time())
}

// ParseRFC3339DateTime parses s as RFC3339 date-time. Both "Z" and numeric offsets are accepted.
func ParseRFC3339DateTime(s string) (RFC3339, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return RFC3339{}, fmt.Errorf("%q is not RFC3339 date-time: %w", s, err)
	}
	return RFC3339(t), nil
}

func (t RFC3339) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *RFC3339) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParseRFC3339DateTime(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}
