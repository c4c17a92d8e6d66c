package engine

import (
	"fmt"
	"strconv"
	"strings"
)

// Timestamp is a position in a video, either absolute seconds or a
// percentage of its duration
type Timestamp struct {
	Value   float64
	Percent bool
}

func (t Timestamp) String() string {
	if t.Percent {
		return strconv.FormatFloat(t.Value, 'f', -1, 64) + "%"
	}
	return strconv.FormatFloat(t.Value, 'f', -1, 64) + "s"
}

// ParseTimestamp reads "12.5" as seconds and "50%" as a percentage. An empty
// string means the first frame.
func ParseTimestamp(s string) (Timestamp, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Timestamp{}, nil
	}

	ts := Timestamp{}
	if strings.HasSuffix(s, "%") {
		ts.Percent = true
		s = strings.TrimSpace(strings.TrimSuffix(s, "%"))
	}

	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return Timestamp{}, fmt.Errorf("%w: %q", ErrInvalidTimestamp, s)
	}
	if v < 0 || (ts.Percent && v > 100) {
		return Timestamp{}, fmt.Errorf("%w: %q out of range", ErrInvalidTimestamp, s)
	}
	ts.Value = v
	return ts, nil
}
