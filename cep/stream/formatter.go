package stream

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/martymichal/opencep/cep"
)

// DataFormatter decodes a raw input row into a typed event.
type DataFormatter interface {
	Parse(raw string) (*cep.Event, error)
}

// DelimitedFormatter parses rows of the form
//
//	TYPE<sep>TIMESTAMP<sep>key=value<sep>key=value...
//
// The timestamp is either RFC 3339 or a Unix epoch in seconds. Values are
// parsed as int64, then float64, then bool, falling back to string.
type DelimitedFormatter struct {
	Separator string
}

// NewDelimitedFormatter creates a formatter with the given separator,
// defaulting to a comma.
func NewDelimitedFormatter(separator string) *DelimitedFormatter {
	if separator == "" {
		separator = ","
	}
	return &DelimitedFormatter{Separator: separator}
}

// Parse implements DataFormatter.
func (f *DelimitedFormatter) Parse(raw string) (*cep.Event, error) {
	fields := strings.Split(strings.TrimSpace(raw), f.Separator)
	if len(fields) < 2 {
		return nil, fmt.Errorf("row %q: want at least type and timestamp", raw)
	}

	eventType := strings.TrimSpace(fields[0])
	if eventType == "" {
		return nil, fmt.Errorf("row %q: empty event type", raw)
	}

	ts, err := parseTimestamp(strings.TrimSpace(fields[1]))
	if err != nil {
		return nil, fmt.Errorf("row %q: %w", raw, err)
	}

	payload := make(map[string]any, len(fields)-2)
	for _, field := range fields[2:] {
		key, value, found := strings.Cut(strings.TrimSpace(field), "=")
		if !found {
			return nil, fmt.Errorf("row %q: attribute %q is not key=value", raw, field)
		}
		payload[key] = parseValue(value)
	}

	return cep.NewEvent(eventType, payload, ts), nil
}

func parseTimestamp(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Unix(0, int64(secs*float64(time.Second))).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("cannot parse timestamp %q", s)
}

func parseValue(s string) any {
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	return s
}
