// Package timestamp recovers a file timestamp from message context properties.
package timestamp

import (
	"errors"
	"fmt"
	"time"

	"github.com/dhcgn/trackex/model"
)

var ErrUnsupportedValue = errors.New("timestamp: unsupported property value")

// DefaultLookups checks the file adapter's creation time first. Messages from
// other transports carry no such property and fall back to the time the
// platform finished receiving them.
var DefaultLookups = []model.Property{
	model.FileCreationTime,
	model.AdapterReceiveCompleteTime,
}

var layouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// Resolve returns the first lookup that src holds a value for, converted to a
// time. Later lookups are not consulted once one matches. If none match,
// fallback is returned.
func Resolve(lookups []model.Property, src model.Context, fallback time.Time) (time.Time, error) {
	if src == nil {
		return fallback, nil
	}
	for _, prop := range lookups {
		v, ok := src.Read(prop.Name, prop.Namespace)
		if !ok {
			continue
		}
		t, err := Coerce(v)
		if err != nil {
			return time.Time{}, fmt.Errorf("property %s: %w", prop, err)
		}
		return t, nil
	}
	return fallback, nil
}

// Coerce converts a property value to a time.
func Coerce(v any) (time.Time, error) {
	switch val := v.(type) {
	case time.Time:
		return val, nil
	case *time.Time:
		if val == nil {
			return time.Time{}, ErrUnsupportedValue
		}
		return *val, nil
	case int64:
		return time.Unix(val, 0), nil
	case string:
		for _, layout := range layouts {
			if t, err := time.Parse(layout, val); err == nil {
				return t, nil
			}
		}
		return time.Time{}, fmt.Errorf("%w: %q", ErrUnsupportedValue, val)
	default:
		return time.Time{}, fmt.Errorf("%w: %T", ErrUnsupportedValue, v)
	}
}
