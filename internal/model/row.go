// Package model defines the core data types shared across the pipeline.
package model

import (
	"fmt"
	"time"
)

// ColumnType is the declared type of a dataset column.
type ColumnType string

const (
	TypeString    ColumnType = "string"
	TypeNumber    ColumnType = "number"
	TypeTimestamp ColumnType = "timestamp"
)

// Valid reports whether t is a known column type.
func (t ColumnType) Valid() bool {
	switch t {
	case TypeString, TypeNumber, TypeTimestamp:
		return true
	}
	return false
}

// Row is a single validated record of a dataset. Values are keyed by column
// name. Timestamp values are always in canonical form (see CanonicalLayout)
// by the time a Row exists; number values are float64, strings are string.
type Row map[string]interface{}

// TimestampLayout is the canonical fixed-width UTC timestamp representation.
// Every timestamp is normalized to this form at validation time so lexical
// ordering on the stored string matches chronological ordering.
const TimestampLayout = "2006-01-02T15:04:05Z"

// timestampLayouts are the accepted input layouts, tried in order.
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"02/01/2006 15:04:05",
	"02/01/2006 15:04",
}

// Timestamp range accepted by validation. Anything outside is rejected as
// out of range rather than silently stored with a surprising lexical order.
var (
	minTimestamp = time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC)
	maxTimestamp = time.Date(2100, 1, 1, 0, 0, 0, 0, time.UTC)
)

// NormalizeTimestamp parses value using the accepted layouts and returns the
// canonical UTC representation. An error means the value is unparsable or
// outside the accepted range.
func NormalizeTimestamp(value string) (string, error) {
	var ts time.Time
	var err error
	for _, layout := range timestampLayouts {
		ts, err = time.Parse(layout, value)
		if err == nil {
			break
		}
	}
	if err != nil {
		return "", fmt.Errorf("unrecognized timestamp %q", value)
	}

	ts = ts.UTC().Truncate(time.Second)
	if ts.Before(minTimestamp) || !ts.Before(maxTimestamp) {
		return "", fmt.Errorf("timestamp %q outside accepted range", value)
	}
	return ts.Format(TimestampLayout), nil
}

// IsCanonicalTimestamp reports whether value is already in canonical form.
func IsCanonicalTimestamp(value string) bool {
	ts, err := time.Parse(TimestampLayout, value)
	if err != nil {
		return false
	}
	return ts.Format(TimestampLayout) == value
}

// FormatTimestamp renders t in the canonical form.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Truncate(time.Second).Format(TimestampLayout)
}
