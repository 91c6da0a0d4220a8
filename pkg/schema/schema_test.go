package schema

import (
	"testing"

	"github.com/tabflow/tabflow/pkg/config"
)

func testSchema(t *testing.T) *Schema {
	t.Helper()
	s, err := FromSpec("calls", config.DatasetSpec{
		Columns: []config.ColumnSpec{
			{Name: "call_id", Type: "string"},
			{Name: "agent_id", Type: "string"},
			{Name: "duration", Type: "number"},
			{Name: "ts", Type: "timestamp"},
		},
		TimestampColumn: "ts",
	})
	if err != nil {
		t.Fatalf("FromSpec failed: %v", err)
	}
	return s
}

func TestSchema_Validate(t *testing.T) {
	s := testSchema(t)

	row, rej := s.Validate(map[string]string{
		"call_id":  "c-1001",
		"agent_id": "a-7",
		"duration": "182.5",
		"ts":       "2025-01-15 09:30:00",
	}, "calls_2025-01-15.csv", 1)

	if rej != nil {
		t.Fatalf("Unexpected rejection: %v", rej)
	}
	if row["call_id"] != "c-1001" {
		t.Errorf("call_id = %v", row["call_id"])
	}
	if row["duration"] != 182.5 {
		t.Errorf("duration = %v (%T), want float64 182.5", row["duration"], row["duration"])
	}
	if row["ts"] != "2025-01-15T09:30:00Z" {
		t.Errorf("ts = %v, want canonical form", row["ts"])
	}
}

func TestSchema_Validate_Rejections(t *testing.T) {
	s := testSchema(t)

	base := func() map[string]string {
		return map[string]string{
			"call_id":  "c-1",
			"agent_id": "a-1",
			"duration": "10",
			"ts":       "2025-01-15T09:30:00Z",
		}
	}

	tests := []struct {
		name   string
		mutate func(map[string]string)
		column string
		reason RejectionReason
	}{
		{
			name:   "missing column",
			mutate: func(r map[string]string) { delete(r, "duration") },
			column: "duration",
			reason: ReasonMissingColumn,
		},
		{
			name:   "non-numeric number",
			mutate: func(r map[string]string) { r["duration"] = "three" },
			column: "duration",
			reason: ReasonTypeMismatch,
		},
		{
			name:   "unparsable timestamp",
			mutate: func(r map[string]string) { r["ts"] = "yesterday" },
			column: "ts",
			reason: ReasonTimestampOutOfRange,
		},
		{
			name:   "timestamp before range",
			mutate: func(r map[string]string) { r["ts"] = "1950-01-01T00:00:00Z" },
			column: "ts",
			reason: ReasonTimestampOutOfRange,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			record := base()
			tt.mutate(record)

			row, rej := s.Validate(record, "calls_x.csv", 7)
			if rej == nil {
				t.Fatalf("Expected rejection, got row %v", row)
			}
			if rej.Column != tt.column {
				t.Errorf("Column = %q, want %q", rej.Column, tt.column)
			}
			if rej.Reason != tt.reason {
				t.Errorf("Reason = %q, want %q", rej.Reason, tt.reason)
			}
			if rej.RowIndex != 7 {
				t.Errorf("RowIndex = %d, want 7", rej.RowIndex)
			}
			if rej.Filename != "calls_x.csv" {
				t.Errorf("Filename = %q", rej.Filename)
			}
		})
	}
}

func TestSchema_Validate_ExtraColumnsIgnored(t *testing.T) {
	s := testSchema(t)

	record := map[string]string{
		"call_id":  "c-1",
		"agent_id": "a-1",
		"duration": "10",
		"ts":       "2025-01-15T09:30:00Z",
		"comment":  "not in schema",
	}
	row, rej := s.Validate(record, "calls_x.csv", 1)
	if rej != nil {
		t.Fatalf("Unexpected rejection: %v", rej)
	}
	if _, ok := row["comment"]; ok {
		t.Error("Undeclared column leaked into the row")
	}
}

func TestFromSpec_UnknownType(t *testing.T) {
	_, err := FromSpec("bad", config.DatasetSpec{
		Columns:         []config.ColumnSpec{{Name: "x", Type: "decimal"}},
		TimestampColumn: "x",
	})
	if err == nil {
		t.Fatal("Expected error for unknown column type")
	}
}

func TestRegistry(t *testing.T) {
	r, err := NewRegistry(map[string]config.DatasetSpec{
		"calls": {
			Columns:         []config.ColumnSpec{{Name: "ts", Type: "timestamp"}},
			TimestampColumn: "ts",
		},
	})
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}

	if _, ok := r.Get("calls"); !ok {
		t.Error("Expected calls schema to be registered")
	}
	if _, ok := r.Get("orders"); ok {
		t.Error("Unexpected schema for unregistered dataset")
	}
}
