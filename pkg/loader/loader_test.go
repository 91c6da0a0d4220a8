package loader

import (
	"context"
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tabflow/tabflow/pkg/config"
	"github.com/tabflow/tabflow/pkg/errors"
	"github.com/tabflow/tabflow/pkg/schema"
	"github.com/tabflow/tabflow/pkg/store"
)

func testRegistry(t *testing.T) *schema.Registry {
	t.Helper()
	r, err := schema.NewRegistry(map[string]config.DatasetSpec{
		"calls": {
			Columns: []config.ColumnSpec{
				{Name: "call_id", Type: "string"},
				{Name: "duration", Type: "number"},
				{Name: "ts", Type: "timestamp"},
			},
			TimestampColumn: "ts",
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	return r
}

// testLoader wires a Loader to a live persistence API over an in-memory
// store, the same path production takes.
func testLoader(t *testing.T) (*Loader, *store.Client, string) {
	t.Helper()
	registry := testRegistry(t)

	st, err := store.NewStore("", registry)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	srv := httptest.NewServer(store.NewServer(st, make(chan string, 8)))
	t.Cleanup(srv.Close)

	client := store.NewClient(srv.URL, 5*time.Second)

	dir := t.TempDir()
	rejectLog, err := NewRejectionLog(filepath.Join(dir, "rejections.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { rejectLog.Close() })

	return New(client, registry, rejectLog), client, dir
}

func writeStaged(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoader_DatasetFor(t *testing.T) {
	l, _, _ := testLoader(t)

	tests := []struct {
		filename string
		dataset  string
		ok       bool
	}{
		{"calls_2025-01-15.csv", "calls", true},
		{"calls.csv", "calls", true},
		{"/staging/calls_a.csv", "calls", true},
		{"orders_2025-01-15.csv", "orders", false},
		{"_leading.csv", "_leading", false},
	}

	for _, tt := range tests {
		got, ok := l.DatasetFor(tt.filename)
		if ok != tt.ok || (ok && got != tt.dataset) {
			t.Errorf("DatasetFor(%q) = %q, %v; want %q, %v",
				tt.filename, got, ok, tt.dataset, tt.ok)
		}
	}
}

func TestLoader_Load(t *testing.T) {
	l, client, dir := testLoader(t)
	ctx := context.Background()

	var b strings.Builder
	b.WriteString("call_id,duration,ts\n")
	for i := 0; i < 10; i++ {
		fmt.Fprintf(&b, "c-%d,%d,2025-01-15T09:%02d:00Z\n", i, i*10, i)
	}
	// Two bad rows: a ragged row missing duration and ts, and a non-numeric
	// duration.
	b.WriteString("c-short\n")
	b.WriteString("c-bad,not-a-number,2025-01-15T10:00:00Z\n")

	path := writeStaged(t, dir, "calls_2025-01-15.csv", b.String())

	res, err := l.Load(ctx, path, "calls")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if res.Persisted != 10 {
		t.Errorf("Persisted = %d, want 10", res.Persisted)
	}
	if res.Rejected != 2 {
		t.Errorf("Rejected = %d, want 2", res.Rejected)
	}
	if res.Skipped {
		t.Error("First load marked skipped")
	}

	// All ten valid rows are queryable; rejected rows never reached storage.
	_, rows, err := client.QueryWindow(ctx, "calls", "ts",
		"2025-01-15T00:00:00Z", "2025-01-16T00:00:00Z", nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 10 {
		t.Errorf("Stored %d rows, want 10", len(rows))
	}

	entries, err := l.rejectLog.Entries()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("Rejection log has %d entries, want 2", len(entries))
	}
	if entries[0].Reason != schema.ReasonMissingColumn || entries[0].RowIndex != 10 {
		t.Errorf("First rejection = %+v", entries[0])
	}
	if entries[1].Reason != schema.ReasonTypeMismatch || entries[1].Column != "duration" {
		t.Errorf("Second rejection = %+v", entries[1])
	}
}

func TestLoader_Load_SecondLoadIsNoOp(t *testing.T) {
	l, client, dir := testLoader(t)
	ctx := context.Background()

	content := "call_id,duration,ts\nc-1,10,2025-01-15T09:00:00Z\n"
	path := writeStaged(t, dir, "calls_2025-01-15.csv", content)

	if _, err := l.Load(ctx, path, "calls"); err != nil {
		t.Fatalf("First load failed: %v", err)
	}

	res, err := l.Load(ctx, path, "calls")
	if err != nil {
		t.Fatalf("Second load failed: %v", err)
	}
	if !res.Skipped {
		t.Error("Second load of the same file should be skipped")
	}
	if res.Persisted != 0 {
		t.Errorf("Second load persisted %d rows", res.Persisted)
	}

	_, rows, err := client.QueryWindow(ctx, "calls", "ts",
		"2025-01-15T00:00:00Z", "2025-01-16T00:00:00Z", nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Errorf("Stored %d rows after double load, want 1", len(rows))
	}
}

func TestLoader_Load_EmptyFileIsParseError(t *testing.T) {
	l, _, dir := testLoader(t)

	path := writeStaged(t, dir, "calls_empty.csv", "")
	_, err := l.Load(context.Background(), path, "calls")
	if !errors.IsCode(err, errors.CodeParseFailed) {
		t.Fatalf("Expected parse failure, got %v", err)
	}
}

func TestLoader_Load_UnknownDataset(t *testing.T) {
	l, _, dir := testLoader(t)

	path := writeStaged(t, dir, "orders_1.csv", "a,b\n1,2\n")
	_, err := l.Load(context.Background(), path, "orders")
	if !errors.IsCode(err, errors.CodeSchemaUnknown) {
		t.Fatalf("Expected schema-unknown, got %v", err)
	}
}

func TestParse_HeaderKeyed(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "calls_1.csv")
	content := "call_id, duration ,ts\nc-1,10,2025-01-15T09:00:00Z\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	records, err := Parse(path)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("Parsed %d records, want 1", len(records))
	}
	// Header names are trimmed.
	if records[0]["duration"] != "10" {
		t.Errorf("Record = %v", records[0])
	}
}

func TestRejectionLog_Entries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rejections.jsonl")
	rl, err := NewRejectionLog(path)
	if err != nil {
		t.Fatal(err)
	}
	defer rl.Close()

	rej := schema.Rejection{
		Filename: "calls_1.csv",
		Dataset:  "calls",
		RowIndex: 3,
		Column:   "ts",
		Reason:   schema.ReasonTimestampOutOfRange,
		Value:    "1950-01-01",
	}
	if err := rl.Add(rej); err != nil {
		t.Fatal(err)
	}

	entries, err := rl.Entries()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0] != rej {
		t.Errorf("Entries = %+v", entries)
	}
}
