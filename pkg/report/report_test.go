package report

import (
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"

	"github.com/xuri/excelize/v2"

	"github.com/tabflow/tabflow/internal/model"
	"github.com/tabflow/tabflow/pkg/config"
	"github.com/tabflow/tabflow/pkg/schema"
	"github.com/tabflow/tabflow/pkg/store"
)

func testStore(t *testing.T) *store.Store {
	t.Helper()
	registry, err := schema.NewRegistry(map[string]config.DatasetSpec{
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
	st, err := store.NewStore("", registry)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func seedRows(t *testing.T, st *store.Store, n int) {
	t.Helper()
	rows := make([]model.Row, n)
	for i := range rows {
		rows[i] = model.Row{
			"call_id":  "c-" + string(rune('a'+i)),
			"duration": float64(10 * (i + 1)),
			"ts":       "2025-01-15T09:0" + string(rune('0'+i)) + ":00Z",
		}
	}
	if err := st.InsertRows(context.Background(), "calls", rows); err != nil {
		t.Fatal(err)
	}
}

func TestArtifactName(t *testing.T) {
	got := ArtifactName("calls", "2025-01-15T00:00:00Z", "2025-01-16T00:00:00Z", "csv")
	want := "calls_2025-01-15T000000Z_2025-01-16T000000Z.csv"
	if got != want {
		t.Errorf("ArtifactName = %q, want %q", got, want)
	}

	// Same inputs always produce the same name.
	if again := ArtifactName("calls", "2025-01-15T00:00:00Z", "2025-01-16T00:00:00Z", "csv"); again != got {
		t.Errorf("ArtifactName not deterministic: %q vs %q", again, got)
	}
}

func TestWriteArtifact_CSV(t *testing.T) {
	dir := t.TempDir()
	columns := []string{"call_id", "duration", "ts"}
	rows := []model.Row{
		{"call_id": "c-1", "duration": 10.5, "ts": "2025-01-15T09:00:00Z"},
		{"call_id": "c-2", "duration": 20.0, "ts": "2025-01-15T10:00:00Z"},
	}

	if err := writeArtifact(dir, "out.csv", "csv", columns, rows); err != nil {
		t.Fatalf("writeArtifact failed: %v", err)
	}

	f, err := os.Open(filepath.Join(dir, "out.csv"))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 3 {
		t.Fatalf("Artifact has %d lines, want header + 2 rows", len(records))
	}
	if records[0][0] != "call_id" {
		t.Errorf("Header = %v", records[0])
	}
	if records[1][1] != "10.5" || records[2][1] != "20" {
		t.Errorf("Number formatting: %v / %v", records[1], records[2])
	}

	// No temp file left behind.
	if _, err := os.Stat(filepath.Join(dir, ".tmp-out.csv")); !os.IsNotExist(err) {
		t.Error("Temp file survived publication")
	}

	n, err := CountArtifactRows(filepath.Join(dir, "out.csv"))
	if err != nil || n != 2 {
		t.Errorf("CountArtifactRows = %d, %v", n, err)
	}
}

func TestWriteArtifact_XLSX(t *testing.T) {
	dir := t.TempDir()
	columns := []string{"call_id", "duration"}
	rows := []model.Row{
		{"call_id": "c-1", "duration": 10.0},
		{"call_id": "c-2", "duration": 20.0},
		{"call_id": "c-3", "duration": 30.0},
	}

	if err := writeArtifact(dir, "out.xlsx", "xlsx", columns, rows); err != nil {
		t.Fatalf("writeArtifact failed: %v", err)
	}

	f, err := excelize.OpenFile(filepath.Join(dir, "out.xlsx"))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	all, err := f.GetRows(f.GetSheetName(0))
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 4 {
		t.Fatalf("Sheet has %d rows, want header + 3", len(all))
	}
	if all[0][0] != "call_id" || all[1][0] != "c-1" {
		t.Errorf("Sheet content: %v", all[:2])
	}

	n, err := CountArtifactRows(filepath.Join(dir, "out.xlsx"))
	if err != nil || n != 3 {
		t.Errorf("CountArtifactRows = %d, %v", n, err)
	}
}

func TestPool_Execute(t *testing.T) {
	st := testStore(t)
	seedRows(t, st, 3)
	dir := t.TempDir()
	ctx := context.Background()

	job, _, err := st.CreateJob(ctx, store.JobRequest{
		Dataset:         "calls",
		StartTime:       "2025-01-15T00:00:00Z",
		EndTime:         "2025-01-16T00:00:00Z",
		Format:          "csv",
		TimestampColumn: "ts",
		IdempotencyKey:  "calls:w1:csv",
	})
	if err != nil {
		t.Fatal(err)
	}

	pool := NewPool(st, dir, 1, nil)
	pool.Execute(ctx, job.ID)

	got, err := st.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != store.JobSucceeded {
		t.Fatalf("Status = %s (%s)", got.Status, got.Error)
	}
	if got.RowCount != 3 {
		t.Errorf("RowCount = %d, want 3", got.RowCount)
	}

	want := ArtifactName("calls", "2025-01-15T00:00:00Z", "2025-01-16T00:00:00Z", "csv")
	if got.Filename != want {
		t.Errorf("Filename = %q, want %q", got.Filename, want)
	}
	if _, err := os.Stat(filepath.Join(dir, want)); err != nil {
		t.Errorf("Artifact missing: %v", err)
	}

	// Executing the same job again is a no-op: the job is terminal.
	pool.Execute(ctx, job.ID)
	again, err := st.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if again.UpdatedAt != got.UpdatedAt && again.Status != store.JobSucceeded {
		t.Errorf("Terminal job mutated by re-execution: %+v", again)
	}
}

func TestPool_Execute_EmptyWindowFails(t *testing.T) {
	st := testStore(t)
	dir := t.TempDir()
	ctx := context.Background()

	job, _, err := st.CreateJob(ctx, store.JobRequest{
		Dataset:         "calls",
		StartTime:       "2025-01-15T00:00:00Z",
		EndTime:         "2025-01-16T00:00:00Z",
		Format:          "csv",
		TimestampColumn: "ts",
		IdempotencyKey:  "calls:empty:csv",
	})
	if err != nil {
		t.Fatal(err)
	}

	pool := NewPool(st, dir, 1, nil)
	pool.Execute(ctx, job.ID)

	got, err := st.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != store.JobFailed {
		t.Fatalf("Status = %s, want failed", got.Status)
	}
	if got.Error == "" {
		t.Error("Failure cause not recorded")
	}
}

func TestPool_Recover(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	queued, _, err := st.CreateJob(ctx, store.JobRequest{
		Dataset:         "calls",
		StartTime:       "2025-01-15T00:00:00Z",
		EndTime:         "2025-01-16T00:00:00Z",
		Format:          "csv",
		TimestampColumn: "ts",
		IdempotencyKey:  "calls:w1:csv",
	})
	if err != nil {
		t.Fatal(err)
	}

	running, _, err := st.CreateJob(ctx, store.JobRequest{
		Dataset:         "calls",
		StartTime:       "2025-01-16T00:00:00Z",
		EndTime:         "2025-01-17T00:00:00Z",
		Format:          "csv",
		TimestampColumn: "ts",
		IdempotencyKey:  "calls:w2:csv",
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := st.ClaimJob(ctx, running.ID); err != nil {
		t.Fatal(err)
	}

	queue := make(chan string, 8)
	pool := NewPool(st, t.TempDir(), 1, queue)
	if err := pool.Recover(ctx, queue); err != nil {
		t.Fatalf("Recover failed: %v", err)
	}

	select {
	case id := <-queue:
		if id != queued.ID {
			t.Errorf("Recovered %q, want %q", id, queued.ID)
		}
	default:
		t.Fatal("Queued job not recovered")
	}
	select {
	case id := <-queue:
		t.Errorf("Non-queued job %q recovered", id)
	default:
	}
}
