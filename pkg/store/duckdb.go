// Package store provides durable tabular storage plus report-job
// bookkeeping, the single source of truth all other components query.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/marcboeker/go-duckdb"

	"github.com/tabflow/tabflow/internal/model"
	"github.com/tabflow/tabflow/pkg/errors"
	"github.com/tabflow/tabflow/pkg/schema"
)

// Store is the DuckDB-backed storage engine. All mutations that could race
// (ingestion-log writes, job creation) are serialized on mu, since a single
// process owns the database file.
type Store struct {
	db       *sql.DB
	registry *schema.Registry

	mu sync.Mutex
}

// NewStore opens (or creates) the database and ensures all tables exist.
// An empty path opens an in-memory database.
func NewStore(path string, registry *schema.Registry) (*Store, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeStorageInit, "open duckdb")
	}

	s := &Store{db: db, registry: registry}
	if err := s.ensureTables(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// ensureTables creates the bookkeeping tables and one table per declared
// dataset. Dataset tables are created from the declared schema, never
// inferred from data.
func (s *Store) ensureTables() error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS ingestion_log (
			filename VARCHAR NOT NULL,
			dataset VARCHAR NOT NULL,
			ingested_at VARCHAR NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS report_jobs (
			job_id VARCHAR NOT NULL,
			dataset VARCHAR NOT NULL,
			start_time VARCHAR NOT NULL,
			end_time VARCHAR NOT NULL,
			format VARCHAR NOT NULL,
			columns VARCHAR NOT NULL,
			timestamp_column VARCHAR NOT NULL,
			idempotency_key VARCHAR NOT NULL,
			status VARCHAR NOT NULL,
			filename VARCHAR,
			row_count BIGINT,
			error VARCHAR,
			created_at VARCHAR NOT NULL,
			updated_at VARCHAR NOT NULL
		)`,
	}
	for _, stmt := range ddl {
		if _, err := s.db.Exec(stmt); err != nil {
			return errors.Wrap(err, errors.CodeStorageInit, "create table")
		}
	}

	for _, dataset := range s.registry.Datasets() {
		sch, _ := s.registry.Get(dataset)
		if err := s.createDatasetTable(sch); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) createDatasetTable(sch *schema.Schema) error {
	cols := make([]string, 0, len(sch.Columns))
	for _, col := range sch.Columns {
		sqlType := "VARCHAR"
		if col.Type == model.TypeNumber {
			sqlType = "DOUBLE"
		}
		// Timestamps stay VARCHAR in canonical form: lexical order on the
		// stored string is the window-comparison contract.
		cols = append(cols, fmt.Sprintf("%s %s", quoteIdent(col.Name), sqlType))
	}

	stmt := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)",
		quoteIdent(sch.Dataset), strings.Join(cols, ", "))
	if _, err := s.db.Exec(stmt); err != nil {
		return errors.Wrap(err, errors.CodeStorageInit, "create dataset table").
			WithContext("dataset", sch.Dataset)
	}
	return nil
}

// quoteIdent double-quotes an identifier for DuckDB.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// Schema returns the declared schema of a dataset.
func (s *Store) Schema(dataset string) (*schema.Schema, bool) {
	return s.registry.Get(dataset)
}

// InsertRows inserts a batch of rows into a dataset table transactionally.
// Timestamp values are re-normalized here so stored values always sort
// lexically in chronological order, whatever the caller sent.
func (s *Store) InsertRows(ctx context.Context, dataset string, rows []model.Row) error {
	sch, ok := s.registry.Get(dataset)
	if !ok {
		return errors.New(errors.CodeSchemaUnknown, "unknown dataset").
			WithContext("dataset", dataset)
	}
	if len(rows) == 0 {
		return nil
	}

	placeholders := make([]string, len(sch.Columns))
	colNames := make([]string, len(sch.Columns))
	for i, col := range sch.Columns {
		placeholders[i] = "?"
		colNames[i] = quoteIdent(col.Name)
	}
	insert := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quoteIdent(dataset), strings.Join(colNames, ", "), strings.Join(placeholders, ", "))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, errors.CodeStorageWrite, "begin transaction")
	}

	stmt, err := tx.PrepareContext(ctx, insert)
	if err != nil {
		tx.Rollback()
		return errors.Wrap(err, errors.CodeStorageWrite, "prepare insert")
	}
	defer stmt.Close()

	for _, row := range rows {
		args := make([]interface{}, len(sch.Columns))
		for i, col := range sch.Columns {
			val, err := coerceValue(col, row[col.Name])
			if err != nil {
				tx.Rollback()
				return errors.Wrap(err, errors.CodeStorageWrite, "coerce value").
					WithContext("dataset", dataset).
					WithContext("column", col.Name)
			}
			args[i] = val
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			tx.Rollback()
			return errors.Wrap(err, errors.CodeStorageWrite, "insert row").
				WithContext("dataset", dataset)
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, errors.CodeStorageWrite, "commit insert")
	}
	return nil
}

// coerceValue converts a row value into its SQL representation, enforcing
// canonical timestamps at the storage boundary.
func coerceValue(col schema.Column, v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	switch col.Type {
	case model.TypeNumber:
		switch n := v.(type) {
		case float64:
			return n, nil
		case int:
			return float64(n), nil
		case int64:
			return float64(n), nil
		}
		return nil, fmt.Errorf("expected number, got %T", v)
	case model.TypeTimestamp:
		str, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("expected timestamp string, got %T", v)
		}
		if model.IsCanonicalTimestamp(str) {
			return str, nil
		}
		return model.NormalizeTimestamp(str)
	default:
		str, ok := v.(string)
		if !ok {
			return fmt.Sprintf("%v", v), nil
		}
		return str, nil
	}
}

// QueryWindow returns rows whose timestamp column falls in the half-open
// window [start, end), projected to the requested columns in request order.
// Comparison is lexical on the stored canonical string.
func (s *Store) QueryWindow(ctx context.Context, dataset, tsColumn, start, end string, columns []string) ([]string, []model.Row, error) {
	sch, ok := s.registry.Get(dataset)
	if !ok {
		return nil, nil, errors.New(errors.CodeSchemaUnknown, "unknown dataset").
			WithContext("dataset", dataset)
	}

	tsCol, ok := sch.Column(tsColumn)
	if !ok || tsCol.Type != model.TypeTimestamp {
		return nil, nil, errors.New(errors.CodeMissingColumn, "timestamp column not in schema").
			WithContext("dataset", dataset).
			WithContext("column", tsColumn)
	}

	if len(columns) == 0 {
		columns = sch.ColumnNames()
	}
	selected := make([]schema.Column, len(columns))
	quoted := make([]string, len(columns))
	for i, name := range columns {
		col, ok := sch.Column(name)
		if !ok {
			return nil, nil, errors.MissingColumn(name, sch.ColumnNames()).
				WithContext("dataset", dataset)
		}
		selected[i] = col
		quoted[i] = quoteIdent(name)
	}

	query := fmt.Sprintf(
		"SELECT %s FROM %s WHERE %s >= ? AND %s < ? ORDER BY %s",
		strings.Join(quoted, ", "), quoteIdent(dataset),
		quoteIdent(tsColumn), quoteIdent(tsColumn), quoteIdent(tsColumn))

	rows, err := s.db.QueryContext(ctx, query, start, end)
	if err != nil {
		return nil, nil, errors.Wrap(err, errors.CodeStorageQuery, "window query").
			WithContext("dataset", dataset)
	}
	defer rows.Close()

	var result []model.Row
	for rows.Next() {
		dests := make([]interface{}, len(selected))
		for i, col := range selected {
			if col.Type == model.TypeNumber {
				dests[i] = new(sql.NullFloat64)
			} else {
				dests[i] = new(sql.NullString)
			}
		}
		if err := rows.Scan(dests...); err != nil {
			return nil, nil, errors.Wrap(err, errors.CodeStorageQuery, "scan row")
		}

		row := make(model.Row, len(selected))
		for i, col := range selected {
			switch d := dests[i].(type) {
			case *sql.NullFloat64:
				if d.Valid {
					row[col.Name] = d.Float64
				}
			case *sql.NullString:
				if d.Valid {
					row[col.Name] = d.String
				}
			}
		}
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, errors.Wrap(err, errors.CodeStorageQuery, "iterate rows")
	}

	return columns, result, nil
}

// DeleteWindow removes rows in [start, end). This is the administrative
// row-delete operation at the storage boundary; rows are never mutated.
func (s *Store) DeleteWindow(ctx context.Context, dataset, tsColumn, start, end string) (int64, error) {
	sch, ok := s.registry.Get(dataset)
	if !ok {
		return 0, errors.New(errors.CodeSchemaUnknown, "unknown dataset").
			WithContext("dataset", dataset)
	}
	if _, ok := sch.Column(tsColumn); !ok {
		return 0, errors.New(errors.CodeMissingColumn, "timestamp column not in schema").
			WithContext("column", tsColumn)
	}

	stmt := fmt.Sprintf("DELETE FROM %s WHERE %s >= ? AND %s < ?",
		quoteIdent(dataset), quoteIdent(tsColumn), quoteIdent(tsColumn))
	res, err := s.db.ExecContext(ctx, stmt, start, end)
	if err != nil {
		return 0, errors.Wrap(err, errors.CodeStorageWrite, "delete rows")
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// WasIngested reports whether a file has already been fully loaded into a
// dataset. The ingestion log is the sole source of truth for this.
func (s *Store) WasIngested(ctx context.Context, dataset, filename string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM ingestion_log WHERE dataset = ? AND filename = ?`,
		dataset, filename).Scan(&count)
	if err != nil {
		return false, errors.Wrap(err, errors.CodeStorageQuery, "ingestion log lookup")
	}
	return count > 0, nil
}

// RecordIngestion writes one ingestion-log entry for a fully loaded file.
// Insert-if-absent under the store mutex: concurrent duplicate load attempts
// for the same filename and dataset record exactly one entry. Returns false
// if an entry already existed.
func (s *Store) RecordIngestion(ctx context.Context, dataset, filename string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	exists, err := s.WasIngested(ctx, dataset, filename)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO ingestion_log (filename, dataset, ingested_at) VALUES (?, ?, ?)`,
		filename, dataset, model.FormatTimestamp(time.Now()))
	if err != nil {
		return false, errors.Wrap(err, errors.CodeStorageWrite, "record ingestion")
	}
	return true, nil
}

// IngestionLog returns all log entries for a dataset, newest first.
func (s *Store) IngestionLog(ctx context.Context, dataset string) ([]IngestionEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT filename, dataset, ingested_at FROM ingestion_log
		 WHERE dataset = ? ORDER BY ingested_at DESC`, dataset)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeStorageQuery, "ingestion log query")
	}
	defer rows.Close()

	var entries []IngestionEntry
	for rows.Next() {
		var e IngestionEntry
		if err := rows.Scan(&e.Filename, &e.Dataset, &e.IngestedAt); err != nil {
			return nil, errors.Wrap(err, errors.CodeStorageQuery, "scan log entry")
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// IngestionEntry is one row of the ingestion log.
type IngestionEntry struct {
	Filename   string `json:"filename"`
	Dataset    string `json:"dataset"`
	IngestedAt string `json:"ingested_at"`
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}
