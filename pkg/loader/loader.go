// Package loader turns staged files into validated rows in storage.
package loader

import (
	"context"
	"encoding/csv"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/tabflow/tabflow/internal/model"
	"github.com/tabflow/tabflow/pkg/errors"
	"github.com/tabflow/tabflow/pkg/schema"
	"github.com/tabflow/tabflow/pkg/store"
)

// Loader parses, validates and persists staged files. One Loader serves all
// datasets; the target dataset of a file is resolved from its name.
type Loader struct {
	client    *store.Client
	registry  *schema.Registry
	rejectLog *RejectionLog
}

// New creates a Loader.
func New(client *store.Client, registry *schema.Registry, rejectLog *RejectionLog) *Loader {
	return &Loader{
		client:    client,
		registry:  registry,
		rejectLog: rejectLog,
	}
}

// DatasetFor resolves the dataset a dropped file belongs to from its
// filename: everything before the first underscore or dot, so
// "calls_2025-01-15.csv" loads into "calls".
func (l *Loader) DatasetFor(filename string) (string, bool) {
	base := filepath.Base(filename)
	name := base
	if i := strings.IndexAny(base, "_."); i > 0 {
		name = base[:i]
	}
	_, ok := l.registry.Get(name)
	return name, ok
}

// Parse reads a staged CSV file into header-keyed raw records. A structural
// failure (unreadable, not a table) rejects the whole file.
func Parse(stagedPath string) ([]map[string]string, error) {
	f, err := os.Open(stagedPath)
	if err != nil {
		return nil, errors.ParseError(stagedPath, err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.TrimLeadingSpace = true
	// Ragged rows are a row-level problem, not a file-level one: short rows
	// surface as missing-column rejections during validation.
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, errors.ParseError(stagedPath, err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}

	var records []map[string]string
	for {
		fields, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.ParseError(stagedPath, err)
		}

		record := make(map[string]string, len(header))
		for i, col := range header {
			if i < len(fields) {
				record[col] = fields[i]
			}
		}
		records = append(records, record)
	}

	return records, nil
}

// Result summarizes one file load.
type Result struct {
	Filename  string
	Dataset   string
	Persisted int
	Rejected  int
	Skipped   bool // already ingested
}

// Load parses and validates a staged file and persists the valid rows.
// Loading the same file twice for the same dataset is a no-op: the
// ingestion log is consulted first and written once on full-file success.
//
// The row insert and the log write are separate calls, so a transient
// failure between them leaves the file staged with its rows already
// persisted, and the retry inserts them again. Closing that window needs a
// combined insert-and-record operation on the server.
func (l *Loader) Load(ctx context.Context, stagedPath string, dataset string) (*Result, error) {
	filename := filepath.Base(stagedPath)
	res := &Result{Filename: filename, Dataset: dataset}

	sch, ok := l.registry.Get(dataset)
	if !ok {
		return nil, errors.New(errors.CodeSchemaUnknown, "unknown dataset").
			WithContext("dataset", dataset).
			WithContext("file", filename)
	}

	ingested, err := l.client.WasIngested(ctx, dataset, filename)
	if err != nil {
		return nil, err
	}
	if ingested {
		log.Printf("loader: %s already ingested into %s, skipping", filename, dataset)
		res.Skipped = true
		return res, nil
	}

	records, err := Parse(stagedPath)
	if err != nil {
		return nil, err
	}

	var rows []model.Row
	for i, record := range records {
		row, rejection := sch.Validate(record, filename, i)
		if rejection != nil {
			if err := l.rejectLog.Add(*rejection); err != nil {
				return nil, errors.Wrap(err, errors.CodeWriteFailed, "append rejection log")
			}
			res.Rejected++
			continue
		}
		rows = append(rows, row)
	}

	if err := l.client.InsertRows(ctx, dataset, rows); err != nil {
		return nil, err
	}
	res.Persisted = len(rows)

	// Full-file success: make the file visible as ingested. The server side
	// treats this as insert-if-absent, so a concurrent duplicate load
	// records exactly one entry.
	if err := l.client.RecordIngestion(ctx, dataset, filename); err != nil {
		return nil, err
	}

	return res, nil
}
