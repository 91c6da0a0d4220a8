// Package report executes report jobs: it queries storage for a time window
// and writes the result as a CSV or spreadsheet artifact.
package report

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/tabflow/tabflow/internal/model"
	"github.com/tabflow/tabflow/pkg/errors"
)

// ArtifactName returns the deterministic output filename for a job. The
// name is a pure function of dataset, window and format so the scheduler
// can locate the artifact without extra metadata round-trips.
func ArtifactName(dataset, start, end, format string) string {
	clean := func(ts string) string {
		return strings.ReplaceAll(ts, ":", "")
	}
	return fmt.Sprintf("%s_%s_%s.%s", dataset, clean(start), clean(end), format)
}

// writeArtifact writes rows to the output directory under name, via a temp
// file and rename so the artifact is immutable once visible.
func writeArtifact(outputDir, name, format string, columns []string, rows []model.Row) error {
	tmp := filepath.Join(outputDir, ".tmp-"+name)
	final := filepath.Join(outputDir, name)

	var err error
	switch format {
	case "csv":
		err = writeCSV(tmp, columns, rows)
	case "xlsx":
		err = writeXLSX(tmp, columns, rows)
	default:
		return errors.New(errors.CodeRequestRejected, "unknown artifact format").
			WithContext("format", format)
	}
	if err != nil {
		os.Remove(tmp)
		return err
	}

	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return errors.Wrap(err, errors.CodeWriteFailed, "publish artifact").
			WithContext("path", final)
	}
	return nil
}

func writeCSV(path string, columns []string, rows []model.Row) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, errors.CodeWriteFailed, "create artifact")
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(columns); err != nil {
		return errors.Wrap(err, errors.CodeWriteFailed, "write header")
	}

	record := make([]string, len(columns))
	for _, row := range rows {
		for i, col := range columns {
			record[i] = cellString(row[col])
		}
		if err := w.Write(record); err != nil {
			return errors.Wrap(err, errors.CodeWriteFailed, "write row")
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return errors.Wrap(err, errors.CodeWriteFailed, "flush artifact")
	}
	return f.Sync()
}

func writeXLSX(path string, columns []string, rows []model.Row) error {
	f := excelize.NewFile()
	defer f.Close()

	const sheet = "Sheet1"
	sw, err := f.NewStreamWriter(sheet)
	if err != nil {
		return errors.Wrap(err, errors.CodeWriteFailed, "create stream writer")
	}

	header := make([]interface{}, len(columns))
	for i, col := range columns {
		header[i] = col
	}
	if err := sw.SetRow("A1", header); err != nil {
		return errors.Wrap(err, errors.CodeWriteFailed, "write header")
	}

	for n, row := range rows {
		cells := make([]interface{}, len(columns))
		for i, col := range columns {
			cells[i] = row[col]
		}
		cell, _ := excelize.CoordinatesToCellName(1, n+2)
		if err := sw.SetRow(cell, cells); err != nil {
			return errors.Wrap(err, errors.CodeWriteFailed, "write row")
		}
	}

	if err := sw.Flush(); err != nil {
		return errors.Wrap(err, errors.CodeWriteFailed, "flush stream writer")
	}
	if err := f.SaveAs(path); err != nil {
		return errors.Wrap(err, errors.CodeWriteFailed, "save artifact")
	}
	return nil
}

// cellString renders one cell for CSV output. Numbers keep their shortest
// exact representation.
func cellString(v interface{}) string {
	switch n := v.(type) {
	case nil:
		return ""
	case string:
		return n
	case float64:
		return trimFloat(n)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func trimFloat(f float64) string {
	s := fmt.Sprintf("%g", f)
	return s
}

// CountArtifactRows returns the number of data rows in an artifact, used by
// the scheduler to verify the written file against the job record.
func CountArtifactRows(path string) (int64, error) {
	switch filepath.Ext(path) {
	case ".csv":
		return countCSVRows(path)
	case ".xlsx":
		return countXLSXRows(path)
	default:
		return 0, errors.New(errors.CodeRequestRejected, "unknown artifact format").
			WithContext("path", path)
	}
}

func countCSVRows(path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, errors.Wrap(err, errors.CodeArtifactMissing, "open artifact")
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	var count int64 = -1 // do not count the header
	for {
		if _, err := r.Read(); err != nil {
			break
		}
		count++
	}
	if count < 0 {
		count = 0
	}
	return count, nil
}

func countXLSXRows(path string) (int64, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return 0, errors.Wrap(err, errors.CodeArtifactMissing, "open artifact")
	}
	defer f.Close()

	rows, err := f.Rows(f.GetSheetName(0))
	if err != nil {
		return 0, errors.Wrap(err, errors.CodeArtifactMissing, "read artifact")
	}
	defer rows.Close()

	var count int64 = -1
	for rows.Next() {
		count++
	}
	if count < 0 {
		count = 0
	}
	return count, nil
}
