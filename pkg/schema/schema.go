// Package schema defines dataset schemas and row validation.
// Schemas are declared in configuration and validated, never inferred.
package schema

import (
	"fmt"
	"strconv"

	"github.com/tabflow/tabflow/internal/model"
	"github.com/tabflow/tabflow/pkg/config"
)

// Column is one declared column of a dataset.
type Column struct {
	Name string
	Type model.ColumnType
}

// Schema is the fixed column schema of a named dataset.
type Schema struct {
	Dataset         string
	Columns         []Column
	TimestampColumn string
}

// RejectionReason classifies why a row failed validation.
type RejectionReason string

const (
	ReasonMissingColumn       RejectionReason = "missing_column"
	ReasonTypeMismatch        RejectionReason = "type_mismatch"
	ReasonTimestampOutOfRange RejectionReason = "timestamp_out_of_range"
)

// Rejection records a single rejected row. Keyed by file + row index so the
// rejection log identifies every bad row exactly once.
type Rejection struct {
	Filename string          `json:"filename"`
	Dataset  string          `json:"dataset"`
	RowIndex int             `json:"row_index"`
	Column   string          `json:"column"`
	Reason   RejectionReason `json:"reason"`
	Value    string          `json:"value,omitempty"`
}

func (r Rejection) Error() string {
	return fmt.Sprintf("row %d: %s (column=%s)", r.RowIndex, r.Reason, r.Column)
}

// FromSpec builds a Schema from its configuration declaration.
func FromSpec(dataset string, spec config.DatasetSpec) (*Schema, error) {
	s := &Schema{
		Dataset:         dataset,
		TimestampColumn: spec.TimestampColumn,
	}
	for _, col := range spec.Columns {
		t := model.ColumnType(col.Type)
		if !t.Valid() {
			return nil, fmt.Errorf("dataset %q: column %q: unknown type %q", dataset, col.Name, col.Type)
		}
		s.Columns = append(s.Columns, Column{Name: col.Name, Type: t})
	}
	if len(s.Columns) == 0 {
		return nil, fmt.Errorf("dataset %q: empty schema", dataset)
	}
	return s, nil
}

// ColumnNames returns the declared column names in order.
func (s *Schema) ColumnNames() []string {
	names := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		names[i] = c.Name
	}
	return names
}

// Column returns the declared column by name.
func (s *Schema) Column(name string) (Column, bool) {
	for _, c := range s.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// Validate checks one raw record against the schema. On success it returns
// a typed Row with the timestamp normalized to canonical form; otherwise a
// Rejection naming the first failing column.
func (s *Schema) Validate(record map[string]string, filename string, rowIndex int) (model.Row, *Rejection) {
	row := make(model.Row, len(s.Columns))

	for _, col := range s.Columns {
		raw, ok := record[col.Name]
		if !ok {
			return nil, &Rejection{
				Filename: filename,
				Dataset:  s.Dataset,
				RowIndex: rowIndex,
				Column:   col.Name,
				Reason:   ReasonMissingColumn,
			}
		}

		switch col.Type {
		case model.TypeString:
			row[col.Name] = raw

		case model.TypeNumber:
			n, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				return nil, &Rejection{
					Filename: filename,
					Dataset:  s.Dataset,
					RowIndex: rowIndex,
					Column:   col.Name,
					Reason:   ReasonTypeMismatch,
					Value:    raw,
				}
			}
			row[col.Name] = n

		case model.TypeTimestamp:
			canonical, err := model.NormalizeTimestamp(raw)
			if err != nil {
				return nil, &Rejection{
					Filename: filename,
					Dataset:  s.Dataset,
					RowIndex: rowIndex,
					Column:   col.Name,
					Reason:   ReasonTimestampOutOfRange,
					Value:    raw,
				}
			}
			row[col.Name] = canonical
		}
	}

	return row, nil
}

// Registry resolves dataset names to schemas.
type Registry struct {
	schemas map[string]*Schema
}

// NewRegistry builds a Registry from the configured datasets.
func NewRegistry(datasets map[string]config.DatasetSpec) (*Registry, error) {
	r := &Registry{schemas: make(map[string]*Schema, len(datasets))}
	for name, spec := range datasets {
		s, err := FromSpec(name, spec)
		if err != nil {
			return nil, err
		}
		r.schemas[name] = s
	}
	return r, nil
}

// Get returns the schema for a dataset.
func (r *Registry) Get(dataset string) (*Schema, bool) {
	s, ok := r.schemas[dataset]
	return s, ok
}

// Datasets returns all registered dataset names.
func (r *Registry) Datasets() []string {
	names := make([]string, 0, len(r.schemas))
	for name := range r.schemas {
		names = append(names, name)
	}
	return names
}
