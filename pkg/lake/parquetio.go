package lake

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/reader"
	"github.com/xitongsys/parquet-go/writer"

	"github.com/orneryd/kgraph/pkg/kgerrors"
	"github.com/orneryd/kgraph/pkg/schema"
)

// parquetJSONSchema renders the declared fields into the JSON schema
// string format xitongsys/parquet-go's JSON writer expects, adding the
// engine's own `id` string column that every table row carries.
func parquetJSONSchema(fields []schema.Field) (string, error) {
	type tagField struct {
		Tag string `json:"Tag"`
	}
	type rootSchema struct {
		Tag    string     `json:"Tag"`
		Fields []tagField `json:"Fields"`
	}

	root := rootSchema{Tag: "name=parquet_go_root"}
	root.Fields = append(root.Fields, tagField{Tag: "name=id, type=BYTE_ARRAY, convertedtype=UTF8"})

	for _, f := range fields {
		tag, err := fieldTag(f)
		if err != nil {
			return "", err
		}
		root.Fields = append(root.Fields, tagField{Tag: tag})
	}

	b, err := json.Marshal(root)
	if err != nil {
		return "", kgerrors.Wrap(kgerrors.Json, "lake.parquetJSONSchema", err)
	}
	return string(b), nil
}

func fieldTag(f schema.Field) (string, error) {
	name := sanitizeColumnName(f.Name)
	switch f.Type {
	case schema.FieldString, schema.FieldUUID, schema.FieldJSON, schema.FieldArray:
		return fmt.Sprintf("name=%s, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=OPTIONAL", name), nil
	case schema.FieldBool:
		return fmt.Sprintf("name=%s, type=BOOLEAN, repetitiontype=OPTIONAL", name), nil
	case schema.FieldInt, schema.FieldUint, schema.FieldDateTime:
		return fmt.Sprintf("name=%s, type=INT64, repetitiontype=OPTIONAL", name), nil
	case schema.FieldFloat32:
		return fmt.Sprintf("name=%s, type=FLOAT, repetitiontype=OPTIONAL", name), nil
	case schema.FieldFloat64:
		return fmt.Sprintf("name=%s, type=DOUBLE, repetitiontype=OPTIONAL", name), nil
	default:
		return "", kgerrors.New(kgerrors.Schema, "lake.fieldTag", fmt.Sprintf("unsupported field type %q", f.Type))
	}
}

// sanitizeColumnName strips characters the parquet-go tag parser does not
// accept from an otherwise-valid schema field name.
func sanitizeColumnName(name string) string {
	return strings.ReplaceAll(name, "-", "_")
}

// writeParquet writes rows to a single Parquet file following the schema
// implied by fields, via the JSON-declarative writer so the column set is
// determined at runtime from the schema registry rather than a compiled
// Go struct.
func writeParquet(path string, fields []schema.Field, rows []Row) error {
	jsonSchema, err := parquetJSONSchema(fields)
	if err != nil {
		return err
	}

	fw, err := local.NewLocalFileWriter(path)
	if err != nil {
		return kgerrors.Wrap(kgerrors.Io, "lake.writeParquet", err)
	}
	defer fw.Close()

	pw, err := writer.NewJSONWriter(jsonSchema, fw, 4)
	if err != nil {
		return kgerrors.Wrap(kgerrors.Lake, "lake.writeParquet", err)
	}

	for _, row := range rows {
		encoded := make(map[string]any, len(row))
		for k, v := range row {
			encoded[sanitizeColumnName(k)] = v
		}
		b, err := json.Marshal(encoded)
		if err != nil {
			return kgerrors.Wrap(kgerrors.Json, "lake.writeParquet", err)
		}
		if err := pw.Write(string(b)); err != nil {
			return kgerrors.Wrap(kgerrors.Lake, "lake.writeParquet", err)
		}
	}

	if err := pw.WriteStop(); err != nil {
		return kgerrors.Wrap(kgerrors.Lake, "lake.writeParquet", err)
	}
	return nil
}

// readParquet reads every row of a Parquet file back into schema-less
// Row maps, using the reader's dynamic (no predefined Go struct) mode.
func readParquet(path string) ([]Row, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, kgerrors.Wrap(kgerrors.Io, "lake.readParquet", err)
	}

	fr, err := local.NewLocalFileReader(path)
	if err != nil {
		return nil, kgerrors.Wrap(kgerrors.Io, "lake.readParquet", err)
	}
	defer fr.Close()

	pr, err := reader.NewParquetColumnReader(fr, 4)
	if err != nil {
		return nil, kgerrors.Wrap(kgerrors.Lake, "lake.readParquet", err)
	}
	defer pr.ReadStop()

	numRows := int(pr.GetNumRows())
	rows := make([]Row, numRows)
	for i := range rows {
		rows[i] = make(Row)
	}

	// Column-by-column read via the flat path names the schema handler
	// exposes; values come back already repetition/definition resolved.
	for _, pathStr := range pr.SchemaHandler.ValueColumns {
		values, _, _, err := pr.ReadColumnByPath(pathStr, int64(numRows))
		if err != nil {
			return nil, kgerrors.Wrap(kgerrors.Lake, "lake.readParquet", err)
		}
		name := lastPathSegment(pathStr)
		for i := 0; i < numRows && i < len(values); i++ {
			rows[i][name] = normalizeColumnValue(values[i])
		}
	}

	return rows, nil
}

func lastPathSegment(path string) string {
	parts := strings.Split(path, ".")
	return parts[len(parts)-1]
}

// normalizeColumnValue converts the reader's raw BYTE_ARRAY representation
// (a []byte) back into a Go string, matching what callers wrote in.
func normalizeColumnValue(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}
