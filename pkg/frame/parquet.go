package frame

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-json"
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/common"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/reader"
	"github.com/xitongsys/parquet-go/writer"
)

const rootName = "parquet_go_root"

// parallelism handed to the parquet marshaller / unmarshaller.
const parquetNP = 4

type jsonSchemaNode struct {
	Tag    string           `json:"Tag"`
	Fields []jsonSchemaNode `json:"Fields,omitempty"`
}

func schemaTag(field Field) (string, error) {
	switch field.Kind {
	case Int64:
		return fmt.Sprintf("name=%s, type=INT64, repetitiontype=REQUIRED", field.Name), nil
	case Float64:
		return fmt.Sprintf("name=%s, type=DOUBLE, repetitiontype=REQUIRED", field.Name), nil
	case String:
		return fmt.Sprintf("name=%s, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=REQUIRED", field.Name), nil
	case Int64List:
		return fmt.Sprintf("name=%s, type=INT64, repetitiontype=REPEATED", field.Name), nil
	case StringList:
		return fmt.Sprintf("name=%s, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=REPEATED", field.Name), nil
	}
	return "", fmt.Errorf("unsupported column kind %s for %q", field.Kind, field.Name)
}

// JSONSchema renders the parquet-go JSON schema used to write frames with
// the given schema. Lists are stored as repeated primitives.
func JSONSchema(schema Schema) (string, error) {
	root := jsonSchemaNode{Tag: fmt.Sprintf("name=%s, repetitiontype=REQUIRED", rootName)}
	for _, field := range schema {
		if strings.ContainsAny(field.Name, ".,= ") {
			return "", fmt.Errorf("column name %q is not a valid parquet field name", field.Name)
		}
		tag, err := schemaTag(field)
		if err != nil {
			return "", err
		}
		root.Fields = append(root.Fields, jsonSchemaNode{Tag: tag})
	}
	b, err := json.Marshal(root)
	if err != nil {
		return "", fmt.Errorf("encoding schema: %w", err)
	}
	return string(b), nil
}

// WriteParquet writes the frame to a parquet file at path, creating parent
// directories as needed. An existing file is replaced.
func WriteParquet(path string, f *Frame) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}
	schema, err := JSONSchema(f.Schema())
	if err != nil {
		return err
	}
	fw, err := local.NewLocalFileWriter(path)
	if err != nil {
		return fmt.Errorf("creating parquet file %s: %w", path, err)
	}
	pw, err := writer.NewJSONWriter(schema, fw, parquetNP)
	if err != nil {
		fw.Close()
		return fmt.Errorf("creating parquet writer: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY
	for i := 0; i < f.Len(); i++ {
		rec, err := json.Marshal(f.Row(i))
		if err != nil {
			fw.Close()
			return fmt.Errorf("encoding row %d: %w", i, err)
		}
		if err := pw.Write(string(rec)); err != nil {
			fw.Close()
			return fmt.Errorf("writing row %d: %w", i, err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		fw.Close()
		return fmt.Errorf("finishing parquet file %s: %w", path, err)
	}
	return fw.Close()
}

// ReadSchema returns the frame schema stored in a parquet file.
func ReadSchema(path string) (Schema, error) {
	fr, err := local.NewLocalFileReader(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer fr.Close()
	pr, err := reader.NewParquetColumnReader(fr, parquetNP)
	if err != nil {
		return nil, fmt.Errorf("creating parquet column reader: %w", err)
	}
	defer pr.ReadStop()
	return schemaOf(pr)
}

// NumRows returns the number of rows stored in a parquet file.
func NumRows(path string) (int64, error) {
	fr, err := local.NewLocalFileReader(path)
	if err != nil {
		return 0, fmt.Errorf("opening %s: %w", path, err)
	}
	defer fr.Close()
	pr, err := reader.NewParquetColumnReader(fr, parquetNP)
	if err != nil {
		return 0, fmt.Errorf("creating parquet column reader: %w", err)
	}
	defer pr.ReadStop()
	return pr.GetNumRows(), nil
}

// schemaOf reads the frame schema of an open file. The column reader renames
// footer elements to their internal names, so names come from the schema
// handler's external names instead.
func schemaOf(pr *reader.ParquetReader) (Schema, error) {
	elements := pr.Footer.GetSchema()
	if len(elements) == 0 {
		return nil, fmt.Errorf("parquet file has no schema")
	}
	infos := pr.SchemaHandler.Infos
	var schema Schema
	for i, el := range elements[1:] {
		name := infos[i+1].ExName
		if el.GetNumChildren() > 0 {
			return nil, fmt.Errorf("nested parquet field %q is not supported", name)
		}
		repeated := el.GetRepetitionType() == parquet.FieldRepetitionType_REPEATED
		var kind Kind
		switch el.GetType() {
		case parquet.Type_INT64, parquet.Type_INT32:
			kind = Int64
			if repeated {
				kind = Int64List
			}
		case parquet.Type_DOUBLE, parquet.Type_FLOAT:
			if repeated {
				return nil, fmt.Errorf("repeated floating point field %q is not supported", name)
			}
			kind = Float64
		case parquet.Type_BYTE_ARRAY:
			kind = String
			if repeated {
				kind = StringList
			}
		default:
			return nil, fmt.Errorf("field %q has unsupported parquet type %s", name, el.GetType())
		}
		schema = append(schema, Field{Name: name, Kind: kind})
	}
	return schema, nil
}

// ReadParquet reads the named columns (all columns when none are given) of
// a parquet file into a frame.
func ReadParquet(path string, columns ...string) (*Frame, error) {
	return ReadParquetRows(path, 0, -1, columns...)
}

// ReadParquetRows reads up to n rows starting at offset. A negative n reads
// until the end of the file.
func ReadParquetRows(path string, offset, n int64, columns ...string) (*Frame, error) {
	fr, err := local.NewLocalFileReader(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer fr.Close()
	pr, err := reader.NewParquetColumnReader(fr, parquetNP)
	if err != nil {
		return nil, fmt.Errorf("creating parquet column reader: %w", err)
	}
	defer pr.ReadStop()

	schema, err := schemaOf(pr)
	if err != nil {
		return nil, fmt.Errorf("reading schema of %s: %w", path, err)
	}
	if len(columns) > 0 {
		selected := make(Schema, 0, len(columns))
		for _, name := range columns {
			field, ok := schema.Lookup(name)
			if !ok {
				return nil, fmt.Errorf("column %q not found in %s", name, path)
			}
			selected = append(selected, field)
		}
		schema = selected
	}

	total := pr.GetNumRows()
	if offset > total {
		offset = total
	}
	if n < 0 || offset+n > total {
		n = total - offset
	}
	out := Empty(schema)
	if n == 0 {
		return out, nil
	}

	for i, field := range schema {
		colPath := common.ReformPathStr(pr.SchemaHandler.GetRootExName() + "." + field.Name)
		if offset > 0 {
			if err := pr.SkipRowsByPath(colPath, offset); err != nil {
				return nil, fmt.Errorf("skipping rows of %q: %w", field.Name, err)
			}
		}
		values, rls, dls, err := pr.ReadColumnByPath(colPath, n)
		if err != nil {
			return nil, fmt.Errorf("reading column %q: %w", field.Name, err)
		}
		col, err := decodeColumn(field, values, rls, dls)
		if err != nil {
			return nil, fmt.Errorf("decoding column %q: %w", field.Name, err)
		}
		if col.Len() != int(n) {
			return nil, fmt.Errorf("column %q: read %d rows, want %d", field.Name, col.Len(), n)
		}
		out.cols[i] = col
	}
	out.n = int(n)
	return out, nil
}

func asInt64(v any) (int64, error) {
	switch t := v.(type) {
	case int64:
		return t, nil
	case int32:
		return int64(t), nil
	}
	return 0, fmt.Errorf("unexpected value %v (%T), want integer", v, v)
}

func asFloat64(v any) (float64, error) {
	switch t := v.(type) {
	case float64:
		return t, nil
	case float32:
		return float64(t), nil
	}
	return 0, fmt.Errorf("unexpected value %v (%T), want float", v, v)
}

func asString(v any) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case []byte:
		return string(t), nil
	}
	return "", fmt.Errorf("unexpected value %v (%T), want string", v, v)
}

func decodeColumn(field Field, values []any, rls, dls []int32) (*Column, error) {
	col := &Column{Name: field.Name, Kind: field.Kind}
	switch field.Kind {
	case Int64:
		col.Ints = make([]int64, len(values))
		for i, v := range values {
			x, err := asInt64(v)
			if err != nil {
				return nil, err
			}
			col.Ints[i] = x
		}
	case Float64:
		col.Floats = make([]float64, len(values))
		for i, v := range values {
			x, err := asFloat64(v)
			if err != nil {
				return nil, err
			}
			col.Floats[i] = x
		}
	case String:
		col.Strings = make([]string, len(values))
		for i, v := range values {
			x, err := asString(v)
			if err != nil {
				return nil, err
			}
			col.Strings[i] = x
		}
	case Int64List:
		// A repetition level of 0 starts a new row; a definition level of 0
		// marks an empty list.
		for i, v := range values {
			if rls[i] == 0 {
				col.IntLists = append(col.IntLists, []int64{})
			}
			if dls[i] == 0 {
				continue
			}
			x, err := asInt64(v)
			if err != nil {
				return nil, err
			}
			last := len(col.IntLists) - 1
			col.IntLists[last] = append(col.IntLists[last], x)
		}
	case StringList:
		for i, v := range values {
			if rls[i] == 0 {
				col.StringLists = append(col.StringLists, []string{})
			}
			if dls[i] == 0 {
				continue
			}
			x, err := asString(v)
			if err != nil {
				return nil, err
			}
			last := len(col.StringLists) - 1
			col.StringLists[last] = append(col.StringLists[last], x)
		}
	}
	return col, nil
}
