package datalake

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/gigapi/gigapi-ingest/core"
	"github.com/spf13/afero"
)

const (
	DefaultCSVDelimiter = ','
	DefaultTXTDelimiter = '|'
)

var _ core.Extractor = (*Extractor)(nil)

// Extractor reads partition files into datasets.
type Extractor struct {
	fs       afero.Fs
	baseDir  string
	csvComma rune
	txtComma rune
}

type Option func(*Extractor)

// WithDelimiters overrides the field separators of .csv and .txt files.
func WithDelimiters(csvComma, txtComma rune) Option {
	return func(e *Extractor) {
		if csvComma != 0 {
			e.csvComma = csvComma
		}
		if txtComma != 0 {
			e.txtComma = txtComma
		}
	}
}

// NewExtractor creates an extractor. baseDir is the ingestion root; when it
// disappears, extraction failures are reported as fatal.
func NewExtractor(fs afero.Fs, baseDir string, opts ...Option) *Extractor {
	e := &Extractor{
		fs:       fs,
		baseDir:  baseDir,
		csvComma: DefaultCSVDelimiter,
		txtComma: DefaultTXTDelimiter,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// ParseDelimiter turns a configured delimiter into a rune. "\t" and "tab"
// mean a tab.
func ParseDelimiter(s string) (rune, error) {
	switch s {
	case "":
		return 0, nil
	case `\t`, "tab":
		return '\t', nil
	}
	r, size := utf8.DecodeRuneInString(s)
	if size != len(s) || r == utf8.RuneError || r == '"' || r == '\r' || r == '\n' {
		return 0, fmt.Errorf("invalid delimiter %q", s)
	}
	return r, nil
}

func (e *Extractor) Extract(ctx context.Context, file core.FileDescriptor) (*core.Dataset, error) {
	if err := ctx.Err(); err != nil {
		return nil, core.Fatal(err)
	}
	table := file.TableName()
	ext := strings.ToLower(filepath.Ext(file.Name))

	var parse func(data []byte, table string) (*core.Dataset, error)
	switch ext {
	case ".csv":
		parse = e.delimited(e.csvComma)
	case ".txt":
		parse = e.delimited(e.txtComma)
	case ".json":
		parse = parseJSON
	default:
		return nil, core.NewError(core.KindExtraction, table, fmt.Errorf("%s: %w", file.Name, core.ErrUnsupportedFormat))
	}

	data, err := afero.ReadFile(e.fs, file.Path)
	if err != nil {
		if e.baseDir != "" {
			if _, serr := e.fs.Stat(e.baseDir); serr != nil {
				return nil, core.Fatal(fmt.Errorf("datalake %s is unavailable: %w", e.baseDir, serr))
			}
		}
		return nil, core.NewError(core.KindExtraction, table, fmt.Errorf("failed to read %s: %w", file.Path, err))
	}
	ds, err := parse(data, table)
	if err != nil {
		return nil, core.NewError(core.KindExtraction, table, fmt.Errorf("failed to parse %s: %w", file.Name, err))
	}
	return ds, nil
}

func (e *Extractor) delimited(comma rune) func(data []byte, table string) (*core.Dataset, error) {
	return func(data []byte, table string) (*core.Dataset, error) {
		r := csv.NewReader(bytes.NewReader(data))
		r.Comma = comma
		header, err := r.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("no columns to parse from file")
			}
			return nil, err
		}
		// byte order mark left by some spreadsheet exports
		header[0] = strings.TrimPrefix(header[0], "\ufeff")
		for i := range header {
			header[i] = strings.TrimSpace(header[i])
		}
		ds := core.NewDataset(table)
		for _, col := range header {
			if col == "" || ds.HasColumn(col) {
				return nil, fmt.Errorf("invalid or duplicate column name %q", col)
			}
			ds.Columns = append(ds.Columns, col)
		}
		for {
			rec, err := r.Read()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return nil, err
			}
			row := make(core.Row, len(header))
			for i, col := range header {
				row[col] = rec[i]
			}
			ds.AppendRow(row)
		}
		return ds, nil
	}
}

// parseJSON reads an array of objects. Columns are the union of keys in the
// order they first appear.
func parseJSON(data []byte, table string) (*core.Dataset, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, err
	}
	ds := core.NewDataset(table)
	for i, raw := range items {
		keys, row, err := decodeObject(raw)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		for _, k := range keys {
			if !ds.HasColumn(k) {
				ds.Columns = append(ds.Columns, k)
			}
		}
		ds.AppendRow(row)
	}
	for _, r := range ds.Rows {
		for _, c := range ds.Columns {
			if _, ok := r[c]; !ok {
				r[c] = nil
			}
		}
	}
	return ds, nil
}

func decodeObject(raw json.RawMessage) ([]string, core.Row, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return nil, nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, nil, fmt.Errorf("expected an object")
	}
	var keys []string
	row := core.Row{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, nil, err
		}
		key := tok.(string)
		var v any
		if err := dec.Decode(&v); err != nil {
			return nil, nil, err
		}
		if _, dup := row[key]; !dup {
			keys = append(keys, key)
		}
		row[key] = normalize(v)
	}
	return keys, row, nil
}

func normalize(v any) any {
	switch x := v.(type) {
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return n
		}
		if f, err := x.Float64(); err == nil && !math.IsInf(f, 0) {
			return f
		}
		return x.String()
	case map[string]any, []any:
		b, _ := json.Marshal(x)
		return string(b)
	}
	return v
}
