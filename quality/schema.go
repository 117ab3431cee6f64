package quality

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// Type is the target type of a declared column.
type Type string

const (
	TypeInt      Type = "int"
	TypeFloat    Type = "float"
	TypeString   Type = "string"
	TypeBool     Type = "bool"
	TypeDatetime Type = "datetime"
)

var typeAliases = map[string]Type{
	"int":            TypeInt,
	"int64":          TypeInt,
	"int32":          TypeInt,
	"integer":        TypeInt,
	"float":          TypeFloat,
	"float64":        TypeFloat,
	"float32":        TypeFloat,
	"double":         TypeFloat,
	"string":         TypeString,
	"str":            TypeString,
	"object":         TypeString,
	"bool":           TypeBool,
	"boolean":        TypeBool,
	"datetime":       TypeDatetime,
	"datetime64":     TypeDatetime,
	"datetime64[ns]": TypeDatetime,
	"timestamp":      TypeDatetime,
	"date":           TypeDatetime,
}

// ParseType resolves a declared type name, accepting the usual aliases.
func ParseType(name string) (Type, error) {
	t, ok := typeAliases[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return "", fmt.Errorf("unknown column type %q", name)
	}
	return t, nil
}

type ColumnSpec struct {
	Name string `json:"name"`
	Type Type   `json:"type"`
}

// TableSchema is the ordered column declaration of one table.
type TableSchema []ColumnSpec

func (s TableSchema) Names() []string {
	res := make([]string, len(s))
	for i, c := range s {
		res[i] = c.Name
	}
	return res
}

func (s TableSchema) Lookup(name string) (ColumnSpec, bool) {
	for _, c := range s {
		if c.Name == name {
			return c, true
		}
	}
	return ColumnSpec{}, false
}

// Schema maps table names to their declarations. It is read-only once parsed
// and safe to share between goroutines.
type Schema map[string]TableSchema

func (s Schema) Table(name string) (TableSchema, bool) {
	t, ok := s[name]
	return t, ok
}

// ParseSchema decodes a JSON schema mapping. Each table is declared either
// as an object {"column": "type", ...}, keeping the key order, or as a list
// [{"name": "column", "type": "type"}, ...].
func ParseSchema(data []byte) (Schema, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := expectDelim(dec, '{'); err != nil {
		return nil, fmt.Errorf("invalid schema: %w", err)
	}
	schema := make(Schema)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("invalid schema: %w", err)
		}
		table, _ := tok.(string)
		cols, err := parseTable(dec)
		if err != nil {
			return nil, fmt.Errorf("invalid schema for table %s: %w", table, err)
		}
		schema[table] = cols
	}
	if err := expectDelim(dec, '}'); err != nil {
		return nil, fmt.Errorf("invalid schema: %w", err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("invalid schema: trailing data")
	}
	return schema, nil
}

func parseTable(dec *json.Decoder) (TableSchema, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	var res TableSchema
	seen := make(map[string]bool)
	add := func(name, typ string) error {
		if name == "" {
			return fmt.Errorf("empty column name")
		}
		if seen[name] {
			return fmt.Errorf("duplicate column %s", name)
		}
		t, err := ParseType(typ)
		if err != nil {
			return fmt.Errorf("column %s: %w", name, err)
		}
		seen[name] = true
		res = append(res, ColumnSpec{Name: name, Type: t})
		return nil
	}

	switch tok {
	case json.Delim('{'):
		for dec.More() {
			k, err := dec.Token()
			if err != nil {
				return nil, err
			}
			v, err := dec.Token()
			if err != nil {
				return nil, err
			}
			typ, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("type of column %v must be a string", k)
			}
			if err := add(k.(string), typ); err != nil {
				return nil, err
			}
		}
		return res, expectDelim(dec, '}')
	case json.Delim('['):
		for dec.More() {
			var entry struct {
				Name string `json:"name"`
				Type string `json:"type"`
			}
			if err := dec.Decode(&entry); err != nil {
				return nil, err
			}
			if err := add(entry.Name, entry.Type); err != nil {
				return nil, err
			}
		}
		return res, expectDelim(dec, ']')
	default:
		return nil, fmt.Errorf("expected object or list of columns, got %v", tok)
	}
}

func expectDelim(dec *json.Decoder, want json.Delim) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != want {
		return fmt.Errorf("expected %v, got %v", want, tok)
	}
	return nil
}
