// Package catalog holds table schemas, the fixed-length row codec, and the
// persisted catalog file. The storage engine consumes only type-checked,
// fixed-length-encoded tuple payloads; this package supplies that contract.
package catalog

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/cespare/xxhash/v2"
)

// ColumnType identifies a fixed-length column type.
type ColumnType uint8

const (
	TypeInt64 ColumnType = iota + 1
	TypeFloat64
	TypeBool
	TypeChar // fixed-width character column, padded with zero bytes
)

var (
	ErrInvalidSchema = errors.New("invalid schema")
	ErrTypeMismatch  = errors.New("value does not match column type")
	ErrRowShape      = errors.New("row does not match schema")
)

// Column describes one column of a table.
type Column struct {
	Name       string     `json:"name"`
	Type       ColumnType `json:"type"`
	Length     int        `json:"length,omitempty"` // Char width; ignored otherwise
	PrimaryKey bool       `json:"primary_key,omitempty"`
}

// Width returns the encoded byte width of the column.
func (c Column) Width() int {
	switch c.Type {
	case TypeInt64, TypeFloat64:
		return 8
	case TypeBool:
		return 1
	case TypeChar:
		return c.Length
	default:
		return 0
	}
}

// Schema is an ordered list of columns with exactly one Int64 primary key.
type Schema struct {
	Columns []Column `json:"columns"`
}

// Validate checks structural schema constraints.
func (s *Schema) Validate() error {
	if len(s.Columns) == 0 {
		return fmt.Errorf("%w: no columns", ErrInvalidSchema)
	}

	pkCount := 0
	seen := make(map[string]struct{}, len(s.Columns))
	for _, col := range s.Columns {
		if col.Name == "" {
			return fmt.Errorf("%w: unnamed column", ErrInvalidSchema)
		}
		if _, dup := seen[col.Name]; dup {
			return fmt.Errorf("%w: duplicate column %q", ErrInvalidSchema, col.Name)
		}
		seen[col.Name] = struct{}{}

		if col.Width() <= 0 {
			return fmt.Errorf("%w: column %q has no width", ErrInvalidSchema, col.Name)
		}
		if col.PrimaryKey {
			pkCount++
			if col.Type != TypeInt64 {
				// Keys are fixed-length 64-bit only; see the engine docs.
				return fmt.Errorf("%w: primary key column %q must be int64", ErrInvalidSchema, col.Name)
			}
		}
	}
	if pkCount != 1 {
		return fmt.Errorf("%w: expected exactly one primary key column, found %d", ErrInvalidSchema, pkCount)
	}
	return nil
}

// RowSize returns the fixed encoded size of a row.
func (s *Schema) RowSize() int {
	size := 0
	for _, col := range s.Columns {
		size += col.Width()
	}
	return size
}

// PrimaryKeyIndex returns the position of the primary key column.
func (s *Schema) PrimaryKeyIndex() int {
	for i, col := range s.Columns {
		if col.PrimaryKey {
			return i
		}
	}
	return -1
}

// ColumnIndex returns the position of the named column, or -1.
func (s *Schema) ColumnIndex(name string) int {
	for i, col := range s.Columns {
		if col.Name == name {
			return i
		}
	}
	return -1
}

// EncodeRow type-checks values against the schema and encodes them into the
// schema's fixed byte width.
func (s *Schema) EncodeRow(values []interface{}) ([]byte, error) {
	if len(values) != len(s.Columns) {
		return nil, fmt.Errorf("%w: got %d values, schema has %d columns", ErrRowShape, len(values), len(s.Columns))
	}

	row := make([]byte, s.RowSize())
	offset := 0
	for i, col := range s.Columns {
		if err := encodeValue(row[offset:offset+col.Width()], col, values[i]); err != nil {
			return nil, fmt.Errorf("column %q: %w", col.Name, err)
		}
		offset += col.Width()
	}
	return row, nil
}

// DecodeRow decodes a fixed-length row payload into typed values.
func (s *Schema) DecodeRow(row []byte) ([]interface{}, error) {
	if len(row) != s.RowSize() {
		return nil, fmt.Errorf("%w: got %d bytes, schema encodes %d", ErrRowShape, len(row), s.RowSize())
	}

	values := make([]interface{}, len(s.Columns))
	offset := 0
	for i, col := range s.Columns {
		values[i] = decodeValue(row[offset:offset+col.Width()], col)
		offset += col.Width()
	}
	return values, nil
}

// PrimaryKey extracts the primary key from typed values.
func (s *Schema) PrimaryKey(values []interface{}) (uint64, error) {
	idx := s.PrimaryKeyIndex()
	if idx < 0 || idx >= len(values) {
		return 0, fmt.Errorf("%w: no primary key value", ErrRowShape)
	}
	v, ok := values[idx].(int64)
	if !ok {
		return 0, fmt.Errorf("%w: primary key must be int64", ErrTypeMismatch)
	}
	return uint64(v), nil
}

// IndexKey converts a column value into the fixed-length 64-bit key used by
// secondary indexes. Char columns are hashed; equality lookups only.
func IndexKey(col Column, value interface{}) (uint64, error) {
	switch col.Type {
	case TypeInt64:
		v, ok := value.(int64)
		if !ok {
			return 0, fmt.Errorf("%w: want int64", ErrTypeMismatch)
		}
		return uint64(v), nil
	case TypeFloat64:
		v, ok := value.(float64)
		if !ok {
			return 0, fmt.Errorf("%w: want float64", ErrTypeMismatch)
		}
		return math.Float64bits(v), nil
	case TypeBool:
		v, ok := value.(bool)
		if !ok {
			return 0, fmt.Errorf("%w: want bool", ErrTypeMismatch)
		}
		if v {
			return 1, nil
		}
		return 0, nil
	case TypeChar:
		v, ok := value.(string)
		if !ok {
			return 0, fmt.Errorf("%w: want string", ErrTypeMismatch)
		}
		return xxhash.Sum64String(v), nil
	default:
		return 0, fmt.Errorf("%w: unknown column type %d", ErrTypeMismatch, col.Type)
	}
}

func encodeValue(dst []byte, col Column, value interface{}) error {
	switch col.Type {
	case TypeInt64:
		v, ok := value.(int64)
		if !ok {
			return fmt.Errorf("%w: want int64, got %T", ErrTypeMismatch, value)
		}
		binary.LittleEndian.PutUint64(dst, uint64(v))
	case TypeFloat64:
		v, ok := value.(float64)
		if !ok {
			return fmt.Errorf("%w: want float64, got %T", ErrTypeMismatch, value)
		}
		binary.LittleEndian.PutUint64(dst, math.Float64bits(v))
	case TypeBool:
		v, ok := value.(bool)
		if !ok {
			return fmt.Errorf("%w: want bool, got %T", ErrTypeMismatch, value)
		}
		if v {
			dst[0] = 1
		} else {
			dst[0] = 0
		}
	case TypeChar:
		v, ok := value.(string)
		if !ok {
			return fmt.Errorf("%w: want string, got %T", ErrTypeMismatch, value)
		}
		if len(v) > col.Length {
			return fmt.Errorf("%w: string length %d exceeds column width %d", ErrTypeMismatch, len(v), col.Length)
		}
		copy(dst, v)
		for i := len(v); i < col.Length; i++ {
			dst[i] = 0
		}
	default:
		return fmt.Errorf("%w: unknown column type %d", ErrTypeMismatch, col.Type)
	}
	return nil
}

func decodeValue(src []byte, col Column) interface{} {
	switch col.Type {
	case TypeInt64:
		return int64(binary.LittleEndian.Uint64(src))
	case TypeFloat64:
		return math.Float64frombits(binary.LittleEndian.Uint64(src))
	case TypeBool:
		return src[0] != 0
	case TypeChar:
		end := len(src)
		for end > 0 && src[end-1] == 0 {
			end--
		}
		return string(src[:end])
	default:
		return nil
	}
}
