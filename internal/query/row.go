package query

import (
	"fmt"
	"strconv"
	"strings"
)

// Row is one decoded record: parameter names mapped to unescaped values.
// A bare name without "=" maps to the empty string.
type Row map[string]string

// RowDecoder is implemented by every record type that can be filled from a
// response row or notification line.
type RowDecoder interface {
	DecodeRow(Row) error
}

// ParseRow splits a single record on spaces and decodes each key=value pair.
func ParseRow(s string) Row {
	row := make(Row)
	for _, field := range strings.Fields(s) {
		k, v, _ := strings.Cut(field, "=")
		row[k] = Unescape(v)
	}
	return row
}

// ParseRows splits a line into pipe-separated records.
func ParseRows(line string) []Row {
	parts := strings.Split(line, "|")
	rows := make([]Row, 0, len(parts))
	for _, p := range parts {
		if strings.TrimSpace(p) == "" {
			continue
		}
		rows = append(rows, ParseRow(p))
	}
	return rows
}

// Has reports whether key is present.
func (r Row) Has(key string) bool {
	_, ok := r[key]
	return ok
}

// fields accumulates the first error while reading typed values from a row,
// so record decoders can read every field and check once.
type fields struct {
	row Row
	err error
}

func (f *fields) fail(key, msg string) {
	if f.err == nil {
		f.err = fmt.Errorf("field %q: %s", key, msg)
	}
}

func (f *fields) int64(key string) int64 {
	v, ok := f.row[key]
	if !ok {
		f.fail(key, "missing")
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		f.fail(key, "not an integer")
	}
	return n
}

func (f *fields) int64Or(key string, def int64) int64 {
	if _, ok := f.row[key]; !ok {
		return def
	}
	return f.int64(key)
}

func (f *fields) str(key string) string {
	v, ok := f.row[key]
	if !ok {
		f.fail(key, "missing")
	}
	return v
}

func (f *fields) strOr(key string) string {
	return f.row[key]
}

func (f *fields) boolOr(key string, def bool) bool {
	v, ok := f.row[key]
	if !ok || v == "" {
		return def
	}
	switch v {
	case "1", "true":
		return true
	case "0", "false":
		return false
	}
	f.fail(key, "not a boolean")
	return def
}

// ptrDecoder constrains a pointer to T that decodes rows.
type ptrDecoder[T any] interface {
	*T
	RowDecoder
}

// Decode fills a new T from row.
func Decode[T any, PT ptrDecoder[T]](row Row) (T, error) {
	var v T
	if err := PT(&v).DecodeRow(row); err != nil {
		return v, parseError(fmt.Sprintf("decode %T", v), err)
	}
	return v, nil
}

// DecodeLine parses one notification or response line into a T.
func DecodeLine[T any, PT ptrDecoder[T]](line string) (T, error) {
	return Decode[T, PT](ParseRow(line))
}
