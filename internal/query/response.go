package query

import (
	"fmt"
	"strings"
)

const statusPrefix = "error "

// Status is the trailing status line of a response. ID zero means success.
type Status struct {
	ID      int32
	Message string
}

// Err converts a non-zero status into an *Error.
func (s Status) Err() error {
	if s.ID == CodeOK {
		return nil
	}
	return &Error{Code: s.ID, Message: s.Message}
}

// IsStatusLine reports whether line is a status line.
func IsStatusLine(line string) bool {
	return strings.HasPrefix(strings.TrimSpace(line), statusPrefix)
}

// ParseStatus decodes a line of the form "error id=N msg=text".
func ParseStatus(line string) (Status, error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, statusPrefix) {
		return Status{}, parseError("not a status line", fmt.Errorf("%q", line))
	}
	f := fields{row: ParseRow(strings.TrimPrefix(line, statusPrefix))}
	id := f.int64("id")
	msg := f.strOr("msg")
	if f.err != nil {
		return Status{}, parseError("decode status", f.err)
	}
	return Status{ID: int32(id), Message: msg}, nil
}

// Response is a decoded command response.
type Response struct {
	Status Status
	Rows   []Row
}

// DecodeResponse splits raw response text into rows and the status line. A
// response that carries no status line yields ErrEmptyResponse; a non-zero
// status yields the corresponding *Error along with whatever rows were read.
func DecodeResponse(raw string) (*Response, error) {
	resp := &Response{}
	found := false
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "notify") {
			continue
		}
		if strings.HasPrefix(line, statusPrefix) {
			st, err := ParseStatus(line)
			if err != nil {
				return nil, err
			}
			resp.Status = st
			found = true
			break
		}
		resp.Rows = append(resp.Rows, ParseRows(line)...)
	}
	if !found {
		return nil, ErrEmptyResponse
	}
	return resp, resp.Status.Err()
}

// DecodeRows decodes every row of a successful response into T values, in
// wire order.
func DecodeRows[T any, PT ptrDecoder[T]](raw string) ([]T, error) {
	resp, err := DecodeResponse(raw)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(resp.Rows))
	for _, row := range resp.Rows {
		v, err := Decode[T, PT](row)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}
