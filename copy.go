package wire

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"math"
	"strings"

	"github.com/pgwired/wire/value"
)

// CopySignature is the 11-byte signature PostgreSQL's binary copy format
// requires at the start of a CopyIn/CopyOut stream.
// https://www.postgresql.org/docs/current/sql-copy.html#id-1.9.3.55.9.4
var CopySignature = []byte("PGCOPY\n\377\r\n\000")

// NewBinaryColumnReader wraps the io.Reader returned by DataWriter.CopyIn,
// decoding successive rows encoded in PostgreSQL's binary copy format
// (COPY ... WITH (FORMAT binary)) using the connection's value.Map.
func NewBinaryColumnReader(ctx context.Context, r io.Reader, columns Columns) (*BinaryCopyReader, error) {
	vm := ValueMap(ctx)
	if vm == nil {
		return nil, errors.New("copy: no value.Map has been attached to the connection context")
	}

	return &BinaryCopyReader{values: vm, columns: columns, r: bufio.NewReader(r)}, nil
}

// BinaryCopyReader reads successive rows from a CopyIn stream encoded in
// PostgreSQL's binary copy format.
type BinaryCopyReader struct {
	values       *value.Map
	columns      Columns
	r            *bufio.Reader
	sawSignature bool
}

// Read decodes a single row from the copy-in stream, returning io.EOF once
// the binary trailer (or the underlying CopyDone) is reached.
func (r *BinaryCopyReader) Read(ctx context.Context) ([]any, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	if !r.sawSignature {
		r.sawSignature = true

		header := make([]byte, len(CopySignature)+8)
		if _, err := io.ReadFull(r.r, header); err != nil {
			return nil, err
		}

		if !bytes.Equal(header[:len(CopySignature)], CopySignature) {
			return nil, errors.New("copy: missing binary copy signature")
		}
	}

	var fieldCount uint16
	if err := binary.Read(r.r, binary.BigEndian, &fieldCount); err != nil {
		return nil, err
	}

	// NOTE: a field count of -1 (0xFFFF) marks the binary copy trailer.
	if fieldCount == math.MaxUint16 {
		return nil, io.EOF
	}

	if int(fieldCount) != len(r.columns) {
		return nil, errors.New("copy: row has a different number of fields than columns")
	}

	row := make([]any, fieldCount)
	for index := range row {
		var length uint32
		if err := binary.Read(r.r, binary.BigEndian, &length); err != nil {
			return nil, err
		}

		if length == math.MaxUint32 {
			continue
		}

		raw := make([]byte, length)
		if _, err := io.ReadFull(r.r, raw); err != nil {
			return nil, err
		}

		var err error
		row[index], err = r.values.DecodeBinary(r.columns[index].Oid, raw)
		if err != nil {
			return nil, err
		}
	}

	return row, nil
}

// NewTextColumnReader wraps the io.Reader returned by DataWriter.CopyIn,
// decoding successive rows encoded in PostgreSQL's default text copy format
// using the connection's value.Map.
func NewTextColumnReader(ctx context.Context, r io.Reader, columns Columns) (*TextCopyReader, error) {
	vm := ValueMap(ctx)
	if vm == nil {
		return nil, errors.New("copy: no value.Map has been attached to the connection context")
	}

	return &TextCopyReader{values: vm, columns: columns, opts: FormatOptionsFromContext(ctx), r: bufio.NewReader(r)}, nil
}

// TextCopyReader reads successive rows from a CopyIn stream encoded in
// PostgreSQL's text copy format: one line per row, tab-separated fields,
// with `\N` denoting SQL NULL and backslash escapes for literal
// tabs/newlines/backslashes. The end-of-data marker line `\.` and a
// depleted stream (io.EOF from the underlying reader) are both treated as
// the end of the copy.
// https://www.postgresql.org/docs/current/sql-copy.html#id-1.9.3.55.9.2
type TextCopyReader struct {
	values  *value.Map
	columns Columns
	opts    value.FormatOptions
	r       *bufio.Reader
}

// Read decodes a single row from the copy-in stream.
func (r *TextCopyReader) Read(ctx context.Context) ([]any, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	line, err := r.r.ReadString('\n')
	if err != nil && len(line) == 0 {
		return nil, err
	}

	line = strings.TrimRight(line, "\r\n")

	if line == `\.` {
		return nil, io.EOF
	}

	fields := splitCopyLine([]byte(line))
	if len(fields) != len(r.columns) {
		return nil, errors.New("copy: row has a different number of fields than columns")
	}

	row := make([]any, len(fields))
	for index, field := range fields {
		if string(field) == `\N` {
			continue
		}

		text := unescapeCopyText(field)

		var decodeErr error
		row[index], decodeErr = r.values.DecodeText(r.opts, r.columns[index].Oid, text)
		if decodeErr != nil {
			return nil, decodeErr
		}
	}

	return row, nil
}

// splitCopyLine splits a text-format copy line on unescaped tab characters.
func splitCopyLine(line []byte) [][]byte {
	var fields [][]byte
	start := 0

	for i := 0; i < len(line); i++ {
		if line[i] == '\\' {
			i++
			continue
		}

		if i < len(line) && line[i] == '\t' {
			fields = append(fields, line[start:i])
			start = i + 1
		}
	}

	return append(fields, line[start:])
}

// unescapeCopyText reverses PostgreSQL's text-format backslash escaping of
// tabs, newlines, carriage returns, and literal backslashes.
func unescapeCopyText(field []byte) string {
	out := make([]byte, 0, len(field))

	for i := 0; i < len(field); i++ {
		if field[i] != '\\' || i == len(field)-1 {
			out = append(out, field[i])
			continue
		}

		i++
		switch field[i] {
		case 't':
			out = append(out, '\t')
		case 'n':
			out = append(out, '\n')
		case 'r':
			out = append(out, '\r')
		case '\\':
			out = append(out, '\\')
		default:
			out = append(out, field[i])
		}
	}

	return string(out)
}
