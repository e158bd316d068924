package wire

import (
	"context"
	"fmt"

	"github.com/lib/pq/oid"
	"github.com/pgwired/wire/pkg/buffer"
	"github.com/pgwired/wire/pkg/types"
)

// Columns represent a collection of columns returned by a query, in the
// order they are written inside RowDescription/DataRow messages.
type Columns []Column

// Define writes the RowDescription header for the given columns, using the
// requested per-column result format codes (one FormatCode per column, or a
// single shared FormatCode broadcast to every column, matching Bind's
// result-format-code rules).
func (columns Columns) Define(ctx context.Context, writer *buffer.Writer, formats []FormatCode) error {
	writer.Start(types.ServerRowDescription)
	writer.AddInt16(int16(len(columns)))

	for index, column := range columns {
		column.Format = resultFormat(formats, index)
		column.Define(ctx, writer)
	}

	return writer.End()
}

// Write writes a single DataRow using the given values, encoding each value
// according to its column's OID and negotiated format.
func (columns Columns) Write(ctx context.Context, formats []FormatCode, writer *buffer.Writer, values []any) (err error) {
	if len(values) != len(columns) {
		return fmt.Errorf("unexpected row width: %d columns defined, %d values given", len(columns), len(values))
	}

	writer.Start(types.ServerDataRow)
	writer.AddInt16(int16(len(columns)))

	for index, column := range columns {
		column.Format = resultFormat(formats, index)
		err = column.Write(ctx, writer, values[index])
		if err != nil {
			return err
		}
	}

	return writer.End()
}

// resultFormat implements the Bind result-format-code negotiation: zero
// format codes means text for every column; one code broadcasts to every
// column; otherwise each column gets its own code.
func resultFormat(formats []FormatCode, index int) FormatCode {
	switch len(formats) {
	case 0:
		return TextFormat
	case 1:
		return formats[0]
	default:
		return formats[index]
	}
}

// Column represents a single result column, its PostgreSQL OID, and the
// format in which its values should be written.
// https://www.postgresql.org/docs/current/catalog-pg-attribute.html
type Column struct {
	Table        int32 // table id the column originates from, 0 if none
	Name         string
	AttrNo       int16 // column attribute number within its table, 0 if none
	Oid          oid.Oid
	Width        int16 // type-specific size, -1 for variable-length
	TypeModifier int32
	Format       FormatCode
}

// Define writes this column's RowDescription field entry.
func (column Column) Define(ctx context.Context, writer *buffer.Writer) {
	writer.AddString(column.Name)
	writer.AddNullTerminate()
	writer.AddInt32(column.Table)
	writer.AddInt16(column.AttrNo)
	writer.AddInt32(int32(column.Oid))
	writer.AddInt16(column.Width)
	writer.AddInt32(column.TypeModifier)
	writer.AddInt16(int16(column.Format))
}

// Write encodes a single value for this column into a DataRow field, writing
// -1 as the length prefix for a SQL NULL.
func (column Column) Write(ctx context.Context, writer *buffer.Writer, src any) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	if src == nil {
		writer.AddInt32(-1)
		return nil
	}

	vm := ValueMap(ctx)
	if vm == nil {
		return fmt.Errorf("row: no value.Map has been attached to the connection context")
	}

	var (
		encoded []byte
		err     error
	)

	switch column.Format {
	case BinaryFormat:
		encoded, err = vm.EncodeBinary(column.Oid, src)
	default:
		var text string
		text, err = vm.EncodeText(FormatOptionsFromContext(ctx), column.Oid, src)
		encoded = []byte(text)
	}

	if err != nil {
		return fmt.Errorf("row: failed to encode column %q: %w", column.Name, err)
	}

	writer.AddInt32(int32(len(encoded)))
	writer.AddBytes(encoded)

	return nil
}
