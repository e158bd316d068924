package wire

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/neilotoole/slogt"
	"github.com/stretchr/testify/require"

	"github.com/pgwired/wire/pkg/buffer"
	"github.com/pgwired/wire/pkg/types"
)

func TestDataWriterRowSuspendsOnceMaxRowsReached(t *testing.T) {
	logger := slogt.New(t)
	out := &bytes.Buffer{}
	writer := buffer.NewWriter(logger, out)

	dw := newBoundedDataWriter(context.Background(), Columns{}, nil, writer, nil, 1)

	require.NoError(t, dw.Row(nil))
	require.ErrorIs(t, dw.Row(nil), ErrPortalSuspended)
	require.EqualValues(t, 1, dw.Written())
}

func TestDataWriterRowUnboundedNeverSuspends(t *testing.T) {
	logger := slogt.New(t)
	out := &bytes.Buffer{}
	writer := buffer.NewWriter(logger, out)

	dw := NewDataWriter(context.Background(), Columns{}, nil, writer, nil)

	for i := 0; i < 5; i++ {
		require.NoError(t, dw.Row(nil))
	}
	require.EqualValues(t, 5, dw.Written())
}

func TestDataWriterCopyOutSendsResponseDataAndDone(t *testing.T) {
	logger := slogt.New(t)
	out := &bytes.Buffer{}
	writer := buffer.NewWriter(logger, out)

	dw := NewDataWriter(context.Background(), nil, nil, writer, nil)

	w, err := dw.CopyOut(TextFormat, []FormatCode{TextFormat})
	require.NoError(t, err)

	_, err = w.Write([]byte("hello\n"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	reader := buffer.NewReader(logger, bytes.NewReader(out.Bytes()), buffer.DefaultBufferSize)

	typ, _, err := reader.ReadTypedMsg()
	require.NoError(t, err)
	require.Equal(t, types.ClientMessage(types.ServerCopyOutResponse), typ)

	typ, _, err = reader.ReadTypedMsg()
	require.NoError(t, err)
	require.Equal(t, types.ClientMessage(types.ServerCopyData), typ)
	require.Equal(t, "hello\n", string(reader.Msg))

	typ, _, err = reader.ReadTypedMsg()
	require.NoError(t, err)
	require.Equal(t, types.ClientMessage(types.ServerCopyDone), typ)
}

func TestDataWriterCopyOutRejectsWriteAfterClose(t *testing.T) {
	logger := slogt.New(t)
	out := &bytes.Buffer{}
	writer := buffer.NewWriter(logger, out)

	dw := NewDataWriter(context.Background(), nil, nil, writer, nil)

	w, err := dw.CopyOut(TextFormat, []FormatCode{TextFormat})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	_, err = w.Write([]byte("too late"))
	require.ErrorIs(t, err, ErrClosedWriter)
}

func TestDataWriterCopyBothSendsResponseAndStreamsBothWays(t *testing.T) {
	logger := slogt.New(t)
	out := &bytes.Buffer{}
	writer := buffer.NewWriter(logger, out)

	frames := [][]byte{[]byte("ping")}
	copyFn := func(context.Context) ([]byte, error) {
		if len(frames) == 0 {
			return nil, io.EOF
		}
		frame := frames[0]
		frames = frames[1:]
		return frame, nil
	}

	dw := NewDataWriter(context.Background(), nil, nil, writer, copyFn)

	in, out2, err := dw.CopyBoth(TextFormat, []FormatCode{TextFormat})
	require.NoError(t, err)

	buf := make([]byte, 4)
	n, err := in.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "ping", string(buf[:n]))

	_, err = out2.Write([]byte("pong"))
	require.NoError(t, err)
	require.NoError(t, out2.Close())

	reader := buffer.NewReader(logger, bytes.NewReader(out.Bytes()), buffer.DefaultBufferSize)

	typ, _, err := reader.ReadTypedMsg()
	require.NoError(t, err)
	require.Equal(t, types.ClientMessage(types.ServerCopyBothResponse), typ)

	typ, _, err = reader.ReadTypedMsg()
	require.NoError(t, err)
	require.Equal(t, types.ClientMessage(types.ServerCopyData), typ)
	require.Equal(t, "pong", string(reader.Msg))

	typ, _, err = reader.ReadTypedMsg()
	require.NoError(t, err)
	require.Equal(t, types.ClientMessage(types.ServerCopyDone), typ)
}

func TestDataWriterCopyBothRequiresCopyFn(t *testing.T) {
	logger := slogt.New(t)
	out := &bytes.Buffer{}
	writer := buffer.NewWriter(logger, out)

	dw := NewDataWriter(context.Background(), nil, nil, writer, nil)

	_, _, err := dw.CopyBoth(TextFormat, []FormatCode{TextFormat})
	require.Error(t, err)
	require.False(t, errors.Is(err, ErrClosedWriter))
}
