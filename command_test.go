package wire

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/neilotoole/slogt"
	"github.com/stretchr/testify/require"

	"github.com/pgwired/wire/pkg/buffer"
	"github.com/pgwired/wire/pkg/types"
)

// TestHandleExecuteEmitsPortalSuspendedWhenMaxRowsReached drives
// handleExecute directly against a portal whose StatementFn produces more
// rows than the requested max_rows, and confirms the row stream is cut short
// by PortalSuspended instead of CommandComplete.
func TestHandleExecuteEmitsPortalSuspendedWhenMaxRowsReached(t *testing.T) {
	logger := slogt.New(t)

	srv, err := NewServer(func(_ context.Context, _ string) (PreparedStatements, error) {
		return nil, nil
	}, Logger(logger))
	require.NoError(t, err)

	stmt := NewStatement(func(_ context.Context, writer DataWriter, _ []Parameter) error {
		for i := 0; i < 3; i++ {
			if err := writer.Row(nil); err != nil {
				return err
			}
		}
		return writer.Complete("SELECT 3")
	}, Columns{})

	require.NoError(t, srv.Portals.Bind(context.Background(), "", stmt, nil, nil))

	payload := []byte{0} // empty (unnamed) portal name, null terminated
	maxRows := make([]byte, 4)
	binary.BigEndian.PutUint32(maxRows, 2)
	payload = append(payload, maxRows...)

	raw := &bytes.Buffer{}
	require.NoError(t, binary.Write(raw, binary.BigEndian, int32(4+len(payload))))
	raw.Write(payload)

	reader := buffer.NewReader(logger, raw, buffer.DefaultBufferSize)
	_, err = reader.ReadUntypedMsg()
	require.NoError(t, err)

	out := &bytes.Buffer{}
	writer := buffer.NewWriter(logger, out)

	require.NoError(t, srv.handleExecute(context.Background(), reader, writer))

	outReader := buffer.NewReader(logger, bytes.NewReader(out.Bytes()), buffer.DefaultBufferSize)

	for i := 0; i < 2; i++ {
		typ, _, rerr := outReader.ReadTypedMsg()
		require.NoError(t, rerr)
		require.Equal(t, types.ClientMessage(types.ServerDataRow), typ)
	}

	typ, _, rerr := outReader.ReadTypedMsg()
	require.NoError(t, rerr)
	require.Equal(t, types.ClientMessage(types.ServerPortalSuspended), typ)
}

// writeBindMessage writes a minimal Bind message naming an unnamed portal
// bound against the given (possibly unknown) statement name, with no
// parameters and no result format overrides.
func writeBindMessage(t *testing.T, w *buffer.Writer, statementName string) {
	t.Helper()

	w.Start(types.ServerMessage(types.ClientBind))
	w.AddString("")
	w.AddNullTerminate()
	w.AddString(statementName)
	w.AddNullTerminate()
	w.AddInt16(0) // parameter format code count
	w.AddInt16(0) // parameter value count
	w.AddInt16(0) // result format code count
	require.NoError(t, w.End())
}

func writeSyncMessage(t *testing.T, w *buffer.Writer) {
	t.Helper()
	w.Start(types.ServerMessage(types.ClientSync))
	require.NoError(t, w.End())
}

// TestAwaitingSyncDefersReadyForQueryUntilSync drives consumeCommands over a
// net.Pipe with a scripted client. An unknown-statement Bind must produce an
// ErrorResponse without an immediate ReadyForQuery; a second Bind sent while
// the connection is awaiting Sync must be silently discarded; only once Sync
// arrives should the server respond with ReadyForQuery.
func TestAwaitingSyncDefersReadyForQueryUntilSync(t *testing.T) {
	logger := slogt.New(t)

	serverSide, clientSide := net.Pipe()
	defer serverSide.Close()
	defer clientSide.Close()

	srv, err := NewServer(func(_ context.Context, _ string) (PreparedStatements, error) {
		return nil, nil
	}, Logger(logger))
	require.NoError(t, err)

	serverDone := make(chan error, 1)
	go func() {
		reader := buffer.NewReader(logger, serverSide, buffer.DefaultBufferSize)
		writer := buffer.NewWriter(logger, serverSide)
		serverDone <- srv.consumeCommands(context.Background(), serverSide, reader, writer)
	}()

	clientDone := make(chan error, 1)
	go func() {
		reader := buffer.NewReader(logger, clientSide, buffer.DefaultBufferSize)
		writer := buffer.NewWriter(logger, clientSide)

		// Initial ReadyForQuery, issued as soon as the command loop starts.
		typ, _, err := reader.ReadTypedMsg()
		if err != nil {
			clientDone <- err
			return
		}
		if typ != types.ClientMessage(types.ServerReady) {
			clientDone <- errUnexpectedMessageType(typ, types.ServerReady)
			return
		}

		writeBindMessage(t, writer, "missing")

		typ, _, err = reader.ReadTypedMsg()
		if err != nil {
			clientDone <- err
			return
		}
		if typ != types.ClientMessage(types.ServerErrorResponse) {
			clientDone <- errUnexpectedMessageType(typ, types.ServerErrorResponse)
			return
		}

		// A second Bind sent while awaiting Sync must produce no response at
		// all. Send it, then a Sync, and confirm the very next message the
		// server emits is ReadyForQuery, not another ErrorResponse.
		writeBindMessage(t, writer, "still-missing")
		writeSyncMessage(t, writer)

		typ, _, err = reader.ReadTypedMsg()
		if err != nil {
			clientDone <- err
			return
		}
		if typ != types.ClientMessage(types.ServerReady) {
			clientDone <- errUnexpectedMessageType(typ, types.ServerReady)
			return
		}

		// The error during Parse/Bind/Execute must be reflected in the
		// status byte of the ReadyForQuery that follows Sync.
		status, err := reader.GetBytes(1)
		if err != nil {
			clientDone <- err
			return
		}
		if types.ServerStatus(status[0]) != types.ServerTransactionFailed {
			clientDone <- fmt.Errorf("expected ReadyForQuery status %q, got %q", types.ServerTransactionFailed, status[0])
			return
		}

		clientDone <- nil
	}()

	select {
	case err := <-clientDone:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the AwaitingSync exchange")
	}

	// Unblock the server's next read with EOF so consumeCommands returns.
	clientSide.Close()

	select {
	case err := <-serverDone:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the server loop to exit")
	}
}

func errUnexpectedMessageType(got types.ClientMessage, want types.ServerMessage) error {
	return &unexpectedMessageTypeError{got: got, want: want}
}

type unexpectedMessageTypeError struct {
	got  types.ClientMessage
	want types.ServerMessage
}

func (e *unexpectedMessageTypeError) Error() string {
	return "unexpected message type: got " + e.got.String() + ", want " + e.want.String()
}

func TestIsExtendedQueryMessageClassifiesExtendedQueryTypes(t *testing.T) {
	for _, typ := range []types.ClientMessage{
		types.ClientParse,
		types.ClientBind,
		types.ClientDescribe,
		types.ClientExecute,
		types.ClientClose,
	} {
		require.True(t, isExtendedQueryMessage(typ), "expected %s to be an extended query message", typ)
	}

	require.False(t, isExtendedQueryMessage(types.ClientSimpleQuery))
	require.False(t, isExtendedQueryMessage(types.ClientSync))
}
