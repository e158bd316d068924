package wire

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/neilotoole/slogt"
	"github.com/stretchr/testify/require"

	"github.com/pgwired/wire/pkg/buffer"
	"github.com/pgwired/wire/pkg/types"
)

func TestCancelRegistrySignalClosesAbortChannel(t *testing.T) {
	reg := newCancelRegistry()

	abort, unregister := reg.register(1, 2)
	defer unregister()

	require.True(t, reg.signal(1, 2))

	select {
	case <-abort:
	case <-time.After(time.Second):
		t.Fatal("expected the abort channel to be closed")
	}
}

func TestCancelRegistrySignalUnknownPairIsNoop(t *testing.T) {
	reg := newCancelRegistry()
	require.False(t, reg.signal(99, 100))
}

func TestCancelRegistryUnregisterRemovesEntry(t *testing.T) {
	reg := newCancelRegistry()

	_, unregister := reg.register(1, 2)
	unregister()

	require.False(t, reg.signal(1, 2))
}

func TestCancelRegistryUnregisterIsSafeAfterReplacement(t *testing.T) {
	reg := newCancelRegistry()

	_, unregisterFirst := reg.register(1, 2)
	_, unregisterSecond := reg.register(1, 2)

	// The first registration's unregister must not clobber the second one
	// that has since taken its slot.
	unregisterFirst()
	require.True(t, reg.signal(1, 2))

	unregisterSecond()
}

// TestCancelRequestAbortsOnlyTheInFlightQuery drives consumeCommands over a
// net.Pipe: a CancelRequest signalled while the first query is blocked must
// abort that query alone, and the connection must still serve a second query
// normally afterward, proving the abort handle is scoped per-query rather
// than for the life of the connection.
func TestCancelRequestAbortsOnlyTheInFlightQuery(t *testing.T) {
	logger := slogt.New(t)

	serverSide, clientSide := net.Pipe()
	defer serverSide.Close()
	defer clientSide.Close()

	started := make(chan struct{}, 1)

	srv, err := NewServer(func(_ context.Context, query string) (PreparedStatements, error) {
		if query == "block" {
			return PreparedStatements{
				NewStatement(func(ctx context.Context, writer DataWriter, _ []Parameter) error {
					started <- struct{}{}
					<-ctx.Done()
					return ctx.Err()
				}, Columns{}),
			}, nil
		}

		return PreparedStatements{
			NewStatement(func(_ context.Context, writer DataWriter, _ []Parameter) error {
				if err := writer.Row(nil); err != nil {
					return err
				}
				return writer.Complete("SELECT 1")
			}, Columns{}),
		}, nil
	}, Logger(logger))
	require.NoError(t, err)

	key := BackendKeyData{ProcessID: 1, SecretKey: 2}
	ctx := setBackendKeyData(context.Background(), key)

	serverDone := make(chan error, 1)
	go func() {
		reader := buffer.NewReader(logger, serverSide, buffer.DefaultBufferSize)
		writer := buffer.NewWriter(logger, serverSide)
		serverDone <- srv.consumeCommands(ctx, serverSide, reader, writer)
	}()

	clientDone := make(chan error, 1)
	go func() {
		reader := buffer.NewReader(logger, clientSide, buffer.DefaultBufferSize)
		writer := buffer.NewWriter(logger, clientSide)

		if typ, _, err := reader.ReadTypedMsg(); err != nil || typ != types.ClientMessage(types.ServerReady) {
			clientDone <- errUnexpectedMessageType(typ, types.ServerReady)
			return
		}

		writeSimpleQuery(t, writer, "block")

		if typ, _, err := reader.ReadTypedMsg(); err != nil || typ != types.ClientMessage(types.ServerRowDescription) {
			clientDone <- errUnexpectedMessageType(typ, types.ServerRowDescription)
			return
		}

		<-started
		srv.cancels.signal(key.ProcessID, key.SecretKey)

		if typ, _, err := reader.ReadTypedMsg(); err != nil || typ != types.ClientMessage(types.ServerErrorResponse) {
			clientDone <- errUnexpectedMessageType(typ, types.ServerErrorResponse)
			return
		}

		if typ, _, err := reader.ReadTypedMsg(); err != nil || typ != types.ClientMessage(types.ServerReady) {
			clientDone <- errUnexpectedMessageType(typ, types.ServerReady)
			return
		}

		status, err := reader.GetBytes(1)
		if err != nil {
			clientDone <- err
			return
		}
		if types.ServerStatus(status[0]) != types.ServerTransactionFailed {
			clientDone <- errUnexpectedMessageType(types.ClientMessage(status[0]), types.ServerReady)
			return
		}

		// The connection must still serve further queries after a cancellation.
		writeSimpleQuery(t, writer, "ok")

		for _, want := range []types.ServerMessage{types.ServerRowDescription, types.ServerDataRow, types.ServerCommandComplete, types.ServerReady} {
			typ, _, err := reader.ReadTypedMsg()
			if err != nil {
				clientDone <- err
				return
			}
			if typ != types.ClientMessage(want) {
				clientDone <- errUnexpectedMessageType(typ, want)
				return
			}
		}

		clientDone <- nil
	}()

	select {
	case err := <-clientDone:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the cancellation exchange")
	}

	clientSide.Close()

	select {
	case <-serverDone:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the server loop to exit")
	}
}

// writeSimpleQuery writes a SimpleQuery message carrying query.
func writeSimpleQuery(t *testing.T, w *buffer.Writer, query string) {
	t.Helper()

	w.Start(types.ServerMessage(types.ClientSimpleQuery))
	w.AddString(query)
	w.AddNullTerminate()
	require.NoError(t, w.End())
}
