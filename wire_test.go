package wire

import (
	"context"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/lib/pq/oid"
	"github.com/neilotoole/slogt"
	"github.com/stretchr/testify/require"

	"github.com/pgwired/wire/pkg/buffer"
	"github.com/pgwired/wire/pkg/types"
)

// writeClientStartupParams writes a startup packet carrying the given
// key/value pairs, terminated by the empty-key sentinel readClientParameters
// expects.
func writeClientStartupParams(t *testing.T, conn net.Conn, version int32, params map[string]string) {
	t.Helper()

	payload := []byte{}
	for k, v := range params {
		payload = append(payload, []byte(k)...)
		payload = append(payload, 0)
		payload = append(payload, []byte(v)...)
		payload = append(payload, 0)
	}
	payload = append(payload, 0)

	length := int32(4 + 4 + len(payload))
	buf := make([]byte, 0, length)
	buf = append(buf, byte(length>>24), byte(length>>16), byte(length>>8), byte(length))
	buf = append(buf, byte(version>>24), byte(version>>16), byte(version>>8), byte(version))
	buf = append(buf, payload...)

	_, err := conn.Write(buf)
	require.NoError(t, err)
}

// TestServeDrivesFullConnectionLifecycle exercises handshake, trust
// authentication, backend key data, the session hook, a simple query and
// Terminate, mirroring a real libpq client's startup sequence.
func TestServeDrivesFullConnectionLifecycle(t *testing.T) {
	logger := slogt.New(t)

	sessionCalled := false
	closeCalled := false

	parse := func(_ context.Context, query string) (PreparedStatements, error) {
		columns := Columns{{Name: "greeting", Oid: oid.T_text}}
		return PreparedStatements{
			NewStatement(func(_ context.Context, writer DataWriter, _ []Parameter) error {
				if err := writer.Row([]any{"hello " + query}); err != nil {
					return err
				}
				return writer.Complete("SELECT 1")
			}, columns),
		}, nil
	}

	srv, err := NewServer(parse,
		Logger(logger),
		Auth(Trust()),
		Session(func(ctx context.Context) (context.Context, error) {
			sessionCalled = true
			return ctx, nil
		}),
		CloseConn(func(_ context.Context) error {
			closeCalled = true
			return nil
		}),
	)
	require.NoError(t, err)

	serverSide, clientSide := net.Pipe()
	defer serverSide.Close()
	defer clientSide.Close()

	serverDone := make(chan error, 1)
	go func() {
		serverDone <- srv.serve(context.Background(), serverSide)
	}()

	clientDone := make(chan error, 1)
	go func() {
		clientDone <- runLifecycleClient(t, clientSide, logger)
	}()

	for i := 0; i < 2; i++ {
		select {
		case err := <-clientDone:
			require.NoError(t, err)
		case err := <-serverDone:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for the connection lifecycle to complete")
		}
	}

	require.True(t, sessionCalled)
	require.True(t, closeCalled)
}

// runLifecycleClient plays the client side of a minimal startup, one simple
// query and a graceful Terminate.
func runLifecycleClient(t *testing.T, conn net.Conn, logger *slog.Logger) error {
	t.Helper()

	writeClientStartupParams(t, conn, 196608, map[string]string{"user": "alice", "database": "postgres"})

	reader := buffer.NewReader(logger, conn, buffer.DefaultBufferSize)
	writer := buffer.NewWriter(logger, conn)

	// AuthenticationOK
	if _, err := readAuthType(reader, authOK); err != nil {
		return err
	}

	// ParameterStatus messages until BackendKeyData arrives.
	for {
		typ, _, err := reader.ReadTypedMsg()
		if err != nil {
			return err
		}
		if typ == types.ClientMessage(types.ServerBackendKeyData) {
			break
		}
		if typ != types.ClientMessage(types.ServerParameterStatus) {
			return errUnexpectedAuthMessage(typ)
		}
	}

	// ReadyForQuery
	if typ, _, err := reader.ReadTypedMsg(); err != nil {
		return err
	} else if typ != types.ClientMessage(types.ServerReady) {
		return errUnexpectedAuthMessage(typ)
	}

	// Simple query.
	writer.Start(types.ServerMessage(types.ClientSimpleQuery))
	writer.AddString("world")
	writer.AddNullTerminate()
	if err := writer.End(); err != nil {
		return err
	}

	// RowDescription
	if typ, _, err := reader.ReadTypedMsg(); err != nil {
		return err
	} else if typ != types.ClientMessage(types.ServerRowDescription) {
		return errUnexpectedAuthMessage(typ)
	}

	// DataRow
	if typ, _, err := reader.ReadTypedMsg(); err != nil {
		return err
	} else if typ != types.ClientMessage(types.ServerDataRow) {
		return errUnexpectedAuthMessage(typ)
	}

	// CommandComplete
	if typ, _, err := reader.ReadTypedMsg(); err != nil {
		return err
	} else if typ != types.ClientMessage(types.ServerCommandComplete) {
		return errUnexpectedAuthMessage(typ)
	}

	// ReadyForQuery
	if typ, _, err := reader.ReadTypedMsg(); err != nil {
		return err
	} else if typ != types.ClientMessage(types.ServerReady) {
		return errUnexpectedAuthMessage(typ)
	}

	writer.Start(types.ServerMessage(types.ClientTerminate))
	return writer.End()
}
