package wire

import (
	"context"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/neilotoole/slogt"
	"github.com/stretchr/testify/require"
	"github.com/xdg-go/scram"

	"github.com/pgwired/wire/pkg/buffer"
	"github.com/pgwired/wire/pkg/types"
)

func TestDeriveScramCredentialsAuthenticatesAgainstRealClient(t *testing.T) {
	creds, err := DeriveScramCredentials("correct horse battery staple", DefaultScramIterations)
	require.NoError(t, err)
	require.Len(t, creds.KeyFactors.Salt, 16)
	require.Equal(t, DefaultScramIterations, creds.KeyFactors.Iters)
	require.NotEmpty(t, creds.StoredKey)
	require.NotEmpty(t, creds.ServerKey)

	server, err := scram.SHA256.NewServer(func(string) (scram.StoredCredentials, error) {
		return creds, nil
	})
	require.NoError(t, err)

	client, err := scram.SHA256.NewClient("alice", "correct horse battery staple", "")
	require.NoError(t, err)

	serverConv := server.NewConversation()
	clientConv := client.NewConversation()

	clientFirst, err := clientConv.Step("")
	require.NoError(t, err)

	serverFirst, err := serverConv.Step(clientFirst)
	require.NoError(t, err)

	clientFinal, err := clientConv.Step(serverFirst)
	require.NoError(t, err)

	serverFinal, err := serverConv.Step(clientFinal)
	require.NoError(t, err)

	_, err = clientConv.Step(serverFinal)
	require.NoError(t, err)

	require.True(t, clientConv.Done())
	require.True(t, serverConv.Done())
	require.True(t, serverConv.Valid())
}

func TestDeriveScramCredentialsRejectsWrongPassword(t *testing.T) {
	creds, err := DeriveScramCredentials("correct horse battery staple", DefaultScramIterations)
	require.NoError(t, err)

	server, err := scram.SHA256.NewServer(func(string) (scram.StoredCredentials, error) {
		return creds, nil
	})
	require.NoError(t, err)

	client, err := scram.SHA256.NewClient("alice", "wrong password", "")
	require.NoError(t, err)

	serverConv := server.NewConversation()
	clientConv := client.NewConversation()

	clientFirst, err := clientConv.Step("")
	require.NoError(t, err)

	serverFirst, err := serverConv.Step(clientFirst)
	require.NoError(t, err)

	clientFinal, err := clientConv.Step(serverFirst)
	require.NoError(t, err)

	_, err = serverConv.Step(clientFinal)
	require.Error(t, err)
	require.False(t, serverConv.Valid())
}

// TestScramSHA256FullExchange drives ScramSHA256 over a net.Pipe with a real
// xdg-go/scram client on the other end, the way a conformant driver would:
// it waits for the server's AuthenticationSASL mechanism list before sending
// anything. This is the exact ordering a prior version of ScramSHA256 got
// backwards, which would have hung this test forever.
func TestScramSHA256FullExchange(t *testing.T) {
	creds, err := DeriveScramCredentials("s3cr3t", DefaultScramIterations)
	require.NoError(t, err)

	serverSide, clientSide := net.Pipe()
	defer serverSide.Close()
	defer clientSide.Close()

	logger := slogt.New(t)
	strategy := ScramSHA256(func(_ context.Context, username string) (scram.StoredCredentials, error) {
		require.Equal(t, "alice", username)
		return creds, nil
	})

	serverDone := make(chan error, 1)
	go func() {
		reader := buffer.NewReader(logger, serverSide, buffer.DefaultBufferSize)
		writer := buffer.NewWriter(logger, serverSide)

		ctx := setClientParameters(context.Background(), Parameters{ParamUsername: "alice"})
		ctx, err := strategy(ctx, writer, reader)
		if err == nil && AuthenticatedUsername(ctx) != "alice" {
			err = errUnexpectedAuthMessage(types.ClientPassword)
		}
		serverDone <- err
	}()

	clientDone := make(chan error, 1)
	go func() { clientDone <- runScramClient(logger, clientSide, "alice", "s3cr3t") }()

	for i := 0; i < 2; i++ {
		select {
		case err := <-serverDone:
			require.NoError(t, err)
		case err := <-clientDone:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for SCRAM exchange; server likely read before advertising mechanisms")
		}
	}
}

// runScramClient plays the client half of a SCRAM-SHA-256 exchange: it waits
// for AuthenticationSASL, sends SASLInitialResponse, waits for
// AuthenticationSASLContinue, sends SASLResponse, then confirms
// AuthenticationSASLFinal with a valid server signature.
func runScramClient(logger *slog.Logger, conn net.Conn, username, password string) error {
	reader := buffer.NewReader(logger, conn, buffer.DefaultBufferSize)
	writer := buffer.NewWriter(logger, conn)

	client, err := scram.SHA256.NewClient(username, password, "")
	if err != nil {
		return err
	}
	conv := client.NewConversation()

	if _, err := readAuthType(reader, authSASL); err != nil {
		return err
	}

	clientFirst, err := conv.Step("")
	if err != nil {
		return err
	}

	writer.Start(types.ServerMessage(types.ClientPassword))
	writer.AddString(ScramMechanismSHA256)
	writer.AddNullTerminate()
	writer.AddInt32(int32(len(clientFirst)))
	writer.AddString(clientFirst)
	if err := writer.End(); err != nil {
		return err
	}

	serverFirst, err := readAuthType(reader, authSASLContinue)
	if err != nil {
		return err
	}

	clientFinal, err := conv.Step(string(serverFirst))
	if err != nil {
		return err
	}

	writer.Start(types.ServerMessage(types.ClientPassword))
	writer.AddString(clientFinal)
	if err := writer.End(); err != nil {
		return err
	}

	serverFinal, err := readAuthType(reader, authSASLFinal)
	if err != nil {
		return err
	}

	if _, err := conv.Step(string(serverFinal)); err != nil {
		return err
	}

	if !conv.Valid() {
		return errUnexpectedAuthMessage(types.ClientPassword)
	}

	return nil
}

// readAuthType reads an AuthenticationXXX message and verifies its status
// code matches want, returning any payload beyond the status code.
func readAuthType(reader *buffer.Reader, want authType) ([]byte, error) {
	_, n, err := reader.ReadTypedMsg()
	if err != nil {
		return nil, err
	}

	status, err := reader.GetInt32()
	if err != nil {
		return nil, err
	}

	if authType(status) != want {
		return nil, errUnexpectedAuthMessage(types.ClientPassword)
	}

	return reader.GetBytes(n - 4 - 4)
}
