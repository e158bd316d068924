package wire

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/neilotoole/slogt"
	"github.com/stretchr/testify/require"

	"github.com/pgwired/wire/pkg/buffer"
	"github.com/pgwired/wire/pkg/types"
)

var oauthTestSecret = []byte("test-signing-secret")

func signTestBearerToken(t *testing.T, subject string) string {
	t.Helper()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": subject,
	})

	signed, err := token.SignedString(oauthTestSecret)
	require.NoError(t, err)
	return signed
}

func TestOAuthBearerAuthenticatesValidToken(t *testing.T) {
	logger := slogt.New(t)

	serverSide, clientSide := net.Pipe()
	defer serverSide.Close()
	defer clientSide.Close()

	keyFunc := func(_ *jwt.Token) (any, error) { return oauthTestSecret, nil }
	validate := func(_ context.Context, token *jwt.Token) (string, bool, error) {
		claims := token.Claims.(jwt.MapClaims)
		return claims["sub"].(string), false, nil
	}
	strategy := OAuthBearer(keyFunc, validate)

	serverDone := make(chan error, 1)
	go func() {
		reader := buffer.NewReader(logger, serverSide, buffer.DefaultBufferSize)
		writer := buffer.NewWriter(logger, serverSide)

		ctx, err := strategy(context.Background(), writer, reader)
		if err == nil && AuthenticatedUsername(ctx) != "alice" {
			err = errUnexpectedAuthMessage(types.ClientPassword)
		}
		serverDone <- err
	}()

	clientDone := make(chan error, 1)
	go func() {
		reader := buffer.NewReader(logger, clientSide, buffer.DefaultBufferSize)
		writer := buffer.NewWriter(logger, clientSide)

		if _, err := readAuthType(reader, authSASL); err != nil {
			clientDone <- err
			return
		}

		token := signTestBearerToken(t, "alice")
		initial := "n,,\x01auth=Bearer " + token + "\x01\x01"

		writer.Start(types.ServerMessage(types.ClientPassword))
		writer.AddString(OAuthMechanism)
		writer.AddNullTerminate()
		writer.AddInt32(int32(len(initial)))
		writer.AddString(initial)
		if err := writer.End(); err != nil {
			clientDone <- err
			return
		}

		if _, err := readAuthType(reader, authSASLFinal); err != nil {
			clientDone <- err
			return
		}

		clientDone <- nil
	}()

	for i := 0; i < 2; i++ {
		select {
		case err := <-serverDone:
			require.NoError(t, err)
		case err := <-clientDone:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for the OAUTHBEARER exchange; server likely read before advertising mechanisms")
		}
	}
}

func TestParseBearerTokenExtractsTokenFromGS2Response(t *testing.T) {
	initial := "n,,\x01auth=Bearer abc.def.ghi\x01\x01"
	token, err := parseBearerToken([]byte(initial))
	require.NoError(t, err)
	require.Equal(t, "abc.def.ghi", token)
}

func TestParseBearerTokenRejectsMissingAuthField(t *testing.T) {
	_, err := parseBearerToken([]byte("n,,\x01\x01"))
	require.Error(t, err)
}
