package wire

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/xdg-go/scram"
	"golang.org/x/crypto/pbkdf2"

	"github.com/pgwired/wire/pkg/buffer"
	"github.com/pgwired/wire/pkg/types"
)

// DefaultScramIterations is the PBKDF2 iteration count PostgreSQL itself
// defaults to for newly derived SCRAM-SHA-256 verifiers.
const DefaultScramIterations = 4096

// ScramMechanismSHA256 and ScramMechanismSHA256Plus are the SASL mechanism
// names PostgreSQL advertises for password authentication.
// https://www.postgresql.org/docs/current/sasl-authentication.html
const (
	ScramMechanismSHA256     = "SCRAM-SHA-256"
	ScramMechanismSHA256Plus = "SCRAM-SHA-256-PLUS"
)

// ScramCredentialLookup resolves the SCRAM verifier PostgreSQL would have
// stored for username in pg_authid: the salt, iteration count, and the
// derived StoredKey/ServerKey (never the plaintext password).
type ScramCredentialLookup func(ctx context.Context, username string) (scram.StoredCredentials, error)

// ScramSHA256 authenticates a client using SCRAM-SHA-256, advertising
// SCRAM-SHA-256-PLUS alongside it so clients that prefer channel binding
// still negotiate successfully.
//
// The xdg-go/scram library wired here does not thread TLS channel-binding
// data through the conversation, so a client that selects the -PLUS variant
// completes the same message exchange as the unbound mechanism: the binding
// assertion inside the client's gs2 header is accepted without being
// cross-checked against the connection's TLS certificate. Deployments that
// must enforce binding should reject -PLUS by only advertising
// ScramMechanismSHA256 via a custom AuthStrategy.
func ScramSHA256(lookup ScramCredentialLookup) AuthStrategy {
	return func(ctx context.Context, writer *buffer.Writer, reader *buffer.Reader) (context.Context, error) {
		username := ClientParameters(ctx)[ParamUsername]

		creds, err := lookup(ctx, username)
		if err != nil {
			return ctx, err
		}

		server, err := scram.SHA256.NewServer(func(string) (scram.StoredCredentials, error) {
			return creds, nil
		})
		if err != nil {
			return ctx, fmt.Errorf("scram: failed to construct server: %w", err)
		}

		conv := server.NewConversation()

		err = writeAuthType(writer, authSASL, saslMechanismList(ScramMechanismSHA256, ScramMechanismSHA256Plus))
		if err != nil {
			return ctx, err
		}

		mechanism, initial, err := readSASLInitialResponse(reader)
		if err != nil {
			return ctx, err
		}

		if mechanism != ScramMechanismSHA256 && mechanism != ScramMechanismSHA256Plus {
			return ctx, fmt.Errorf("scram: unsupported SASL mechanism %q", mechanism)
		}

		serverFirst, err := conv.Step(string(initial))
		if err != nil {
			return ctx, fmt.Errorf("scram: %w", err)
		}

		err = writeAuthType(writer, authSASLContinue, []byte(serverFirst))
		if err != nil {
			return ctx, err
		}

		clientFinal, err := readSASLResponse(reader)
		if err != nil {
			return ctx, err
		}

		serverFinal, err := conv.Step(string(clientFinal))
		if err != nil {
			return ctx, fmt.Errorf("scram: %w", err)
		}

		if !conv.Valid() {
			return ctx, errors.New("scram: authentication exchange did not validate")
		}

		err = writeAuthType(writer, authSASLFinal, []byte(serverFinal))
		if err != nil {
			return ctx, err
		}

		return setAuthenticatedUsername(ctx, username), nil
	}
}

// DeriveScramCredentials derives the StoredKey/ServerKey verifier pair
// PostgreSQL stores in pg_authid for a given plaintext password, using a
// freshly generated random salt and iters PBKDF2 rounds. This is the
// server-side half of RFC 5802's SaltedPassword/ClientKey/ServerKey
// derivation; embedders persist the result and feed it back through a
// ScramCredentialLookup to authenticate future connections without ever
// storing the plaintext password.
func DeriveScramCredentials(password string, iters int) (scram.StoredCredentials, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return scram.StoredCredentials{}, err
	}

	saltedPassword := pbkdf2.Key([]byte(password), salt, iters, sha256.Size, sha256.New)

	clientKey := hmacSHA256(saltedPassword, []byte("Client Key"))
	storedKey := sha256.Sum256(clientKey)
	serverKey := hmacSHA256(saltedPassword, []byte("Server Key"))

	return scram.StoredCredentials{
		KeyFactors: scram.KeyFactors{Salt: string(salt), Iters: iters},
		StoredKey:  storedKey[:],
		ServerKey:  serverKey,
	}, nil
}

func hmacSHA256(key, data []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}

// saslMechanismList encodes the AuthenticationSASL mechanism list: each name
// null-terminated, followed by a final terminating zero byte.
func saslMechanismList(mechanisms ...string) []byte {
	var out []byte
	for _, m := range mechanisms {
		out = append(out, m...)
		out = append(out, 0)
	}
	return append(out, 0)
}

// readSASLInitialResponse parses a SASLInitialResponse (tagged 'p') message:
// a null-terminated mechanism name followed by a length-prefixed response.
func readSASLInitialResponse(reader *buffer.Reader) (mechanism string, response []byte, err error) {
	t, _, err := reader.ReadTypedMsg()
	if err != nil {
		return "", nil, err
	}

	if t != types.ClientPassword {
		return "", nil, errUnexpectedAuthMessage(t)
	}

	mechanism, err = reader.GetString()
	if err != nil {
		return "", nil, err
	}

	length, err := reader.GetInt32()
	if err != nil {
		return "", nil, err
	}

	if length < 0 {
		return mechanism, nil, nil
	}

	response, err = reader.GetBytes(int(length))
	return mechanism, response, err
}

// readSASLResponse parses a SASLResponse (tagged 'p') message: the raw,
// un-prefixed remainder of the message body.
func readSASLResponse(reader *buffer.Reader) ([]byte, error) {
	t, n, err := reader.ReadTypedMsg()
	if err != nil {
		return nil, err
	}

	if t != types.ClientPassword {
		return nil, errUnexpectedAuthMessage(t)
	}

	return reader.GetBytes(n - 4)
}
