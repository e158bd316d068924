package wire

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pgwired/wire/pkg/buffer"
)

// OAuthMechanism is the SASL mechanism name PostgreSQL clients negotiate for
// bearer-token authentication.
// https://www.postgresql.org/docs/current/sasl-authentication.html#SASL-OAUTHBEARER
const OAuthMechanism = "OAUTHBEARER"

// OAuthValidator verifies a bearer token presented over OAUTHBEARER and
// returns the username it authenticates as.
type OAuthValidator func(ctx context.Context, token *jwt.Token) (username string, superuser bool, err error)

// OAuthBearer authenticates a client using the SASL OAUTHBEARER mechanism.
// keyFunc is passed through to jwt.Parse to resolve the key used to verify
// the token's signature; validate inspects the parsed claims and decides
// whether the token authorizes the connection.
func OAuthBearer(keyFunc jwt.Keyfunc, validate OAuthValidator) AuthStrategy {
	return func(ctx context.Context, writer *buffer.Writer, reader *buffer.Reader) (context.Context, error) {
		err := writeAuthType(writer, authSASL, saslMechanismList(OAuthMechanism))
		if err != nil {
			return ctx, err
		}

		mechanism, initial, err := readSASLInitialResponse(reader)
		if err != nil {
			return ctx, err
		}

		if mechanism != OAuthMechanism {
			return ctx, fmt.Errorf("oauth: unsupported SASL mechanism %q", mechanism)
		}

		bearer, err := parseBearerToken(initial)
		if err != nil {
			return ctx, err
		}

		token, err := jwt.Parse(bearer, keyFunc, jwt.WithValidMethods([]string{"RS256", "ES256", "HS256"}))
		if err != nil || !token.Valid {
			return ctx, fmt.Errorf("oauth: invalid bearer token: %w", err)
		}

		username, superuser, err := validate(ctx, token)
		if err != nil {
			return ctx, err
		}

		// The OAUTHBEARER exchange normally completes with a client
		// acknowledgement message after a successful server response; since
		// the token has already been accepted, the server moves straight to
		// AuthenticationSASLFinal with an empty payload.
		err = writeAuthType(writer, authSASLFinal, nil)
		if err != nil {
			return ctx, err
		}

		ctx = setAuthenticatedUsername(ctx, username)
		ctx = setIsSuperuser(ctx, superuser)
		return ctx, nil
	}
}

// parseBearerToken extracts the bearer token from an OAUTHBEARER GS2 initial
// client response of the form "n,,\x01auth=Bearer <token>\x01\x01".
// https://datatracker.ietf.org/doc/html/rfc7628#section-3.1
func parseBearerToken(initial []byte) (string, error) {
	const prefix = "auth=Bearer "

	parts := strings.Split(string(initial), "\x01")
	for _, part := range parts {
		if strings.HasPrefix(part, prefix) {
			return strings.TrimPrefix(part, prefix), nil
		}
	}

	return "", errors.New("oauth: initial response did not contain a bearer token")
}
