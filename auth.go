package wire

import (
	"context"
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/pgwired/wire/codes"
	pgerror "github.com/pgwired/wire/errors"
	"github.com/pgwired/wire/pkg/buffer"
	"github.com/pgwired/wire/pkg/types"
)

// authType represents the manner in which a client is able to authenticate.
// https://www.postgresql.org/docs/current/protocol-message-formats.html#PROTOCOL-MESSAGE-FORMATS-AUTHENTICATIONOK
type authType int32

const (
	authOK                authType = 0
	authClearTextPassword authType = 3
	authMD5Password       authType = 5
	authSASL              authType = 10
	authSASLContinue      authType = 11
	authSASLFinal         authType = 12
)

// AuthStrategy represents a authentication strategy used to authenticate a
// connecting client. A strategy returns the context carrying any identity it
// established (username, superuser flag) so downstream handlers can observe
// it through AuthenticatedUsername/IsSuperUser.
type AuthStrategy func(ctx context.Context, writer *buffer.Writer, reader *buffer.Reader) (context.Context, error)

// handleAuth handles the client authentication for the given connection. This
// method validates the incoming credentials and writes to the client whether
// the provided credentials are correct. When the provided credentials are
// invalid or any unexpected error occurs, an error is returned and the
// connection should be closed.
func (srv *Server) handleAuth(ctx context.Context, reader *buffer.Reader, writer *buffer.Writer) (context.Context, error) {
	srv.logger.Debug("authenticating client connection")

	if srv.Auth == nil {
		ctx = setAuthenticatedUsername(ctx, ClientParameters(ctx)[ParamUsername])
		return ctx, writeAuthType(writer, authOK, nil)
	}

	ctx, err := srv.Auth(ctx, writer, reader)
	if err != nil {
		return ctx, err
	}

	return ctx, writeAuthType(writer, authOK, nil)
}

// Trust accepts any connecting client without requesting credentials,
// recording the username the client already announced during startup. This
// mirrors pg_hba.conf's "trust" method.
func Trust() AuthStrategy {
	return func(ctx context.Context, _ *buffer.Writer, _ *buffer.Reader) (context.Context, error) {
		return setAuthenticatedUsername(ctx, ClientParameters(ctx)[ParamUsername]), nil
	}
}

// ClearTextPassword announces to the client to authenticate by sending a
// clear text password and validates if the provided username and password
// (received inside the client parameters) are valid.
func ClearTextPassword(validate func(ctx context.Context, username, password string) (bool, error)) AuthStrategy {
	return func(ctx context.Context, writer *buffer.Writer, reader *buffer.Reader) (context.Context, error) {
		err := writeAuthType(writer, authClearTextPassword, nil)
		if err != nil {
			return ctx, err
		}

		username := ClientParameters(ctx)[ParamUsername]

		t, _, err := reader.ReadTypedMsg()
		if err != nil {
			return ctx, err
		}

		if t != types.ClientPassword {
			return ctx, errors.New("unexpected password message")
		}

		password, err := reader.GetString()
		if err != nil {
			return ctx, err
		}

		valid, err := validate(ctx, username, password)
		if err != nil {
			return ctx, err
		}

		if !valid {
			authErr := pgerror.WithCode(errors.New("invalid username/password"), codes.InvalidPassword)
			if _, werr := writeErrorResponse(writer, authErr); werr != nil {
				return ctx, werr
			}
			return ctx, authErr
		}

		return setAuthenticatedUsername(ctx, username), nil
	}
}

// MD5Password announces to the client to authenticate using the legacy
// salted-MD5 scheme, validating the digest against the hash returned by
// lookup for the connecting username.
// https://www.postgresql.org/docs/current/auth-password.html
func MD5Password(lookup func(ctx context.Context, username string) (md5Hash string, ok bool, err error)) AuthStrategy {
	return func(ctx context.Context, writer *buffer.Writer, reader *buffer.Reader) (context.Context, error) {
		var salt [4]byte
		if _, err := rand.Read(salt[:]); err != nil {
			return ctx, err
		}

		err := writeAuthType(writer, authMD5Password, salt[:])
		if err != nil {
			return ctx, err
		}

		username := ClientParameters(ctx)[ParamUsername]

		t, _, err := reader.ReadTypedMsg()
		if err != nil {
			return ctx, err
		}

		if t != types.ClientPassword {
			return ctx, errors.New("unexpected password message")
		}

		response, err := reader.GetString()
		if err != nil {
			return ctx, err
		}

		stored, ok, err := lookup(ctx, username)
		if err != nil {
			return ctx, err
		}

		if !ok || response != "md5"+saltedMD5(stored, salt) {
			authErr := pgerror.WithCode(errors.New("invalid username/password"), codes.InvalidPassword)
			if _, werr := writeErrorResponse(writer, authErr); werr != nil {
				return ctx, werr
			}
			return ctx, authErr
		}

		return setAuthenticatedUsername(ctx, username), nil
	}
}

// saltedMD5 computes hex(md5(md5Hash || salt)), the second pass of
// PostgreSQL's MD5 authentication digest. md5Hash is itself
// hex(md5(password || username)), which is what PostgreSQL stores as a
// user's password verifier.
func saltedMD5(md5Hash string, salt [4]byte) string {
	sum := md5.Sum(append([]byte(md5Hash), salt[:]...))
	return hex.EncodeToString(sum[:])
}

// MD5Verifier computes the stored verifier PostgreSQL expects MD5Password's
// lookup function to return for a given username/password pair.
func MD5Verifier(username, password string) string {
	sum := md5.Sum([]byte(password + username))
	return hex.EncodeToString(sum[:])
}

// writeAuthType writes the auth type to the client informing the client
// about the authentication status and the data expected to be exchanged
// next. extra carries the type-specific payload (the MD5 salt, or the
// mechanism/message bytes of a SASL exchange).
func writeAuthType(writer *buffer.Writer, status authType, extra []byte) error {
	writer.Start(types.ServerAuth)
	writer.AddInt32(int32(status))
	writer.AddBytes(extra)
	return writer.End()
}

// errUnexpectedAuthMessage is returned when the client sends a message type
// the authentication strategy in progress does not expect.
func errUnexpectedAuthMessage(got types.ClientMessage) error {
	return fmt.Errorf("unexpected message type %s during authentication", got.String())
}
