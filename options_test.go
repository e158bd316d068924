package wire

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

var errOptionBoom = errors.New("boom")

func noopParse(_ context.Context, _ string) (PreparedStatements, error) {
	return nil, nil
}

func TestVersionOptionSetsServerVersion(t *testing.T) {
	srv, err := NewServer(noopParse, Version("16.2"))
	require.NoError(t, err)
	require.Equal(t, "16.2", srv.Version)
}

func TestLoggerOptionOverridesDefaultLogger(t *testing.T) {
	logger := slog.Default().With("test", true)
	srv, err := NewServer(noopParse, Logger(logger))
	require.NoError(t, err)
	require.Same(t, logger, srv.logger)
}

func TestBufferedMsgSizeOptionSetsLimit(t *testing.T) {
	srv, err := NewServer(noopParse, BufferedMsgSize(1024))
	require.NoError(t, err)
	require.Equal(t, 1024, srv.BufferedMsgSize)
}

func TestGlobalParametersOptionSetsParameters(t *testing.T) {
	params := Parameters{ParamServerVersion: "16.2"}
	srv, err := NewServer(noopParse, GlobalParameters(params))
	require.NoError(t, err)
	require.Equal(t, params, srv.Parameters)
}

func TestTLSConfigOptionSetsConfig(t *testing.T) {
	cfg := &tls.Config{ServerName: "example.test"}
	srv, err := NewServer(noopParse, TLSConfig(cfg))
	require.NoError(t, err)
	require.Same(t, cfg, srv.TLSConfig)
}

func TestCertificatesOptionMergesIntoTLSConfig(t *testing.T) {
	certs := []tls.Certificate{{}}
	srv, err := NewServer(noopParse, Certificates(certs))
	require.NoError(t, err)
	require.NotNil(t, srv.TLSConfig)
	require.Equal(t, certs, srv.TLSConfig.Certificates)
}

func TestClientAuthOptionMergesIntoTLSConfig(t *testing.T) {
	srv, err := NewServer(noopParse, ClientAuth(tls.RequireAndVerifyClientCert, nil))
	require.NoError(t, err)
	require.NotNil(t, srv.TLSConfig)
	require.Equal(t, tls.RequireAndVerifyClientCert, srv.TLSConfig.ClientAuth)
}

func TestStatementsAndPortalsOptionsOverrideDefaultCaches(t *testing.T) {
	stmts := NewStatementCache()
	portals := NewPortalCache()

	srv, err := NewServer(noopParse, Statements(stmts), Portals(portals))
	require.NoError(t, err)
	require.Same(t, stmts, srv.Statements)
	require.Same(t, portals, srv.Portals)
}

func TestSessionAndCloseHooksOptionsAreWired(t *testing.T) {
	sessionCalled := false
	closeCalled := false
	terminateCalled := false

	srv, err := NewServer(noopParse,
		Session(func(ctx context.Context) (context.Context, error) {
			sessionCalled = true
			return ctx, nil
		}),
		CloseConn(func(_ context.Context) error {
			closeCalled = true
			return nil
		}),
		TerminateConn(func(_ context.Context) error {
			terminateCalled = true
			return nil
		}),
	)
	require.NoError(t, err)

	_, err = srv.Session(context.Background())
	require.NoError(t, err)
	require.True(t, sessionCalled)

	require.NoError(t, srv.CloseConn(context.Background()))
	require.True(t, closeCalled)

	require.NoError(t, srv.TerminateConn(context.Background()))
	require.True(t, terminateCalled)
}

func TestCancelRequestOptionOverridesDefaultHandler(t *testing.T) {
	called := false
	srv, err := NewServer(noopParse, CancelRequest(func(_ context.Context, _, _ int32) error {
		called = true
		return nil
	}))
	require.NoError(t, err)

	require.NoError(t, srv.CancelRequest(context.Background(), 1, 2))
	require.True(t, called)
}

func TestOptionErrorAbortsConstruction(t *testing.T) {
	boom := func(_ *Server) error { return errOptionBoom }
	_, err := NewServer(noopParse, boom)
	require.ErrorIs(t, err, errOptionBoom)
}
