package wire

import (
	"crypto/tls"
	"crypto/x509"
	"log/slog"
)

// OptionFn is the functional-options pattern used to configure a Server.
// Options are applied in NewServer, in the order given, and the first one to
// return an error aborts construction.
type OptionFn func(*Server) error

// Logger sets the structured logger used by the server and every connection
// it serves.
func Logger(logger *slog.Logger) OptionFn {
	return func(srv *Server) error {
		srv.logger = logger
		return nil
	}
}

// BufferedMsgSize sets the maximum size, in bytes, of a single incoming wire
// message. Connections that exceed it receive a message-size-exceeded error.
func BufferedMsgSize(size int) OptionFn {
	return func(srv *Server) error {
		srv.BufferedMsgSize = size
		return nil
	}
}

// Version sets the server_version parameter reported to connecting clients.
func Version(version string) OptionFn {
	return func(srv *Server) error {
		srv.Version = version
		return nil
	}
}

// GlobalParameters sets the fixed set of server parameters sent to every
// client during startup, in addition to the ones the server always reports
// (server_encoding, client_encoding, is_superuser, session_authorization).
func GlobalParameters(params Parameters) OptionFn {
	return func(srv *Server) error {
		srv.Parameters = params
		return nil
	}
}

// TLSConfig sets the TLS configuration used to upgrade a connection once the
// client issues an SSLRequest. It replaces srv.TLSConfig as a whole: the
// Certificates and ClientAuth options write into srv.TLSConfig, so their
// effect is lost when they are applied before this option.
func TLSConfig(cfg *tls.Config) OptionFn {
	return func(srv *Server) error {
		srv.TLSConfig = cfg
		return nil
	}
}

// Certificates sets the server certificate chain offered during the TLS
// handshake.
func Certificates(certs []tls.Certificate) OptionFn {
	return func(srv *Server) error {
		srv.Certificates = certs
		if srv.TLSConfig == nil {
			srv.TLSConfig = &tls.Config{}
		}
		srv.TLSConfig.Certificates = certs
		return nil
	}
}

// ClientAuth sets the TLS client-certificate policy. Setting
// tls.RequireAndVerifyClientCert also rejects clients that never attempt to
// upgrade to TLS at all.
func ClientAuth(auth tls.ClientAuthType, cas *x509.CertPool) OptionFn {
	return func(srv *Server) error {
		srv.ClientAuth = auth
		srv.ClientCAs = cas
		if srv.TLSConfig == nil {
			srv.TLSConfig = &tls.Config{}
		}
		srv.TLSConfig.ClientAuth = auth
		srv.TLSConfig.ClientCAs = cas
		return nil
	}
}

// Auth sets the authentication strategy used to validate connecting
// clients. Leaving it unset trusts every connection.
func Auth(strategy AuthStrategy) OptionFn {
	return func(srv *Server) error {
		srv.Auth = strategy
		return nil
	}
}

// Statements overrides the prepared-statement cache used by the extended
// query protocol. The default is an in-memory, per-connection
// DefaultStatementCache.
func Statements(cache StatementCache) OptionFn {
	return func(srv *Server) error {
		srv.Statements = cache
		return nil
	}
}

// Portals overrides the bound-portal cache used by the extended query
// protocol. The default is an in-memory, per-connection DefaultPortalCache.
func Portals(cache PortalCache) OptionFn {
	return func(srv *Server) error {
		srv.Portals = cache
		return nil
	}
}

// Session installs a hook invoked once per connection, immediately after
// authentication succeeds and before the server consumes any query
// messages. It may enrich the context (for example attaching a database
// handle scoped to the authenticated user) or reject the connection outright
// by returning an error.
func Session(handler SessionHandler) OptionFn {
	return func(srv *Server) error {
		srv.Session = handler
		return nil
	}
}

// CloseConn sets the hook invoked when a connection is closed by the
// server, for cleanup of any per-connection resources attached during
// Session.
func CloseConn(fn CloseFn) OptionFn {
	return func(srv *Server) error {
		srv.CloseConn = fn
		return nil
	}
}

// TerminateConn sets the hook invoked when the client sends a Terminate
// message, before the underlying network connection is closed.
func TerminateConn(fn CloseFn) OptionFn {
	return func(srv *Server) error {
		srv.TerminateConn = fn
		return nil
	}
}

// CancelRequest overrides how the server handles an incoming CancelRequest
// startup packet. The default signals the server's own cancellation
// registry, aborting the matching connection's in-flight query; this option
// exists for embedders that proxy cancellation to a separate backend.
func CancelRequest(fn CancelRequestFn) OptionFn {
	return func(srv *Server) error {
		srv.CancelRequest = fn
		return nil
	}
}
