package wire

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"log/slog"

	"github.com/pgwired/wire/pkg/buffer"
	"github.com/pgwired/wire/pkg/types"
	"github.com/pgwired/wire/value"
)

// ListenAndServe opens a new Postgres server using the given address and
// default configurations. The given handler function is used to handle
// incoming queries. This method should be used to construct a simple
// Postgres server for testing purposes or simple use cases.
func ListenAndServe(address string, handler ParseFn) error {
	server, err := NewServer(handler)
	if err != nil {
		return err
	}

	return server.ListenAndServe(address)
}

// NewServer constructs a new Postgres server using the given query parser
// and server options.
func NewServer(parse ParseFn, options ...OptionFn) (*Server, error) {
	srv := &Server{
		parse:      parse,
		logger:     slog.Default(),
		closer:     make(chan struct{}),
		values:     value.NewMap(),
		cancels:    newCancelRegistry(),
		Statements: NewStatementCache(),
		Portals:    NewPortalCache(),
		Session:    func(ctx context.Context) (context.Context, error) { return ctx, nil },
	}

	srv.CancelRequest = srv.defaultCancelRequest

	for _, option := range options {
		err := option(srv)
		if err != nil {
			return nil, fmt.Errorf("unexpected error while attempting to configure a new server: %w", err)
		}
	}

	return srv, nil
}

// SessionHandler is invoked once per connection, right after authentication
// succeeds, to enrich or validate the context used for the rest of the
// connection's lifetime.
type SessionHandler func(ctx context.Context) (context.Context, error)

// CloseFn is invoked as a connection lifecycle hook, either when the client
// terminates the connection or when the server itself closes it.
type CloseFn func(ctx context.Context) error

// CancelRequestFn handles an incoming CancelRequest startup packet, received
// over a throwaway connection distinct from the one it targets.
type CancelRequestFn func(ctx context.Context, processID, secretKey int32) error

// Server contains options for listening to an address.
type Server struct {
	closing         atomic.Bool
	wg              sync.WaitGroup
	logger          *slog.Logger
	values          *value.Map
	cancels         *cancelRegistry
	Auth            AuthStrategy
	BufferedMsgSize int
	Parameters      Parameters
	TLSConfig       *tls.Config
	Certificates    []tls.Certificate
	ClientCAs       *x509.CertPool
	ClientAuth      tls.ClientAuthType
	parse           ParseFn
	Session         SessionHandler
	Statements      StatementCache
	Portals         PortalCache
	CloseConn       CloseFn
	TerminateConn   CloseFn
	CancelRequest   CancelRequestFn
	Version         string
	closer          chan struct{}
}

// defaultCancelRequest signals the server's own cancellation registry,
// aborting the matching connection's in-flight query handler, if any.
func (srv *Server) defaultCancelRequest(_ context.Context, processID, secretKey int32) error {
	srv.cancels.signal(processID, secretKey)
	return nil
}

// ListenAndServe opens a new Postgres server on the preconfigured address and
// starts accepting and serving incoming client connections.
func (srv *Server) ListenAndServe(address string) error {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}

	return srv.Serve(listener)
}

// Serve accepts and serves incoming Postgres client connections using the
// preconfigured configurations. The given listener will be closed once the
// server is gracefully closed.
func (srv *Server) Serve(listener net.Listener) error {
	defer srv.logger.Info("closing server")

	srv.logger.Info("serving incoming connections", slog.String("addr", listener.Addr().String()))
	srv.wg.Add(1)

	// NOTE: handle graceful shutdowns
	go func() {
		defer srv.wg.Done()
		<-srv.closer

		err := listener.Close()
		if err != nil {
			srv.logger.Error("unexpected error while attempting to close the net listener", "err", err)
		}
	}()

	for {
		conn, err := listener.Accept()
		if errors.Is(err, net.ErrClosed) {
			return nil
		}

		if err != nil {
			return err
		}

		go func() {
			ctx := context.Background()
			err = srv.serve(ctx, conn)
			if err != nil {
				srv.logger.Error("an unexpected error got returned while serving a client connection", "err", err)
			}
		}()
	}
}

func (srv *Server) serve(ctx context.Context, conn net.Conn) error {
	ctx = setValueMap(ctx, srv.values)
	ctx = setFormatOptions(ctx, value.DefaultFormatOptions())
	ctx = setRemoteAddress(ctx, conn.RemoteAddr())
	defer conn.Close()

	srv.logger.Debug("serving a new client connection")

	conn, version, reader, err := srv.Handshake(conn)
	if err != nil {
		return err
	}

	if version == types.VersionCancel {
		return conn.Close()
	}

	srv.logger.Debug("handshake successfull, validating authentication")

	writer := buffer.NewWriter(srv.logger, conn)
	ctx, err = srv.readClientParameters(ctx, reader)
	if err != nil {
		return err
	}

	ctx, err = srv.handleAuth(ctx, reader, writer)
	if err != nil {
		return err
	}

	key, err := srv.newBackendKeyData()
	if err != nil {
		return err
	}

	ctx = setBackendKeyData(ctx, key)

	srv.logger.Debug("connection authenticated, writing server parameters")

	ctx, err = srv.writeParameters(ctx, writer, srv.Parameters)
	if err != nil {
		return err
	}

	err = srv.writeBackendKeyData(writer, key)
	if err != nil {
		return err
	}

	ctx, err = srv.Session(ctx)
	if err != nil {
		return err
	}

	if srv.CloseConn != nil {
		defer func() {
			if cerr := srv.CloseConn(ctx); cerr != nil {
				srv.logger.Error("close connection hook returned an error", "err", cerr)
			}
		}()
	}

	return srv.consumeCommands(ctx, conn, reader, writer)
}

// newBackendKeyData generates a fresh, cryptographically random process
// id/secret key pair identifying this connection for cancellation purposes.
// Unlike real PostgreSQL, the process id carries no meaning beyond being
// part of this unique pair.
func (srv *Server) newBackendKeyData() (BackendKeyData, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return BackendKeyData{}, err
	}

	return BackendKeyData{
		ProcessID: int32(binary.BigEndian.Uint32(buf[0:4])),
		SecretKey: int32(binary.BigEndian.Uint32(buf[4:8])),
	}, nil
}

// writeBackendKeyData sends the BackendKeyData message identifying this
// connection to the client, which it must present unmodified in any future
// CancelRequest targeting this connection.
// https://www.postgresql.org/docs/current/protocol-message-formats.html#PROTOCOL-MESSAGE-FORMATS-BACKENDKEYDATA
func (srv *Server) writeBackendKeyData(writer *buffer.Writer, key BackendKeyData) error {
	writer.Start(types.ServerBackendKeyData)
	writer.AddInt32(key.ProcessID)
	writer.AddInt32(key.SecretKey)
	return writer.End()
}

// Close gracefully closes the underlaying Postgres server.
func (srv *Server) Close() error {
	if srv.closing.Load() {
		return nil
	}

	srv.closing.Store(true)
	close(srv.closer)
	srv.wg.Wait()
	return nil
}
