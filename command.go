package wire

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"

	"github.com/lib/pq/oid"
	"github.com/pgwired/wire/codes"
	psqlerr "github.com/pgwired/wire/errors"
	"github.com/pgwired/wire/pkg/buffer"
	"github.com/pgwired/wire/pkg/types"
)

// NewErrUnimplementedMessageType is called whenever an unimplemented message
// type is sent. This error indicates to the client that the sent message cannot
// be processed at this moment in time.
func NewErrUnimplementedMessageType(t types.ClientMessage) error {
	err := fmt.Errorf("unimplemented client message type: %d", t)
	return psqlerr.WithSeverity(psqlerr.WithCode(err, codes.ConnectionDoesNotExist), psqlerr.LevelFatal)
}

// NewErrUnkownStatement is returned whenever no executable has been found for
// the given name.
func NewErrUnkownStatement(name string) error {
	err := fmt.Errorf("unknown statement: %s", name)
	return psqlerr.WithSeverity(psqlerr.WithCode(err, codes.InvalidPreparedStatementDefinition), psqlerr.LevelError)
}

// NewErrUnknownPortal is returned whenever no portal has been found for the
// given name.
func NewErrUnknownPortal(name string) error {
	err := fmt.Errorf("unknown portal: %s", name)
	return psqlerr.WithSeverity(psqlerr.WithCode(err, codes.InvalidCursorName), psqlerr.LevelError)
}

// NewErrUndefinedStatement is returned whenever no statement has been defined
// within the incoming query.
func NewErrUndefinedStatement() error {
	err := errors.New("no statement has been defined")
	return psqlerr.WithSeverity(psqlerr.WithCode(err, codes.Syntax), psqlerr.LevelError)
}

// NewErrMultipleCommandsStatements is returned whenever multiple statements have been
// given within a single query during the extended query protocol.
func NewErrMultipleCommandsStatements() error {
	err := errors.New("cannot insert multiple commands into a prepared statement")
	return psqlerr.WithSeverity(psqlerr.WithCode(err, codes.Syntax), psqlerr.LevelError)
}

// newErrClientCopyFailed is returned whenever the client aborts a copy operation.
func newErrClientCopyFailed(desc string) error {
	err := fmt.Errorf("client aborted copy: %s", desc)
	return psqlerr.WithSeverity(psqlerr.WithCode(err, codes.Uncategorized), psqlerr.LevelError)
}

// consumeCommands consumes incoming commands sent over the Postgres wire
// connection, until the client issues a Terminate message or the connection
// is closed. Responses for the given message type are written back to the
// client.
func (srv *Server) consumeCommands(ctx context.Context, conn net.Conn, reader *buffer.Reader, writer *buffer.Writer) error {
	srv.logger.Debug("ready for query... starting to consume commands")

	err := readyForQuery(writer, types.ServerIdle)
	if err != nil {
		return err
	}

	// awaitingSync tracks whether the connection is in the extended-query
	// error-recovery state described by the protocol: once an error has been
	// reported during Parse/Bind/Describe/Execute, every subsequent message
	// other than Sync is silently discarded until a Sync arrives.
	awaitingSync := false

	for {
		t, length, err := reader.ReadTypedMsg()
		if err == io.EOF {
			return nil
		}

		if errors.Is(err, buffer.ErrMessageSizeExceeded) {
			if err = handleMessageSizeExceeded(reader, writer, err); err != nil {
				return err
			}
			continue
		}

		if err != nil {
			return err
		}

		if srv.closing.Load() {
			return nil
		}

		if awaitingSync {
			if t == types.ClientSync {
				awaitingSync = false
				if err = readyForQuery(writer, TransactionStatus(ctx)); err != nil {
					return err
				}
				ctx = setTransactionStatus(ctx, types.ServerIdle)
			}
			continue
		}

		srv.wg.Add(1)
		srv.logger.Debug("<- incoming command", slog.Int("length", length), slog.String("type", t.String()))
		err = srv.handleCommand(ctx, conn, t, reader, writer)
		srv.wg.Done()

		if errors.Is(err, io.EOF) {
			return nil
		}

		if err != nil {
			if isExtendedQueryMessage(t) {
				awaitingSync = true
				ctx = setTransactionStatus(ctx, types.ServerTransactionFailed)
				if _, cerr := writeErrorResponse(writer, err); cerr != nil {
					return cerr
				}
				continue
			}

			return err
		}
	}
}

// isExtendedQueryMessage reports whether t is part of the extended query
// protocol, and therefore subject to the AwaitingSync error-recovery rule
// rather than tearing down the connection outright.
func isExtendedQueryMessage(t types.ClientMessage) bool {
	switch t {
	case types.ClientParse, types.ClientBind, types.ClientDescribe, types.ClientExecute, types.ClientClose:
		return true
	default:
		return false
	}
}

// handleMessageSizeExceeded attempts to unwrap the given error message as
// message size exceeded. The expected message size will be consumed and
// discarded from the given reader. An error message is written to the client
// once the expected message size is read.
func handleMessageSizeExceeded(reader *buffer.Reader, writer *buffer.Writer, exceeded error) (err error) {
	unwrapped, has := buffer.UnwrapMessageSizeExceeded(exceeded)
	if !has {
		return exceeded
	}

	err = reader.Slurp(unwrapped.Size)
	if err != nil {
		return err
	}

	return ErrorCode(writer, exceeded)
}

// handleCommand handles a single client message. A client message includes a
// message type and a reader buffer containing the actual message. The type
// indicates an action requested by the client.
// https://www.postgresql.org/docs/current/protocol-message-formats.html
func (srv *Server) handleCommand(ctx context.Context, conn net.Conn, t types.ClientMessage, reader *buffer.Reader, writer *buffer.Writer) error {
	// The abort handle is (re)registered for the duration of this single
	// command, not the whole connection: a CancelRequest aborts only the
	// query in flight and the connection keeps serving afterward.
	key := BackendKey(ctx)
	abort, unregister := srv.cancels.register(key.ProcessID, key.SecretKey)
	defer unregister()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-abort:
			cancel()
		case <-ctx.Done():
		}
	}()

	switch t {
	case types.ClientSimpleQuery:
		return srv.handleSimpleQuery(ctx, reader, writer)
	case types.ClientExecute:
		return srv.handleExecute(ctx, reader, writer)
	case types.ClientParse:
		return srv.handleParse(ctx, reader, writer)
	case types.ClientDescribe:
		return srv.handleDescribe(ctx, reader, writer)
	case types.ClientSync:
		return readyForQuery(writer, types.ServerIdle)
	case types.ClientBind:
		return srv.handleBind(ctx, reader, writer)
	case types.ClientFlush:
		return nil
	case types.ClientClose:
		return srv.handleClose(ctx, reader, writer)
	case types.ClientCopyData, types.ClientCopyDone, types.ClientCopyFail:
		// These are only meaningful while a copy is in progress, which is
		// read by the function copyDataFn hands to the DataWriter; receiving one here
		// means a prior copy already failed and the backend is ignoring the
		// remainder of the stream, per the protocol.
		// https://github.com/postgres/postgres/blob/REL_16_0/src/backend/tcop/postgres.c#L4295
		return nil
	case types.ClientTerminate:
		err := srv.handleConnTerminate(ctx)
		if err != nil {
			return err
		}

		if err = conn.Close(); err != nil {
			return err
		}

		return io.EOF
	default:
		return ErrorCode(writer, NewErrUnimplementedMessageType(t))
	}
}

// copyDataFn returns a CopyDataFn that pulls one CopyData frame off the wire
// per call, for the duration of a single CopyIn operation requested through
// DataWriter.CopyIn, surfacing io.EOF once the client sends CopyDone.
func (srv *Server) copyDataFn(reader *buffer.Reader, writer *buffer.Writer) CopyDataFn {
	return func(ctx context.Context) ([]byte, error) {
		for {
			t, _, err := reader.ReadTypedMsg()
			if err != nil {
				return nil, err
			}

			switch t {
			case types.ClientFlush, types.ClientSync:
				// The backend ignores Flush and Sync messages received
				// during copy-in mode.
				// https://www.postgresql.org/docs/current/protocol-flow.html#PROTOCOL-COPY
				continue
			case types.ClientCopyData:
				return reader.Msg, nil
			case types.ClientCopyDone:
				return nil, io.EOF
			case types.ClientCopyFail:
				desc, err := reader.GetString()
				if err != nil {
					return nil, err
				}
				return nil, newErrClientCopyFailed(desc)
			default:
				// Receipt of any other non-copy message type constitutes an
				// error that aborts the copy-in state.
				return nil, NewErrUnimplementedMessageType(t)
			}
		}
	}
}

func (srv *Server) handleSimpleQuery(ctx context.Context, reader *buffer.Reader, writer *buffer.Writer) error {
	if srv.parse == nil {
		return ErrorCode(writer, NewErrUnimplementedMessageType(types.ClientSimpleQuery))
	}

	query, err := reader.GetString()
	if err != nil {
		return err
	}

	srv.logger.Debug("incoming simple query", slog.String("query", query))

	// NOTE: If a completely empty (no contents other than whitespace) query
	// string is received, the response is EmptyQueryResponse followed by
	// ReadyForQuery.
	if strings.TrimSpace(query) == "" {
		writer.Start(types.ServerEmptyQuery)
		if err = writer.End(); err != nil {
			return err
		}

		return readyForQuery(writer, types.ServerIdle)
	}

	statements, err := srv.parse(ctx, query)
	if err != nil {
		return ErrorCode(writer, err)
	}

	if len(statements) == 0 {
		return ErrorCode(writer, NewErrUndefinedStatement())
	}

	// NOTE: it is possible to send multiple statements in one simple query.
	for _, statement := range statements {
		err = statement.Columns.Define(ctx, writer, nil)
		if err != nil {
			return ErrorCode(writer, err)
		}

		dw := NewDataWriter(ctx, statement.Columns, nil, writer, srv.copyDataFn(reader, writer))

		err = statement.Fn(ctx, dw, nil)
		if err != nil {
			return ErrorCode(writer, err)
		}
	}

	return readyForQuery(writer, types.ServerIdle)
}

func (srv *Server) handleParse(ctx context.Context, reader *buffer.Reader, writer *buffer.Writer) error {
	if srv.parse == nil || srv.Statements == nil {
		return NewErrUnimplementedMessageType(types.ClientParse)
	}

	name, err := reader.GetString()
	if err != nil {
		return err
	}

	query, err := reader.GetString()
	if err != nil {
		return err
	}

	// NOTE: the number of parameter data types specified (can be zero). This
	// is not an indication of the number of parameters that might appear in
	// the query string, only the number the frontend wants to prespecify
	// types for.
	count, err := reader.GetUint16()
	if err != nil {
		return err
	}

	declared := make([]oid.Oid, count)
	for i := range declared {
		typeOid, err := reader.GetUint32()
		if err != nil {
			return err
		}

		declared[i] = oid.Oid(typeOid)
	}

	statement, err := singleStatement(srv.parse(ctx, query))
	if err != nil {
		return err
	}

	if len(statement.Parameters) == 0 && len(declared) > 0 {
		statement.Parameters = declared
	} else {
		for i, declaredOid := range declared {
			if declaredOid != 0 && i < len(statement.Parameters) {
				statement.Parameters[i] = declaredOid
			}
		}
	}

	srv.logger.Debug("incoming extended query", slog.String("query", query), slog.String("name", name), slog.Int("parameters", len(statement.Parameters)))

	err = srv.Statements.Set(ctx, name, statement)
	if err != nil {
		return err
	}

	writer.Start(types.ServerParseComplete)
	return writer.End()
}

func (srv *Server) handleDescribe(ctx context.Context, reader *buffer.Reader, writer *buffer.Writer) error {
	d, err := reader.GetBytes(1)
	if err != nil {
		return err
	}

	name, err := reader.GetString()
	if err != nil {
		return err
	}

	srv.logger.Debug("incoming describe request", slog.String("type", types.DescribeMessage(d[0]).String()), slog.String("name", name))

	switch types.DescribeMessage(d[0]) {
	case types.DescribeStatement:
		statement, err := srv.Statements.Get(ctx, name)
		if err != nil {
			return err
		}

		if statement == nil {
			return NewErrUnkownStatement(name)
		}

		err = srv.writeParameterDescription(writer, statement.Parameters)
		if err != nil {
			return err
		}

		// NOTE: the result format codes are not yet known at this point in
		// time, since Bind has not yet been issued.
		return srv.writeColumnDescription(ctx, writer, nil, statement.Columns)
	case types.DescribePortal:
		portal, err := srv.Portals.Get(ctx, name)
		if err != nil {
			return err
		}

		if portal == nil {
			return NewErrUnknownPortal(name)
		}

		return srv.writeColumnDescription(ctx, writer, portal.Formats, portal.Statement.Columns)
	}

	return fmt.Errorf("unknown describe command: %s", string(d[0]))
}

// writeParameterDescription writes the ParameterDescription message for the
// given declared parameter OIDs.
// https://www.postgresql.org/docs/current/protocol-message-formats.html
func (srv *Server) writeParameterDescription(writer *buffer.Writer, parameters []oid.Oid) error {
	writer.Start(types.ServerParameterDescription)
	writer.AddInt16(int16(len(parameters)))

	for _, parameter := range parameters {
		writer.AddInt32(int32(parameter))
	}

	return writer.End()
}

// writeColumnDescription writes the statement's column descriptions back to
// the client, or NoData if the statement returns no rows.
func (srv *Server) writeColumnDescription(ctx context.Context, writer *buffer.Writer, formats []FormatCode, columns Columns) error {
	if len(columns) == 0 {
		writer.Start(types.ServerNoData)
		return writer.End()
	}

	return columns.Define(ctx, writer, formats)
}

func (srv *Server) handleBind(ctx context.Context, reader *buffer.Reader, writer *buffer.Writer) error {
	name, err := reader.GetString()
	if err != nil {
		return err
	}

	statementName, err := reader.GetString()
	if err != nil {
		return err
	}

	stmt, err := srv.Statements.Get(ctx, statementName)
	if err != nil {
		return err
	}

	if stmt == nil {
		return NewErrUnkownStatement(statementName)
	}

	parameters, err := srv.readParameters(ctx, reader, stmt.Parameters)
	if err != nil {
		return err
	}

	formats, err := srv.readColumnFormats(reader)
	if err != nil {
		return err
	}

	err = srv.Portals.Bind(ctx, name, stmt, parameters, formats)
	if err != nil {
		return err
	}

	writer.Start(types.ServerBindComplete)
	return writer.End()
}

// readParameters reads the Bind message's parameter format codes and values,
// assigning each parameter the declared OID at its position, if known.
// https://www.postgresql.org/docs/current/protocol-message-formats.html
func (srv *Server) readParameters(ctx context.Context, reader *buffer.Reader, declared []oid.Oid) ([]Parameter, error) {
	// NOTE: the number of parameter format codes can be zero (all default to
	// text), one (broadcast to every parameter), or exactly the number of
	// parameters.
	length, err := reader.GetUint16()
	if err != nil {
		return nil, err
	}

	defaultFormat := TextFormat
	formats := make([]FormatCode, length)
	for i := range formats {
		format, err := reader.GetUint16()
		if err != nil {
			return nil, err
		}

		if length == 1 {
			defaultFormat = FormatCode(format)
		}

		formats[i] = FormatCode(format)
	}

	length, err = reader.GetUint16()
	if err != nil {
		return nil, err
	}

	parameters := make([]Parameter, length)
	for i := range parameters {
		valueLength, err := reader.GetUint32()
		if err != nil {
			return nil, err
		}

		raw, err := reader.GetBytes(int(int32(valueLength)))
		if err != nil {
			return nil, err
		}

		format := defaultFormat
		if len(formats) > i {
			format = formats[i]
		}

		parameters[i] = NewParameter(format, raw)
		if i < len(declared) {
			parameters[i] = parameters[i].withOID(declared[i])
		}
	}

	return parameters, nil
}

func (srv *Server) readColumnFormats(reader *buffer.Reader) ([]FormatCode, error) {
	length, err := reader.GetUint16()
	if err != nil {
		return nil, err
	}

	formats := make([]FormatCode, length)
	for i := range formats {
		format, err := reader.GetUint16()
		if err != nil {
			return nil, err
		}

		formats[i] = FormatCode(format)
	}

	return formats, nil
}

func (srv *Server) handleExecute(ctx context.Context, reader *buffer.Reader, writer *buffer.Writer) error {
	if srv.Portals == nil {
		return NewErrUnimplementedMessageType(types.ClientExecute)
	}

	name, err := reader.GetString()
	if err != nil {
		return err
	}

	// Maximum number of rows to return; zero denotes "no limit". Once the
	// writer has produced maxRows rows, the next Row call reports
	// ErrPortalSuspended and the client must issue another Execute against
	// the same portal to continue.
	maxRows, err := reader.GetUint32()
	if err != nil {
		return err
	}

	portal, err := srv.Portals.Get(ctx, name)
	if err != nil {
		return err
	}

	if portal == nil {
		return NewErrUnknownPortal(name)
	}

	srv.logger.Debug("executing", slog.String("name", name), slog.Uint64("max_rows", uint64(maxRows)))

	dw := newBoundedDataWriter(ctx, portal.Statement.Columns, portal.Formats, writer, srv.copyDataFn(reader, writer), maxRows)

	err = portal.Statement.Fn(ctx, dw, portal.Parameters)
	if errors.Is(err, ErrPortalSuspended) {
		return writePortalSuspended(writer)
	}

	return err
}

// writePortalSuspended announces that the portal's row producer had more
// rows available but hit the Execute max_rows bound before exhausting them.
// https://www.postgresql.org/docs/current/protocol-message-formats.html#PROTOCOL-MESSAGE-FORMATS-PORTALSUSPENDED
func writePortalSuspended(writer *buffer.Writer) error {
	writer.Start(types.ServerPortalSuspended)
	return writer.End()
}

func (srv *Server) handleClose(ctx context.Context, reader *buffer.Reader, writer *buffer.Writer) error {
	d, err := reader.GetBytes(1)
	if err != nil {
		return err
	}

	name, err := reader.GetString()
	if err != nil {
		return err
	}

	switch types.DescribeMessage(d[0]) {
	case types.DescribeStatement:
		err = srv.Statements.Close(ctx, name)
	case types.DescribePortal:
		err = srv.Portals.Close(ctx, name)
	default:
		err = fmt.Errorf("unknown close target: %s", string(d[0]))
	}

	if err != nil {
		return err
	}

	writer.Start(types.ServerCloseComplete)
	return writer.End()
}

func (srv *Server) handleConnTerminate(ctx context.Context) error {
	if srv.TerminateConn == nil {
		return nil
	}

	return srv.TerminateConn(ctx)
}

func singleStatement(stmts PreparedStatements, err error) (*PreparedStatement, error) {
	if err != nil {
		return nil, err
	}

	if len(stmts) > 1 {
		return nil, NewErrMultipleCommandsStatements()
	}

	if len(stmts) == 0 {
		return nil, NewErrUndefinedStatement()
	}

	return stmts[0], nil
}
