package wire

import (
	"context"
	"net"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/pgwired/wire/pkg/types"
	"github.com/pgwired/wire/value"
)

type ctxKey int

const (
	ctxTypeInfo ctxKey = iota
	ctxClientMetadata
	ctxServerMetadata
	ctxRemoteAddr
	ctxBackendKeyData
	ctxAuthenticatedUsername
	ctxIsSuperuser
	ctxValueMap
	ctxFormatOptions
	ctxTransactionStatus
)

// setTypeInfo constructs a new context carrying the shared OID type map used
// to encode and decode values for the connection.
func setTypeInfo(ctx context.Context, info *pgtype.Map) context.Context {
	return context.WithValue(ctx, ctxTypeInfo, info)
}

// TypeInfo returns the OID type map if it has been set inside the given
// context.
func TypeInfo(ctx context.Context) *pgtype.Map {
	val := ctx.Value(ctxTypeInfo)
	if val == nil {
		return nil
	}

	return val.(*pgtype.Map)
}

// Parameters represents a parameters collection of parameter status keys and
// their values
type Parameters map[ParameterStatus]string

// ParameterStatus represents a metadata key that could be defined inside a server/client
// metadata definition
type ParameterStatus string

// At present there is a hard-wired set of parameters for which ParameterStatus
// will be generated.
// https://www.postgresql.org/docs/13/protocol-flow.html#PROTOCOL-ASYNC
const (
	ParamServerEncoding       ParameterStatus = "server_encoding"
	ParamClientEncoding       ParameterStatus = "client_encoding"
	ParamIsSuperuser          ParameterStatus = "is_superuser"
	ParamSessionAuthorization ParameterStatus = "session_authorization"
	ParamApplicationName      ParameterStatus = "application_name"
	ParamDatabase             ParameterStatus = "database"
	ParamUsername             ParameterStatus = "user"
	ParamServerVersion        ParameterStatus = "server_version"
)

// setClientParameters constructs a new context containing the given parameters.
// Any previously defined metadata will be overriden.
func setClientParameters(ctx context.Context, params Parameters) context.Context {
	if params == nil {
		return ctx
	}

	return context.WithValue(ctx, ctxClientMetadata, params)
}

// ClientParameters returns the connection parameters if it has been set inside
// the given context.
func ClientParameters(ctx context.Context) Parameters {
	val := ctx.Value(ctxClientMetadata)
	if val == nil {
		return nil
	}

	return val.(Parameters)
}

// setServerParameters constructs a new context containing the given parameters map.
// Any previously defined metadata will be overriden.
func setServerParameters(ctx context.Context, params Parameters) context.Context {
	if params == nil {
		return ctx
	}

	return context.WithValue(ctx, ctxServerMetadata, params)
}

// ServerParameters returns the connection parameters if it has been set inside
// the given context.
func ServerParameters(ctx context.Context) Parameters {
	val := ctx.Value(ctxServerMetadata)
	if val == nil {
		return nil
	}

	return val.(Parameters)
}

// setRemoteAddress records the client's network address inside the context.
func setRemoteAddress(ctx context.Context, addr net.Addr) context.Context {
	return context.WithValue(ctx, ctxRemoteAddr, addr)
}

// RemoteAddress returns the client's network address, if known.
func RemoteAddress(ctx context.Context) net.Addr {
	val := ctx.Value(ctxRemoteAddr)
	if val == nil {
		return nil
	}

	return val.(net.Addr)
}

// BackendKeyData identifies a single backend connection for cancellation
// purposes.
type BackendKeyData struct {
	ProcessID int32
	SecretKey int32
}

func setBackendKeyData(ctx context.Context, key BackendKeyData) context.Context {
	return context.WithValue(ctx, ctxBackendKeyData, key)
}

// BackendKey returns the process id/secret key pair assigned to the
// connection during the startup handshake.
func BackendKey(ctx context.Context) BackendKeyData {
	val := ctx.Value(ctxBackendKeyData)
	if val == nil {
		return BackendKeyData{}
	}

	return val.(BackendKeyData)
}

func setAuthenticatedUsername(ctx context.Context, username string) context.Context {
	return context.WithValue(ctx, ctxAuthenticatedUsername, username)
}

// AuthenticatedUsername returns the username that was validated during the
// authentication handshake, if any.
func AuthenticatedUsername(ctx context.Context) string {
	val := ctx.Value(ctxAuthenticatedUsername)
	if val == nil {
		return ""
	}

	return val.(string)
}

func setIsSuperuser(ctx context.Context, superuser bool) context.Context {
	return context.WithValue(ctx, ctxIsSuperuser, superuser)
}

// IsSuperUser returns whether the authenticated user was marked a superuser.
func IsSuperUser(ctx context.Context) bool {
	val := ctx.Value(ctxIsSuperuser)
	if val == nil {
		return false
	}

	return val.(bool)
}

func setValueMap(ctx context.Context, vm *value.Map) context.Context {
	return context.WithValue(ctx, ctxValueMap, vm)
}

// ValueMap returns the OID codec registry attached to the connection,
// used by Column.Write to encode query results.
func ValueMap(ctx context.Context) *value.Map {
	val := ctx.Value(ctxValueMap)
	if val == nil {
		return nil
	}

	return val.(*value.Map)
}

func setFormatOptions(ctx context.Context, opts value.FormatOptions) context.Context {
	return context.WithValue(ctx, ctxFormatOptions, opts)
}

// FormatOptionsFromContext returns the session's text-formatting options,
// falling back to the process defaults if none were set.
func FormatOptionsFromContext(ctx context.Context) value.FormatOptions {
	val := ctx.Value(ctxFormatOptions)
	if val == nil {
		return value.DefaultFormatOptions()
	}

	return val.(value.FormatOptions)
}

// setTransactionStatus records the connection's current transaction status,
// reported back to the client through every subsequent ReadyForQuery until
// it changes again.
func setTransactionStatus(ctx context.Context, status types.ServerStatus) context.Context {
	return context.WithValue(ctx, ctxTransactionStatus, status)
}

// TransactionStatus returns the connection's current transaction status,
// defaulting to ServerIdle if none has been recorded yet.
func TransactionStatus(ctx context.Context) types.ServerStatus {
	val := ctx.Value(ctxTransactionStatus)
	if val == nil {
		return types.ServerIdle
	}

	return val.(types.ServerStatus)
}
