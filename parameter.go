package wire

import (
	"github.com/lib/pq/oid"
	"github.com/pgwired/wire/value"
)

// NewParameter constructs a bound extended-query parameter value as read off
// the wire during Bind. The OID is filled in afterwards by the caller, once
// the target statement's declared parameter types are known.
func NewParameter(format FormatCode, value []byte) Parameter {
	return Parameter{format: format, value: value}
}

// Parameter is a single bound value passed to Bind for the extended query
// protocol. A nil Value indicates SQL NULL.
type Parameter struct {
	format FormatCode
	oid    oid.Oid
	value  []byte
}

func (p Parameter) Format() FormatCode {
	return p.format
}

func (p Parameter) Value() []byte {
	return p.value
}

// OID returns the declared PostgreSQL type of this parameter, or zero if the
// statement did not declare a type for this position.
func (p Parameter) OID() oid.Oid {
	return p.oid
}

// withOID returns a copy of p with its declared type set. Used by Bind to
// attach the statement's declared parameter types once they are known.
func (p Parameter) withOID(o oid.Oid) Parameter {
	p.oid = o
	return p
}

// Decode parses this parameter's raw wire bytes into a Go value using the
// given OID codec map, honoring the parameter's negotiated format (text or
// binary) and the session's FormatOptions for text decoding.
func (p Parameter) Decode(vm *value.Map, opts value.FormatOptions) (any, error) {
	if p.value == nil {
		return nil, nil
	}

	if p.format == BinaryFormat {
		return vm.DecodeBinary(p.oid, p.value)
	}

	return vm.DecodeText(opts, p.oid, string(p.value))
}
