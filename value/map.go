package value

import (
	"fmt"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/lib/pq/oid"
)

// Codec knows how to move a single PostgreSQL type on and off the wire in
// both text and binary form.
type Codec struct {
	OID          oid.Oid
	EncodeText   func(FormatOptions, any) (string, error)
	DecodeText   func(FormatOptions, string) (any, error)
	EncodeBinary func(any) ([]byte, error)
	DecodeBinary func([]byte) (any, error)
}

// Map is the per-server registry of OID codecs. It is safe for concurrent
// read access once built; codecs are only registered during construction.
type Map struct {
	codecs  map[oid.Oid]Codec
	fallback *pgtype.Map
}

// NewMap constructs a Map pre-populated with the scalar and array codecs the
// core ships out of the box. A *pgtype.Map is kept alongside and exposed
// through Fallback; EncodeText, EncodeBinary, DecodeText and DecodeBinary do
// not consult it and return an error for any OID without a registered Codec.
func NewMap() *Map {
	m := &Map{
		codecs:   make(map[oid.Oid]Codec, 32),
		fallback: pgtype.NewMap(),
	}

	registerScalarCodecs(m)
	registerDatetimeCodecs(m)
	registerArrayCodecs(m)

	return m
}

// Register installs or overrides the codec used for a given OID.
func (m *Map) Register(c Codec) {
	m.codecs[c.OID] = c
}

// Lookup returns the codec registered for the given OID.
func (m *Map) Lookup(id oid.Oid) (Codec, bool) {
	c, ok := m.codecs[id]
	return c, ok
}

// Fallback exposes the underlying pgx type map for embedders that need to
// resolve an OID the core has no dedicated codec for.
func (m *Map) Fallback() *pgtype.Map {
	return m.fallback
}

// EncodeText renders src as PostgreSQL text format for the given OID.
func (m *Map) EncodeText(opts FormatOptions, id oid.Oid, src any) (string, error) {
	if src == nil {
		return "", nil
	}

	c, ok := m.Lookup(id)
	if !ok {
		return "", fmt.Errorf("value: unknown type OID %d", id)
	}

	return c.EncodeText(opts.Clamp(), src)
}

// EncodeBinary renders src as PostgreSQL binary format for the given OID.
func (m *Map) EncodeBinary(id oid.Oid, src any) ([]byte, error) {
	c, ok := m.Lookup(id)
	if !ok {
		return nil, fmt.Errorf("value: unknown type OID %d", id)
	}

	return c.EncodeBinary(src)
}

// DecodeText parses a text-format wire value for the given OID.
func (m *Map) DecodeText(opts FormatOptions, id oid.Oid, src string) (any, error) {
	c, ok := m.Lookup(id)
	if !ok {
		return nil, fmt.Errorf("value: unknown type OID %d", id)
	}

	return c.DecodeText(opts.Clamp(), src)
}

// DecodeBinary parses a binary-format wire value for the given OID.
func (m *Map) DecodeBinary(id oid.Oid, src []byte) (any, error) {
	c, ok := m.Lookup(id)
	if !ok {
		return nil, fmt.Errorf("value: unknown type OID %d", id)
	}

	return c.DecodeBinary(src)
}
