package value

import (
	"fmt"
	"strings"

	"github.com/lib/pq/oid"
)

// registerArrayCodecs wires the text-array codec for the handful of element
// types a protocol-only server realistically needs to round-trip: int4, text,
// float8 and varchar arrays. Binary array encode/decode is intentionally left to the
// embedder's own pgtype-based fallback (Map.Fallback) — the on-wire binary
// array header (ndim, has-null flag, element OID, per-dimension bounds) is
// exercised there instead of being reimplemented twice.
func registerArrayCodecs(m *Map) {
	m.Register(textArrayCodec(oid.T__int4, oid.T_int4, m))
	m.Register(textArrayCodec(oid.T__text, oid.T_text, m))
	m.Register(textArrayCodec(oid.T__float8, oid.T_float8, m))
	m.Register(textArrayCodec(oid.T__varchar, oid.T_varchar, m))
}

func textArrayCodec(arrayOID, elemOID oid.Oid, m *Map) Codec {
	return Codec{
		OID: arrayOID,
		EncodeText: func(opts FormatOptions, src any) (string, error) {
			elems, ok := src.([]any)
			if !ok {
				return "", fmt.Errorf("value: %T is not an array", src)
			}

			parts := make([]string, len(elems))
			for i, e := range elems {
				if e == nil {
					parts[i] = "NULL"
					continue
				}

				text, err := m.EncodeText(opts, elemOID, e)
				if err != nil {
					return "", err
				}

				parts[i] = quoteArrayElement(text)
			}

			return "{" + strings.Join(parts, ",") + "}", nil
		},
		DecodeText: func(opts FormatOptions, src string) (any, error) {
			fields, err := splitArrayLiteral(src)
			if err != nil {
				return nil, err
			}

			out := make([]any, len(fields))
			for i, f := range fields {
				if f == "NULL" {
					out[i] = nil
					continue
				}

				v, err := m.DecodeText(opts, elemOID, unquoteArrayElement(f))
				if err != nil {
					return nil, err
				}

				out[i] = v
			}

			return out, nil
		},
		EncodeBinary: func(src any) ([]byte, error) {
			return nil, fmt.Errorf("value: binary array encoding is not implemented for OID %d, use Map.Fallback", arrayOID)
		},
		DecodeBinary: func(src []byte) (any, error) {
			return nil, fmt.Errorf("value: binary array decoding is not implemented for OID %d, use Map.Fallback", arrayOID)
		},
	}
}

// needsArrayQuoting reports whether an array element's text form requires
// double-quoting per the PostgreSQL array literal grammar: it is empty, is
// the word NULL in any letter case, or contains a delimiter, quote,
// backslash, or whitespace.
func needsArrayQuoting(s string) bool {
	if s == "" || strings.EqualFold(s, "null") {
		return true
	}

	return strings.ContainsAny(s, ",{}\"\\ \t\n\r")
}

func quoteArrayElement(s string) string {
	if !needsArrayQuoting(s) {
		return s
	}

	var sb strings.Builder
	sb.WriteByte('"')
	for _, r := range s {
		if r == '"' || r == '\\' {
			sb.WriteByte('\\')
		}
		sb.WriteRune(r)
	}
	sb.WriteByte('"')
	return sb.String()
}

func unquoteArrayElement(s string) string {
	if len(s) < 2 || s[0] != '"' || s[len(s)-1] != '"' {
		return s
	}

	inner := s[1 : len(s)-1]
	var sb strings.Builder
	for i := 0; i < len(inner); i++ {
		if inner[i] == '\\' && i+1 < len(inner) {
			i++
		}
		sb.WriteByte(inner[i])
	}
	return sb.String()
}

// splitArrayLiteral splits a `{a,b,"c,d"}` array literal body into its
// top-level comma-separated fields without interpreting quoted content.
func splitArrayLiteral(s string) ([]string, error) {
	s = strings.TrimSpace(s)
	if len(s) < 2 || s[0] != '{' || s[len(s)-1] != '}' {
		return nil, fmt.Errorf("value: malformed array literal %q", s)
	}

	body := s[1 : len(s)-1]
	if body == "" {
		return nil, nil
	}

	var fields []string
	var cur strings.Builder
	inQuotes := false

	for i := 0; i < len(body); i++ {
		c := body[i]
		switch {
		case c == '\\' && i+1 < len(body):
			cur.WriteByte(c)
			i++
			cur.WriteByte(body[i])
		case c == '"':
			inQuotes = !inQuotes
			cur.WriteByte(c)
		case c == ',' && !inQuotes:
			fields = append(fields, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	fields = append(fields, cur.String())

	return fields, nil
}
