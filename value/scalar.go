package value

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/lib/pq/oid"
	"github.com/shopspring/decimal"
)

func registerScalarCodecs(m *Map) {
	m.Register(boolCodec())
	m.Register(int2Codec())
	m.Register(int4Codec())
	m.Register(int8Codec())
	m.Register(float4Codec())
	m.Register(float8Codec())
	m.Register(textCodec(oid.T_text))
	m.Register(textCodec(oid.T_varchar))
	m.Register(textCodec(oid.T_bpchar))
	m.Register(textCodec(oid.T_name))
	m.Register(byteaCodec())
	m.Register(numericCodec())
	m.Register(uuidCodec())
	m.Register(jsonCodec(oid.T_json))
	m.Register(jsonCodec(oid.T_jsonb))
}

func asBool(src any) (bool, error) {
	switch v := src.(type) {
	case bool:
		return v, nil
	default:
		return false, fmt.Errorf("value: %T is not a bool", src)
	}
}

func boolCodec() Codec {
	return Codec{
		OID: oid.T_bool,
		EncodeText: func(_ FormatOptions, src any) (string, error) {
			v, err := asBool(src)
			if err != nil {
				return "", err
			}
			if v {
				return "t", nil
			}
			return "f", nil
		},
		DecodeText: func(_ FormatOptions, src string) (any, error) {
			switch strings.ToLower(strings.TrimSpace(src)) {
			case "t", "true", "yes", "on", "1":
				return true, nil
			case "f", "false", "no", "off", "0":
				return false, nil
			default:
				return nil, fmt.Errorf("value: invalid boolean %q", src)
			}
		},
		EncodeBinary: func(src any) ([]byte, error) {
			v, err := asBool(src)
			if err != nil {
				return nil, err
			}
			if v {
				return []byte{1}, nil
			}
			return []byte{0}, nil
		},
		DecodeBinary: func(src []byte) (any, error) {
			if len(src) != 1 {
				return nil, fmt.Errorf("value: invalid bool binary length %d", len(src))
			}
			return src[0] != 0, nil
		},
	}
}

func asInt64(src any) (int64, error) {
	switch v := src.(type) {
	case int64:
		return v, nil
	case int32:
		return int64(v), nil
	case int16:
		return int64(v), nil
	case int:
		return int64(v), nil
	default:
		return 0, fmt.Errorf("value: %T is not an integer", src)
	}
}

func int2Codec() Codec {
	return Codec{
		OID: oid.T_int2,
		EncodeText: func(_ FormatOptions, src any) (string, error) {
			v, err := asInt64(src)
			if err != nil {
				return "", err
			}
			return strconv.FormatInt(v, 10), nil
		},
		DecodeText: func(_ FormatOptions, src string) (any, error) {
			v, err := strconv.ParseInt(strings.TrimSpace(src), 10, 16)
			return int16(v), err
		},
		EncodeBinary: func(src any) ([]byte, error) {
			v, err := asInt64(src)
			if err != nil {
				return nil, err
			}
			buf := make([]byte, 2)
			binary.BigEndian.PutUint16(buf, uint16(int16(v)))
			return buf, nil
		},
		DecodeBinary: func(src []byte) (any, error) {
			if len(src) != 2 {
				return nil, fmt.Errorf("value: invalid int2 binary length %d", len(src))
			}
			return int16(binary.BigEndian.Uint16(src)), nil
		},
	}
}

func int4Codec() Codec {
	return Codec{
		OID: oid.T_int4,
		EncodeText: func(_ FormatOptions, src any) (string, error) {
			v, err := asInt64(src)
			if err != nil {
				return "", err
			}
			return strconv.FormatInt(v, 10), nil
		},
		DecodeText: func(_ FormatOptions, src string) (any, error) {
			v, err := strconv.ParseInt(strings.TrimSpace(src), 10, 32)
			return int32(v), err
		},
		EncodeBinary: func(src any) ([]byte, error) {
			v, err := asInt64(src)
			if err != nil {
				return nil, err
			}
			buf := make([]byte, 4)
			binary.BigEndian.PutUint32(buf, uint32(int32(v)))
			return buf, nil
		},
		DecodeBinary: func(src []byte) (any, error) {
			if len(src) != 4 {
				return nil, fmt.Errorf("value: invalid int4 binary length %d", len(src))
			}
			return int32(binary.BigEndian.Uint32(src)), nil
		},
	}
}

func int8Codec() Codec {
	return Codec{
		OID: oid.T_int8,
		EncodeText: func(_ FormatOptions, src any) (string, error) {
			v, err := asInt64(src)
			if err != nil {
				return "", err
			}
			return strconv.FormatInt(v, 10), nil
		},
		DecodeText: func(_ FormatOptions, src string) (any, error) {
			return strconv.ParseInt(strings.TrimSpace(src), 10, 64)
		},
		EncodeBinary: func(src any) ([]byte, error) {
			v, err := asInt64(src)
			if err != nil {
				return nil, err
			}
			buf := make([]byte, 8)
			binary.BigEndian.PutUint64(buf, uint64(v))
			return buf, nil
		},
		DecodeBinary: func(src []byte) (any, error) {
			if len(src) != 8 {
				return nil, fmt.Errorf("value: invalid int8 binary length %d", len(src))
			}
			return int64(binary.BigEndian.Uint64(src)), nil
		},
	}
}

func asFloat64(src any) (float64, error) {
	switch v := src.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	default:
		return 0, fmt.Errorf("value: %T is not a float", src)
	}
}

// formatFloat (below) maps the clamped extra_float_digits setting onto the number
// of significant digits used by strconv's shortest round-tripping formatter.
// PostgreSQL uses -1 (shortest representation) once extra_float_digits >= 0.
func float4Codec() Codec {
	return Codec{
		OID: oid.T_float4,
		EncodeText: func(opts FormatOptions, src any) (string, error) {
			v, err := asFloat64(src)
			if err != nil {
				return "", err
			}
			return formatFloat(v, 32, opts.ExtraFloatDigits), nil
		},
		DecodeText: func(_ FormatOptions, src string) (any, error) {
			v, err := strconv.ParseFloat(strings.TrimSpace(src), 32)
			return float32(v), err
		},
		EncodeBinary: func(src any) ([]byte, error) {
			v, err := asFloat64(src)
			if err != nil {
				return nil, err
			}
			buf := make([]byte, 4)
			binary.BigEndian.PutUint32(buf, math.Float32bits(float32(v)))
			return buf, nil
		},
		DecodeBinary: func(src []byte) (any, error) {
			if len(src) != 4 {
				return nil, fmt.Errorf("value: invalid float4 binary length %d", len(src))
			}
			return math.Float32frombits(binary.BigEndian.Uint32(src)), nil
		},
	}
}

func float8Codec() Codec {
	return Codec{
		OID: oid.T_float8,
		EncodeText: func(opts FormatOptions, src any) (string, error) {
			v, err := asFloat64(src)
			if err != nil {
				return "", err
			}
			return formatFloat(v, 64, opts.ExtraFloatDigits), nil
		},
		DecodeText: func(_ FormatOptions, src string) (any, error) {
			return strconv.ParseFloat(strings.TrimSpace(src), 64)
		},
		EncodeBinary: func(src any) ([]byte, error) {
			v, err := asFloat64(src)
			if err != nil {
				return nil, err
			}
			buf := make([]byte, 8)
			binary.BigEndian.PutUint64(buf, math.Float64bits(v))
			return buf, nil
		},
		DecodeBinary: func(src []byte) (any, error) {
			if len(src) != 8 {
				return nil, fmt.Errorf("value: invalid float8 binary length %d", len(src))
			}
			return math.Float64frombits(binary.BigEndian.Uint64(src)), nil
		},
	}
}

func formatFloat(v float64, bitSize, extraDigits int) string {
	prec := -1
	if extraDigits < 0 {
		// negative extra_float_digits trims precision below the shortest
		// round-tripping representation; approximate with a fixed digit
		// count per PostgreSQL's documented legacy behavior.
		digits := 6
		if bitSize == 64 {
			digits = 15
		}
		prec = digits + extraDigits
		if prec < 1 {
			prec = 1
		}
		return strconv.FormatFloat(v, 'g', prec, bitSize)
	}

	return strconv.FormatFloat(v, 'g', prec, bitSize)
}

func asString(src any) (string, error) {
	switch v := src.(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	default:
		return "", fmt.Errorf("value: %T is not a string", src)
	}
}

func textCodec(id oid.Oid) Codec {
	return Codec{
		OID: id,
		EncodeText: func(_ FormatOptions, src any) (string, error) {
			return asString(src)
		},
		DecodeText: func(_ FormatOptions, src string) (any, error) {
			return src, nil
		},
		EncodeBinary: func(src any) ([]byte, error) {
			s, err := asString(src)
			if err != nil {
				return nil, err
			}
			return []byte(s), nil
		},
		DecodeBinary: func(src []byte) (any, error) {
			return string(src), nil
		},
	}
}

func asBytes(src any) ([]byte, error) {
	switch v := src.(type) {
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return nil, fmt.Errorf("value: %T is not bytea", src)
	}
}

func byteaCodec() Codec {
	return Codec{
		OID: oid.T_bytea,
		EncodeText: func(opts FormatOptions, src any) (string, error) {
			b, err := asBytes(src)
			if err != nil {
				return "", err
			}

			if opts.ByteaOutput == ByteaOutputEscape {
				return escapeBytea(b), nil
			}

			return "\\x" + hex.EncodeToString(b), nil
		},
		DecodeText: func(_ FormatOptions, src string) (any, error) {
			if strings.HasPrefix(src, "\\x") {
				return hex.DecodeString(src[2:])
			}
			return unescapeBytea(src), nil
		},
		EncodeBinary: func(src any) ([]byte, error) {
			return asBytes(src)
		},
		DecodeBinary: func(src []byte) (any, error) {
			return append([]byte(nil), src...), nil
		},
	}
}

// escapeBytea renders b using the legacy "escape" bytea_output format:
// printable ASCII passes through, a backslash is doubled, and every other
// byte becomes a backslash followed by three octal digits.
func escapeBytea(b []byte) string {
	var sb strings.Builder
	for _, c := range b {
		switch {
		case c == '\\':
			sb.WriteString(`\\`)
		case c >= 0x20 && c < 0x7f:
			sb.WriteByte(c)
		default:
			fmt.Fprintf(&sb, `\%03o`, c)
		}
	}
	return sb.String()
}

func unescapeBytea(s string) []byte {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' {
			out = append(out, s[i])
			continue
		}

		if i+1 < len(s) && s[i+1] == '\\' {
			out = append(out, '\\')
			i++
			continue
		}

		if i+3 < len(s) {
			if n, err := strconv.ParseUint(s[i+1:i+4], 8, 8); err == nil {
				out = append(out, byte(n))
				i += 3
				continue
			}
		}
	}
	return out
}

func numericCodec() Codec {
	return Codec{
		OID: oid.T_numeric,
		EncodeText: func(_ FormatOptions, src any) (string, error) {
			d, err := asDecimal(src)
			if err != nil {
				return "", err
			}
			return d.String(), nil
		},
		DecodeText: func(_ FormatOptions, src string) (any, error) {
			return decimal.NewFromString(strings.TrimSpace(src))
		},
		EncodeBinary: func(src any) ([]byte, error) {
			d, err := asDecimal(src)
			if err != nil {
				return nil, err
			}
			return encodeNumericBinary(d), nil
		},
		DecodeBinary: func(src []byte) (any, error) {
			return decodeNumericBinary(src)
		},
	}
}

func asDecimal(src any) (decimal.Decimal, error) {
	switch v := src.(type) {
	case decimal.Decimal:
		return v, nil
	case string:
		return decimal.NewFromString(v)
	case float64:
		return decimal.NewFromFloat(v), nil
	case int64:
		return decimal.NewFromInt(v), nil
	default:
		return decimal.Decimal{}, fmt.Errorf("value: %T is not numeric", src)
	}
}

// NUMERIC's binary form is a base-10000 digit array; see PostgreSQL's
// src/backend/utils/adt/numeric.c for the canonical layout this mirrors.
const (
	numericPos    = 0x0000
	numericNeg    = 0x4000
	numericNaN    = 0xc000
	numericDigits = 10000
)

func encodeNumericBinary(d decimal.Decimal) []byte {
	sign := uint16(numericPos)
	if d.Sign() < 0 {
		sign = numericNeg
	}
	scale := uint16(-d.Exponent())
	if d.Exponent() > 0 {
		scale = 0
	}

	text := d.Abs().String()
	intPart, fracPart, _ := strings.Cut(text, ".")

	for len(intPart)%4 != 0 {
		intPart = "0" + intPart
	}
	for len(fracPart)%4 != 0 {
		fracPart = fracPart + "0"
	}

	var digits []uint16
	for i := 0; i < len(intPart); i += 4 {
		v, _ := strconv.ParseUint(intPart[i:i+4], 10, 16)
		digits = append(digits, uint16(v))
	}
	weight := int16(len(digits) - 1)
	for i := 0; i < len(fracPart); i += 4 {
		v, _ := strconv.ParseUint(fracPart[i:i+4], 10, 16)
		digits = append(digits, uint16(v))
	}

	// Drop leading all-zero groups, letting weight go negative as
	// PostgreSQL does for values like 0.001 that have no integer digits.
	// weight must track each group dropped, or the decoder misplaces the
	// decimal point.
	for len(digits) > 1 && digits[0] == 0 {
		digits = digits[1:]
		weight--
	}
	if len(digits) == 1 && digits[0] == 0 {
		weight = 0
	}

	buf := make([]byte, 0, 8+len(digits)*2)
	header := make([]byte, 8)
	binary.BigEndian.PutUint16(header[0:2], uint16(len(digits)))
	binary.BigEndian.PutUint16(header[2:4], uint16(weight))
	binary.BigEndian.PutUint16(header[4:6], sign)
	binary.BigEndian.PutUint16(header[6:8], scale)
	buf = append(buf, header...)

	for _, dg := range digits {
		b := make([]byte, 2)
		binary.BigEndian.PutUint16(b, dg)
		buf = append(buf, b...)
	}

	return buf
}

func decodeNumericBinary(src []byte) (decimal.Decimal, error) {
	if len(src) < 8 {
		return decimal.Decimal{}, fmt.Errorf("value: invalid numeric binary length %d", len(src))
	}

	ndigits := binary.BigEndian.Uint16(src[0:2])
	weight := int16(binary.BigEndian.Uint16(src[2:4]))
	sign := binary.BigEndian.Uint16(src[4:6])
	scale := binary.BigEndian.Uint16(src[6:8])

	if sign == numericNaN {
		return decimal.Decimal{}, fmt.Errorf("value: NaN numeric is not representable")
	}

	var sb strings.Builder
	if sign == numericNeg {
		sb.WriteByte('-')
	}

	offset := 8
	var groups []uint16
	for i := uint16(0); i < ndigits; i++ {
		groups = append(groups, binary.BigEndian.Uint16(src[offset:offset+2]))
		offset += 2
	}

	intGroups := int(weight) + 1
	for i := 0; i < intGroups; i++ {
		if i < len(groups) {
			if i == 0 {
				fmt.Fprintf(&sb, "%d", groups[i])
			} else {
				fmt.Fprintf(&sb, "%04d", groups[i])
			}
		} else if i == 0 {
			sb.WriteByte('0')
		} else {
			sb.WriteString("0000")
		}
	}
	if intGroups <= 0 {
		sb.WriteByte('0')
	}

	if scale > 0 {
		sb.WriteByte('.')
		for i := 0; i < int(scale); i += 4 {
			idx := intGroups + i/4
			if idx >= 0 && idx < len(groups) {
				fmt.Fprintf(&sb, "%04d", groups[idx])
			} else {
				sb.WriteString("0000")
			}
		}
	}

	return decimal.NewFromString(sb.String())
}

func uuidCodec() Codec {
	return Codec{
		OID: oid.Oid(2950), // uuid; not present in lib/pq/oid's generated table
		EncodeText: func(_ FormatOptions, src any) (string, error) {
			u, err := asUUID(src)
			if err != nil {
				return "", err
			}
			return u.String(), nil
		},
		DecodeText: func(_ FormatOptions, src string) (any, error) {
			return uuid.Parse(strings.TrimSpace(src))
		},
		EncodeBinary: func(src any) ([]byte, error) {
			u, err := asUUID(src)
			if err != nil {
				return nil, err
			}
			b := u
			return b[:], nil
		},
		DecodeBinary: func(src []byte) (any, error) {
			return uuid.FromBytes(src)
		},
	}
}

func asUUID(src any) (uuid.UUID, error) {
	switch v := src.(type) {
	case uuid.UUID:
		return v, nil
	case string:
		return uuid.Parse(v)
	case [16]byte:
		return uuid.UUID(v), nil
	default:
		return uuid.UUID{}, fmt.Errorf("value: %T is not a uuid", src)
	}
}

func jsonCodec(id oid.Oid) Codec {
	return Codec{
		OID: id,
		EncodeText: func(_ FormatOptions, src any) (string, error) {
			return asString(src)
		},
		DecodeText: func(_ FormatOptions, src string) (any, error) {
			return src, nil
		},
		EncodeBinary: func(src any) ([]byte, error) {
			s, err := asString(src)
			if err != nil {
				return nil, err
			}
			return []byte(s), nil
		},
		DecodeBinary: func(src []byte) (any, error) {
			return string(src), nil
		},
	}
}
