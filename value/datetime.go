package value

import (
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq/oid"
)

func registerDatetimeCodecs(m *Map) {
	m.Register(dateCodec())
	m.Register(timestampCodec(oid.T_timestamp, false))
	m.Register(timestampCodec(oid.T_timestamptz, true))
}

// pgEpoch is the PostgreSQL epoch (2000-01-01) used as the zero point for
// both date and timestamp binary representations.
var pgEpoch = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

func dateCodec() Codec {
	return Codec{
		OID: oid.T_date,
		EncodeText: func(opts FormatOptions, src any) (string, error) {
			t, err := asTime(src)
			if err != nil {
				return "", err
			}
			return formatDate(t, opts), nil
		},
		DecodeText: func(_ FormatOptions, src string) (any, error) {
			return parseDate(strings.TrimSpace(src))
		},
		EncodeBinary: func(src any) ([]byte, error) {
			t, err := asTime(src)
			if err != nil {
				return nil, err
			}
			days := int32(t.UTC().Sub(pgEpoch).Hours() / 24)
			buf := make([]byte, 4)
			binary.BigEndian.PutUint32(buf, uint32(days))
			return buf, nil
		},
		DecodeBinary: func(src []byte) (any, error) {
			if len(src) != 4 {
				return nil, fmt.Errorf("value: invalid date binary length %d", len(src))
			}
			days := int32(binary.BigEndian.Uint32(src))
			return pgEpoch.AddDate(0, 0, int(days)), nil
		},
	}
}

func timestampCodec(id oid.Oid, tz bool) Codec {
	return Codec{
		OID: id,
		EncodeText: func(opts FormatOptions, src any) (string, error) {
			t, err := asTime(src)
			if err != nil {
				return "", err
			}
			if tz {
				loc, lerr := time.LoadLocation(opts.TimeZone)
				if lerr == nil {
					t = t.In(loc)
				}
			}
			return formatTimestamp(t, opts, tz), nil
		},
		DecodeText: func(opts FormatOptions, src string) (any, error) {
			return parseTimestamp(strings.TrimSpace(src), opts, tz)
		},
		EncodeBinary: func(src any) ([]byte, error) {
			t, err := asTime(src)
			if err != nil {
				return nil, err
			}
			micros := t.UTC().Sub(pgEpoch).Microseconds()
			buf := make([]byte, 8)
			binary.BigEndian.PutUint64(buf, uint64(micros))
			return buf, nil
		},
		DecodeBinary: func(src []byte) (any, error) {
			if len(src) != 8 {
				return nil, fmt.Errorf("value: invalid timestamp binary length %d", len(src))
			}
			micros := int64(binary.BigEndian.Uint64(src))
			return pgEpoch.Add(time.Duration(micros) * time.Microsecond), nil
		},
	}
}

func asTime(src any) (time.Time, error) {
	switch v := src.(type) {
	case time.Time:
		return v, nil
	default:
		return time.Time{}, fmt.Errorf("value: %T is not a time.Time", src)
	}
}

func formatDate(t time.Time, opts FormatOptions) string {
	switch opts.DateStyle.Output {
	case DateStyleSQL, DateStyleGerman, DateStylePostgres:
		return formatDateOrdered(t, opts.DateStyle.Order, opts.DateStyle.Output)
	default:
		return t.Format("2006-01-02")
	}
}

func formatDateOrdered(t time.Time, order DateStyleOrder, style DateStyleOutput) string {
	d, m, y := t.Day(), int(t.Month()), t.Year()
	sep := "/"
	if style == DateStyleGerman {
		sep = "."
	}

	switch order {
	case DateStyleDMY:
		return fmt.Sprintf("%02d%s%02d%s%04d", d, sep, m, sep, y)
	case DateStyleMDY:
		return fmt.Sprintf("%02d%s%02d%s%04d", m, sep, d, sep, y)
	default:
		return fmt.Sprintf("%04d%s%02d%s%02d", y, sep, m, sep, d)
	}
}

func parseDate(s string) (time.Time, error) {
	layouts := []string{"2006-01-02", "01/02/2006", "02/01/2006", "02.01.2006"}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("value: invalid date %q", s)
}

func formatTimestamp(t time.Time, opts FormatOptions, tz bool) string {
	layout := "2006-01-02 15:04:05"
	if t.Nanosecond() != 0 {
		layout += ".999999"
	}
	out := t.Format(layout)
	if tz {
		out += t.Format("-07")
	}
	return out
}

func parseTimestamp(s string, opts FormatOptions, tz bool) (time.Time, error) {
	layouts := []string{
		"2006-01-02 15:04:05.999999-07",
		"2006-01-02 15:04:05.999999",
		"2006-01-02 15:04:05-07",
		"2006-01-02 15:04:05",
		time.RFC3339,
	}

	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}

	return time.Time{}, fmt.Errorf("value: invalid timestamp %q", s)
}
