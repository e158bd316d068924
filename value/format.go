// Package value provides text and binary encoders/decoders for the subset of
// PostgreSQL OIDs the wire protocol core needs to move values on and off the
// wire, honoring the session-level formatting knobs a client can observe
// through SET/SHOW.
package value

// DateStyle selects both the output ordering and the display dialect used
// when formatting dates and timestamps in text form.
type DateStyle struct {
	Output DateStyleOutput
	Order  DateStyleOrder
}

// DateStyleOutput is the display dialect component of DateStyle.
type DateStyleOutput string

const (
	DateStyleISO      DateStyleOutput = "ISO"
	DateStyleSQL      DateStyleOutput = "SQL"
	DateStyleGerman   DateStyleOutput = "German"
	DateStylePostgres DateStyleOutput = "Postgres"
)

// DateStyleOrder is the field-ordering component of DateStyle.
type DateStyleOrder string

const (
	DateStyleDMY DateStyleOrder = "DMY"
	DateStyleMDY DateStyleOrder = "MDY"
	DateStyleYMD DateStyleOrder = "YMD"
)

// IntervalStyle selects the text rendering of INTERVAL values.
type IntervalStyle string

const (
	IntervalStylePostgres        IntervalStyle = "postgres"
	IntervalStylePostgresVerbose IntervalStyle = "postgres_verbose"
	IntervalStyleISO8601         IntervalStyle = "iso_8601"
	IntervalStyleSQLStandard     IntervalStyle = "sql_standard"
)

// ByteaOutput selects the text encoding used for BYTEA values.
type ByteaOutput string

const (
	ByteaOutputHex    ByteaOutput = "hex"
	ByteaOutputEscape ByteaOutput = "escape"
)

// FormatOptions groups every session-level setting that affects how a value
// is rendered in text form. It is threaded explicitly into every text
// encoder/decoder call rather than read from ambient/global state.
type FormatOptions struct {
	DateStyle         DateStyle
	IntervalStyle     IntervalStyle
	ByteaOutput       ByteaOutput
	TimeZone          string
	ExtraFloatDigits  int
}

// DefaultFormatOptions returns the process-level defaults enumerated for a
// freshly started connection: ISO/YMD dates, postgres-style intervals,
// hex bytea, UTC, and one extra float digit of precision.
func DefaultFormatOptions() FormatOptions {
	return FormatOptions{
		DateStyle:        DateStyle{Output: DateStyleISO, Order: DateStyleYMD},
		IntervalStyle:    IntervalStylePostgres,
		ByteaOutput:      ByteaOutputHex,
		TimeZone:         "Etc/UTC",
		ExtraFloatDigits: 1,
	}
}

// Clamp returns opts with ExtraFloatDigits clamped to the PostgreSQL-defined
// range of [-15, 3].
func (opts FormatOptions) Clamp() FormatOptions {
	if opts.ExtraFloatDigits < -15 {
		opts.ExtraFloatDigits = -15
	}
	if opts.ExtraFloatDigits > 3 {
		opts.ExtraFloatDigits = 3
	}
	return opts
}
