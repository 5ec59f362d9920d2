package recognizer

import (
	"strconv"
	"strings"
)

// Result is a snapshot of a stream's current segment.
type Result struct {
	Text string
	// Tokens and Timestamps always have the same length.
	Tokens []string
	// StartTime is the offset of the current segment in seconds.
	StartTime float32
	// Timestamps are per-token offsets in seconds relative to StartTime.
	Timestamps []float32
	Segment    int
	IsFinal    bool
}

// JSON renders the result in the wire format shared with other
// implementations of this recognizer:
//
//	{"text":"hi","tokens":["hi"],"start_time":0.0,"timestamps":"[0.00]","segment":0,"is_final":true}
//
// timestamps is a string holding a bracketed list with two decimals.
func (r Result) JSON() string {
	var b strings.Builder
	b.WriteString(`{"text":`)
	writeString(&b, r.Text)
	b.WriteString(`,"tokens":[`)
	for i, t := range r.Tokens {
		if i > 0 {
			b.WriteByte(',')
		}
		writeString(&b, t)
	}
	b.WriteString(`],"start_time":`)
	b.WriteString(formatNumber(r.StartTime))
	b.WriteString(`,"timestamps":`)
	writeString(&b, formatTimestamps(r.Timestamps))
	b.WriteString(`,"segment":`)
	b.WriteString(strconv.Itoa(r.Segment))
	b.WriteString(`,"is_final":`)
	b.WriteString(strconv.FormatBool(r.IsFinal))
	b.WriteByte('}')
	return b.String()
}

// MarshalJSON implements json.Marshaler with the same bytes as JSON.
func (r Result) MarshalJSON() ([]byte, error) {
	return []byte(r.JSON()), nil
}

func formatTimestamps(ts []float32) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, t := range ts {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(strconv.FormatFloat(float64(t), 'f', 2, 64))
	}
	b.WriteByte(']')
	return b.String()
}

// formatNumber prints f widened to float64 in shortest round-trip form,
// always with a fractional part.
func formatNumber(f float32) string {
	s := strconv.FormatFloat(float64(f), 'f', -1, 64)
	if !strings.ContainsAny(s, ".eEnN") {
		s += ".0"
	}
	return s
}

const hexDigits = "0123456789abcdef"

// writeString writes s as a JSON string. Only quotes, backslashes and
// control characters are escaped; everything else is emitted verbatim.
func writeString(b *strings.Builder, s string) {
	b.WriteByte('"')
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\b':
			b.WriteString(`\b`)
		case '\f':
			b.WriteString(`\f`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		default:
			if c < 0x20 {
				b.WriteString(`\u00`)
				b.WriteByte(hexDigits[c>>4])
				b.WriteByte(hexDigits[c&0xf])
			} else {
				b.WriteByte(c)
			}
		}
	}
	b.WriteByte('"')
}
