package rowparse

import (
	"encoding/binary"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/distr1/tsjoin"
)

// Parser converts VALUES-tuple tokens into fixed-width column bytes.
// Precision fixes whether literal/relative TIMESTAMP tokens resolve to
// milliseconds or microseconds; Now is the clock relative offsets and
// NOW resolve against, injectable so tests can pin it.
type Parser struct {
	Precision tsjoin.TimePrecision
	Now       func() time.Time
}

// New returns a Parser using the real wall clock.
func New(precision tsjoin.TimePrecision) *Parser {
	return &Parser{Precision: precision, Now: time.Now}
}

// ParseColumn writes token's fixed-width binary representation into
// out (len(out) must equal col.Width()), honoring col.Type's rules
// (spec §4.3). isPrimaryKey only affects TIMESTAMP columns: a NULL
// token there writes 0 ("let the server assign the time") instead of
// the bigint-null sentinel.
func (p *Parser) ParseColumn(col Column, token string, out []byte, isPrimaryKey bool) error {
	le := binary.LittleEndian
	trimmed := strings.TrimSpace(token)
	isNull := strings.EqualFold(trimmed, "null")

	switch col.Type {
	case Bool:
		return p.parseBool(trimmed, isNull, out)
	case TinyInt:
		return parseInt(trimmed, isNull, out, 8, nullInt8, math.MinInt8+1, math.MaxInt8)
	case SmallInt:
		return parseInt(trimmed, isNull, out, 16, nullInt16, math.MinInt16+1, math.MaxInt16)
	case Int:
		return parseInt(trimmed, isNull, out, 32, nullInt32, math.MinInt32+1, math.MaxInt32)
	case BigInt:
		return parseInt(trimmed, isNull, out, 64, nullInt64, math.MinInt64+1, math.MaxInt64)
	case Float:
		return parseFloat(trimmed, isNull, out, 32)
	case Double:
		return parseFloat(trimmed, isNull, out, 64)
	case Binary:
		return parseBinary(token, isNull, out)
	case NChar:
		return parseNChar(token, isNull, out)
	case Timestamp:
		v, err := p.parseTimestamp(trimmed, isNull, isPrimaryKey)
		if err != nil {
			return err
		}
		le.PutUint64(out, uint64(v))
		return nil
	default:
		return &ParseError{Token: token, Reason: "unknown column type"}
	}
}

func (p *Parser) parseBool(token string, isNull bool, out []byte) error {
	if isNull {
		out[0] = nullBool
		return nil
	}
	switch strings.ToLower(token) {
	case "true":
		out[0] = 1
		return nil
	case "false":
		out[0] = 0
		return nil
	}
	if iv, err := strconv.ParseInt(token, 0, 64); err == nil {
		if iv != 0 {
			out[0] = 1
		} else {
			out[0] = 0
		}
		return nil
	}
	if fv, err := strconv.ParseFloat(token, 64); err == nil {
		if fv != 0 {
			out[0] = 1
		} else {
			out[0] = 0
		}
		return nil
	}
	return &ParseError{Token: token, Reason: "not a valid BOOL literal"}
}

// parseInt handles TINYINT/SMALLINT/INT/BIGINT: signed decimal, hex
// 0x, octal 0, and binary 0b literals (strconv.ParseInt base 0 covers
// all four), with the type's usable range excluding its reserved null
// sentinel. Overflow is always fatal (spec §4.3).
func parseInt(token string, isNull bool, out []byte, bits int, null, min, max int64) error {
	le := binary.LittleEndian
	var v int64
	if isNull {
		v = null
	} else {
		iv, err := strconv.ParseInt(token, 0, 64)
		if err != nil {
			return &ParseError{Token: token, Reason: "not a valid integer literal"}
		}
		if iv < min || iv > max {
			return &ParseError{Token: token, Reason: "integer overflow"}
		}
		v = iv
	}
	switch bits {
	case 8:
		out[0] = byte(v)
	case 16:
		le.PutUint16(out, uint16(v))
	case 32:
		le.PutUint32(out, uint32(v))
	case 64:
		le.PutUint64(out, uint64(v))
	}
	return nil
}

// parseFloat handles FLOAT/DOUBLE. The literal tokens inf/-inf/nan
// (case-insensitive) resolve to null rather than an error (spec
// §4.3); any other parse failure, including strconv's range-overflow
// error, is fatal.
func parseFloat(token string, isNull bool, out []byte, bits int) error {
	le := binary.LittleEndian
	lower := strings.ToLower(token)
	if isNull || lower == "inf" || lower == "+inf" || lower == "-inf" || lower == "nan" {
		if bits == 32 {
			le.PutUint32(out, math.Float32bits(float32(math.NaN())))
		} else {
			le.PutUint64(out, math.Float64bits(math.NaN()))
		}
		return nil
	}
	fv, err := strconv.ParseFloat(token, bits)
	if err != nil {
		return &ParseError{Token: token, Reason: "not a valid floating-point literal"}
	}
	if bits == 32 {
		le.PutUint32(out, math.Float32bits(float32(fv)))
	} else {
		le.PutUint64(out, math.Float64bits(fv))
	}
	return nil
}

// unquoteEscape strips one layer of matching ' or " quotes and
// un-escapes \\, \', \" (spec §4.3: "String quotes are stripped;
// escape sequences ... are un-escaped").
func unquoteEscape(token string) (string, error) {
	if len(token) < 2 {
		return "", &ParseError{Token: token, Reason: "missing quotes"}
	}
	q := token[0]
	if (q != '\'' && q != '"') || token[len(token)-1] != q {
		return "", &ParseError{Token: token, Reason: "missing quotes"}
	}
	body := token[1 : len(token)-1]

	var sb strings.Builder
	sb.Grow(len(body))
	for i := 0; i < len(body); i++ {
		if body[i] == '\\' && i+1 < len(body) {
			switch body[i+1] {
			case '\\', '\'', '"':
				sb.WriteByte(body[i+1])
				i++
				continue
			}
		}
		sb.WriteByte(body[i])
	}
	return sb.String(), nil
}

func parseBinary(token string, isNull bool, out []byte) error {
	if isNull {
		out[0] = nullBinary0
		for i := 1; i < len(out); i++ {
			out[i] = 0
		}
		return nil
	}
	s, err := unquoteEscape(token)
	if err != nil {
		return err
	}
	if len(s) > len(out) {
		return &ParseError{Token: token, Reason: "string longer than declared BINARY width"}
	}
	n := copy(out, s)
	for i := n; i < len(out); i++ {
		out[i] = 0
	}
	return nil
}

func parseNChar(token string, isNull bool, out []byte) error {
	le := binary.LittleEndian
	if isNull {
		le.PutUint32(out, nullNChar)
		for i := 4; i < len(out); i++ {
			out[i] = 0
		}
		return nil
	}
	s, err := unquoteEscape(token)
	if err != nil {
		return err
	}
	runes := []rune(s)
	if len(runes)*4 > len(out) {
		return &ParseError{Token: token, Reason: "string longer than declared NCHAR width"}
	}
	for i, r := range runes {
		le.PutUint32(out[i*4:], uint32(r))
	}
	for i := len(runes) * 4; i < len(out); i++ {
		out[i] = 0
	}
	return nil
}

const dateLayout = "2006-01-02 15:04:05"
const dateLayoutFrac = "2006-01-02 15:04:05.000"

// parseTimestamp implements the TIMESTAMP grammar of spec §4.3: NOW,
// a literal integer (already in the column's precision), a date-time
// string, or a relative "now{+|-}<N><unit>" offset. A NULL token on
// the primary-key timestamp column writes 0 ("let the server assign
// the time"), never the bigint-null sentinel (spec §4.3, §4.4;
// original_source/src/client/src/tscParseInsert.c:337-340).
func (p *Parser) parseTimestamp(token string, isNull, isPrimaryKey bool) (int64, error) {
	if isNull {
		if isPrimaryKey {
			return 0, nil
		}
		return nullTimestamp, nil
	}
	if strings.EqualFold(token, "now") {
		return p.unitsSince(p.Now()), nil
	}
	if base, dur, ok := splitRelative(token); ok {
		if !strings.EqualFold(base, "now") {
			return 0, &ParseError{Token: token, Reason: "relative offsets are only supported against NOW"}
		}
		return p.unitsSince(p.Now().Add(dur)), nil
	}
	if iv, err := strconv.ParseInt(token, 10, 64); err == nil {
		return iv, nil
	}
	for _, layout := range []string{dateLayoutFrac, dateLayout} {
		if t, err := time.Parse(layout, token); err == nil {
			return p.unitsSince(t), nil
		}
	}
	return 0, &ParseError{Token: token, Reason: "not a valid TIMESTAMP literal"}
}

func (p *Parser) unitsSince(t time.Time) int64 {
	if p.Precision == tsjoin.PrecisionMicrosecond {
		return t.UnixMicro()
	}
	return t.UnixMilli()
}

// splitRelative recognizes a trailing {+|-}<digits><unit> suffix,
// unit ∈ {a,s,m,h,d,w} (spec §4.3: a=millisecond, s=second, m=minute,
// h=hour, d=day, w=week), returning the base token and the signed
// duration to apply to it.
func splitRelative(token string) (base string, delta time.Duration, ok bool) {
	if len(token) < 3 {
		return "", 0, false
	}
	unit := token[len(token)-1]
	var unitDur time.Duration
	switch unit {
	case 'a':
		unitDur = time.Millisecond
	case 's':
		unitDur = time.Second
	case 'm':
		unitDur = time.Minute
	case 'h':
		unitDur = time.Hour
	case 'd':
		unitDur = 24 * time.Hour
	case 'w':
		unitDur = 7 * 24 * time.Hour
	default:
		return "", 0, false
	}

	rest := token[:len(token)-1]
	signIdx := strings.LastIndexAny(rest, "+-")
	if signIdx <= 0 {
		return "", 0, false
	}
	n, err := strconv.ParseInt(rest[signIdx:], 10, 64)
	if err != nil {
		return "", 0, false
	}

	return rest[:signIdx], time.Duration(n) * unitDur, true
}
