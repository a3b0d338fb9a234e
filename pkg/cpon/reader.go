package cpon

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/silicon-heaven/shvgo/pkg/chainpack"
)

// Reader parses CPON text into Items.
//
// Reader buffers its entire input up front: CPON is the human-facing
// control/config format (login greetings, broker config, interactive
// shvc input), never the bulk binary path, so there is no benefit to the
// incremental byte-at-a-time reading chainpack.Reader uses for wire data.
type Reader struct {
	buf   []byte
	pos   int
	stack []containerKind
}

// NewReader returns a Reader that parses the entirety of r as CPON.
func NewReader(r io.Reader) (*Reader, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return &Reader{buf: b}, nil
}

// NewReaderString returns a Reader over an in-memory CPON document.
func NewReaderString(s string) *Reader {
	return &Reader{buf: []byte(s)}
}

func (r *Reader) peek() (byte, bool) {
	if r.pos >= len(r.buf) {
		return 0, false
	}
	return r.buf[r.pos], true
}

func (r *Reader) skipInsignificant() {
	for {
		b, ok := r.peek()
		if !ok {
			return
		}
		switch {
		case b == ' ' || b == '\t' || b == '\r' || b == '\n':
			r.pos++
		case b == ':' || b == ',':
			r.pos++
		case b == '/' && r.pos+1 < len(r.buf) && r.buf[r.pos+1] == '/':
			for r.pos < len(r.buf) && r.buf[r.pos] != '\n' {
				r.pos++
			}
		case b == '/' && r.pos+1 < len(r.buf) && r.buf[r.pos+1] == '*':
			r.pos += 2
			for r.pos+1 < len(r.buf) && !(r.buf[r.pos] == '*' && r.buf[r.pos+1] == '/') {
				r.pos++
			}
			r.pos += 2
		default:
			return
		}
	}
}

// Unpack reads the next Item. As with chainpack.Reader, TypeList/TypeMap/
// TypeIMap/TypeMeta items carry only the opening marker; children and a
// matching TypeContainerEnd follow as subsequent items.
func (r *Reader) Unpack(item *chainpack.Item) error {
	r.skipInsignificant()
	b, ok := r.peek()
	if !ok {
		item.Invalidate(chainpack.ErrEOF)
		return chainpack.ErrEOF
	}

	if n := len(r.stack); n > 0 {
		top := r.stack[n-1]
		if (top == containerList && b == ']') ||
			((top == containerMap || top == containerIMap) && b == '}') ||
			(top == containerMeta && b == '>') {
			r.pos++
			r.stack = r.stack[:n-1]
			item.Type = chainpack.TypeContainerEnd
			return nil
		}
	}

	switch {
	case b == '.' && r.pos+2 < len(r.buf) && r.buf[r.pos+1] == '.' && r.buf[r.pos+2] == '.':
		r.pos += 3
		item.Invalidate(chainpack.ErrMalformed)
		return fmt.Errorf("cpon: truncated container marker")
	case matchLiteral(r, "null"):
		item.Type = chainpack.TypeNull
		return nil
	case matchLiteral(r, "true"):
		item.Type = chainpack.TypeBool
		item.Bool = true
		return nil
	case matchLiteral(r, "false"):
		item.Type = chainpack.TypeBool
		item.Bool = false
		return nil
	case b == '[':
		r.pos++
		r.stack = append(r.stack, containerList)
		item.Type = chainpack.TypeList
		return nil
	case b == 'i' && r.pos+1 < len(r.buf) && r.buf[r.pos+1] == '{':
		r.pos += 2
		r.stack = append(r.stack, containerIMap)
		item.Type = chainpack.TypeIMap
		return nil
	case b == '{':
		r.pos++
		r.stack = append(r.stack, containerMap)
		item.Type = chainpack.TypeMap
		return nil
	case b == '<':
		r.pos++
		r.stack = append(r.stack, containerMeta)
		item.Type = chainpack.TypeMeta
		return nil
	case b == '"':
		return r.readString(item)
	case b == 'b' && r.pos+1 < len(r.buf) && r.buf[r.pos+1] == '"':
		r.pos++
		return r.readBlob(item)
	case b == 'x' && r.pos+1 < len(r.buf) && r.buf[r.pos+1] == '"':
		r.pos++
		return r.readHexBlob(item)
	case b == 'd' && r.pos+1 < len(r.buf) && r.buf[r.pos+1] == '"':
		r.pos++
		return r.readDateTime(item)
	case b == '-' || (b >= '0' && b <= '9'):
		return r.readNumber(item)
	default:
		item.Invalidate(chainpack.ErrMalformed)
		return fmt.Errorf("cpon: unexpected byte %q at offset %d", b, r.pos)
	}
}

func matchLiteral(r *Reader, lit string) bool {
	if r.pos+len(lit) > len(r.buf) {
		return false
	}
	if string(r.buf[r.pos:r.pos+len(lit)]) != lit {
		return false
	}
	// Require a non-identifier byte after, so "nullable" doesn't match "null".
	if r.pos+len(lit) < len(r.buf) {
		next := r.buf[r.pos+len(lit)]
		if (next >= 'a' && next <= 'z') || (next >= 'A' && next <= 'Z') || (next >= '0' && next <= '9') {
			return false
		}
	}
	r.pos += len(lit)
	return true
}

func (r *Reader) readString(item *chainpack.Item) error {
	r.pos++ // opening quote
	var out []byte
	for {
		b, ok := r.peek()
		if !ok {
			item.Invalidate(chainpack.ErrEOF)
			return chainpack.ErrEOF
		}
		if b == '"' {
			r.pos++
			break
		}
		if b == '\\' {
			r.pos++
			esc, ok := r.peek()
			if !ok {
				item.Invalidate(chainpack.ErrEOF)
				return chainpack.ErrEOF
			}
			r.pos++
			switch esc {
			case 't':
				out = append(out, '\t')
			case 'r':
				out = append(out, '\r')
			case 'n':
				out = append(out, '\n')
			case '\\', '"':
				out = append(out, esc)
			default:
				out = append(out, esc)
			}
			continue
		}
		out = append(out, b)
		r.pos++
	}
	item.Type = chainpack.TypeString
	item.Flags = chainpack.First | chainpack.Last
	item.Blob = out
	return nil
}

func (r *Reader) readBlob(item *chainpack.Item) error {
	r.pos++ // opening quote
	var out []byte
	for {
		b, ok := r.peek()
		if !ok {
			item.Invalidate(chainpack.ErrEOF)
			return chainpack.ErrEOF
		}
		if b == '"' {
			r.pos++
			break
		}
		if b == '\\' {
			r.pos++
			esc, ok := r.peek()
			if !ok {
				item.Invalidate(chainpack.ErrEOF)
				return chainpack.ErrEOF
			}
			switch esc {
			case 't':
				out = append(out, '\t')
				r.pos++
			case 'r':
				out = append(out, '\r')
				r.pos++
			case 'n':
				out = append(out, '\n')
				r.pos++
			case '\\', '"':
				out = append(out, esc)
				r.pos++
			default:
				if r.pos+1 < len(r.buf) && isHex(r.buf[r.pos]) && isHex(r.buf[r.pos+1]) {
					out = append(out, byte(hexVal(r.buf[r.pos])<<4|hexVal(r.buf[r.pos+1])))
					r.pos += 2
				} else {
					out = append(out, esc)
					r.pos++
				}
			}
			continue
		}
		out = append(out, b)
		r.pos++
	}
	item.Type = chainpack.TypeBlob
	item.Flags = chainpack.First | chainpack.Last
	item.Blob = out
	return nil
}

func (r *Reader) readHexBlob(item *chainpack.Item) error {
	r.pos++ // opening quote
	var out []byte
	for {
		b, ok := r.peek()
		if !ok {
			item.Invalidate(chainpack.ErrEOF)
			return chainpack.ErrEOF
		}
		if b == '"' {
			r.pos++
			break
		}
		if r.pos+1 < len(r.buf) && isHex(b) && isHex(r.buf[r.pos+1]) {
			out = append(out, byte(hexVal(b)<<4|hexVal(r.buf[r.pos+1])))
			r.pos += 2
			continue
		}
		r.pos++
	}
	item.Type = chainpack.TypeBlob
	item.Flags = chainpack.First | chainpack.Last | chainpack.Hex
	item.Blob = out
	return nil
}

func isHex(b byte) bool {
	return (b >= '0' && b <= '9') || (b >= 'a' && b <= 'f') || (b >= 'A' && b <= 'F')
}

func hexVal(b byte) int {
	switch {
	case b >= '0' && b <= '9':
		return int(b - '0')
	case b >= 'a' && b <= 'f':
		return int(b-'a') + 10
	default:
		return int(b-'A') + 10
	}
}

func (r *Reader) readNumber(item *chainpack.Item) error {
	start := r.pos
	if r.buf[r.pos] == '-' {
		r.pos++
	}
	isDecimal, isDouble, isUint := false, false, false
	for r.pos < len(r.buf) {
		c := r.buf[r.pos]
		switch {
		case c >= '0' && c <= '9':
			r.pos++
		case c == '.':
			isDecimal = true
			r.pos++
		case c == 'e' || c == 'E':
			isDouble = true
			r.pos++
			if r.pos < len(r.buf) && (r.buf[r.pos] == '+' || r.buf[r.pos] == '-') {
				r.pos++
			}
		case c == 'u':
			isUint = true
			r.pos++
		default:
			goto done
		}
	}
done:
	tok := string(r.buf[start:r.pos])
	switch {
	case isUint:
		v, err := strconv.ParseUint(strings.TrimSuffix(tok, "u"), 10, 64)
		if err != nil {
			item.Invalidate(chainpack.ErrMalformed)
			return err
		}
		item.Type = chainpack.TypeUInt
		item.UInt = v
	case isDouble:
		v, err := strconv.ParseFloat(tok, 64)
		if err != nil {
			item.Invalidate(chainpack.ErrMalformed)
			return err
		}
		item.Type = chainpack.TypeDouble
		item.Double = v
	case isDecimal:
		d, err := parseDecimal(tok)
		if err != nil {
			item.Invalidate(chainpack.ErrMalformed)
			return err
		}
		item.Type = chainpack.TypeDecimal
		item.Decimal = d
	default:
		v, err := strconv.ParseInt(tok, 10, 64)
		if err != nil {
			item.Invalidate(chainpack.ErrMalformed)
			return err
		}
		item.Type = chainpack.TypeInt
		item.Int = v
	}
	return nil
}

func parseDecimal(tok string) (chainpack.Decimal, error) {
	neg := strings.HasPrefix(tok, "-")
	if neg {
		tok = tok[1:]
	}
	intPart, fracPart, _ := strings.Cut(tok, ".")
	digits := intPart + fracPart
	if digits == "" {
		digits = "0"
	}
	mant, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return chainpack.Decimal{}, err
	}
	if neg {
		mant = -mant
	}
	return chainpack.Decimal{Mantissa: mant, Exponent: int8(-len(fracPart))}, nil
}

func (r *Reader) readDateTime(item *chainpack.Item) error {
	r.pos++ // opening quote
	start := r.pos
	for r.pos < len(r.buf) && r.buf[r.pos] != '"' {
		r.pos++
	}
	if r.pos >= len(r.buf) {
		item.Invalidate(chainpack.ErrEOF)
		return chainpack.ErrEOF
	}
	tok := string(r.buf[start:r.pos])
	r.pos++ // closing quote
	dt, err := parseDateTime(tok)
	if err != nil {
		item.Invalidate(chainpack.ErrMalformed)
		return err
	}
	item.Type = chainpack.TypeDateTime
	item.DateTime = dt
	return nil
}

// parseDateTime parses the ISO-8601-like form CPON uses:
// YYYY-MM-DDTHH:MM:SS[.mmm](Z|[+-]HH[:MM]).
func parseDateTime(s string) (chainpack.DateTime, error) {
	var y, mo, d, h, mi, sec, ms int
	rest := s
	_, err := fmt.Sscanf(rest, "%04d-%02d-%02dT%02d:%02d:%02d", &y, &mo, &d, &h, &mi, &sec)
	if err != nil {
		return chainpack.DateTime{}, fmt.Errorf("cpon: bad datetime %q: %w", s, err)
	}
	idx := 19 // len("YYYY-MM-DDTHH:MM:SS")
	if idx <= len(rest) && idx+1 <= len(rest) && rest[idx] == '.' {
		j := idx + 1
		for j < len(rest) && rest[j] >= '0' && rest[j] <= '9' {
			j++
		}
		msStr := rest[idx+1 : j]
		for len(msStr) < 3 {
			msStr += "0"
		}
		msStr = msStr[:3]
		ms, _ = strconv.Atoi(msStr)
		idx = j
	}
	offsetMinutes := 0
	if idx < len(rest) {
		switch rest[idx] {
		case 'Z':
		case '+', '-':
			sign := 1
			if rest[idx] == '-' {
				sign = -1
			}
			tail := rest[idx+1:]
			var oh, om int
			if strings.Contains(tail, ":") {
				parts := strings.SplitN(tail, ":", 2)
				oh, _ = strconv.Atoi(parts[0])
				om, _ = strconv.Atoi(parts[1])
			} else {
				oh, _ = strconv.Atoi(tail)
			}
			offsetMinutes = sign * (oh*60 + om)
		}
	}
	days := daysFromCivil(y, mo, d)
	localMsecs := days*86_400_000 + int64(h)*3_600_000 + int64(mi)*60_000 + int64(sec)*1000 + int64(ms)
	unixMilli := localMsecs - int64(offsetMinutes)*60_000
	return chainpack.DateTime{UnixMilli: unixMilli, OffsetMinutes: offsetMinutes}, nil
}

// daysFromCivil is the inverse of civilFromDays (Howard Hinnant's
// days_from_civil).
func daysFromCivil(y, m, d int) int64 {
	yy := int64(y)
	if m <= 2 {
		yy--
	}
	var mm int64
	if m > 2 {
		mm = int64(m) - 3
	} else {
		mm = int64(m) + 9
	}
	era := yy
	if yy < 0 {
		era -= 399
	}
	era /= 400
	yoe := yy - era*400
	doy := (153*mm+2)/5 + int64(d) - 1
	doe := yoe*365 + yoe/4 - yoe/100 + doy
	return era*146097 + doe - 719468
}
