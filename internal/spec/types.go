package spec

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/apache/arrow/go/v17/arrow"
)

// Box2DType is the Arrow layout of a box2d value.
var Box2DType = arrow.StructOf(
	arrow.Field{Name: "xmin", Type: arrow.PrimitiveTypes.Float32},
	arrow.Field{Name: "ymin", Type: arrow.PrimitiveTypes.Float32},
	arrow.Field{Name: "xmax", Type: arrow.PrimitiveTypes.Float32},
	arrow.Field{Name: "ymax", Type: arrow.PrimitiveTypes.Float32},
)

var primitiveTypes = map[string]arrow.DataType{
	"boolean":   arrow.FixedWidthTypes.Boolean,
	"bool":      arrow.FixedWidthTypes.Boolean,
	"byte":      arrow.PrimitiveTypes.Int8,
	"tinyint":   arrow.PrimitiveTypes.Int8,
	"short":     arrow.PrimitiveTypes.Int16,
	"smallint":  arrow.PrimitiveTypes.Int16,
	"int":       arrow.PrimitiveTypes.Int32,
	"integer":   arrow.PrimitiveTypes.Int32,
	"long":      arrow.PrimitiveTypes.Int64,
	"bigint":    arrow.PrimitiveTypes.Int64,
	"float":     arrow.PrimitiveTypes.Float32,
	"real":      arrow.PrimitiveTypes.Float32,
	"double":    arrow.PrimitiveTypes.Float64,
	"string":    arrow.BinaryTypes.String,
	"binary":    arrow.BinaryTypes.Binary,
	"date":      arrow.FixedWidthTypes.Date32,
	"timestamp": arrow.FixedWidthTypes.Timestamp_us,
	"box2d":     Box2DType,
}

// ParseDataType parses a SQL type string such as "long",
// "array<struct<box:box2d,score:float>>" or "map<string,int>" into an Arrow
// type. Keywords are case-insensitive; struct fields accept "name:type" and
// "name type".
func ParseDataType(s string) (arrow.DataType, error) {
	p := &typeParser{src: s}
	p.next()
	dt, err := p.parseType()
	if err != nil {
		return nil, err
	}
	if p.tok != "" {
		return nil, p.errorf("unexpected %q after type", p.tok)
	}
	return dt, nil
}

type typeParser struct {
	src string
	pos int
	tok string
	at  int
}

func (p *typeParser) errorf(format string, args ...any) error {
	return fmt.Errorf("invalid type %q at offset %d: %s", p.src, p.at, fmt.Sprintf(format, args...))
}

// next advances to the next token: an identifier or one of "<>,:".
func (p *typeParser) next() {
	for p.pos < len(p.src) && unicode.IsSpace(rune(p.src[p.pos])) {
		p.pos++
	}
	p.at = p.pos
	if p.pos >= len(p.src) {
		p.tok = ""
		return
	}
	c := p.src[p.pos]
	if strings.IndexByte("<>,:", c) >= 0 {
		p.tok = string(c)
		p.pos++
		return
	}
	if c == '`' {
		end := strings.IndexByte(p.src[p.pos+1:], '`')
		if end < 0 {
			p.tok = p.src[p.pos:]
			p.pos = len(p.src)
			return
		}
		p.tok = p.src[p.pos : p.pos+end+2]
		p.pos += end + 2
		return
	}
	start := p.pos
	for p.pos < len(p.src) {
		r := rune(p.src[p.pos])
		if !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '.') {
			break
		}
		p.pos++
	}
	if p.pos == start {
		p.tok = string(c)
		p.pos++
		return
	}
	p.tok = p.src[start:p.pos]
}

func (p *typeParser) expect(tok string) error {
	if p.tok != tok {
		if p.tok == "" {
			return p.errorf("expected %q, got end of input", tok)
		}
		return p.errorf("expected %q, got %q", tok, p.tok)
	}
	p.next()
	return nil
}

func (p *typeParser) parseType() (arrow.DataType, error) {
	if p.tok == "" {
		return nil, p.errorf("expected a type, got end of input")
	}
	name := strings.ToLower(p.tok)
	switch name {
	case "array":
		p.next()
		if err := p.expect("<"); err != nil {
			return nil, err
		}
		elem, err := p.parseType()
		if err != nil {
			return nil, err
		}
		if err := p.expect(">"); err != nil {
			return nil, err
		}
		return arrow.ListOf(elem), nil
	case "map":
		p.next()
		if err := p.expect("<"); err != nil {
			return nil, err
		}
		key, err := p.parseType()
		if err != nil {
			return nil, err
		}
		if err := p.expect(","); err != nil {
			return nil, err
		}
		val, err := p.parseType()
		if err != nil {
			return nil, err
		}
		if err := p.expect(">"); err != nil {
			return nil, err
		}
		return arrow.MapOf(key, val), nil
	case "struct":
		p.next()
		if err := p.expect("<"); err != nil {
			return nil, err
		}
		var fields []arrow.Field
		seen := map[string]bool{}
		for p.tok != ">" {
			if len(fields) > 0 {
				if err := p.expect(","); err != nil {
					return nil, err
				}
			}
			field, err := p.parseField()
			if err != nil {
				return nil, err
			}
			if seen[field.Name] {
				return nil, p.errorf("duplicate struct field %q", field.Name)
			}
			seen[field.Name] = true
			fields = append(fields, field)
		}
		if len(fields) == 0 {
			return nil, p.errorf("struct must have at least one field")
		}
		p.next()
		return arrow.StructOf(fields...), nil
	}

	dt, ok := primitiveTypes[name]
	if !ok {
		return nil, p.errorf("unknown type %q", p.tok)
	}
	p.next()
	return dt, nil
}

func (p *typeParser) parseField() (arrow.Field, error) {
	if p.tok == "" || strings.ContainsAny(p.tok, "<>,:") {
		return arrow.Field{}, p.errorf("expected a field name, got %q", p.tok)
	}
	name := strings.Trim(p.tok, "`")
	p.next()
	if p.tok == ":" {
		p.next()
	}
	dt, err := p.parseType()
	if err != nil {
		return arrow.Field{}, err
	}
	return arrow.Field{Name: name, Type: dt, Nullable: true}, nil
}
