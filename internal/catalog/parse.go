package catalog

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// Statement is a parsed catalog statement.
type Statement interface {
	statement()
}

// CreateModel is CREATE [OR REPLACE] MODEL.
type CreateModel struct {
	Name      string
	OrReplace bool
	Flavor    string
	ModelType string
	Options   map[string]any
	Returns   string
	URI       string
}

// DropModel is DROP MODEL [IF EXISTS].
type DropModel struct {
	Name     string
	IfExists bool
}

type ShowModels struct{}

type DescribeModel struct {
	Name string
}

func (CreateModel) statement()   {}
func (DropModel) statement()     {}
func (ShowModels) statement()    {}
func (DescribeModel) statement() {}

// PredictCall is ML_PREDICT(model, column, ...).
type PredictCall struct {
	Model   string
	Columns []string
}

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokString
	tokNumber
	tokPunct
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

func (t token) String() string {
	if t.kind == tokEOF {
		return "end of statement"
	}
	return strconv.Quote(t.text)
}

// lex splits src into identifiers, quoted strings, numbers and single
// character punctuation. Backquoted identifiers keep their inner text.
func lex(src string) ([]token, error) {
	var toks []token
	rs := []rune(src)
	for i := 0; i < len(rs); {
		r := rs[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case r == '-' && i+1 < len(rs) && rs[i+1] == '-':
			for i < len(rs) && rs[i] != '\n' {
				i++
			}
		case r == '\'' || r == '"' || r == '`':
			start := i
			var sb strings.Builder
			i++
			for {
				if i >= len(rs) {
					return nil, fmt.Errorf("unterminated %c quote at offset %d", r, start)
				}
				if rs[i] == r {
					// A doubled quote is an escaped quote.
					if i+1 < len(rs) && rs[i+1] == r {
						sb.WriteRune(r)
						i += 2
						continue
					}
					i++
					break
				}
				sb.WriteRune(rs[i])
				i++
			}
			kind := tokString
			if r == '`' {
				kind = tokIdent
			}
			toks = append(toks, token{kind: kind, text: sb.String(), pos: start})
		case unicode.IsLetter(r) || r == '_':
			start := i
			for i < len(rs) && (unicode.IsLetter(rs[i]) || unicode.IsDigit(rs[i]) || rs[i] == '_') {
				i++
			}
			toks = append(toks, token{kind: tokIdent, text: string(rs[start:i]), pos: start})
		case unicode.IsDigit(r) || ((r == '-' || r == '+' || r == '.') && i+1 < len(rs) && (unicode.IsDigit(rs[i+1]) || rs[i+1] == '.')):
			start := i
			i++
			for i < len(rs) && (unicode.IsDigit(rs[i]) || strings.ContainsRune(".eE", rs[i]) ||
				((rs[i] == '-' || rs[i] == '+') && (rs[i-1] == 'e' || rs[i-1] == 'E'))) {
				i++
			}
			toks = append(toks, token{kind: tokNumber, text: string(rs[start:i]), pos: start})
		default:
			toks = append(toks, token{kind: tokPunct, text: string(r), pos: i})
			i++
		}
	}
	return append(toks, token{kind: tokEOF, pos: len(rs)}), nil
}

type parser struct {
	src  []rune
	toks []token
	i    int
}

func (p *parser) peek() token { return p.toks[p.i] }

func (p *parser) next() token {
	t := p.toks[p.i]
	if t.kind != tokEOF {
		p.i++
	}
	return t
}

func (p *parser) isKeyword(kw string) bool {
	t := p.peek()
	return t.kind == tokIdent && strings.EqualFold(t.text, kw)
}

func (p *parser) acceptKeyword(kw string) bool {
	if p.isKeyword(kw) {
		p.i++
		return true
	}
	return false
}

func (p *parser) expectKeyword(kw string) error {
	if !p.acceptKeyword(kw) {
		return fmt.Errorf("expected %s, found %s", kw, p.peek())
	}
	return nil
}

func (p *parser) acceptPunct(s string) bool {
	if t := p.peek(); t.kind == tokPunct && t.text == s {
		p.i++
		return true
	}
	return false
}

func (p *parser) expectPunct(s string) error {
	if !p.acceptPunct(s) {
		return fmt.Errorf("expected %q, found %s", s, p.peek())
	}
	return nil
}

func (p *parser) ident(what string) (string, error) {
	t := p.next()
	if t.kind != tokIdent {
		return "", fmt.Errorf("expected %s, found %s", what, t)
	}
	return t.text, nil
}

// word accepts an identifier or a quoted string.
func (p *parser) word(what string) (string, error) {
	t := p.next()
	if t.kind != tokIdent && t.kind != tokString {
		return "", fmt.Errorf("expected %s, found %s", what, t)
	}
	return t.text, nil
}

func (p *parser) end() error {
	p.acceptPunct(";")
	if t := p.peek(); t.kind != tokEOF {
		return fmt.Errorf("unexpected %s", t)
	}
	return nil
}

// Parse parses one catalog statement.
func Parse(sql string) (Statement, error) {
	toks, err := lex(sql)
	if err != nil {
		return nil, err
	}
	p := &parser{src: []rune(sql), toks: toks}

	var stmt Statement
	switch {
	case p.acceptKeyword("CREATE"):
		stmt, err = p.parseCreate()
	case p.acceptKeyword("DROP"):
		stmt, err = p.parseDrop()
	case p.acceptKeyword("SHOW"):
		if err = p.expectKeyword("MODELS"); err == nil {
			stmt = ShowModels{}
		}
	case p.acceptKeyword("DESCRIBE"), p.acceptKeyword("DESC"):
		if err = p.expectKeyword("MODEL"); err == nil {
			var name string
			if name, err = p.ident("model name"); err == nil {
				stmt = DescribeModel{Name: name}
			}
		}
	default:
		err = fmt.Errorf("unsupported statement starting with %s", p.peek())
	}
	if err == nil {
		err = p.end()
	}
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", strings.TrimSpace(sql), err)
	}
	return stmt, nil
}

func (p *parser) parseCreate() (Statement, error) {
	var c CreateModel
	if p.acceptKeyword("OR") {
		if err := p.expectKeyword("REPLACE"); err != nil {
			return nil, err
		}
		c.OrReplace = true
	}
	if err := p.expectKeyword("MODEL"); err != nil {
		return nil, err
	}
	name, err := p.ident("model name")
	if err != nil {
		return nil, err
	}
	c.Name = name

	seen := map[string]bool{}
	for !p.isKeyword("USING") {
		t := p.peek()
		if t.kind != tokIdent {
			return nil, fmt.Errorf("expected a clause or USING, found %s", t)
		}
		clause := strings.ToUpper(t.text)
		if seen[clause] {
			return nil, fmt.Errorf("duplicate %s clause", clause)
		}
		seen[clause] = true
		p.next()

		switch clause {
		case "FLAVOR":
			if c.Flavor, err = p.word("flavor"); err != nil {
				return nil, err
			}
		case "MODEL_TYPE":
			if c.ModelType, err = p.word("model type"); err != nil {
				return nil, err
			}
		case "OPTIONS":
			if c.Options, err = p.parseOptions(); err != nil {
				return nil, err
			}
		case "RETURNS":
			if c.Returns, err = p.parseReturns(); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("unknown clause %s", t)
		}
	}
	p.next()
	uri := p.next()
	if uri.kind != tokString {
		return nil, fmt.Errorf("expected a quoted model URI after USING, found %s", uri)
	}
	c.URI = uri.text
	return c, nil
}

func (p *parser) parseOptions() (map[string]any, error) {
	if err := p.expectPunct("("); err != nil {
		return nil, err
	}
	opts := map[string]any{}
	if p.acceptPunct(")") {
		return opts, nil
	}
	for {
		key, err := p.word("option name")
		if err != nil {
			return nil, err
		}
		if err := p.expectPunct("="); err != nil {
			return nil, err
		}
		val, err := p.literal()
		if err != nil {
			return nil, fmt.Errorf("option %s: %w", key, err)
		}
		opts[key] = val
		if p.acceptPunct(")") {
			return opts, nil
		}
		if err := p.expectPunct(","); err != nil {
			return nil, err
		}
	}
}

// literal reads a quoted string, a number or a bare word. true and false
// are booleans; other bare words are strings.
func (p *parser) literal() (any, error) {
	t := p.next()
	switch t.kind {
	case tokString:
		return t.text, nil
	case tokNumber:
		if n, err := strconv.ParseInt(t.text, 10, 64); err == nil {
			return int(n), nil
		}
		f, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %s", t)
		}
		return f, nil
	case tokIdent:
		switch strings.ToLower(t.text) {
		case "true":
			return true, nil
		case "false":
			return false, nil
		}
		return t.text, nil
	}
	return nil, fmt.Errorf("expected a value, found %s", t)
}

// parseReturns takes the raw type text up to USING. A quoted type is taken
// as is.
func (p *parser) parseReturns() (string, error) {
	if t := p.peek(); t.kind == tokString {
		p.next()
		return t.text, nil
	}
	start := p.peek().pos
	depth := 0
	for {
		t := p.peek()
		switch {
		case t.kind == tokEOF:
			return "", fmt.Errorf("RETURNS without USING")
		case t.kind == tokPunct && t.text == "<":
			depth++
		case t.kind == tokPunct && t.text == ">":
			depth--
		case depth == 0 && t.kind == tokIdent && (strings.EqualFold(t.text, "USING") || isClause(t.text)):
			typ := strings.TrimSpace(string(p.src[start:t.pos]))
			if typ == "" {
				return "", fmt.Errorf("RETURNS needs a type")
			}
			return typ, nil
		}
		p.next()
	}
}

func isClause(s string) bool {
	switch strings.ToUpper(s) {
	case "FLAVOR", "MODEL_TYPE", "OPTIONS":
		return true
	}
	return false
}

func (p *parser) parseDrop() (Statement, error) {
	if err := p.expectKeyword("MODEL"); err != nil {
		return nil, err
	}
	var d DropModel
	if p.acceptKeyword("IF") {
		if err := p.expectKeyword("EXISTS"); err != nil {
			return nil, err
		}
		d.IfExists = true
	}
	name, err := p.ident("model name")
	if err != nil {
		return nil, err
	}
	d.Name = name
	return d, nil
}

// ParsePredict parses an ML_PREDICT(model, column, ...) call.
func ParsePredict(expr string) (PredictCall, error) {
	toks, err := lex(expr)
	if err != nil {
		return PredictCall{}, err
	}
	p := &parser{src: []rune(expr), toks: toks}
	call, err := p.parsePredict()
	if err == nil {
		err = p.end()
	}
	if err != nil {
		return PredictCall{}, fmt.Errorf("parse %q: %w", strings.TrimSpace(expr), err)
	}
	return call, nil
}

func (p *parser) parsePredict() (PredictCall, error) {
	var call PredictCall
	if err := p.expectKeyword("ML_PREDICT"); err != nil {
		return call, err
	}
	if err := p.expectPunct("("); err != nil {
		return call, err
	}
	model, err := p.word("model name")
	if err != nil {
		return call, err
	}
	call.Model = model
	for p.acceptPunct(",") {
		col, err := p.word("column name")
		if err != nil {
			return call, err
		}
		call.Columns = append(call.Columns, col)
	}
	if err := p.expectPunct(")"); err != nil {
		return call, err
	}
	if len(call.Columns) == 0 {
		return call, fmt.Errorf("ML_PREDICT needs at least one column")
	}
	return call, nil
}
