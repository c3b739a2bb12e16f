// Expression language for mapping conditions and validation rules. It is a
// minimal, safe language over record fields: comparisons, and/or/not,
// "is null"/"is not null", arithmetic, string and number literals, and the
// literal null. Evaluation has SQL ternary semantics: a comparison or
// arithmetic operation with a null operand yields null, and/or short-circuit
// three-valued, and an absent field reads as null. There is no file, process
// or network reach.
package mapping

import (
	"fmt"
	"math/big"
	"strings"
	"time"
	"unicode"

	"github.com/shopspring/decimal"
)

// ValueKind discriminates evaluator values.
type ValueKind int

const (
	KindNull ValueKind = iota
	KindBool
	KindNum
	KindStr
	KindTime
)

// Value is one evaluator value.
type Value struct {
	Kind ValueKind
	Bool bool
	Num  decimal.Decimal
	Str  string
	Time time.Time
}

func nullValue() Value          { return Value{Kind: KindNull} }
func boolValue(b bool) Value    { return Value{Kind: KindBool, Bool: b} }
func numValue(d decimal.Decimal) Value { return Value{Kind: KindNum, Num: d} }
func strValue(s string) Value   { return Value{Kind: KindStr, Str: s} }
func timeValue(t time.Time) Value { return Value{Kind: KindTime, Time: t} }

// IsTruthy reports whether the value is boolean true. Null is not truthy.
func (v Value) IsTruthy() bool { return v.Kind == KindBool && v.Bool }

// IsFalse reports an explicit boolean false; null is neither true nor false.
func (v Value) IsFalse() bool { return v.Kind == KindBool && !v.Bool }

// FromField converts a record field value into an evaluator value. nil maps
// to null; every numeric width maps to an exact decimal.
func FromField(v any) (Value, error) {
	switch x := v.(type) {
	case nil:
		return nullValue(), nil
	case bool:
		return boolValue(x), nil
	case string:
		return strValue(x), nil
	case time.Time:
		return timeValue(x), nil
	case decimal.Decimal:
		return numValue(x), nil
	case decimal.NullDecimal:
		if !x.Valid {
			return nullValue(), nil
		}
		return numValue(x.Decimal), nil
	case int:
		return numValue(decimal.New(int64(x), 0)), nil
	case int16:
		return numValue(decimal.New(int64(x), 0)), nil
	case int32:
		return numValue(decimal.New(int64(x), 0)), nil
	case int64:
		return numValue(decimal.New(x, 0)), nil
	case uint32:
		return numValue(decimal.New(int64(x), 0)), nil
	case uint64:
		return numValue(decimal.NewFromBigInt(new(big.Int).SetUint64(x), 0)), nil
	case float64:
		return numValue(decimal.NewFromFloat(x)), nil
	}
	return nullValue(), fmt.Errorf("unsupported field type %T", v)
}

// ---------------------------------------------------------------------------
// Lexer
// ---------------------------------------------------------------------------

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokNumber
	tokString
	tokOp     // = == != < <= > >= + - * / ( )
	tokKeyword // and or not is null true false
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

type lexer struct {
	src  string
	pos  int
	toks []token
}

func lex(src string) ([]token, error) {
	l := &lexer{src: src}
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			l.pos++
		case c == '(' || c == ')' || c == '+' || c == '-' || c == '*' || c == '/':
			l.emit(tokOp, string(c))
			l.pos++
		case c == '=':
			if l.peek(1) == '=' {
				l.emit(tokOp, "==")
				l.pos += 2
			} else {
				l.emit(tokOp, "=")
				l.pos++
			}
		case c == '!':
			if l.peek(1) != '=' {
				return nil, fmt.Errorf("unexpected %q at %d", c, l.pos)
			}
			l.emit(tokOp, "!=")
			l.pos += 2
		case c == '<':
			if l.peek(1) == '=' {
				l.emit(tokOp, "<=")
				l.pos += 2
			} else if l.peek(1) == '>' {
				l.emit(tokOp, "!=")
				l.pos += 2
			} else {
				l.emit(tokOp, "<")
				l.pos++
			}
		case c == '>':
			if l.peek(1) == '=' {
				l.emit(tokOp, ">=")
				l.pos += 2
			} else {
				l.emit(tokOp, ">")
				l.pos++
			}
		case c == '\'' || c == '"':
			if err := l.lexString(c); err != nil {
				return nil, err
			}
		case c >= '0' && c <= '9':
			l.lexNumber()
		case c == '_' || unicode.IsLetter(rune(c)):
			l.lexIdent()
		default:
			return nil, fmt.Errorf("unexpected %q at %d", c, l.pos)
		}
	}
	l.emit(tokEOF, "")
	return l.toks, nil
}

func (l *lexer) peek(n int) byte {
	if l.pos+n < len(l.src) {
		return l.src[l.pos+n]
	}
	return 0
}

func (l *lexer) emit(kind tokenKind, text string) {
	l.toks = append(l.toks, token{kind: kind, text: text, pos: l.pos})
}

func (l *lexer) lexString(quote byte) error {
	start := l.pos
	l.pos++
	var sb strings.Builder
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		if c == quote {
			l.toks = append(l.toks, token{kind: tokString, text: sb.String(), pos: start})
			l.pos++
			return nil
		}
		sb.WriteByte(c)
		l.pos++
	}
	return fmt.Errorf("unterminated string at %d", start)
}

func (l *lexer) lexNumber() {
	start := l.pos
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		if (c >= '0' && c <= '9') || c == '.' {
			l.pos++
			continue
		}
		break
	}
	l.toks = append(l.toks, token{kind: tokNumber, text: l.src[start:l.pos], pos: start})
}

var keywords = map[string]bool{
	"and": true, "or": true, "not": true, "is": true,
	"null": true, "true": true, "false": true,
}

func (l *lexer) lexIdent() {
	start := l.pos
	for l.pos < len(l.src) {
		c := rune(l.src[l.pos])
		if c == '_' || unicode.IsLetter(c) || unicode.IsDigit(c) {
			l.pos++
			continue
		}
		break
	}
	text := l.src[start:l.pos]
	if keywords[strings.ToLower(text)] {
		l.toks = append(l.toks, token{kind: tokKeyword, text: strings.ToLower(text), pos: start})
		return
	}
	l.toks = append(l.toks, token{kind: tokIdent, text: text, pos: start})
}

// ---------------------------------------------------------------------------
// Parser
// ---------------------------------------------------------------------------

// Expr is a compiled expression, safe for concurrent evaluation.
type Expr struct {
	root node
	src  string
}

// Source returns the original expression text.
func (e *Expr) Source() string { return e.src }

type node interface {
	eval(fields map[string]any) (Value, error)
}

// Compile parses the expression once; Evaluate may then run per record.
func Compile(src string) (*Expr, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", src, err)
	}
	p := &parser{toks: toks}
	root, err := p.parseOr()
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", src, err)
	}
	if p.cur().kind != tokEOF {
		return nil, fmt.Errorf("parse %q: trailing input at %d", src, p.cur().pos)
	}
	return &Expr{root: root, src: src}, nil
}

// Evaluate runs the expression against a record's field map. Identifiers not
// present in the map evaluate to null.
func (e *Expr) Evaluate(fields map[string]any) (Value, error) {
	return e.root.eval(fields)
}

type parser struct {
	toks []token
	idx  int
}

func (p *parser) cur() token  { return p.toks[p.idx] }
func (p *parser) advance()    { p.idx++ }

func (p *parser) acceptKeyword(kw string) bool {
	if p.cur().kind == tokKeyword && p.cur().text == kw {
		p.advance()
		return true
	}
	return false
}

func (p *parser) acceptOp(ops ...string) (string, bool) {
	if p.cur().kind != tokOp {
		return "", false
	}
	for _, op := range ops {
		if p.cur().text == op {
			p.advance()
			return op, true
		}
	}
	return "", false
}

func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.acceptKeyword("or") {
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &orNode{left, right}
	}
	return left, nil
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.acceptKeyword("and") {
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = &andNode{left, right}
	}
	return left, nil
}

func (p *parser) parseNot() (node, error) {
	if p.acceptKeyword("not") {
		inner, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &notNode{inner}, nil
	}
	return p.parseComparison()
}

func (p *parser) parseComparison() (node, error) {
	left, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}

	if p.acceptKeyword("is") {
		negated := p.acceptKeyword("not")
		if !p.acceptKeyword("null") {
			return nil, fmt.Errorf("expected null after is at %d", p.cur().pos)
		}
		return &isNullNode{inner: left, negated: negated}, nil
	}

	if op, ok := p.acceptOp("=", "==", "!=", "<", "<=", ">", ">="); ok {
		right, err := p.parseAdditive()
		if err != nil {
			return nil, err
		}
		return &cmpNode{op: op, left: left, right: right}, nil
	}
	return left, nil
}

func (p *parser) parseAdditive() (node, error) {
	left, err := p.parseMultiplicative()
	if err != nil {
		return nil, err
	}
	for {
		op, ok := p.acceptOp("+", "-")
		if !ok {
			return left, nil
		}
		right, err := p.parseMultiplicative()
		if err != nil {
			return nil, err
		}
		left = &arithNode{op: op, left: left, right: right}
	}
}

func (p *parser) parseMultiplicative() (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		op, ok := p.acceptOp("*", "/")
		if !ok {
			return left, nil
		}
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &arithNode{op: op, left: left, right: right}
	}
}

func (p *parser) parseUnary() (node, error) {
	if _, ok := p.acceptOp("-"); ok {
		inner, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &negNode{inner}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (node, error) {
	tok := p.cur()
	switch tok.kind {
	case tokNumber:
		d, err := decimal.NewFromString(tok.text)
		if err != nil {
			return nil, fmt.Errorf("bad number %q at %d", tok.text, tok.pos)
		}
		p.advance()
		return &literalNode{numValue(d)}, nil
	case tokString:
		p.advance()
		return &literalNode{strValue(tok.text)}, nil
	case tokIdent:
		p.advance()
		return &identNode{name: tok.text}, nil
	case tokKeyword:
		switch tok.text {
		case "null":
			p.advance()
			return &literalNode{nullValue()}, nil
		case "true":
			p.advance()
			return &literalNode{boolValue(true)}, nil
		case "false":
			p.advance()
			return &literalNode{boolValue(false)}, nil
		}
	case tokOp:
		if tok.text == "(" {
			p.advance()
			inner, err := p.parseOr()
			if err != nil {
				return nil, err
			}
			if _, ok := p.acceptOp(")"); !ok {
				return nil, fmt.Errorf("missing ) at %d", p.cur().pos)
			}
			return inner, nil
		}
	}
	return nil, fmt.Errorf("unexpected token %q at %d", tok.text, tok.pos)
}

// ---------------------------------------------------------------------------
// Evaluation
// ---------------------------------------------------------------------------

type literalNode struct{ v Value }

func (n *literalNode) eval(map[string]any) (Value, error) { return n.v, nil }

type identNode struct{ name string }

func (n *identNode) eval(fields map[string]any) (Value, error) {
	v, ok := fields[n.name]
	if !ok {
		// Absent reads as null so "x is null" holds for missing fields.
		return nullValue(), nil
	}
	fv, err := FromField(v)
	if err != nil {
		return nullValue(), fmt.Errorf("field %s: %w", n.name, err)
	}
	return fv, nil
}

type isNullNode struct {
	inner   node
	negated bool
}

func (n *isNullNode) eval(fields map[string]any) (Value, error) {
	v, err := n.inner.eval(fields)
	if err != nil {
		return nullValue(), err
	}
	isNull := v.Kind == KindNull
	if n.negated {
		return boolValue(!isNull), nil
	}
	return boolValue(isNull), nil
}

type notNode struct{ inner node }

func (n *notNode) eval(fields map[string]any) (Value, error) {
	v, err := n.inner.eval(fields)
	if err != nil {
		return nullValue(), err
	}
	if v.Kind == KindNull {
		return nullValue(), nil
	}
	if v.Kind != KindBool {
		return nullValue(), fmt.Errorf("not applied to non-boolean")
	}
	return boolValue(!v.Bool), nil
}

type andNode struct{ left, right node }

func (n *andNode) eval(fields map[string]any) (Value, error) {
	l, err := n.left.eval(fields)
	if err != nil {
		return nullValue(), err
	}
	if l.IsFalse() {
		return boolValue(false), nil
	}
	r, err := n.right.eval(fields)
	if err != nil {
		return nullValue(), err
	}
	if r.IsFalse() {
		return boolValue(false), nil
	}
	if l.Kind == KindNull || r.Kind == KindNull {
		return nullValue(), nil
	}
	if l.Kind != KindBool || r.Kind != KindBool {
		return nullValue(), fmt.Errorf("and applied to non-boolean")
	}
	return boolValue(true), nil
}

type orNode struct{ left, right node }

func (n *orNode) eval(fields map[string]any) (Value, error) {
	l, err := n.left.eval(fields)
	if err != nil {
		return nullValue(), err
	}
	if l.IsTruthy() {
		return boolValue(true), nil
	}
	r, err := n.right.eval(fields)
	if err != nil {
		return nullValue(), err
	}
	if r.IsTruthy() {
		return boolValue(true), nil
	}
	if l.Kind == KindNull || r.Kind == KindNull {
		return nullValue(), nil
	}
	if l.Kind != KindBool || r.Kind != KindBool {
		return nullValue(), fmt.Errorf("or applied to non-boolean")
	}
	return boolValue(false), nil
}

type cmpNode struct {
	op          string
	left, right node
}

func (n *cmpNode) eval(fields map[string]any) (Value, error) {
	l, err := n.left.eval(fields)
	if err != nil {
		return nullValue(), err
	}
	r, err := n.right.eval(fields)
	if err != nil {
		return nullValue(), err
	}
	if l.Kind == KindNull || r.Kind == KindNull {
		return nullValue(), nil
	}

	cmp, err := compare(l, r)
	if err != nil {
		return nullValue(), err
	}
	switch n.op {
	case "=", "==":
		return boolValue(cmp == 0), nil
	case "!=":
		return boolValue(cmp != 0), nil
	case "<":
		return boolValue(cmp < 0), nil
	case "<=":
		return boolValue(cmp <= 0), nil
	case ">":
		return boolValue(cmp > 0), nil
	case ">=":
		return boolValue(cmp >= 0), nil
	}
	return nullValue(), fmt.Errorf("unknown comparison %q", n.op)
}

func compare(l, r Value) (int, error) {
	if l.Kind != r.Kind {
		return 0, fmt.Errorf("cannot compare %v to %v", l.Kind, r.Kind)
	}
	switch l.Kind {
	case KindNum:
		return l.Num.Cmp(r.Num), nil
	case KindStr:
		return strings.Compare(l.Str, r.Str), nil
	case KindTime:
		switch {
		case l.Time.Before(r.Time):
			return -1, nil
		case l.Time.After(r.Time):
			return 1, nil
		}
		return 0, nil
	case KindBool:
		if l.Bool == r.Bool {
			return 0, nil
		}
		if !l.Bool {
			return -1, nil
		}
		return 1, nil
	}
	return 0, fmt.Errorf("uncomparable kind %v", l.Kind)
}

type arithNode struct {
	op          string
	left, right node
}

func (n *arithNode) eval(fields map[string]any) (Value, error) {
	l, err := n.left.eval(fields)
	if err != nil {
		return nullValue(), err
	}
	r, err := n.right.eval(fields)
	if err != nil {
		return nullValue(), err
	}
	if l.Kind == KindNull || r.Kind == KindNull {
		return nullValue(), nil
	}
	if l.Kind != KindNum || r.Kind != KindNum {
		return nullValue(), fmt.Errorf("arithmetic on non-numeric values")
	}
	switch n.op {
	case "+":
		return numValue(l.Num.Add(r.Num)), nil
	case "-":
		return numValue(l.Num.Sub(r.Num)), nil
	case "*":
		return numValue(l.Num.Mul(r.Num)), nil
	case "/":
		if r.Num.IsZero() {
			return nullValue(), fmt.Errorf("division by zero")
		}
		return numValue(l.Num.Div(r.Num)), nil
	}
	return nullValue(), fmt.Errorf("unknown operator %q", n.op)
}

type negNode struct{ inner node }

func (n *negNode) eval(fields map[string]any) (Value, error) {
	v, err := n.inner.eval(fields)
	if err != nil {
		return nullValue(), err
	}
	if v.Kind == KindNull {
		return nullValue(), nil
	}
	if v.Kind != KindNum {
		return nullValue(), fmt.Errorf("negation of non-numeric value")
	}
	return numValue(v.Num.Neg()), nil
}
