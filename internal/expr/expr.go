// Package expr evaluates user-supplied scalar transforms over a single
// bound variable x. The grammar is deliberately tiny: numeric literals,
// x, + - * / and parentheses. Nothing else parses, so user input can
// never reach a general evaluator.
package expr

import (
	"fmt"
	"strconv"
	"unicode"

	"github.com/danhartree/stacvals/internal/model"
)

// Expr is a compiled expression. Safe for concurrent use.
type Expr struct {
	src  string
	root node
}

type node interface {
	eval(x float64) float64
}

type numNode float64

func (n numNode) eval(float64) float64 { return float64(n) }

type varNode struct{}

func (varNode) eval(x float64) float64 { return x }

type binNode struct {
	op   byte
	l, r node
}

func (b binNode) eval(x float64) float64 {
	lv, rv := b.l.eval(x), b.r.eval(x)
	switch b.op {
	case '+':
		return lv + rv
	case '-':
		return lv - rv
	case '*':
		return lv * rv
	default:
		return lv / rv
	}
}

type negNode struct{ n node }

func (n negNode) eval(x float64) float64 { return -n.n.eval(x) }

// Parse compiles src. Errors wrap model.ErrInvalidExpression.
func Parse(src string) (*Expr, error) {
	p := &parser{src: src}
	root, err := p.expr()
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if p.pos != len(p.src) {
		return nil, p.errf("unexpected %q", p.src[p.pos:])
	}
	return &Expr{src: src, root: root}, nil
}

func (e *Expr) Eval(x float64) float64 { return e.root.eval(x) }

func (e *Expr) String() string { return e.src }

type parser struct {
	src string
	pos int
}

func (p *parser) errf(format string, args ...any) error {
	return fmt.Errorf("%w: %s at offset %d in %q",
		model.ErrInvalidExpression, fmt.Sprintf(format, args...), p.pos, p.src)
}

func (p *parser) skipSpace() {
	for p.pos < len(p.src) && (p.src[p.pos] == ' ' || p.src[p.pos] == '\t') {
		p.pos++
	}
}

func (p *parser) peek() byte {
	p.skipSpace()
	if p.pos >= len(p.src) {
		return 0
	}
	return p.src[p.pos]
}

// expr = term (('+'|'-') term)*
func (p *parser) expr() (node, error) {
	left, err := p.term()
	if err != nil {
		return nil, err
	}
	for {
		op := p.peek()
		if op != '+' && op != '-' {
			return left, nil
		}
		p.pos++
		right, err := p.term()
		if err != nil {
			return nil, err
		}
		left = binNode{op: op, l: left, r: right}
	}
}

// term = unary (('*'|'/') unary)*
func (p *parser) term() (node, error) {
	left, err := p.unary()
	if err != nil {
		return nil, err
	}
	for {
		op := p.peek()
		if op != '*' && op != '/' {
			return left, nil
		}
		p.pos++
		right, err := p.unary()
		if err != nil {
			return nil, err
		}
		left = binNode{op: op, l: left, r: right}
	}
}

// unary = '-' unary | primary
func (p *parser) unary() (node, error) {
	if p.peek() == '-' {
		p.pos++
		n, err := p.unary()
		if err != nil {
			return nil, err
		}
		return negNode{n: n}, nil
	}
	return p.primary()
}

// primary = number | 'x' | '(' expr ')'
func (p *parser) primary() (node, error) {
	switch c := p.peek(); {
	case c == '(':
		p.pos++
		n, err := p.expr()
		if err != nil {
			return nil, err
		}
		if p.peek() != ')' {
			return nil, p.errf("missing closing parenthesis")
		}
		p.pos++
		return n, nil
	case c == 'x' || c == 'X':
		p.pos++
		if p.pos < len(p.src) && isIdentChar(rune(p.src[p.pos])) {
			return nil, p.errf("undefined name")
		}
		return varNode{}, nil
	case c >= '0' && c <= '9' || c == '.':
		return p.number()
	case c == 0:
		return nil, p.errf("unexpected end of expression")
	case unicode.IsLetter(rune(c)):
		return nil, p.errf("undefined name %q", p.ident())
	default:
		return nil, p.errf("unexpected character %q", string(c))
	}
}

func (p *parser) number() (node, error) {
	start := p.pos
	for p.pos < len(p.src) {
		c := p.src[p.pos]
		if c >= '0' && c <= '9' || c == '.' {
			p.pos++
			continue
		}
		// exponent form
		if (c == 'e' || c == 'E') && p.pos > start {
			next := p.pos + 1
			if next < len(p.src) && (p.src[next] == '+' || p.src[next] == '-') {
				next++
			}
			if next < len(p.src) && p.src[next] >= '0' && p.src[next] <= '9' {
				p.pos = next
				continue
			}
		}
		break
	}
	f, err := strconv.ParseFloat(p.src[start:p.pos], 64)
	if err != nil {
		return nil, p.errf("bad number %q", p.src[start:p.pos])
	}
	return numNode(f), nil
}

func (p *parser) ident() string {
	start := p.pos
	for p.pos < len(p.src) && isIdentChar(rune(p.src[p.pos])) {
		p.pos++
	}
	return p.src[start:p.pos]
}

func isIdentChar(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_'
}

// MustParse is a test helper.
func MustParse(src string) *Expr {
	e, err := Parse(src)
	if err != nil {
		panic(err)
	}
	return e
}
