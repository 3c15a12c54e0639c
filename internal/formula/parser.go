package formula

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// Node is one element of a parsed formula.
type Node interface {
	node()
}

// Call is a primitive invocation, e.g. percentToFraction(priorValue(5)).
type Call struct {
	Name string
	Args []Node
}

// String is a text argument. Bare identifiers in argument position parse as
// strings too, matching the stored form fetchScalar(getSessions, date, sessions).
type String struct {
	Value string
}

// Number is a numeric literal argument.
type Number struct {
	Value float64
}

func (Call) node()   {}
func (String) node() {}
func (Number) node() {}

// Parse parses a stored operation into its primitive call. The whole input
// must be exactly one call; anything else is a malformed formula.
func Parse(input string) (*Call, error) {
	p := &parser{input: input}
	p.skipSpace()

	call, err := p.parseCall()
	if err != nil {
		return nil, err
	}

	p.skipSpace()
	if p.pos != len(p.input) {
		return nil, fmt.Errorf("unexpected trailing input at position %d: %q", p.pos, p.input[p.pos:])
	}
	return call, nil
}

type parser struct {
	input string
	pos   int
}

func (p *parser) parseCall() (*Call, error) {
	name, err := p.parseIdent()
	if err != nil {
		return nil, err
	}

	p.skipSpace()
	if !p.consume('(') {
		return nil, fmt.Errorf("expected '(' after %q at position %d", name, p.pos)
	}

	call := &Call{Name: name}

	p.skipSpace()
	if p.consume(')') {
		return call, nil
	}

	for {
		arg, err := p.parseArg()
		if err != nil {
			return nil, err
		}
		call.Args = append(call.Args, arg)

		p.skipSpace()
		if p.consume(',') {
			p.skipSpace()
			continue
		}
		if p.consume(')') {
			return call, nil
		}
		return nil, fmt.Errorf("expected ',' or ')' at position %d in call to %q", p.pos, name)
	}
}

func (p *parser) parseArg() (Node, error) {
	p.skipSpace()
	if p.pos >= len(p.input) {
		return nil, fmt.Errorf("unexpected end of formula")
	}

	ch := p.input[p.pos]
	switch {
	case ch == '\'' || ch == '"':
		return p.parseString(ch)
	case ch == '-' || unicode.IsDigit(rune(ch)):
		return p.parseNumber()
	case isIdentStart(ch):
		// Identifier: either a nested call or a bare string argument
		start := p.pos
		name, err := p.parseIdent()
		if err != nil {
			return nil, err
		}
		p.skipSpace()
		if p.pos < len(p.input) && p.input[p.pos] == '(' {
			p.pos = start
			return p.parseCall()
		}
		return String{Value: name}, nil
	default:
		return nil, fmt.Errorf("unexpected character %q at position %d", ch, p.pos)
	}
}

func (p *parser) parseIdent() (string, error) {
	start := p.pos
	if p.pos >= len(p.input) || !isIdentStart(p.input[p.pos]) {
		return "", fmt.Errorf("expected identifier at position %d", p.pos)
	}
	for p.pos < len(p.input) && isIdentPart(p.input[p.pos]) {
		p.pos++
	}
	return p.input[start:p.pos], nil
}

func (p *parser) parseString(quote byte) (Node, error) {
	p.pos++ // opening quote
	start := p.pos
	idx := strings.IndexByte(p.input[start:], quote)
	if idx < 0 {
		return nil, fmt.Errorf("unterminated string starting at position %d", start-1)
	}
	p.pos = start + idx + 1
	return String{Value: p.input[start : start+idx]}, nil
}

func (p *parser) parseNumber() (Node, error) {
	start := p.pos
	if p.input[p.pos] == '-' {
		p.pos++
	}
	for p.pos < len(p.input) && (unicode.IsDigit(rune(p.input[p.pos])) || p.input[p.pos] == '.') {
		p.pos++
	}
	value, err := strconv.ParseFloat(p.input[start:p.pos], 64)
	if err != nil {
		return nil, fmt.Errorf("malformed number %q at position %d", p.input[start:p.pos], start)
	}
	return Number{Value: value}, nil
}

func (p *parser) consume(ch byte) bool {
	if p.pos < len(p.input) && p.input[p.pos] == ch {
		p.pos++
		return true
	}
	return false
}

func (p *parser) skipSpace() {
	for p.pos < len(p.input) && (p.input[p.pos] == ' ' || p.input[p.pos] == '\t') {
		p.pos++
	}
}

func isIdentStart(ch byte) bool {
	return ch == '_' || (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z')
}

func isIdentPart(ch byte) bool {
	return isIdentStart(ch) || (ch >= '0' && ch <= '9')
}
