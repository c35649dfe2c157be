// calculator.go implements the "calculator" instant function: a
// recursive-descent evaluator for the small arithmetic grammar the
// original runtime's calculator_op wired to tinyexpr (original_source's
// vm/src/calculator.hpp) -- binary + - * / % ^, unary +/-, parenthesised
// subexpressions, the constants pi/e, and both call forms tinyexpr
// supports: func(args,...) and the juxtaposed single-arg form func arg
// (e.g. "fac 5", "atan 1").
package modules

import (
	"math"
	"strconv"
	"unicode"

	"github.com/brekkylab/ailoy/pkg/aerr"
	"github.com/brekkylab/ailoy/pkg/operator"
	"github.com/brekkylab/ailoy/pkg/value"
)

func calculatorFunction() operator.Instant {
	return operator.InstantFunc(func(input value.Value) (value.Value, error) {
		mv, ok := input.(*value.Map)
		if !ok {
			return nil, aerr.NewType("calculator", "input", "map", input.Kind().String())
		}
		exprV, ok := mv.Get("expression")
		if !ok {
			return nil, aerr.NewValue("calculator", "expression", "present", "missing")
		}
		exprS, ok := exprV.(value.String)
		if !ok {
			return nil, aerr.NewType("calculator", "expression", "string", exprV.Kind().String())
		}
		result, err := evaluateExpression(string(exprS))
		if err != nil {
			return nil, err
		}
		out := value.NewMap()
		out.Set("value", value.Float64(result))
		return out, nil
	})
}

func evaluateExpression(expr string) (float64, error) {
	p := &exprParser{src: expr}
	p.skipSpace()
	v, err := p.parseAddSub()
	if err != nil {
		return 0, err
	}
	p.skipSpace()
	if p.pos != len(p.src) {
		return 0, aerr.New(aerr.KindValueError, "calculator: trailing input after "+p.src[:p.pos])
	}
	return v, nil
}

type exprParser struct {
	src string
	pos int
}

func (p *exprParser) skipSpace() {
	for p.pos < len(p.src) && p.src[p.pos] == ' ' {
		p.pos++
	}
}

func (p *exprParser) peek() byte {
	if p.pos >= len(p.src) {
		return 0
	}
	return p.src[p.pos]
}

// parseAddSub := parseMulDiv (('+'|'-') parseMulDiv)*
func (p *exprParser) parseAddSub() (float64, error) {
	left, err := p.parseMulDiv()
	if err != nil {
		return 0, err
	}
	for {
		p.skipSpace()
		switch p.peek() {
		case '+':
			p.pos++
			right, err := p.parseMulDiv()
			if err != nil {
				return 0, err
			}
			left += right
		case '-':
			p.pos++
			right, err := p.parseMulDiv()
			if err != nil {
				return 0, err
			}
			left -= right
		default:
			return left, nil
		}
	}
}

// parseMulDiv := parseUnary (('*'|'/'|'%') parseUnary)*
func (p *exprParser) parseMulDiv() (float64, error) {
	left, err := p.parseUnary()
	if err != nil {
		return 0, err
	}
	for {
		p.skipSpace()
		switch p.peek() {
		case '*':
			p.pos++
			right, err := p.parseUnary()
			if err != nil {
				return 0, err
			}
			left *= right
		case '/':
			p.pos++
			right, err := p.parseUnary()
			if err != nil {
				return 0, err
			}
			left /= right
		case '%':
			p.pos++
			right, err := p.parseUnary()
			if err != nil {
				return 0, err
			}
			left = math.Mod(left, right)
		default:
			return left, nil
		}
	}
}

// parseUnary := ('-'|'+') parseUnary | parsePower
func (p *exprParser) parseUnary() (float64, error) {
	p.skipSpace()
	switch p.peek() {
	case '-':
		p.pos++
		v, err := p.parseUnary()
		return -v, err
	case '+':
		p.pos++
		return p.parseUnary()
	default:
		return p.parsePower()
	}
}

// parsePower := parsePrimary ('^' parseUnary)?  (right associative)
func (p *exprParser) parsePower() (float64, error) {
	base, err := p.parsePrimary()
	if err != nil {
		return 0, err
	}
	p.skipSpace()
	if p.peek() == '^' {
		p.pos++
		exp, err := p.parseUnary()
		if err != nil {
			return 0, err
		}
		return math.Pow(base, exp), nil
	}
	return base, nil
}

func (p *exprParser) parsePrimary() (float64, error) {
	p.skipSpace()
	switch {
	case p.peek() == '(':
		p.pos++
		v, err := p.parseAddSub()
		if err != nil {
			return 0, err
		}
		p.skipSpace()
		if p.peek() != ')' {
			return 0, aerr.New(aerr.KindValueError, "calculator: missing closing parenthesis")
		}
		p.pos++
		return v, nil
	case isDigit(p.peek()) || p.peek() == '.':
		return p.parseNumber()
	case isIdentStart(p.peek()):
		return p.parseIdent()
	default:
		return 0, aerr.New(aerr.KindValueError, "calculator: unexpected character at offset "+strconv.Itoa(p.pos))
	}
}

func (p *exprParser) parseNumber() (float64, error) {
	start := p.pos
	for p.pos < len(p.src) && (isDigit(p.src[p.pos]) || p.src[p.pos] == '.') {
		p.pos++
	}
	return strconv.ParseFloat(p.src[start:p.pos], 64)
}

func (p *exprParser) parseIdent() (float64, error) {
	start := p.pos
	for p.pos < len(p.src) && isIdentPart(p.src[p.pos]) {
		p.pos++
	}
	name := p.src[start:p.pos]

	switch name {
	case "pi":
		return math.Pi, nil
	case "e":
		return math.E, nil
	}

	p.skipSpace()
	if p.peek() == '(' {
		p.pos++
		args, err := p.parseArgList()
		if err != nil {
			return 0, err
		}
		p.skipSpace()
		if p.peek() != ')' {
			return 0, aerr.New(aerr.KindValueError, "calculator: missing closing parenthesis in call to "+name)
		}
		p.pos++
		return callFunction(name, args)
	}

	// juxtaposed single-argument call, e.g. "fac 5", "atan 1".
	arg, err := p.parseUnary()
	if err != nil {
		return 0, err
	}
	return callFunction(name, []float64{arg})
}

func (p *exprParser) parseArgList() ([]float64, error) {
	p.skipSpace()
	if p.peek() == ')' {
		return nil, nil
	}
	var args []float64
	for {
		v, err := p.parseAddSub()
		if err != nil {
			return nil, err
		}
		args = append(args, v)
		p.skipSpace()
		if p.peek() != ',' {
			return args, nil
		}
		p.pos++
	}
}

func callFunction(name string, args []float64) (float64, error) {
	arity := func(n int) error {
		if len(args) != n {
			return aerr.Newf(aerr.KindValueError, "calculator: %s expects %d argument(s), got %d", name, n, len(args))
		}
		return nil
	}
	switch name {
	case "sqrt":
		if err := arity(1); err != nil {
			return 0, err
		}
		return math.Sqrt(args[0]), nil
	case "floor":
		if err := arity(1); err != nil {
			return 0, err
		}
		return math.Floor(args[0]), nil
	case "ceil":
		if err := arity(1); err != nil {
			return 0, err
		}
		return math.Ceil(args[0]), nil
	case "abs":
		if err := arity(1); err != nil {
			return 0, err
		}
		return math.Abs(args[0]), nil
	case "ln", "log":
		if err := arity(1); err != nil {
			return 0, err
		}
		return math.Log(args[0]), nil
	case "log10":
		if err := arity(1); err != nil {
			return 0, err
		}
		return math.Log10(args[0]), nil
	case "exp":
		if err := arity(1); err != nil {
			return 0, err
		}
		return math.Exp(args[0]), nil
	case "sin":
		if err := arity(1); err != nil {
			return 0, err
		}
		return math.Sin(args[0]), nil
	case "cos":
		if err := arity(1); err != nil {
			return 0, err
		}
		return math.Cos(args[0]), nil
	case "tan":
		if err := arity(1); err != nil {
			return 0, err
		}
		return math.Tan(args[0]), nil
	case "asin":
		if err := arity(1); err != nil {
			return 0, err
		}
		return math.Asin(args[0]), nil
	case "acos":
		if err := arity(1); err != nil {
			return 0, err
		}
		return math.Acos(args[0]), nil
	case "atan":
		if err := arity(1); err != nil {
			return 0, err
		}
		return math.Atan(args[0]), nil
	case "fac":
		if err := arity(1); err != nil {
			return 0, err
		}
		return factorial(args[0])
	case "ncr":
		if err := arity(2); err != nil {
			return 0, err
		}
		return ncr(args[0], args[1])
	case "npr":
		if err := arity(2); err != nil {
			return 0, err
		}
		return npr(args[0], args[1])
	case "pow":
		if err := arity(2); err != nil {
			return 0, err
		}
		return math.Pow(args[0], args[1]), nil
	default:
		return 0, aerr.Newf(aerr.KindValueError, "calculator: unknown function %q", name)
	}
}

func factorial(n float64) (float64, error) {
	if n < 0 || n != math.Trunc(n) {
		return 0, aerr.New(aerr.KindValueError, "calculator: fac requires a non-negative integer")
	}
	result := 1.0
	for i := 2.0; i <= n; i++ {
		result *= i
	}
	return result, nil
}

func ncr(n, r float64) (float64, error) {
	nf, err := factorial(n)
	if err != nil {
		return 0, err
	}
	rf, err := factorial(r)
	if err != nil {
		return 0, err
	}
	nrf, err := factorial(n - r)
	if err != nil {
		return 0, err
	}
	return nf / (rf * nrf), nil
}

func npr(n, r float64) (float64, error) {
	nf, err := factorial(n)
	if err != nil {
		return 0, err
	}
	nrf, err := factorial(n - r)
	if err != nil {
		return 0, err
	}
	return nf / nrf, nil
}

func isDigit(b byte) bool { return b >= '0' && b <= '9' }

func isIdentStart(b byte) bool { return unicode.IsLetter(rune(b)) || b == '_' }

func isIdentPart(b byte) bool { return isIdentStart(b) || isDigit(b) }
