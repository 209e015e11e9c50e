package learning

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode"

	"github.com/tricortex/tricortex/core"
)

// The rule condition language is a closed arithmetic grammar over the
// named market-context fields. It is parsed here by hand; nothing
// outside the grammar evaluates. The surface is:
//
//	or    := and ("or" and)*
//	and   := not ("and" not)*
//	not   := "not" not | cmp
//	cmp   := sum (("<"|">"|"<="|">="|"=="|"!=") sum)?
//	sum   := term (("+"|"-") term)*
//	term  := unary (("*"|"/") unary)*
//	unary := "-" unary | primary
//	primary := number | field | fn "(" or ("," or)* ")" | "(" or ")"
//
// Fields: volatility, liquidity, trend_strength, aum,
// portfolio_concentration, recent_drawdown. Functions: abs, min, max.

var conditionFields = map[string]func(core.MarketContext) float64{
	"volatility":              func(mc core.MarketContext) float64 { return mc.Volatility },
	"liquidity":               func(mc core.MarketContext) float64 { return mc.Liquidity },
	"trend_strength":          func(mc core.MarketContext) float64 { return mc.TrendStrength },
	"aum":                     func(mc core.MarketContext) float64 { return mc.AUM },
	"portfolio_concentration": func(mc core.MarketContext) float64 { return mc.PortfolioConcentration },
	"recent_drawdown":         func(mc core.MarketContext) float64 { return mc.RecentDrawdown },
}

var conditionFuncs = map[string]int{
	"abs": 1,
	"min": 2,
	"max": 2,
}

// condExpr is a compiled condition node. Boolean results are 1 or 0;
// the top-level truth test is non-zero.
type condExpr interface {
	eval(mc core.MarketContext) float64
}

type numberExpr float64

func (n numberExpr) eval(core.MarketContext) float64 { return float64(n) }

type fieldExpr struct {
	get func(core.MarketContext) float64
}

func (f fieldExpr) eval(mc core.MarketContext) float64 { return f.get(mc) }

type unaryExpr struct {
	op    string
	child condExpr
}

func (u unaryExpr) eval(mc core.MarketContext) float64 {
	v := u.child.eval(mc)
	switch u.op {
	case "-":
		return -v
	case "not":
		if v == 0 {
			return 1
		}
		return 0
	}
	return v
}

type binaryExpr struct {
	op          string
	left, right condExpr
}

func (b binaryExpr) eval(mc core.MarketContext) float64 {
	l := b.left.eval(mc)

	// Short-circuit the boolean connectives.
	switch b.op {
	case "and":
		if l == 0 {
			return 0
		}
		return truth(b.right.eval(mc))
	case "or":
		if l != 0 {
			return 1
		}
		return truth(b.right.eval(mc))
	}

	r := b.right.eval(mc)
	switch b.op {
	case "+":
		return l + r
	case "-":
		return l - r
	case "*":
		return l * r
	case "/":
		if r == 0 {
			return 0
		}
		return l / r
	case "<":
		return bool01(r-l > cmpEpsilon)
	case ">":
		return bool01(l-r > cmpEpsilon)
	case "<=":
		return bool01(l-r <= cmpEpsilon)
	case ">=":
		return bool01(r-l <= cmpEpsilon)
	case "==":
		return bool01(approxEqual(l, r))
	case "!=":
		return bool01(!approxEqual(l, r))
	}
	return 0
}

// cmpEpsilon absorbs float rounding in comparisons so that arithmetic
// thresholds behave as written, e.g. "volatility + 0.05 >= 0.40" holds
// at volatility 0.35.
const cmpEpsilon = 1e-9

func approxEqual(a, b float64) bool { return math.Abs(a-b) <= cmpEpsilon }

type callExpr struct {
	fn   string
	args []condExpr
}

func (c callExpr) eval(mc core.MarketContext) float64 {
	switch c.fn {
	case "abs":
		return math.Abs(c.args[0].eval(mc))
	case "min":
		return math.Min(c.args[0].eval(mc), c.args[1].eval(mc))
	case "max":
		return math.Max(c.args[0].eval(mc), c.args[1].eval(mc))
	}
	return 0
}

func truth(v float64) float64 { return bool01(v != 0) }

func bool01(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// compileCondition parses a rule condition into an evaluable expression.
// Anything outside the restricted grammar is rejected.
func compileCondition(condition string) (condExpr, error) {
	tokens, err := lexCondition(condition)
	if err != nil {
		return nil, core.NewFabricError("learning.compileCondition", condition, fmt.Errorf("%w: %v", core.ErrInvalidArgument, err))
	}
	p := &condParser{tokens: tokens}
	expr, err := p.parseOr()
	if err != nil {
		return nil, core.NewFabricError("learning.compileCondition", condition, fmt.Errorf("%w: %v", core.ErrInvalidArgument, err))
	}
	if !p.atEnd() {
		return nil, core.NewFabricError("learning.compileCondition", condition, fmt.Errorf("%w: trailing input at %q", core.ErrInvalidArgument, p.peek().text))
	}
	return expr, nil
}

type condToken struct {
	kind string // "num", "ident", "op", "lparen", "rparen", "comma"
	text string
	num  float64
}

func lexCondition(input string) ([]condToken, error) {
	var tokens []condToken
	i := 0
	for i < len(input) {
		ch := rune(input[i])
		switch {
		case unicode.IsSpace(ch):
			i++
		case ch == '(':
			tokens = append(tokens, condToken{kind: "lparen", text: "("})
			i++
		case ch == ')':
			tokens = append(tokens, condToken{kind: "rparen", text: ")"})
			i++
		case ch == ',':
			tokens = append(tokens, condToken{kind: "comma", text: ","})
			i++
		case strings.ContainsRune("<>=!+-*/", ch):
			op := string(ch)
			if i+1 < len(input) && input[i+1] == '=' && (ch == '<' || ch == '>' || ch == '=' || ch == '!') {
				op += "="
				i++
			}
			if op == "=" || op == "!" {
				return nil, fmt.Errorf("invalid operator %q", op)
			}
			tokens = append(tokens, condToken{kind: "op", text: op})
			i++
		case unicode.IsDigit(ch) || ch == '.':
			j := i
			for j < len(input) && (unicode.IsDigit(rune(input[j])) || input[j] == '.' || input[j] == 'e' ||
				(j > i && (input[j] == '+' || input[j] == '-') && (input[j-1] == 'e'))) {
				j++
			}
			num, err := strconv.ParseFloat(input[i:j], 64)
			if err != nil {
				return nil, fmt.Errorf("invalid number %q", input[i:j])
			}
			tokens = append(tokens, condToken{kind: "num", text: input[i:j], num: num})
			i = j
		case unicode.IsLetter(ch) || ch == '_':
			j := i
			for j < len(input) && (unicode.IsLetter(rune(input[j])) || unicode.IsDigit(rune(input[j])) || input[j] == '_') {
				j++
			}
			tokens = append(tokens, condToken{kind: "ident", text: input[i:j]})
			i = j
		default:
			return nil, fmt.Errorf("invalid character %q", string(ch))
		}
	}
	return tokens, nil
}

type condParser struct {
	tokens []condToken
	pos    int
}

func (p *condParser) atEnd() bool { return p.pos >= len(p.tokens) }

func (p *condParser) peek() condToken {
	if p.atEnd() {
		return condToken{}
	}
	return p.tokens[p.pos]
}

func (p *condParser) next() condToken {
	t := p.peek()
	p.pos++
	return t
}

func (p *condParser) acceptIdent(word string) bool {
	if !p.atEnd() && p.tokens[p.pos].kind == "ident" && p.tokens[p.pos].text == word {
		p.pos++
		return true
	}
	return false
}

func (p *condParser) acceptOp(ops ...string) (string, bool) {
	if p.atEnd() || p.tokens[p.pos].kind != "op" {
		return "", false
	}
	for _, op := range ops {
		if p.tokens[p.pos].text == op {
			p.pos++
			return op, true
		}
	}
	return "", false
}

func (p *condParser) parseOr() (condExpr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.acceptIdent("or") {
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = binaryExpr{op: "or", left: left, right: right}
	}
	return left, nil
}

func (p *condParser) parseAnd() (condExpr, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.acceptIdent("and") {
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = binaryExpr{op: "and", left: left, right: right}
	}
	return left, nil
}

func (p *condParser) parseNot() (condExpr, error) {
	if p.acceptIdent("not") {
		child, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return unaryExpr{op: "not", child: child}, nil
	}
	return p.parseComparison()
}

func (p *condParser) parseComparison() (condExpr, error) {
	left, err := p.parseSum()
	if err != nil {
		return nil, err
	}
	if op, ok := p.acceptOp("<=", ">=", "==", "!=", "<", ">"); ok {
		right, err := p.parseSum()
		if err != nil {
			return nil, err
		}
		return binaryExpr{op: op, left: left, right: right}, nil
	}
	return left, nil
}

func (p *condParser) parseSum() (condExpr, error) {
	left, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	for {
		op, ok := p.acceptOp("+", "-")
		if !ok {
			return left, nil
		}
		right, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		left = binaryExpr{op: op, left: left, right: right}
	}
}

func (p *condParser) parseTerm() (condExpr, error) {
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
		left = binaryExpr{op: op, left: left, right: right}
	}
}

func (p *condParser) parseUnary() (condExpr, error) {
	if _, ok := p.acceptOp("-"); ok {
		child, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return unaryExpr{op: "-", child: child}, nil
	}
	return p.parsePrimary()
}

func (p *condParser) parsePrimary() (condExpr, error) {
	tok := p.peek()
	switch tok.kind {
	case "num":
		p.next()
		return numberExpr(tok.num), nil

	case "lparen":
		p.next()
		expr, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.next().kind != "rparen" {
			return nil, fmt.Errorf("missing closing parenthesis")
		}
		return expr, nil

	case "ident":
		p.next()
		if arity, ok := conditionFuncs[tok.text]; ok {
			return p.parseCall(tok.text, arity)
		}
		if get, ok := conditionFields[tok.text]; ok {
			return fieldExpr{get: get}, nil
		}
		return nil, fmt.Errorf("unknown identifier %q", tok.text)

	default:
		return nil, fmt.Errorf("unexpected token %q", tok.text)
	}
}

func (p *condParser) parseCall(fn string, arity int) (condExpr, error) {
	if p.next().kind != "lparen" {
		return nil, fmt.Errorf("%s requires parentheses", fn)
	}
	var args []condExpr
	for {
		arg, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
		tok := p.next()
		if tok.kind == "rparen" {
			break
		}
		if tok.kind != "comma" {
			return nil, fmt.Errorf("expected comma or closing parenthesis in %s()", fn)
		}
	}
	if len(args) != arity {
		return nil, fmt.Errorf("%s expects %d arguments, got %d", fn, arity, len(args))
	}
	return callExpr{fn: fn, args: args}, nil
}
