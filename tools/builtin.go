package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"

	"rag.evalgo.org/common"
)

// Calculator evaluates arithmetic expressions with +, -, *, /, parentheses
// and decimal numbers.
type Calculator struct{}

func (Calculator) Name() string { return "calculator" }

func (Calculator) Description() string {
	return "Evaluates an arithmetic expression. Supports +, -, *, / and parentheses."
}

func (Calculator) InputSchema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"expression": {"type": "string", "description": "The expression to evaluate, e.g. (2+3)*4"}
		},
		"required": ["expression"]
	}`)
}

func (Calculator) Invoke(ctx context.Context, args json.RawMessage) (string, error) {
	var in struct {
		Expression string `json:"expression"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return "", common.Wrap(common.KindValidation, "TOOL_ARGS", "decoding calculator arguments", err)
	}
	value, err := evalExpression(in.Expression)
	if err != nil {
		return "", err
	}
	return strconv.FormatFloat(value, 'f', -1, 64), nil
}

// CurrentTime reports the current time, optionally in a named IANA zone.
type CurrentTime struct {
	// Now is overridable for tests; defaults to time.Now.
	Now func() time.Time
}

func (CurrentTime) Name() string { return "current_time" }

func (CurrentTime) Description() string {
	return "Returns the current date and time, optionally in a given IANA timezone."
}

func (CurrentTime) InputSchema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"timezone": {"type": "string", "description": "IANA timezone name, e.g. Europe/Berlin. Defaults to UTC."}
		}
	}`)
}

func (t CurrentTime) Invoke(ctx context.Context, args json.RawMessage) (string, error) {
	var in struct {
		Timezone string `json:"timezone"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return "", common.Wrap(common.KindValidation, "TOOL_ARGS", "decoding current_time arguments", err)
	}
	loc := time.UTC
	if in.Timezone != "" {
		parsed, err := time.LoadLocation(in.Timezone)
		if err != nil {
			return "", common.Wrap(common.KindValidation, "TOOL_ARGS", "unknown timezone "+in.Timezone, err)
		}
		loc = parsed
	}
	now := time.Now
	if t.Now != nil {
		now = t.Now
	}
	return now().In(loc).Format(time.RFC3339), nil
}

// evalExpression is a recursive-descent evaluator over the grammar
// expr = term {(+|-) term}; term = factor {(*|/) factor};
// factor = number | "(" expr ")" | "-" factor.
func evalExpression(input string) (float64, error) {
	p := &exprParser{input: input}
	value, err := p.parseExpr()
	if err != nil {
		return 0, err
	}
	p.skipSpace()
	if p.pos < len(p.input) {
		return 0, common.E(common.KindValidation, "BAD_EXPRESSION",
			fmt.Sprintf("unexpected character %q at position %d", p.input[p.pos], p.pos))
	}
	return value, nil
}

type exprParser struct {
	input string
	pos   int
}

func (p *exprParser) parseExpr() (float64, error) {
	value, err := p.parseTerm()
	if err != nil {
		return 0, err
	}
	for {
		p.skipSpace()
		if p.pos >= len(p.input) {
			return value, nil
		}
		op := p.input[p.pos]
		if op != '+' && op != '-' {
			return value, nil
		}
		p.pos++
		rhs, err := p.parseTerm()
		if err != nil {
			return 0, err
		}
		if op == '+' {
			value += rhs
		} else {
			value -= rhs
		}
	}
}

func (p *exprParser) parseTerm() (float64, error) {
	value, err := p.parseFactor()
	if err != nil {
		return 0, err
	}
	for {
		p.skipSpace()
		if p.pos >= len(p.input) {
			return value, nil
		}
		op := p.input[p.pos]
		if op != '*' && op != '/' {
			return value, nil
		}
		p.pos++
		rhs, err := p.parseFactor()
		if err != nil {
			return 0, err
		}
		if op == '*' {
			value *= rhs
		} else {
			if rhs == 0 {
				return 0, common.E(common.KindValidation, "BAD_EXPRESSION", "division by zero")
			}
			value /= rhs
		}
	}
}

func (p *exprParser) parseFactor() (float64, error) {
	p.skipSpace()
	if p.pos >= len(p.input) {
		return 0, common.E(common.KindValidation, "BAD_EXPRESSION", "unexpected end of expression")
	}
	switch {
	case p.input[p.pos] == '-':
		p.pos++
		value, err := p.parseFactor()
		return -value, err
	case p.input[p.pos] == '(':
		p.pos++
		value, err := p.parseExpr()
		if err != nil {
			return 0, err
		}
		p.skipSpace()
		if p.pos >= len(p.input) || p.input[p.pos] != ')' {
			return 0, common.E(common.KindValidation, "BAD_EXPRESSION", "missing closing parenthesis")
		}
		p.pos++
		return value, nil
	default:
		start := p.pos
		for p.pos < len(p.input) &&
			(unicode.IsDigit(rune(p.input[p.pos])) || p.input[p.pos] == '.') {
			p.pos++
		}
		if start == p.pos {
			return 0, common.E(common.KindValidation, "BAD_EXPRESSION",
				fmt.Sprintf("unexpected character %q at position %d", p.input[p.pos], p.pos))
		}
		value, err := strconv.ParseFloat(strings.TrimSpace(p.input[start:p.pos]), 64)
		if err != nil {
			return 0, common.Wrap(common.KindValidation, "BAD_EXPRESSION",
				"invalid number "+p.input[start:p.pos], err)
		}
		return value, nil
	}
}

func (p *exprParser) skipSpace() {
	for p.pos < len(p.input) && (p.input[p.pos] == ' ' || p.input[p.pos] == '\t') {
		p.pos++
	}
}
