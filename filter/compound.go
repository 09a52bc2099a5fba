package filter

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/BaSui01/fleetrpc/types"
)

// TokenKind identifies one element of a compound expression.
type TokenKind string

const (
	TokenStatement TokenKind = "statement"
	TokenFunction  TokenKind = "fstatement"
	TokenAnd       TokenKind = "and"
	TokenOr        TokenKind = "or"
	TokenNot       TokenKind = "not"
	TokenOpen      TokenKind = "("
	TokenClose     TokenKind = ")"
)

// Function is a data plugin call inside a compound expression, written
// as name('query').field <op> value.
type Function struct {
	Name     string `json:"name"`
	Params   string `json:"params"`
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Value    string `json:"value"`
}

// String renders the call in expression syntax.
func (fn Function) String() string {
	return fmt.Sprintf("%s('%s').%s%s%s", fn.Name, fn.Params, fn.Field, fn.Operator, fn.Value)
}

// Token is one element of an Expression.
type Token struct {
	Kind     TokenKind `json:"kind"`
	Value    string    `json:"value,omitempty"`
	Function *Function `json:"function,omitempty"`
}

// Expression is a tokenized compound filter.
type Expression []Token

// Clone deep-copies the expression.
func (e Expression) Clone() Expression {
	out := make(Expression, len(e))
	for i, tok := range e {
		out[i] = tok
		if tok.Function != nil {
			fn := *tok.Function
			out[i].Function = &fn
		}
	}
	return out
}

// String renders the expression back into source form.
func (e Expression) String() string {
	parts := make([]string, 0, len(e))
	for _, tok := range e {
		switch tok.Kind {
		case TokenStatement:
			parts = append(parts, tok.Value)
		case TokenFunction:
			if tok.Function != nil {
				parts = append(parts, tok.Function.String())
			}
		default:
			parts = append(parts, string(tok.Kind))
		}
	}
	return strings.Join(parts, " ")
}

var (
	functionPattern  = regexp.MustCompile(`^(\w+)\(\s*['"]?([^'")]*)['"]?\s*\)(?:\.(\w+))?\s*(==|=~|!=|>=|<=|=|<|>)\s*([^\s()]+)`)
	factStmtPattern  = regexp.MustCompile(`^([\w.\-/:]+)\s*(==|=~|!=|>=|<=|=|<|>)\s*([^\s()]+)`)
	classStmtPattern = regexp.MustCompile(`^[^\s()]+`)
)

// ParseCompound tokenizes an expression such as
//
//	(country=de or country=fr) and not /^web/ and fact('os').value=linux
func ParseCompound(src string) (Expression, error) {
	var expr Expression
	rest := strings.TrimSpace(src)
	if rest == "" {
		return nil, types.NewError(types.ErrInvalidArgument, "empty compound filter")
	}

	for rest != "" {
		switch {
		case rest[0] == '(':
			expr = append(expr, Token{Kind: TokenOpen})
			rest = rest[1:]
		case rest[0] == ')':
			expr = append(expr, Token{Kind: TokenClose})
			rest = rest[1:]
		case rest[0] == '!':
			expr = append(expr, Token{Kind: TokenNot})
			rest = rest[1:]
		default:
			if kw, n := keyword(rest); n > 0 {
				expr = append(expr, Token{Kind: kw})
				rest = rest[n:]
				break
			}
			if m := functionPattern.FindStringSubmatch(rest); m != nil {
				field := m[3]
				if field == "" {
					field = "value"
				}
				expr = append(expr, Token{Kind: TokenFunction, Function: &Function{
					Name: m[1], Params: m[2], Field: field, Operator: m[4], Value: m[5],
				}})
				rest = rest[len(m[0]):]
				break
			}
			if m := factStmtPattern.FindString(rest); m != "" {
				expr = append(expr, Token{Kind: TokenStatement, Value: strings.ReplaceAll(m, " ", "")})
				rest = rest[len(m):]
				break
			}
			m := classStmtPattern.FindString(rest)
			expr = append(expr, Token{Kind: TokenStatement, Value: m})
			rest = rest[len(m):]
		}
		rest = strings.TrimSpace(rest)
	}

	if err := expr.check(); err != nil {
		return nil, err
	}
	return expr, nil
}

func keyword(s string) (TokenKind, int) {
	for _, kw := range []TokenKind{TokenAnd, TokenOr, TokenNot} {
		w := string(kw)
		if len(s) >= len(w) && strings.EqualFold(s[:len(w)], w) {
			if len(s) == len(w) || s[len(w)] == ' ' || s[len(w)] == '(' || s[len(w)] == '!' {
				return kw, len(w)
			}
		}
	}
	return "", 0
}

// check enforces operand/operator alternation and balanced parentheses.
func (e Expression) check() error {
	depth := 0
	expectOperand := true
	for i, tok := range e {
		switch tok.Kind {
		case TokenStatement, TokenFunction:
			if !expectOperand {
				return types.Errorf(types.ErrInvalidArgument, "unexpected statement at position %d in compound filter", i)
			}
			expectOperand = false
		case TokenNot, TokenOpen:
			if !expectOperand {
				return types.Errorf(types.ErrInvalidArgument, "unexpected %q at position %d in compound filter", tok.Kind, i)
			}
			if tok.Kind == TokenOpen {
				depth++
			}
		case TokenAnd, TokenOr:
			if expectOperand {
				return types.Errorf(types.ErrInvalidArgument, "unexpected %q at position %d in compound filter", tok.Kind, i)
			}
			expectOperand = true
		case TokenClose:
			if expectOperand || depth == 0 {
				return types.Errorf(types.ErrInvalidArgument, "unexpected ')' at position %d in compound filter", i)
			}
			depth--
		default:
			return types.Errorf(types.ErrInvalidArgument, "unknown token kind %q", tok.Kind)
		}
	}
	if depth != 0 {
		return types.NewError(types.ErrInvalidArgument, "unbalanced parentheses in compound filter")
	}
	if expectOperand {
		return types.NewError(types.ErrInvalidArgument, "compound filter ends with an operator")
	}
	return nil
}

// evaluator walks an expression with precedence not > and > or.
type evaluator struct {
	tokens Expression
	pos    int
	leaf   func(Token) bool
}

func (ev *evaluator) peek() *Token {
	if ev.pos >= len(ev.tokens) {
		return nil
	}
	return &ev.tokens[ev.pos]
}

func (ev *evaluator) or() bool {
	result := ev.and()
	for tok := ev.peek(); tok != nil && tok.Kind == TokenOr; tok = ev.peek() {
		ev.pos++
		rhs := ev.and()
		result = result || rhs
	}
	return result
}

func (ev *evaluator) and() bool {
	result := ev.unary()
	for tok := ev.peek(); tok != nil && tok.Kind == TokenAnd; tok = ev.peek() {
		ev.pos++
		rhs := ev.unary()
		result = result && rhs
	}
	return result
}

func (ev *evaluator) unary() bool {
	tok := ev.peek()
	if tok == nil {
		return false
	}
	switch tok.Kind {
	case TokenNot:
		ev.pos++
		return !ev.unary()
	case TokenOpen:
		ev.pos++
		result := ev.or()
		if next := ev.peek(); next != nil && next.Kind == TokenClose {
			ev.pos++
		}
		return result
	default:
		ev.pos++
		return ev.leaf(*tok)
	}
}

// Eval evaluates the expression, delegating statements to leaf.
// Malformed expressions evaluate to false.
func (e Expression) Eval(leaf func(Token) bool) bool {
	if len(e) == 0 || e.check() != nil {
		return false
	}
	ev := &evaluator{tokens: e, leaf: leaf}
	return ev.or()
}
