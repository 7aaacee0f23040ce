package sigma

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// ---------------- Tokens ----------------

type TokenKind int

const (
	TokIdentifier TokenKind = iota
	TokAnd
	TokOr
	TokNot
	TokLeftParen
	TokRightParen
	TokOf
	TokThem
	TokAll
	TokNumber
	TokWildcard
)

type Token struct {
	Kind   TokenKind
	Text   string // Identifier / Wildcard / chữ số gốc của Number
	Number int    // Number
}

// TokenizeCondition quét chuỗi condition. Keyword không phân biệt hoa thường.
func TokenizeCondition(cond string) ([]Token, error) {
	toks := make([]Token, 0, 8)
	rs := []rune(cond)
	i, n := 0, len(rs)

	for i < n {
		ch := rs[i]
		switch {
		case unicode.IsSpace(ch):
			i++
		case ch == '(':
			toks = append(toks, Token{Kind: TokLeftParen})
			i++
		case ch == ')':
			toks = append(toks, Token{Kind: TokRightParen})
			i++
		case ch >= '0' && ch <= '9':
			start := i
			for i < n && rs[i] >= '0' && rs[i] <= '9' {
				i++
			}
			// "1selection" vẫn là identifier
			if i < n && isIdentRune(rs[i]) {
				for i < n && isIdentRune(rs[i]) {
					i++
				}
				toks = append(toks, identToken(string(rs[start:i])))
				continue
			}
			digits := string(rs[start:i])
			num, err := strconv.Atoi(digits)
			if err != nil {
				toks = append(toks, Token{Kind: TokIdentifier, Text: digits})
				continue
			}
			toks = append(toks, Token{Kind: TokNumber, Number: num, Text: digits})
		case isIdentRune(ch):
			start := i
			for i < n && isIdentRune(rs[i]) {
				i++
			}
			toks = append(toks, identToken(string(rs[start:i])))
		default:
			return nil, fmt.Errorf("unexpected character in condition: '%c'", ch)
		}
	}
	// số không đứng trước "of" là tên block toàn chữ số ("123")
	for k := range toks {
		if toks[k].Kind == TokNumber && (k+1 == len(toks) || toks[k+1].Kind != TokOf) {
			toks[k].Kind = TokIdentifier
		}
	}
	return toks, nil
}

func identToken(ident string) Token {
	switch strings.ToLower(ident) {
	case "and":
		return Token{Kind: TokAnd}
	case "or":
		return Token{Kind: TokOr}
	case "not":
		return Token{Kind: TokNot}
	case "of":
		return Token{Kind: TokOf}
	case "them":
		return Token{Kind: TokThem}
	case "all":
		return Token{Kind: TokAll}
	}
	if strings.ContainsAny(ident, "*?") {
		return Token{Kind: TokWildcard, Text: ident}
	}
	return Token{Kind: TokIdentifier, Text: ident}
}

func isIdentRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '-' || r == '.' || r == '*' || r == '?'
}

// ---------------- Parser ----------------

type conditionParser struct {
	tokens []Token
	pos    int
}

func (p *conditionParser) current() *Token {
	if p.pos < len(p.tokens) {
		return &p.tokens[p.pos]
	}
	return nil
}

func (p *conditionParser) advance() *Token {
	tok := p.current()
	if tok != nil {
		p.pos++
	}
	return tok
}

func (p *conditionParser) at(kind TokenKind) bool {
	t := p.current()
	return t != nil && t.Kind == kind
}

// OR (thấp nhất)
func (p *conditionParser) parseOrExpression() (*ConditionExpr, error) {
	first, err := p.parseAndExpression()
	if err != nil {
		return nil, err
	}
	children := []*ConditionExpr{first}
	for p.at(TokOr) {
		p.advance()
		right, err := p.parseAndExpression()
		if err != nil {
			return nil, err
		}
		children = append(children, right)
	}
	if len(children) == 1 {
		return first, nil
	}
	return Or(children...), nil
}

// AND (trung bình)
func (p *conditionParser) parseAndExpression() (*ConditionExpr, error) {
	first, err := p.parseNotExpression()
	if err != nil {
		return nil, err
	}
	children := []*ConditionExpr{first}
	for p.at(TokAnd) {
		p.advance()
		right, err := p.parseNotExpression()
		if err != nil {
			return nil, err
		}
		children = append(children, right)
	}
	if len(children) == 1 {
		return first, nil
	}
	return And(children...), nil
}

// NOT (cao nhất)
func (p *conditionParser) parseNotExpression() (*ConditionExpr, error) {
	if p.at(TokNot) {
		p.advance()
		operand, err := p.parseNotExpression()
		if err != nil {
			return nil, err
		}
		return Not(operand), nil
	}
	return p.parsePrimary()
}

func (p *conditionParser) parsePrimary() (*ConditionExpr, error) {
	t := p.current()
	if t == nil {
		return nil, fmt.Errorf("unexpected end of condition")
	}

	switch t.Kind {
	case TokLeftParen:
		p.advance()
		expr, err := p.parseOrExpression()
		if err != nil {
			return nil, err
		}
		if !p.at(TokRightParen) {
			return nil, fmt.Errorf("expected closing parenthesis")
		}
		p.advance()
		return expr, nil

	case TokIdentifier:
		p.advance()
		return Ref(t.Text), nil

	case TokWildcard:
		return nil, fmt.Errorf("wildcard %q must follow '1 of' or 'all of'", t.Text)

	case TokNumber:
		count := t.Number
		p.advance()
		if !p.at(TokOf) {
			return nil, fmt.Errorf("expected 'of' after number")
		}
		p.advance()
		if count != 1 {
			return nil, fmt.Errorf("only '1 of' is supported, got '%d of'", count)
		}
		pattern, err := p.quantifierTarget()
		if err != nil {
			return nil, err
		}
		return OneOf(pattern), nil

	case TokAll:
		p.advance()
		if !p.at(TokOf) {
			return nil, fmt.Errorf("expected 'of' after 'all'")
		}
		p.advance()
		pattern, err := p.quantifierTarget()
		if err != nil {
			return nil, err
		}
		return AllOf(pattern), nil
	}
	return nil, fmt.Errorf("unexpected token in condition")
}

// sau "of": them | wildcard | identifier
func (p *conditionParser) quantifierTarget() (string, error) {
	t := p.current()
	if t == nil {
		return "", fmt.Errorf("expected 'them' or pattern after 'of'")
	}
	switch t.Kind {
	case TokThem:
		p.advance()
		return Them, nil
	case TokWildcard, TokIdentifier:
		p.advance()
		return t.Text, nil
	}
	return "", fmt.Errorf("expected 'them' or pattern after 'of'")
}

// ParseCondition parse chuỗi condition thành cây, chưa kiểm tra tham chiếu.
func ParseCondition(cond string) (*ConditionExpr, error) {
	tokens, err := TokenizeCondition(cond)
	if err != nil {
		return nil, err
	}
	if len(tokens) == 0 {
		return nil, fmt.Errorf("empty condition")
	}
	p := &conditionParser{tokens: tokens}
	expr, err := p.parseOrExpression()
	if err != nil {
		return nil, err
	}
	if p.pos != len(p.tokens) {
		return nil, fmt.Errorf("unexpected trailing tokens in condition")
	}
	return expr, nil
}
