package asm

import (
	"fmt"
	"strconv"
	"strings"
)

type tokenKind uint8

const (
	tokenWord tokenKind = iota
	tokenString
	tokenPunct
)

type token struct {
	kind tokenKind
	text string
	col  int
}

func (t token) String() string {
	if t.kind == tokenString {
		return strconv.Quote(t.text)
	}
	return t.text
}

func (t token) is(punct string) bool {
	return t.kind == tokenPunct && t.text == punct
}

const punctuation = "(){}[],=:"

// tokenize splits one source line. A ';' outside a string starts a comment.
func tokenize(line string) ([]token, error) {
	var tokens []token
	for i := 0; i < len(line); {
		c := line[i]
		switch {
		case c == ' ' || c == '\t' || c == '\r':
			i++
		case c == ';':
			return tokens, nil
		case c == '"':
			quoted, err := strconv.QuotedPrefix(line[i:])
			if err != nil {
				return nil, fmt.Errorf("column %d: unterminated string", i+1)
			}
			s, err := strconv.Unquote(quoted)
			if err != nil {
				return nil, fmt.Errorf("column %d: %w", i+1, err)
			}
			tokens = append(tokens, token{kind: tokenString, text: s, col: i + 1})
			i += len(quoted)
		case strings.IndexByte(punctuation, c) >= 0:
			tokens = append(tokens, token{kind: tokenPunct, text: string(c), col: i + 1})
			i++
		default:
			start := i
			for i < len(line) && !isDelimiter(line[i]) {
				i++
			}
			tokens = append(tokens, token{kind: tokenWord, text: line[start:i], col: start + 1})
		}
	}
	return tokens, nil
}

func isDelimiter(c byte) bool {
	return c == ' ' || c == '\t' || c == '\r' || c == ';' || c == '"' || strings.IndexByte(punctuation, c) >= 0
}

// splitOperands splits tokens on top-level commas. Commas inside
// parentheses or braces stay within one operand.
func splitOperands(tokens []token) [][]token {
	if len(tokens) == 0 {
		return nil
	}

	var operands [][]token
	depth := 0
	start := 0
	for i, t := range tokens {
		switch {
		case t.is("(") || t.is("{") || t.is("["):
			depth++
		case t.is(")") || t.is("}") || t.is("]"):
			depth--
		case t.is(",") && depth == 0:
			operands = append(operands, tokens[start:i])
			start = i + 1
		}
	}
	return append(operands, tokens[start:])
}
