package sqlguard

import (
	"fmt"
	"strings"
)

type tokenKind int

const (
	tokenWord tokenKind = iota // unquoted identifier or keyword
	tokenIdent                 // double-quoted identifier
	tokenString
	tokenNumber
	tokenParam // $1 style placeholder
	tokenOperator
	tokenSemicolon
	tokenOpenParen
	tokenCloseParen
)

// token is one lexical unit of a statement. depth is the parenthesis nesting
// level at the token's position, with 0 meaning top level.
type token struct {
	kind  tokenKind
	text  string
	depth int
	pos   int
}

// upper returns the keyword form of a word token.
func (t token) upper() string { return strings.ToUpper(t.text) }

// tokenize splits Postgres SQL into tokens. It understands the full quoting
// repertoire a statement can hide keywords in: standard and E'' string
// literals, double-quoted identifiers, dollar-quoted strings, line comments
// and nested block comments. Comments produce no tokens.
func tokenize(input string) ([]token, error) {
	var toks []token
	depth := 0
	i := 0
	n := len(input)

	for i < n {
		c := input[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++

		case c == '-' && i+1 < n && input[i+1] == '-':
			for i < n && input[i] != '\n' {
				i++
			}

		case c == '/' && i+1 < n && input[i+1] == '*':
			end, err := skipBlockComment(input, i)
			if err != nil {
				return nil, err
			}
			i = end

		case c == '\'':
			end, err := scanString(input, i)
			if err != nil {
				return nil, err
			}
			toks = append(toks, token{kind: tokenString, text: input[i:end], depth: depth, pos: i})
			i = end

		case (c == 'e' || c == 'E') && i+1 < n && input[i+1] == '\'':
			end, err := scanEscapeString(input, i+1)
			if err != nil {
				return nil, err
			}
			toks = append(toks, token{kind: tokenString, text: input[i:end], depth: depth, pos: i})
			i = end

		case c == '"':
			end, err := scanQuotedIdent(input, i)
			if err != nil {
				return nil, err
			}
			toks = append(toks, token{kind: tokenIdent, text: input[i:end], depth: depth, pos: i})
			i = end

		case c == '$':
			if tag, ok := dollarTag(input[i:]); ok {
				end, err := scanDollarString(input, i, tag)
				if err != nil {
					return nil, err
				}
				toks = append(toks, token{kind: tokenString, text: input[i:end], depth: depth, pos: i})
				i = end
			} else {
				end := i + 1
				for end < n && isDigit(input[end]) {
					end++
				}
				toks = append(toks, token{kind: tokenParam, text: input[i:end], depth: depth, pos: i})
				i = end
			}

		case c == ';':
			toks = append(toks, token{kind: tokenSemicolon, text: ";", depth: depth, pos: i})
			i++

		case c == '(':
			toks = append(toks, token{kind: tokenOpenParen, text: "(", depth: depth, pos: i})
			depth++
			i++

		case c == ')':
			if depth > 0 {
				depth--
			}
			toks = append(toks, token{kind: tokenCloseParen, text: ")", depth: depth, pos: i})
			i++

		case isWordStart(c):
			end := i + 1
			for end < n && isWordPart(input[end]) {
				end++
			}
			toks = append(toks, token{kind: tokenWord, text: input[i:end], depth: depth, pos: i})
			i = end

		case isDigit(c) || (c == '.' && i+1 < n && isDigit(input[i+1])):
			end := i + 1
			for end < n && (isDigit(input[end]) || input[end] == '.' || input[end] == 'e' ||
				input[end] == 'E' || input[end] == '_') {
				end++
			}
			toks = append(toks, token{kind: tokenNumber, text: input[i:end], depth: depth, pos: i})
			i = end

		default:
			toks = append(toks, token{kind: tokenOperator, text: string(c), depth: depth, pos: i})
			i++
		}
	}
	return toks, nil
}

// skipBlockComment consumes a /* */ comment starting at i. Postgres block
// comments nest.
func skipBlockComment(input string, i int) (int, error) {
	nesting := 0
	n := len(input)
	for i < n {
		switch {
		case input[i] == '/' && i+1 < n && input[i+1] == '*':
			nesting++
			i += 2
		case input[i] == '*' && i+1 < n && input[i+1] == '/':
			nesting--
			i += 2
			if nesting == 0 {
				return i, nil
			}
		default:
			i++
		}
	}
	return 0, fmt.Errorf("unterminated block comment")
}

// scanString consumes a standard '...' literal where '' is an escaped quote.
func scanString(input string, i int) (int, error) {
	n := len(input)
	i++ // opening quote
	for i < n {
		if input[i] == '\'' {
			if i+1 < n && input[i+1] == '\'' {
				i += 2
				continue
			}
			return i + 1, nil
		}
		i++
	}
	return 0, fmt.Errorf("unterminated string literal")
}

// scanEscapeString consumes the '...' part of an E'...' literal, where
// backslash escapes anything including the closing quote.
func scanEscapeString(input string, i int) (int, error) {
	n := len(input)
	i++ // opening quote
	for i < n {
		switch input[i] {
		case '\\':
			i += 2
		case '\'':
			if i+1 < n && input[i+1] == '\'' {
				i += 2
				continue
			}
			return i + 1, nil
		default:
			i++
		}
	}
	return 0, fmt.Errorf("unterminated escape string literal")
}

// scanQuotedIdent consumes a "..." identifier where "" is an escaped quote.
func scanQuotedIdent(input string, i int) (int, error) {
	n := len(input)
	i++ // opening quote
	for i < n {
		if input[i] == '"' {
			if i+1 < n && input[i+1] == '"' {
				i += 2
				continue
			}
			return i + 1, nil
		}
		i++
	}
	return 0, fmt.Errorf("unterminated quoted identifier")
}

// dollarTag reports whether s starts a dollar-quoted string and returns the
// full opening tag including both dollar signs, e.g. "$$" or "$body$".
func dollarTag(s string) (string, bool) {
	if len(s) < 2 || s[0] != '$' {
		return "", false
	}
	if s[1] == '$' {
		return "$$", true
	}
	if !isWordStart(s[1]) {
		return "", false
	}
	i := 2
	for i < len(s) && s[i] != '$' {
		if !isWordStart(s[i]) && !isDigit(s[i]) {
			return "", false
		}
		i++
	}
	if i < len(s) {
		return s[:i+1], true
	}
	return "", false
}

// scanDollarString consumes a $tag$...$tag$ literal starting at i.
func scanDollarString(input string, i int, tag string) (int, error) {
	body := i + len(tag)
	end := strings.Index(input[body:], tag)
	if end < 0 {
		return 0, fmt.Errorf("unterminated dollar-quoted string %s", tag)
	}
	return body + end + len(tag), nil
}

func isWordStart(c byte) bool {
	return c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= 0x80
}

func isWordPart(c byte) bool {
	return isWordStart(c) || isDigit(c) || c == '$'
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }
