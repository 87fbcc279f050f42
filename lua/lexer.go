package lua

import (
	"fmt"
	"strings"
)

// SyntaxError is a lex or parse failure with its source position. EOF
// marks errors caused by truncated input, which the REPL treats as
// "incomplete" rather than "invalid".
type SyntaxError struct {
	Source string
	Line   int
	Msg    string
	Near   string
	EOF    bool
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("%s:%d: %s near %s", e.Source, e.Line, e.Msg, e.Near)
}

type lexer struct {
	source string
	input  string
	pos    int
	line   int
}

func newLexer(source, input string) *lexer {
	return &lexer{source: source, input: input, line: 1}
}

func (l *lexer) errf(format string, args ...any) *SyntaxError {
	return &SyntaxError{
		Source: l.source,
		Line:   l.line,
		Msg:    fmt.Sprintf(format, args...),
		Near:   "<eof>",
		EOF:    l.pos >= len(l.input),
	}
}

func (l *lexer) peek() byte {
	if l.pos >= len(l.input) {
		return 0
	}
	return l.input[l.pos]
}

func (l *lexer) peekAt(offset int) byte {
	if l.pos+offset >= len(l.input) {
		return 0
	}
	return l.input[l.pos+offset]
}

func (l *lexer) advance() byte {
	c := l.input[l.pos]
	l.pos++
	if c == '\n' {
		l.line++
	}
	return c
}

func isDigit(c byte) bool  { return c >= '0' && c <= '9' }
func isAlpha(c byte) bool  { return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') }
func isAlnum(c byte) bool  { return isAlpha(c) || isDigit(c) }
func isHex(c byte) bool    { return isDigit(c) || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F') }

// tokenize scans the whole input up front. The chunk sizes the kernel
// sees are REPL cells and small scripts; scanning eagerly keeps the
// parser simple.
func (l *lexer) tokenize() ([]Token, error) {
	var tokens []Token
	for {
		if err := l.skipSpace(); err != nil {
			return nil, err
		}
		if l.pos >= len(l.input) {
			tokens = append(tokens, Token{Type: TokEOF, Line: l.line})
			return tokens, nil
		}
		tok, err := l.next()
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, tok)
	}
}

func (l *lexer) skipSpace() error {
	for l.pos < len(l.input) {
		c := l.peek()
		switch {
		case c == ' ' || c == '\t' || c == '\r' || c == '\n':
			l.advance()
		case c == '-' && l.peekAt(1) == '-':
			l.pos += 2
			if l.peek() == '[' && l.peekAt(1) == '[' {
				if !l.skipLongBracket() {
					return l.errf("unfinished long comment")
				}
				continue
			}
			for l.pos < len(l.input) && l.peek() != '\n' {
				l.pos++
			}
		default:
			return nil
		}
	}
	return nil
}

func (l *lexer) skipLongBracket() bool {
	l.pos += 2 // opening [[
	for l.pos < len(l.input) {
		if l.peek() == ']' && l.peekAt(1) == ']' {
			l.pos += 2
			return true
		}
		l.advance()
	}
	return false
}

func (l *lexer) next() (Token, error) {
	line := l.line
	c := l.peek()

	switch {
	case isDigit(c):
		return l.scanNumber(line)
	case isAlpha(c):
		start := l.pos
		for l.pos < len(l.input) && isAlnum(l.peek()) {
			l.pos++
		}
		text := l.input[start:l.pos]
		if kw, ok := keywords[text]; ok {
			return Token{Type: kw, Text: text, Line: line}, nil
		}
		return Token{Type: TokName, Text: text, Line: line}, nil
	case c == '\'' || c == '"':
		return l.scanString(line)
	}

	l.advance()
	simple := func(t TokenType) (Token, error) {
		return Token{Type: t, Text: string(c), Line: line}, nil
	}
	switch c {
	case '+':
		return simple(TokPlus)
	case '-':
		return simple(TokMinus)
	case '*':
		return simple(TokStar)
	case '/':
		return simple(TokSlash)
	case '%':
		return simple(TokPercent)
	case '^':
		return simple(TokCaret)
	case '#':
		return simple(TokHash)
	case '(':
		return simple(TokLParen)
	case ')':
		return simple(TokRParen)
	case '{':
		return simple(TokLBrace)
	case '}':
		return simple(TokRBrace)
	case '[':
		return simple(TokLBracket)
	case ']':
		return simple(TokRBracket)
	case ';':
		return simple(TokSemi)
	case ':':
		return simple(TokColon)
	case ',':
		return simple(TokComma)
	case '=':
		if l.peek() == '=' {
			l.advance()
			return Token{Type: TokEq, Text: "==", Line: line}, nil
		}
		return simple(TokAssign)
	case '~':
		if l.peek() == '=' {
			l.advance()
			return Token{Type: TokNe, Text: "~=", Line: line}, nil
		}
		return Token{}, l.errf("unexpected symbol '~'")
	case '<':
		if l.peek() == '=' {
			l.advance()
			return Token{Type: TokLe, Text: "<=", Line: line}, nil
		}
		return simple(TokLt)
	case '>':
		if l.peek() == '=' {
			l.advance()
			return Token{Type: TokGe, Text: ">=", Line: line}, nil
		}
		return simple(TokGt)
	case '.':
		if l.peek() == '.' {
			l.advance()
			if l.peek() == '.' {
				l.advance()
				return Token{Type: TokEllipsis, Text: "...", Line: line}, nil
			}
			return Token{Type: TokConcat, Text: "..", Line: line}, nil
		}
		return simple(TokDot)
	}
	return Token{}, l.errf("unexpected symbol '%c'", c)
}

func (l *lexer) scanNumber(line int) (Token, error) {
	start := l.pos
	if l.peek() == '0' && (l.peekAt(1) == 'x' || l.peekAt(1) == 'X') {
		l.pos += 2
		for l.pos < len(l.input) && isHex(l.peek()) {
			l.pos++
		}
		return Token{Type: TokNumber, Text: l.input[start:l.pos], Line: line}, nil
	}
	for l.pos < len(l.input) && isDigit(l.peek()) {
		l.pos++
	}
	if l.peek() == '.' && isDigit(l.peekAt(1)) {
		l.pos++
		for l.pos < len(l.input) && isDigit(l.peek()) {
			l.pos++
		}
	}
	if l.peek() == 'e' || l.peek() == 'E' {
		mark := l.pos
		l.pos++
		if l.peek() == '+' || l.peek() == '-' {
			l.pos++
		}
		if !isDigit(l.peek()) {
			l.pos = mark
		} else {
			for l.pos < len(l.input) && isDigit(l.peek()) {
				l.pos++
			}
		}
	}
	return Token{Type: TokNumber, Text: l.input[start:l.pos], Line: line}, nil
}

func (l *lexer) scanString(line int) (Token, error) {
	quote := l.advance()
	var sb strings.Builder
	for {
		if l.pos >= len(l.input) {
			return Token{}, &SyntaxError{
				Source: l.source, Line: line,
				Msg: "unfinished string", Near: "<eof>", EOF: true,
			}
		}
		c := l.advance()
		if c == quote {
			return Token{Type: TokString, Text: sb.String(), Line: line}, nil
		}
		if c == '\n' {
			return Token{}, &SyntaxError{
				Source: l.source, Line: line,
				Msg: "unfinished string", Near: fmt.Sprintf("'%s'", sb.String()),
			}
		}
		if c == '\\' {
			if l.pos >= len(l.input) {
				return Token{}, &SyntaxError{
					Source: l.source, Line: line,
					Msg: "unfinished string", Near: "<eof>", EOF: true,
				}
			}
			esc := l.advance()
			switch esc {
			case 'n':
				sb.WriteByte('\n')
			case 't':
				sb.WriteByte('\t')
			case 'r':
				sb.WriteByte('\r')
			case '\\', '\'', '"':
				sb.WriteByte(esc)
			case '0':
				sb.WriteByte(0)
			default:
				return Token{}, &SyntaxError{
					Source: l.source, Line: l.line,
					Msg: fmt.Sprintf("invalid escape sequence '\\%c'", esc), Near: sb.String(),
				}
			}
			continue
		}
		sb.WriteByte(c)
	}
}
