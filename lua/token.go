// Package lua implements the kernel's built-in script engine: a
// tree-walking interpreter for a Lua subset with line-accurate debug
// hooks, frame introspection, and cooperative abort. It satisfies the
// script.Engine capability surface.
package lua

import "fmt"

// TokenType identifies a lexical token.
type TokenType int

const (
	TokEOF TokenType = iota
	TokName
	TokNumber
	TokString

	// Keywords
	TokAnd
	TokBreak
	TokDo
	TokElse
	TokElseif
	TokEnd
	TokFalse
	TokFor
	TokFunction
	TokIf
	TokIn
	TokLocal
	TokNil
	TokNot
	TokOr
	TokRepeat
	TokReturn
	TokThen
	TokTrue
	TokUntil
	TokWhile

	// Symbols
	TokPlus
	TokMinus
	TokStar
	TokSlash
	TokPercent
	TokCaret
	TokHash
	TokEq
	TokNe
	TokLe
	TokGe
	TokLt
	TokGt
	TokAssign
	TokLParen
	TokRParen
	TokLBrace
	TokRBrace
	TokLBracket
	TokRBracket
	TokSemi
	TokColon
	TokComma
	TokDot
	TokConcat
	TokEllipsis
)

var keywords = map[string]TokenType{
	"and":      TokAnd,
	"break":    TokBreak,
	"do":       TokDo,
	"else":     TokElse,
	"elseif":   TokElseif,
	"end":      TokEnd,
	"false":    TokFalse,
	"for":      TokFor,
	"function": TokFunction,
	"if":       TokIf,
	"in":       TokIn,
	"local":    TokLocal,
	"nil":      TokNil,
	"not":      TokNot,
	"or":       TokOr,
	"repeat":   TokRepeat,
	"return":   TokReturn,
	"then":     TokThen,
	"true":     TokTrue,
	"until":    TokUntil,
	"while":    TokWhile,
}

// Keywords returns the language keyword list (used for completion).
func Keywords() []string {
	out := make([]string, 0, len(keywords))
	for kw := range keywords {
		out = append(out, kw)
	}
	return out
}

// Token is one lexical token with its source line.
type Token struct {
	Type TokenType
	Text string
	Line int
}

func (t Token) String() string {
	switch t.Type {
	case TokEOF:
		return "<eof>"
	case TokString:
		return fmt.Sprintf("'%s'", t.Text)
	default:
		return t.Text
	}
}
