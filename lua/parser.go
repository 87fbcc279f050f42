package lua

import (
	"fmt"
	"strconv"
	"strings"
)

// Parse compiles source text into a statement list. The source name is
// used in error positions and tracebacks ("s.lua:3: ...").
func Parse(source, code string) ([]Stmt, error) {
	tokens, err := newLexer(source, code).tokenize()
	if err != nil {
		return nil, err
	}
	p := &parser{source: source, tokens: tokens}
	block, err := p.block()
	if err != nil {
		return nil, err
	}
	if p.peek().Type != TokEOF {
		return nil, p.errf("unexpected symbol")
	}
	return block, nil
}

type parser struct {
	source string
	tokens []Token
	pos    int
}

func (p *parser) peek() Token     { return p.tokens[p.pos] }
func (p *parser) peekNext() Token {
	if p.pos+1 < len(p.tokens) {
		return p.tokens[p.pos+1]
	}
	return p.tokens[len(p.tokens)-1]
}

func (p *parser) advance() Token {
	t := p.tokens[p.pos]
	if t.Type != TokEOF {
		p.pos++
	}
	return t
}

func (p *parser) check(t TokenType) bool { return p.peek().Type == t }

func (p *parser) accept(t TokenType) bool {
	if p.check(t) {
		p.advance()
		return true
	}
	return false
}

func (p *parser) errf(format string, args ...any) *SyntaxError {
	tok := p.peek()
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	return &SyntaxError{
		Source: p.source,
		Line:   tok.Line,
		Msg:    msg,
		Near:   tok.String(),
		EOF:    tok.Type == TokEOF,
	}
}

func (p *parser) expect(t TokenType, what string) (Token, error) {
	if !p.check(t) {
		return Token{}, p.errf("%s expected", what)
	}
	return p.advance(), nil
}

// blockEnd tokens terminate a block without being consumed.
func blockEnds(t TokenType) bool {
	switch t {
	case TokEOF, TokEnd, TokElse, TokElseif, TokUntil:
		return true
	}
	return false
}

func (p *parser) block() ([]Stmt, error) {
	var stmts []Stmt
	for !blockEnds(p.peek().Type) {
		if p.accept(TokSemi) {
			continue
		}
		stmt, err := p.statement()
		if err != nil {
			return nil, err
		}
		stmts = append(stmts, stmt)
		// return must close the block
		if _, isReturn := stmt.(*ReturnStmt); isReturn {
			p.accept(TokSemi)
			break
		}
	}
	return stmts, nil
}

func (p *parser) statement() (Stmt, error) {
	tok := p.peek()
	switch tok.Type {
	case TokLocal:
		return p.localStatement()
	case TokIf:
		return p.ifStatement()
	case TokWhile:
		return p.whileStatement()
	case TokRepeat:
		return p.repeatStatement()
	case TokFor:
		return p.forStatement()
	case TokFunction:
		return p.functionStatement(false)
	case TokReturn:
		p.advance()
		stmt := &ReturnStmt{Line: tok.Line}
		if !blockEnds(p.peek().Type) && !p.check(TokSemi) {
			expr, err := p.expression()
			if err != nil {
				return nil, err
			}
			stmt.Expr = expr
		}
		return stmt, nil
	case TokBreak:
		p.advance()
		return &BreakStmt{Line: tok.Line}, nil
	case TokDo:
		p.advance()
		body, err := p.block()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(TokEnd, "'end'"); err != nil {
			return nil, err
		}
		// a bare do-block behaves as an if-true block
		return &IfStmt{Line: tok.Line, Conds: []Expr{&BoolExpr{Line: tok.Line, Value: true}}, Blocks: [][]Stmt{body}}, nil
	}
	return p.exprStatement()
}

func (p *parser) localStatement() (Stmt, error) {
	tok := p.advance() // local
	if p.accept(TokFunction) {
		return p.functionBodyStatement(tok.Line, true)
	}
	var names []string
	for {
		name, err := p.expect(TokName, "<name>")
		if err != nil {
			return nil, err
		}
		names = append(names, name.Text)
		if !p.accept(TokComma) {
			break
		}
	}
	stmt := &LocalStmt{Line: tok.Line, Names: names}
	if p.accept(TokAssign) {
		exprs, err := p.expressionList()
		if err != nil {
			return nil, err
		}
		stmt.Exprs = exprs
	}
	return stmt, nil
}

func (p *parser) functionStatement(isLocal bool) (Stmt, error) {
	tok := p.advance() // function
	return p.functionBodyStatement(tok.Line, isLocal)
}

func (p *parser) functionBodyStatement(line int, isLocal bool) (Stmt, error) {
	name, err := p.expect(TokName, "<name>")
	if err != nil {
		return nil, err
	}
	fn, err := p.functionBody(line, name.Text)
	if err != nil {
		return nil, err
	}
	return &FuncStmt{Line: line, Name: name.Text, IsLocal: isLocal, Fn: fn}, nil
}

func (p *parser) functionBody(line int, name string) (*FuncExpr, error) {
	if _, err := p.expect(TokLParen, "'('"); err != nil {
		return nil, err
	}
	var params []string
	if !p.check(TokRParen) {
		for {
			param, err := p.expect(TokName, "<name>")
			if err != nil {
				return nil, err
			}
			params = append(params, param.Text)
			if !p.accept(TokComma) {
				break
			}
		}
	}
	if _, err := p.expect(TokRParen, "')'"); err != nil {
		return nil, err
	}
	body, err := p.block()
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(TokEnd, "'end'"); err != nil {
		return nil, err
	}
	return &FuncExpr{Line: line, Name: name, Params: params, Body: body}, nil
}

func (p *parser) ifStatement() (Stmt, error) {
	tok := p.advance() // if
	stmt := &IfStmt{Line: tok.Line}
	for {
		cond, err := p.expression()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(TokThen, "'then'"); err != nil {
			return nil, err
		}
		body, err := p.block()
		if err != nil {
			return nil, err
		}
		stmt.Conds = append(stmt.Conds, cond)
		stmt.Blocks = append(stmt.Blocks, body)
		if !p.accept(TokElseif) {
			break
		}
	}
	if p.accept(TokElse) {
		elseBody, err := p.block()
		if err != nil {
			return nil, err
		}
		stmt.Else = elseBody
	}
	if _, err := p.expect(TokEnd, "'end'"); err != nil {
		return nil, err
	}
	return stmt, nil
}

func (p *parser) whileStatement() (Stmt, error) {
	tok := p.advance() // while
	cond, err := p.expression()
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(TokDo, "'do'"); err != nil {
		return nil, err
	}
	body, err := p.block()
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(TokEnd, "'end'"); err != nil {
		return nil, err
	}
	return &WhileStmt{Line: tok.Line, Cond: cond, Body: body}, nil
}

func (p *parser) repeatStatement() (Stmt, error) {
	tok := p.advance() // repeat
	body, err := p.block()
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(TokUntil, "'until'"); err != nil {
		return nil, err
	}
	cond, err := p.expression()
	if err != nil {
		return nil, err
	}
	return &RepeatStmt{Line: tok.Line, Body: body, Cond: cond}, nil
}

func (p *parser) forStatement() (Stmt, error) {
	tok := p.advance() // for
	name, err := p.expect(TokName, "<name>")
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(TokAssign, "'='"); err != nil {
		return nil, err
	}
	start, err := p.expression()
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(TokComma, "','"); err != nil {
		return nil, err
	}
	limit, err := p.expression()
	if err != nil {
		return nil, err
	}
	var step Expr
	if p.accept(TokComma) {
		step, err = p.expression()
		if err != nil {
			return nil, err
		}
	}
	if _, err := p.expect(TokDo, "'do'"); err != nil {
		return nil, err
	}
	body, err := p.block()
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(TokEnd, "'end'"); err != nil {
		return nil, err
	}
	return &NumForStmt{Line: tok.Line, Var: name.Text, Start: start, Limit: limit, Step: step, Body: body}, nil
}

// exprStatement parses either an assignment or a call statement.
func (p *parser) exprStatement() (Stmt, error) {
	line := p.peek().Line
	expr, err := p.suffixedExpression()
	if err != nil {
		return nil, err
	}
	if p.check(TokAssign) || p.check(TokComma) {
		targets := []Expr{expr}
		for p.accept(TokComma) {
			target, err := p.suffixedExpression()
			if err != nil {
				return nil, err
			}
			targets = append(targets, target)
		}
		for _, target := range targets {
			switch target.(type) {
			case *NameExpr, *IndexExpr:
			default:
				return nil, p.errf("cannot assign to this expression")
			}
		}
		if _, err := p.expect(TokAssign, "'='"); err != nil {
			return nil, err
		}
		exprs, err := p.expressionList()
		if err != nil {
			return nil, err
		}
		return &AssignStmt{Line: line, Targets: targets, Exprs: exprs}, nil
	}
	call, isCall := expr.(*CallExpr)
	if !isCall {
		return nil, p.errf("syntax error")
	}
	return &CallStmt{Line: line, Call: call}, nil
}

func (p *parser) expressionList() ([]Expr, error) {
	var exprs []Expr
	for {
		expr, err := p.expression()
		if err != nil {
			return nil, err
		}
		exprs = append(exprs, expr)
		if !p.accept(TokComma) {
			break
		}
	}
	return exprs, nil
}

// Binary operator precedence, loosest first.
func binPrecedence(t TokenType) int {
	switch t {
	case TokOr:
		return 1
	case TokAnd:
		return 2
	case TokLt, TokGt, TokLe, TokGe, TokNe, TokEq:
		return 3
	case TokConcat:
		return 4
	case TokPlus, TokMinus:
		return 5
	case TokStar, TokSlash, TokPercent:
		return 6
	case TokCaret:
		return 8
	default:
		return 0
	}
}

func (p *parser) expression() (Expr, error) {
	return p.binaryExpression(0)
}

func (p *parser) binaryExpression(limit int) (Expr, error) {
	left, err := p.unaryExpression()
	if err != nil {
		return nil, err
	}
	for {
		op := p.peek()
		prec := binPrecedence(op.Type)
		if prec == 0 || prec <= limit {
			return left, nil
		}
		p.advance()
		// concat and power are right-associative
		rightLimit := prec
		if op.Type == TokConcat || op.Type == TokCaret {
			rightLimit = prec - 1
		}
		right, err := p.binaryExpression(rightLimit)
		if err != nil {
			return nil, err
		}
		left = &BinExpr{Line: op.Line, Op: op.Type, L: left, R: right}
	}
}

func (p *parser) unaryExpression() (Expr, error) {
	tok := p.peek()
	switch tok.Type {
	case TokNot, TokMinus, TokHash:
		p.advance()
		operand, err := p.unaryExpression()
		if err != nil {
			return nil, err
		}
		return &UnExpr{Line: tok.Line, Op: tok.Type, E: operand}, nil
	}
	return p.simpleExpression()
}

func (p *parser) simpleExpression() (Expr, error) {
	tok := p.peek()
	switch tok.Type {
	case TokNil:
		p.advance()
		return &NilExpr{Line: tok.Line}, nil
	case TokTrue:
		p.advance()
		return &BoolExpr{Line: tok.Line, Value: true}, nil
	case TokFalse:
		p.advance()
		return &BoolExpr{Line: tok.Line, Value: false}, nil
	case TokNumber:
		p.advance()
		value, err := parseNumber(tok.Text)
		if err != nil {
			return nil, &SyntaxError{Source: p.source, Line: tok.Line, Msg: "malformed number", Near: tok.Text}
		}
		return &NumberExpr{Line: tok.Line, Value: value}, nil
	case TokString:
		p.advance()
		return &StringExpr{Line: tok.Line, Value: tok.Text}, nil
	case TokFunction:
		p.advance()
		return p.functionBody(tok.Line, "")
	case TokLBrace:
		return p.tableConstructor()
	}
	return p.suffixedExpression()
}

func (p *parser) suffixedExpression() (Expr, error) {
	base, err := p.primaryExpression()
	if err != nil {
		return nil, err
	}
	for {
		tok := p.peek()
		switch tok.Type {
		case TokDot:
			p.advance()
			name, err := p.expect(TokName, "<name>")
			if err != nil {
				return nil, err
			}
			base = &IndexExpr{Line: tok.Line, Obj: base, Key: &StringExpr{Line: tok.Line, Value: name.Text}}
		case TokLBracket:
			p.advance()
			key, err := p.expression()
			if err != nil {
				return nil, err
			}
			if _, err := p.expect(TokRBracket, "']'"); err != nil {
				return nil, err
			}
			base = &IndexExpr{Line: tok.Line, Obj: base, Key: key}
		case TokLParen:
			p.advance()
			var args []Expr
			if !p.check(TokRParen) {
				args, err = p.expressionList()
				if err != nil {
					return nil, err
				}
			}
			if _, err := p.expect(TokRParen, "')'"); err != nil {
				return nil, err
			}
			base = &CallExpr{Line: tok.Line, Fn: base, Args: args}
		case TokString:
			// f "literal" call sugar
			p.advance()
			base = &CallExpr{Line: tok.Line, Fn: base, Args: []Expr{&StringExpr{Line: tok.Line, Value: tok.Text}}}
		default:
			return base, nil
		}
	}
}

func (p *parser) primaryExpression() (Expr, error) {
	tok := p.peek()
	switch tok.Type {
	case TokName:
		p.advance()
		return &NameExpr{Line: tok.Line, Name: tok.Text}, nil
	case TokLParen:
		p.advance()
		expr, err := p.expression()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(TokRParen, "')'"); err != nil {
			return nil, err
		}
		return expr, nil
	}
	return nil, p.errf("unexpected symbol")
}

func (p *parser) tableConstructor() (Expr, error) {
	tok := p.advance() // {
	table := &TableExpr{Line: tok.Line}
	for !p.check(TokRBrace) {
		var field TableField
		switch {
		case p.check(TokLBracket):
			p.advance()
			key, err := p.expression()
			if err != nil {
				return nil, err
			}
			if _, err := p.expect(TokRBracket, "']'"); err != nil {
				return nil, err
			}
			if _, err := p.expect(TokAssign, "'='"); err != nil {
				return nil, err
			}
			field.Key = key
		case p.check(TokName) && p.peekNext().Type == TokAssign:
			name := p.advance()
			p.advance() // =
			field.Key = &StringExpr{Line: name.Line, Value: name.Text}
		}
		val, err := p.expression()
		if err != nil {
			return nil, err
		}
		field.Val = val
		table.Fields = append(table.Fields, field)
		if !p.accept(TokComma) && !p.accept(TokSemi) {
			break
		}
	}
	if _, err := p.expect(TokRBrace, "'}'"); err != nil {
		return nil, err
	}
	return table, nil
}

func parseNumber(text string) (float64, error) {
	if strings.HasPrefix(text, "0x") || strings.HasPrefix(text, "0X") {
		n, err := strconv.ParseUint(text[2:], 16, 64)
		return float64(n), err
	}
	return strconv.ParseFloat(text, 64)
}
