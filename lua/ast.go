package lua

// Stmt is a statement node. Every node records its 1-based source line
// so the interpreter can fire line-accurate debug events.
type Stmt interface {
	stmtLine() int
}

// Expr is an expression node.
type Expr interface {
	exprLine() int
}

// ---------------------------------------------------------------------------
// Statements
// ---------------------------------------------------------------------------

// LocalStmt declares local variables: local a, b = 1, 2.
type LocalStmt struct {
	Line  int
	Names []string
	Exprs []Expr
}

// AssignStmt assigns to existing variables or table fields.
type AssignStmt struct {
	Line    int
	Targets []Expr // NameExpr or IndexExpr
	Exprs   []Expr
}

// CallStmt is a function call in statement position.
type CallStmt struct {
	Line int
	Call *CallExpr
}

// IfStmt covers if/elseif/else chains; Conds and Blocks are parallel.
type IfStmt struct {
	Line   int
	Conds  []Expr
	Blocks [][]Stmt
	Else   []Stmt
}

// WhileStmt is a while loop.
type WhileStmt struct {
	Line int
	Cond Expr
	Body []Stmt
}

// RepeatStmt is a repeat/until loop.
type RepeatStmt struct {
	Line int
	Body []Stmt
	Cond Expr
}

// NumForStmt is the numeric for loop.
type NumForStmt struct {
	Line  int
	Var   string
	Start Expr
	Limit Expr
	Step  Expr // nil means 1
	Body  []Stmt
}

// FuncStmt declares a named function, optionally local.
type FuncStmt struct {
	Line    int
	Name    string
	IsLocal bool
	Fn      *FuncExpr
}

// ReturnStmt returns from the enclosing function or chunk.
type ReturnStmt struct {
	Line int
	Expr Expr // nil for bare return
}

// BreakStmt exits the innermost loop.
type BreakStmt struct {
	Line int
}

func (s *LocalStmt) stmtLine() int  { return s.Line }
func (s *AssignStmt) stmtLine() int { return s.Line }
func (s *CallStmt) stmtLine() int   { return s.Line }
func (s *IfStmt) stmtLine() int     { return s.Line }
func (s *WhileStmt) stmtLine() int  { return s.Line }
func (s *RepeatStmt) stmtLine() int { return s.Line }
func (s *NumForStmt) stmtLine() int { return s.Line }
func (s *FuncStmt) stmtLine() int   { return s.Line }
func (s *ReturnStmt) stmtLine() int { return s.Line }
func (s *BreakStmt) stmtLine() int  { return s.Line }

// ---------------------------------------------------------------------------
// Expressions
// ---------------------------------------------------------------------------

// NilExpr is the nil literal.
type NilExpr struct{ Line int }

// BoolExpr is true or false.
type BoolExpr struct {
	Line  int
	Value bool
}

// NumberExpr is a numeric literal.
type NumberExpr struct {
	Line  int
	Value float64
}

// StringExpr is a string literal.
type StringExpr struct {
	Line  int
	Value string
}

// NameExpr references a variable.
type NameExpr struct {
	Line int
	Name string
}

// FuncExpr is a function literal (also the body of FuncStmt).
type FuncExpr struct {
	Line   int
	Name   string // for tracebacks; "" for anonymous
	Params []string
	Body   []Stmt
}

// CallExpr calls a function.
type CallExpr struct {
	Line int
	Fn   Expr
	Args []Expr
}

// IndexExpr reads a table field: t[k] or t.k.
type IndexExpr struct {
	Line int
	Obj  Expr
	Key  Expr
}

// BinExpr is a binary operation.
type BinExpr struct {
	Line int
	Op   TokenType
	L, R Expr
}

// UnExpr is a unary operation (-, not, #).
type UnExpr struct {
	Line int
	Op   TokenType
	E    Expr
}

// TableField is one entry of a table constructor; Key nil means an
// array-style item.
type TableField struct {
	Key Expr
	Val Expr
}

// TableExpr is a table constructor.
type TableExpr struct {
	Line   int
	Fields []TableField
}

func (e *NilExpr) exprLine() int    { return e.Line }
func (e *BoolExpr) exprLine() int   { return e.Line }
func (e *NumberExpr) exprLine() int { return e.Line }
func (e *StringExpr) exprLine() int { return e.Line }
func (e *NameExpr) exprLine() int   { return e.Line }
func (e *FuncExpr) exprLine() int   { return e.Line }
func (e *CallExpr) exprLine() int   { return e.Line }
func (e *IndexExpr) exprLine() int  { return e.Line }
func (e *BinExpr) exprLine() int    { return e.Line }
func (e *UnExpr) exprLine() int     { return e.Line }
func (e *TableExpr) exprLine() int  { return e.Line }
