package sqlast

// Node is the marker interface for all AST nodes, split into Node/Expr/Stmt
// and scoped down to what lineage extraction needs.
type Node interface{ node() }

// Expr is any expression appearing in a projection, predicate, or join
// condition.
type Expr interface {
	Node
	exprNode()
}

// SelectStmt is a (possibly compound) SELECT, optionally preceded by CTEs.
type SelectStmt struct {
	CTEs []CTE
	Body *SelectCore
	// SetOp is non-nil when this statement is `Body UNION [ALL] SetOp`.
	SetOp *SelectStmt
	Union bool
	UnionAll bool
}

func (*SelectStmt) node() {}

// CTE is a named subquery introduced by WITH.
type CTE struct {
	Name   string
	Select *SelectStmt
}

// SelectCore is the core `SELECT ... FROM ... WHERE ...` clause.
type SelectCore struct {
	Distinct bool
	Columns  []SelectItem
	From     *FromClause // nil for `SELECT 1` with no FROM
}

func (*SelectCore) node() {}

// SelectItem is one projection in the SELECT list.
type SelectItem struct {
	Star      bool   // SELECT *
	TableStar string // SELECT t.*
	Expr      Expr   // nil when Star or TableStar is set
	Alias     string
}

// FromClause is the FROM clause plus any JOINs.
type FromClause struct {
	Source TableRef
	Joins  []Join
}

// TableRef is anything that can appear as a FROM/JOIN source.
type TableRef interface {
	Node
	tableRefNode()
}

// TableName is a (possibly qualified) table reference.
type TableName struct {
	Name  string // full dotted/placeholder identifier as written
	Alias string
}

func (*TableName) node()         {}
func (*TableName) tableRefNode() {}

// Subquery is a derived table: `(SELECT ...) AS alias`.
type Subquery struct {
	Select *SelectStmt
	Alias  string
}

func (*Subquery) node()         {}
func (*Subquery) tableRefNode() {}

// Join is one JOIN clause.
type Join struct {
	Right     TableRef
	Condition Expr     // ON clause, nil if Using set or it's a comma join
	Using     []string // USING (cols)
}

// --- Expressions ---

// ColumnRef is `table.column` or a bare `column`.
type ColumnRef struct {
	Table string // "" if unqualified
	Name  string
}

func (*ColumnRef) node()     {}
func (*ColumnRef) exprNode() {}

// FuncCall is `name(args...)`.
type FuncCall struct {
	Name string
	Args []Expr
}

func (*FuncCall) node()     {}
func (*FuncCall) exprNode() {}

// Literal is a string/number/NULL literal.
type Literal struct{ Value string }

func (*Literal) node()     {}
func (*Literal) exprNode() {}

// BinaryExpr is `left op right`.
type BinaryExpr struct {
	Left, Right Expr
	Op          string
}

func (*BinaryExpr) node()     {}
func (*BinaryExpr) exprNode() {}

// UnaryExpr is `op expr` (NOT, unary -, ...).
type UnaryExpr struct {
	Op   string
	Expr Expr
}

func (*UnaryExpr) node()     {}
func (*UnaryExpr) exprNode() {}

// CaseExpr is a CASE expression, flattened to its constituent
// condition/result sub-expressions for lineage-walking purposes; branch
// structure isn't preserved because extraction only needs "what columns
// feed this output", not control flow.
type CaseExpr struct {
	Parts []Expr
}

func (*CaseExpr) node()     {}
func (*CaseExpr) exprNode() {}

// Opaque wraps a span of tokens the parser chose not to fully structure
// (e.g. OVER(...) window specs) but still scans for column references so
// lineage stays best-effort rather than empty.
type Opaque struct {
	Refs []ColumnRef
}

func (*Opaque) node()     {}
func (*Opaque) exprNode() {}
