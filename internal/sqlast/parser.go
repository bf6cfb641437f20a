package sqlast

import "fmt"

// Parse parses a single SELECT statement (optionally WITH-prefixed, optionally
// a UNION chain). Any construct outside the grammar below produces an error;
// callers treat a parse error as non-fatal and fall back to an empty lineage
// result rather than rejecting the model.
func Parse(sql string) (*SelectStmt, error) {
	lx := newLexer(sql)
	toks, err := lx.tokenize()
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	stmt, err := p.parseSelectStmt()
	if err != nil {
		return nil, err
	}
	if p.cur().kind != tEOF && !(p.cur().kind == tPunct && p.cur().text == ";") {
		return nil, fmt.Errorf("unexpected trailing input at token %d (%q)", p.pos, p.cur().raw)
	}
	return stmt, nil
}

type parser struct {
	toks []tok
	pos  int
}

func (p *parser) cur() tok {
	if p.pos >= len(p.toks) {
		return tok{kind: tEOF}
	}
	return p.toks[p.pos]
}

func (p *parser) peekAt(n int) tok {
	if p.pos+n >= len(p.toks) {
		return tok{kind: tEOF}
	}
	return p.toks[p.pos+n]
}

func (p *parser) advance() tok {
	t := p.cur()
	if p.pos < len(p.toks) {
		p.pos++
	}
	return t
}

func (p *parser) isKeyword(kw string) bool {
	t := p.cur()
	return t.kind == tKeyword && t.text == kw
}

func (p *parser) isPunct(s string) bool {
	t := p.cur()
	return t.kind == tPunct && t.text == s
}

func (p *parser) isOperator(s string) bool {
	t := p.cur()
	return t.kind == tOperator && t.text == s
}

func (p *parser) expectKeyword(kw string) error {
	if !p.isKeyword(kw) {
		return fmt.Errorf("expected %s, got %q at token %d", kw, p.cur().raw, p.pos)
	}
	p.advance()
	return nil
}

func (p *parser) expectPunct(s string) error {
	if !p.isPunct(s) {
		return fmt.Errorf("expected %q, got %q at token %d", s, p.cur().raw, p.pos)
	}
	p.advance()
	return nil
}

func (p *parser) parseSelectStmt() (*SelectStmt, error) {
	stmt := &SelectStmt{}

	if p.isKeyword("WITH") {
		p.advance()
		for {
			name := p.advance()
			if name.kind != tIdent {
				return nil, fmt.Errorf("expected CTE name, got %q", name.raw)
			}
			if err := p.expectKeyword("AS"); err != nil {
				return nil, err
			}
			if err := p.expectPunct("("); err != nil {
				return nil, err
			}
			sub, err := p.parseSelectStmt()
			if err != nil {
				return nil, err
			}
			if err := p.expectPunct(")"); err != nil {
				return nil, err
			}
			stmt.CTEs = append(stmt.CTEs, CTE{Name: name.text, Select: sub})
			if p.isPunct(",") {
				p.advance()
				continue
			}
			break
		}
	}

	body, err := p.parseSelectCore()
	if err != nil {
		return nil, err
	}
	stmt.Body = body

	if p.isKeyword("UNION") || p.isKeyword("INTERSECT") || p.isKeyword("EXCEPT") {
		p.advance()
		all := false
		if p.isKeyword("ALL") {
			p.advance()
			all = true
		}
		rest, err := p.parseSelectStmt()
		if err != nil {
			return nil, err
		}
		stmt.Union = true
		stmt.UnionAll = all
		stmt.SetOp = rest
	}

	return stmt, nil
}

func (p *parser) parseSelectCore() (*SelectCore, error) {
	if err := p.expectKeyword("SELECT"); err != nil {
		return nil, err
	}

	core := &SelectCore{}
	if p.isKeyword("DISTINCT") {
		p.advance()
		core.Distinct = true
	} else if p.isKeyword("ALL") {
		p.advance()
	}

	items, err := p.parseSelectList()
	if err != nil {
		return nil, err
	}
	core.Columns = items

	if p.isKeyword("FROM") {
		p.advance()
		from, err := p.parseFromClause()
		if err != nil {
			return nil, err
		}
		core.From = from
	}

	// Skip remaining clauses (WHERE/GROUP BY/HAVING/QUALIFY/ORDER BY/LIMIT/
	// OFFSET) without structuring them — extraction only needs SELECT/FROM.
	if err := p.skipToStmtBoundary(); err != nil {
		return nil, err
	}

	return core, nil
}

// skipToStmtBoundary consumes tokens until it reaches EOF, a statement
// separator, a closing paren belonging to an enclosing subquery, or the
// start of a UNION/INTERSECT/EXCEPT — tracking paren depth so nested
// parens (function calls, subqueries in WHERE) don't trip the boundary.
// Reaching EOF with a paren still open is an error.
func (p *parser) skipToStmtBoundary() error {
	depth := 0
	for {
		t := p.cur()
		switch t.kind {
		case tEOF:
			if depth > 0 {
				return fmt.Errorf("unclosed parenthesis at end of input")
			}
			return nil
		case tPunct:
			switch t.text {
			case "(":
				depth++
			case ")":
				if depth == 0 {
					return nil
				}
				depth--
			case ";":
				if depth == 0 {
					return nil
				}
			}
		case tKeyword:
			if depth == 0 && (t.text == "UNION" || t.text == "INTERSECT" || t.text == "EXCEPT") {
				return nil
			}
		}
		p.advance()
	}
}

func (p *parser) parseSelectList() ([]SelectItem, error) {
	var items []SelectItem
	for {
		item, err := p.parseSelectItem()
		if err != nil {
			return nil, err
		}
		items = append(items, item)
		if p.isPunct(",") {
			p.advance()
			continue
		}
		break
	}
	return items, nil
}

func (p *parser) parseSelectItem() (SelectItem, error) {
	if p.isPunct("*") {
		p.advance()
		return SelectItem{Star: true}, nil
	}
	// t.*
	if p.cur().kind == tIdent && p.peekAt(1).kind == tPunct && p.peekAt(1).text == "." &&
		p.peekAt(2).kind == tPunct && p.peekAt(2).text == "*" {
		table := p.advance().raw
		p.advance() // .
		p.advance() // *
		return SelectItem{TableStar: table}, nil
	}

	expr, err := p.parseExpr()
	if err != nil {
		return SelectItem{}, err
	}

	alias := ""
	if p.isKeyword("AS") {
		p.advance()
		alias = p.advance().raw
	} else if p.cur().kind == tIdent {
		alias = p.advance().raw
	}
	return SelectItem{Expr: expr, Alias: alias}, nil
}

func (p *parser) parseFromClause() (*FromClause, error) {
	source, err := p.parseTableRef()
	if err != nil {
		return nil, err
	}
	fc := &FromClause{Source: source}

	for {
		join, ok, err := p.tryParseJoin()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		fc.Joins = append(fc.Joins, join)
	}
	return fc, nil
}

var joinLeadKeywords = map[string]bool{
	"JOIN": true, "INNER": true, "LEFT": true, "RIGHT": true, "FULL": true, "CROSS": true,
}

func (p *parser) tryParseJoin() (Join, bool, error) {
	if p.isPunct(",") {
		p.advance()
		ref, err := p.parseTableRef()
		if err != nil {
			return Join{}, false, err
		}
		return Join{Right: ref}, true, nil
	}

	if !(p.cur().kind == tKeyword && joinLeadKeywords[p.cur().text]) {
		return Join{}, false, nil
	}
	for p.cur().kind == tKeyword && joinLeadKeywords[p.cur().text] && p.cur().text != "JOIN" {
		p.advance()
	}
	if err := p.expectKeyword("JOIN"); err != nil {
		return Join{}, false, err
	}

	ref, err := p.parseTableRef()
	if err != nil {
		return Join{}, false, err
	}

	j := Join{Right: ref}
	switch {
	case p.isKeyword("ON"):
		p.advance()
		cond, err := p.parseExpr()
		if err != nil {
			return Join{}, false, err
		}
		j.Condition = cond
	case p.isKeyword("USING"):
		p.advance()
		if err := p.expectPunct("("); err != nil {
			return Join{}, false, err
		}
		for {
			col := p.advance()
			j.Using = append(j.Using, col.raw)
			if p.isPunct(",") {
				p.advance()
				continue
			}
			break
		}
		if err := p.expectPunct(")"); err != nil {
			return Join{}, false, err
		}
	}
	return j, true, nil
}

func (p *parser) parseTableRef() (TableRef, error) {
	if p.isPunct("(") {
		p.advance()
		sub, err := p.parseSelectStmt()
		if err != nil {
			return nil, err
		}
		if err := p.expectPunct(")"); err != nil {
			return nil, err
		}
		alias := ""
		if p.isKeyword("AS") {
			p.advance()
			alias = p.advance().raw
		} else if p.cur().kind == tIdent {
			alias = p.advance().raw
		}
		return &Subquery{Select: sub, Alias: alias}, nil
	}

	name, err := p.parseQualifiedName()
	if err != nil {
		return nil, err
	}
	alias := ""
	if p.isKeyword("AS") {
		p.advance()
		alias = p.advance().raw
	} else if p.cur().kind == tIdent {
		alias = p.advance().raw
	}
	return &TableName{Name: name, Alias: alias}, nil
}

func (p *parser) parseQualifiedName() (string, error) {
	first := p.advance()
	if first.kind != tIdent {
		return "", fmt.Errorf("expected identifier, got %q", first.raw)
	}
	name := first.raw
	for p.isPunct(".") {
		p.advance()
		part := p.advance()
		name += "." + part.raw
	}
	return name, nil
}

// --- Expressions ---
//
// Precedence, low to high: OR, AND, NOT, comparison, +/-, * / %, unary, atom.

func (p *parser) parseExpr() (Expr, error) { return p.parseOr() }

func (p *parser) parseOr() (Expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.isKeyword("OR") {
		p.advance()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &BinaryExpr{Left: left, Op: "OR", Right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (Expr, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.isKeyword("AND") {
		p.advance()
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = &BinaryExpr{Left: left, Op: "AND", Right: right}
	}
	return left, nil
}

func (p *parser) parseNot() (Expr, error) {
	if p.isKeyword("NOT") {
		p.advance()
		inner, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &UnaryExpr{Op: "NOT", Expr: inner}, nil
	}
	return p.parseComparison()
}

var comparisonOps = map[string]bool{"=": true, "<>": true, "!=": true, "<": true, ">": true, "<=": true, ">=": true}

func (p *parser) parseComparison() (Expr, error) {
	left, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}
	for {
		switch {
		case p.cur().kind == tOperator && comparisonOps[p.cur().text]:
			op := p.advance().text
			right, err := p.parseAdditive()
			if err != nil {
				return nil, err
			}
			left = &BinaryExpr{Left: left, Op: op, Right: right}
		case p.isKeyword("IS"):
			p.advance()
			neg := false
			if p.isKeyword("NOT") {
				p.advance()
				neg = true
			}
			if err := p.expectKeyword("NULL"); err != nil {
				return nil, err
			}
			op := "IS NULL"
			if neg {
				op = "IS NOT NULL"
			}
			left = &UnaryExpr{Op: op, Expr: left}
		case p.isKeyword("IN"):
			p.advance()
			args, err := p.parseParenArgList()
			if err != nil {
				return nil, err
			}
			left = &FuncCall{Name: "IN", Args: append([]Expr{left}, args...)}
		case p.isKeyword("LIKE") || p.isKeyword("ILIKE"):
			op := p.advance().text
			right, err := p.parseAdditive()
			if err != nil {
				return nil, err
			}
			left = &BinaryExpr{Left: left, Op: op, Right: right}
		case p.isKeyword("BETWEEN"):
			p.advance()
			lo, err := p.parseAdditive()
			if err != nil {
				return nil, err
			}
			if err := p.expectKeyword("AND"); err != nil {
				return nil, err
			}
			hi, err := p.parseAdditive()
			if err != nil {
				return nil, err
			}
			left = &FuncCall{Name: "BETWEEN", Args: []Expr{left, lo, hi}}
		default:
			return left, nil
		}
	}
}

func (p *parser) parseAdditive() (Expr, error) {
	left, err := p.parseMultiplicative()
	if err != nil {
		return nil, err
	}
	for p.cur().kind == tOperator && (p.cur().text == "+" || p.cur().text == "-" || p.cur().text == "||") {
		op := p.advance().text
		right, err := p.parseMultiplicative()
		if err != nil {
			return nil, err
		}
		left = &BinaryExpr{Left: left, Op: op, Right: right}
	}
	return left, nil
}

func (p *parser) parseMultiplicative() (Expr, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.cur().kind == tOperator && (p.cur().text == "*" || p.cur().text == "/" || p.cur().text == "%") {
		op := p.advance().text
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &BinaryExpr{Left: left, Op: op, Right: right}
	}
	return left, nil
}

func (p *parser) parseUnary() (Expr, error) {
	if p.cur().kind == tOperator && p.cur().text == "-" {
		p.advance()
		inner, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &UnaryExpr{Op: "-", Expr: inner}, nil
	}
	return p.parseAtom()
}

func (p *parser) parseAtom() (Expr, error) {
	t := p.cur()
	switch {
	case t.kind == tString || t.kind == tNumber:
		p.advance()
		return &Literal{Value: t.raw}, nil

	case t.kind == tKeyword && t.text == "NULL":
		p.advance()
		return &Literal{Value: "NULL"}, nil

	case t.kind == tKeyword && t.text == "CASE":
		return p.parseCase()

	case t.kind == tPunct && t.text == "(":
		p.advance()
		// Could be a scalar subquery or a parenthesised expression.
		if p.isKeyword("SELECT") {
			sub, err := p.parseSelectStmt()
			if err != nil {
				return nil, err
			}
			if err := p.expectPunct(")"); err != nil {
				return nil, err
			}
			return &Opaque{Refs: collectColumnRefsFromSelect(sub)}, nil
		}
		inner, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if err := p.expectPunct(")"); err != nil {
			return nil, err
		}
		return inner, nil

	case t.kind == tIdent:
		return p.parseIdentOrCall()

	default:
		return nil, fmt.Errorf("unexpected token %q in expression at %d", t.raw, p.pos)
	}
}

func (p *parser) parseCase() (Expr, error) {
	p.advance() // CASE
	var parts []Expr

	// Simple CASE <expr> WHEN ...
	if !p.isKeyword("WHEN") {
		e, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		parts = append(parts, e)
	}

	for p.isKeyword("WHEN") {
		p.advance()
		cond, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		parts = append(parts, cond)
		if err := p.expectKeyword("THEN"); err != nil {
			return nil, err
		}
		res, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		parts = append(parts, res)
	}
	if p.isKeyword("ELSE") {
		p.advance()
		e, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		parts = append(parts, e)
	}
	if err := p.expectKeyword("END"); err != nil {
		return nil, err
	}
	return &CaseExpr{Parts: parts}, nil
}

func (p *parser) parseIdentOrCall() (Expr, error) {
	name := p.advance().raw

	if p.isPunct("(") {
		args, err := p.parseParenArgList()
		if err != nil {
			return nil, err
		}
		call := &FuncCall{Name: name, Args: args}
		if p.isKeyword("OVER") {
			p.advance()
			if p.isPunct("(") {
				if err := p.skipBalancedParens(); err != nil {
					return nil, err
				}
			}
		}
		return call, nil
	}

	if p.isPunct(".") {
		p.advance()
		if p.isPunct("*") {
			// t.* inside an expression position (rare); treat as Opaque.
			p.advance()
			return &Opaque{Refs: []ColumnRef{{Table: name, Name: "*"}}}, nil
		}
		col := p.advance().raw
		return &ColumnRef{Table: name, Name: col}, nil
	}

	return &ColumnRef{Name: name}, nil
}

func (p *parser) parseParenArgList() ([]Expr, error) {
	if err := p.expectPunct("("); err != nil {
		return nil, err
	}
	var args []Expr
	if p.isPunct(")") {
		p.advance()
		return args, nil
	}
	if p.isPunct("*") {
		p.advance()
		if err := p.expectPunct(")"); err != nil {
			return nil, err
		}
		return []Expr{&Literal{Value: "*"}}, nil
	}
	if p.isKeyword("DISTINCT") {
		p.advance()
	}
	for {
		a, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		args = append(args, a)
		if p.isPunct(",") {
			p.advance()
			continue
		}
		break
	}
	if err := p.expectPunct(")"); err != nil {
		return nil, err
	}
	return args, nil
}

func (p *parser) skipBalancedParens() error {
	if err := p.expectPunct("("); err != nil {
		return err
	}
	depth := 1
	for depth > 0 {
		t := p.advance()
		switch {
		case t.kind == tEOF:
			return fmt.Errorf("unexpected EOF inside parenthesised span")
		case t.kind == tPunct && t.text == "(":
			depth++
		case t.kind == tPunct && t.text == ")":
			depth--
		}
	}
	return nil
}

// collectColumnRefsFromSelect best-effort scans a scalar subquery's
// projections for column references, used when a subquery appears inside a
// larger expression (e.g. `(SELECT max(x) FROM t)`); full lineage tracing
// only descends into FROM-clause subqueries, not scalar ones.
func collectColumnRefsFromSelect(stmt *SelectStmt) []ColumnRef {
	var refs []ColumnRef
	var walk func(e Expr)
	walk = func(e Expr) {
		switch v := e.(type) {
		case *ColumnRef:
			refs = append(refs, *v)
		case *FuncCall:
			for _, a := range v.Args {
				walk(a)
			}
		case *BinaryExpr:
			walk(v.Left)
			walk(v.Right)
		case *UnaryExpr:
			walk(v.Expr)
		case *CaseExpr:
			for _, part := range v.Parts {
				walk(part)
			}
		case *Opaque:
			refs = append(refs, v.Refs...)
		}
	}
	if stmt.Body != nil {
		for _, item := range stmt.Body.Columns {
			if item.Expr != nil {
				walk(item.Expr)
			}
		}
	}
	return refs
}
