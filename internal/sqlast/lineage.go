package sqlast

import (
	"sort"

	"github.com/quarryql/quarryql/internal/errs"
)

// Relation is a single table/view referenced by a FROM or JOIN clause, with
// the alias it was introduced under (alias == Name when unaliased).
type Relation struct {
	Name  string
	Alias string
}

// ColumnLineage is the set of upstream relations feeding a single output
// column, or Wildcard when the column came from a `SELECT *` / `t.*`
// expansion whose source schema isn't known at parse time.
type ColumnLineage struct {
	Output    string
	Sources   []string
	Wildcard  bool
	WildcardFrom string
}

// Result is the outcome of extracting relations and lineage from a model's
// compiled SELECT. Warning is non-nil exactly when extraction degraded
// gracefully instead of producing a full answer; callers surface it as an
// errs.ParseWarning, never as a fatal error — SQL always runs regardless of
// what lineage extraction manages to determine.
type Result struct {
	Relations []Relation
	Columns   []ColumnLineage
	Warning   error
}

// Extract parses sql and derives table-level and column-level lineage. A
// parse failure — anything outside the supported grammar subset — downgrades
// to an empty Result carrying a ParseWarning rather than propagating the
// error, matching the "weakest seam" contract.
func Extract(sql string, ctx errs.Context) Result {
	stmt, err := Parse(sql)
	if err != nil {
		return Result{Warning: errs.NewParseWarning(ctx, err)}
	}

	rels := relationsOf(stmt)
	cols, warn := columnLineage(stmt, ctx)
	return Result{Relations: rels, Columns: cols, Warning: warn}
}

// relationsOf walks the outermost SELECT and every CTE/union arm, collecting
// every base-table relation reached — used to feed the dependency graph
// independently of whether column-level lineage also succeeds.
func relationsOf(stmt *SelectStmt) []Relation {
	seen := map[string]Relation{}
	var walkStmt func(s *SelectStmt)
	var walkFrom func(fc *FromClause)
	var walkRef func(r TableRef)

	walkRef = func(r TableRef) {
		switch v := r.(type) {
		case *TableName:
			alias := v.Alias
			if alias == "" {
				alias = v.Name
			}
			seen[v.Name+"\x00"+alias] = Relation{Name: v.Name, Alias: alias}
		case *Subquery:
			walkStmt(v.Select)
		}
	}

	walkFrom = func(fc *FromClause) {
		if fc == nil {
			return
		}
		walkRef(fc.Source)
		for _, j := range fc.Joins {
			walkRef(j.Right)
		}
	}

	walkStmt = func(s *SelectStmt) {
		if s == nil {
			return
		}
		for _, cte := range s.CTEs {
			walkStmt(cte.Select)
		}
		if s.Body != nil {
			walkFrom(s.Body.From)
		}
		walkStmt(s.SetOp)
	}

	walkStmt(stmt)

	out := make([]Relation, 0, len(seen))
	for _, r := range seen {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Alias < out[j].Alias
	})
	return out
}

// columnLineage traces each top-level projection back to the relation(s) its
// referenced columns resolve against, using the alias map built from the
// FROM clause. CTE names are treated as opaque relations (their own upstream
// lineage was already walked by relationsOf via walkStmt); this function only
// traces the outermost SELECT's projections, a per-model output-column scope
// rather than recursing through every CTE layer.
func columnLineage(stmt *SelectStmt, ctx errs.Context) ([]ColumnLineage, error) {
	core := stmt.Body
	if core == nil || core.From == nil {
		return nil, nil
	}

	aliasToRelation := map[string]string{}
	var order []string
	collectAlias := func(r TableRef) {
		switch v := r.(type) {
		case *TableName:
			alias := v.Alias
			if alias == "" {
				alias = v.Name
			}
			aliasToRelation[alias] = v.Name
			order = append(order, alias)
		case *Subquery:
			if v.Alias != "" {
				aliasToRelation[v.Alias] = v.Alias // opaque: subquery's own name
				order = append(order, v.Alias)
			}
		}
	}
	collectAlias(core.From.Source)
	for _, j := range core.From.Joins {
		collectAlias(j.Right)
	}

	single := len(order) == 1
	var lineages []ColumnLineage

	for _, item := range core.Columns {
		switch {
		case item.Star:
			lineages = append(lineages, ColumnLineage{Output: "*", Wildcard: true, WildcardFrom: joinedNames(order, aliasToRelation)})
		case item.TableStar != "":
			rel := aliasToRelation[item.TableStar]
			if rel == "" {
				rel = item.TableStar
			}
			lineages = append(lineages, ColumnLineage{Output: item.TableStar + ".*", Wildcard: true, WildcardFrom: rel})
		default:
			name := item.Alias
			refs := collectColumnRefs(item.Expr)
			var sources []string
			sourceSet := map[string]bool{}
			for _, r := range refs {
				var rel string
				if r.Table != "" {
					rel = aliasToRelation[r.Table]
					if rel == "" {
						rel = r.Table
					}
				} else if single {
					rel = aliasToRelation[order[0]]
				} else {
					// Unqualified column in a multi-relation join: best-effort
					// attribution to every joined relation, since the true
					// source can't be resolved without a schema catalogue.
					for _, alias := range order {
						rel = aliasToRelation[alias]
						if !sourceSet[rel] {
							sourceSet[rel] = true
							sources = append(sources, rel)
						}
					}
					continue
				}
				if rel != "" && !sourceSet[rel] {
					sourceSet[rel] = true
					sources = append(sources, rel)
				}
			}
			if name == "" {
				name = inferredName(item.Expr)
			}
			sort.Strings(sources)
			lineages = append(lineages, ColumnLineage{Output: name, Sources: sources})
		}
	}

	return lineages, nil
}

func joinedNames(order []string, aliasToRelation map[string]string) string {
	if len(order) == 0 {
		return ""
	}
	return aliasToRelation[order[0]]
}

// inferredName produces a best-effort output name for an unaliased
// projection, matching how a driver would name the resulting column: the
// bare name for a column reference, the function name for a call, empty
// otherwise (the caller keeps it positional).
func inferredName(e Expr) string {
	switch v := e.(type) {
	case *ColumnRef:
		return v.Name
	case *FuncCall:
		return v.Name
	default:
		return ""
	}
}

func collectColumnRefs(e Expr) []ColumnRef {
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
	walk(e)
	return refs
}
