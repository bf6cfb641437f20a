package template

import (
	"fmt"
	"strings"
)

// Context supplies the information the expander needs to resolve
// {{ this }} and {{ is_incremental() }}. Expand does not resolve ref/source
// calls to physical identifiers; it only emits stable placeholder tokens for
// them, which the compiler later replaces via ResolvePlaceholders.
type Context struct {
	// ThisIdentifier is the fully qualified physical identifier of the
	// model currently being expanded.
	ThisIdentifier string
	// PreviouslyMaterialized is true once the model has been built at least
	// once before, driving is_incremental().
	PreviouslyMaterialized bool
}

// Result is the expander's output: expanded SQL plus the two extracted
// dependency sets.
type Result struct {
	SQL     string
	Refs    map[string]struct{}
	Sources map[string]struct{}
}

// RefPlaceholder and SourcePlaceholder build the deferred placeholder
// tokens the expander emits for ref()/source() calls.
func RefPlaceholder(name string) string { return fmt.Sprintf("__REF__%s__", name) }

func SourcePlaceholder(group, table string) string {
	return fmt.Sprintf("__SRC__%s__%s__", group, table)
}

// Expand renders a parsed Template into SQL, resolving {{ this }} and
// {{ is_incremental() }} immediately and leaving ref/source placeholders in
// place for later physical-identifier resolution.
func Expand(tmpl *Template, ctx Context) (Result, error) {
	res := Result{Refs: map[string]struct{}{}, Sources: map[string]struct{}{}}
	var sb strings.Builder
	if err := expandNodes(tmpl.Nodes, ctx, &sb, &res); err != nil {
		return Result{}, err
	}
	res.SQL = sb.String()
	return res, nil
}

func expandNodes(nodes []Node, ctx Context, sb *strings.Builder, res *Result) error {
	for _, n := range nodes {
		if err := expandNode(n, ctx, sb, res); err != nil {
			return err
		}
	}
	return nil
}

func expandNode(n Node, ctx Context, sb *strings.Builder, res *Result) error {
	switch v := n.(type) {
	case TextNode:
		sb.WriteString(v.Text)
	case RefNode:
		res.Refs[v.Name] = struct{}{}
		sb.WriteString(RefPlaceholder(v.Name))
	case SourceNode:
		key := v.Group + "." + v.Table
		res.Sources[key] = struct{}{}
		sb.WriteString(SourcePlaceholder(v.Group, v.Table))
	case ThisNode:
		sb.WriteString(ctx.ThisIdentifier)
	case IsIncrementalNode:
		sb.WriteString(boolLiteral(ctx.PreviouslyMaterialized))
	case IfBlock:
		branch := evalCondition(v.Condition, ctx)
		nodes := v.Then
		if !branch {
			nodes = v.Else
		}
		return expandNodes(nodes, ctx, sb, res)
	default:
		return newTemplateError(n.Pos(), "unhandled node type %T", n)
	}
	return nil
}

func evalCondition(c Condition, ctx Context) bool {
	switch c {
	case CondIsIncremental:
		return ctx.PreviouslyMaterialized
	case CondTrue:
		return true
	default:
		return false
	}
}

func boolLiteral(b bool) string {
	if b {
		return "TRUE"
	}
	return "FALSE"
}
