package template

import (
	"regexp"
	"strings"
)

var (
	refPattern    = regexp.MustCompile(`^ref\(\s*'([^']+)'\s*\)$`)
	sourcePattern = regexp.MustCompile(`^source\(\s*'([^']+)'\s*,\s*'([^']+)'\s*\)$`)
)

// Parse lexes and parses raw template content into a Template. Any
// construct outside the fixed set this package recognises yields a
// TemplateError with line/column context.
func Parse(input, file string) (*Template, error) {
	lx := newLexer(input, file)
	tokens, err := lx.tokenize()
	if err != nil {
		return nil, err
	}
	p := &parser{tokens: tokens, file: file}
	nodes, err := p.parseNodes(false)
	if err != nil {
		return nil, err
	}
	if p.pos < len(p.tokens) && p.tokens[p.pos].typ != tokEOF {
		return nil, newTemplateError(p.tokens[p.pos].pos, "unexpected trailing content")
	}
	return &Template{Nodes: nodes, File: file}, nil
}

type parser struct {
	tokens []token
	pos    int
	file   string
}

func (p *parser) peek() token {
	if p.pos >= len(p.tokens) {
		return token{typ: tokEOF}
	}
	return p.tokens[p.pos]
}

func (p *parser) advance() token {
	t := p.peek()
	if p.pos < len(p.tokens) {
		p.pos++
	}
	return t
}

// parseNodes parses nodes until EOF, or — when insideIf is true — until an
// {% else %} or {% endif %} statement token is encountered (left unconsumed
// for the caller).
func (p *parser) parseNodes(insideIf bool) ([]Node, error) {
	var nodes []Node
	for {
		tok := p.peek()
		switch tok.typ {
		case tokEOF:
			if insideIf {
				return nil, newTemplateError(tok.pos, "unclosed {%% if %%} block (missing {%% endif %%})")
			}
			return nodes, nil
		case tokText:
			p.advance()
			if tok.value != "" {
				nodes = append(nodes, TextNode{nodeBase: nodeBase{pos: tok.pos}, Text: tok.value})
			}
		case tokExpr:
			p.advance()
			node, err := classifyExpr(tok.value, tok.pos)
			if err != nil {
				return nil, err
			}
			nodes = append(nodes, node)
		case tokStmt:
			stmt := strings.TrimSpace(tok.value)
			if insideIf && (strings.HasPrefix(stmt, "else") || strings.HasPrefix(stmt, "endif")) {
				return nodes, nil
			}
			ifBlock, err := p.parseIf(tok)
			if err != nil {
				return nil, err
			}
			nodes = append(nodes, ifBlock)
		default:
			return nil, newTemplateError(tok.pos, "unexpected token")
		}
	}
}

func (p *parser) parseIf(openTok token) (Node, error) {
	stmt := strings.TrimSpace(openTok.value)
	if !strings.HasPrefix(stmt, "if ") && stmt != "if" {
		return nil, newTemplateError(openTok.pos, "unexpected statement %q", stmt)
	}
	p.advance() // consume the `if` statement token

	condExpr := strings.TrimSpace(strings.TrimPrefix(stmt, "if"))
	cond, err := classifyCondition(condExpr, openTok.pos)
	if err != nil {
		return nil, err
	}

	thenNodes, err := p.parseNodes(true)
	if err != nil {
		return nil, err
	}

	var elseNodes []Node
	next := p.peek()
	if next.typ != tokStmt {
		return nil, newTemplateError(openTok.pos, "unclosed {%% if %%} block (missing {%% endif %%})")
	}
	nextStmt := strings.TrimSpace(next.value)
	switch {
	case strings.HasPrefix(nextStmt, "else"):
		p.advance()
		elseNodes, err = p.parseNodes(true)
		if err != nil {
			return nil, err
		}
		endTok := p.peek()
		if endTok.typ != tokStmt || strings.TrimSpace(endTok.value) != "endif" {
			return nil, newTemplateError(openTok.pos, "unclosed {%% if %%} block (missing {%% endif %%})")
		}
		p.advance()
	case nextStmt == "endif":
		p.advance()
	default:
		return nil, newTemplateError(next.pos, "unexpected statement %q inside if block", nextStmt)
	}

	return IfBlock{
		nodeBase:  nodeBase{pos: openTok.pos},
		Condition: cond,
		Then:      thenNodes,
		Else:      elseNodes,
	}, nil
}

func classifyCondition(expr string, pos Position) (Condition, error) {
	switch expr {
	case "is_incremental()":
		return CondIsIncremental, nil
	case "true", "True", "TRUE":
		return CondTrue, nil
	case "false", "False", "FALSE":
		return CondFalse, nil
	default:
		return 0, newTemplateError(pos, "if condition must be is_incremental() or a boolean literal, got %q", expr)
	}
}

func classifyExpr(expr string, pos Position) (Node, error) {
	base := nodeBase{pos: pos}
	switch {
	case expr == "this":
		return ThisNode{nodeBase: base}, nil
	case expr == "is_incremental()":
		return IsIncrementalNode{nodeBase: base}, nil
	default:
		if m := refPattern.FindStringSubmatch(expr); m != nil {
			return RefNode{nodeBase: base, Name: m[1]}, nil
		}
		if m := sourcePattern.FindStringSubmatch(expr); m != nil {
			return SourceNode{nodeBase: base, Group: m[1], Table: m[2]}, nil
		}
		return nil, newTemplateError(pos, "unrecognised template expression %q", expr)
	}
}
