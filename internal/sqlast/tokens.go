// Package sqlast implements the SQL AST parser.
//
// It parses the already-expanded SELECT statement (Snowflake-leaning
// dialect) far enough to extract (a) every referenced relation and (b)
// per-output-column lineage. This is deliberately the engine's weakest seam:
// any parse failure degrades to an empty, non-fatal lineage result rather
// than aborting compilation — SQL always runs.
package sqlast

import "strings"

type tokenKind int

const (
	tEOF tokenKind = iota
	tIdent
	tString
	tNumber
	tPunct  // ( ) , . * ;
	tKeyword
	tOperator // = <> < > <= >= + - || etc.
)

type tok struct {
	kind  tokenKind
	text  string // normalised (upper-cased for keywords) text
	raw   string // original text
	pos   int
}

var keywords = map[string]struct{}{
	"SELECT": {}, "FROM": {}, "WHERE": {}, "GROUP": {}, "BY": {}, "HAVING": {},
	"ORDER": {}, "LIMIT": {}, "OFFSET": {}, "AS": {}, "DISTINCT": {}, "ALL": {},
	"JOIN": {}, "INNER": {}, "LEFT": {}, "RIGHT": {}, "FULL": {}, "CROSS": {},
	"ON": {}, "USING": {}, "WITH": {}, "UNION": {}, "INTERSECT": {}, "EXCEPT": {},
	"AND": {}, "OR": {}, "NOT": {}, "CASE": {}, "WHEN": {}, "THEN": {}, "ELSE": {},
	"END": {}, "IS": {}, "NULL": {}, "IN": {}, "BETWEEN": {}, "LIKE": {}, "ILIKE": {},
	"QUALIFY": {}, "OVER": {}, "PARTITION": {}, "ASC": {}, "DESC": {}, "NULLS": {},
	"FIRST": {}, "LAST": {},
}

func isIdentStart(r byte) bool {
	return r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
}

func isIdentPart(r byte) bool {
	return isIdentStart(r) || (r >= '0' && r <= '9') || r == '$'
}

func isDigit(r byte) bool { return r >= '0' && r <= '9' }

func isSpace(r byte) bool { return r == ' ' || r == '\t' || r == '\n' || r == '\r' }

func isKeyword(upper string) bool {
	_, ok := keywords[upper]
	return ok
}

func toUpper(s string) string { return strings.ToUpper(s) }
