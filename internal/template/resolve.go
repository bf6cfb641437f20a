package template

import "strings"

// ResolvePlaceholders substitutes every __REF__/__SRC__ placeholder emitted
// by Expand with its physical identifier. The compiler runs this once per
// model at compile time, right after Expand and before lineage extraction,
// so the SQL stored on a ParsedModel already carries physical identifiers;
// the identifiers do not vary with the run's environment.
func ResolvePlaceholders(sql string, refIdentifiers map[string]string, sourceIdentifiers map[string]string) string {
	replacer := make([]string, 0, (len(refIdentifiers)+len(sourceIdentifiers))*2)
	for name, ident := range refIdentifiers {
		replacer = append(replacer, RefPlaceholder(name), ident)
	}
	for key, ident := range sourceIdentifiers {
		group, table, ok := strings.Cut(key, ".")
		if !ok {
			continue
		}
		replacer = append(replacer, SourcePlaceholder(group, table), ident)
	}
	return strings.NewReplacer(replacer...).Replace(sql)
}
