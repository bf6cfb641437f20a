package template

import (
	"bufio"
	"sort"
	"strings"
)

// Pragmas holds the config/depends_on leading comments extracted from a
// model file before template expansion. They are stripped from the SQL, never emitted.
type Pragmas struct {
	Config     map[string]string
	DependsOn  []string
	RemainingSQL string
}

// ExtractPragmas scans leading `-- config: k=v, k=v` and
// `-- depends_on: a, b` comment lines with a single-pass line scanner.
// Scanning stops at the first line that is not a recognised pragma or
// blank.
func ExtractPragmas(content string) Pragmas {
	cfg := map[string]string{}
	var deps []string
	var body []string

	scanner := bufio.NewScanner(strings.NewReader(content))
	inHeader := true
	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)

		if inHeader {
			switch {
			case trimmed == "":
				continue
			case strings.HasPrefix(trimmed, "-- config:"):
				parseConfigLine(strings.TrimPrefix(trimmed, "-- config:"), cfg)
				continue
			case strings.HasPrefix(trimmed, "-- depends_on:"):
				deps = append(deps, parseCSVLine(strings.TrimPrefix(trimmed, "-- depends_on:"))...)
				continue
			default:
				inHeader = false
			}
		}
		body = append(body, line)
	}

	sort.Strings(deps)
	return Pragmas{
		Config:       cfg,
		DependsOn:    deps,
		RemainingSQL: strings.TrimSpace(strings.Join(body, "\n")),
	}
}

func parseConfigLine(s string, into map[string]string) {
	for _, pair := range strings.Split(s, ",") {
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		k = strings.TrimSpace(k)
		v = strings.TrimSpace(v)
		if k != "" {
			into[k] = v
		}
	}
}

func parseCSVLine(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
