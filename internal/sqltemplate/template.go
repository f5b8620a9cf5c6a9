// Package sqltemplate implements the minimal template-helper surface a SQL
// module uses to declare its sink and reference its source (spec.md §6 "SQL
// module"): `sink(name="...")` is a render-time side effect, consumed and
// stripped rather than emitted, and `use_source("...")` is textually
// replaced by the engine-visible table name bound to that source for this
// pipeline run.
//
// The full templating engine a production rendering pipeline would use
// (macros, includes, conditionals) is the kind of capability spec.md treats
// as an external collaborator; this package implements only the two
// helpers the spec names. No library in the retrieval pack offers this
// call-syntax, side-effecting substitution, so it's built directly on
// regexp rather than adopting a general templating engine.
package sqltemplate

import (
	"fmt"
	"regexp"
	"strings"

	"apitap/internal/model"
)

var (
	sinkPattern      = regexp.MustCompile(`sink\(\s*name\s*=\s*"([^"]*)"\s*\)`)
	useSourcePattern = regexp.MustCompile(`use_source\(\s*"([^"]*)"\s*\)`)
)

// Rendered is one SQL module after its template helpers have been resolved.
type Rendered struct {
	// SinkName is the target name declared by sink(name="...").
	SinkName string
	// Sources lists every source name referenced via use_source(...), in
	// order of first appearance.
	Sources []string
	// SQL is the statement with sink(...) stripped and use_source(...)
	// replaced by each source's bound engine table identifier.
	SQL string
}

// Render parses raw module text, extracting its sink() declaration and
// substituting use_source(...) references with the corresponding entry in
// tableForSource (the engine-visible table name C7 registered for that
// source, per spec.md §4.C7 step 2).
func Render(raw string, tableForSource map[string]string) (*Rendered, error) {
	sinkMatches := sinkPattern.FindAllStringSubmatch(raw, -1)
	if len(sinkMatches) == 0 {
		return nil, fmt.Errorf("%w: sql module has no sink(name=\"...\") declaration", model.ErrConfigInvalid)
	}
	if len(sinkMatches) > 1 {
		return nil, fmt.Errorf("%w: sql module declares more than one sink()", model.ErrConfigInvalid)
	}
	sinkName := sinkMatches[0][1]
	if sinkName == "" {
		return nil, fmt.Errorf("%w: sink() name must not be empty", model.ErrConfigInvalid)
	}

	sql := sinkPattern.ReplaceAllString(raw, "")

	var sources []string
	seen := make(map[string]bool)

	var substErr error
	sql = useSourcePattern.ReplaceAllStringFunc(sql, func(match string) string {
		if substErr != nil {
			return match
		}
		sub := useSourcePattern.FindStringSubmatch(match)
		name := sub[1]
		if !seen[name] {
			seen[name] = true
			sources = append(sources, name)
		}
		table, ok := tableForSource[name]
		if !ok {
			substErr = fmt.Errorf("%w: use_source(%q) references an undeclared source", model.ErrConfigInvalid, name)
			return match
		}
		return table
	})
	if substErr != nil {
		return nil, substErr
	}

	return &Rendered{
		SinkName: sinkName,
		Sources:  sources,
		SQL:      strings.TrimSpace(sql),
	}, nil
}

// SourcesReferenced is a cheap preflight pass: it extracts the source names
// a module references without requiring their bound table names yet, so a
// pipeline runner can decide which sources to fetch before engine tables
// exist (spec.md §4.C9 "resolved (source, target)").
func SourcesReferenced(raw string) []string {
	matches := useSourcePattern.FindAllStringSubmatch(raw, -1)
	var out []string
	seen := make(map[string]bool)
	for _, m := range matches {
		if !seen[m[1]] {
			seen[m[1]] = true
			out = append(out, m[1])
		}
	}
	return out
}
