// Package tablename derives SQL-safe, unique-per-run table identifiers for
// tables the page-writer registers with the embedded engine (spec.md §4.C7
// step 2: "a SQL-safe unique identifier per pipeline run").
//
// Adapted from the slugging pipeline taibuivan-yomira uses to turn
// arbitrary titles into URL-safe slugs: normalize, strip accents,
// lowercase, then replace anything that isn't a letter/digit/underscore.
// SQL identifiers need underscores rather than hyphens and must not start
// with a digit, so the character map and boundary handling differ from the
// URL-slug case it's grounded on.
package tablename

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/google/uuid"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var (
	nonIdentChar  = regexp.MustCompile(`[^a-z0-9_]+`)
	multiUnderbar = regexp.MustCompile(`_{2,}`)
)

// Slug converts an arbitrary source/table name into a lowercase, ASCII,
// underscore-separated SQL identifier.
func Slug(s string) string {
	t := transform.Chain(norm.NFD, transform.RemoveFunc(isMn))
	result, _, _ := transform.String(t, s)

	result = strings.ToLower(result)
	result = strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return r
		}
		return '_'
	}, result)

	result = nonIdentChar.ReplaceAllString(result, "_")
	result = multiUnderbar.ReplaceAllString(result, "_")
	result = strings.Trim(result, "_")

	if result == "" {
		result = "t"
	}
	if unicode.IsDigit(rune(result[0])) {
		result = "t_" + result
	}
	return result
}

// ForPipelineRun builds a unique engine table name for sourceName, scoped
// to a single SQL execution (spec.md §3 "Table registration in the engine:
// scoped to a single SQL execution"). The uuid suffix guarantees no
// collision between concurrent pipeline runs registering tables for the
// same source name.
func ForPipelineRun(sourceName string) string {
	return fmt.Sprintf("src_%s_%s", Slug(sourceName), strings.ReplaceAll(uuid.NewString(), "-", ""))
}

func isMn(r rune) bool {
	return unicode.Is(unicode.Mn, r)
}
