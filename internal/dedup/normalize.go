// Package dedup keeps the knowledge graph to one entity per real-world
// thing: staged candidate matching (exact through cross-type fuzzy) and
// entity merging.
package dedup

import (
	"strings"

	"github.com/episteme-ai/episteme/internal/types"
)

// corporateSuffixes are stripped from organization names before
// comparison, so "Acme Corp" and "Acme Inc." normalize together.
var corporateSuffixes = []string{
	"incorporated", "corporation", "company", "limited", "holdings",
	"inc", "corp", "llc", "ltd", "gmbh", "plc", "co",
}

// Normalize reduces an entity name to its dedup comparison form:
// lowercased and whitespace-collapsed, with corporate suffixes stripped
// for organizations and plural endings reduced for everything else.
func Normalize(entityType types.EntityType, name string) string {
	n := types.NormalizeEntityName(name)
	if entityType == types.EntityOrganization {
		return stripCorporateSuffix(n)
	}
	return singularize(n)
}

func stripCorporateSuffix(name string) string {
	for {
		stripped := false
		for _, suffix := range corporateSuffixes {
			for _, sep := range []string{" ", ", "} {
				for _, tail := range []string{suffix, suffix + "."} {
					if cut, ok := strings.CutSuffix(name, sep+tail); ok && cut != "" {
						name = strings.TrimRight(cut, " ,")
						stripped = true
					}
				}
			}
		}
		if !stripped {
			return name
		}
	}
}

// singularize applies the plural-reduction rules to the final word of a
// name: ies -> y; ses/xes/zes/ches/shes lose the es; a bare trailing s is
// dropped unless the word ends in a double s. Words of three letters or
// fewer are left alone ("los", "gas").
func singularize(name string) string {
	words := strings.Split(name, " ")
	last := words[len(words)-1]
	words[len(words)-1] = singularWord(last)
	return strings.Join(words, " ")
}

func singularWord(w string) string {
	switch {
	case len(w) > 4 && strings.HasSuffix(w, "ies"):
		return w[:len(w)-3] + "y"
	case len(w) > 3 && (strings.HasSuffix(w, "ses") || strings.HasSuffix(w, "xes") ||
		strings.HasSuffix(w, "zes") || strings.HasSuffix(w, "ches") || strings.HasSuffix(w, "shes")):
		return w[:len(w)-2]
	case len(w) > 3 && strings.HasSuffix(w, "s") && !strings.HasSuffix(w, "ss"):
		return w[:len(w)-1]
	default:
		return w
	}
}

// prefixContainmentRatio is the minimum share of the longer name the
// shorter must cover for prefix containment to count as a match.
const prefixContainmentRatio = 0.6

// PrefixContained reports whether one normalized name is a prefix of the
// other and the shorter covers at least 60% of the longer. "crest cafe"
// vs "crest cafe sd" matches; "sarah" vs "sarah chen armstrong" does not.
func PrefixContained(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	shorter, longer := a, b
	if len(shorter) > len(longer) {
		shorter, longer = longer, shorter
	}
	if !strings.HasPrefix(longer, shorter) {
		return false
	}
	return float64(len(shorter)) >= prefixContainmentRatio*float64(len(longer))
}
