package resolver

import (
	"strings"

	"convograph/backend/internal/constants"
	"convograph/backend/internal/store"
)

// MatchKind records which rule matched a mention to a person
type MatchKind int

const (
	MatchNone MatchKind = iota
	MatchExternalID
	MatchName
	MatchAlias
	MatchAliasSubstring
)

func (k MatchKind) String() string {
	switch k {
	case MatchExternalID:
		return "external_id"
	case MatchName:
		return "name"
	case MatchAlias:
		return "alias"
	case MatchAliasSubstring:
		return "alias_substring"
	default:
		return "none"
	}
}

// Match finds the best person for name among candidates.
//
// Rules in priority order: exact canonical name, exact alias, then an alias that
// contains or is contained in name on word boundaries. Substring matching only
// considers a shorter side of at least MinAliasSubstringLength characters. Within a
// rule, ties go to the higher conversation count, then the lower id.
func Match(candidates []store.Person, name string) (*store.Person, MatchKind) {
	key := store.FoldName(name)
	if key == "" {
		return nil, MatchNone
	}

	var best *store.Person
	bestKind := MatchNone
	for i := range candidates {
		p := &candidates[i]
		kind := matchOne(p, key)
		if kind == MatchNone {
			continue
		}
		if best == nil || kind < bestKind || (kind == bestKind && better(p, best)) {
			best, bestKind = p, kind
		}
	}
	return best, bestKind
}

func matchOne(p *store.Person, key string) MatchKind {
	if store.FoldName(p.Name) == key {
		return MatchName
	}
	kind := MatchNone
	for _, a := range p.Aliases {
		alias := store.FoldName(a)
		if alias == key {
			return MatchAlias
		}
		if containsWord(alias, key) || containsWord(key, alias) {
			kind = MatchAliasSubstring
		}
	}
	return kind
}

func better(a, b *store.Person) bool {
	if a.ConversationCount != b.ConversationCount {
		return a.ConversationCount > b.ConversationCount
	}
	return a.ID < b.ID
}

// containsWord reports whether needle occurs in haystack bounded by non-word characters.
// Both arguments are already folded.
func containsWord(haystack, needle string) bool {
	if len(needle) < constants.MinAliasSubstringLength || len(needle) >= len(haystack) {
		return false
	}
	for start := 0; ; {
		idx := strings.Index(haystack[start:], needle)
		if idx < 0 {
			return false
		}
		idx += start
		end := idx + len(needle)
		if (idx == 0 || !isWordByte(haystack[idx-1])) && (end == len(haystack) || !isWordByte(haystack[end])) {
			return true
		}
		start = idx + 1
	}
}

func isWordByte(b byte) bool {
	return b == '_' || ('a' <= b && b <= 'z') || ('A' <= b && b <= 'Z') || ('0' <= b && b <= '9') || b >= 0x80
}
