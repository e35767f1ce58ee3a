package session

import (
	"fmt"
	"sort"
	"strings"
)

// FormatHeader renders tokens as "rangeId:token[,rangeId:token...]" with
// entries sorted by range id.
func FormatHeader(tokens map[string]Token) string {
	ids := make([]string, 0, len(tokens))
	for id := range tokens {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, id+":"+tokens[id].String())
	}
	return strings.Join(parts, ",")
}

// ParseHeader parses a session token header. Entries for the same range are
// merged rather than overwritten.
func ParseHeader(value string) (map[string]Token, error) {
	tokens := make(map[string]Token)
	if strings.TrimSpace(value) == "" {
		return tokens, nil
	}

	for _, entry := range strings.Split(value, ",") {
		rangeID, raw, ok := strings.Cut(strings.TrimSpace(entry), ":")
		if !ok || rangeID == "" {
			return nil, fmt.Errorf("invalid session token entry %q: expected rangeId:token", entry)
		}
		tok, err := ParseToken(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid session token for range %s: %w", rangeID, err)
		}
		if prev, exists := tokens[rangeID]; exists {
			tok = Merge(prev, tok)
		}
		tokens[rangeID] = tok
	}
	return tokens, nil
}
