package session

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Token is a per-range monotonic marker. The simple form carries only the
// global sequence number; the vector form adds a version and one sequence
// number per region for multi-region writes.
//
// Tokens are immutable once recorded: Merge always allocates.
type Token struct {
	Version   uint64
	GlobalSeq uint64
	Regions   map[uint32]uint64
}

// Seq returns the logical sequence number.
func (t Token) Seq() uint64 { return t.GlobalSeq }

// IsZero reports whether t carries no progress at all.
func (t Token) IsZero() bool {
	return t.Version == 0 && t.GlobalSeq == 0 && len(t.Regions) == 0
}

// ParseToken parses "10" or "version#globalSeq#region=seq#...".
func ParseToken(s string) (Token, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Token{}, fmt.Errorf("empty session token")
	}

	if !strings.Contains(s, "#") {
		seq, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return Token{}, fmt.Errorf("invalid session token %q: %w", s, err)
		}
		return Token{GlobalSeq: seq}, nil
	}

	parts := strings.Split(s, "#")
	if len(parts) < 2 {
		return Token{}, fmt.Errorf("invalid vector session token %q", s)
	}
	version, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return Token{}, fmt.Errorf("invalid session token version in %q: %w", s, err)
	}
	global, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return Token{}, fmt.Errorf("invalid session token sequence in %q: %w", s, err)
	}

	t := Token{Version: version, GlobalSeq: global}
	for _, part := range parts[2:] {
		regionStr, seqStr, ok := strings.Cut(part, "=")
		if !ok {
			return Token{}, fmt.Errorf("invalid region component %q in session token %q", part, s)
		}
		region, err := strconv.ParseUint(regionStr, 10, 32)
		if err != nil {
			return Token{}, fmt.Errorf("invalid region id %q in session token %q: %w", regionStr, s, err)
		}
		seq, err := strconv.ParseUint(seqStr, 10, 64)
		if err != nil {
			return Token{}, fmt.Errorf("invalid region sequence %q in session token %q: %w", seqStr, s, err)
		}
		if t.Regions == nil {
			t.Regions = make(map[uint32]uint64)
		}
		if seq > t.Regions[uint32(region)] {
			t.Regions[uint32(region)] = seq
		}
	}
	return t, nil
}

// String renders the token in the form ParseToken accepts. Region components
// are sorted so equal tokens render identically.
func (t Token) String() string {
	if t.Version == 0 && len(t.Regions) == 0 {
		return strconv.FormatUint(t.GlobalSeq, 10)
	}

	var b strings.Builder
	b.WriteString(strconv.FormatUint(t.Version, 10))
	b.WriteByte('#')
	b.WriteString(strconv.FormatUint(t.GlobalSeq, 10))
	for _, region := range t.regionIDs() {
		b.WriteByte('#')
		b.WriteString(strconv.FormatUint(uint64(region), 10))
		b.WriteByte('=')
		b.WriteString(strconv.FormatUint(t.Regions[region], 10))
	}
	return b.String()
}

func (t Token) regionIDs() []uint32 {
	ids := make([]uint32, 0, len(t.Regions))
	for id := range t.Regions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Merge returns the component-wise maximum of a and b. It is commutative,
// associative and idempotent.
func Merge(a, b Token) Token {
	out := Token{
		Version:   max(a.Version, b.Version),
		GlobalSeq: max(a.GlobalSeq, b.GlobalSeq),
	}
	if len(a.Regions) == 0 && len(b.Regions) == 0 {
		return out
	}
	out.Regions = make(map[uint32]uint64, len(a.Regions)+len(b.Regions))
	for id, seq := range a.Regions {
		out.Regions[id] = seq
	}
	for id, seq := range b.Regions {
		if seq > out.Regions[id] {
			out.Regions[id] = seq
		}
	}
	return out
}

// Dominates reports whether t is at least b in every component, i.e. merging
// b into t would not change t.
func (t Token) Dominates(b Token) bool {
	if t.Version < b.Version || t.GlobalSeq < b.GlobalSeq {
		return false
	}
	for id, seq := range b.Regions {
		if t.Regions[id] < seq {
			return false
		}
	}
	return true
}

// Equal reports component-wise equality.
func (t Token) Equal(b Token) bool {
	return t.Dominates(b) && b.Dominates(t)
}

// Clone returns a copy that shares no state with t.
func (t Token) Clone() Token {
	c := Token{Version: t.Version, GlobalSeq: t.GlobalSeq}
	if len(t.Regions) > 0 {
		c.Regions = make(map[uint32]uint64, len(t.Regions))
		for id, seq := range t.Regions {
			c.Regions[id] = seq
		}
	}
	return c
}
