// Package session tracks session tokens per partition key range and attaches
// them to outgoing requests.
//
// The store is shared by every in-flight request of a client. Writers never
// take a store-wide lock: each range has its own entry holding an immutable
// token behind an atomic pointer, and RecordToken merges forward with a
// compare-and-swap loop. Because Merge is commutative, associative and
// idempotent, concurrent and out-of-order records converge on the same value
// and the stored token never regresses.
package session

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/docdb-driver/drc/internal/request"
	"github.com/docdb-driver/drc/internal/status"
)

// MergeRecorder observes the outcome of every RecordToken call.
type MergeRecorder interface {
	RecordTokenMerge(advanced bool)
}

type entry struct {
	token atomic.Pointer[Token]
}

// Store holds the latest known token per range id for one collection.
type Store struct {
	collection string
	entries    sync.Map // range id -> *entry
	recorder   MergeRecorder
}

// NewStore creates an empty store. recorder may be nil.
func NewStore(collection string, recorder MergeRecorder) *Store {
	return &Store{collection: collection, recorder: recorder}
}

// Collection returns the collection the store tracks.
func (s *Store) Collection() string { return s.collection }

// RecordToken merges token into the stored token for rangeID. It reports
// whether the stored value advanced.
func (s *Store) RecordToken(rangeID string, token Token) (bool, error) {
	if rangeID == "" {
		return false, &status.MissingContextError{Operation: "record session token", Field: "partition key range id"}
	}

	v, ok := s.entries.Load(rangeID)
	if !ok {
		v, _ = s.entries.LoadOrStore(rangeID, &entry{})
	}
	e := v.(*entry)

	for {
		cur := e.token.Load()
		if cur != nil && cur.Dominates(token) {
			s.observe(false)
			return false, nil
		}

		var merged Token
		if cur == nil {
			merged = token.Clone()
		} else {
			merged = Merge(*cur, token)
		}
		if e.token.CompareAndSwap(cur, &merged) {
			s.observe(true)
			return true, nil
		}
	}
}

func (s *Store) observe(advanced bool) {
	if s.recorder != nil {
		s.recorder.RecordTokenMerge(advanced)
	}
}

// Token returns the stored token for rangeID.
func (s *Store) Token(rangeID string) (Token, bool) {
	v, ok := s.entries.Load(rangeID)
	if !ok {
		return Token{}, false
	}
	cur := v.(*entry).token.Load()
	if cur == nil {
		return Token{}, false
	}
	return cur.Clone(), true
}

// ResolveTokenForRequest returns the token to send with req. The request must
// already carry a resolved range id; otherwise a *status.MissingContextError
// is returned and no token is produced.
//
// A range that has never been written but descends from ranges that have
// (after a split or merge) resolves to the merge of its parents' tokens. The
// boolean result is false when no token has been observed for the range or
// its lineage; callers then send no session header.
func (s *Store) ResolveTokenForRequest(req *request.Request) (Token, bool, error) {
	if req == nil || req.ResolvedRangeID == "" {
		return Token{}, false, &status.MissingContextError{Operation: "resolve session token", Field: "partition key range id"}
	}

	if tok, ok := s.Token(req.ResolvedRangeID); ok {
		return tok, true, nil
	}

	var (
		merged Token
		found  bool
	)
	for _, parent := range req.ResolvedRangeParents {
		if tok, ok := s.Token(parent); ok {
			merged = Merge(merged, tok)
			found = true
		}
	}
	return merged, found, nil
}

// AttachHeader sets the session token header on req. Single-range requests
// send their resolved range's token; cross-partition requests send a
// composite header covering every targeted range that has a token.
func (s *Store) AttachHeader(req *request.Request) error {
	if req == nil {
		return &status.MissingContextError{Operation: "attach session token", Field: "request"}
	}

	if req.CrossPartition {
		if len(req.TargetRangeIDs) == 0 {
			return &status.MissingContextError{Operation: "attach session token", Field: "target partition key ranges"}
		}
		tokens := make(map[string]Token, len(req.TargetRangeIDs))
		for _, id := range req.TargetRangeIDs {
			if tok, ok := s.Token(id); ok {
				tokens[id] = tok
			}
		}
		if len(tokens) > 0 {
			req.SetHeader(request.HeaderSessionToken, FormatHeader(tokens))
		}
		return nil
	}

	tok, found, err := s.ResolveTokenForRequest(req)
	if err != nil {
		return err
	}
	if found {
		req.SetHeader(request.HeaderSessionToken, FormatHeader(map[string]Token{req.ResolvedRangeID: tok}))
	}
	return nil
}

// ExtractHeader records every token in a response header value.
func (s *Store) ExtractHeader(value string) error {
	tokens, err := ParseHeader(value)
	if err != nil {
		return err
	}
	for rangeID, tok := range tokens {
		if _, err := s.RecordToken(rangeID, tok); err != nil {
			return err
		}
	}
	return nil
}

// Snapshot returns the rendered token of every range, for diagnostics.
func (s *Store) Snapshot() map[string]string {
	out := make(map[string]string)
	s.entries.Range(func(k, v any) bool {
		if cur := v.(*entry).token.Load(); cur != nil {
			out[k.(string)] = cur.String()
		}
		return true
	})
	return out
}

// RangeIDs returns the ids of every range with a recorded token, sorted.
func (s *Store) RangeIDs() []string {
	var ids []string
	s.entries.Range(func(k, v any) bool {
		if v.(*entry).token.Load() != nil {
			ids = append(ids, k.(string))
		}
		return true
	})
	sort.Strings(ids)
	return ids
}
