package fhir

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// PageState is the server-side record behind a continuation token: the full
// ordered key list of a result set plus the page size. States are immutable
// after registration; offsets travel in the URL
// (?_getpages={token}&_getpagesoffset={n}&_count={n}).
type PageState struct {
	Token     string
	Bucket    string
	Keys      []string
	PageSize  int
	CreatedAt time.Time
}

// PageStore holds pagination states in process, keyed by opaque token.
// Entries expire on a TTL; expired or unknown tokens surface as ErrGone.
type PageStore struct {
	mu     sync.Mutex
	ttl    time.Duration
	states map[string]*PageState
	now    func() time.Time
}

// NewPageStore creates a store with the given TTL.
func NewPageStore(ttl time.Duration) *PageStore {
	return &PageStore{
		ttl:    ttl,
		states: make(map[string]*PageState),
		now:    time.Now,
	}
}

// Register stores a key list and returns its continuation token.
func (s *PageStore) Register(bucket string, keys []string, pageSize int) string {
	token := uuid.NewString()
	state := &PageState{
		Token:     token,
		Bucket:    bucket,
		Keys:      keys,
		PageSize:  pageSize,
		CreatedAt: s.now(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.purgeLocked()
	s.states[token] = state
	return token
}

// Lookup resolves a token. Unknown and expired tokens both yield ErrGone.
func (s *PageStore) Lookup(token string) (*PageState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.states[token]
	if ok && s.now().Sub(state.CreatedAt) > s.ttl {
		delete(s.states, token)
		ok = false
	}
	if !ok {
		return nil, fmt.Errorf("%w: pagination token expired or unknown", ErrGone)
	}
	return state, nil
}

// Page slices the state's key list for the given offset. An offset at or past
// the end returns an empty page, not an error.
func (state *PageState) Page(offset, count int) []string {
	if count <= 0 {
		count = state.PageSize
	}
	if offset < 0 || offset >= len(state.Keys) {
		return nil
	}
	end := offset + count
	if end > len(state.Keys) {
		end = len(state.Keys)
	}
	return state.Keys[offset:end]
}

func (s *PageStore) purgeLocked() {
	cutoff := s.now().Add(-s.ttl)
	for token, state := range s.states {
		if state.CreatedAt.Before(cutoff) {
			delete(s.states, token)
		}
	}
}
