package memory

import (
	"context"
	"sync"

	"github.com/openmercato/queryindex/internal/queryindex/model"
)

type tokenKey struct {
	entityType model.EntityType
	recordID   string
	field      string
	tokenHash  string
	orgCo      string
}

// TokenStore is an in-memory ports.TokenReplacer.
type TokenStore struct {
	mu     sync.Mutex
	tokens map[tokenKey]model.SearchToken
}

// NewTokenStore constructs an empty TokenStore.
func NewTokenStore() *TokenStore {
	return &TokenStore{tokens: make(map[tokenKey]model.SearchToken)}
}

// ReplaceForRecord deletes only the (entityID, field) pairs present in
// tokens, then inserts tokens (spec.md §4.B). An empty tokens slice deletes
// every token of the record at scope.
func (s *TokenStore) ReplaceForRecord(ctx context.Context, entityType model.EntityType, recordID string, scope model.Scope, tokens []model.SearchToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	fields := make(map[string]bool)
	for _, t := range tokens {
		fields[t.Field] = true
	}
	orgCo := scope.OrganizationIDCoalesced()
	for k, t := range s.tokens {
		if k.entityType != entityType || k.recordID != recordID || k.orgCo != orgCo {
			continue
		}
		if len(fields) == 0 || fields[k.field] {
			delete(s.tokens, k)
		}
	}
	s.insertLocked(tokens)
	return nil
}

// ReplaceForBatch is the batched form used after a batch upsert.
func (s *TokenStore) ReplaceForBatch(ctx context.Context, entityType model.EntityType, perRecord map[string][]model.SearchToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for recordID, tokens := range perRecord {
		for k := range s.tokens {
			if k.entityType == entityType && k.recordID == recordID {
				delete(s.tokens, k)
			}
		}
		s.insertLocked(tokens)
	}
	return nil
}

// DeleteForRecord removes every token for recordID at scope.
func (s *TokenStore) DeleteForRecord(ctx context.Context, entityType model.EntityType, recordID string, scope model.Scope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	orgCo := scope.OrganizationIDCoalesced()
	for k := range s.tokens {
		if k.entityType == entityType && k.recordID == recordID && k.orgCo == orgCo {
			delete(s.tokens, k)
		}
	}
	return nil
}

func (s *TokenStore) insertLocked(tokens []model.SearchToken) {
	for _, t := range tokens {
		key := tokenKey{
			entityType: t.EntityType,
			recordID:   t.RecordID,
			field:      t.Field,
			tokenHash:  t.TokenHash,
			orgCo:      t.Scope.OrganizationIDCoalesced(),
		}
		s.tokens[key] = t
	}
}

// Snapshot returns every seeded/inserted token for entityType+recordID, for
// assertions in tests.
func (s *TokenStore) Snapshot(entityType model.EntityType, recordID string) []model.SearchToken {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.SearchToken
	for k, t := range s.tokens {
		if k.entityType == entityType && k.recordID == recordID {
			out = append(out, t)
		}
	}
	return out
}
