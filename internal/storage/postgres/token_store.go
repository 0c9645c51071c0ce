package postgres

import (
	"context"
	"fmt"

	"github.com/lib/pq"

	"github.com/openmercato/queryindex/internal/queryindex/model"
)

// TokenStore implements ports.TokenReplacer against search_tokens.
type TokenStore struct {
	*BaseStore
}

// NewTokenStore constructs a TokenStore.
func NewTokenStore(base *BaseStore) *TokenStore { return &TokenStore{BaseStore: base} }

// ReplaceForRecord deletes only the (entityId, field) pairs present in
// tokens, then inserts tokens, inside one transaction. An empty tokens
// slice deletes every token of the record at scope.
func (s *TokenStore) ReplaceForRecord(ctx context.Context, entityType model.EntityType, recordID string, scope model.Scope, tokens []model.SearchToken) error {
	return s.WithTx(ctx, func(ctx context.Context) error {
		fields := uniqueFields(tokens)
		if len(fields) == 0 {
			const delAll = `DELETE FROM search_tokens WHERE entity_type = $1 AND record_id = $2 AND tenant_id = $3 AND organization_id_coalesced = $4`
			_, err := s.Querier(ctx).ExecContext(ctx, delAll, entityType.String(), recordID, scope.TenantID, scope.OrganizationIDCoalesced())
			return err
		}

		const del = `DELETE FROM search_tokens WHERE entity_type = $1 AND record_id = $2 AND tenant_id = $3 AND organization_id_coalesced = $4 AND field = ANY($5)`
		if _, err := s.Querier(ctx).ExecContext(ctx, del, entityType.String(), recordID, scope.TenantID, scope.OrganizationIDCoalesced(), pq.Array(fields)); err != nil {
			return fmt.Errorf("delete existing tokens: %w", err)
		}

		return s.insertTokens(ctx, tokens)
	})
}

// ReplaceForBatch is the batched form used after a batch upsert.
func (s *TokenStore) ReplaceForBatch(ctx context.Context, entityType model.EntityType, perRecord map[string][]model.SearchToken) error {
	return s.WithTx(ctx, func(ctx context.Context) error {
		for recordID, tokens := range perRecord {
			scope := model.Scope{}
			if len(tokens) > 0 {
				scope = tokens[0].Scope
			}
			fields := uniqueFields(tokens)
			if len(fields) == 0 {
				const delAll = `DELETE FROM search_tokens WHERE entity_type = $1 AND record_id = $2`
				if _, err := s.Querier(ctx).ExecContext(ctx, delAll, entityType.String(), recordID); err != nil {
					return err
				}
				continue
			}
			const del = `DELETE FROM search_tokens WHERE entity_type = $1 AND record_id = $2 AND tenant_id = $3 AND organization_id_coalesced = $4 AND field = ANY($5)`
			if _, err := s.Querier(ctx).ExecContext(ctx, del, entityType.String(), recordID, scope.TenantID, scope.OrganizationIDCoalesced(), pq.Array(fields)); err != nil {
				return fmt.Errorf("delete existing tokens for %s: %w", recordID, err)
			}
			if err := s.insertTokens(ctx, tokens); err != nil {
				return err
			}
		}
		return nil
	})
}

// DeleteForRecord removes every token for recordID at scope.
func (s *TokenStore) DeleteForRecord(ctx context.Context, entityType model.EntityType, recordID string, scope model.Scope) error {
	const q = `DELETE FROM search_tokens WHERE entity_type = $1 AND record_id = $2 AND tenant_id = $3 AND organization_id_coalesced = $4`
	_, err := s.Querier(ctx).ExecContext(ctx, q, entityType.String(), recordID, scope.TenantID, scope.OrganizationIDCoalesced())
	return err
}

func (s *TokenStore) insertTokens(ctx context.Context, tokens []model.SearchToken) error {
	const ins = `INSERT INTO search_tokens (entity_type, record_id, field, token_hash, raw_token, tenant_id, organization_id, organization_id_coalesced)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (entity_type, record_id, field, token_hash, organization_id_coalesced) DO NOTHING`
	for _, t := range tokens {
		_, err := s.Querier(ctx).ExecContext(ctx, ins, t.EntityType.String(), t.RecordID, t.Field, t.TokenHash, t.RawToken, t.Scope.TenantID, t.Scope.OrganizationID, t.Scope.OrganizationIDCoalesced())
		if err != nil {
			return fmt.Errorf("insert token: %w", err)
		}
	}
	return nil
}

func uniqueFields(tokens []model.SearchToken) []string {
	seen := make(map[string]bool)
	var out []string
	for _, t := range tokens {
		if !seen[t.Field] {
			seen[t.Field] = true
			out = append(out, t.Field)
		}
	}
	return out
}
