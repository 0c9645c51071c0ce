// Package tokens derives SearchToken rows from a built document and
// replaces them transactionally, per spec.md §4.B.
package tokens

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/openmercato/queryindex/internal/logger"
	"github.com/openmercato/queryindex/internal/queryindex/model"
	"github.com/openmercato/queryindex/internal/queryindex/ports"
)

var excludedFieldNames = map[string]bool{
	"id":             true,
	"tenant_id":      true,
	"organization_id": true,
	"created_at":     true,
	"updated_at":     true,
	"deleted_at":     true,
}

// Config tunes the Extractor's behavior.
type Config struct {
	// Blocklist names additional fields to exclude beyond the fixed rule
	// (spec.md §4.B: "a configured blocklist").
	Blocklist map[string]bool
	// StoreRawToken controls whether SearchToken.RawToken is populated.
	StoreRawToken bool
}

// Extractor implements the Token Extractor contract.
type Extractor struct {
	cfg   Config
	store ports.TokenReplacer
	log   *logger.Logger
}

// New constructs an Extractor.
func New(store ports.TokenReplacer, cfg Config) *Extractor {
	return &Extractor{cfg: cfg, store: store, log: logger.NewDefault("queryindex.tokens")}
}

// Extract derives the token set for doc without touching storage.
func (e *Extractor) Extract(entityType model.EntityType, recordID string, scope model.Scope, doc map[string]any) []model.SearchToken {
	seen := make(map[string]bool)
	var out []model.SearchToken

	for field, value := range doc {
		if !e.includeField(field) {
			continue
		}
		values, ok := stringValues(value)
		if !ok {
			continue
		}
		for _, raw := range values {
			if raw == "" {
				continue
			}
			for _, word := range tokenize(raw) {
				hash := hashToken(word)
				key := field + "\x00" + hash
				if seen[key] {
					continue
				}
				seen[key] = true

				tok := model.SearchToken{
					EntityType: entityType,
					RecordID:   recordID,
					Field:      field,
					TokenHash:  hash,
					Scope:      scope,
				}
				if e.cfg.StoreRawToken {
					w := word
					tok.RawToken = &w
				}
				out = append(out, tok)
			}
		}
	}
	return out
}

// ReplaceForRecord extracts and replaces the token set for a single record.
func (e *Extractor) ReplaceForRecord(ctx context.Context, entityType model.EntityType, recordID string, scope model.Scope, doc map[string]any) error {
	toks := e.Extract(entityType, recordID, scope, doc)
	return e.store.ReplaceForRecord(ctx, entityType, recordID, scope, toks)
}

// ReplaceForBatch extracts and replaces tokens for every record in docs,
// keyed by recordID, within one transaction.
func (e *Extractor) ReplaceForBatch(ctx context.Context, entityType model.EntityType, scope model.Scope, docs map[string]map[string]any) error {
	perRecord := make(map[string][]model.SearchToken, len(docs))
	for recordID, doc := range docs {
		perRecord[recordID] = e.Extract(entityType, recordID, scope, doc)
	}
	return e.store.ReplaceForBatch(ctx, entityType, perRecord)
}

func (e *Extractor) includeField(name string) bool {
	lower := strings.ToLower(name)
	if strings.HasSuffix(lower, "_id") || strings.HasSuffix(lower, "_at") {
		return false
	}
	if excludedFieldNames[lower] {
		return false
	}
	if e.cfg.Blocklist != nil && e.cfg.Blocklist[lower] {
		return false
	}
	return true
}

func stringValues(v any) ([]string, bool) {
	switch t := v.(type) {
	case string:
		if t == "" {
			return nil, false
		}
		return []string{t}, true
	case []string:
		if len(t) == 0 {
			return nil, false
		}
		return t, true
	case []any:
		if len(t) == 0 {
			return nil, false
		}
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		if len(out) == 0 {
			return nil, false
		}
		return out, true
	default:
		return nil, false
	}
}

func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !(r >= 'a' && r <= 'z') && !(r >= '0' && r <= '9')
	})
}

func hashToken(word string) string {
	sum := sha256.Sum256([]byte(word))
	return hex.EncodeToString(sum[:])
}
