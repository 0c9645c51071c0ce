// Package eventbus declares the narrow capability interfaces the
// query-index core consumes from its external collaborators (the event
// bus, the entity registry, the vector-embedding subsystem, and per-field
// encryption), per spec.md §9's dependency-injection re-architecture of the
// original "ctx.resolve<T>(name)" pattern.
package eventbus

import "context"

// EmitOptions controls delivery semantics for an emitted event.
type EmitOptions struct {
	// Persistent marks an event for at-least-once delivery with retries
	// (spec.md §5: reindex, purge). Non-persistent events are best-effort,
	// fire-and-forget (vectorize, coverage refresh, upsert_one).
	Persistent bool
}

// EventBusLike is the minimal event bus surface the core depends on.
type EventBusLike interface {
	// Emit publishes payload under event. Unknown payload keys are ignored
	// by consumers (spec.md §6).
	Emit(ctx context.Context, event string, payload map[string]any, opts EmitOptions) error
	// On registers a handler for event. Returns an unsubscribe function.
	On(event string, handler func(ctx context.Context, payload map[string]any) error) (unsubscribe func())
}

// EntityRegistryLike resolves an EntityType to its base table name and lists
// registered entities for warmup fan-out.
type EntityRegistryLike interface {
	// ResolveEntityTableName maps "<module>:<entity>" to a concrete base
	// table name, or returns ok=false if the entity type is unknown.
	ResolveEntityTableName(entityType string) (table string, ok bool)
	// RegisteredEntityTypes lists every entity type known to the registry,
	// used by the coverage warmup fan-out (spec.md §4.J).
	RegisteredEntityTypes() []string
	// IsCustomEntity reports whether entityType is backed entirely by
	// custom_entities_storage, routing the planner to its fast path
	// (spec.md §4.I).
	IsCustomEntity(entityType string) bool
}

// VectorServiceLike is the minimal coverage/count interface the core
// consumes from the vector-embedding subsystem; the subsystem itself is out
// of scope (spec.md §1).
type VectorServiceLike interface {
	// Count returns the number of vector-indexed rows for entityType under
	// tenantID, or an error if the vector backend is unavailable.
	Count(ctx context.Context, entityType, tenantID string) (int64, error)
	// RemoveOrphans deletes vector entries for entityType older than
	// olderThan, used by the reindexer's orphan sweep (spec.md §4.G step 8).
	RemoveOrphans(ctx context.Context, entityType string, olderThan int64) error
}

// EncryptHook transforms a built document before it is stored.
type EncryptHook func(ctx context.Context, doc map[string]any) (map[string]any, error)

// DecryptHook transforms a stored document before token extraction.
type DecryptHook func(ctx context.Context, doc map[string]any) (map[string]any, error)

// EncryptionHookSet bundles the optional storage-encrypt and search-decrypt
// hooks consumed by the Document Builder (4.A) and Indexer (4.C).
type EncryptionHookSet struct {
	Encrypt EncryptHook
	Decrypt DecryptHook
}
