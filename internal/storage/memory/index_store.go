package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/openmercato/queryindex/internal/queryindex/model"
	"github.com/openmercato/queryindex/internal/queryindex/ports"
)

type indexKey struct {
	entityType model.EntityType
	recordID   string
	orgCo      string
}

// IndexStore is an in-memory ports.IndexStore + ports.IndexBatchStore.
type IndexStore struct {
	mu   sync.RWMutex
	rows map[indexKey]model.IndexRow
}

// NewIndexStore constructs an empty IndexStore.
func NewIndexStore() *IndexStore {
	return &IndexStore{rows: make(map[indexKey]model.IndexRow)}
}

func (s *IndexStore) Get(ctx context.Context, entityType model.EntityType, recordID string, organizationIDCoalesced string) (model.IndexRow, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.rows[indexKey{entityType, recordID, organizationIDCoalesced}]
	return row, ok, nil
}

func (s *IndexStore) Upsert(ctx context.Context, row model.IndexRow) (model.TransitionFlags, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := indexKey{row.EntityType, row.RecordID, row.OrganizationIDCoalesced()}
	existing, existed := s.rows[key]

	flags := model.TransitionFlags{Existed: existed}
	if existed && existing.DeletedAt != nil {
		flags.WasDeleted = true
		flags.Revived = true
	}
	if !existed {
		flags.Created = true
	}

	row.UpdatedAt = now()
	row.DeletedAt = nil
	s.rows[key] = row
	return flags, nil
}

func (s *IndexStore) Delete(ctx context.Context, entityType model.EntityType, recordID string, organizationIDCoalesced string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := indexKey{entityType, recordID, organizationIDCoalesced}
	existing, ok := s.rows[key]
	wasActive := ok && existing.DeletedAt == nil
	delete(s.rows, key)
	return wasActive, nil
}

func (s *IndexStore) DeleteByScopeAndPartition(ctx context.Context, entityType model.EntityType, tenantID string, organizationID *string, partition *model.PartitionKey, recordIDs []string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wanted := toSet(recordIDs)
	var affected int64
	for key, row := range s.rows {
		if key.entityType != entityType || row.TenantID != tenantID {
			continue
		}
		if organizationID != nil && row.OrganizationIDCoalesced() != orgCoalesced(organizationID) {
			continue
		}
		if partition != nil && int(simpleHash(row.RecordID))%partition.PartitionCount != partition.PartitionIndex {
			continue
		}
		if len(wanted) > 0 && !wanted[row.RecordID] {
			continue
		}
		delete(s.rows, key)
		affected++
	}
	return affected, nil
}

func (s *IndexStore) SoftDeleteByScope(ctx context.Context, entityType model.EntityType, tenantID string, organizationID *string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var affected int64
	for key, row := range s.rows {
		if key.entityType != entityType || row.TenantID != tenantID {
			continue
		}
		if organizationID != nil && row.OrganizationIDCoalesced() != orgCoalesced(organizationID) {
			continue
		}
		if row.DeletedAt != nil {
			continue
		}
		t := now()
		row.DeletedAt = &t
		s.rows[key] = row
		affected++
	}
	return affected, nil
}

func (s *IndexStore) ListIDsForOrphanSweep(ctx context.Context, entityType model.EntityType, tenantID string, organizationID *string, partition *model.PartitionKey, olderThan time.Time) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []string
	for key, row := range s.rows {
		if key.entityType != entityType || row.TenantID != tenantID {
			continue
		}
		if organizationID != nil && row.OrganizationIDCoalesced() != orgCoalesced(organizationID) {
			continue
		}
		if partition != nil && int(simpleHash(row.RecordID))%partition.PartitionCount != partition.PartitionIndex {
			continue
		}
		if row.UpdatedAt.Before(olderThan) {
			ids = append(ids, row.RecordID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *IndexStore) UpsertMany(ctx context.Context, entityType model.EntityType, rows []ports.BatchUpsertRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range rows {
		orgCo := model.SentinelOrganizationID
		if r.OrganizationID != nil {
			orgCo = *r.OrganizationID
		}
		key := indexKey{entityType, r.RecordID, orgCo}
		s.rows[key] = model.IndexRow{
			EntityType:     entityType,
			RecordID:       r.RecordID,
			TenantID:       r.TenantID,
			OrganizationID: r.OrganizationID,
			Doc:            r.Doc,
			UpdatedAt:      now(),
		}
	}
	return nil
}

func (s *IndexStore) SupportsCoalescedUpsert(ctx context.Context, entityType model.EntityType) (bool, error) {
	return true, nil
}

func toSet(items []string) map[string]bool {
	if len(items) == 0 {
		return nil
	}
	out := make(map[string]bool, len(items))
	for _, i := range items {
		out[i] = true
	}
	return out
}

// now is overridable in tests that need deterministic timestamps.
var now = time.Now
