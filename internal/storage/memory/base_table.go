// Package memory provides in-memory fakes of the query-index ports,
// grounded on the same contracts internal/storage/postgres implements
// against PostgreSQL. They back the unit tests for the query-index
// components (builder, indexer, batch upserter, coverage, jobs, reindex,
// purge) without a real database.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/openmercato/queryindex/internal/queryindex/model"
	"github.com/openmercato/queryindex/internal/queryindex/ports"
)

// BaseTable is an in-memory ports.BaseTableReader + ports.ParentRowFetcher.
type BaseTable struct {
	mu       sync.RWMutex
	rows     map[model.EntityType]map[string]ports.BaseRow
	columns  map[model.EntityType]map[string]bool
	parentOf map[model.EntityType]model.EntityType // child entity -> parent entity
	parentFK string                                // column on the child row naming the parent id
}

// NewBaseTable constructs an empty BaseTable.
func NewBaseTable() *BaseTable {
	return &BaseTable{
		rows:     make(map[model.EntityType]map[string]ports.BaseRow),
		columns:  make(map[model.EntityType]map[string]bool),
		parentOf: make(map[model.EntityType]model.EntityType),
		parentFK: "parent_id",
	}
}

// Seed inserts or replaces row under entityType, keyed by row["id"].
func (t *BaseTable) Seed(entityType model.EntityType, row ports.BaseRow) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id, _ := row["id"].(string)
	if t.rows[entityType] == nil {
		t.rows[entityType] = make(map[string]ports.BaseRow)
	}
	t.rows[entityType][id] = row
	if t.columns[entityType] == nil {
		t.columns[entityType] = make(map[string]bool)
	}
	for k := range row {
		t.columns[entityType][k] = true
	}
}

// SetParent registers childType's rows as having a parent row in parentType,
// joined on the child's parentFK field.
func (t *BaseTable) SetParent(childType, parentType model.EntityType) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.parentOf[childType] = parentType
}

// Delete removes recordID from entityType.
func (t *BaseTable) Delete(entityType model.EntityType, recordID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.rows[entityType], recordID)
}

func (t *BaseTable) GetRow(ctx context.Context, entityType model.EntityType, recordID string) (ports.BaseRow, bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	row, ok := t.rows[entityType][recordID]
	if !ok {
		return nil, false, nil
	}
	return cloneRow(row), true, nil
}

func (t *BaseTable) GetParentRow(ctx context.Context, entityType model.EntityType, recordID string) (ports.BaseRow, bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	parentType, ok := t.parentOf[entityType]
	if !ok {
		return nil, false, nil
	}
	child, ok := t.rows[entityType][recordID]
	if !ok {
		return nil, false, nil
	}
	parentID, _ := child[t.parentFK].(string)
	parent, ok := t.rows[parentType][parentID]
	if !ok {
		return nil, false, nil
	}
	return cloneRow(parent), true, nil
}

func (t *BaseTable) HasColumn(ctx context.Context, entityType model.EntityType, column string) (bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.columns[entityType][column], nil
}

func (t *BaseTable) CountRows(ctx context.Context, entityType model.EntityType, q ports.BucketQuery) ([]ports.BucketCount, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	buckets := make(map[string]*ports.BucketCount)
	for _, row := range t.rows[entityType] {
		tenantID, _ := row["tenant_id"].(string)
		if q.TenantID != nil && tenantID != *q.TenantID {
			continue
		}
		var orgID *string
		if v, ok := row["organization_id"].(string); ok {
			orgID = &v
		}
		if q.OrganizationID != nil {
			if orgID == nil || *orgID != *q.OrganizationID {
				continue
			}
		}
		key := tenantID + "|" + orgCoalesced(orgID)
		if buckets[key] == nil {
			buckets[key] = &ports.BucketCount{TenantID: tenantID, OrganizationID: orgID}
		}
		buckets[key].Count++
	}

	var out []ports.BucketCount
	for _, b := range buckets {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TenantID < out[j].TenantID })
	return out, nil
}

func (t *BaseTable) ScanChunk(ctx context.Context, entityType model.EntityType, q ports.ScanQuery) ([]ports.BaseRow, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var ids []string
	for id := range t.rows[entityType] {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out []ports.BaseRow
	for _, id := range ids {
		if id <= q.AfterID {
			continue
		}
		row := t.rows[entityType][id]
		tenantID, _ := row["tenant_id"].(string)
		if tenantID != q.TenantID {
			continue
		}
		if q.OrganizationID != nil {
			orgID, _ := row["organization_id"].(string)
			if orgID != *q.OrganizationID {
				continue
			}
		}
		if q.Partition != nil {
			if int(simpleHash(id))%q.Partition.PartitionCount != q.Partition.PartitionIndex {
				continue
			}
		}
		out = append(out, cloneRow(row))
		if len(out) >= q.BatchSize {
			break
		}
	}
	return out, nil
}

func simpleHash(s string) uint32 {
	var h uint32 = 2166136261
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= 16777619
	}
	return h
}

func orgCoalesced(id *string) string {
	if id == nil {
		return model.SentinelOrganizationID
	}
	return *id
}

func cloneRow(row ports.BaseRow) ports.BaseRow {
	out := make(ports.BaseRow, len(row))
	for k, v := range row {
		out[k] = v
	}
	return out
}
