package store

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"
)

// MemoryStore holds the whole fleet in memory.
// It implements the Store interface; one RWMutex makes every call atomic.
type MemoryStore struct {
	mu       sync.RWMutex
	targets  map[string]*Target
	tags     map[string]*Tag
	modules  map[int64]*SoftwareModule
	dsTypes  map[string]*DistributionSetType
	sets     map[int64]*DistributionSet
	actions  map[int64]*Action
	statuses map[int64][]*ActionStatus

	moduleSeq int64
	setSeq    int64
	actionSeq int64
	statusSeq int64

	now func() time.Time
}

// NewMemoryStore initializes a new MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		targets:  make(map[string]*Target),
		tags:     make(map[string]*Tag),
		modules:  make(map[int64]*SoftwareModule),
		dsTypes:  make(map[string]*DistributionSetType),
		sets:     make(map[int64]*DistributionSet),
		actions:  make(map[int64]*Action),
		statuses: make(map[int64][]*ActionStatus),
		now:      time.Now,
	}
}

// SetClock replaces the time source. Used by tests.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// --- Target Operations ---

func (s *MemoryStore) CreateTarget(ctx context.Context, tenantID string, t *Target) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := targetKey(tenantID, t.ControllerID)
	if _, exists := s.targets[key]; exists {
		return fmt.Errorf("target %q: %w", t.ControllerID, ErrAlreadyExists)
	}
	now := s.now()
	t.TenantID = tenantID
	if t.UpdateStatus == "" {
		t.UpdateStatus = UpdateStatusUnknown
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	t.Revision = 1
	s.targets[key] = t.Clone()
	return nil
}

func (s *MemoryStore) GetTarget(ctx context.Context, tenantID string, controllerID string) (*Target, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.targets[targetKey(tenantID, controllerID)]
	if !ok {
		return nil, fmt.Errorf("target %q: %w", controllerID, ErrNotFound)
	}
	return t.Clone(), nil
}

func (s *MemoryStore) ListTargets(ctx context.Context, tenantID string, offset, limit int) ([]*Target, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*Target, 0)
	for _, t := range s.targets {
		if t.TenantID == tenantID {
			result = append(result, t.Clone())
		}
	}
	slices.SortFunc(result, func(a, b *Target) int { return strings.Compare(a.ControllerID, b.ControllerID) })
	return paginate(result, offset, limit), nil
}

func (s *MemoryStore) ListTargetsByControllerIDs(ctx context.Context, tenantID string, controllerIDs []string) ([]*Target, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*Target, 0, len(controllerIDs))
	for _, id := range controllerIDs {
		if t, ok := s.targets[targetKey(tenantID, id)]; ok {
			result = append(result, t.Clone())
		}
	}
	return result, nil
}

func (s *MemoryStore) ListTargetsWithoutTags(ctx context.Context, tenantID string, offset, limit int) ([]*Target, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*Target, 0)
	for _, t := range s.targets {
		if t.TenantID == tenantID && len(t.Tags) == 0 {
			result = append(result, t.Clone())
		}
	}
	slices.SortFunc(result, func(a, b *Target) int { return strings.Compare(a.ControllerID, b.ControllerID) })
	return paginate(result, offset, limit), nil
}

func (s *MemoryStore) UpdateTarget(ctx context.Context, tenantID string, t *Target, expectedRevision int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.targets[targetKey(tenantID, t.ControllerID)]
	if !ok {
		return fmt.Errorf("target %q: %w", t.ControllerID, ErrNotFound)
	}
	if stored.Revision != expectedRevision {
		return ErrConflict
	}
	updated := stored.Clone()
	updated.Name = t.Name
	updated.Description = t.Description
	updated.Tags = slices.Clone(t.Tags)
	updated.Attributes = t.Clone().Attributes
	updated.UpdatedAt = s.now()
	updated.Revision++
	s.targets[targetKey(tenantID, t.ControllerID)] = updated

	t.Revision = updated.Revision
	t.UpdatedAt = updated.UpdatedAt
	return nil
}

func (s *MemoryStore) TouchTarget(ctx context.Context, tenantID string, controllerID string, address string, seenAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.targets[targetKey(tenantID, controllerID)]
	if !ok {
		return fmt.Errorf("target %q: %w", controllerID, ErrNotFound)
	}
	t.LastSeenAt = &seenAt
	if address != "" {
		t.Address = address
	}
	return nil
}

func (s *MemoryStore) DeleteTargets(ctx context.Context, tenantID string, controllerIDs []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for _, id := range controllerIDs {
		key := targetKey(tenantID, id)
		if _, ok := s.targets[key]; !ok {
			continue
		}
		delete(s.targets, key)
		for actionID, a := range s.actions {
			if a.TenantID == tenantID && a.ControllerID == id {
				delete(s.actions, actionID)
				delete(s.statuses, actionID)
			}
		}
		deleted++
	}
	return deleted, nil
}

func (s *MemoryStore) CountTargetsByUpdateStatus(ctx context.Context, tenantID string) (map[UpdateStatus]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[UpdateStatus]int, len(UpdateStatuses))
	for _, st := range UpdateStatuses {
		counts[st] = 0
	}
	for _, t := range s.targets {
		if t.TenantID == tenantID {
			counts[t.UpdateStatus]++
		}
	}
	return counts, nil
}

func (s *MemoryStore) ListTenants(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var tenants []string
	for _, t := range s.targets {
		if !slices.Contains(tenants, t.TenantID) {
			tenants = append(tenants, t.TenantID)
		}
	}
	slices.Sort(tenants)
	return tenants, nil
}

// --- Tag Operations ---

func (s *MemoryStore) CreateTag(ctx context.Context, tenantID string, tag *Tag) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := tenantID + "/" + tag.Name
	if _, exists := s.tags[key]; exists {
		return fmt.Errorf("tag %q: %w", tag.Name, ErrAlreadyExists)
	}
	tag.TenantID = tenantID
	if tag.CreatedAt.IsZero() {
		tag.CreatedAt = s.now()
	}
	tagCopy := *tag
	s.tags[key] = &tagCopy
	return nil
}

func (s *MemoryStore) GetTag(ctx context.Context, tenantID string, name string) (*Tag, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tag, ok := s.tags[tenantID+"/"+name]
	if !ok {
		return nil, fmt.Errorf("tag %q: %w", name, ErrNotFound)
	}
	tagCopy := *tag
	return &tagCopy, nil
}

func (s *MemoryStore) ListTags(ctx context.Context, tenantID string) ([]*Tag, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*Tag, 0)
	for _, tag := range s.tags {
		if tag.TenantID == tenantID {
			tagCopy := *tag
			result = append(result, &tagCopy)
		}
	}
	slices.SortFunc(result, func(a, b *Tag) int { return strings.Compare(a.Name, b.Name) })
	return result, nil
}

func (s *MemoryStore) UpdateTag(ctx context.Context, tenantID string, tag *Tag) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.tags[tenantID+"/"+tag.Name]
	if !ok {
		return fmt.Errorf("tag %q: %w", tag.Name, ErrNotFound)
	}
	stored.Description = tag.Description
	stored.Colour = tag.Colour
	tag.TenantID = tenantID
	tag.CreatedAt = stored.CreatedAt
	return nil
}

func (s *MemoryStore) DeleteTag(ctx context.Context, tenantID string, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := tenantID + "/" + name
	if _, ok := s.tags[key]; !ok {
		return fmt.Errorf("tag %q: %w", name, ErrNotFound)
	}
	delete(s.tags, key)
	isTag := func(n string) bool { return n == name }
	for _, t := range s.targets {
		if t.TenantID == tenantID {
			t.Tags = slices.DeleteFunc(t.Tags, isTag)
		}
	}
	for _, ds := range s.sets {
		if ds.TenantID == tenantID {
			ds.Tags = slices.DeleteFunc(ds.Tags, isTag)
		}
	}
	return nil
}

func (s *MemoryStore) checkTagsLocked(tenantID string, names []string) error {
	for _, name := range names {
		if _, ok := s.tags[tenantID+"/"+name]; !ok {
			return fmt.Errorf("tag %q: %w", name, ErrNotFound)
		}
	}
	return nil
}

// --- Catalog Operations ---

func (s *MemoryStore) CreateSoftwareModule(ctx context.Context, tenantID string, m *SoftwareModule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.modules {
		if existing.TenantID == tenantID && existing.Type == m.Type && existing.Name == m.Name && existing.Version == m.Version {
			return fmt.Errorf("software module %s:%s: %w", m.Name, m.Version, ErrAlreadyExists)
		}
	}
	s.moduleSeq++
	m.ID = s.moduleSeq
	m.TenantID = tenantID
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now()
	}
	s.modules[m.ID] = m.Clone()
	return nil
}

func (s *MemoryStore) GetSoftwareModule(ctx context.Context, tenantID string, id int64) (*SoftwareModule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.modules[id]
	if !ok || m.TenantID != tenantID {
		return nil, fmt.Errorf("software module %d: %w", id, ErrNotFound)
	}
	return m.Clone(), nil
}

func (s *MemoryStore) ChangeSoftwareModuleMetadata(ctx context.Context, tenantID string, id int64, op MetadataOp, entries map[string]string) (*SoftwareModule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.modules[id]
	if !ok || m.TenantID != tenantID {
		return nil, fmt.Errorf("software module %d: %w", id, ErrNotFound)
	}
	for key := range entries {
		_, present := m.Metadata[key]
		switch {
		case op == MetadataCreate && present:
			return nil, fmt.Errorf("metadata %q: %w", key, ErrAlreadyExists)
		case op != MetadataCreate && !present:
			return nil, fmt.Errorf("metadata %q: %w", key, ErrNotFound)
		}
	}
	if m.Metadata == nil {
		m.Metadata = make(map[string]string, len(entries))
	}
	for key, value := range entries {
		if op == MetadataDelete {
			delete(m.Metadata, key)
			continue
		}
		m.Metadata[key] = value
	}
	return m.Clone(), nil
}

func (s *MemoryStore) CreateDistributionSetType(ctx context.Context, tenantID string, t *DistributionSetType) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := tenantID + "/" + t.Key
	if _, exists := s.dsTypes[key]; exists {
		return fmt.Errorf("distribution set type %q: %w", t.Key, ErrAlreadyExists)
	}
	t.TenantID = tenantID
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.now()
	}
	typeCopy := *t
	typeCopy.Mandatory = slices.Clone(t.Mandatory)
	typeCopy.Optional = slices.Clone(t.Optional)
	s.dsTypes[key] = &typeCopy
	return nil
}

func (s *MemoryStore) GetDistributionSetType(ctx context.Context, tenantID string, key string) (*DistributionSetType, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.dsTypes[tenantID+"/"+key]
	if !ok {
		return nil, fmt.Errorf("distribution set type %q: %w", key, ErrNotFound)
	}
	typeCopy := *t
	typeCopy.Mandatory = slices.Clone(t.Mandatory)
	typeCopy.Optional = slices.Clone(t.Optional)
	return &typeCopy, nil
}

func (s *MemoryStore) CreateDistributionSet(ctx context.Context, tenantID string, ds *DistributionSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.sets {
		if existing.TenantID == tenantID && existing.Name == ds.Name && existing.Version == ds.Version {
			return fmt.Errorf("distribution set %s:%s: %w", ds.Name, ds.Version, ErrAlreadyExists)
		}
	}
	if err := s.checkTagsLocked(tenantID, ds.Tags); err != nil {
		return err
	}
	now := s.now()
	s.setSeq++
	ds.ID = s.setSeq
	ds.TenantID = tenantID
	ds.CreatedAt = now
	ds.UpdatedAt = now
	ds.Revision = 1
	s.sets[ds.ID] = ds.Clone()
	return nil
}

func (s *MemoryStore) GetDistributionSet(ctx context.Context, tenantID string, id int64) (*DistributionSet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ds, ok := s.sets[id]
	if !ok || ds.TenantID != tenantID {
		return nil, fmt.Errorf("distribution set %d: %w", id, ErrNotFound)
	}
	return ds.Clone(), nil
}

func (s *MemoryStore) ListDistributionSets(ctx context.Context, tenantID string, includeDeleted bool) ([]*DistributionSet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*DistributionSet, 0)
	for _, ds := range s.sets {
		if ds.TenantID != tenantID || (ds.Deleted && !includeDeleted) {
			continue
		}
		result = append(result, ds.Clone())
	}
	slices.SortFunc(result, func(a, b *DistributionSet) int { return cmp.Compare(a.ID, b.ID) })
	return result, nil
}

func (s *MemoryStore) UpdateDistributionSet(ctx context.Context, tenantID string, ds *DistributionSet, expectedRevision int64, requireUnused bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.sets[ds.ID]
	if !ok || stored.TenantID != tenantID {
		return fmt.Errorf("distribution set %d: %w", ds.ID, ErrNotFound)
	}
	if stored.Revision != expectedRevision {
		return ErrConflict
	}
	if requireUnused && s.referencedByActionLocked(ds.ID) {
		return fmt.Errorf("distribution set %d: %w", ds.ID, ErrInUse)
	}
	for _, other := range s.sets {
		if other.ID != ds.ID && other.TenantID == tenantID && other.Name == ds.Name && other.Version == stored.Version {
			return fmt.Errorf("distribution set %s:%s: %w", ds.Name, stored.Version, ErrAlreadyExists)
		}
	}
	if err := s.checkTagsLocked(tenantID, ds.Tags); err != nil {
		return err
	}
	fresh := ds.Clone()
	updated := stored.Clone()
	updated.Name = fresh.Name
	updated.Description = fresh.Description
	updated.Modules = fresh.Modules
	updated.Tags = fresh.Tags
	updated.Metadata = fresh.Metadata
	updated.Complete = ds.Complete
	updated.Deleted = ds.Deleted
	updated.RequiredMigrationStep = ds.RequiredMigrationStep
	updated.UpdatedAt = s.now()
	updated.Revision++
	s.sets[ds.ID] = updated

	ds.Revision = updated.Revision
	ds.UpdatedAt = updated.UpdatedAt
	return nil
}

func (s *MemoryStore) DistributionSetInUse(ctx context.Context, tenantID string, id int64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ds, ok := s.sets[id]
	if !ok || ds.TenantID != tenantID {
		return false, fmt.Errorf("distribution set %d: %w", id, ErrNotFound)
	}
	return s.inUseLocked(tenantID, id), nil
}

func (s *MemoryStore) DeleteDistributionSet(ctx context.Context, tenantID string, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ds, ok := s.sets[id]
	if !ok || ds.TenantID != tenantID {
		return fmt.Errorf("distribution set %d: %w", id, ErrNotFound)
	}
	if s.inUseLocked(tenantID, id) {
		return fmt.Errorf("distribution set %d: %w", id, ErrInUse)
	}
	delete(s.sets, id)
	return nil
}

func (s *MemoryStore) referencedByActionLocked(dsID int64) bool {
	for _, a := range s.actions {
		if a.DistributionSetID == dsID {
			return true
		}
	}
	return false
}

func (s *MemoryStore) inUseLocked(tenantID string, dsID int64) bool {
	if s.referencedByActionLocked(dsID) {
		return true
	}
	for _, t := range s.targets {
		if t.TenantID != tenantID {
			continue
		}
		if SameID(t.AssignedDistributionSetID, &dsID) || SameID(t.InstalledDistributionSetID, &dsID) {
			return true
		}
	}
	return false
}

// --- Action Ledger Operations ---

func (s *MemoryStore) GetAction(ctx context.Context, tenantID string, actionID int64) (*Action, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.actions[actionID]
	if !ok || a.TenantID != tenantID {
		return nil, fmt.Errorf("action %d: %w", actionID, ErrNotFound)
	}
	return a.Clone(), nil
}

func (s *MemoryStore) ListActionsByTarget(ctx context.Context, tenantID string, controllerID string) ([]*Action, error) {
	return s.listActions(tenantID, controllerID, false), nil
}

func (s *MemoryStore) ListActiveActionsByTarget(ctx context.Context, tenantID string, controllerID string) ([]*Action, error) {
	return s.listActions(tenantID, controllerID, true), nil
}

func (s *MemoryStore) listActions(tenantID, controllerID string, activeOnly bool) []*Action {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*Action, 0)
	for _, a := range s.actions {
		if a.TenantID != tenantID || a.ControllerID != controllerID {
			continue
		}
		if activeOnly && !a.Active {
			continue
		}
		result = append(result, a.Clone())
	}
	slices.SortFunc(result, func(a, b *Action) int { return cmp.Compare(a.ID, b.ID) })
	return result
}

func (s *MemoryStore) ListActionStatuses(ctx context.Context, tenantID string, actionID int64) ([]*ActionStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.actions[actionID]
	if !ok || a.TenantID != tenantID {
		return nil, fmt.Errorf("action %d: %w", actionID, ErrNotFound)
	}
	result := make([]*ActionStatus, 0, len(s.statuses[actionID]))
	for _, st := range s.statuses[actionID] {
		stCopy := *st
		stCopy.Messages = slices.Clone(st.Messages)
		result = append(result, &stCopy)
	}
	SortStatuses(result)
	return result, nil
}

func (s *MemoryStore) CountActionStatuses(ctx context.Context, tenantID string, actionIDs []int64) (map[int64]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[int64]int, len(actionIDs))
	for _, id := range actionIDs {
		if a, ok := s.actions[id]; ok && a.TenantID == tenantID {
			counts[id] = len(s.statuses[id])
		}
	}
	return counts, nil
}

func (s *MemoryStore) AddActionStatus(ctx context.Context, tenantID string, st *ActionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.actions[st.ActionID]
	if !ok || a.TenantID != tenantID {
		return fmt.Errorf("action %d: %w", st.ActionID, ErrNotFound)
	}
	s.appendStatusLocked(a.ID, st, s.now())
	return nil
}

func (s *MemoryStore) appendStatusLocked(actionID int64, st *ActionStatus, now time.Time) {
	s.statusSeq++
	st.ID = s.statusSeq
	st.ActionID = actionID
	if st.OccurredAt.IsZero() {
		st.OccurredAt = now
	}
	stCopy := *st
	stCopy.Messages = slices.Clone(st.Messages)
	s.statuses[actionID] = append(s.statuses[actionID], &stCopy)
}

// ApplyTargetChange validates every guard first and only then writes, so a
// rejected change leaves no trace.
func (s *MemoryStore) ApplyTargetChange(ctx context.Context, tenantID string, change *TargetChange) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if change.Target != nil {
		stored, ok := s.targets[targetKey(tenantID, change.Target.ControllerID)]
		if !ok {
			return fmt.Errorf("target %q: %w", change.Target.ControllerID, ErrNotFound)
		}
		if stored.Revision != change.Target.Revision {
			return ErrConflict
		}
	}
	if g := change.Guard; g != nil {
		ds, ok := s.sets[g.ID]
		if !ok || ds.TenantID != tenantID {
			return fmt.Errorf("distribution set %d: %w", g.ID, ErrNotFound)
		}
		if ds.Revision != g.Revision {
			return ErrConflict
		}
	}
	for _, w := range change.Actions {
		a := w.Action
		if a.ID == 0 {
			if _, ok := s.targets[targetKey(tenantID, a.ControllerID)]; !ok {
				return fmt.Errorf("target %q: %w", a.ControllerID, ErrNotFound)
			}
			if ds, ok := s.sets[a.DistributionSetID]; !ok || ds.TenantID != tenantID {
				return fmt.Errorf("distribution set %d: %w", a.DistributionSetID, ErrNotFound)
			}
			continue
		}
		stored, ok := s.actions[a.ID]
		if !ok || stored.TenantID != tenantID {
			return fmt.Errorf("action %d: %w", a.ID, ErrNotFound)
		}
		if !w.HistoryOnly && stored.Revision != a.Revision {
			return ErrConflict
		}
	}

	now := s.now()
	for _, w := range change.Actions {
		a := w.Action
		if w.HistoryOnly && a.ID != 0 {
			for _, st := range w.Statuses {
				s.appendStatusLocked(a.ID, st, now)
			}
			continue
		}
		a.TenantID = tenantID
		a.LastModifiedAt = now
		if a.ID == 0 {
			s.actionSeq++
			a.ID = s.actionSeq
			a.CreatedAt = now
			a.Revision = 1
		} else {
			a.Revision++
		}
		s.actions[a.ID] = a.Clone()

		for _, st := range w.Statuses {
			s.appendStatusLocked(a.ID, st, now)
		}
	}

	if t := change.Target; t != nil {
		if change.CurrentAction != nil {
			t.ActiveActionID = ID(change.CurrentAction.ID)
		}
		key := targetKey(tenantID, t.ControllerID)
		updated := s.targets[key].Clone()
		updated.UpdateStatus = t.UpdateStatus
		updated.AssignedDistributionSetID = cloneID(t.AssignedDistributionSetID)
		updated.InstalledDistributionSetID = cloneID(t.InstalledDistributionSetID)
		updated.InstalledAt = cloneTime(t.InstalledAt)
		updated.ActiveActionID = cloneID(t.ActiveActionID)
		updated.UpdatedAt = now
		updated.Revision++
		s.targets[key] = updated

		t.Revision = updated.Revision
		t.UpdatedAt = now
	}
	return nil
}

// SortStatuses orders history entries by occurrence time, then ID.
func SortStatuses(statuses []*ActionStatus) {
	slices.SortStableFunc(statuses, func(a, b *ActionStatus) int {
		if c := a.OccurredAt.Compare(b.OccurredAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}

func paginate[T any](items []T, offset, limit int) []T {
	offset = max(offset, 0)
	if offset >= len(items) {
		return items[:0]
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
