package store

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"
)

// 内存实现：单机运行和测试使用，语义与 gorm 版本一致

type MemorySnapshotStore struct {
	mu    sync.RWMutex
	snaps map[string]*Snapshot
}

func NewMemorySnapshotStore() *MemorySnapshotStore {
	return &MemorySnapshotStore{snaps: make(map[string]*Snapshot)}
}

func clone(s *Snapshot) *Snapshot {
	c := *s
	if s.ExternalCommitRef != nil {
		ref := *s.ExternalCommitRef
		c.ExternalCommitRef = &ref
	}
	return &c
}

func (m *MemorySnapshotStore) Save(ctx context.Context, s *Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.snaps[s.SnapshotID]; ok {
		return nil
	}
	now := time.Now()
	s.CreatedAt, s.UpdatedAt = now, now
	m.snaps[s.SnapshotID] = clone(s)
	return nil
}

func (m *MemorySnapshotStore) Get(ctx context.Context, snapshotID string) (*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.snaps[snapshotID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(s), nil
}

func (m *MemorySnapshotStore) sorted(documentID string) []*Snapshot {
	var out []*Snapshot
	for _, s := range m.snaps {
		if documentID == "" || s.DocumentID == documentID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DocumentID != out[j].DocumentID {
			return out[i].DocumentID < out[j].DocumentID
		}
		return out[i].ServerSeq < out[j].ServerSeq
	})
	return out
}

func (m *MemorySnapshotStore) Latest(ctx context.Context, documentID string) (*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := m.sorted(documentID)
	if len(all) == 0 {
		return nil, nil
	}
	return clone(all[len(all)-1]), nil
}

func (m *MemorySnapshotStore) FindByCommitRef(ctx context.Context, documentID, ref string) (*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := m.sorted(documentID)
	for i := len(all) - 1; i >= 0; i-- {
		if r := all[i].ExternalCommitRef; r != nil && *r == ref {
			return clone(all[i]), nil
		}
	}
	return nil, nil
}

func (m *MemorySnapshotStore) List(ctx context.Context, documentID string, statuses ...SnapshotStatus) ([]Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Snapshot
	for _, s := range m.sorted(documentID) {
		if len(statuses) == 0 || slices.Contains(statuses, s.Status) {
			out = append(out, *clone(s))
		}
	}
	return out, nil
}

func (m *MemorySnapshotStore) update(snapshotID string, fn func(s *Snapshot)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.snaps[snapshotID]
	if !ok {
		return ErrNotFound
	}
	fn(s)
	s.UpdatedAt = time.Now()
	return nil
}

func (m *MemorySnapshotStore) MarkCommitted(ctx context.Context, snapshotID, ref string) error {
	return m.update(snapshotID, func(s *Snapshot) {
		s.ExternalCommitRef = &ref
		s.Status = SnapshotCommitted
		s.LastError = ""
	})
}

func (m *MemorySnapshotStore) MarkAttempt(ctx context.Context, snapshotID string, status SnapshotStatus, lastErr string) error {
	return m.update(snapshotID, func(s *Snapshot) {
		s.Attempts++
		s.Status = status
		s.LastError = lastErr
	})
}

func (m *MemorySnapshotStore) SetStatus(ctx context.Context, snapshotID string, status SnapshotStatus) error {
	return m.update(snapshotID, func(s *Snapshot) { s.Status = status })
}

type MemoryHistoryStore struct {
	mu      sync.RWMutex
	nextID  uint64
	entries map[string][]HistoryEntry
}

func NewMemoryHistoryStore() *MemoryHistoryStore {
	return &MemoryHistoryStore{entries: make(map[string][]HistoryEntry)}
}

func (m *MemoryHistoryStore) Append(ctx context.Context, e *HistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	e.ID = m.nextID
	e.CreatedAt = time.Now()
	m.entries[e.DocumentID] = append(m.entries[e.DocumentID], *e)
	return nil
}

func (m *MemoryHistoryStore) Last(ctx context.Context, documentID string) (*HistoryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	es := m.entries[documentID]
	if len(es) == 0 {
		return nil, nil
	}
	e := es[len(es)-1]
	return &e, nil
}

func (m *MemoryHistoryStore) List(ctx context.Context, documentID string) ([]HistoryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.entries[documentID]), nil
}

type MemoryDocumentStore struct {
	mu   sync.RWMutex
	docs map[string]*Document
}

func NewMemoryDocumentStore() *MemoryDocumentStore {
	return &MemoryDocumentStore{docs: make(map[string]*Document)}
}

func (m *MemoryDocumentStore) Create(ctx context.Context, d *Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.docs[d.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDocumentExists, d.ID)
	}
	for _, other := range m.docs {
		if other.Path == d.Path {
			return fmt.Errorf("%w: path %s", ErrDocumentExists, d.Path)
		}
	}
	now := time.Now()
	d.CreatedAt, d.UpdatedAt = now, now
	c := *d
	m.docs[d.ID] = &c
	return nil
}

func (m *MemoryDocumentStore) Get(ctx context.Context, id string) (*Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.docs[id]
	if !ok {
		return nil, nil
	}
	c := *d
	return &c, nil
}

func (m *MemoryDocumentStore) List(ctx context.Context) ([]Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Document, 0, len(m.docs))
	for _, d := range m.docs {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryDocumentStore) SetLastCommitted(ctx context.Context, id, snapshotID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[id]
	if !ok {
		return ErrNotFound
	}
	d.LastCommittedSnapshotID = snapshotID
	d.UpdatedAt = time.Now()
	return nil
}

var (
	_ SnapshotStore = (*MemorySnapshotStore)(nil)
	_ SnapshotStore = (*GormSnapshotStore)(nil)
	_ HistoryStore  = (*MemoryHistoryStore)(nil)
	_ HistoryStore  = (*GormHistoryStore)(nil)
	_ DocumentStore = (*MemoryDocumentStore)(nil)
	_ DocumentStore = (*GormDocumentStore)(nil)
)
