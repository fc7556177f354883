package cache

import (
	"context"
	"sort"
	"sync"
	"time"
)

// LocalPresence 是没有 Redis 时的进程内实现，语义与 redisPresence 一致
type LocalPresence struct {
	mu      sync.Mutex
	now     func() time.Time
	rooms   map[string]map[string]localMember
	cursors map[string]localCursor
}

type localMember struct {
	username string
	expireAt time.Time
}

type localCursor struct {
	data     []byte
	expireAt time.Time
}

func NewLocalPresence() *LocalPresence {
	return &LocalPresence{
		now:     time.Now,
		rooms:   make(map[string]map[string]localMember),
		cursors: make(map[string]localCursor),
	}
}

func (p *LocalPresence) AddMember(ctx context.Context, docID, sessionID, username string, ttl time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rooms[docID] == nil {
		p.rooms[docID] = make(map[string]localMember)
	}
	p.rooms[docID][sessionID] = localMember{username: username, expireAt: p.now().Add(ttl)}
	return nil
}

func (p *LocalPresence) RemoveMember(ctx context.Context, docID, sessionID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if room, ok := p.rooms[docID]; ok {
		delete(room, sessionID)
		if len(room) == 0 {
			delete(p.rooms, docID)
		}
	}
	delete(p.cursors, cursorKey(docID, sessionID))
	return nil
}

func (p *LocalPresence) GetDocuments(ctx context.Context) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	docs := make([]string, 0, len(p.rooms))
	for docID := range p.rooms {
		docs = append(docs, docID)
	}
	sort.Strings(docs)
	return docs, nil
}

func (p *LocalPresence) GetAliveMembersWithNames(ctx context.Context, docID string) ([]PresenceMember, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	var members []PresenceMember
	for sessionID, m := range p.rooms[docID] {
		if !now.Before(m.expireAt) {
			delete(p.rooms[docID], sessionID)
			continue
		}
		members = append(members, PresenceMember{SessionID: sessionID, Username: m.username})
	}
	sort.Slice(members, func(i, j int) bool { return members[i].SessionID < members[j].SessionID })
	return members, nil
}

func (p *LocalPresence) SetCursor(ctx context.Context, docID, sessionID string, jsonData []byte, ttl time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cursors[cursorKey(docID, sessionID)] = localCursor{data: append([]byte(nil), jsonData...), expireAt: p.now().Add(ttl)}
	return nil
}

func (p *LocalPresence) GetCursor(ctx context.Context, docID, sessionID string) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cur, ok := p.cursors[cursorKey(docID, sessionID)]
	if !ok || !p.now().Before(cur.expireAt) {
		return nil, nil
	}
	return cur.data, nil
}
