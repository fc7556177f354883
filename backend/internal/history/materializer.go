// Package history 把活副本冻结成内容寻址的快照，并映射到外部仓库的提交。
//
// 落快照在文档 actor 之外完成：Freeze 只拷贝内容，写库和写仓库都在
// 物化器自己的 goroutine 里进行，外部写失败不会挡住编辑。
package history

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/jonathan-k-shapiro/md-editor/backend/internal/collab"
	"github.com/jonathan-k-shapiro/md-editor/backend/internal/metrics"
	"github.com/jonathan-k-shapiro/md-editor/backend/internal/reconcile"
	"github.com/jonathan-k-shapiro/md-editor/backend/internal/store"
	"github.com/jonathan-k-shapiro/md-editor/backend/internal/vcs"
)

var ErrExternalWriteFailed = errors.New("EXTERNAL_WRITE_FAILED")

type Coordinator interface {
	Freeze(ctx context.Context, docID string) (collab.Frozen, error)
	OnSnapshotPersisted(ctx context.Context, docID string, serverSeq uint64)
	OnSnapshotCommitted(ctx context.Context, docID string, serverSeq uint64)
	LiveDocuments() []string
}

// Notifier 在外部 head 已经移动时被调用，通常是对账器
type Notifier interface {
	NotifyDiverged(docID string)
}

type Options struct {
	NodeID      string
	Interval    time.Duration
	Workers     int
	MaxRetry    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

type Materializer struct {
	coord     Coordinator
	snapshots store.SnapshotStore
	history   store.HistoryStore
	docs      store.DocumentStore
	repo      vcs.History
	publisher collab.Publisher
	notifier  Notifier
	logger    zerolog.Logger
	opt       Options

	requests chan string
	jobs     chan string

	mu       sync.Mutex
	flushing map[string]bool
	inflight map[string]bool
	docLocks map[string]*sync.Mutex
}

func NewMaterializer(coord Coordinator, snapshots store.SnapshotStore, history store.HistoryStore, docs store.DocumentStore,
	repo vcs.History, publisher collab.Publisher, opt Options, logger zerolog.Logger) *Materializer {
	if opt.Interval <= 0 {
		opt.Interval = 10 * time.Second
	}
	if opt.Workers <= 0 {
		opt.Workers = 2
	}
	return &Materializer{
		coord:     coord,
		snapshots: snapshots,
		history:   history,
		docs:      docs,
		repo:      repo,
		publisher: publisher,
		logger:    logger.With().Str("component", "materializer").Logger(),
		opt:       opt,
		requests:  make(chan string, 256),
		jobs:      make(chan string, 256),
		flushing:  make(map[string]bool),
		inflight:  make(map[string]bool),
		docLocks:  make(map[string]*sync.Mutex),
	}
}

// SetNotifier 在对账器创建之后注入
func (m *Materializer) SetNotifier(n Notifier) { m.notifier = n }

// Exclusive 锁住一个文档的外部提交，返回解锁函数
func (m *Materializer) Exclusive(docID string) func() {
	m.mu.Lock()
	l, ok := m.docLocks[docID]
	if !ok {
		l = &sync.Mutex{}
		m.docLocks[docID] = l
	}
	m.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// RequestFlush 不阻塞；同一文档已在排队时忽略
func (m *Materializer) RequestFlush(docID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.flushing[docID] {
		return
	}
	select {
	case m.requests <- docID:
		m.flushing[docID] = true
	default:
		m.logger.Warn().Str("doc", docID).Msg("flush queue full")
	}
}

func (m *Materializer) enqueue(snapshotID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inflight[snapshotID] {
		return
	}
	select {
	case m.jobs <- snapshotID:
		m.inflight[snapshotID] = true
	default:
		// 下一轮扫描 pending 时会补上
	}
}

func (m *Materializer) done(set map[string]bool, key string) {
	m.mu.Lock()
	delete(set, key)
	m.mu.Unlock()
}

// Flush 冻结活副本并落一个快照。内容没有推进时返回已有的最新快照。
func (m *Materializer) Flush(ctx context.Context, docID string) (*store.Snapshot, error) {
	frozen, err := m.coord.Freeze(ctx, docID)
	if err != nil {
		return nil, err
	}
	latest, err := m.snapshots.Latest(ctx, docID)
	if err != nil {
		return nil, err
	}
	if latest != nil && latest.ServerSeq >= frozen.ServerSeq {
		m.coord.OnSnapshotPersisted(ctx, docID, latest.ServerSeq)
		return latest, nil
	}

	status := store.SnapshotPending
	if reconcile.HasConflictMarkers(frozen.Content) {
		status = store.SnapshotConflicted
	}
	snap := store.NewSnapshot(docID, frozen.ServerSeq, frozen.Content, status)
	if err := m.snapshots.Save(ctx, snap); err != nil {
		return nil, fmt.Errorf("save snapshot %s@%d: %w", docID, frozen.ServerSeq, err)
	}
	metrics.SnapshotsPersisted.WithLabelValues(string(status)).Inc()
	m.coord.OnSnapshotPersisted(ctx, docID, snap.ServerSeq)
	m.logger.Debug().Str("doc", docID).Uint64("seq", snap.ServerSeq).Str("status", string(status)).Msg("snapshot persisted")

	if status == store.SnapshotPending {
		m.enqueue(snap.SnapshotID)
	} else {
		m.logger.Warn().Str("doc", docID).Uint64("seq", snap.ServerSeq).Msg("snapshot has unresolved conflict markers, not committing")
	}
	return snap, nil
}

// Commit 把一个 pending 快照写到外部仓库，失败按退避重试。
// 外部 head 已被移动时不重试，交给对账器。
func (m *Materializer) Commit(ctx context.Context, snapshotID string) error {
	snap, err := m.snapshots.Get(ctx, snapshotID)
	if err != nil {
		return err
	}
	if snap.Status != store.SnapshotPending {
		return nil
	}

	unlock := m.Exclusive(snap.DocumentID)
	defer unlock()

	if newer, err := m.newerThan(ctx, snap); err != nil {
		return err
	} else if newer {
		return m.snapshots.SetStatus(ctx, snapshotID, store.SnapshotSuperseded)
	}

	doc, err := m.docs.Get(ctx, snap.DocumentID)
	if err != nil {
		return err
	}
	if doc == nil {
		// 文档已经不存在，重试没有意义，留给人工处理
		err := fmt.Errorf("%w: document %s", store.ErrNotFound, snap.DocumentID)
		if markErr := m.snapshots.MarkAttempt(ctx, snapshotID, store.SnapshotPendingFailed, err.Error()); markErr != nil {
			return markErr
		}
		m.logger.Error().Str("doc", snap.DocumentID).Uint64("seq", snap.ServerSeq).Msg("document missing, snapshot marked pending-failed")
		return err
	}
	last, err := m.history.Last(ctx, snap.DocumentID)
	if err != nil {
		return err
	}
	var parent string
	if last != nil {
		parent = last.CommitRef
	}

	msg := fmt.Sprintf("Update %s (seq %d)", doc.Path, snap.ServerSeq)
	var lastErr error
	for attempt := 0; attempt <= m.opt.MaxRetry; attempt++ {
		start := time.Now()
		ref, err := m.repo.Commit(ctx, parent, doc.Path, snap.Content, msg)
		metrics.CommitDuration.Observe(time.Since(start).Seconds())
		if err == nil {
			metrics.SnapshotCommits.WithLabelValues("ok").Inc()
			return m.committed(ctx, snap, doc, parent, ref)
		}
		lastErr = err

		if errors.Is(err, vcs.ErrHeadMoved) {
			metrics.SnapshotCommits.WithLabelValues("head_moved").Inc()
			m.logger.Info().Str("doc", snap.DocumentID).Err(err).Msg("external head moved, handing over to reconciliation")
			if err := m.snapshots.MarkAttempt(ctx, snapshotID, store.SnapshotPending, err.Error()); err != nil {
				return err
			}
			if m.notifier != nil {
				m.notifier.NotifyDiverged(snap.DocumentID)
			}
			return err
		}

		metrics.SnapshotCommits.WithLabelValues("error").Inc()
		status := store.SnapshotPending
		if attempt == m.opt.MaxRetry {
			status = store.SnapshotPendingFailed
		}
		if err := m.snapshots.MarkAttempt(ctx, snapshotID, status, lastErr.Error()); err != nil {
			return err
		}
		if attempt == m.opt.MaxRetry {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(collab.Backoff(m.opt.BaseBackoff, m.opt.MaxBackoff, attempt)):
		}
	}

	m.logger.Error().Err(lastErr).Str("doc", snap.DocumentID).Uint64("seq", snap.ServerSeq).Msg("external commit failed, snapshot marked pending-failed")
	return fmt.Errorf("%w: %v", ErrExternalWriteFailed, lastErr)
}

// newerThan 判断是否已有更新的快照。带冲突的快照虽然不会提交，
// 但说明对账已经在它之前发生，旧内容不能再写出去。
func (m *Materializer) newerThan(ctx context.Context, snap *store.Snapshot) (bool, error) {
	list, err := m.snapshots.List(ctx, snap.DocumentID,
		store.SnapshotPending, store.SnapshotCommitted, store.SnapshotPendingFailed, store.SnapshotConflicted)
	if err != nil {
		return false, err
	}
	for _, s := range list {
		if s.ServerSeq > snap.ServerSeq {
			return true, nil
		}
	}
	return false, nil
}

func (m *Materializer) committed(ctx context.Context, snap *store.Snapshot, doc *store.Document, parent, ref string) error {
	if err := m.snapshots.MarkCommitted(ctx, snap.SnapshotID, ref); err != nil {
		return err
	}
	// 内容没变时仓库返回父提交，不产生新的历史节点
	if ref != parent {
		if err := m.history.Append(ctx, &store.HistoryEntry{
			DocumentID: snap.DocumentID,
			SnapshotID: snap.SnapshotID,
			CommitRef:  ref,
			ParentRef:  parent,
			Source:     store.SourceLocal,
		}); err != nil {
			return err
		}
	}
	if err := m.docs.SetLastCommitted(ctx, doc.ID, snap.SnapshotID); err != nil {
		return err
	}
	m.coord.OnSnapshotCommitted(ctx, snap.DocumentID, snap.ServerSeq)
	m.publish(collab.DocEvent{
		EventType:  collab.EventSnapshotCommitted,
		DocID:      snap.DocumentID,
		NodeID:     m.opt.NodeID,
		ServerSeq:  snap.ServerSeq,
		SnapshotID: snap.SnapshotID,
		CommitRef:  ref,
		At:         time.Now(),
	})
	m.logger.Info().Str("doc", snap.DocumentID).Uint64("seq", snap.ServerSeq).Str("ref", ref).Msg("snapshot committed")
	return nil
}

func (m *Materializer) publish(evt collab.DocEvent) {
	if m.publisher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := m.publisher.Enqueue(ctx, evt); err != nil {
		m.logger.Debug().Err(err).Str("doc", evt.DocID).Msg("publish skipped")
	}
}

// RetryFailed 把 pending-failed 的快照重新放回提交队列，返回数量
func (m *Materializer) RetryFailed(ctx context.Context, docID string) (int, error) {
	failed, err := m.snapshots.List(ctx, docID, store.SnapshotPendingFailed)
	if err != nil {
		return 0, err
	}
	for _, s := range failed {
		if err := m.snapshots.SetStatus(ctx, s.SnapshotID, store.SnapshotPending); err != nil {
			return 0, err
		}
		m.enqueue(s.SnapshotID)
	}
	return len(failed), nil
}

// Import 给还没有任何快照的文档建立初始快照：外部仓库里有内容就直接采用
func (m *Materializer) Import(ctx context.Context, docID string) (*store.Snapshot, error) {
	doc, err := m.docs.Get(ctx, docID)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, fmt.Errorf("%w: document %s", store.ErrNotFound, docID)
	}
	head, err := m.repo.Head(ctx, doc.Path)
	if err != nil {
		return nil, fmt.Errorf("read head of %s: %w", doc.Path, err)
	}

	if head == "" {
		snap := store.NewSnapshot(docID, 0, "", store.SnapshotPending)
		if err := m.snapshots.Save(ctx, snap); err != nil {
			return nil, err
		}
		m.enqueue(snap.SnapshotID)
		return snap, nil
	}

	content, err := m.repo.ContentAt(ctx, head, doc.Path)
	if errors.Is(err, vcs.ErrPathNotFound) {
		content, err = "", nil
	}
	if err != nil {
		return nil, err
	}
	snap := store.NewSnapshot(docID, 0, content, store.SnapshotCommitted)
	snap.ExternalCommitRef = &head
	if err := m.snapshots.Save(ctx, snap); err != nil {
		return nil, err
	}
	last, err := m.history.Last(ctx, docID)
	if err != nil {
		return nil, err
	}
	if last == nil || last.CommitRef != head {
		entry := &store.HistoryEntry{DocumentID: docID, SnapshotID: snap.SnapshotID, CommitRef: head, Source: store.SourceExternal}
		if last != nil {
			entry.ParentRef = last.CommitRef
		}
		if err := m.history.Append(ctx, entry); err != nil {
			return nil, err
		}
	}
	if err := m.docs.SetLastCommitted(ctx, docID, snap.SnapshotID); err != nil {
		return nil, err
	}
	m.logger.Info().Str("doc", docID).Str("ref", head).Msg("imported from external history")
	return snap, nil
}

// FlushAll 停机前把所有活副本落盘并尝试提交
func (m *Materializer) FlushAll(ctx context.Context) {
	for _, docID := range m.coord.LiveDocuments() {
		snap, err := m.Flush(ctx, docID)
		if err != nil {
			m.logger.Warn().Err(err).Str("doc", docID).Msg("final flush")
			continue
		}
		if snap.Status == store.SnapshotPending {
			if err := m.Commit(ctx, snap.SnapshotID); err != nil {
				m.logger.Warn().Err(err).Str("doc", docID).Msg("final commit")
			}
		}
	}
}

// Run 启动落盘和提交的 worker，并定期扫描活副本和遗留的 pending 快照
func (m *Materializer) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case docID := <-m.requests:
				m.done(m.flushing, docID)
				if _, err := m.Flush(ctx, docID); err != nil && !errors.Is(err, collab.ErrNotLive) {
					m.logger.Warn().Err(err).Str("doc", docID).Msg("flush")
				}
			}
		}
	}()
	for i := 0; i < m.opt.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case id := <-m.jobs:
					if err := m.Commit(ctx, id); err != nil && !errors.Is(err, vcs.ErrHeadMoved) {
						m.logger.Warn().Err(err).Str("snapshot", id).Msg("commit")
					}
					m.done(m.inflight, id)
				}
			}
		}()
	}

	ticker := time.NewTicker(m.opt.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return nil
		case <-ticker.C:
			for _, docID := range m.coord.LiveDocuments() {
				m.RequestFlush(docID)
			}
			m.requeuePending(ctx)
		}
	}
}

func (m *Materializer) requeuePending(ctx context.Context) {
	pending, err := m.snapshots.List(ctx, "", store.SnapshotPending)
	if err != nil {
		m.logger.Warn().Err(err).Msg("list pending snapshots")
		return
	}
	for _, s := range pending {
		m.enqueue(s.SnapshotID)
	}
}
