// Package reconcile 检测并解决活副本与外部历史之间的分叉。
//
// 外部仓库的 head 和本地历史链最后一个提交不一致，就说明有人绕过本系统
// 直接提交了。对账以最后一个共同提交为基线做三方合并，把合并结果以合成
// 操作的形式写进操作日志，让所有在线会话跟着收敛。
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/jonathan-k-shapiro/md-editor/backend/internal/collab"
	"github.com/jonathan-k-shapiro/md-editor/backend/internal/metrics"
	"github.com/jonathan-k-shapiro/md-editor/backend/internal/ot/delta"
	"github.com/jonathan-k-shapiro/md-editor/backend/internal/store"
	"github.com/jonathan-k-shapiro/md-editor/backend/internal/vcs"
)

var ErrUnresolvedConflict = collab.ErrUnresolvedConflict

type State string

const (
	StateSynced      State = "synced"
	StateDiverged    State = "diverged"
	StateReconciling State = "reconciling"
)

type Coordinator interface {
	BeginReconcile(ctx context.Context, docID string) (collab.Frozen, error)
	ApplySynthetic(ctx context.Context, docID string, ops []delta.Operation) (uint64, error)
	EndReconcile(ctx context.Context, docID string, conflicts int) error
}

// Materializer 的提交和对账互斥，避免把自己刚写出的提交当成外部改动
type Materializer interface {
	RequestFlush(docID string)
	Exclusive(docID string) (unlock func())
}

type Result struct {
	DocumentID  string     `json:"documentId"`
	State       State      `json:"state"`
	ExternalRef string     `json:"externalRef,omitempty"`
	BaseRef     string     `json:"baseRef,omitempty"`
	Applied     int        `json:"applied"`
	Conflicts   []Conflict `json:"conflicts,omitempty"`
	ServerSeq   uint64     `json:"serverSeq"`
}

type Options struct {
	NodeID       string
	PollInterval time.Duration
}

type Arbitrator struct {
	coord     Coordinator
	mat       Materializer
	snapshots store.SnapshotStore
	history   store.HistoryStore
	docs      store.DocumentStore
	repo      vcs.History
	publisher collab.Publisher
	logger    zerolog.Logger
	opt       Options

	notify chan string

	mu     sync.RWMutex
	states map[string]State
}

func NewArbitrator(coord Coordinator, mat Materializer, snapshots store.SnapshotStore, history store.HistoryStore,
	docs store.DocumentStore, repo vcs.History, publisher collab.Publisher, opt Options, logger zerolog.Logger) *Arbitrator {
	if opt.PollInterval <= 0 {
		opt.PollInterval = 30 * time.Second
	}
	return &Arbitrator{
		coord:     coord,
		mat:       mat,
		snapshots: snapshots,
		history:   history,
		docs:      docs,
		repo:      repo,
		publisher: publisher,
		logger:    logger.With().Str("component", "arbitrator").Logger(),
		opt:       opt,
		notify:    make(chan string, 64),
		states:    make(map[string]State),
	}
}

func (a *Arbitrator) State(docID string) State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if s, ok := a.states[docID]; ok {
		return s
	}
	return StateSynced
}

func (a *Arbitrator) setState(docID string, s State) {
	a.mu.Lock()
	a.states[docID] = s
	a.mu.Unlock()
}

// NotifyDiverged 由物化器在提交遇到 HEAD_MOVED 时调用，不阻塞
func (a *Arbitrator) NotifyDiverged(docID string) {
	a.setState(docID, StateDiverged)
	select {
	case a.notify <- docID:
	default:
		// 队列满了就等下一轮轮询
	}
}

func (a *Arbitrator) contentAt(ctx context.Context, ref, path string) (string, error) {
	if ref == "" {
		return "", nil
	}
	content, err := a.repo.ContentAt(ctx, ref, path)
	if errors.Is(err, vcs.ErrPathNotFound) {
		return "", nil
	}
	return content, err
}

// Check 比较外部 head 和本地历史链，分叉时执行一次完整对账
func (a *Arbitrator) Check(ctx context.Context, docID string) (*Result, error) {
	doc, err := a.docs.Get(ctx, docID)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, fmt.Errorf("%w: document %s", store.ErrNotFound, docID)
	}

	if a.mat != nil {
		unlock := a.mat.Exclusive(docID)
		defer unlock()
	}

	head, err := a.repo.Head(ctx, doc.Path)
	if err != nil {
		return nil, fmt.Errorf("read head of %s: %w", doc.Path, err)
	}
	last, err := a.history.Last(ctx, docID)
	if err != nil {
		return nil, err
	}
	var lastRef string
	if last != nil {
		lastRef = last.CommitRef
	}
	res := &Result{DocumentID: docID, State: StateSynced, ExternalRef: head, BaseRef: lastRef}
	if head == lastRef {
		a.setState(docID, StateSynced)
		return res, nil
	}
	// 自己写出的提交还没来得及记入历史链
	if own, err := a.snapshots.FindByCommitRef(ctx, docID, head); err != nil {
		return nil, err
	} else if own != nil {
		a.setState(docID, StateSynced)
		return res, nil
	}

	a.setState(docID, StateDiverged)
	a.logger.Info().Str("doc", docID).Str("head", head).Str("last", lastRef).Msg("external history diverged")

	frozen, err := a.coord.BeginReconcile(ctx, docID)
	if err != nil {
		return nil, err
	}
	a.setState(docID, StateReconciling)

	conflicts := 0
	ended := false
	defer func() {
		if ended {
			return
		}
		// 出错时也必须解除独占
		if err := a.coord.EndReconcile(context.WithoutCancel(ctx), docID, 0); err != nil {
			a.logger.Error().Err(err).Str("doc", docID).Msg("end reconcile")
		}
		a.setState(docID, StateDiverged)
		metrics.Reconciliations.WithLabelValues("error").Inc()
	}()

	// 副本第一次加载时会直接导入外部 head，这种情况已经同步了
	if cur, err := a.history.Last(ctx, docID); err != nil {
		return nil, err
	} else if cur != nil && cur.CommitRef == head {
		ended = true
		if err := a.coord.EndReconcile(ctx, docID, 0); err != nil {
			return nil, err
		}
		a.setState(docID, StateSynced)
		res.BaseRef = head
		res.ServerSeq = frozen.ServerSeq
		return res, nil
	}

	base, err := a.base(ctx, docID, lastRef, doc.Path)
	if err != nil {
		return nil, err
	}
	external, err := a.contentAt(ctx, head, doc.Path)
	if err != nil {
		return nil, err
	}

	merged, regions := Merge3(base, frozen.Content, external, head)
	ops := Diff(frozen.Content, merged)
	seq := frozen.ServerSeq
	if len(ops) > 0 {
		if seq, err = a.coord.ApplySynthetic(ctx, docID, ops); err != nil {
			return nil, err
		}
	}

	if err := a.history.Append(ctx, &store.HistoryEntry{
		DocumentID: docID,
		CommitRef:  head,
		ParentRef:  lastRef,
		Source:     store.SourceExternal,
	}); err != nil {
		return nil, err
	}

	// 对账前落的快照没有外部改动，基于旧的父提交，不能再写出去
	if seq > frozen.ServerSeq {
		if err := a.supersedeStale(ctx, docID, frozen.ServerSeq); err != nil {
			return nil, err
		}
	}

	conflicts = len(regions)
	ended = true
	if err := a.coord.EndReconcile(ctx, docID, conflicts); err != nil {
		return nil, err
	}
	a.setState(docID, StateSynced)
	if a.mat != nil {
		a.mat.RequestFlush(docID)
	}

	outcome := "merged"
	if conflicts > 0 {
		outcome = "conflict"
		metrics.ConflictRegions.Add(float64(conflicts))
	}
	metrics.Reconciliations.WithLabelValues(outcome).Inc()
	a.publish(collab.DocEvent{
		EventType: collab.EventReconciled,
		DocID:     docID,
		NodeID:    a.opt.NodeID,
		ServerSeq: seq,
		CommitRef: head,
		Conflicts: conflicts,
		At:        time.Now(),
	})
	a.logger.Info().Str("doc", docID).Int("ops", len(ops)).Int("conflicts", conflicts).Uint64("seq", seq).Msg("reconciled")

	res.Applied = len(ops)
	res.Conflicts = regions
	res.ServerSeq = seq
	return res, nil
}

func (a *Arbitrator) supersedeStale(ctx context.Context, docID string, through uint64) error {
	stale, err := a.snapshots.List(ctx, docID, store.SnapshotPending, store.SnapshotPendingFailed)
	if err != nil {
		return err
	}
	for _, s := range stale {
		if s.ServerSeq > through {
			continue
		}
		if err := a.snapshots.SetStatus(ctx, s.SnapshotID, store.SnapshotSuperseded); err != nil {
			return err
		}
		a.logger.Info().Str("doc", docID).Uint64("seq", s.ServerSeq).Msg("pre-reconcile snapshot superseded")
	}
	return nil
}

// base 是最后一个共同提交的内容：优先用本地快照，没有再读仓库
func (a *Arbitrator) base(ctx context.Context, docID, ref, path string) (string, error) {
	if ref == "" {
		return "", nil
	}
	snap, err := a.snapshots.FindByCommitRef(ctx, docID, ref)
	if err != nil {
		return "", err
	}
	if snap != nil {
		return snap.Content, nil
	}
	return a.contentAt(ctx, ref, path)
}

func (a *Arbitrator) publish(evt collab.DocEvent) {
	if a.publisher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := a.publisher.Enqueue(ctx, evt); err != nil {
		a.logger.Debug().Err(err).Str("doc", evt.DocID).Msg("publish skipped")
	}
}

func (a *Arbitrator) checkLogged(ctx context.Context, docID string) {
	if _, err := a.Check(ctx, docID); err != nil {
		switch {
		case errors.Is(err, collab.ErrNotOwner), errors.Is(err, collab.ErrDocumentLocked), errors.Is(err, context.Canceled):
			a.logger.Debug().Err(err).Str("doc", docID).Msg("reconcile skipped")
		default:
			a.logger.Warn().Err(err).Str("doc", docID).Msg("reconcile failed")
		}
	}
}

// Run 定期轮询所有文档的外部 head，同时处理物化器发来的分叉通知
func (a *Arbitrator) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.opt.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case docID := <-a.notify:
			a.checkLogged(ctx, docID)
		case <-ticker.C:
			docs, err := a.docs.List(ctx)
			if err != nil {
				a.logger.Warn().Err(err).Msg("list documents")
				continue
			}
			for _, d := range docs {
				if ctx.Err() != nil {
					return nil
				}
				a.checkLogged(ctx, d.ID)
			}
		}
	}
}
