package history

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan-k-shapiro/md-editor/backend/internal/collab"
	"github.com/jonathan-k-shapiro/md-editor/backend/internal/oplog"
	"github.com/jonathan-k-shapiro/md-editor/backend/internal/ot/delta"
	"github.com/jonathan-k-shapiro/md-editor/backend/internal/store"
	"github.com/jonathan-k-shapiro/md-editor/backend/internal/vcs"
)

// flakyRepo 前 failures 次提交返回错误，之后交给真实仓库
type flakyRepo struct {
	*vcs.GitRepo
	mu       sync.Mutex
	failures int
	calls    int
}

func (r *flakyRepo) Commit(ctx context.Context, parentRef, path, content, message string) (string, error) {
	r.mu.Lock()
	r.calls++
	fail := r.failures > 0
	if fail {
		r.failures--
	}
	r.mu.Unlock()
	if fail {
		return "", errors.New("remote unavailable")
	}
	return r.GitRepo.Commit(ctx, parentRef, path, content, message)
}

type divergedRecorder struct {
	mu   sync.Mutex
	docs []string
}

func (d *divergedRecorder) NotifyDiverged(docID string) {
	d.mu.Lock()
	d.docs = append(d.docs, docID)
	d.mu.Unlock()
}

type env struct {
	repo     *flakyRepo
	snaps    *store.MemorySnapshotStore
	hist     *store.MemoryHistoryStore
	docs     *store.MemoryDocumentStore
	coord    *collab.Coordinator
	m        *Materializer
	notified *divergedRecorder
}

func newEnv(t *testing.T) *env {
	t.Helper()
	git, err := vcs.Open(t.TempDir(), vcs.Signature{Name: "sync", Email: "sync@example.com"})
	require.NoError(t, err)
	e := &env{
		repo:     &flakyRepo{GitRepo: git},
		snaps:    store.NewMemorySnapshotStore(),
		hist:     store.NewMemoryHistoryStore(),
		docs:     store.NewMemoryDocumentStore(),
		notified: &divergedRecorder{},
	}
	require.NoError(t, e.docs.Create(context.Background(), &store.Document{ID: "doc", Path: "notes/doc.md"}))
	e.coord = collab.NewCoordinator(oplog.NewMemoryLog(), e.snaps, nil, nil, collab.Options{}, zerolog.Nop())
	e.m = NewMaterializer(e.coord, e.snaps, e.hist, e.docs, e.repo, nil, Options{MaxRetry: 1}, zerolog.Nop())
	e.m.SetNotifier(e.notified)
	e.coord.SetMaterializer(e.m)
	return e
}

func (e *env) edit(t *testing.T, ops ...delta.Operation) {
	t.Helper()
	ctx := context.Background()
	_, err := e.coord.Join(ctx, "doc", "editor")
	require.NoError(t, err)
	for i, o := range ops {
		cur, err := e.coord.Content(ctx, "doc")
		require.NoError(t, err)
		o.ClientSeq = uint64(i + 1)
		o.BaseSequence = cur.ServerSeq
		_, err = e.coord.Submit(ctx, "doc", "editor", o)
		require.NoError(t, err)
	}
}

func TestMaterializer_FlushAndCommit(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.edit(t, delta.Insert(0, "hello"))

	snap, err := e.m.Flush(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, store.SnapshotPending, snap.Status)
	assert.Equal(t, uint64(1), snap.ServerSeq)
	assert.Equal(t, store.SnapshotID("doc", 1, "hello"), snap.SnapshotID)

	// 没有新操作时不会产生新快照
	again, err := e.m.Flush(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, snap.SnapshotID, again.SnapshotID)

	require.NoError(t, e.m.Commit(ctx, snap.SnapshotID))

	got, err := e.snaps.Get(ctx, snap.SnapshotID)
	require.NoError(t, err)
	assert.Equal(t, store.SnapshotCommitted, got.Status)
	require.NotNil(t, got.ExternalCommitRef)

	head, err := e.repo.Head(ctx, "notes/doc.md")
	require.NoError(t, err)
	assert.Equal(t, *got.ExternalCommitRef, head)
	content, err := e.repo.ContentAt(ctx, head, "notes/doc.md")
	require.NoError(t, err)
	assert.Equal(t, "hello", content)

	last, err := e.hist.Last(ctx, "doc")
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, head, last.CommitRef)
	assert.Equal(t, store.SourceLocal, last.Source)

	doc, _ := e.docs.Get(ctx, "doc")
	assert.Equal(t, snap.SnapshotID, doc.LastCommittedSnapshotID)
}

func TestMaterializer_OlderPendingIsSuperseded(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	// 首次加载时导入了一个空快照（seq 0）
	e.edit(t, delta.Insert(0, "a"))
	initial, err := e.snaps.List(ctx, "doc", store.SnapshotPending)
	require.NoError(t, err)
	require.Len(t, initial, 1)
	assert.Equal(t, uint64(0), initial[0].ServerSeq)

	snap, err := e.m.Flush(ctx, "doc")
	require.NoError(t, err)
	require.NoError(t, e.m.Commit(ctx, initial[0].SnapshotID))

	old, _ := e.snaps.Get(ctx, initial[0].SnapshotID)
	assert.Equal(t, store.SnapshotSuperseded, old.Status)
	cur, _ := e.snaps.Get(ctx, snap.SnapshotID)
	assert.Equal(t, store.SnapshotPending, cur.Status)
}

func TestMaterializer_ExternalWriteFailureThenRetry(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.edit(t, delta.Insert(0, "draft"))
	e.repo.failures = 2

	snap, err := e.m.Flush(ctx, "doc")
	require.NoError(t, err)
	err = e.m.Commit(ctx, snap.SnapshotID)
	assert.ErrorIs(t, err, ErrExternalWriteFailed)

	failed, _ := e.snaps.Get(ctx, snap.SnapshotID)
	assert.Equal(t, store.SnapshotPendingFailed, failed.Status)
	assert.Equal(t, 2, failed.Attempts)
	assert.Equal(t, "draft", failed.Content)

	// 编辑不受影响
	_, err = e.coord.Submit(ctx, "doc", "editor", delta.Operation{Kind: delta.KindInsert, Position: 5, Text: "!", ClientSeq: 2, BaseSequence: 1})
	require.NoError(t, err)

	n, err := e.m.RetryFailed(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	retried, _ := e.snaps.Get(ctx, snap.SnapshotID)
	assert.Equal(t, store.SnapshotPending, retried.Status)

	require.NoError(t, e.m.Commit(ctx, snap.SnapshotID))
	committed, _ := e.snaps.Get(ctx, snap.SnapshotID)
	assert.Equal(t, store.SnapshotCommitted, committed.Status)
	assert.Equal(t, 3, e.repo.calls)
}

func TestMaterializer_ConflictedSnapshotIsNotCommitted(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.edit(t, delta.Insert(0, "x\n<<<<<<< live\na\n=======\nb\n>>>>>>> external\n"))

	snap, err := e.m.Flush(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, store.SnapshotConflicted, snap.Status)
	require.NoError(t, e.m.Commit(ctx, snap.SnapshotID))
	assert.Zero(t, e.repo.calls)
}

func TestMaterializer_HeadMovedNotifiesReconciler(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.edit(t, delta.Insert(0, "one"))
	snap, err := e.m.Flush(ctx, "doc")
	require.NoError(t, err)
	require.NoError(t, e.m.Commit(ctx, snap.SnapshotID))
	head, _ := e.repo.Head(ctx, "notes/doc.md")

	// 外部工具直接提交
	_, err = e.repo.GitRepo.Commit(ctx, head, "notes/doc.md", "one (external)", "external edit")
	require.NoError(t, err)

	_, err = e.coord.Submit(ctx, "doc", "editor", delta.Operation{Kind: delta.KindInsert, Position: 3, Text: "!", ClientSeq: 2, BaseSequence: 1})
	require.NoError(t, err)
	next, err := e.m.Flush(ctx, "doc")
	require.NoError(t, err)

	err = e.m.Commit(ctx, next.SnapshotID)
	assert.ErrorIs(t, err, vcs.ErrHeadMoved)
	got, _ := e.snaps.Get(ctx, next.SnapshotID)
	assert.Equal(t, store.SnapshotPending, got.Status)
	assert.Equal(t, []string{"doc"}, e.notified.docs)
}

func TestMaterializer_ImportsExistingHead(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	ref, err := e.repo.GitRepo.Commit(ctx, "", "notes/doc.md", "# Seed\n", "seed")
	require.NoError(t, err)

	cur, err := e.coord.Content(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, "# Seed\n", cur.Content)
	assert.Zero(t, cur.ServerSeq)

	latest, err := e.snaps.Latest(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, store.SnapshotCommitted, latest.Status)
	assert.Equal(t, ref, *latest.ExternalCommitRef)

	last, _ := e.hist.Last(ctx, "doc")
	assert.Equal(t, store.SourceExternal, last.Source)
	assert.Equal(t, ref, last.CommitRef)

	_, err = e.coord.Content(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
