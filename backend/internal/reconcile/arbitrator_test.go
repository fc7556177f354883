package reconcile

import (
	"context"
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

const docPath = "doc.md"

type flushRecorder struct {
	mu      sync.Mutex
	flushed []string
}

func (f *flushRecorder) RequestFlush(docID string) {
	f.mu.Lock()
	f.flushed = append(f.flushed, docID)
	f.mu.Unlock()
}

func (f *flushRecorder) Exclusive(docID string) func() { return func() {} }

type harness struct {
	repo    *vcs.GitRepo
	snaps   *store.MemorySnapshotStore
	hist    *store.MemoryHistoryStore
	coord   *collab.Coordinator
	flusher *flushRecorder
	arb     *Arbitrator
	baseRef string
}

// newHarness 建一个已同步的文档：仓库、快照、历史链都指向同一个提交
func newHarness(t *testing.T, content string) *harness {
	t.Helper()
	ctx := context.Background()
	repo, err := vcs.Open(t.TempDir(), vcs.Signature{Name: "sync", Email: "sync@example.com"})
	require.NoError(t, err)
	ref, err := repo.Commit(ctx, "", docPath, content, "init")
	require.NoError(t, err)

	h := &harness{
		repo:    repo,
		snaps:   store.NewMemorySnapshotStore(),
		hist:    store.NewMemoryHistoryStore(),
		flusher: &flushRecorder{},
		baseRef: ref,
	}
	snap := store.NewSnapshot("doc", 0, content, store.SnapshotCommitted)
	snap.ExternalCommitRef = &ref
	require.NoError(t, h.snaps.Save(ctx, snap))
	require.NoError(t, h.hist.Append(ctx, &store.HistoryEntry{DocumentID: "doc", SnapshotID: snap.SnapshotID, CommitRef: ref, Source: store.SourceLocal}))

	docs := store.NewMemoryDocumentStore()
	require.NoError(t, docs.Create(ctx, &store.Document{ID: "doc", Path: docPath}))

	h.coord = collab.NewCoordinator(oplog.NewMemoryLog(), h.snaps, nil, nil, collab.Options{}, zerolog.Nop())
	h.arb = NewArbitrator(h.coord, h.flusher, h.snaps, h.hist, docs, repo, nil, Options{}, zerolog.Nop())
	return h
}

func (h *harness) liveEdit(t *testing.T, o delta.Operation) *collab.Joined {
	t.Helper()
	ctx := context.Background()
	j, err := h.coord.Join(ctx, "doc", "A")
	require.NoError(t, err)
	o.ClientSeq, o.BaseSequence = 1, j.ServerSeq
	_, err = h.coord.Submit(ctx, "doc", "A", o)
	require.NoError(t, err)
	return j
}

func TestArbitrator_SyncedIsNoop(t *testing.T) {
	h := newHarness(t, "foo")
	res, err := h.arb.Check(context.Background(), "doc")
	require.NoError(t, err)
	assert.Equal(t, StateSynced, res.State)
	assert.Zero(t, res.Applied)
	assert.Empty(t, h.coord.LiveDocuments(), "no replica loaded when nothing diverged")
}

func TestArbitrator_ConflictingSuffixIsMarked(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "foo")
	j := h.liveEdit(t, delta.Insert(3, "d"))

	ext, err := h.repo.Commit(ctx, h.baseRef, docPath, "foobar", "external edit")
	require.NoError(t, err)

	res, err := h.arb.Check(ctx, "doc")
	require.NoError(t, err)
	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, ext, res.ExternalRef)
	assert.Equal(t, StateSynced, h.arb.State("doc"))

	cur, err := h.coord.Content(ctx, "doc")
	require.NoError(t, err)
	assert.True(t, HasConflictMarkers(cur.Content))
	assert.Contains(t, cur.Content, "d\n")
	assert.Contains(t, cur.Content, "bar\n")
	assert.Equal(t, res.ServerSeq, cur.ServerSeq)

	last, err := h.hist.Last(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, ext, last.CommitRef)
	assert.Equal(t, h.baseRef, last.ParentRef)
	assert.Equal(t, store.SourceExternal, last.Source)
	assert.Equal(t, []string{"doc"}, h.flusher.flushed)

	var kinds []collab.UpdateKind
	var reconciled collab.Update
	for {
		select {
		case u := <-j.Updates:
			kinds = append(kinds, u.Kind)
			if u.Kind == collab.UpdateReconciled {
				reconciled = u
			}
			continue
		default:
		}
		break
	}
	require.NotEmpty(t, kinds)
	assert.Equal(t, collab.UpdateAck, kinds[0])
	assert.Equal(t, collab.UpdateReconcileStarted, kinds[1])
	assert.Equal(t, collab.UpdateReconciled, kinds[len(kinds)-1])
	assert.Equal(t, 1, reconciled.Conflicts)

	// 已经记入历史链，再检查一次是同步状态
	again, err := h.arb.Check(ctx, "doc")
	require.NoError(t, err)
	assert.Zero(t, again.Applied)
}

func TestArbitrator_AdoptsExternalOnlyChanges(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "title\nbody\n")
	h.liveEdit(t, delta.Insert(10, " more"))

	_, err := h.repo.Commit(ctx, h.baseRef, docPath, "Title\nbody\n", "capitalize")
	require.NoError(t, err)

	res, err := h.arb.Check(ctx, "doc")
	require.NoError(t, err)
	assert.Empty(t, res.Conflicts)
	assert.Positive(t, res.Applied)

	cur, err := h.coord.Content(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, "Title\nbody more\n", cur.Content)
}

func TestArbitrator_OwnCommitIsNotDivergence(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "foo")
	ref, err := h.repo.Commit(ctx, h.baseRef, docPath, "food", "local")
	require.NoError(t, err)
	snap := store.NewSnapshot("doc", 1, "food", store.SnapshotCommitted)
	snap.ExternalCommitRef = &ref
	require.NoError(t, h.snaps.Save(ctx, snap))

	res, err := h.arb.Check(ctx, "doc")
	require.NoError(t, err)
	assert.Zero(t, res.Applied)
	assert.Empty(t, h.coord.LiveDocuments())
}

func TestArbitrator_LockedDocumentIsSkipped(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "foo")
	_, err := h.repo.Commit(ctx, h.baseRef, docPath, "bar", "external")
	require.NoError(t, err)

	_, err = h.coord.BeginReconcile(ctx, "doc")
	require.NoError(t, err)
	_, err = h.arb.Check(ctx, "doc")
	assert.ErrorIs(t, err, collab.ErrDocumentLocked)
	require.NoError(t, h.coord.EndReconcile(ctx, "doc", 0))

	_, err = h.arb.Check(ctx, "doc")
	require.NoError(t, err)
	cur, _ := h.coord.Content(ctx, "doc")
	assert.Equal(t, "bar", cur.Content)
}
