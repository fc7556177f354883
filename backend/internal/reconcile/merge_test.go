package reconcile

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/jonathan-k-shapiro/md-editor/backend/internal/ot"
)

func TestMerge3_DivergentSuffixIsMarked(t *testing.T) {
	merged, conflicts := Merge3("foo", "food", "foobar", "")

	require.Len(t, conflicts, 1)
	assert.True(t, HasConflictMarkers(merged))
	assert.Equal(t, "foo\n<<<<<<< live\nd\n=======\nbar\n>>>>>>> external\n", merged)
	assert.Equal(t, "d", conflicts[0].Live)
	assert.Equal(t, "bar", conflicts[0].External)
	assert.Equal(t, 3, conflicts[0].BaseStart)
	assert.Equal(t, []rune(merged)[conflicts[0].Start:conflicts[0].End], []rune(merged)[4:])
}

func TestMerge3_DisjointChangesAreCombined(t *testing.T) {
	merged, conflicts := Merge3("hello world", "hello brave world", "hello world!", "")
	assert.Empty(t, conflicts)
	assert.Equal(t, "hello brave world!", merged)
}

func TestMerge3_IdenticalChangeAppliedOnce(t *testing.T) {
	merged, conflicts := Merge3("abc", "abXc", "abXc", "")
	assert.Empty(t, conflicts)
	assert.Equal(t, "abXc", merged)
}

func TestMerge3_OverlappingRangesConflictAsOneRegion(t *testing.T) {
	base := "line one\nline two\nline three\n"
	live := "line one\nline 2\nline three\n"
	external := "line one\nline TWO\nline 3\n"

	merged, conflicts := Merge3(base, live, external, "")
	require.Len(t, conflicts, 1)
	assert.True(t, strings.HasPrefix(merged, "line one\n"))
	assert.Contains(t, conflicts[0].Live, "2")
	assert.Contains(t, conflicts[0].External, "TWO")
}

func TestMerge3_DeleteVersusEdit(t *testing.T) {
	merged, conflicts := Merge3("keep\ndrop me\n", "keep\n", "keep\ndrop you\n", "")
	require.Len(t, conflicts, 1)
	assert.True(t, HasConflictMarkers(merged))
	assert.Equal(t, "", conflicts[0].Live)
}

func TestHasConflictMarkers(t *testing.T) {
	assert.False(t, HasConflictMarkers("plain text"))
	assert.False(t, HasConflictMarkers("<<<<<<< live\nonly start\n"))
	assert.True(t, HasConflictMarkers("<<<<<<< live\n=======\nx\n>>>>>>> external\n"))
	assert.True(t, HasConflictMarkers("<<<<<<< live\n=======\nx\n>>>>>>> external 1a2b3c4\n"))
	assert.False(t, HasConflictMarkers("<<<<<<< live\n=======\nx\n>>>>>>> externally\n"))
}

func TestMerge3_MarkerCarriesShortRef(t *testing.T) {
	ref := "1a2b3c4d5e6f7a8b9c0d1a2b3c4d5e6f7a8b9c0d"
	merged, conflicts := Merge3("foo", "food", "foobar", ref)

	require.Len(t, conflicts, 1)
	assert.Equal(t, "foo\n<<<<<<< live\nd\n=======\nbar\n>>>>>>> external 1a2b3c4\n", merged)
	assert.True(t, HasConflictMarkers(merged))
	assert.Equal(t, len([]rune(merged)), conflicts[0].End)
}

func TestDiff_RebuildsTarget(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		from := rapid.StringMatching(`[a-c日本 ]{0,12}`).Draw(t, "from")
		to := rapid.StringMatching(`[a-c日本 ]{0,12}`).Draw(t, "to")
		got := from
		for _, o := range Diff(from, to) {
			var err error
			if got, err = ot.Apply(got, o); err != nil {
				t.Fatalf("apply %+v: %v", o, err)
			}
		}
		if got != to {
			t.Fatalf("diff(%q,%q) produced %q", from, to, got)
		}
	})
}

// 只有一侧改动时，合并结果就是那一侧
func TestMerge3_OneSidedIsIdentity(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		base := rapid.StringMatching(`[a-d\n]{0,16}`).Draw(t, "base")
		other := rapid.StringMatching(`[a-d\n]{0,16}`).Draw(t, "other")

		merged, conflicts := Merge3(base, base, other, "")
		if len(conflicts) != 0 || merged != other {
			t.Fatalf("external only: got %q with %d conflicts, want %q", merged, len(conflicts), other)
		}
		merged, conflicts = Merge3(base, other, base, "")
		if len(conflicts) != 0 || merged != other {
			t.Fatalf("live only: got %q with %d conflicts, want %q", merged, len(conflicts), other)
		}
	})
}
