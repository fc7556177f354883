package ot

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/jonathan-k-shapiro/md-editor/backend/internal/ot/delta"
)

func withSession(op delta.Operation, session string, seq uint64) delta.Operation {
	op.SessionID = session
	op.ClientSeq = seq
	return op
}

func mustApply(t *testing.T, content string, ops ...delta.Operation) string {
	t.Helper()
	var err error
	for _, op := range ops {
		content, err = Apply(content, op)
		require.NoError(t, err)
	}
	return content
}

func TestTransform_ConcurrentInsertSamePosition(t *testing.T) {
	a := withSession(delta.Insert(1, "X"), "A", 1)
	b := withSession(delta.Insert(1, "Y"), "B", 1)

	// 无论谁先到，结果一致
	assert.Equal(t, "aXYb", mustApply(t, "ab", a, Transform(b, a)))
	assert.Equal(t, "aXYb", mustApply(t, "ab", b, Transform(a, b)))
}

func TestTransform_DeleteUnaffectedByAppendPastRange(t *testing.T) {
	del := withSession(delta.Delete(0, 2), "A", 1)
	ins := withSession(delta.Insert(5, "Z"), "B", 1)

	assert.Equal(t, "lloZ", mustApply(t, "hello", del, Transform(ins, del)))
	assert.Equal(t, "lloZ", mustApply(t, "hello", ins, Transform(del, ins)))
}

func TestTransform_OverlappingDeletesClipToNoop(t *testing.T) {
	a := withSession(delta.Delete(1, 3), "A", 1)
	b := withSession(delta.Delete(2, 1), "B", 1)

	tb := Transform(b, a)
	assert.True(t, tb.IsNoop())
	assert.Equal(t, 0, tb.Count)
	assert.Equal(t, "ae", mustApply(t, "abcde", a, tb))
}

func TestTransform_InsertInsideConcurrentDeleteIsAbsorbed(t *testing.T) {
	del := withSession(delta.Delete(1, 2), "A", 1)
	ins := withSession(delta.Insert(2, "X"), "B", 1)

	ti := Transform(ins, del)
	assert.True(t, ti.IsNoop())
	assert.Equal(t, 1, ti.Position)

	td := Transform(del, ins)
	assert.Equal(t, 1, td.Position)
	assert.Equal(t, 3, td.Count)

	assert.Equal(t, "ad", mustApply(t, "abcd", del, ti))
	assert.Equal(t, "ad", mustApply(t, "abcd", ins, td))
}

func TestTransform_RetainIsContentNeutral(t *testing.T) {
	r := withSession(delta.Retain(0, 3), "A", 1)
	ins := withSession(delta.Insert(1, "Q"), "B", 1)

	assert.Equal(t, ins, Transform(ins, r))
	tr := Transform(r, ins)
	assert.Equal(t, 4, tr.Count)
	assert.Equal(t, "aQbc", mustApply(t, "abc", ins, tr))
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		op   delta.Operation
		ok   bool
	}{
		{"insert at end", delta.Insert(3, "x"), true},
		{"insert past end", delta.Insert(4, "x"), false},
		{"negative position", delta.Insert(-1, "x"), false},
		{"delete whole", delta.Delete(0, 3), true},
		{"delete past end", delta.Delete(2, 2), false},
		{"negative count", delta.Delete(0, -1), false},
		{"unknown kind", delta.Operation{Kind: "move"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := Validate(tc.op, 3)
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidOperation)
			}
		})
	}
}

func TestTransformIndex(t *testing.T) {
	assert.Equal(t, 7, TransformIndex(5, delta.Insert(2, "ab")))
	assert.Equal(t, 5, TransformIndex(5, delta.Insert(6, "ab")))
	assert.Equal(t, 2, TransformIndex(5, delta.Delete(2, 4)))
	assert.Equal(t, 3, TransformIndex(5, delta.Delete(1, 2)))
}

func drawOp(t *rapid.T, docLen int, session, label string) delta.Operation {
	kinds := []delta.Kind{delta.KindInsert, delta.KindDelete, delta.KindRetain}
	kind := rapid.SampledFrom(kinds).Draw(t, label+"-kind")
	if docLen == 0 && kind != delta.KindInsert {
		kind = delta.KindInsert
	}
	var op delta.Operation
	switch kind {
	case delta.KindInsert:
		pos := rapid.IntRange(0, docLen).Draw(t, label+"-pos")
		op = delta.Insert(pos, rapid.StringMatching(`[XYZ]{1,3}`).Draw(t, label+"-text"))
	case delta.KindDelete:
		pos := rapid.IntRange(0, docLen-1).Draw(t, label+"-pos")
		op = delta.Delete(pos, rapid.IntRange(1, docLen-pos).Draw(t, label+"-count"))
	default:
		pos := rapid.IntRange(0, docLen-1).Draw(t, label+"-pos")
		op = delta.Retain(pos, rapid.IntRange(0, docLen-pos).Draw(t, label+"-count"))
	}
	return withSession(op, session, rapid.Uint64Range(1, 4).Draw(t, label+"-seq"))
}

// 任意两个并发操作，两种应用顺序都收敛到同一内容
func TestTransform_PairwiseConvergence(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		doc := rapid.StringMatching(`[a-f]{0,10}`).Draw(t, "doc")
		n := len([]rune(doc))
		a := drawOp(t, n, "A", "a")
		b := drawOp(t, n, "B", "b")

		left, err := Apply(doc, a)
		if err != nil {
			t.Fatalf("apply a: %v", err)
		}
		left, err = Apply(left, Transform(b, a))
		if err != nil {
			t.Fatalf("apply T(b,a): %v", err)
		}

		right, err := Apply(doc, b)
		if err != nil {
			t.Fatalf("apply b: %v", err)
		}
		right, err = Apply(right, Transform(a, b))
		if err != nil {
			t.Fatalf("apply T(a,b): %v", err)
		}

		if left != right {
			t.Fatalf("diverged: %q vs %q (doc=%q a=%+v b=%+v)", left, right, doc, a, b)
		}
	})
}
