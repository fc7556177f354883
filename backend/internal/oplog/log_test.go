package oplog

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jonathan-k-shapiro/md-editor/backend/internal/ot/delta"
)

func eachLog(t *testing.T, fn func(t *testing.T, l Log)) {
	t.Run("memory", func(t *testing.T) { fn(t, NewMemoryLog()) })
	t.Run("gorm", func(t *testing.T) {
		db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "oplog.db")), &gorm.Config{
			TranslateError: true,
			Logger:         logger.Default.LogMode(logger.Silent),
		})
		require.NoError(t, err)
		gl := NewGormLog(db, 2) // 小页，覆盖分页读取
		require.NoError(t, gl.AutoMigrate())
		fn(t, gl)
	})
}

func appendN(t *testing.T, l Log, doc string, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		head, err := l.Head(ctx, doc)
		require.NoError(t, err)
		op := delta.Insert(i, "x")
		op.DocumentID = doc
		op.SessionID = "s"
		op.ClientSeq = uint64(i + 1)
		op.BaseSequence = head
		seq, err := l.Append(ctx, op)
		require.NoError(t, err)
		require.Equal(t, head+1, seq)
	}
}

func TestLog_SequenceIsGapFree(t *testing.T) {
	eachLog(t, func(t *testing.T, l Log) {
		appendN(t, l, "doc", 5)
		appendN(t, l, "other", 2)

		ops, err := Collect(l.ReadSince(context.Background(), "doc", 0))
		require.NoError(t, err)
		require.Len(t, ops, 5)
		for i, op := range ops {
			assert.Equal(t, uint64(i+1), op.ServerSeq)
			assert.Equal(t, "doc", op.DocumentID)
		}
	})
}

func TestLog_ReadSinceIsRestartable(t *testing.T) {
	eachLog(t, func(t *testing.T, l Log) {
		appendN(t, l, "doc", 3)
		seq := l.ReadSince(context.Background(), "doc", 1)

		first, err := Collect(seq)
		require.NoError(t, err)
		appendN(t, l, "doc", 1)
		second, err := Collect(seq)
		require.NoError(t, err)

		assert.Len(t, first, 2)
		// 第二次 range 重新读取，看到新追加的操作
		assert.Len(t, second, 3)
		assert.Equal(t, uint64(2), second[0].ServerSeq)
	})
}

func TestLog_ReadSinceStopsEarly(t *testing.T) {
	eachLog(t, func(t *testing.T, l Log) {
		appendN(t, l, "doc", 5)
		n := 0
		for _, err := range l.ReadSince(context.Background(), "doc", 0) {
			require.NoError(t, err)
			n++
			if n == 3 {
				break
			}
		}
		assert.Equal(t, 3, n)
	})
}

func TestLog_ReadSinceBeforeFloorIsStale(t *testing.T) {
	eachLog(t, func(t *testing.T, l Log) {
		ctx := context.Background()
		appendN(t, l, "doc", 6)
		require.NoError(t, l.Compact(ctx, "doc", 4))

		floor, err := l.Floor(ctx, "doc")
		require.NoError(t, err)
		assert.Equal(t, uint64(4), floor)

		_, err = Collect(l.ReadSince(ctx, "doc", 2))
		assert.ErrorIs(t, err, ErrStaleBase)

		ops, err := Collect(l.ReadSince(ctx, "doc", 4))
		require.NoError(t, err)
		require.Len(t, ops, 2)
		assert.Equal(t, uint64(5), ops[0].ServerSeq)

		head, err := l.Head(ctx, "doc")
		require.NoError(t, err)
		assert.Equal(t, uint64(6), head)
	})
}

func TestLog_AppendWithBaseBelowFloorIsStale(t *testing.T) {
	eachLog(t, func(t *testing.T, l Log) {
		ctx := context.Background()
		appendN(t, l, "doc", 4)
		require.NoError(t, l.Compact(ctx, "doc", 4))

		op := delta.Insert(0, "y")
		op.DocumentID = "doc"
		op.BaseSequence = 2
		_, err := l.Append(ctx, op)
		assert.ErrorIs(t, err, ErrStaleBase)

		// 全部压缩后 head 仍然连续
		op.BaseSequence = 4
		seq, err := l.Append(ctx, op)
		require.NoError(t, err)
		assert.Equal(t, uint64(5), seq)
	})
}

func TestLog_ExpectedSequenceConflict(t *testing.T) {
	eachLog(t, func(t *testing.T, l Log) {
		ctx := context.Background()
		appendN(t, l, "doc", 2)

		op := delta.Insert(0, "y")
		op.DocumentID = "doc"
		op.BaseSequence = 2
		op.ServerSeq = 2 // 另一个写者以为 head 还是 1
		_, err := l.Append(ctx, op)
		assert.ErrorIs(t, err, ErrSequenceConflict)
	})
}
