// Package oplog 是每个文档只追加的操作日志，排序的唯一事实来源。
package oplog

import (
	"context"
	"errors"
	"iter"

	"github.com/jonathan-k-shapiro/md-editor/backend/internal/ot/delta"
)

var (
	// 基线早于压缩水位，调用方需要重新加载规范状态后再提交
	ErrStaleBase = errors.New("STALE_BASE")
	// 同一文档同一 serverSeq 被写了两次，说明出现了第二个写者
	ErrSequenceConflict = errors.New("SEQUENCE_CONFLICT")
)

type Log interface {
	// Append 分配 head+1 并返回
	Append(ctx context.Context, op delta.Operation) (uint64, error)
	// ReadSince 惰性返回 serverSeq 大于 since 的操作；每次 range 都会重新读取
	ReadSince(ctx context.Context, documentID string, since uint64) iter.Seq2[delta.Operation, error]
	Head(ctx context.Context, documentID string) (uint64, error)
	// Floor 之前（含）的操作已被压缩
	Floor(ctx context.Context, documentID string) (uint64, error)
	Compact(ctx context.Context, documentID string, through uint64) error
}

// Collect 把 ReadSince 的结果读成切片
func Collect(seq iter.Seq2[delta.Operation, error]) ([]delta.Operation, error) {
	var out []delta.Operation
	for op, err := range seq {
		if err != nil {
			return nil, err
		}
		out = append(out, op)
	}
	return out, nil
}

