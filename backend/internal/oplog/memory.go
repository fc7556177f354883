package oplog

import (
	"context"
	"fmt"
	"iter"
	"sync"

	"github.com/jonathan-k-shapiro/md-editor/backend/internal/ot/delta"
)

type memStream struct {
	floor uint64
	// ops[i].ServerSeq == floor+i+1
	ops []delta.Operation
}

func (s *memStream) head() uint64 { return s.floor + uint64(len(s.ops)) }

// MemoryLog 单机内存实现
type MemoryLog struct {
	mu      sync.RWMutex
	streams map[string]*memStream
}

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{streams: make(map[string]*memStream)}
}

func (l *MemoryLog) stream(docID string) *memStream {
	s := l.streams[docID]
	if s == nil {
		s = &memStream{}
		l.streams[docID] = s
	}
	return s
}

func (l *MemoryLog) Append(ctx context.Context, op delta.Operation) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.stream(op.DocumentID)
	if op.BaseSequence < s.floor {
		return 0, fmt.Errorf("%w: base %d below floor %d", ErrStaleBase, op.BaseSequence, s.floor)
	}
	if op.ServerSeq != 0 && op.ServerSeq != s.head()+1 {
		return 0, fmt.Errorf("%w: doc %s seq %d, head %d", ErrSequenceConflict, op.DocumentID, op.ServerSeq, s.head())
	}
	op.ServerSeq = s.head() + 1
	s.ops = append(s.ops, op)
	return op.ServerSeq, nil
}

func (l *MemoryLog) ReadSince(ctx context.Context, documentID string, since uint64) iter.Seq2[delta.Operation, error] {
	return func(yield func(delta.Operation, error) bool) {
		l.mu.RLock()
		s := l.streams[documentID]
		if s == nil {
			l.mu.RUnlock()
			return
		}
		if since < s.floor {
			floor := s.floor
			l.mu.RUnlock()
			yield(delta.Operation{}, fmt.Errorf("%w: since %d below floor %d", ErrStaleBase, since, floor))
			return
		}
		// 已有元素不会被修改，压缩会换一个新切片，所以持有切片头是安全的
		ops := s.ops[since-s.floor:]
		l.mu.RUnlock()

		for _, op := range ops {
			if err := ctx.Err(); err != nil {
				yield(delta.Operation{}, err)
				return
			}
			if !yield(op, nil) {
				return
			}
		}
	}
}

func (l *MemoryLog) Head(ctx context.Context, documentID string) (uint64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if s := l.streams[documentID]; s != nil {
		return s.head(), nil
	}
	return 0, nil
}

func (l *MemoryLog) Floor(ctx context.Context, documentID string) (uint64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if s := l.streams[documentID]; s != nil {
		return s.floor, nil
	}
	return 0, nil
}

func (l *MemoryLog) Compact(ctx context.Context, documentID string, through uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.stream(documentID)
	if through <= s.floor {
		return nil
	}
	through = min(through, s.head())
	drop := through - s.floor
	rest := make([]delta.Operation, len(s.ops)-int(drop))
	copy(rest, s.ops[drop:])
	s.ops = rest
	s.floor = through
	return nil
}
