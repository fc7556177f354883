// Package ot 实现单步文本操作的变换规则。
//
// 服务端是唯一的排序者：候选操作依次对 (baseSequence, head] 区间内
// 已经落日志的操作做变换，得到可以直接应用在 head 上的操作。
package ot

import (
	"errors"
	"fmt"

	"github.com/jonathan-k-shapiro/md-editor/backend/internal/ot/delta"
)

var ErrInvalidOperation = errors.New("INVALID_OPERATION")

// Validate 检查 op 能否应用在长度为 docLen 的文档上
func Validate(op delta.Operation, docLen int) error {
	if !op.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidOperation, op.Kind)
	}
	if op.Position < 0 || op.Position > docLen {
		return fmt.Errorf("%w: position %d outside [0,%d]", ErrInvalidOperation, op.Position, docLen)
	}
	if op.Kind == delta.KindInsert {
		return nil
	}
	if op.Count < 0 || op.Position+op.Count > docLen {
		return fmt.Errorf("%w: range [%d,%d) outside document of length %d",
			ErrInvalidOperation, op.Position, op.Position+op.Count, docLen)
	}
	return nil
}

// Precedes 是同位置并发插入的全序：(sessionId, clientSeq) 升序
func Precedes(a, b delta.Operation) bool {
	if a.SessionID != b.SessionID {
		return a.SessionID < b.SessionID
	}
	return a.ClientSeq < b.ClientSeq
}

// Transform 把 op 变换到 against 之后。
// against 必须与 op 基于同一个文档状态。
func Transform(op, against delta.Operation) delta.Operation {
	if against.IsNoop() {
		return op
	}
	switch op.Kind {
	case delta.KindInsert:
		return transformInsert(op, against)
	case delta.KindDelete, delta.KindRetain:
		return transformRange(op, against)
	}
	return op
}

// TransformAll 依次对 history 中的每个操作变换
func TransformAll(op delta.Operation, history []delta.Operation) delta.Operation {
	for _, h := range history {
		op = Transform(op, h)
	}
	return op
}

func transformInsert(op, against delta.Operation) delta.Operation {
	switch against.Kind {
	case delta.KindInsert:
		p := against.Position
		if p < op.Position || (p == op.Position && Precedes(against, op)) {
			op.Position += against.Len()
		}
	case delta.KindDelete:
		start, end := against.Position, against.Position+against.Count
		switch {
		case op.Position <= start:
		case op.Position >= end:
			op.Position -= against.Count
		default:
			// 插入点落在已被并发删除的区间内部：随区间一起被吞掉
			op.Position = start
			op.Text = ""
		}
	}
	return op
}

// transformRange 处理 delete / retain 这类区间操作
func transformRange(op, against delta.Operation) delta.Operation {
	start, end := op.Position, op.Position+op.Count
	switch against.Kind {
	case delta.KindInsert:
		p, n := against.Position, against.Len()
		switch {
		case p <= start:
			start += n
			end += n
		case p < end:
			// 插入发生在区间内部，区间扩大把它包进来
			end += n
		}
	case delta.KindDelete:
		s2, e2 := against.Position, against.Position+against.Count
		start = mapThroughDelete(start, s2, e2)
		end = mapThroughDelete(end, s2, e2)
	}
	op.Position = start
	op.Count = end - start
	return op
}

// mapThroughDelete 把下标 x 映射到删除 [s, e) 之后的文档
func mapThroughDelete(x, s, e int) int {
	switch {
	case x <= s:
		return x
	case x < e:
		return s
	default:
		return x - (e - s)
	}
}

// TransformIndex 把光标位置映射到 op 应用之后的文档
func TransformIndex(pos int, op delta.Operation) int {
	switch op.Kind {
	case delta.KindInsert:
		if op.Position <= pos {
			return pos + op.Len()
		}
	case delta.KindDelete:
		return mapThroughDelete(pos, op.Position, op.Position+op.Count)
	}
	return pos
}

// Apply 在字符串上应用单个操作，主要用于回放校验
func Apply(content string, op delta.Operation) (string, error) {
	r := []rune(content)
	if err := Validate(op, len(r)); err != nil {
		return content, err
	}
	switch op.Kind {
	case delta.KindInsert:
		out := make([]rune, 0, len(r)+op.Len())
		out = append(out, r[:op.Position]...)
		out = append(out, []rune(op.Text)...)
		out = append(out, r[op.Position:]...)
		return string(out), nil
	case delta.KindDelete:
		out := make([]rune, 0, len(r)-op.Count)
		out = append(out, r[:op.Position]...)
		out = append(out, r[op.Position+op.Count:]...)
		return string(out), nil
	}
	return content, nil
}
