package collab

import (
	"errors"
	"strings"

	"github.com/jonathan-k-shapiro/md-editor/backend/internal/ot/delta"
)

var ErrOutOfRange = errors.New("OUT_OF_RANGE")

type bufferKind int

const (
	//iota：在 const (...) 里从 0 开始自动递增。换句话说，这里：bufOriginal = 0, bufAdd = 1
	bufOriginal bufferKind = iota
	bufAdd
)

type piece struct {
	// 指针标签，表示从 original 还是 add 切片上偏移
	buf    bufferKind
	offset int // 偏移量
	length int
}

type PieceTable struct {
	// 原始文本切片
	original []rune
	// 新增文本切片，只追加
	add []rune
	// 分片列表
	pieces []piece
	// 缓存总长度，避免每次遍历
	size int
}

func NewPieceTable(initial string) *PieceTable {
	r := []rune(initial)
	pt := &PieceTable{original: r, size: len(r)}
	if len(r) > 0 {
		pt.pieces = []piece{{buf: bufOriginal, offset: 0, length: len(r)}}
	}
	return pt
}

func (pt *PieceTable) Len() int { return pt.size }

func (pt *PieceTable) String() string {
	var sb strings.Builder
	sb.Grow(pt.size)
	for _, p := range pt.pieces {
		sb.WriteString(string(pt.slice(p)))
	}
	return sb.String()
}

func (pt *PieceTable) slice(p piece) []rune {
	if p.buf == bufOriginal {
		return pt.original[p.offset : p.offset+p.length]
	}
	return pt.add[p.offset : p.offset+p.length]
}

// Apply 按 delta 顺序应用。越界时返回 ErrOutOfRange，已应用的部分不回滚，
// 调用方需要事先用 ot.Validate 校验。
func (pt *PieceTable) Apply(d delta.Delta) error {
	pos := 0
	//retain: 沿 piece 列表向前走，对应“移动 pos”；
	//insert: 在当前 pos 调用 insert 流程；
	//delete: 在当前 pos 调用 delete 流程（通过调整/合并 piece）。
	for _, op := range d {
		switch op.Kind {
		case delta.KindRetain:
			if pos+op.Count > pt.size {
				return ErrOutOfRange
			}
			pos += op.Count

		case delta.KindInsert:
			if pos > pt.size {
				return ErrOutOfRange
			}
			n := pt.insert(pos, []rune(op.Text))
			pos += n

		case delta.KindDelete:
			if op.Count < 0 || pos+op.Count > pt.size {
				return ErrOutOfRange
			}
			pt.delete(pos, op.Count)
		}
	}
	return nil
}

func (pt *PieceTable) insert(pos int, text []rune) int {
	if len(text) == 0 {
		return 0
	}
	start := len(pt.add)
	pt.add = append(pt.add, text...)
	np := piece{buf: bufAdd, offset: start, length: len(text)}

	idx, offset := pt.locate(pos)
	if idx == len(pt.pieces) {
		pt.pieces = append(pt.pieces, np)
		pt.size += len(text)
		return len(text)
	}

	cur := pt.pieces[idx]
	newPieces := make([]piece, 0, len(pt.pieces)+2)
	newPieces = append(newPieces, pt.pieces[:idx]...)
	if offset > 0 {
		newPieces = append(newPieces, piece{buf: cur.buf, offset: cur.offset, length: offset})
	}
	newPieces = append(newPieces, np)
	if rest := cur.length - offset; rest > 0 {
		newPieces = append(newPieces, piece{buf: cur.buf, offset: cur.offset + offset, length: rest})
	}
	newPieces = append(newPieces, pt.pieces[idx+1:]...)
	pt.pieces = newPieces
	pt.size += len(text)
	return len(text)
}

func (pt *PieceTable) delete(pos, count int) {
	// 要删的剩余长度
	remain := count
	idx, offset := pt.locate(pos)

	for remain > 0 && idx < len(pt.pieces) {
		cur := pt.pieces[idx]
		// 本轮实际要删多少
		take := min(remain, cur.length-offset)

		switch {
		case offset == 0 && take == cur.length:
			// 整个 piece 都删掉，idx 不动
			pt.pieces = append(pt.pieces[:idx], pt.pieces[idx+1:]...)
		case offset == 0:
			// 删掉头部
			pt.pieces[idx] = piece{buf: cur.buf, offset: cur.offset + take, length: cur.length - take}
			idx++
		case offset+take == cur.length:
			// 删掉尾部
			pt.pieces[idx].length = offset
			idx++
		default:
			// 只删中间一段：拆成 左 / 右 两段
			left := piece{buf: cur.buf, offset: cur.offset, length: offset}
			right := piece{buf: cur.buf, offset: cur.offset + offset + take, length: cur.length - offset - take}
			newPieces := make([]piece, 0, len(pt.pieces)+1)
			newPieces = append(newPieces, pt.pieces[:idx]...)
			newPieces = append(newPieces, left, right)
			newPieces = append(newPieces, pt.pieces[idx+1:]...)
			pt.pieces = newPieces
			idx += 2
		}
		offset = 0
		remain -= take
	}
	pt.size -= count - remain
}

// 根据逻辑位置 pos，找到对应的 piece 下标 idx 和在该 piece 内的偏移 offset
func (pt *PieceTable) locate(pos int) (idx int, offset int) {
	cur := 0
	for i, p := range pt.pieces {
		if pos < cur+p.length {
			return i, pos - cur
		}
		cur += p.length
	}
	return len(pt.pieces), 0
}
