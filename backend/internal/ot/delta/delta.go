package delta

import "unicode/utf8"

type Kind string

const (
	KindRetain Kind = "retain"
	KindInsert Kind = "insert"
	KindDelete Kind = "delete"
)

// Valid 只接受三种封闭的操作类型
func (k Kind) Valid() bool {
	switch k {
	case KindRetain, KindInsert, KindDelete:
		return true
	}
	return false
}

type Op struct {
	Kind  Kind           `json:"kind"`            // "retain" / "insert" / "delete"
	Count int            `json:"count,omitempty"` // retain/delete 的长度
	Text  string         `json:"text,omitempty"`  // insert 的文本
	Attrs map[string]any `json:"attrs,omitempty"` // 样式属性（粗体/颜色等）
}

type Delta []Op

// Operation 是日志里的一条单步编辑。
// Position / Count 都按 Unicode 码点计数，不是字节。
type Operation struct {
	DocumentID string `json:"documentId"`
	SessionID  string `json:"sessionId"`
	ClientSeq  uint64 `json:"clientSeq"`
	// 作者编辑时看到的规范版本号，变换的起点
	BaseSequence uint64 `json:"baseSequence"`
	Kind         Kind   `json:"kind"`
	Position     int    `json:"position"`
	Text         string `json:"text,omitempty"`  // insert
	Count        int    `json:"count,omitempty"` // delete / retain
	ServerSeq    uint64 `json:"serverSeq,omitempty"`
}

func Insert(pos int, text string) Operation {
	return Operation{Kind: KindInsert, Position: pos, Text: text}
}

func Delete(pos, count int) Operation {
	return Operation{Kind: KindDelete, Position: pos, Count: count}
}

func Retain(pos, count int) Operation {
	return Operation{Kind: KindRetain, Position: pos, Count: count}
}

// Len 返回操作覆盖的长度：insert 为文本码点数，其余为 Count
func (o Operation) Len() int {
	if o.Kind == KindInsert {
		return utf8.RuneCountInString(o.Text)
	}
	return o.Count
}

// Effect 是操作对文档长度的影响
func (o Operation) Effect() int {
	switch o.Kind {
	case KindInsert:
		return o.Len()
	case KindDelete:
		return -o.Count
	}
	return 0
}

// IsNoop: 变换后被裁剪成空的操作仍然占用一个 serverSeq，但不改内容
func (o Operation) IsNoop() bool {
	return o.Kind == KindRetain || o.Len() == 0
}

// ToDelta 转成 Buffer 能直接应用的 delta 形式
func (o Operation) ToDelta() Delta {
	if o.IsNoop() {
		return nil
	}
	d := make(Delta, 0, 2)
	if o.Position > 0 {
		d = append(d, Op{Kind: KindRetain, Count: o.Position})
	}
	switch o.Kind {
	case KindInsert:
		d = append(d, Op{Kind: KindInsert, Text: o.Text})
	case KindDelete:
		d = append(d, Op{Kind: KindDelete, Count: o.Count})
	}
	return d
}

// "ops":[{"retain":5},{"insert":"Hello"}]
