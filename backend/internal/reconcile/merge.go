package reconcile

import (
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/jonathan-k-shapiro/md-editor/backend/internal/ot/delta"
)

const (
	markerLive     = "<<<<<<< live"
	markerSplit    = "======="
	markerExternal = ">>>>>>> external"
)

// Conflict 是一个两边都改过的区域。
// Start/End 是合并结果里冲突块的范围，BaseStart/BaseEnd 是它在基线里的范围，都按码点计。
type Conflict struct {
	Start     int    `json:"start"`
	End       int    `json:"end"`
	BaseStart int    `json:"baseStart"`
	BaseEnd   int    `json:"baseEnd"`
	Live      string `json:"live"`
	External  string `json:"external"`
}

const (
	sideLive = iota
	sideExternal
)

// hunk 表示基线 [start, end) 被替换成 text
type hunk struct {
	side       int
	start, end int
	text       string
}

func newDMP() *diffmatchpatch.DiffMatchPatch {
	dmp := diffmatchpatch.New()
	// 结果必须确定，不能因为超时退化
	dmp.DiffTimeout = 0
	return dmp
}

func diffs(a, b string) []diffmatchpatch.Diff {
	dmp := newDMP()
	return dmp.DiffCleanupSemantic(dmp.DiffMain(a, b, false))
}

// hunks 把 base→other 的 diff 转成基于基线坐标的改动块，相邻改动合并成一块
func hunks(side int, base, other string) []hunk {
	var (
		out []hunk
		cur *hunk
		pos int
	)
	flush := func() {
		if cur != nil {
			out = append(out, *cur)
			cur = nil
		}
	}
	for _, d := range diffs(base, other) {
		n := utf8.RuneCountInString(d.Text)
		switch d.Type {
		case diffmatchpatch.DiffEqual:
			flush()
			pos += n
		case diffmatchpatch.DiffDelete:
			if cur == nil {
				cur = &hunk{side: side, start: pos, end: pos}
			}
			cur.end += n
			pos += n
		case diffmatchpatch.DiffInsert:
			if cur == nil {
				cur = &hunk{side: side, start: pos, end: pos}
			}
			cur.text += d.Text
		}
	}
	flush()
	return out
}

type cluster struct {
	start, end int
	hunks      []hunk
	// 结尾处有一个纯插入，紧挨着的改动也算重叠
	emptyAtEnd bool
}

func (c *cluster) touches(h hunk) bool {
	if h.start < c.end {
		return true
	}
	if h.start == c.end {
		return h.start == h.end || c.emptyAtEnd
	}
	return false
}

func (c *cluster) add(h hunk) {
	c.hunks = append(c.hunks, h)
	if h.end > c.end {
		c.end = h.end
		c.emptyAtEnd = false
	}
	if h.start == h.end && h.start == c.end {
		c.emptyAtEnd = true
	}
}

func (c *cluster) sides() (live, external bool) {
	for _, h := range c.hunks {
		if h.side == sideLive {
			live = true
		} else {
			external = true
		}
	}
	return
}

// render 生成某一侧在 [c.start, c.end) 上的内容
func (c *cluster) render(base []rune, side int) string {
	var sb strings.Builder
	p := c.start
	for _, h := range c.hunks {
		if h.side != side {
			continue
		}
		sb.WriteString(string(base[p:h.start]))
		sb.WriteString(h.text)
		p = h.end
	}
	sb.WriteString(string(base[p:c.end]))
	return sb.String()
}

func clusters(hs []hunk) []cluster {
	sort.SliceStable(hs, func(i, j int) bool {
		if hs[i].start != hs[j].start {
			return hs[i].start < hs[j].start
		}
		return hs[i].end < hs[j].end
	})
	var out []cluster
	for _, h := range hs {
		if n := len(out); n > 0 && out[n-1].touches(h) {
			out[n-1].add(h)
			continue
		}
		c := cluster{start: h.start, end: h.start}
		c.add(h)
		out = append(out, c)
	}
	return out
}

// Merge3 三方合并。只有一侧改动的区域直接采用；两侧改成一样的采用一次；
// 两侧不同的整块区域输出冲突标记，两边的内容都保留。
// externalRef 是外部 head，短格式写在结束标记后面，可以为空。
func Merge3(base, live, external, externalRef string) (string, []Conflict) {
	b := []rune(base)
	hs := append(hunks(sideLive, base, live), hunks(sideExternal, base, external)...)

	var (
		sb        strings.Builder
		conflicts []Conflict
		p         int
		outLen    int
	)
	write := func(s string) {
		sb.WriteString(s)
		outLen += utf8.RuneCountInString(s)
	}
	for _, c := range clusters(hs) {
		write(string(b[p:c.start]))
		p = c.end

		hasLive, hasExt := c.sides()
		switch {
		case hasLive && !hasExt:
			write(c.render(b, sideLive))
		case hasExt && !hasLive:
			write(c.render(b, sideExternal))
		default:
			lv, ev := c.render(b, sideLive), c.render(b, sideExternal)
			if lv == ev {
				write(lv)
				continue
			}
			if outLen > 0 && !strings.HasSuffix(sb.String(), "\n") {
				write("\n")
			}
			start := outLen
			write(markerBlock(lv, ev, externalRef))
			conflicts = append(conflicts, Conflict{
				Start:     start,
				End:       outLen,
				BaseStart: c.start,
				BaseEnd:   c.end,
				Live:      lv,
				External:  ev,
			})
		}
	}
	write(string(b[p:]))
	return sb.String(), conflicts
}

func shortRef(ref string) string {
	if len(ref) > 7 {
		return ref[:7]
	}
	return ref
}

func markerBlock(live, external, externalRef string) string {
	var sb strings.Builder
	sb.WriteString(markerLive + "\n")
	sb.WriteString(withNewline(live))
	sb.WriteString(markerSplit + "\n")
	sb.WriteString(withNewline(external))
	sb.WriteString(markerExternal)
	if ref := shortRef(externalRef); ref != "" {
		sb.WriteString(" " + ref)
	}
	sb.WriteString("\n")
	return sb.String()
}

func withNewline(s string) string {
	if s == "" || strings.HasSuffix(s, "\n") {
		return s
	}
	return s + "\n"
}

// HasConflictMarkers 判断内容里是否还有完整的冲突块（三行标记按顺序出现）。
// 结束标记后面可以带提交号。
func HasConflictMarkers(content string) bool {
	want := []string{markerLive, markerSplit, markerExternal}
	i := 0
	for _, line := range strings.Split(content, "\n") {
		if line == want[i] || (i == len(want)-1 && strings.HasPrefix(line, markerExternal+" ")) {
			if i++; i == len(want) {
				return true
			}
		}
	}
	return false
}

// Diff 生成把 from 改成 to 的操作序列，每个操作基于前一个操作之后的内容
func Diff(from, to string) []delta.Operation {
	var (
		ops []delta.Operation
		pos int
	)
	for _, d := range diffs(from, to) {
		n := utf8.RuneCountInString(d.Text)
		switch d.Type {
		case diffmatchpatch.DiffEqual:
			pos += n
		case diffmatchpatch.DiffDelete:
			ops = append(ops, delta.Delete(pos, n))
		case diffmatchpatch.DiffInsert:
			ops = append(ops, delta.Insert(pos, d.Text))
			pos += n
		}
	}
	return ops
}
