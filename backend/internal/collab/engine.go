package collab

import (
	"context"
	"fmt"
	"time"

	"github.com/jonathan-k-shapiro/md-editor/backend/internal/metrics"
	"github.com/jonathan-k-shapiro/md-editor/backend/internal/oplog"
	"github.com/jonathan-k-shapiro/md-editor/backend/internal/ot"
	"github.com/jonathan-k-shapiro/md-editor/backend/internal/ot/delta"
)

// replica 是一个文档的内存副本，只在所属 actor 的 goroutine 里访问
type replica struct {
	c     *Coordinator
	docID string

	buf Buffer
	seq uint64
	// 最近操作环形缓冲，按 serverSeq 连续
	ring    []delta.Operation
	ringCap int
	// 去重窗口：记录每个会话最近的 clientSeq
	clients  map[string]clientMark
	sessions map[string]*session

	// 对账独占模式
	locked bool
	queued []queuedSubmit

	unflushed      int
	flushRequested bool
	persistedSeq   uint64
	emptySince     time.Time
	closed         bool
}

func newReplica(c *Coordinator, docID, content string, seq uint64) *replica {
	capacity := c.opt.RingSize
	if capacity <= 0 {
		capacity = 1024
	}
	return &replica{
		c:            c,
		docID:        docID,
		buf:          NewBuffer(content),
		seq:          seq,
		ring:         make([]delta.Operation, 0, capacity),
		ringCap:      capacity,
		clients:      make(map[string]clientMark),
		sessions:     make(map[string]*session),
		persistedSeq: seq,
	}
}

// replay 应用一条已经在日志里的操作（加载时）
func (r *replica) replay(op delta.Operation) error {
	if op.ServerSeq != r.seq+1 {
		return fmt.Errorf("%w: doc %s expected seq %d, log has %d", oplog.ErrSequenceConflict, r.docID, r.seq+1, op.ServerSeq)
	}
	if err := r.buf.Apply(op.ToDelta()); err != nil {
		return fmt.Errorf("replay seq %d: %w", op.ServerSeq, err)
	}
	r.seq = op.ServerSeq
	r.remember(op)
	return nil
}

func (r *replica) remember(op delta.Operation) {
	// 保存到环形缓冲（如果达到容量则丢弃最老的一条）
	if len(r.ring) == r.ringCap {
		copy(r.ring[0:], r.ring[1:])
		r.ring = r.ring[:len(r.ring)-1]
	}
	r.ring = append(r.ring, op)
	if op.SessionID != "" {
		r.clients[op.SessionID] = clientMark{clientSeq: op.ClientSeq, serverSeq: op.ServerSeq}
	}
}

// window 返回 serverSeq 在 (base, head] 的操作，优先用环形缓冲
func (r *replica) window(ctx context.Context, base uint64) ([]delta.Operation, error) {
	if base >= r.seq {
		return nil, nil
	}
	if n := len(r.ring); n > 0 && r.ring[0].ServerSeq <= base+1 {
		i := int(base + 1 - r.ring[0].ServerSeq)
		return r.ring[i:], nil
	}
	return oplog.Collect(r.c.log.ReadSince(ctx, r.docID, base))
}

func (r *replica) lookup(serverSeq uint64) (delta.Operation, bool) {
	if n := len(r.ring); n > 0 && r.ring[0].ServerSeq <= serverSeq && serverSeq <= r.ring[n-1].ServerSeq {
		return r.ring[serverSeq-r.ring[0].ServerSeq], true
	}
	return delta.Operation{}, false
}

// apply 把候选操作变换到 head，追加日志后应用到内容上。
// 日志先写，内存后改：日志失败时副本保持不变。
func (r *replica) apply(ctx context.Context, op delta.Operation) (delta.Operation, error) {
	if op.BaseSequence > r.seq {
		return op, fmt.Errorf("%w: base %d ahead of head %d", ot.ErrInvalidOperation, op.BaseSequence, r.seq)
	}
	window, err := r.window(ctx, op.BaseSequence)
	if err != nil {
		return op, err
	}

	// 作者看到的文档长度
	baseLen := r.buf.Len()
	for _, w := range window {
		baseLen -= w.Effect()
	}
	if err := ot.Validate(op, baseLen); err != nil {
		return op, err
	}

	t := ot.TransformAll(op, window)
	if err := ot.Validate(t, r.buf.Len()); err != nil {
		return op, err
	}

	t.ServerSeq = r.seq + 1
	seq, err := r.c.log.Append(ctx, t)
	if err != nil {
		return op, err
	}
	t.ServerSeq = seq
	if err := r.buf.Apply(t.ToDelta()); err != nil {
		// 不应该发生：已校验过范围
		return t, fmt.Errorf("apply seq %d to buffer: %w", seq, err)
	}
	r.seq = seq
	r.remember(t)
	metrics.TransformWindow.Observe(float64(len(window)))
	return t, nil
}

// submit 处理一个会话的提交，包括幂等去重
func (r *replica) submit(ctx context.Context, sessionID string, op delta.Operation) (delta.Operation, error) {
	op.DocumentID = r.docID
	op.SessionID = sessionID
	op.ServerSeq = 0

	if mark, ok := r.clients[sessionID]; ok {
		switch {
		case op.ClientSeq == mark.clientSeq:
			// 重复投递（通常是重连后重发），返回已分配的 serverSeq 并重新确认
			prev, ok := r.lookup(mark.serverSeq)
			if !ok {
				prev = op
				prev.ServerSeq = mark.serverSeq
			}
			if s, ok := r.sessions[sessionID]; ok {
				r.deliver(s, Update{Kind: UpdateAck, Op: prev})
			}
			return prev, nil
		case op.ClientSeq < mark.clientSeq:
			return op, fmt.Errorf("%w: clientSeq %d <= %d", ErrDuplicateOrOutOfOrder, op.ClientSeq, mark.clientSeq)
		}
	}
	if op.Kind != delta.KindRetain && op.Len() <= 0 {
		return op, fmt.Errorf("%w: empty %s", ot.ErrInvalidOperation, op.Kind)
	}

	applied, err := r.apply(ctx, op)
	if err != nil {
		return applied, err
	}
	r.broadcast(applied)
	return applied, nil
}

// broadcast 把已定序的操作按顺序投给所有会话
func (r *replica) broadcast(op delta.Operation) {
	for id, s := range r.sessions {
		s.cursor = ot.TransformIndex(s.cursor, op)
		kind := UpdateOp
		if id == op.SessionID {
			kind = UpdateAck
		}
		r.deliver(s, Update{Kind: kind, Op: op})
	}

	origin := "client"
	if op.SessionID == ReconcilerSession {
		origin = "reconciler"
	}
	metrics.OpsApplied.WithLabelValues(origin).Inc()

	r.unflushed++
	if t := r.c.opt.FlushThreshold; t > 0 && r.unflushed >= t {
		r.requestFlush()
	}
	r.c.publish(opAppliedEvent(r.c.opt.NodeID, op))
}

// deliver 不阻塞；缓冲满的会话直接断开，宁可让它重连也不能跳号
func (r *replica) deliver(s *session, u Update) {
	select {
	case s.updates <- u:
	default:
		metrics.SlowConsumers.Inc()
		r.c.logger.Warn().Str("doc", r.docID).Str("session", s.id).Msg("slow consumer, closing session")
		r.dropSession(s.id)
	}
}

func (r *replica) dropSession(id string) {
	s, ok := r.sessions[id]
	if !ok {
		return
	}
	close(s.updates)
	delete(r.sessions, id)
	metrics.Sessions.Dec()
	if len(r.sessions) == 0 && !r.closed {
		r.emptySince = time.Now()
		// 最后一个会话离开：先落快照，宽限期后再驱逐
		if r.persistedSeq < r.seq {
			r.requestFlush()
		}
	}
}

func (r *replica) requestFlush() {
	if r.flushRequested {
		return
	}
	if m := r.c.materializer; m != nil {
		r.flushRequested = true
		m.RequestFlush(r.docID)
	}
}

func (r *replica) freeze() Frozen {
	r.unflushed = 0
	r.flushRequested = false
	return r.snapshot()
}

func (r *replica) snapshot() Frozen {
	return Frozen{DocumentID: r.docID, Content: r.buf.String(), ServerSeq: r.seq}
}

// sweep 由 janitor 周期调用：回收空闲会话，必要时驱逐副本
func (r *replica) sweep(now time.Time) {
	if idle := r.c.opt.IdleTimeout; idle > 0 {
		for id, s := range r.sessions {
			if now.Sub(s.lastSeen) > idle {
				r.c.logger.Info().Str("doc", r.docID).Str("session", id).Msg("reap idle session")
				r.dropSession(id)
			}
		}
	}
	if len(r.sessions) > 0 || r.locked {
		return
	}
	if r.emptySince.IsZero() {
		r.emptySince = now
	}
	if r.persistedSeq < r.seq && r.c.materializer != nil {
		r.requestFlush()
		return
	}
	if now.Sub(r.emptySince) >= r.c.opt.EvictGrace {
		r.close("idle")
	}
}

// close 关闭副本：断开所有会话，从协调器中移除，释放租约
func (r *replica) close(reason string) {
	if r.closed {
		return
	}
	r.closed = true
	for id := range r.sessions {
		r.dropSession(id)
	}
	for _, q := range r.queued {
		q.reply <- result{err: errReplicaClosed}
	}
	r.queued = nil
	r.c.removeActor(r)
	r.c.releaseLease(r.docID)
	r.c.logger.Info().Str("doc", r.docID).Str("reason", reason).Uint64("seq", r.seq).Msg("replica evicted")
}
