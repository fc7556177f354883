package collab

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/jonathan-k-shapiro/md-editor/backend/internal/metrics"
	"github.com/jonathan-k-shapiro/md-editor/backend/internal/oplog"
	"github.com/jonathan-k-shapiro/md-editor/backend/internal/ot"
	"github.com/jonathan-k-shapiro/md-editor/backend/internal/ot/delta"
	"github.com/jonathan-k-shapiro/md-editor/backend/internal/store"
)

// 对账器写入合成操作时使用的会话标识
const ReconcilerSession = "~reconciler"

type SnapshotSource interface {
	Latest(ctx context.Context, documentID string) (*store.Snapshot, error)
}

// Lease 是文档写权限租约，同一时刻每个文档只有一个节点持有
type Lease interface {
	Acquire(ctx context.Context, docID, owner string, ttl time.Duration) (bool, error)
	Renew(ctx context.Context, docID, owner string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, docID, owner string) error
}

type Publisher interface {
	Enqueue(ctx context.Context, evt DocEvent) error
}

// Materializer 由 history 包实现，协调器只用到这两个方法
type Materializer interface {
	// RequestFlush 不能阻塞
	RequestFlush(docID string)
	// Import 在文档没有任何快照时，从外部历史导入初始内容
	Import(ctx context.Context, docID string) (*store.Snapshot, error)
}

type Options struct {
	NodeID     string
	RingSize   int
	SendBuffer int
	// 对账期间每个文档最多排队的提交数
	QueueSize      int
	IdleTimeout    time.Duration
	EvictGrace     time.Duration
	FlushThreshold int
	// 提交快照后日志保留的条数
	Retention     uint64
	LeaseTTL      time.Duration
	SweepInterval time.Duration
}

func (o *Options) withDefaults() {
	if o.NodeID == "" {
		o.NodeID = "local"
	}
	if o.RingSize <= 0 {
		o.RingSize = 1024
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 256
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 1024
	}
	if o.EvictGrace <= 0 {
		o.EvictGrace = 30 * time.Second
	}
	if o.LeaseTTL <= 0 {
		o.LeaseTTL = 15 * time.Second
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = o.LeaseTTL / 3
	}
}

// Coordinator 管理本节点上所有文档的活副本。
// 每个文档一个 actor goroutine，所有修改都经过它的 mailbox 串行执行。
type Coordinator struct {
	log          oplog.Log
	snapshots    SnapshotSource
	lease        Lease
	publisher    Publisher
	materializer Materializer
	logger       zerolog.Logger
	opt          Options

	mu     sync.RWMutex
	actors map[string]*docActor
	sf     singleflight.Group
}

func NewCoordinator(log oplog.Log, snapshots SnapshotSource, lease Lease, publisher Publisher, opt Options, logger zerolog.Logger) *Coordinator {
	opt.withDefaults()
	return &Coordinator{
		log:       log,
		snapshots: snapshots,
		lease:     lease,
		publisher: publisher,
		logger:    logger.With().Str("component", "coordinator").Logger(),
		opt:       opt,
		actors:    make(map[string]*docActor),
	}
}

// SetMaterializer 需要在 Run 和第一次加载之前调用
func (c *Coordinator) SetMaterializer(m Materializer) { c.materializer = m }

type docActor struct {
	docID   string
	mailbox chan func(*replica)
	done    chan struct{}
	r       *replica
}

func (a *docActor) loop() {
	defer close(a.done)
	for fn := range a.mailbox {
		fn(a.r)
		if a.r.closed {
			return
		}
	}
}

// post 投递一个闭包，不等待结果
func (a *docActor) post(ctx context.Context, fn func(*replica)) error {
	select {
	case a.mailbox <- fn:
		return nil
	case <-a.done:
		return errReplicaClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *docActor) call(ctx context.Context, fn func(r *replica, reply chan<- result)) (any, error) {
	reply := make(chan result, 1)
	if err := a.post(ctx, func(r *replica) { fn(r, reply) }); err != nil {
		return nil, err
	}
	select {
	case res := <-reply:
		return res.val, res.err
	case <-a.done:
		// 关闭前可能已经回复
		select {
		case res := <-reply:
			return res.val, res.err
		default:
			return nil, errReplicaClosed
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// exec 在文档 actor 里执行 fn。load 为 false 时不会加载副本。
// 副本恰好被驱逐时重试一次，第二次会重新加载。
func (c *Coordinator) exec(ctx context.Context, docID string, load bool, fn func(r *replica, reply chan<- result)) (any, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		a, err := c.actor(ctx, docID, load)
		if err != nil {
			return nil, err
		}
		v, err := a.call(ctx, fn)
		if !errors.Is(err, errReplicaClosed) {
			return v, err
		}
		lastErr = err
		if !load {
			return nil, ErrNotLive
		}
	}
	return nil, lastErr
}

func (c *Coordinator) lookup(docID string) *docActor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.actors[docID]
}

func (c *Coordinator) actor(ctx context.Context, docID string, load bool) (*docActor, error) {
	if a := c.lookup(docID); a != nil {
		return a, nil
	}
	if !load {
		return nil, ErrNotLive
	}
	v, err, _ := c.sf.Do(docID, func() (any, error) {
		if a := c.lookup(docID); a != nil {
			return a, nil
		}
		// 加载不跟随单个调用方取消
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		return c.load(lctx, docID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*docActor), nil
}

// load 取得租约，从最新快照加日志尾部恢复副本
func (c *Coordinator) load(ctx context.Context, docID string) (a *docActor, err error) {
	owner := c.opt.NodeID
	if c.lease != nil {
		ok, err := c.lease.Acquire(ctx, docID, owner, c.opt.LeaseTTL)
		if err != nil {
			return nil, fmt.Errorf("acquire lease for %s: %w", docID, err)
		}
		if !ok {
			return nil, ErrNotOwner
		}
		defer func() {
			if err != nil {
				c.releaseLease(docID)
			}
		}()
	}

	snap, err := c.snapshots.Latest(ctx, docID)
	if err != nil {
		return nil, fmt.Errorf("latest snapshot of %s: %w", docID, err)
	}
	if snap == nil && c.materializer != nil {
		if snap, err = c.materializer.Import(ctx, docID); err != nil {
			return nil, err
		}
	}
	var (
		content string
		seq     uint64
	)
	if snap != nil {
		content, seq = snap.Content, snap.ServerSeq
	}

	r := newReplica(c, docID, content, seq)
	for op, err := range c.log.ReadSince(ctx, docID, seq) {
		if err != nil {
			return nil, fmt.Errorf("replay %s from %d: %w", docID, seq, err)
		}
		if err := r.replay(op); err != nil {
			return nil, err
		}
	}

	a = &docActor{
		docID:   docID,
		mailbox: make(chan func(*replica), 64),
		done:    make(chan struct{}),
		r:       r,
	}
	c.mu.Lock()
	c.actors[docID] = a
	c.mu.Unlock()
	go a.loop()

	metrics.LiveReplicas.Inc()
	c.logger.Info().Str("doc", docID).Uint64("snapshotSeq", seq).Uint64("seq", r.seq).Msg("replica loaded")
	return a, nil
}

func (c *Coordinator) removeActor(r *replica) {
	c.mu.Lock()
	if a, ok := c.actors[r.docID]; ok && a.r == r {
		delete(c.actors, r.docID)
		metrics.LiveReplicas.Dec()
	}
	c.mu.Unlock()
}

func (c *Coordinator) releaseLease(docID string) {
	if c.lease == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.lease.Release(ctx, docID, c.opt.NodeID); err != nil {
		c.logger.Warn().Err(err).Str("doc", docID).Msg("release lease")
	}
}

func (c *Coordinator) publish(evt DocEvent) {
	if c.publisher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := c.publisher.Enqueue(ctx, evt); err != nil {
		c.logger.Debug().Err(err).Str("doc", evt.DocID).Str("event", evt.EventType).Msg("publish skipped")
	}
}

// Join 打开一个编辑会话，返回当前内容和版本。同 id 的旧会话会被替换。
func (c *Coordinator) Join(ctx context.Context, docID, sessionID string) (*Joined, error) {
	v, err := c.exec(ctx, docID, true, func(r *replica, reply chan<- result) {
		if r.locked {
			reply <- result{err: ErrDocumentLocked}
			return
		}
		r.dropSession(sessionID)
		s := &session{
			id:        sessionID,
			updates:   make(chan Update, c.opt.SendBuffer),
			lastAcked: r.seq,
			lastSeen:  time.Now(),
		}
		r.sessions[sessionID] = s
		r.emptySince = time.Time{}
		metrics.Sessions.Inc()
		reply <- result{val: &Joined{
			SessionID:  sessionID,
			DocumentID: docID,
			Content:    r.buf.String(),
			ServerSeq:  r.seq,
			Updates:    s.updates,
		}}
	})
	if err != nil {
		return nil, err
	}
	c.logger.Debug().Str("doc", docID).Str("session", sessionID).Msg("session joined")
	return v.(*Joined), nil
}

// Leave 幂等；副本已被驱逐时直接返回。
// 只关闭 j 对应的那次加入，同 id 重连后旧连接的 Leave 不会影响新会话。
func (c *Coordinator) Leave(ctx context.Context, j *Joined) error {
	_, err := c.exec(ctx, j.DocumentID, false, func(r *replica, reply chan<- result) {
		if s, ok := r.sessions[j.SessionID]; ok && (<-chan Update)(s.updates) == j.Updates {
			r.dropSession(j.SessionID)
		}
		reply <- result{}
	})
	if errors.Is(err, ErrNotLive) {
		return nil
	}
	return err
}

// Submit 对一个会话的操作定序。返回的是变换后、带 serverSeq 的操作；
// 同一个操作也会以 UpdateAck 的形式出现在该会话的 Updates 里。
func (c *Coordinator) Submit(ctx context.Context, docID, sessionID string, op delta.Operation) (delta.Operation, error) {
	v, err := c.exec(ctx, docID, true, func(r *replica, reply chan<- result) {
		if _, ok := r.sessions[sessionID]; !ok {
			reply <- result{err: ErrSessionNotFound}
			return
		}
		if r.locked {
			if len(r.queued) >= c.opt.QueueSize {
				reply <- result{err: ErrDocumentLocked}
				return
			}
			r.queued = append(r.queued, queuedSubmit{ctx: ctx, sessionID: sessionID, op: op, reply: reply})
			return
		}
		applied, err := r.submit(ctx, sessionID, op)
		reply <- result{val: applied, err: err}
	})
	if err != nil {
		metrics.OpsRejected.WithLabelValues(Code(err)).Inc()
		return delta.Operation{}, err
	}
	return v.(delta.Operation), nil
}

func (c *Coordinator) withSession(ctx context.Context, docID, sessionID string, fn func(r *replica, s *session) any) (any, error) {
	return c.exec(ctx, docID, false, func(r *replica, reply chan<- result) {
		s, ok := r.sessions[sessionID]
		if !ok {
			reply <- result{err: ErrSessionNotFound}
			return
		}
		reply <- result{val: fn(r, s)}
	})
}

// Ack 记录会话已确认的最大 serverSeq
func (c *Coordinator) Ack(ctx context.Context, docID, sessionID string, serverSeq uint64) error {
	_, err := c.withSession(ctx, docID, sessionID, func(r *replica, s *session) any {
		if serverSeq > s.lastAcked && serverSeq <= r.seq {
			s.lastAcked = serverSeq
		}
		s.lastSeen = time.Now()
		return nil
	})
	return err
}

// Touch 刷新会话心跳
func (c *Coordinator) Touch(ctx context.Context, docID, sessionID string) error {
	_, err := c.withSession(ctx, docID, sessionID, func(r *replica, s *session) any {
		s.lastSeen = time.Now()
		return nil
	})
	return err
}

// SetCursor 记录会话光标。pos 是客户端在 baseSeq 上看到的位置，
// 返回变换到 head 之后的位置。
func (c *Coordinator) SetCursor(ctx context.Context, docID, sessionID string, pos int, baseSeq uint64) (int, error) {
	v, err := c.exec(ctx, docID, false, func(r *replica, reply chan<- result) {
		s, ok := r.sessions[sessionID]
		if !ok {
			reply <- result{err: ErrSessionNotFound}
			return
		}
		if baseSeq > r.seq {
			reply <- result{err: fmt.Errorf("%w: base %d ahead of head %d", ErrInvalidOperation, baseSeq, r.seq)}
			return
		}
		window, err := r.window(ctx, baseSeq)
		if err != nil {
			reply <- result{err: err}
			return
		}
		for _, op := range window {
			pos = ot.TransformIndex(pos, op)
		}
		s.cursor = min(max(pos, 0), r.buf.Len())
		s.lastSeen = time.Now()
		reply <- result{val: s.cursor}
	})
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

// Content 返回文档当前内容，必要时加载副本
func (c *Coordinator) Content(ctx context.Context, docID string) (Frozen, error) {
	v, err := c.exec(ctx, docID, true, func(r *replica, reply chan<- result) {
		reply <- result{val: r.snapshot()}
	})
	if err != nil {
		return Frozen{}, err
	}
	return v.(Frozen), nil
}

// Freeze 给物化器用：拷贝当前内容并清零未落盘计数。不会加载副本。
func (c *Coordinator) Freeze(ctx context.Context, docID string) (Frozen, error) {
	v, err := c.exec(ctx, docID, false, func(r *replica, reply chan<- result) {
		reply <- result{val: r.freeze()}
	})
	if err != nil {
		return Frozen{}, err
	}
	return v.(Frozen), nil
}

// OnSnapshotPersisted 记录已落盘的版本，空闲副本据此判断能否驱逐
func (c *Coordinator) OnSnapshotPersisted(ctx context.Context, docID string, serverSeq uint64) {
	a := c.lookup(docID)
	if a == nil {
		return
	}
	_ = a.post(ctx, func(r *replica) {
		if serverSeq > r.persistedSeq {
			r.persistedSeq = serverSeq
		}
	})
}

// OnSnapshotCommitted 压缩已提交快照之前的日志，保留 Retention 条给迟到的提交做变换
func (c *Coordinator) OnSnapshotCommitted(ctx context.Context, docID string, serverSeq uint64) {
	if serverSeq <= c.opt.Retention {
		return
	}
	through := serverSeq - c.opt.Retention
	if err := c.log.Compact(ctx, docID, through); err != nil {
		c.logger.Warn().Err(err).Str("doc", docID).Uint64("through", through).Msg("compact log")
	}
}

func (c *Coordinator) broadcastControl(r *replica, u Update) {
	for _, s := range r.sessions {
		r.deliver(s, u)
	}
}

// BeginReconcile 进入独占模式：拒绝新会话，提交排队，直到 EndReconcile
func (c *Coordinator) BeginReconcile(ctx context.Context, docID string) (Frozen, error) {
	v, err := c.exec(ctx, docID, true, func(r *replica, reply chan<- result) {
		if r.locked {
			reply <- result{err: ErrDocumentLocked}
			return
		}
		r.locked = true
		c.broadcastControl(r, Update{Kind: UpdateReconcileStarted})
		reply <- result{val: r.snapshot()}
	})
	if err != nil {
		return Frozen{}, err
	}
	return v.(Frozen), nil
}

// ApplySynthetic 按顺序写入对账产生的操作，每个操作都基于写入前的 head
func (c *Coordinator) ApplySynthetic(ctx context.Context, docID string, ops []delta.Operation) (uint64, error) {
	v, err := c.exec(ctx, docID, false, func(r *replica, reply chan<- result) {
		if !r.locked {
			reply <- result{err: ErrNotReconciling}
			return
		}
		for _, op := range ops {
			op.BaseSequence = r.seq
			op.ClientSeq = r.clients[ReconcilerSession].clientSeq + 1
			if _, err := r.submit(ctx, ReconcilerSession, op); err != nil {
				reply <- result{val: r.seq, err: err}
				return
			}
		}
		reply <- result{val: r.seq}
	})
	if err != nil {
		return 0, err
	}
	return v.(uint64), nil
}

// EndReconcile 解除独占，按到达顺序处理排队的提交
func (c *Coordinator) EndReconcile(ctx context.Context, docID string, conflicts int) error {
	_, err := c.exec(ctx, docID, false, func(r *replica, reply chan<- result) {
		if !r.locked {
			reply <- result{err: ErrNotReconciling}
			return
		}
		r.locked = false
		c.broadcastControl(r, Update{Kind: UpdateReconciled, Conflicts: conflicts})
		queued := r.queued
		r.queued = nil
		for _, q := range queued {
			if err := q.ctx.Err(); err != nil {
				q.reply <- result{err: err}
				continue
			}
			if _, ok := r.sessions[q.sessionID]; !ok {
				q.reply <- result{err: ErrSessionNotFound}
				continue
			}
			applied, err := r.submit(q.ctx, q.sessionID, q.op)
			q.reply <- result{val: applied, err: err}
		}
		reply <- result{}
	})
	return err
}

// LiveDocuments 返回本节点上有活副本的文档
func (c *Coordinator) LiveDocuments() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.actors))
	for id := range c.actors {
		out = append(out, id)
	}
	return out
}

func (c *Coordinator) Sessions(ctx context.Context, docID string) ([]SessionInfo, error) {
	v, err := c.exec(ctx, docID, false, func(r *replica, reply chan<- result) {
		out := make([]SessionInfo, 0, len(r.sessions))
		for _, s := range r.sessions {
			out = append(out, SessionInfo{SessionID: s.id, LastAcked: s.lastAcked, Cursor: s.cursor, LastSeen: s.lastSeen})
		}
		reply <- result{val: out}
	})
	if err != nil {
		return nil, err
	}
	return v.([]SessionInfo), nil
}

// ReadSince 直接读日志，供断线重连追赶
func (c *Coordinator) ReadSince(ctx context.Context, docID string, since uint64) iter.Seq2[delta.Operation, error] {
	return c.log.ReadSince(ctx, docID, since)
}

// Run 周期清理空闲会话、续租并驱逐空闲副本。ctx 结束时关闭所有副本。
func (c *Coordinator) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.opt.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.closeAll()
			return nil
		case now := <-ticker.C:
			c.sweep(ctx, now)
		}
	}
}

func (c *Coordinator) snapshotActors() []*docActor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*docActor, 0, len(c.actors))
	for _, a := range c.actors {
		out = append(out, a)
	}
	return out
}

func (c *Coordinator) sweep(ctx context.Context, now time.Time) {
	for _, a := range c.snapshotActors() {
		if c.lease != nil {
			ok, err := c.lease.Renew(ctx, a.docID, c.opt.NodeID, c.opt.LeaseTTL)
			if err != nil {
				c.logger.Warn().Err(err).Str("doc", a.docID).Msg("renew lease")
			} else if !ok {
				// 租约丢了就不能再写，立即关闭
				c.logger.Error().Str("doc", a.docID).Msg("lease lost")
				_ = a.post(ctx, func(r *replica) { r.close("lease lost") })
				continue
			}
		}
		_ = a.post(ctx, func(r *replica) { r.sweep(now) })
	}
}

func (c *Coordinator) closeAll() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, a := range c.snapshotActors() {
		if err := a.post(ctx, func(r *replica) { r.close("shutdown") }); err != nil {
			continue
		}
		select {
		case <-a.done:
		case <-ctx.Done():
		}
	}
}
