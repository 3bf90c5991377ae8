package collab

import (
	"context"
	"errors"
	"fmt"

	"docsync/backend/internal/ot/delta"
	"docsync/backend/internal/store"
)

var (
	ErrBaseMismatch = errors.New("BASE_MISMATCH")
	ErrOutOfSync    = errors.New("OUT_OF_SYNC")
)

const DefaultMaxResyncAttempts = 5

type ResolverState int

const (
	StateIdle ResolverState = iota
	// StateComposing：本地编辑堆在 buffer 里，没有在途修订（未连上发送端）
	StateComposing
	// StateAwaitingAck：恰好一条修订在途
	StateAwaitingAck
)

func (s ResolverState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateComposing:
		return "composing"
	case StateAwaitingAck:
		return "awaiting_ack"
	}
	return fmt.Sprintf("resolver_state(%d)", int(s))
}

// Step 告诉 manager 一次状态转换之后要做什么
type Step struct {
	// 依次应用到本地内容的 delta
	Applied []delta.Delta
	// Applied 对应的权威修订
	Remote []store.Revision
	// 重放 Applied 之前先用它替换本地内容
	Reset *delta.Delta
	// 交给传输层发送的修订
	Send *store.Revision
	// 向 authority 请求从这个 id 开始的修订
	Resync int64
	Acked  int64
	Status Status
}

func (s *Step) merge(o Step) {
	if o.Reset != nil {
		s.Reset = o.Reset
		s.Applied = nil
		s.Remote = nil
	}
	s.Applied = append(s.Applied, o.Applied...)
	s.Remote = append(s.Remote, o.Remote...)
	if o.Send != nil {
		s.Send = o.Send
	}
	if o.Resync != 0 {
		s.Resync = o.Resync
	}
	if o.Acked != 0 {
		s.Acked = o.Acked
	}
	if o.Status != "" {
		s.Status = o.Status
	}
}

// Resolver 协调本地待确认修订（一条在途加一个 buffer）与 authority 已提交的修订。
// 平局时远端总是优先：本地编辑在远端之上变换，反过来不行。
//
// 非并发安全，由文档的 manager 独占。
type Resolver struct {
	st        *store.Store
	alg       delta.Algebra
	clientID  string
	maxResync int

	state    ResolverState
	attached bool
	inflight *store.Record
	buffer   *store.Record
	// 在途修订最后一次发出时的原样；变基改的是 inflight，不动这份
	sentRev *store.Revision

	attempts      int
	resendOnSync  bool
	awaitingSync  bool
	lastResyncReq int64

	// resync 未完成时重新连上：应答落地后重发 sentRev
	retransmit bool
}

// NewResolver 接手 store 里遗留的待确认记录
func NewResolver(st *store.Store, clientID string, maxResync int) (*Resolver, error) {
	if maxResync <= 0 {
		maxResync = DefaultMaxResyncAttempts
	}
	r := &Resolver{
		st:        st,
		alg:       st.Algebra(),
		clientID:  clientID,
		maxResync: maxResync,
	}
	pending := st.Pending()
	if len(pending) > 2 {
		return nil, fmt.Errorf("doc %s: %d pending records: %w", st.DocumentID(), len(pending), store.ErrInvalidState)
	}
	for i := range pending {
		rec := pending[i]
		switch {
		case rec.State == store.StateSync && r.inflight == nil && r.buffer == nil:
			r.inflight = &rec
			r.sentRev = &rec.Revision
		case rec.State == store.StateLocal && r.buffer == nil:
			r.buffer = &rec
		default:
			return nil, fmt.Errorf("doc %s: unexpected pending rev %d (%s): %w",
				st.DocumentID(), rec.ID(), rec.State, store.ErrInvalidState)
		}
	}
	r.settle()
	return r, nil
}

func (r *Resolver) State() ResolverState { return r.state }

func (r *Resolver) Inflight() (store.Revision, bool) {
	if r.inflight == nil {
		return store.Revision{}, false
	}
	return r.inflight.Revision, true
}

func (r *Resolver) settle() {
	switch {
	case r.inflight != nil:
		r.state = StateAwaitingAck
	case r.buffer != nil:
		r.state = StateComposing
	default:
		r.state = StateIdle
	}
}

// SubmitLocal 记录一次叠在所有待确认编辑之上的本地编辑
func (r *Resolver) SubmitLocal(ctx context.Context, d delta.Delta) (Step, int64, error) {
	if r.buffer != nil {
		rec, err := r.st.Amend(ctx, r.buffer.ID(), d)
		if err != nil {
			return Step{}, 0, err
		}
		r.buffer = &rec
	} else {
		id := r.st.Max() + 1
		rev, err := store.Revision{
			DocumentID:     r.st.DocumentID(),
			RevisionID:     id,
			BaseRevisionID: id - 1,
			Delta:          d,
			ClientID:       r.clientID,
		}.Seal()
		if err != nil {
			return Step{}, 0, err
		}
		rec := store.Record{Revision: rev, State: store.StateLocal}
		if err := r.st.Append(ctx, rec); err != nil {
			return Step{}, 0, err
		}
		r.buffer = &rec
	}
	id := r.buffer.ID()

	var step Step
	if r.inflight == nil && r.attached && !r.awaitingSync {
		send, err := r.promote(ctx)
		if err != nil {
			return Step{}, id, err
		}
		step.Send = send
	}
	r.settle()
	return step, id, nil
}

// promote 把 buffer 转为在途
func (r *Resolver) promote(ctx context.Context) (*store.Revision, error) {
	if err := r.st.MarkSync(ctx, r.buffer.ID()); err != nil {
		return nil, err
	}
	rec := *r.buffer
	rec.State = store.StateSync
	r.inflight, r.buffer = &rec, nil
	rev := rec.Revision
	r.sentRev = &rev
	return &rev, nil
}

// ReceiveRemote 应用一条已提交修订，其 base 必须等于本地 head；
// id 不超过 head 的视为重复，直接忽略。
func (r *Resolver) ReceiveRemote(ctx context.Context, rev store.Revision) (Step, error) {
	// resync 已在路上：跳号的修订会由应答补齐，不再另起 resync，也不计次数
	if r.awaitingSync && rev.RevisionID > r.st.Head()+1 {
		return Step{}, nil
	}
	return r.receive(ctx, rev)
}

func (r *Resolver) receive(ctx context.Context, rev store.Revision) (Step, error) {
	head := r.st.Head()
	if rev.RevisionID <= head {
		return Step{}, nil
	}
	if rev.RevisionID != head+1 || rev.BaseRevisionID != head {
		return r.resync(fmt.Errorf("doc %s: remote rev %d on base %d, head %d: %w",
			rev.DocumentID, rev.RevisionID, rev.BaseRevisionID, head, ErrBaseMismatch))
	}
	if err := rev.Verify(); err != nil {
		return r.resync(err)
	}
	// 自己的修订，ack 之前先从 resync 里看到了
	if r.inflight != nil && rev.ClientID != "" && rev.ClientID == r.clientID {
		return r.Ack(ctx, rev.RevisionID)
	}

	remote := rev.Delta
	var pending []delta.Delta
	for _, rec := range []*store.Record{r.inflight, r.buffer} {
		if rec == nil {
			continue
		}
		var (
			mine delta.Delta
			err  error
		)
		remote, mine, err = r.alg.Transform(remote, rec.Revision.Delta)
		if err != nil {
			return r.resync(fmt.Errorf("doc %s: transform rev %d over pending %d: %w",
				rev.DocumentID, rev.RevisionID, rec.ID(), err))
		}
		pending = append(pending, mine)
	}

	out, err := r.st.Rebase(ctx, rev, pending)
	if err != nil {
		return Step{}, err
	}
	i := 0
	if r.inflight != nil {
		r.inflight = &out[i]
		i++
	}
	if r.buffer != nil {
		r.buffer = &out[i]
	}
	return Step{Applied: []delta.Delta{remote}, Remote: []store.Revision{rev}}, nil
}

// Ack 以权威 id 确认在途修订
func (r *Resolver) Ack(ctx context.Context, id int64) (Step, error) {
	if r.inflight == nil || id != r.inflight.ID() {
		if id <= r.st.Head() {
			return Step{}, nil
		}
		return r.resync(fmt.Errorf("doc %s: ack %d, in flight %v: %w", r.st.DocumentID(), id, r.inflightID(), ErrOutOfSync))
	}
	if err := r.st.Ack(ctx, id); err != nil {
		return Step{}, err
	}
	r.inflight = nil
	r.sentRev = nil
	r.attempts = 0
	r.resendOnSync = false
	r.retransmit = false

	step := Step{Acked: id}
	if r.buffer != nil && r.attached && !r.awaitingSync {
		send, err := r.promote(ctx)
		if err != nil {
			return step, err
		}
		step.Send = send
	}
	r.settle()
	return step, nil
}

// Reject 处理 authority 因 base 过期拒绝的修订：先追上，再重发。
func (r *Resolver) Reject(ctx context.Context, id int64, cause error) (Step, error) {
	if r.inflight == nil || r.sentRev == nil || id != r.sentRev.RevisionID {
		return Step{}, nil
	}
	r.resendOnSync = true
	return r.resync(fmt.Errorf("doc %s: rev %d rejected: %w", r.st.DocumentID(), id, cause))
}

func (r *Resolver) inflightID() int64 {
	if r.inflight == nil {
		return 0
	}
	return r.inflight.ID()
}

func (r *Resolver) resync(cause error) (Step, error) {
	r.attempts++
	if r.attempts > r.maxResync {
		return Step{Status: StatusOutOfSync}, fmt.Errorf("%d resync attempts: %w: %w", r.attempts-1, ErrOutOfSync, cause)
	}
	r.awaitingSync = true
	r.lastResyncReq = r.st.Head() + 1
	return Step{Resync: r.lastResyncReq, Status: StatusResyncing}, cause
}

// RequestResync 在没有触发错误时发起 resync（加载发现日志损坏，或手动重试）
func (r *Resolver) RequestResync(from int64) Step {
	r.awaitingSync = true
	r.attempts = 0
	r.lastResyncReq = from
	return Step{Resync: from, Status: StatusResyncing}
}

// ApplyResync 重放 authority 对 resync 的应答。开头的快照若越过本地 head，
// 就替换本地历史；待确认编辑无法在快照上变换，只能丢弃。
func (r *Resolver) ApplyResync(ctx context.Context, recs []store.Record) (Step, error) {
	var step Step
	if len(recs) > 0 && recs[0].Snapshot {
		snap := recs[0]
		recs = recs[1:]
		if snap.ID() > r.st.Head() {
			dropped, err := r.st.InstallSnapshot(ctx, snap)
			if err != nil {
				return step, err
			}
			doc := snap.Revision.Delta
			step.Reset = &doc
			if len(dropped) > 0 {
				step.Status = StatusReset
			}
			r.inflight, r.buffer, r.sentRev = nil, nil, nil
			r.resendOnSync, r.retransmit = false, false
		}
	}
	for _, rec := range recs {
		next, err := r.receive(ctx, rec.Revision)
		step.merge(next)
		if err != nil {
			return step, err
		}
	}

	r.awaitingSync = false
	if !r.resendOnSync {
		r.attempts = 0
	}
	switch {
	case r.inflight != nil && r.resendOnSync && r.attached:
		rev := r.inflight.Revision
		r.sentRev = &rev
		step.Send = &rev
		r.resendOnSync, r.retransmit = false, false
	case r.inflight != nil && r.retransmit && r.sentRev != nil && r.attached:
		rev := *r.sentRev
		step.Send = &rev
		r.retransmit = false
	case r.inflight == nil && r.buffer != nil && r.attached:
		send, err := r.promote(ctx)
		if err != nil {
			return step, err
		}
		step.Send = send
	}
	if step.Status == StatusResyncing {
		step.Status = ""
	}
	r.settle()
	return step, nil
}

// Attach 标记传输可用。未确认的修订按首次发送的原样逐字节重发，
// 让 authority 能识别重复；resync 未完成时什么都不发，等应答落地。
func (r *Resolver) Attach(ctx context.Context) (Step, error) {
	r.attached = true
	var step Step
	switch {
	case r.awaitingSync:
		r.retransmit = r.inflight != nil
	case r.inflight != nil:
		if r.sentRev == nil {
			rev := r.inflight.Revision
			r.sentRev = &rev
		}
		rev := *r.sentRev
		step.Send = &rev
	case r.buffer != nil:
		send, err := r.promote(ctx)
		if err != nil {
			return step, err
		}
		step.Send = send
	}
	r.settle()
	return step, nil
}

// Detach 断开传输，在途记录在 store 中保持 Sync
func (r *Resolver) Detach() {
	r.attached = false
}
