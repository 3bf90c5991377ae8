package collab

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"docsync/backend/internal/logging"
	"docsync/backend/internal/metrics"
	"docsync/backend/internal/ot/delta"
	"docsync/backend/internal/store"
)

var ErrNothingToUndo = errors.New("NOTHING_TO_UNDO")

const maxUndo = 100

// Sender 是 manager 面对的传输端，调用不能阻塞在网络上
type Sender interface {
	SendRevision(ctx context.Context, rev store.Revision) error
	RequestResync(ctx context.Context, docID string, from int64) error
}

type ManagerOptions struct {
	ClientID          string
	MaxResyncAttempts int
	Listener          Listener
	Logger            *slog.Logger
	MailboxSize       int
}

// Manager 持有客户端上一个打开的文档：store、resolver 和物化的内容。
// 所有操作都在文档的 actor 上执行。
type Manager struct {
	docID    string
	st       *store.Store
	res      *Resolver
	content  Buffer
	listener Listener
	log      *slog.Logger
	act      *actor

	sender Sender
	undo   []delta.Delta

	closeOnce sync.Once
}

// OpenManager 加载文档 store 并启动 actor。日志损坏时尽量恢复，
// 并在下次 Attach 时发起 resync。
func OpenManager(ctx context.Context, st *store.Store, opts ManagerOptions) (*Manager, error) {
	res, err := st.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load doc %s: %w", st.DocumentID(), err)
	}
	doc, err := st.Materialize(ctx, st.Max())
	if err != nil {
		return nil, err
	}
	resolver, err := NewResolver(st, opts.ClientID, opts.MaxResyncAttempts)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		docID:    st.DocumentID(),
		st:       st,
		res:      resolver,
		content:  NewPieceTable(doc.Text()),
		listener: opts.Listener,
		log:      opts.Logger,
		act:      newActor(opts.MailboxSize),
	}
	if m.listener == nil {
		m.listener = nopListener{}
	}
	if m.log == nil {
		m.log = logging.For("collab")
	}
	m.log = m.log.With("doc", m.docID)

	if res.NeedsResync {
		m.log.Warn("revision log damaged, resync required",
			"from", res.ResyncFrom, "dropped", res.Dropped)
		m.res.RequestResync(res.ResyncFrom)
	}
	metrics.OpenDocuments.Inc()
	return m, nil
}

func (m *Manager) DocumentID() string { return m.docID }

// ApplyLocal 应用一次基于当前内容的本地编辑，返回承载它的暂定修订 id
func (m *Manager) ApplyLocal(ctx context.Context, d delta.Delta) (int64, error) {
	return call(ctx, m.act, func() (int64, error) {
		return m.applyLocal(ctx, d, true)
	})
}

func (m *Manager) applyLocal(ctx context.Context, d delta.Delta, record bool) (int64, error) {
	if d.BaseLen() != m.content.Len() {
		return 0, fmt.Errorf("local edit of base %d on content of %d: %w", d.BaseLen(), m.content.Len(), delta.ErrIncompatibleLength)
	}
	if d.IsNoop() {
		return m.st.Max(), nil
	}
	var inverse delta.Delta
	if record {
		inv, err := m.st.Algebra().Invert(d, delta.FromText(m.content.String()))
		if err != nil {
			return 0, err
		}
		inverse = inv
	}

	step, id, err := m.res.SubmitLocal(ctx, d)
	if err != nil {
		m.fail(ctx, err)
		return 0, err
	}
	if err := m.content.Apply(d); err != nil {
		m.fail(ctx, err)
		return 0, err
	}
	if record {
		m.undo = append(m.undo, inverse)
		if len(m.undo) > maxUndo {
			m.undo = m.undo[len(m.undo)-maxUndo:]
		}
	}
	m.listener.OnRevision(ctx, Event{
		DocumentID:     m.docID,
		RevisionID:     id,
		BaseRevisionID: id - 1,
		Delta:          d,
		Origin:         OriginLocal,
		ClientID:       m.res.clientID,
	})
	m.execute(ctx, step, nil)
	return id, nil
}

// Undo 撤销撤销栈上最近的本地编辑，之后的远端编辑保留
func (m *Manager) Undo(ctx context.Context) (int64, error) {
	return call(ctx, m.act, func() (int64, error) {
		if len(m.undo) == 0 {
			return 0, ErrNothingToUndo
		}
		inv := m.undo[len(m.undo)-1]
		m.undo = m.undo[:len(m.undo)-1]
		return m.applyLocal(ctx, inv, false)
	})
}

func (m *Manager) Content(ctx context.Context) (string, error) {
	return call(ctx, m.act, func() (string, error) {
		return m.content.String(), nil
	})
}

// Head 是 authority 最后确认的修订 id
func (m *Manager) Head() int64 { return m.st.Head() }

func (m *Manager) State(ctx context.Context) (ResolverState, error) {
	return call(ctx, m.act, func() (ResolverState, error) {
		return m.res.State(), nil
	})
}

func (m *Manager) Store() *store.Store { return m.st }

// HandleRevision 接收 authority 已提交的修订
func (m *Manager) HandleRevision(ctx context.Context, rev store.Revision) error {
	return m.act.do(ctx, func() {
		step, err := m.res.ReceiveRemote(ctx, rev)
		m.execute(ctx, step, err)
	})
}

func (m *Manager) HandleAck(ctx context.Context, id int64) error {
	return m.act.do(ctx, func() {
		step, err := m.res.Ack(ctx, id)
		m.execute(ctx, step, err)
	})
}

// HandleReject 处理 authority 拒绝 id 这条修订
func (m *Manager) HandleReject(ctx context.Context, id int64, cause error) error {
	return m.act.do(ctx, func() {
		step, err := m.res.Reject(ctx, id, cause)
		m.execute(ctx, step, err)
	})
}

// HandleResync 应用 resync 请求或订阅的应答
func (m *Manager) HandleResync(ctx context.Context, recs []store.Record) error {
	return m.act.do(ctx, func() {
		step, err := m.res.ApplyResync(ctx, recs)
		m.execute(ctx, step, err)
	})
}

// Resync 请求本地 head 之后的全部修订并重置重试次数，用于 StatusOutOfSync 后的手动重试
func (m *Manager) Resync(ctx context.Context) error {
	return m.act.do(ctx, func() {
		m.execute(ctx, m.res.RequestResync(m.st.Head()+1), nil)
	})
}

// Attach 把文档接到传输上
func (m *Manager) Attach(ctx context.Context, s Sender) error {
	return m.act.do(ctx, func() {
		m.sender = s
		step, err := m.res.Attach(ctx)
		m.execute(ctx, step, err)
	})
}

// Detach 断开文档，待确认修订留在 store 里
func (m *Manager) Detach(ctx context.Context) error {
	return m.act.do(ctx, func() {
		m.sender = nil
		m.res.Detach()
	})
}

// Compact 把 head 之前的已确认历史折叠成快照
func (m *Manager) Compact(ctx context.Context) (store.Record, error) {
	return call(ctx, m.act, func() (store.Record, error) {
		return m.st.Compact(ctx, m.st.Head())
	})
}

func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		m.act.stop()
		metrics.OpenDocuments.Dec()
	})
}

// execute 执行 resolver 的一步：先改内容，再发事件，最后交给传输
func (m *Manager) execute(ctx context.Context, step Step, err error) {
	if step.Reset != nil {
		m.content.Reset(step.Reset.Text())
		m.undo = nil
	}
	for i, d := range step.Applied {
		if aerr := m.content.Apply(d); aerr != nil {
			m.fail(ctx, aerr)
			return
		}
		m.rebaseUndo(d)
		rev := step.Remote[i]
		m.listener.OnRevision(ctx, Event{
			DocumentID:     m.docID,
			RevisionID:     rev.RevisionID,
			BaseRevisionID: rev.BaseRevisionID,
			Delta:          d,
			Origin:         OriginRemote,
			ClientID:       rev.ClientID,
		})
	}

	if step.Status != "" {
		m.listener.OnStatus(ctx, StatusEvent{DocumentID: m.docID, Status: step.Status, Err: err})
	}
	switch {
	case err == nil:
	case step.Resync != 0:
		m.log.Info("resync", "from", step.Resync, "cause", err)
	case step.Status == StatusOutOfSync:
		m.log.Error("document out of sync", "err", err)
	default:
		m.fail(ctx, err)
	}

	if m.sender == nil {
		return
	}
	if step.Resync != 0 {
		metrics.ResyncRequests.WithLabelValues("client").Inc()
		if serr := m.sender.RequestResync(ctx, m.docID, step.Resync); serr != nil {
			m.log.Warn("resync request not queued", "err", serr)
		}
	}
	if step.Send != nil {
		if serr := m.sender.SendRevision(ctx, *step.Send); serr != nil {
			m.log.Warn("revision not queued", "rev", step.Send.RevisionID, "err", serr)
		}
	}
}

// rebaseUndo 把撤销栈变换过一次远端修改，从最新的一项开始
func (m *Manager) rebaseUndo(remote delta.Delta) {
	alg := m.st.Algebra()
	out := make([]delta.Delta, 0, len(m.undo))
	for i := len(m.undo) - 1; i >= 0; i-- {
		inv, next, err := alg.Transform(m.undo[i], remote)
		if err != nil {
			m.undo = nil
			return
		}
		remote = next
		if !inv.IsNoop() {
			out = append(out, inv)
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	m.undo = out
}

func (m *Manager) fail(ctx context.Context, err error) {
	m.log.Error("document operation failed", "err", err)
	m.listener.OnStatus(ctx, StatusEvent{DocumentID: m.docID, Status: StatusFailed, Err: err})
}
