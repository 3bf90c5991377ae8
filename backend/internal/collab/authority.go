package collab

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"docsync/backend/internal/logging"
	"docsync/backend/internal/metrics"
	"docsync/backend/internal/ot/delta"
	"docsync/backend/internal/store"
)

// 负载过高时 authority 丢弃提交返回 ErrBusy
var ErrBusy = errors.New("AUTHORITY_BUSY")

const (
	DefaultTransformWindow = 16
	defaultDedupeSize      = 1024
)

// HeadRecorder 维护文档表里的 head 字段
type HeadRecorder interface {
	Touch(ctx context.Context, docID string, head int64) error
}

type AuthorityOptions struct {
	// 提交的 base 落后 head 不超过这个距离时做变换，否则拒绝
	TransformWindow int64
	CacheSize       int
	DedupeSize      int
	Algebra         delta.Algebra
	Listener        Listener
	Heads           HeadRecorder
	Logger          *slog.Logger
}

// Commit 是 authority 对一次成功提交的应答
type Commit struct {
	Revision store.Revision
	// 之前已提交过时置位，此时 Revision 是最初那次提交
	Duplicate bool
}

type dedupeKey struct {
	clientID string
	proposed int64
	checksum uint32
}

// authorityDoc 是 authority 持有的单文档状态，只在其 actor 内访问
type authorityDoc struct {
	st      *store.Store
	content Buffer
	act     *actor

	seen  map[dedupeKey]store.Revision
	order []dedupeKey
}

// Authority 负责所有文档修订的校验、变换和提交
type Authority struct {
	log  store.Log
	opts AuthorityOptions
	lg   *slog.Logger

	// mu 只保护 docs 这张表，加载文档不在锁内进行
	mu   sync.Mutex
	docs map[string]*authorityDoc

	sf    singleflight.Group
	loads singleflight.Group
}

func NewAuthority(log store.Log, opts AuthorityOptions) *Authority {
	if opts.TransformWindow <= 0 {
		opts.TransformWindow = DefaultTransformWindow
	}
	if opts.DedupeSize <= 0 {
		opts.DedupeSize = defaultDedupeSize
	}
	if opts.Listener == nil {
		opts.Listener = nopListener{}
	}
	lg := opts.Logger
	if lg == nil {
		lg = logging.For("authority")
	}
	return &Authority{
		log:  log,
		opts: opts,
		lg:   lg,
		docs: make(map[string]*authorityDoc),
	}
}

// 获取或加载指定文档的状态。同一文档的并发加载合并为一次，其他文档不受影响
func (a *Authority) doc(ctx context.Context, docID string) (*authorityDoc, error) {
	a.mu.Lock()
	ds := a.docs[docID]
	a.mu.Unlock()
	if ds != nil {
		return ds, nil
	}

	v, err, _ := a.loads.Do(docID, func() (any, error) {
		a.mu.Lock()
		ds := a.docs[docID]
		a.mu.Unlock()
		if ds != nil {
			return ds, nil
		}
		ds, err := a.load(ctx, docID)
		if err != nil {
			return nil, err
		}
		a.mu.Lock()
		a.docs[docID] = ds
		a.mu.Unlock()
		metrics.OpenDocuments.Inc()
		return ds, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*authorityDoc), nil
}

func (a *Authority) load(ctx context.Context, docID string) (*authorityDoc, error) {
	st := store.New(docID, a.log, store.Options{CacheSize: a.opts.CacheSize, Algebra: a.opts.Algebra})
	res, err := st.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load doc %s: %w", docID, err)
	}
	if res.NeedsResync {
		a.lg.Error("authority log damaged, history truncated",
			"doc", docID, "head", res.Head, "dropped", res.Dropped)
	}
	if res.Max != res.Head {
		return nil, fmt.Errorf("doc %s: authority log has unacknowledged records above %d: %w", docID, res.Head, store.ErrInvalidState)
	}
	doc, err := st.Materialize(ctx, res.Head)
	if err != nil {
		return nil, err
	}
	ds := &authorityDoc{
		st:      st,
		content: NewPieceTable(doc.Text()),
		seen:    make(map[dedupeKey]store.Revision),
	}
	// 从保留的尾部记录重建去重表，重启后的重传仍能识别
	from := max(res.Head-int64(a.opts.DedupeSize)+1, 1)
	for rec, err := range st.Range(ctx, from, res.Head) {
		if err != nil {
			return nil, fmt.Errorf("doc %s: rebuild dedupe: %w", docID, err)
		}
		if rec.Snapshot || rec.ProposedID == 0 {
			continue
		}
		key := dedupeKey{clientID: rec.Revision.ClientID, proposed: rec.ProposedID, checksum: rec.ProposedChecksum}
		ds.remember(key, rec.Revision, a.opts.DedupeSize)
	}
	ds.act = newActor(0)
	return ds, nil
}

// Submit 提交客户端修订。base 必须等于 head，或落后不超过 TransformWindow
// 且那段历史仍在，此时 delta 会在之后提交的修订上做变换；否则返回 ErrBaseMismatch。
// 同一客户端、同一提议 id 和校验和的重复提交返回最初的提交结果。
func (a *Authority) Submit(ctx context.Context, rev store.Revision) (Commit, error) {
	return a.SubmitFunc(ctx, rev, nil)
}

// SubmitFunc 同 Submit，另外在文档 actor 内、修订提交（或识别为重复）后立即执行 onCommit，
// 早于该文档任何后续提交的发布。传输层在这里给提交者排 ack，ack 就不会落在后续广播之后。
func (a *Authority) SubmitFunc(ctx context.Context, rev store.Revision, onCommit func(Commit)) (Commit, error) {
	ds, err := a.doc(ctx, rev.DocumentID)
	if err != nil {
		return Commit{}, err
	}
	start := time.Now()
	c, err := call(ctx, ds.act, func() (Commit, error) {
		c, err := a.commit(ctx, ds, rev)
		if err == nil && onCommit != nil {
			onCommit(c)
		}
		return c, err
	})
	if err == nil && !c.Duplicate {
		metrics.SubmitDuration.Observe(time.Since(start).Seconds())
	}
	return c, err
}

func (a *Authority) commit(ctx context.Context, ds *authorityDoc, rev store.Revision) (Commit, error) {
	if err := rev.Verify(); err != nil {
		metrics.RevisionsRejected.WithLabelValues("checksum").Inc()
		return Commit{}, err
	}
	key := dedupeKey{clientID: rev.ClientID, proposed: rev.RevisionID, checksum: rev.Checksum}
	if orig, ok := ds.seen[key]; ok {
		metrics.DuplicateSubmissions.Inc()
		return Commit{Revision: orig, Duplicate: true}, nil
	}

	head := ds.st.Head()
	base := rev.BaseRevisionID
	switch {
	case base > head || base < 0:
		metrics.RevisionsRejected.WithLabelValues("base_mismatch").Inc()
		return Commit{}, fmt.Errorf("doc %s: base %d beyond head %d: %w", rev.DocumentID, base, head, ErrBaseMismatch)
	case head-base > a.opts.TransformWindow:
		metrics.RevisionsRejected.WithLabelValues("base_mismatch").Inc()
		return Commit{}, fmt.Errorf("doc %s: base %d is %d behind head %d: %w", rev.DocumentID, base, head-base, head, ErrBaseMismatch)
	}

	d := rev.Delta
	if base < head {
		var err error
		if d, err = a.transformOver(ctx, ds, d, base, head); err != nil {
			metrics.RevisionsRejected.WithLabelValues("base_mismatch").Inc()
			return Commit{}, err
		}
	}
	if d.BaseLen() != ds.content.Len() {
		metrics.RevisionsRejected.WithLabelValues("invalid").Inc()
		return Commit{}, fmt.Errorf("doc %s: delta base %d, document %d: %w", rev.DocumentID, d.BaseLen(), ds.content.Len(), delta.ErrIncompatibleLength)
	}

	committed, err := store.Revision{
		DocumentID:     rev.DocumentID,
		RevisionID:     head + 1,
		BaseRevisionID: head,
		Delta:          d,
		ClientID:       rev.ClientID,
	}.Seal()
	if err != nil {
		return Commit{}, err
	}
	rec := store.Record{
		Revision:         committed,
		State:            store.StateAcked,
		ProposedID:       rev.RevisionID,
		ProposedChecksum: rev.Checksum,
	}
	if err := ds.st.Append(ctx, rec); err != nil {
		return Commit{}, err
	}
	if err := ds.content.Apply(d); err != nil {
		// 日志里已经有了，下次加载会重建内容
		a.lg.Error("apply committed delta", "doc", rev.DocumentID, "rev", committed.RevisionID, "err", err)
	}
	ds.remember(key, committed, a.opts.DedupeSize)
	metrics.RevisionsCommitted.Inc()

	if a.opts.Heads != nil {
		if err := a.opts.Heads.Touch(ctx, rev.DocumentID, committed.RevisionID); err != nil {
			a.lg.Warn("record head", "doc", rev.DocumentID, "rev", committed.RevisionID, "err", err)
		}
	}
	a.opts.Listener.OnRevision(ctx, Event{
		DocumentID:     committed.DocumentID,
		RevisionID:     committed.RevisionID,
		BaseRevisionID: committed.BaseRevisionID,
		Delta:          committed.Delta,
		Origin:         OriginAuthority,
		ClientID:       committed.ClientID,
	})
	return Commit{Revision: committed}, nil
}

// transformOver 把基于 base 的 d 依次变换过 (base, head] 的每条修订，已提交的优先
func (a *Authority) transformOver(ctx context.Context, ds *authorityDoc, d delta.Delta, base, head int64) (delta.Delta, error) {
	alg := ds.st.Algebra()
	next := base + 1
	for rec, err := range ds.st.Range(ctx, base+1, head) {
		if err != nil {
			return nil, err
		}
		if rec.Snapshot || rec.ID() != next {
			return nil, fmt.Errorf("doc %s: history after %d compacted: %w", ds.st.DocumentID(), base, ErrBaseMismatch)
		}
		if _, d, err = alg.Transform(rec.Revision.Delta, d); err != nil {
			return nil, fmt.Errorf("doc %s: transform over rev %d: %w: %w", ds.st.DocumentID(), rec.ID(), ErrBaseMismatch, err)
		}
		next++
	}
	return d, nil
}

func (ds *authorityDoc) remember(key dedupeKey, rev store.Revision, size int) {
	if key.clientID == "" {
		return
	}
	ds.seen[key] = rev
	ds.order = append(ds.order, key)
	if len(ds.order) > size {
		delete(ds.seen, ds.order[0])
		ds.order = ds.order[1:]
	}
}

// Since 返回从 from 开始的已确认记录；from 落在压缩历史内时以快照开头。
// 同一区间的并发调用共用一次读取。
func (a *Authority) Since(ctx context.Context, docID string, from int64) ([]store.Record, error) {
	ds, err := a.doc(ctx, docID)
	if err != nil {
		return nil, err
	}
	metrics.ResyncRequests.WithLabelValues("authority").Inc()
	v, err, _ := a.sf.Do(docID+":"+strconv.FormatInt(from, 10), func() (any, error) {
		var out []store.Record
		for rec, err := range ds.st.Range(ctx, from, ds.st.Head()) {
			if err != nil {
				return nil, err
			}
			out = append(out, rec)
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]store.Record), nil
}

// Range 返回 from <= id <= to 的已确认记录
func (a *Authority) Range(ctx context.Context, docID string, from, to int64) ([]store.Record, error) {
	ds, err := a.doc(ctx, docID)
	if err != nil {
		return nil, err
	}
	var out []store.Record
	for rec, err := range ds.st.Range(ctx, from, min(to, ds.st.Head())) {
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Content 返回当前文本和 head
func (a *Authority) Content(ctx context.Context, docID string) (string, int64, error) {
	ds, err := a.doc(ctx, docID)
	if err != nil {
		return "", 0, err
	}
	type view struct {
		text string
		head int64
	}
	v, err := call(ctx, ds.act, func() (view, error) {
		return view{text: ds.content.String(), head: ds.st.Head()}, nil
	})
	return v.text, v.head, err
}

func (a *Authority) Head(ctx context.Context, docID string) (int64, error) {
	ds, err := a.doc(ctx, docID)
	if err != nil {
		return 0, err
	}
	return ds.st.Head(), nil
}

// Compact 把 upTo 之前的历史折叠进文档快照
func (a *Authority) Compact(ctx context.Context, docID string, upTo int64) (store.Record, error) {
	ds, err := a.doc(ctx, docID)
	if err != nil {
		return store.Record{}, err
	}
	return call(ctx, ds.act, func() (store.Record, error) {
		return ds.st.Compact(ctx, upTo)
	})
}

// SaveSnapshot 压缩变换窗口之外的全部历史，窗口内的提交仍可变换
func (a *Authority) SaveSnapshot(ctx context.Context, docID string) (store.Record, error) {
	head, err := a.Head(ctx, docID)
	if err != nil {
		return store.Record{}, err
	}
	return a.Compact(ctx, docID, head-a.opts.TransformWindow)
}

// Documents 列出当前已加载的文档 id
func (a *Authority) Documents() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := make([]string, 0, len(a.docs))
	for id := range a.docs {
		ids = append(ids, id)
	}
	return ids
}

// Close 停掉所有文档 actor
func (a *Authority) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for id, ds := range a.docs {
		ds.act.stop()
		delete(a.docs, id)
		metrics.OpenDocuments.Dec()
	}
}

// IsReject 判断 err 是否为客户端可通过 resync 恢复的拒绝，而非服务端故障
func IsReject(err error) bool {
	return errors.Is(err, ErrBaseMismatch) ||
		errors.Is(err, store.ErrChecksumMismatch) ||
		errors.Is(err, delta.ErrIncompatibleLength)
}
