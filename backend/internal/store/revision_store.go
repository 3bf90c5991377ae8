package store

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"math"
	"sync"

	"docsync/backend/internal/ot/delta"
)

const DefaultCacheSize = 256

type Options struct {
	// 内存中最多保留多少条已确认记录，更早的按需从日志读回
	CacheSize int
	Algebra   delta.Algebra
}

// LoadResult 描述 Load 从日志恢复出的状态
type LoadResult struct {
	Head        int64
	Max         int64
	NeedsResync bool
	ResyncFrom  int64
	// 损坏记录及其之后被丢弃的条数
	Dropped int
}

// Store 是单个文档的修订账本：持久化 Log 之上的一段内存窗口。
// 写者串行；读者不会看到写了一半的修改或压缩。
type Store struct {
	docID     string
	log       Log
	alg       delta.Algebra
	cacheSize int

	wmu sync.Mutex // 单写者

	mu       sync.RWMutex
	snapshot *Record
	// (snapshot, evicted] 区间的记录只在日志里
	evicted int64
	records []Record
	head    int64
}

func New(docID string, log Log, opts Options) *Store {
	if opts.CacheSize <= 0 {
		opts.CacheSize = DefaultCacheSize
	}
	if opts.Algebra.Attrs == nil {
		opts.Algebra = delta.Default
	}
	return &Store{
		docID:     docID,
		log:       log,
		alg:       opts.Algebra,
		cacheSize: opts.CacheSize,
	}
}

func (s *Store) DocumentID() string { return s.docID }

func (s *Store) Algebra() delta.Algebra { return s.alg }

// Head 返回连续已确认前缀的最大 id
func (s *Store) Head() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.head
}

func (s *Store) Max() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.maxLocked()
}

func (s *Store) maxLocked() int64 {
	return s.evicted + int64(len(s.records))
}

// Pending 按 id 顺序返回 Head 之上的记录
func (s *Store) Pending() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx := s.head - s.evicted
	out := make([]Record, len(s.records)-int(idx))
	copy(out, s.records[idx:])
	return out
}

func (s *Store) Snapshot() (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.snapshot == nil {
		return Record{}, false
	}
	return *s.snapshot, true
}

// Load 从日志重建内存视图并逐条校验。遇到第一条损坏记录时丢弃其后的日志，
// 并告知调用方从恢复出的 head 开始 resync；快照损坏则全部丢弃。
func (s *Store) Load(ctx context.Context) (LoadResult, error) {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	var (
		res  LoadResult
		snap *Record
		from int64 = 1
	)
	_, raw, err := s.log.GetSnapshot(ctx, s.docID)
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return res, err
	default:
		rec, err := unmarshalRecord(raw)
		if err != nil {
			if !errors.Is(err, ErrChecksumMismatch) {
				return res, err
			}
			if err := s.log.DeleteRange(ctx, s.docID, 1, math.MaxInt64); err != nil {
				return res, err
			}
			// 用空快照覆盖损坏的那份，下次加载不再命中
			if err := s.resetSnapshot(ctx); err != nil {
				return res, err
			}
			s.install(nil, 0, nil)
			res.NeedsResync = true
			res.ResyncFrom = 1
			return res, nil
		}
		if rec.ID() > 0 {
			snap = &rec
			from = rec.ID() + 1
			// 压缩中途崩溃可能留下已折叠的旧记录
			if err := s.log.DeleteRange(ctx, s.docID, 1, rec.ID()); err != nil {
				return res, err
			}
		}
	}

	entries, err := s.log.GetRange(ctx, s.docID, from, math.MaxInt64)
	if err != nil {
		return res, err
	}
	records := make([]Record, 0, len(entries))
	next := from
	for i, e := range entries {
		rec, err := unmarshalRecord(e.Data)
		if err == nil && (rec.ID() != next || e.RevisionID != next) {
			err = fmt.Errorf("doc %s: found rev %d, want %d: %w", s.docID, e.RevisionID, next, ErrOutOfOrder)
		}
		if err != nil {
			if !errors.Is(err, ErrChecksumMismatch) && !errors.Is(err, ErrOutOfOrder) {
				return res, err
			}
			if err := s.log.DeleteRange(ctx, s.docID, next, math.MaxInt64); err != nil {
				return res, err
			}
			res.NeedsResync = true
			res.Dropped = len(entries) - i
			break
		}
		records = append(records, rec)
		next++
	}

	var base int64
	if snap != nil {
		base = snap.ID()
	}
	s.install(snap, base, records)

	s.mu.RLock()
	res.Head = s.head
	res.Max = s.maxLocked()
	s.mu.RUnlock()
	if res.NeedsResync {
		res.ResyncFrom = res.Head + 1
	}
	return res, nil
}

func (s *Store) install(snap *Record, evicted int64, records []Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshot = snap
	s.evicted = evicted
	s.records = records
	s.head = evicted
	s.advanceHeadLocked()
	s.evictLocked()
}

// Append 追加下一条记录，id 必须正好是 Max()+1
func (s *Store) Append(ctx context.Context, rec Record) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	if rec.Snapshot {
		return fmt.Errorf("append snapshot rev %d: %w", rec.ID(), ErrInvalidState)
	}
	if rec.Revision.DocumentID != s.docID {
		return fmt.Errorf("append doc %q to store of %q: %w", rec.Revision.DocumentID, s.docID, ErrInvalidState)
	}
	if last := s.Max(); rec.ID() != last+1 {
		return fmt.Errorf("append rev %d after %d: %w", rec.ID(), last, ErrOutOfOrder)
	}
	if err := rec.Revision.Verify(); err != nil {
		return err
	}
	if err := s.persist(ctx, rec); err != nil {
		return err
	}

	s.mu.Lock()
	s.records = append(s.records, rec)
	s.advanceHeadLocked()
	s.evictLocked()
	s.mu.Unlock()
	return nil
}

// Ack 把 id 标记为已确认，重复确认无副作用
func (s *Store) Ack(ctx context.Context, id int64) error {
	return s.transition(ctx, id, StateAcked)
}

// MarkSync 把 Local 记录改为 Sync，Sync 和 Acked 保持不变
func (s *Store) MarkSync(ctx context.Context, id int64) error {
	return s.transition(ctx, id, StateSync)
}

func (s *Store) transition(ctx context.Context, id int64, to State) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	s.mu.RLock()
	last, evicted := s.maxLocked(), s.evicted
	var rec Record
	if id > evicted && id <= last {
		rec = s.records[id-evicted-1]
	}
	s.mu.RUnlock()

	if id < 1 || id > last {
		return fmt.Errorf("doc %s rev %d: %w", s.docID, id, ErrNotFound)
	}
	// 被换出或压缩的记录必然已确认
	if id <= evicted || rec.State >= to {
		return nil
	}
	rec.State = to
	if err := s.persist(ctx, rec); err != nil {
		return err
	}

	s.mu.Lock()
	s.records[id-s.evicted-1] = rec
	s.advanceHeadLocked()
	s.evictLocked()
	s.mu.Unlock()
	return nil
}

// Amend 把 d 合并进一条 Local 记录并重新计算校验和
func (s *Store) Amend(ctx context.Context, id int64, d delta.Delta) (Record, error) {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	s.mu.RLock()
	var (
		rec   Record
		found bool
	)
	if id > s.evicted && id <= s.maxLocked() {
		rec, found = s.records[id-s.evicted-1], true
	}
	s.mu.RUnlock()

	if !found {
		return Record{}, fmt.Errorf("amend doc %s rev %d: %w", s.docID, id, ErrNotFound)
	}
	if rec.State != StateLocal {
		return Record{}, fmt.Errorf("amend doc %s rev %d in state %s: %w", s.docID, id, rec.State, ErrInvalidState)
	}
	composed, err := s.alg.Compose(rec.Revision.Delta, d)
	if err != nil {
		return Record{}, err
	}
	rec.Revision.Delta = composed
	if rec.Revision, err = rec.Revision.Seal(); err != nil {
		return Record{}, err
	}
	if err := s.persist(ctx, rec); err != nil {
		return Record{}, err
	}

	s.mu.Lock()
	s.records[id-s.evicted-1] = rec
	s.mu.Unlock()
	return rec, nil
}

// Rebase 把权威修订插到 Head()+1，所有待确认记录的 id 后移一位，
// delta 换成 pending 中对应的一项（调用方已完成变换），base 指向前一条。
// 返回变基后的记录。
func (s *Store) Rebase(ctx context.Context, remote Revision, pending []delta.Delta) ([]Record, error) {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	s.mu.RLock()
	head, last := s.head, s.maxLocked()
	old := make([]Record, last-head)
	copy(old, s.records[head-s.evicted:])
	s.mu.RUnlock()

	if remote.RevisionID != head+1 {
		return nil, fmt.Errorf("rebase onto rev %d, head %d: %w", remote.RevisionID, head, ErrOutOfOrder)
	}
	if len(pending) != len(old) {
		return nil, fmt.Errorf("rebase %d deltas over %d pending records: %w", len(pending), len(old), ErrInvalidState)
	}
	if err := remote.Verify(); err != nil {
		return nil, err
	}

	out := make([]Record, 0, len(old)+1)
	out = append(out, Record{Revision: remote, State: StateAcked})
	prev := remote.RevisionID
	for i, d := range pending {
		rev := old[i].Revision
		rev.RevisionID = prev + 1
		rev.BaseRevisionID = prev
		rev.Delta = d
		rev, err := rev.Seal()
		if err != nil {
			return nil, err
		}
		out = append(out, Record{Revision: rev, State: old[i].State})
		prev = rev.RevisionID
	}
	// Put 会覆盖，id 只增不减，无需先删
	for _, rec := range out {
		if err := s.persist(ctx, rec); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	records := make([]Record, 0, int(head-s.evicted)+len(out))
	records = append(records, s.records[:head-s.evicted]...)
	s.records = append(records, out...)
	s.advanceHeadLocked()
	s.evictLocked()
	s.mu.Unlock()
	return out[1:], nil
}

// Compact 把快照和 min(upTo, Head()) 之前的已确认记录折叠成新快照，
// 返回当前快照（没有快照且无可折叠时返回零值）。
func (s *Store) Compact(ctx context.Context, upTo int64) (Record, error) {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	s.mu.RLock()
	prev, head := s.snapshot, s.head
	s.mu.RUnlock()

	var (
		base int64
		doc  delta.Delta
	)
	if prev != nil {
		base, doc = prev.ID(), prev.Revision.Delta
	}
	cutoff := min(upTo, head)
	if cutoff <= base {
		if prev == nil {
			return Record{}, nil
		}
		return *prev, nil
	}

	for rec, err := range s.Range(ctx, base+1, cutoff) {
		if err != nil {
			return Record{}, err
		}
		if doc, err = s.alg.Compose(doc, rec.Revision.Delta); err != nil {
			return Record{}, fmt.Errorf("compact doc %s at rev %d: %w", s.docID, rec.ID(), err)
		}
	}

	rev, err := Revision{DocumentID: s.docID, RevisionID: cutoff, Delta: doc}.Seal()
	if err != nil {
		return Record{}, err
	}
	snap := Record{Revision: rev, State: StateAcked, Snapshot: true}
	raw, err := marshalRecord(snap)
	if err != nil {
		return Record{}, err
	}
	if err := s.log.PutSnapshot(ctx, s.docID, cutoff, raw); err != nil {
		return Record{}, err
	}

	// 先切换内存视图再删日志：读者要么看到旧视图（日志还在），要么看到新快照
	s.mu.Lock()
	if cutoff > s.evicted {
		rest := s.records[cutoff-s.evicted:]
		s.records = append(make([]Record, 0, len(rest)), rest...)
		s.evicted = cutoff
	}
	s.snapshot = &snap
	s.mu.Unlock()

	// 删除失败只留下冗余记录，Load 会按快照清掉
	if err := s.log.DeleteRange(ctx, s.docID, base+1, cutoff); err != nil {
		return snap, err
	}
	return snap, nil
}

// InstallSnapshot 用 snap 替换整段本地历史，通常是 resync 时 authority
// 给出的、越过本地 head 的快照。待确认记录被丢弃并返回。
func (s *Store) InstallSnapshot(ctx context.Context, snap Record) ([]Record, error) {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	if !snap.Snapshot || snap.Revision.DocumentID != s.docID {
		return nil, fmt.Errorf("install snapshot rev %d: %w", snap.ID(), ErrInvalidState)
	}
	if err := snap.Revision.Verify(); err != nil {
		return nil, err
	}
	snap.State = StateAcked

	raw, err := marshalRecord(snap)
	if err != nil {
		return nil, err
	}
	if err := s.log.PutSnapshot(ctx, s.docID, snap.ID(), raw); err != nil {
		return nil, err
	}
	if err := s.log.DeleteRange(ctx, s.docID, 1, math.MaxInt64); err != nil {
		return nil, err
	}

	dropped := s.Pending()
	s.install(&snap, snap.ID(), nil)
	return dropped, nil
}

// Range 按升序产出 lo <= id <= hi 的记录。lo 落在快照内时先产出快照，
// 代替被它折叠的那些修订。每次迭代都重新读取当前视图。
func (s *Store) Range(ctx context.Context, lo, hi int64) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		recs, err := s.collect(ctx, lo, hi)
		if err != nil {
			yield(Record{}, err)
			return
		}
		for _, rec := range recs {
			if !yield(rec, nil) {
				return
			}
		}
	}
}

func (s *Store) collect(ctx context.Context, lo, hi int64) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	lo = max(lo, 1)
	hi = min(hi, s.maxLocked())
	var out []Record
	if s.snapshot != nil && lo <= s.snapshot.ID() {
		out = append(out, *s.snapshot)
		lo = s.snapshot.ID() + 1
	}
	if lo > hi {
		return out, nil
	}
	if lo <= s.evicted {
		top := min(hi, s.evicted)
		entries, err := s.log.GetRange(ctx, s.docID, lo, top)
		if err != nil {
			return nil, err
		}
		// 日志返回的必须正好是 lo..top，缺一条都不能当完整历史交出去
		if int64(len(entries)) != top-lo+1 {
			return nil, fmt.Errorf("doc %s: log returned %d revs for %d..%d: %w", s.docID, len(entries), lo, top, ErrOutOfOrder)
		}
		for i, e := range entries {
			rec, err := unmarshalRecord(e.Data)
			if err != nil {
				return nil, err
			}
			if want := lo + int64(i); e.RevisionID != want || rec.ID() != want {
				return nil, fmt.Errorf("doc %s: found rev %d, want %d: %w", s.docID, e.RevisionID, want, ErrOutOfOrder)
			}
			out = append(out, rec)
		}
		lo = top + 1
	}
	for id := lo; id <= hi; id++ {
		out = append(out, s.records[id-s.evicted-1])
	}
	return out, nil
}

// Materialize 把 upTo 之前的历史折叠成文档 delta
func (s *Store) Materialize(ctx context.Context, upTo int64) (delta.Delta, error) {
	var doc delta.Delta
	for rec, err := range s.Range(ctx, 1, upTo) {
		if err != nil {
			return nil, err
		}
		if rec.Snapshot {
			doc = rec.Revision.Delta
			continue
		}
		if doc, err = s.alg.Compose(doc, rec.Revision.Delta); err != nil {
			return nil, fmt.Errorf("materialize doc %s at rev %d: %w", s.docID, rec.ID(), err)
		}
	}
	return doc, nil
}

func (s *Store) resetSnapshot(ctx context.Context) error {
	rev, err := Revision{DocumentID: s.docID}.Seal()
	if err != nil {
		return err
	}
	raw, err := marshalRecord(Record{Revision: rev, State: StateAcked, Snapshot: true})
	if err != nil {
		return err
	}
	return s.log.PutSnapshot(ctx, s.docID, 0, raw)
}

func (s *Store) persist(ctx context.Context, rec Record) error {
	raw, err := marshalRecord(rec)
	if err != nil {
		return err
	}
	return s.log.Put(ctx, s.docID, rec.ID(), raw)
}

func (s *Store) advanceHeadLocked() {
	for s.head < s.maxLocked() && s.records[s.head-s.evicted].State == StateAcked {
		s.head++
	}
}

// evictLocked 从窗口头部换出已确认记录
func (s *Store) evictLocked() {
	for len(s.records) > s.cacheSize && s.records[0].ID() <= s.head {
		s.evicted = s.records[0].ID()
		s.records = s.records[1:]
	}
}
