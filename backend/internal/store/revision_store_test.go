package store

import (
	"context"
	"encoding/json"
	"testing"

	"docsync/backend/internal/ot/delta"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDoc = "doc-1"

// corrupt rewrites a stored record so its content no longer matches the
// checksum.
func (m *MemoryLog) corrupt(docID string, revID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[docID][revID] = tamper(m.docs[docID][revID])
}

func (m *MemoryLog) corruptSnapshot(docID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.snapshots[docID]
	s.data = tamper(s.data)
	m.snapshots[docID] = s
}

func tamper(data []byte) []byte {
	var p persisted
	if err := json.Unmarshal(data, &p); err != nil {
		return []byte("garbage")
	}
	p.BaseRevisionID += 100
	out, _ := json.Marshal(p)
	return out
}

func sealed(t *testing.T, id, base int64, d delta.Delta) Revision {
	t.Helper()
	rev, err := Revision{DocumentID: testDoc, RevisionID: id, BaseRevisionID: base, Delta: d, ClientID: "c1"}.Seal()
	require.NoError(t, err)
	return rev
}

// appendText appends a record inserting text at the end of the document.
func appendText(t *testing.T, s *Store, text string, state State) Record {
	t.Helper()
	ctx := context.Background()
	doc, err := s.Materialize(ctx, s.Max())
	require.NoError(t, err)
	d := delta.New().Retain(doc.TargetLen(), nil).Insert(text, nil).Delta()
	rec := Record{Revision: sealed(t, s.Max()+1, s.Max(), d), State: state}
	require.NoError(t, s.Append(ctx, rec))
	return rec
}

func collectAll(t *testing.T, s *Store, lo, hi int64) []Record {
	t.Helper()
	var out []Record
	for rec, err := range s.Range(context.Background(), lo, hi) {
		require.NoError(t, err)
		out = append(out, rec)
	}
	return out
}

func text(t *testing.T, s *Store, upTo int64) string {
	t.Helper()
	d, err := s.Materialize(context.Background(), upTo)
	require.NoError(t, err)
	return d.Text()
}

func TestAppend_MonotonicIDs(t *testing.T) {
	ctx := context.Background()
	s := New(testDoc, NewMemoryLog(), Options{})

	appendText(t, s, "abc", StateAcked)

	for _, id := range []int64{1, 3, 0} {
		rec := Record{Revision: sealed(t, id, 0, delta.New().Retain(3, nil).Delta()), State: StateLocal}
		err := s.Append(ctx, rec)
		assert.ErrorIs(t, err, ErrOutOfOrder, "id %d", id)
	}
	assert.Equal(t, int64(1), s.Max())
}

func TestAppend_RejectsBadChecksum(t *testing.T) {
	s := New(testDoc, NewMemoryLog(), Options{})
	rev := sealed(t, 1, 0, delta.FromText("abc"))
	rev.Checksum++
	err := s.Append(context.Background(), Record{Revision: rev})
	assert.ErrorIs(t, err, ErrChecksumMismatch)
}

func TestAck_Idempotent(t *testing.T) {
	ctx := context.Background()
	s := New(testDoc, NewMemoryLog(), Options{})
	appendText(t, s, "abc", StateLocal)
	require.NoError(t, s.MarkSync(ctx, 1))

	require.NoError(t, s.Ack(ctx, 1))
	once := collectAll(t, s, 1, 1)
	require.NoError(t, s.Ack(ctx, 1))
	twice := collectAll(t, s, 1, 1)

	assert.Equal(t, once, twice)
	assert.Equal(t, StateAcked, twice[0].State)
	assert.Equal(t, int64(1), s.Head())
	assert.Empty(t, s.Pending())

	assert.ErrorIs(t, s.Ack(ctx, 2), ErrNotFound)
}

func TestMarkSync_DoesNotDowngrade(t *testing.T) {
	ctx := context.Background()
	s := New(testDoc, NewMemoryLog(), Options{})
	appendText(t, s, "abc", StateAcked)
	require.NoError(t, s.MarkSync(ctx, 1))
	assert.Equal(t, StateAcked, collectAll(t, s, 1, 1)[0].State)
}

func TestHead_TracksAckedPrefix(t *testing.T) {
	ctx := context.Background()
	s := New(testDoc, NewMemoryLog(), Options{})
	appendText(t, s, "a", StateAcked)
	appendText(t, s, "b", StateSync)
	appendText(t, s, "c", StateLocal)
	assert.Equal(t, int64(1), s.Head())
	assert.Len(t, s.Pending(), 2)

	require.NoError(t, s.Ack(ctx, 2))
	assert.Equal(t, int64(2), s.Head())
	assert.Equal(t, "abc", text(t, s, 3))
	assert.Equal(t, "ab", text(t, s, 2))
}

func TestRange_RestartableAndEarlyStop(t *testing.T) {
	s := New(testDoc, NewMemoryLog(), Options{})
	for _, c := range []string{"a", "b", "c", "d"} {
		appendText(t, s, c, StateAcked)
	}

	seq := s.Range(context.Background(), 2, 10)
	first := 0
	for range seq {
		first++
	}
	second := 0
	for rec, err := range seq {
		require.NoError(t, err)
		second++
		if rec.ID() == 3 {
			break
		}
	}
	assert.Equal(t, 3, first)
	assert.Equal(t, 2, second)
	assert.Empty(t, collectAll(t, s, 5, 9))
}

func TestRange_ReadsEvictedRecordsFromLog(t *testing.T) {
	log := NewMemoryLog()
	s := New(testDoc, log, Options{CacheSize: 2})
	for _, c := range []string{"a", "b", "c", "d", "e"} {
		appendText(t, s, c, StateAcked)
	}
	recs := collectAll(t, s, 1, 5)
	require.Len(t, recs, 5)
	for i, rec := range recs {
		assert.Equal(t, int64(i+1), rec.ID())
	}
	assert.Equal(t, "abcde", text(t, s, 5))

	// idempotent ack on an evicted record
	require.NoError(t, s.Ack(context.Background(), 1))
}

func TestEviction_KeepsPending(t *testing.T) {
	s := New(testDoc, NewMemoryLog(), Options{CacheSize: 1})
	appendText(t, s, "a", StateAcked)
	appendText(t, s, "b", StateLocal)
	appendText(t, s, "c", StateLocal)
	pending := s.Pending()
	require.Len(t, pending, 2)
	assert.Equal(t, int64(2), pending[0].ID())
}

func TestCompact_Transparency(t *testing.T) {
	ctx := context.Background()
	s := New(testDoc, NewMemoryLog(), Options{})
	for _, c := range []string{"He", "llo", " ", "wor", "ld"} {
		appendText(t, s, c, StateAcked)
	}
	appendText(t, s, "!", StateLocal)

	before := text(t, s, 5)
	beforeTail := collectAll(t, s, 4, 6)

	snap, err := s.Compact(ctx, 3)
	require.NoError(t, err)
	assert.True(t, snap.Snapshot)
	assert.Equal(t, int64(3), snap.ID())
	assert.True(t, snap.Revision.Delta.IsDocument())
	assert.Equal(t, "Hello ", snap.Revision.Delta.Text())

	assert.Equal(t, before, text(t, s, 5))
	assert.Equal(t, beforeTail, collectAll(t, s, 4, 6))

	recs := collectAll(t, s, 1, 6)
	require.Len(t, recs, 4)
	assert.True(t, recs[0].Snapshot)
	assert.Equal(t, int64(4), recs[1].ID())

	// compaction never folds pending records
	snap, err = s.Compact(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(5), snap.ID())
	assert.Equal(t, "Hello world!", text(t, s, 6))
	assert.Len(t, s.Pending(), 1)
}

// hookLog runs a callback around the log mutations compaction performs.
type hookLog struct {
	Log
	onPutSnapshot func()
	onDelete      func()
}

func (h *hookLog) PutSnapshot(ctx context.Context, docID string, revID int64, data []byte) error {
	if err := h.Log.PutSnapshot(ctx, docID, revID, data); err != nil {
		return err
	}
	if h.onPutSnapshot != nil {
		h.onPutSnapshot()
	}
	return nil
}

func (h *hookLog) DeleteRange(ctx context.Context, docID string, lo, hi int64) error {
	if err := h.Log.DeleteRange(ctx, docID, lo, hi); err != nil {
		return err
	}
	if h.onDelete != nil {
		h.onDelete()
	}
	return nil
}

func ids(recs []Record) []int64 {
	out := make([]int64, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.ID())
	}
	return out
}

func TestCompact_ReadersSeeWholeView(t *testing.T) {
	ctx := context.Background()
	hl := &hookLog{Log: NewMemoryLog()}
	s := New(testDoc, hl, Options{CacheSize: 2})
	for _, c := range []string{"a", "b", "c", "d", "e", "f"} {
		appendText(t, s, c, StateAcked)
	}

	var midway, afterDelete []Record
	hl.onPutSnapshot = func() { midway = collectAll(t, s, 1, 6) }
	hl.onDelete = func() { afterDelete = collectAll(t, s, 1, 6) }

	_, err := s.Compact(ctx, 4)
	require.NoError(t, err)

	// 快照写入后、视图切换前：仍是完整的旧视图
	assert.Equal(t, []int64{1, 2, 3, 4, 5, 6}, ids(midway))
	assert.False(t, midway[0].Snapshot)

	// 日志删除后：快照加剩余记录
	require.Equal(t, []int64{4, 5, 6}, ids(afterDelete))
	assert.True(t, afterDelete[0].Snapshot)
	assert.Equal(t, "abcdef", text(t, s, 6))
}

func TestRange_RejectsGapInLog(t *testing.T) {
	log := NewMemoryLog()
	s := New(testDoc, log, Options{CacheSize: 1})
	for _, c := range []string{"a", "b", "c", "d"} {
		appendText(t, s, c, StateAcked)
	}
	require.NoError(t, log.DeleteRange(context.Background(), testDoc, 2, 2))

	for _, err := range s.Range(context.Background(), 1, 4) {
		assert.ErrorIs(t, err, ErrOutOfOrder)
	}
	_, err := s.Materialize(context.Background(), 4)
	assert.ErrorIs(t, err, ErrOutOfOrder)
}

func TestLoad_RestoresState(t *testing.T) {
	ctx := context.Background()
	log := NewMemoryLog()
	s := New(testDoc, log, Options{})
	for _, c := range []string{"a", "b", "c"} {
		appendText(t, s, c, StateAcked)
	}
	_, err := s.Compact(ctx, 2)
	require.NoError(t, err)
	appendText(t, s, "d", StateSync)

	reloaded := New(testDoc, log, Options{})
	res, err := reloaded.Load(ctx)
	require.NoError(t, err)
	assert.False(t, res.NeedsResync)
	assert.Equal(t, int64(3), res.Head)
	assert.Equal(t, int64(4), res.Max)
	assert.Equal(t, "abcd", text(t, reloaded, 4))
	require.Len(t, reloaded.Pending(), 1)
	assert.Equal(t, StateSync, reloaded.Pending()[0].State)
}

func TestLoad_ChecksumFallback(t *testing.T) {
	ctx := context.Background()
	log := NewMemoryLog()
	s := New(testDoc, log, Options{})
	for _, c := range []string{"a", "b", "c", "d"} {
		appendText(t, s, c, StateAcked)
	}
	log.corrupt(testDoc, 3)

	reloaded := New(testDoc, log, Options{})
	res, err := reloaded.Load(ctx)
	require.NoError(t, err)
	assert.True(t, res.NeedsResync)
	assert.Equal(t, int64(3), res.ResyncFrom)
	assert.Equal(t, 2, res.Dropped)
	assert.Equal(t, int64(2), reloaded.Max())
	assert.Equal(t, "ab", text(t, reloaded, 2))

	entries, err := log.GetRange(ctx, testDoc, 3, 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestLoad_CorruptSnapshot(t *testing.T) {
	ctx := context.Background()
	log := NewMemoryLog()
	s := New(testDoc, log, Options{})
	appendText(t, s, "a", StateAcked)
	appendText(t, s, "b", StateAcked)
	_, err := s.Compact(ctx, 2)
	require.NoError(t, err)
	log.corruptSnapshot(testDoc)

	reloaded := New(testDoc, log, Options{})
	res, err := reloaded.Load(ctx)
	require.NoError(t, err)
	assert.True(t, res.NeedsResync)
	assert.Equal(t, int64(1), res.ResyncFrom)
	assert.Equal(t, int64(0), reloaded.Max())

	// second load sees a clean empty document
	again, err := New(testDoc, log, Options{}).Load(ctx)
	require.NoError(t, err)
	assert.False(t, again.NeedsResync)
}

func TestRebase_RenumbersPending(t *testing.T) {
	ctx := context.Background()
	s := New(testDoc, NewMemoryLog(), Options{})
	appendText(t, s, "ab", StateAcked)
	local := appendText(t, s, "X", StateSync)

	remote := sealed(t, 2, 1, delta.New().Insert("Y", nil).Retain(2, nil).Delta())
	_, transformed, err := delta.Transform(remote.Delta, local.Revision.Delta)
	require.NoError(t, err)

	out, err := s.Rebase(ctx, remote, []delta.Delta{transformed})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, int64(3), out[0].ID())
	assert.Equal(t, int64(2), out[0].Revision.BaseRevisionID)
	assert.Equal(t, StateSync, out[0].State)
	assert.NoError(t, out[0].Revision.Verify())

	assert.Equal(t, int64(2), s.Head())
	assert.Equal(t, "YabX", text(t, s, 3))

	_, err = s.Rebase(ctx, sealed(t, 5, 4, delta.New().Retain(4, nil).Delta()), []delta.Delta{transformed})
	assert.ErrorIs(t, err, ErrOutOfOrder)
}

func TestAmend_OnlyLocal(t *testing.T) {
	ctx := context.Background()
	s := New(testDoc, NewMemoryLog(), Options{})
	appendText(t, s, "ab", StateLocal)

	rec, err := s.Amend(ctx, 1, delta.New().Retain(2, nil).Insert("c", nil).Delta())
	require.NoError(t, err)
	assert.Equal(t, "abc", rec.Revision.Delta.Text())
	assert.NoError(t, rec.Revision.Verify())

	require.NoError(t, s.MarkSync(ctx, 1))
	_, err = s.Amend(ctx, 1, delta.New().Retain(3, nil).Delta())
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestInstallSnapshot_DropsPending(t *testing.T) {
	ctx := context.Background()
	s := New(testDoc, NewMemoryLog(), Options{})
	appendText(t, s, "a", StateAcked)
	appendText(t, s, "b", StateSync)

	rev, err := Revision{DocumentID: testDoc, RevisionID: 9, Delta: delta.FromText("server")}.Seal()
	require.NoError(t, err)
	dropped, err := s.InstallSnapshot(ctx, Record{Revision: rev, Snapshot: true})
	require.NoError(t, err)
	assert.Len(t, dropped, 1)
	assert.Equal(t, int64(9), s.Head())
	assert.Equal(t, "server", text(t, s, 9))

	appendText(t, s, "!", StateAcked)
	assert.Equal(t, "server!", text(t, s, 10))
}
