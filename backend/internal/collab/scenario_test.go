package collab

import (
	"context"
	"testing"

	"docsync/backend/internal/ot/delta"
	"docsync/backend/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmitOnEmptyDocumentIsAcked(t *testing.T) {
	ctx := context.Background()
	a := newTestAuthority(0)
	t.Cleanup(a.Close)
	p := openPeer(t, "doc-1", "client-a", true)

	id := p.insert(t, 0, "abc")
	assert.Equal(t, int64(1), id)

	commits := flush(t, a, p, false)
	require.Len(t, commits, 1)
	assert.Equal(t, int64(1), commits[0].Revision.RevisionID)
	assert.Equal(t, int64(1), p.m.Head())

	var recs []store.Record
	for rec, err := range p.m.Store().Range(ctx, 1, 1) {
		require.NoError(t, err)
		recs = append(recs, rec)
	}
	require.Len(t, recs, 1)
	assert.Equal(t, store.StateAcked, recs[0].State)
	assert.Equal(t, delta.New().Insert("abc", nil).Delta(), recs[0].Revision.Delta)

	text, head, err := a.Content(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, "abc", text)
	assert.Equal(t, int64(1), head)

	// a second ack for the same revision changes nothing
	require.NoError(t, p.m.HandleAck(ctx, 1))
	assert.Equal(t, int64(1), p.m.Head())
	assert.False(t, p.statuses.has(StatusFailed))
}

func TestConcurrentInsertsAtSamePosition(t *testing.T) {
	ctx := context.Background()
	a := newTestAuthority(0)
	t.Cleanup(a.Close)
	pa := openPeer(t, "doc-2", "client-a", true)
	pb := openPeer(t, "doc-2", "client-b", true)

	pa.insert(t, 0, "X")
	pb.insert(t, 0, "Y")

	ca := flush(t, a, pa, false, pb)
	require.Len(t, ca, 1)
	assert.Equal(t, int64(1), ca[0].Revision.RevisionID)

	cb := flush(t, a, pb, false, pa)
	require.Len(t, cb, 1)
	assert.Equal(t, int64(2), cb[0].Revision.RevisionID)
	assert.Equal(t, int64(1), cb[0].Revision.BaseRevisionID)
	assert.Equal(t, delta.New().Retain(1, nil).Insert("Y", nil).Delta(), cb[0].Revision.Delta)

	text, _, err := a.Content(ctx, "doc-2")
	require.NoError(t, err)
	assert.Equal(t, "XY", text)
	assert.Equal(t, "XY", pa.content(t))
	assert.Equal(t, "XY", pb.content(t))
	assert.Equal(t, int64(2), pa.m.Head())
	assert.Equal(t, int64(2), pb.m.Head())
}

func TestStaleBaseResyncsAndResubmits(t *testing.T) {
	ctx := context.Background()
	a := newTestAuthority(1)
	t.Cleanup(a.Close)
	pa := openPeer(t, "doc-3", "client-a", true)
	pb := openPeer(t, "doc-3", "client-b", true)

	for i := 0; i < 5; i++ {
		pb.insert(t, len(pb.content(t)), "b")
		flush(t, a, pb, false, pa)
	}
	require.Equal(t, int64(5), pa.m.Head())
	// revisions 6 and 7 never reach client a
	for i := 0; i < 2; i++ {
		pb.insert(t, len(pb.content(t)), "b")
		flush(t, a, pb, false)
	}

	pa.insert(t, 0, "a")
	revs, _ := pa.out.take()
	require.Len(t, revs, 1)
	assert.Equal(t, int64(5), revs[0].BaseRevisionID)

	_, err := a.Submit(ctx, revs[0])
	require.ErrorIs(t, err, ErrBaseMismatch)
	require.NoError(t, pa.m.HandleReject(ctx, revs[0].RevisionID, err))
	assert.True(t, pa.statuses.has(StatusResyncing))

	revs, resyncs := pa.out.take()
	assert.Empty(t, revs)
	require.Equal(t, []int64{6}, resyncs)

	recs, err := a.Since(ctx, "doc-3", 6)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, int64(6), recs[0].ID())
	assert.Equal(t, int64(7), recs[1].ID())
	require.NoError(t, pa.m.HandleResync(ctx, recs))

	revs, _ = pa.out.take()
	require.Len(t, revs, 1)
	assert.Equal(t, int64(7), revs[0].BaseRevisionID)
	assert.Equal(t, int64(8), revs[0].RevisionID)

	c, err := a.Submit(ctx, revs[0])
	require.NoError(t, err)
	assert.Equal(t, int64(8), c.Revision.RevisionID)
	require.NoError(t, pa.m.HandleAck(ctx, 8))
	require.NoError(t, pb.m.HandleRevision(ctx, c.Revision))

	text, head, err := a.Content(ctx, "doc-3")
	require.NoError(t, err)
	assert.Equal(t, int64(8), head)
	assert.Equal(t, "abbbbbbb", text)
	assert.Equal(t, text, pa.content(t))
	assert.Equal(t, text, pb.content(t))
	assert.Equal(t, int64(8), pa.m.Head())
}

func TestRetransmitAfterLostAckIsDeduplicated(t *testing.T) {
	ctx := context.Background()
	a := newTestAuthority(0)
	t.Cleanup(a.Close)
	p := openPeer(t, "doc-4", "client-a", true)

	p.insert(t, 0, "abc")
	revs, _ := p.out.take()
	require.Len(t, revs, 1)
	orig := revs[0]

	first, err := a.Submit(ctx, orig)
	require.NoError(t, err)
	require.False(t, first.Duplicate)
	// the ack is lost with the connection

	require.NoError(t, p.m.Detach(ctx))
	require.NoError(t, p.m.Attach(ctx, p.out))
	revs, _ = p.out.take()
	require.Len(t, revs, 1)
	assert.Equal(t, orig, revs[0])

	again, err := a.Submit(ctx, revs[0])
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Equal(t, first.Revision, again.Revision)
	require.NoError(t, p.m.HandleAck(ctx, again.Revision.RevisionID))

	text, head, err := a.Content(ctx, "doc-4")
	require.NoError(t, err)
	assert.Equal(t, "abc", text)
	assert.Equal(t, int64(1), head)
	assert.Equal(t, int64(1), p.m.Head())
	st, err := p.m.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateIdle, st)
}

func TestOwnRevisionSeenThroughResyncCountsAsAck(t *testing.T) {
	ctx := context.Background()
	a := newTestAuthority(0)
	t.Cleanup(a.Close)
	p := openPeer(t, "doc-5", "client-a", true)

	p.insert(t, 0, "hi")
	flush(t, a, p, true)
	require.Equal(t, int64(0), p.m.Head())

	recs, err := a.Since(ctx, "doc-5", 1)
	require.NoError(t, err)
	require.NoError(t, p.m.HandleResync(ctx, recs))
	assert.Equal(t, int64(1), p.m.Head())
	assert.Equal(t, "hi", p.content(t))

	st, err := p.m.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateIdle, st)
}

func TestLateJoinerInstallsSnapshot(t *testing.T) {
	ctx := context.Background()
	a := newTestAuthority(0)
	t.Cleanup(a.Close)
	pa := openPeer(t, "doc-6", "client-a", true)
	for _, s := range []string{"one ", "two ", "three"} {
		pa.insert(t, len([]rune(pa.content(t))), s)
		flush(t, a, pa, false)
	}
	snap, err := a.Compact(ctx, "doc-6", 3)
	require.NoError(t, err)
	require.True(t, snap.Snapshot)

	// offline edits are dropped by the snapshot
	pc := openPeer(t, "doc-6", "client-c", false)
	pc.insert(t, 0, "zzz")

	recs, err := a.Since(ctx, "doc-6", 1)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.True(t, recs[0].Snapshot)
	require.NoError(t, pc.m.HandleResync(ctx, recs))

	assert.Equal(t, "one two three", pc.content(t))
	assert.Equal(t, int64(3), pc.m.Head())
	assert.True(t, pc.statuses.has(StatusReset))
	assert.Empty(t, pc.m.Store().Pending())
}

func TestRejectsBeyondBudgetGoOutOfSync(t *testing.T) {
	ctx := context.Background()
	p := openPeer(t, "doc-7", "client-a", true)
	p.insert(t, 0, "x")
	revs, _ := p.out.take()
	require.Len(t, revs, 1)

	for i := 0; i < DefaultMaxResyncAttempts; i++ {
		require.NoError(t, p.m.HandleReject(ctx, revs[0].RevisionID, ErrBaseMismatch))
	}
	assert.False(t, p.statuses.has(StatusOutOfSync))
	_, resyncs := p.out.take()
	assert.Len(t, resyncs, DefaultMaxResyncAttempts)

	require.NoError(t, p.m.HandleReject(ctx, revs[0].RevisionID, ErrBaseMismatch))
	assert.True(t, p.statuses.has(StatusOutOfSync))
	assert.False(t, p.statuses.has(StatusFailed))
	_, resyncs = p.out.take()
	assert.Empty(t, resyncs)

	// manual retry starts a fresh budget
	require.NoError(t, p.m.Resync(ctx))
	_, resyncs = p.out.take()
	assert.Equal(t, []int64{1}, resyncs)
	// local edit is kept throughout
	assert.Equal(t, "x", p.content(t))
}

func TestLateAckAfterLaterCommitsResyncsOnce(t *testing.T) {
	ctx := context.Background()
	a := newTestAuthority(0)
	t.Cleanup(a.Close)
	pa := openPeer(t, "doc-8", "client-a", true)

	pa.insert(t, 0, "a")
	revs, _ := pa.out.take()
	require.Len(t, revs, 1)
	c, err := a.Submit(ctx, revs[0])
	require.NoError(t, err)
	for range 6 {
		appendAt(t, a, "doc-8", "client-b", "b")
	}

	// B 的六个提交先于 A 的 ack 到达
	later, err := a.Range(ctx, "doc-8", 2, 7)
	require.NoError(t, err)
	for _, rec := range later {
		require.NoError(t, pa.m.HandleRevision(ctx, rec.Revision))
	}
	_, resyncs := pa.out.take()
	assert.Equal(t, []int64{1}, resyncs)

	require.NoError(t, pa.m.HandleAck(ctx, c.Revision.RevisionID))
	recs, err := a.Since(ctx, "doc-8", 1)
	require.NoError(t, err)
	require.NoError(t, pa.m.HandleResync(ctx, recs))

	_, resyncs = pa.out.take()
	assert.Empty(t, resyncs)
	assert.False(t, pa.statuses.has(StatusOutOfSync))
	text, head, err := a.Content(ctx, "doc-8")
	require.NoError(t, err)
	assert.Equal(t, "abbbbbb", text)
	assert.Equal(t, text, pa.content(t))
	assert.Equal(t, head, pa.m.Head())
}
