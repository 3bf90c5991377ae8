package collab

import (
	"context"
	"sync"
	"testing"

	"docsync/backend/internal/logging"
	"docsync/backend/internal/ot/delta"
	"docsync/backend/internal/store"

	"github.com/stretchr/testify/require"
)

// outbox is a Sender that only records; tests decide when things are delivered.
type outbox struct {
	mu      sync.Mutex
	revs    []store.Revision
	resyncs []int64
}

func (o *outbox) SendRevision(_ context.Context, rev store.Revision) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.revs = append(o.revs, rev)
	return nil
}

func (o *outbox) RequestResync(_ context.Context, _ string, from int64) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.resyncs = append(o.resyncs, from)
	return nil
}

func (o *outbox) take() ([]store.Revision, []int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	revs, resyncs := o.revs, o.resyncs
	o.revs, o.resyncs = nil, nil
	return revs, resyncs
}

type statusLog struct {
	mu  sync.Mutex
	evs []StatusEvent
}

func (s *statusLog) add(ev StatusEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evs = append(s.evs, ev)
}

func (s *statusLog) has(st Status) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range s.evs {
		if ev.Status == st {
			return true
		}
	}
	return false
}

type peer struct {
	m        *Manager
	out      *outbox
	statuses *statusLog
}

func openPeer(t *testing.T, docID, clientID string, attach bool) *peer {
	t.Helper()
	st := store.New(docID, store.NewMemoryLog(), store.Options{})
	sl := &statusLog{}
	m, err := OpenManager(context.Background(), st, ManagerOptions{
		ClientID: clientID,
		Listener: ListenerFuncs{Status: sl.add},
		Logger:   logging.Discard(),
	})
	require.NoError(t, err)
	t.Cleanup(m.Close)
	p := &peer{m: m, out: &outbox{}, statuses: sl}
	if attach {
		require.NoError(t, m.Attach(context.Background(), p.out))
	}
	return p
}

func (p *peer) content(t *testing.T) string {
	t.Helper()
	s, err := p.m.Content(context.Background())
	require.NoError(t, err)
	return s
}

// insert inserts text at pos of the peer's current content.
func (p *peer) insert(t *testing.T, pos int, text string) int64 {
	t.Helper()
	n := len([]rune(p.content(t)))
	id, err := p.m.ApplyLocal(context.Background(),
		delta.New().Retain(pos, nil).Insert(text, nil).Retain(n-pos, nil).Delta())
	require.NoError(t, err)
	return id
}

// flush delivers p's outbound traffic to the authority until it goes quiet.
// Commits are forwarded to others; with lose set the acks are dropped.
func flush(t *testing.T, a *Authority, p *peer, lose bool, others ...*peer) []Commit {
	t.Helper()
	ctx := context.Background()
	var commits []Commit
	for round := 0; round < 20; round++ {
		revs, resyncs := p.out.take()
		if len(revs) == 0 && len(resyncs) == 0 {
			return commits
		}
		for _, from := range resyncs {
			recs, err := a.Since(ctx, p.m.DocumentID(), from)
			require.NoError(t, err)
			require.NoError(t, p.m.HandleResync(ctx, recs))
		}
		for _, rev := range revs {
			c, err := a.Submit(ctx, rev)
			if err != nil {
				require.True(t, IsReject(err), "unexpected submit error: %v", err)
				require.NoError(t, p.m.HandleReject(ctx, rev.RevisionID, err))
				continue
			}
			commits = append(commits, c)
			if !c.Duplicate {
				for _, o := range others {
					require.NoError(t, o.m.HandleRevision(ctx, c.Revision))
				}
			}
			if !lose {
				require.NoError(t, p.m.HandleAck(ctx, c.Revision.RevisionID))
			}
		}
	}
	t.Fatalf("traffic of %s did not settle", p.m.DocumentID())
	return nil
}

func newTestAuthority(window int64) *Authority {
	return NewAuthority(store.NewMemoryLog(), AuthorityOptions{
		TransformWindow: window,
		Logger:          logging.Discard(),
	})
}
