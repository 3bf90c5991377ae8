package ws

import (
	"context"
	"sync"
	"testing"
	"time"

	"docsync/backend/internal/ot/delta"
	"docsync/backend/internal/store"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialRaw(t *testing.T, ts *testServer, clientID string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts.srv)+"?clientId="+clientID, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitFor)))
	var msg Envelope
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

// 每条修订插入一个字符，所以 base k 时文档长度正好是 k
func prepend(t *testing.T, docID, clientID string, id, base int64, text string) *RevisionPayload {
	t.Helper()
	rev, err := store.Revision{
		DocumentID:     docID,
		RevisionID:     id,
		BaseRevisionID: base,
		Delta:          delta.New().Insert(text, nil).Retain(int(base), nil).Delta(),
		ClientID:       clientID,
	}.Seal()
	require.NoError(t, err)
	p, err := EncodeRevision(rev)
	require.NoError(t, err)
	return p
}

func TestAckPrecedesBroadcastsOfLaterCommits(t *testing.T) {
	const docID = "doc-order"
	ts := newTestServer(t)
	conn := dialRaw(t, ts, "client-a")
	require.NoError(t, conn.WriteJSON(Envelope{Type: TypeSubscribe, DocID: docID, From: 1}))
	require.Equal(t, TypeResyncResponse, readFrame(t, conn).Type)

	// client-b 直接向 authority 持续提交
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for ctx.Err() == nil {
			text, head, err := ts.auth.Content(ctx, docID)
			if err != nil {
				return
			}
			rev, err := store.Revision{
				DocumentID:     docID,
				RevisionID:     head + 1,
				BaseRevisionID: head,
				Delta:          delta.New().Insert("b", nil).Retain(len([]rune(text)), nil).Delta(),
				ClientID:       "client-b",
			}.Seal()
			if err != nil {
				return
			}
			_, _ = ts.auth.Submit(ctx, rev)
			time.Sleep(time.Millisecond)
		}
	}()
	defer func() {
		cancel()
		wg.Wait()
	}()

	var seen int64
	for i := 0; i < 30; i++ {
		require.NoError(t, conn.WriteJSON(Envelope{
			Type:     TypeRevision,
			DocID:    docID,
			Revision: prepend(t, docID, "client-a", seen+1, seen, "a"),
		}))
		broadcastMax := int64(0)
	wait:
		for {
			msg := readFrame(t, conn)
			switch msg.Type {
			case TypeRevision:
				broadcastMax = max(broadcastMax, msg.Revision.RevisionID)
				seen = max(seen, msg.Revision.RevisionID)
			case TypeAck:
				assert.Less(t, broadcastMax, msg.RevisionID,
					"broadcast of rev %d arrived before ack %d", broadcastMax, msg.RevisionID)
				seen = max(seen, msg.RevisionID)
				break wait
			case TypeReject:
				// base 落出窗口时按服务端 head 重发
				seen = max(seen, msg.Head)
				break wait
			default:
				t.Fatalf("unexpected frame %q", msg.Type)
			}
		}
	}
}
