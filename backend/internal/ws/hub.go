package ws

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"docsync/backend/internal/collab"
	"docsync/backend/internal/store"
)

// Hub 维护文档房间，并作为 Authority 的 Listener 把提交的修订广播出去
type Hub struct {
	// mu 只保护 rooms 这张表；房间内的成员由各自的锁保护，
	// 一个房间补发时不会挡住其他文档的广播
	mu    sync.Mutex
	rooms map[string]*room
	log   *slog.Logger
}

// room 是一个文档的订阅连接集合。
// Subscribe 在房间写锁内完成补发，保证补发与后续广播之间没有空档。
type room struct {
	mu sync.RWMutex
	// 房间里存的是连接而不是 clientId：一个客户端重连时新旧连接可能短暂并存
	conns map[*Conn]struct{}
	// 最后一个连接离开后置位，之后的订阅要换新房间
	closed atomic.Bool
}

func NewHub(log *slog.Logger) *Hub {
	return &Hub{rooms: make(map[string]*room), log: log}
}

func (h *Hub) room(docID string, create bool) *room {
	h.mu.Lock()
	defer h.mu.Unlock()
	r := h.rooms[docID]
	if (r == nil || r.closed.Load()) && create {
		r = &room{conns: make(map[*Conn]struct{})}
		h.rooms[docID] = r
	}
	return r
}

// Subscribe 将连接加入文档房间。replay 在房间锁内执行，用于补发 from 之后的修订；
// 期间提交的修订会在 replay 之后广播，客户端按 revisionId 去重。
func (h *Hub) Subscribe(docID string, c *Conn, replay func() error) error {
	for {
		r := h.room(docID, true)
		r.mu.Lock()
		if r.closed.Load() {
			r.mu.Unlock()
			continue
		}
		err := replay()
		if err == nil {
			r.conns[c] = struct{}{}
		} else if len(r.conns) == 0 {
			h.retire(docID, r)
		}
		r.mu.Unlock()
		return err
	}
}

// Leave 将连接从指定文档房间移除
func (h *Hub) Leave(docID string, c *Conn) {
	r := h.room(docID, false)
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, c)
	if len(r.conns) == 0 {
		h.retire(docID, r)
	}
}

// retire 在持有 r.mu 时调用
func (h *Hub) retire(docID string, r *room) {
	r.closed.Store(true)
	h.mu.Lock()
	if h.rooms[docID] == r {
		delete(h.rooms, docID)
	}
	h.mu.Unlock()
}

// LeaveAll 把 c 从它加入的所有房间移除
func (h *Hub) LeaveAll(c *Conn, docIDs []string) {
	for _, id := range docIDs {
		h.Leave(id, c)
	}
}

// Subscribers 返回文档当前在本节点上的连接数
func (h *Hub) Subscribers(docID string) int {
	r := h.room(docID, false)
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// OnRevision 把已提交的修订广播给文档的订阅者，提交者自己的连接除外；
// 提交者的 ack 由提交所在的连接在提交内部入队
func (h *Hub) OnRevision(_ context.Context, ev collab.Event) {
	if ev.Origin != collab.OriginAuthority {
		return
	}
	rev, err := store.Revision{
		DocumentID:     ev.DocumentID,
		RevisionID:     ev.RevisionID,
		BaseRevisionID: ev.BaseRevisionID,
		Delta:          ev.Delta,
		ClientID:       ev.ClientID,
	}.Seal()
	if err != nil {
		h.log.Error("seal broadcast", "doc", ev.DocumentID, "rev", ev.RevisionID, "err", err)
		return
	}
	payload, err := EncodeRevision(rev)
	if err != nil {
		h.log.Error("encode broadcast", "doc", ev.DocumentID, "rev", ev.RevisionID, "err", err)
		return
	}
	msg := Envelope{Type: TypeRevision, DocID: ev.DocumentID, Revision: payload}

	r := h.room(ev.DocumentID, false)
	if r == nil {
		return
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for c := range r.conns {
		if ev.ClientID != "" && c.clientID == ev.ClientID {
			continue
		}
		c.enqueue(msg)
	}
}

func (h *Hub) OnStatus(_ context.Context, ev collab.StatusEvent) {
	h.log.Warn("document status", "doc", ev.DocumentID, "status", ev.Status, "err", ev.Err)
}
