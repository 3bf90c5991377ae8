package ws

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"docsync/backend/internal/cache"
	"docsync/backend/internal/collab"

	"github.com/gorilla/websocket"
)

// Conn 是服务端的一条客户端连接：读循环处理请求，写循环串行写出
type Conn struct {
	ws       *websocket.Conn
	hub      *Hub
	auth     *collab.Authority
	presence cache.Presence
	// 信号量控制，限制同时进行中的提交
	sem      *collab.SemaphoreControl
	clientID string
	opts     ServerOptions
	log      *slog.Logger

	// chan是 Go 的“通道”（channel），是 goroutine 之间通信的队列。
	// 广播来自 Authority 的 goroutine，ack 来自读循环，都经过这里保证顺序
	send chan Envelope
	done chan struct{}
	once sync.Once

	// 只在读循环中访问
	docs map[string]struct{}
}

func NewConn(ws *websocket.Conn, m *Manager, clientID string) *Conn {
	return &Conn{
		ws:       ws,
		hub:      m.hub,
		auth:     m.auth,
		presence: m.presence,
		sem:      m.sem,
		clientID: clientID,
		opts:     m.opts,
		log:      m.log.With("client", clientID),
		send:     make(chan Envelope, m.opts.SendQueue),
		done:     make(chan struct{}),
		docs:     make(map[string]struct{}),
	}
}

// enqueue 从不阻塞。跟不上的连接直接关闭，客户端会重连并 resync
func (c *Conn) enqueue(msg Envelope) {
	// select 同时评估所有 case，哪个就绪执行哪个；都没就绪走 default
	select {
	case c.send <- msg:
	case <-c.done:
	default:
		c.log.Warn("send queue full, dropping connection", "type", msg.Type, "doc", msg.DocID)
		c.close()
	}
}

func (c *Conn) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

func (c *Conn) readLoop(ctx context.Context) {
	defer c.cleanup()
	_ = c.ws.SetReadDeadline(time.Now().Add(c.opts.IdleTimeout))
	for {
		var msg Envelope
		if err := c.ws.ReadJSON(&msg); err != nil {
			c.log.Debug("read loop ended", "err", err)
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(c.opts.IdleTimeout))

		switch msg.Type {
		case TypeHeartbeat:
			c.enqueue(Envelope{Type: TypeHeartbeat})
			for docID := range c.docs {
				c.touchPresence(ctx, docID)
			}

		case TypeSubscribe:
			if msg.DocID == "" {
				c.enqueue(Envelope{Type: TypeError, Content: "missing docId"})
				continue
			}
			err := c.hub.Subscribe(msg.DocID, c, func() error {
				return c.replay(ctx, msg.DocID, msg.From)
			})
			if err != nil {
				c.log.Error("subscribe", "doc", msg.DocID, "err", err)
				c.enqueue(Envelope{Type: TypeError, DocID: msg.DocID, Content: "SUBSCRIBE_FAILED"})
				continue
			}
			c.docs[msg.DocID] = struct{}{}
			c.touchPresence(ctx, msg.DocID)

		case TypeUnsubscribe:
			c.hub.Leave(msg.DocID, c)
			delete(c.docs, msg.DocID)
			c.leavePresence(ctx, msg.DocID)

		case TypeResyncRequest:
			if err := c.replay(ctx, msg.DocID, msg.From); err != nil {
				c.log.Error("resync", "doc", msg.DocID, "from", msg.From, "err", err)
				c.enqueue(Envelope{Type: TypeError, DocID: msg.DocID, Content: "RESYNC_FAILED"})
			}

		case TypeRevision:
			c.handleRevision(ctx, msg)

		default:
			// 忽略未知类型，回一条提示
			c.enqueue(Envelope{Type: TypeError, Content: "unknown message type " + msg.Type})
		}
	}
}

// replay 发送从 from 开始的全部已确认修订
func (c *Conn) replay(ctx context.Context, docID string, from int64) error {
	recs, err := c.auth.Since(ctx, docID, max(from, 1))
	if err != nil {
		return err
	}
	payload, err := EncodeRecords(recs)
	if err != nil {
		return err
	}
	head, err := c.auth.Head(ctx, docID)
	if err != nil {
		return err
	}
	c.enqueue(Envelope{Type: TypeResyncResponse, DocID: docID, Records: payload, Head: head})
	return nil
}

func (c *Conn) handleRevision(ctx context.Context, msg Envelope) {
	rev, err := msg.Revision.Decode()
	if err != nil {
		var id int64
		if msg.Revision != nil {
			id = msg.Revision.RevisionID
		}
		c.log.Warn("undecodable revision", "doc", msg.DocID, "err", err)
		c.reject(ctx, msg.DocID, id, err)
		return
	}

	submitCtx, cancel := context.WithTimeout(ctx, c.opts.SubmitTimeout)
	defer cancel()
	if err := c.sem.Acquire(submitCtx); err != nil {
		c.reject(ctx, rev.DocumentID, rev.RevisionID, collab.ErrBusy)
		return
	}
	defer c.sem.Release()

	// ack 在文档 actor 内入队，排在之后任何提交的广播前面
	var acked atomic.Bool
	_, err = c.auth.SubmitFunc(submitCtx, rev, func(commit collab.Commit) {
		acked.Store(true)
		c.enqueue(Envelope{Type: TypeAck, DocID: rev.DocumentID, RevisionID: commit.Revision.RevisionID})
	})
	if err != nil {
		// 超时返回时提交可能已经落地并回了 ack
		if acked.Load() {
			return
		}
		if !collab.IsReject(err) {
			c.log.Error("submit", "doc", rev.DocumentID, "rev", rev.RevisionID, "err", err)
		}
		c.reject(ctx, rev.DocumentID, rev.RevisionID, err)
	}
}

func (c *Conn) reject(ctx context.Context, docID string, id int64, cause error) {
	var head int64
	if docID != "" {
		head, _ = c.auth.Head(ctx, docID)
	}
	c.enqueue(Envelope{Type: TypeReject, DocID: docID, RevisionID: id, Code: rejectCode(cause), Head: head})
}

func (c *Conn) touchPresence(ctx context.Context, docID string) {
	if c.presence == nil {
		return
	}
	if err := c.presence.Join(ctx, docID, c.clientID, c.opts.PresenceTTL); err != nil {
		c.log.Warn("presence join", "doc", docID, "err", err)
	}
}

func (c *Conn) leavePresence(ctx context.Context, docID string) {
	if c.presence == nil {
		return
	}
	if err := c.presence.Leave(ctx, docID, c.clientID); err != nil {
		c.log.Warn("presence leave", "doc", docID, "err", err)
	}
}

func (c *Conn) cleanup() {
	c.close()
	ids := make([]string, 0, len(c.docs))
	for id := range c.docs {
		ids = append(ids, id)
	}
	c.hub.LeaveAll(c, ids)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for _, id := range ids {
		c.leavePresence(ctx, id)
	}
}

func (c *Conn) writeLoop() {
	defer c.close()
	// 持续消费通道中的消息
	for {
		select {
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
			if err := c.ws.WriteJSON(msg); err != nil {
				c.log.Debug("write loop ended", "err", err)
				return
			}
		case <-c.done:
			return
		}
	}
}
