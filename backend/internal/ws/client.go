package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/url"
	"sync"
	"time"

	"docsync/backend/internal/collab"
	"docsync/backend/internal/logging"
	"docsync/backend/internal/metrics"
	"docsync/backend/internal/store"

	"github.com/gorilla/websocket"
)

var (
	ErrConnectionLost = errors.New("CONNECTION_LOST")
	ErrClosed         = errors.New("CLIENT_CLOSED")
)

type ClientState int

const (
	StateDisconnected ClientState = iota
	StateConnecting
	StateConnected
	// 终态
	StateClosing
)

func (s ClientState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	}
	return fmt.Sprintf("client_state(%d)", int(s))
}

// Timings 是传输层的各项计时，运行中可替换
type Timings struct {
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	BaseBackoff       time.Duration
	MaxBackoff        time.Duration
	// 每次退避时长上下浮动的比例
	Jitter float64
}

func (t *Timings) withDefaults() {
	if t.HeartbeatInterval <= 0 {
		t.HeartbeatInterval = 15 * time.Second
	}
	if t.HeartbeatTimeout <= 0 {
		t.HeartbeatTimeout = 3 * t.HeartbeatInterval
	}
	if t.BaseBackoff <= 0 {
		t.BaseBackoff = 200 * time.Millisecond
	}
	if t.MaxBackoff <= 0 {
		t.MaxBackoff = 30 * time.Second
	}
	if t.Jitter < 0 || t.Jitter >= 1 {
		t.Jitter = 0.2
	}
}

type ClientOptions struct {
	// authority 的 websocket 地址，如 ws://host:8080/sync/ws
	URL      string
	ClientID string
	Timings  Timings
	// 连续拨号失败多少次后转为离线；0 表示 10，负数表示永不放弃
	MaxReconnects int
	SendQueue     int
	Dialer        *websocket.Dialer
	Listener      collab.Listener
	Logger        *slog.Logger
}

// link 是一条活着的 websocket 连接
type link struct {
	ws   *websocket.Conn
	gen  uint64
	send chan Envelope
	done chan struct{}
	once sync.Once
}

func (l *link) close() {
	l.once.Do(func() {
		close(l.done)
		_ = l.ws.Close()
	})
}

// enqueue 不阻塞，队列满就断开连接
func (l *link) enqueue(msg Envelope) bool {
	select {
	case l.send <- msg:
		return true
	case <-l.done:
		return false
	default:
		l.close()
		return false
	}
}

// session 是一个打开的文档
type session struct {
	m *collab.Manager
	// 最后交给连接的修订，以及是哪条连接
	inflight *store.Revision
	sentGen  uint64
}

// Client 与 authority 保持一条 websocket 连接，所有打开的文档复用它。
// 状态在 Disconnected -> Connecting -> Connected 之间往复，Close 后进入 Closing。
type Client struct {
	opts     ClientOptions
	listener collab.Listener
	log      *slog.Logger

	mu      sync.Mutex
	timings Timings
	state   ClientState
	link    *link
	gen     uint64
	docs    map[string]*session

	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewClient 在后台开始连接
func NewClient(opts ClientOptions) (*Client, error) {
	if opts.URL == "" || opts.ClientID == "" {
		return nil, errors.New("ws client: URL and ClientID are required")
	}
	if _, err := url.Parse(opts.URL); err != nil {
		return nil, fmt.Errorf("ws client: %w", err)
	}
	opts.Timings.withDefaults()
	if opts.MaxReconnects == 0 {
		opts.MaxReconnects = 10
	}
	if opts.SendQueue <= 0 {
		opts.SendQueue = 256
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	c := &Client{
		opts:     opts,
		listener: opts.Listener,
		log:      opts.Logger,
		timings:  opts.Timings,
		docs:     make(map[string]*session),
		wake:     make(chan struct{}, 1),
	}
	if c.listener == nil {
		c.listener = collab.ListenerFuncs{}
	}
	if c.log == nil {
		c.log = logging.For("ws-client")
	}
	c.log = c.log.With("client", opts.ClientID)
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.wg.Add(1)
	go c.run()
	return c, nil
}

func (c *Client) State() ClientState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetTimings 替换计时参数，当前连接在下一次读时用上新的心跳超时
func (c *Client) SetTimings(t Timings) {
	t.withDefaults()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timings = t
}

func (c *Client) currentTimings() Timings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timings
}

// Open 把文档 manager 挂到传输上。已连接则立即订阅，否则等下次连上
func (c *Client) Open(ctx context.Context, m *collab.Manager) error {
	docID := m.DocumentID()
	c.mu.Lock()
	if c.state == StateClosing {
		c.mu.Unlock()
		return ErrClosed
	}
	if _, ok := c.docs[docID]; ok {
		c.mu.Unlock()
		return fmt.Errorf("document %s already open", docID)
	}
	c.docs[docID] = &session{m: m}
	l := c.link
	c.mu.Unlock()

	if l == nil {
		return nil
	}
	return c.attach(ctx, l, docID, m)
}

// CloseDocument 摘下文档。在途修订在 store 中保持 Sync，下次打开时重新提交
func (c *Client) CloseDocument(ctx context.Context, docID string) error {
	c.mu.Lock()
	sess, ok := c.docs[docID]
	delete(c.docs, docID)
	l := c.link
	c.mu.Unlock()
	if !ok {
		return nil
	}
	if l != nil {
		l.enqueue(Envelope{Type: TypeUnsubscribe, DocID: docID})
	}
	return sess.m.Detach(ctx)
}

// Reconnect 在离线后重新开始拨号
func (c *Client) Reconnect() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Close 停止传输并摘下所有打开的文档
func (c *Client) Close() error {
	c.mu.Lock()
	if c.state == StateClosing {
		c.mu.Unlock()
		return nil
	}
	c.state = StateClosing
	l := c.link
	c.mu.Unlock()

	c.cancel()
	if l != nil {
		l.close()
	}
	c.wg.Wait()
	c.detachAll(context.Background())
	return nil
}

func (c *Client) run() {
	defer c.wg.Done()
	failures := 0
	for c.ctx.Err() == nil {
		if !c.setState(StateConnecting) {
			return
		}
		l, err := c.dial()
		if err != nil {
			failures++
			metrics.Reconnects.Inc()
			if c.opts.MaxReconnects > 0 && failures > c.opts.MaxReconnects {
				c.log.Warn("giving up, offline", "attempts", failures, "err", err)
				c.setState(StateDisconnected)
				c.emit(collab.StatusOffline, fmt.Errorf("%w: %w", ErrConnectionLost, err))
				select {
				case <-c.wake:
					failures = 0
					continue
				case <-c.ctx.Done():
					return
				}
			}
			c.emit(collab.StatusReconnecting, err)
			delay := c.backoff(failures)
			c.log.Debug("dial failed", "attempt", failures, "retry_in", delay, "err", err)
			select {
			case <-time.After(delay):
			case <-c.wake:
			case <-c.ctx.Done():
				return
			}
			continue
		}
		failures = 0
		c.serve(l)
		if c.ctx.Err() != nil {
			return
		}
		c.emit(collab.StatusReconnecting, ErrConnectionLost)
	}
}

func (c *Client) setState(s ClientState) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosing {
		return false
	}
	c.state = s
	return true
}

func (c *Client) dial() (*link, error) {
	u, err := url.Parse(c.opts.URL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("clientId", c.opts.ClientID)
	u.RawQuery = q.Encode()

	t := c.currentTimings()
	ctx, cancel := context.WithTimeout(c.ctx, t.HeartbeatTimeout)
	defer cancel()
	conn, _, err := c.opts.Dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, err
	}
	return &link{ws: conn, send: make(chan Envelope, c.opts.SendQueue), done: make(chan struct{})}, nil
}

// 退避时长 base*2^(attempt-1)，有上限，带上下抖动
func (c *Client) backoff(attempt int) time.Duration {
	t := c.currentTimings()
	d := t.BaseBackoff
	for i := 1; i < attempt && d < t.MaxBackoff; i++ {
		d *= 2
	}
	d = min(d, t.MaxBackoff)
	if t.Jitter > 0 {
		span := float64(d) * t.Jitter
		d += time.Duration((rand.Float64()*2 - 1) * span)
	}
	return max(d, 0)
}

// serve 跑一条连接直到断开
func (c *Client) serve(l *link) {
	c.mu.Lock()
	if c.state == StateClosing {
		c.mu.Unlock()
		l.close()
		return
	}
	c.gen++
	l.gen = c.gen
	c.link = l
	c.state = StateConnected
	docs := make(map[string]*collab.Manager, len(c.docs))
	for id, s := range c.docs {
		docs[id] = s.m
	}
	c.mu.Unlock()
	c.log.Info("connected", "gen", l.gen)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writeLoop(l)
	}()

	for id, m := range docs {
		if err := c.attach(c.ctx, l, id, m); err != nil {
			c.log.Warn("attach", "doc", id, "err", err)
		}
	}
	c.readLoop(l)

	l.close()
	wg.Wait()
	c.mu.Lock()
	if c.link == l {
		c.link = nil
	}
	if c.state != StateClosing {
		c.state = StateDisconnected
	}
	c.mu.Unlock()
	c.log.Info("disconnected", "gen", l.gen)
	c.detachAll(context.Background())
}

// attach 从文档 head 开始订阅，再让 manager 重发未确认的修订。
// 服务端先回订阅，补发会早于重发的 ack 到达。
func (c *Client) attach(ctx context.Context, l *link, docID string, m *collab.Manager) error {
	if !l.enqueue(Envelope{Type: TypeSubscribe, DocID: docID, From: m.Head() + 1}) {
		return ErrConnectionLost
	}
	if err := m.Attach(ctx, docSender{c: c, docID: docID}); err != nil {
		return err
	}
	c.listener.OnStatus(ctx, collab.StatusEvent{DocumentID: docID, Status: collab.StatusOnline})
	return nil
}

func (c *Client) detachAll(ctx context.Context) {
	c.mu.Lock()
	ms := make([]*collab.Manager, 0, len(c.docs))
	for _, s := range c.docs {
		ms = append(ms, s.m)
	}
	c.mu.Unlock()
	for _, m := range ms {
		if err := m.Detach(ctx); err != nil && !errors.Is(err, collab.ErrClosed) {
			c.log.Warn("detach", "doc", m.DocumentID(), "err", err)
		}
	}
}

func (c *Client) writeLoop(l *link) {
	defer l.close()
	t := c.currentTimings()
	ticker := time.NewTicker(t.HeartbeatInterval)
	defer ticker.Stop()
	for {
		var msg Envelope
		select {
		case msg = <-l.send:
		case <-ticker.C:
			msg = Envelope{Type: TypeHeartbeat}
		case <-l.done:
			return
		}
		_ = l.ws.SetWriteDeadline(time.Now().Add(c.currentTimings().HeartbeatTimeout))
		if err := l.ws.WriteJSON(msg); err != nil {
			c.log.Debug("write failed", "err", err)
			return
		}
	}
}

func (c *Client) readLoop(l *link) {
	for {
		_ = l.ws.SetReadDeadline(time.Now().Add(c.currentTimings().HeartbeatTimeout))
		var msg Envelope
		if err := l.ws.ReadJSON(&msg); err != nil {
			c.log.Debug("read failed", "err", err)
			return
		}
		if err := c.dispatch(msg); err != nil {
			c.log.Warn("inbound message", "type", msg.Type, "doc", msg.DocID, "err", err)
		}
	}
}

func (c *Client) dispatch(msg Envelope) error {
	if msg.Type == TypeHeartbeat {
		return nil
	}
	if msg.Type == TypeError {
		return fmt.Errorf("server error: %s", msg.Content)
	}
	c.mu.Lock()
	sess := c.docs[msg.DocID]
	if sess != nil && (msg.Type == TypeAck || msg.Type == TypeReject) {
		sess.inflight = nil
	}
	c.mu.Unlock()
	if sess == nil {
		return nil
	}
	ctx := c.ctx
	switch msg.Type {
	case TypeRevision:
		rev, err := msg.Revision.Decode()
		if err != nil {
			return err
		}
		return sess.m.HandleRevision(ctx, rev)
	case TypeAck:
		return sess.m.HandleAck(ctx, msg.RevisionID)
	case TypeReject:
		return sess.m.HandleReject(ctx, msg.RevisionID, rejectError(msg.Code))
	case TypeResyncResponse:
		recs, err := DecodeRecords(msg.Records)
		if err != nil {
			return err
		}
		return sess.m.HandleResync(ctx, recs)
	}
	return fmt.Errorf("unexpected message type %q", msg.Type)
}

func (c *Client) emit(st collab.Status, err error) {
	c.mu.Lock()
	ids := make([]string, 0, len(c.docs))
	for id := range c.docs {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	for _, id := range ids {
		c.listener.OnStatus(c.ctx, collab.StatusEvent{DocumentID: id, Status: st, Err: err})
	}
}

// sendRevision 把 rev 交给当前连接，同一修订每条连接最多写一次；
// 离线时先搁着，下次 Attach 由 manager 重发。
func (c *Client) sendRevision(rev store.Revision) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	sess := c.docs[rev.DocumentID]
	if sess == nil {
		return ErrClosed
	}
	if c.link == nil {
		sess.inflight, sess.sentGen = &rev, 0
		return nil
	}
	if in := sess.inflight; in != nil && sess.sentGen == c.link.gen &&
		in.RevisionID == rev.RevisionID && in.Checksum == rev.Checksum {
		return nil
	}
	payload, err := EncodeRevision(rev)
	if err != nil {
		return err
	}
	if !c.link.enqueue(Envelope{Type: TypeRevision, DocID: rev.DocumentID, Revision: payload}) {
		return ErrConnectionLost
	}
	sess.inflight, sess.sentGen = &rev, c.link.gen
	return nil
}

func (c *Client) requestResync(docID string, from int64) error {
	c.mu.Lock()
	l := c.link
	c.mu.Unlock()
	if l == nil {
		// 重连后的订阅反正会从 head+1 补发
		return nil
	}
	if !l.enqueue(Envelope{Type: TypeResyncRequest, DocID: docID, From: from}) {
		return ErrConnectionLost
	}
	return nil
}

// docSender 是交给每个 manager 的 collab.Sender
type docSender struct {
	c     *Client
	docID string
}

func (s docSender) SendRevision(_ context.Context, rev store.Revision) error {
	return s.c.sendRevision(rev)
}

func (s docSender) RequestResync(_ context.Context, docID string, from int64) error {
	return s.c.requestResync(docID, from)
}
