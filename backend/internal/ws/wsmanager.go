package ws

import (
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"docsync/backend/internal/cache"
	"docsync/backend/internal/collab"
	"docsync/backend/internal/logging"
	"docsync/backend/internal/metrics"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// 全局的WebSocket upgrader（允许本地开发环境的来源）
var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || origin == "null" { // 一些环境可能不发送 Origin，或为 "null"
		return true
	}
	allowedPrefixes := []string{
		"http://localhost",
		"http://127.0.0.1",
		"https://localhost",
		"https://127.0.0.1",
	}
	for _, p := range allowedPrefixes {
		if strings.HasPrefix(origin, p) {
			return true
		}
	}
	return false
}}

type ServerOptions struct {
	// 连续这么久什么都没收到（心跳也没有）就关闭连接
	IdleTimeout   time.Duration
	WriteTimeout  time.Duration
	SubmitTimeout time.Duration
	PresenceTTL   time.Duration
	SendQueue     int
}

func (o *ServerOptions) withDefaults() {
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 60 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.SubmitTimeout <= 0 {
		o.SubmitTimeout = 200 * time.Millisecond
	}
	if o.PresenceTTL <= 0 {
		o.PresenceTTL = 600 * time.Second
	}
	if o.SendQueue <= 0 {
		o.SendQueue = 256
	}
}

// Manager 升级 /sync/ws 请求并持有所有活动连接
type Manager struct {
	hub      *Hub
	auth     *collab.Authority
	presence cache.Presence
	sem      *collab.SemaphoreControl
	opts     ServerOptions
	log      *slog.Logger

	mu    sync.Mutex
	conns map[*Conn]struct{}
}

// NewManager 把传输层接到 authority 上，presence 可为 nil
func NewManager(h *Hub, auth *collab.Authority, presence cache.Presence, sem *collab.SemaphoreControl, opts ServerOptions) *Manager {
	opts.withDefaults()
	if sem == nil {
		sem = collab.NewSemaphoreControl(collab.DefaultMaxSemaphore)
	}
	return &Manager{
		hub:      h,
		auth:     auth,
		presence: presence,
		sem:      sem,
		opts:     opts,
		log:      logging.For("ws"),
		conns:    make(map[*Conn]struct{}),
	}
}

func (m *Manager) WebSocketConnect(c *gin.Context) {
	clientID := c.Query("clientId")
	if clientID == "" {
		c.String(http.StatusBadRequest, "missing clientId")
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		m.log.Warn("websocket upgrade", "err", err, "origin", c.Request.Header.Get("Origin"))
		return
	}
	// defer：用于延迟执行（延迟至return处）
	defer conn.Close()

	wsConn := NewConn(conn, m, clientID)
	m.track(wsConn, true)
	defer m.track(wsConn, false)

	// 先启动写循环，确保后续写入 send 通道的消息可以被及时发送
	go wsConn.writeLoop()
	// 最后再进入读循环（阻塞至连接关闭）
	wsConn.readLoop(c.Request.Context())
}

func (m *Manager) track(c *Conn, add bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if add {
		m.conns[c] = struct{}{}
		metrics.ConnectedClients.Inc()
		return
	}
	delete(m.conns, c)
	metrics.ConnectedClients.Dec()
}

// CloseAll 断开所有连接，客户端会自行重连
func (m *Manager) CloseAll() {
	m.mu.Lock()
	conns := make([]*Conn, 0, len(m.conns))
	for c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()
	for _, c := range conns {
		c.close()
	}
}

func (m *Manager) Connections() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}
