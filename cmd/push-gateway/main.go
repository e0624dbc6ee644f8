package main

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"minimall/internal/event"
	"minimall/internal/pkg/bootstrap"
	"minimall/internal/pkg/config"
	"minimall/internal/pkg/logger"
	"minimall/internal/pkg/mq"
)

// push-gateway 把订单的终态事件实时推给浏览器：下单接口只返回受理，
// 结果要么轮询订单查询，要么挂在这里的 WebSocket 上等推送。
// 每个节点用独占消费组订阅终态主题，事件广播到所有节点，
// 由持有该用户连接的节点完成投递，用户不在线就丢弃。
const serviceName = "push-gateway"

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// 网关前面还有一层接入层做来源控制，这里放开跨域
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub 维护本节点的所有活跃连接，按 userID 索引。
type Hub struct {
	clients    map[string]*Client
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
}

func newHub() *Hub {
	return &Hub{
		clients:    make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
	}
}

// Run 处理连接的注册与注销，作为 bootstrap.Worker 运行。
func (h *Hub) Run(ctx context.Context) error {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			// 同一用户重复连接时后来者顶掉先来者
			if old, ok := h.clients[client.userID]; ok {
				close(old.send)
			}
			h.clients[client.userID] = client
			h.mu.Unlock()
			logger.Ctx(ctx).Info().Str("userId", client.userID).Msg("websocket client registered")
		case client := <-h.unregister:
			h.mu.Lock()
			if current, ok := h.clients[client.userID]; ok && current == client {
				delete(h.clients, client.userID)
				close(client.send)
			}
			h.mu.Unlock()
			logger.Ctx(ctx).Info().Str("userId", client.userID).Msg("websocket client unregistered")
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Push 向指定用户投递一条消息。用户不在本节点时返回 false。
func (h *Hub) Push(userID string, message []byte) bool {
	h.mu.RLock()
	client, ok := h.clients[userID]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	select {
	case client.send <- message:
		return true
	default:
		// 发送缓冲打满说明连接已经写不动了，交给 writePump 收尾
		return false
	}
}

// Client 是一条 WebSocket 连接。
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	userID string
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	// 客户端只收不发，读循环只消化心跳
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func serveWs(hub *Hub, w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		http.Error(w, "userId is required", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Ctx(r.Context()).Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := &Client{hub: hub, conn: conn, send: make(chan []byte, 256), userID: userID}
	hub.register <- client

	go client.writePump()
	go client.readPump()
}

// pushHandler 把终态事件转成对用户的推送。推送是尽力而为的，
// 失败不重试：权威结果永远以订单查询接口为准。
func pushHandler(hub *Hub) event.Handler {
	return func(ctx context.Context, evt event.Event) error {
		var envelope struct {
			UserID string `json:"userId"`
		}
		if err := evt.Decode(&envelope); err != nil {
			logger.Ctx(ctx).Error().Err(err).Msg("malformed push event, dropping")
			return nil
		}
		if hub.Push(envelope.UserID, evt.Payload) {
			logger.Ctx(ctx).Info().Str("userId", envelope.UserID).Str("topic", evt.Topic).Msg("pushed order result to client")
		}
		return nil
	}
}

// dropSink 实现 event.DeadLetterSink。推送事件没有重试价值，只留日志。
type dropSink struct{}

func (dropSink) Record(ctx context.Context, evt event.Event, attempts int, cause error) error {
	logger.Ctx(ctx).Warn().Err(cause).Str("topic", evt.Topic).Msg("dropping undeliverable push event")
	return nil
}

func main() {
	port, _ := strconv.Atoi(config.GetEnv("PORT", "8088"))
	// 独占消费组：每个网关节点都要收到全量终态事件
	groupID := serviceName + "-" + uuid.NewString()[:8]

	bootstrap.StartService(bootstrap.AppInfo{
		ServiceName: serviceName,
		Port:        port,
		RegisterHandlers: func(appCtx bootstrap.AppCtx) []bootstrap.Worker {
			cfg := appCtx.Cfg
			hub := newHub()

			appCtx.Mux.HandleFunc("GET /ws", func(w http.ResponseWriter, r *http.Request) {
				serveWs(hub, w, r)
			})

			handler := pushHandler(hub)
			completed := event.NewConsumer(
				mq.NewKafkaReader(cfg.Infra.KafkaBrokers, event.TopicOrderCompleted, groupID),
				handler, 1, 0, dropSink{})
			failed := event.NewConsumer(
				mq.NewKafkaReader(cfg.Infra.KafkaBrokers, event.TopicOrderFailed, groupID),
				handler, 1, 0, dropSink{})

			return []bootstrap.Worker{hub.Run, completed.Start, failed.Start}
		},
	})
}
