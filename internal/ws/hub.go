package ws

import (
	"encoding/json"
	"sync"
	"sync/atomic"

	"messenger/internal/metrics"

	"github.com/rs/zerolog/log"
)

// Hub 管理会话级别的扇出组，实现延迟创建与并发安全。
type Hub struct {
	mu     sync.RWMutex
	groups map[uint]*Group
}

func NewHub() *Hub { return &Hub{groups: make(map[uint]*Group)} }

// Group 若会话组未初始化则懒加载一个。
func (h *Hub) Group(conversationID uint) *Group {
	h.mu.RLock()
	g := h.groups[conversationID]
	h.mu.RUnlock()
	if g != nil {
		return g
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	g = h.groups[conversationID]
	if g != nil {
		return g
	}
	g = NewGroup(conversationID)
	h.groups[conversationID] = g
	go g.run()
	return g
}

func (h *Hub) existing(conversationID uint) *Group {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.groups[conversationID]
}

// Online 返回会话当前订阅的连接数，供 REST 接口复用。
func (h *Hub) Online(conversationID uint) int {
	g := h.existing(conversationID)
	if g == nil {
		return 0
	}
	return g.Online()
}

// Publish 把事件广播给会话的全部订阅连接；没有订阅者时直接丢弃。
// 实现 service.Broadcaster。
func (h *Hub) Publish(conversationID uint, eventType string, event map[string]interface{}) {
	g := h.existing(conversationID)
	if g == nil {
		return
	}
	b, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Str("event", eventType).Msg("ws event marshal")
		return
	}
	metrics.WsEventsTotal.WithLabelValues(eventType).Inc()
	g.broadcast <- b
}

// Group 是一个会话的扇出目标：发布到组的事件投给每条订阅连接。
type Group struct {
	conversationID uint
	clients        map[*Client]bool
	register       chan *Client
	unregister     chan *Client
	broadcast      chan []byte
	online         int32
}

func NewGroup(conversationID uint) *Group {
	return &Group{
		conversationID: conversationID,
		clients:        make(map[*Client]bool),
		register:       make(chan *Client),
		unregister:     make(chan *Client),
		broadcast:      make(chan []byte, 256),
	}
}

func (g *Group) run() {
	for {
		select {
		case c := <-g.register:
			g.clients[c] = true
			atomic.StoreInt32(&g.online, int32(len(g.clients)))
			metrics.WsConnections.Inc()
		case c := <-g.unregister:
			if _, ok := g.clients[c]; ok {
				delete(g.clients, c)
				close(c.send)
				atomic.StoreInt32(&g.online, int32(len(g.clients)))
				metrics.WsConnections.Dec()
			}
		case msg := <-g.broadcast:
			// 背压按连接处理：慢消费者被摘除，不拖累同组其他连接。
			for c := range g.clients {
				select {
				case c.send <- msg:
				default:
					close(c.send)
					delete(g.clients, c)
					atomic.StoreInt32(&g.online, int32(len(g.clients)))
					metrics.WsConnections.Dec()
				}
			}
		}
	}
}

// Online 返回组内在线连接数量。
func (g *Group) Online() int { return int(atomic.LoadInt32(&g.online)) }
