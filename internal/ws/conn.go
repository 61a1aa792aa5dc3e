package ws

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"messenger/internal/auth"
	"messenger/internal/config"
	"messenger/internal/models"
	"messenger/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"gorm.io/gorm"
)

// Client 一条已认证连接对一个会话组的订阅。
type Client struct {
	group    *Group
	conn     *websocket.Conn
	send     chan []byte
	userID   uint
	uname    string
	hub      *Hub
	msgs     *service.MessageService
	presence *service.PresenceService
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// InboundFrame 连接上行协议：每个帧先按 type 分发再取各自字段。
type InboundFrame struct {
	Type        string `json:"type"`
	Message     string `json:"message"`
	MessageType string `json:"message_type"`
	ReplyTo     *uint  `json:"reply_to"`
	MessageID   uint   `json:"message_id"`
	Emoji       string `json:"emoji"`
}

// Serve 处理连接握手：未认证直接关闭；非成员拒绝订阅；
// 订阅成功后标记在线、广播上线事件，并把别人发的 sent 消息标记已投递。
func Serve(h *Hub, db *gorm.DB, cfg config.Config,
	convs *service.ConversationService, msgs *service.MessageService, presence *service.PresenceService) gin.HandlerFunc {
	return func(c *gin.Context) {
		cidStr := c.Query("conversation_id")
		cid64, err := strconv.ParseUint(cidStr, 10, 64)
		if err != nil || cid64 == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid conversation_id"})
			return
		}
		conversationID := uint(cid64)

		// Token 可从 Authorization 头或 token query 参数传入。
		authz := c.GetHeader("Authorization")
		token := c.Query("token")
		if token == "" && len(authz) > 7 && (authz[:7] == "Bearer " || authz[:7] == "bearer ") {
			token = authz[7:]
		}
		if token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
			return
		}
		claims, err := auth.ParseAccessToken(token, cfg.JWTSecret)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		var user models.User
		if err := db.First(&user, claims.UserID).Error; err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "user not found"})
			return
		}

		ok, err := convs.IsParticipant(conversationID, user.ID)
		if err != nil || !ok {
			c.JSON(http.StatusForbidden, gin.H{"error": "not a participant"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return
		}
		group := h.Group(conversationID)
		client := &Client{
			group:    group,
			conn:     conn,
			send:     make(chan []byte, 256),
			userID:   user.ID,
			uname:    user.Username,
			hub:      h,
			msgs:     msgs,
			presence: presence,
		}
		group.register <- client

		_ = presence.SetOnline(user.ID)
		h.Publish(conversationID, "user_status", statusEvent(conversationID, user.ID, user.Username, "online"))
		_ = msgs.MarkConversationDelivered(conversationID, user.ID)

		go client.writePump()
		client.readPump()
	}
}

func statusEvent(conversationID, userID uint, username, status string) map[string]interface{} {
	return map[string]interface{}{
		"type":            "user_status",
		"conversation_id": conversationID,
		"user_id":         userID,
		"username":        username,
		"status":          status,
		"timestamp":       time.Now().UTC().Format(time.RFC3339),
	}
}

func (c *Client) readPump() {
	defer func() {
		c.group.unregister <- c
		_ = c.conn.Close()
		// 断开连接只清理这条连接自己的订阅与输入状态，
		// 已入队的后台任务不受影响。
		_ = c.presence.StopTyping(c.group.conversationID, c.userID)
		_ = c.presence.SetOffline(c.userID)
		c.hub.Publish(c.group.conversationID, "user_status",
			statusEvent(c.group.conversationID, c.userID, c.uname, "offline"))
	}()
	c.conn.SetReadLimit(1 << 20) // 1MB
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		var in InboundFrame
		if err := json.Unmarshal(data, &in); err != nil {
			continue
		}
		c.handle(in)
	}
}

// handle 每个上行帧都会再次经过成员校验（service 层负责），
// 校验失败只丢弃该帧，连接保持。
func (c *Client) handle(in InboundFrame) {
	conversationID := c.group.conversationID
	switch in.Type {
	case "chat_message":
		input := service.CreateMessageInput{
			Type:      models.MessageType(in.MessageType),
			Content:   in.Message,
			ReplyToID: in.ReplyTo,
		}
		if input.Type == "" {
			input.Type = models.MessageText
		}
		_, _ = c.msgs.Create(conversationID, c.userID, input)
	case "typing_start":
		if err := c.presence.StartTyping(conversationID, c.userID); err == nil {
			c.hub.Publish(conversationID, "typing_indicator", c.typingEvent(true))
		}
	case "typing_stop":
		if err := c.presence.StopTyping(conversationID, c.userID); err == nil {
			c.hub.Publish(conversationID, "typing_indicator", c.typingEvent(false))
		}
	case "mark_read":
		_ = c.msgs.MarkRead(in.MessageID, c.userID)
	case "reaction":
		_ = c.msgs.React(in.MessageID, c.userID, in.Emoji)
	}
}

func (c *Client) typingEvent(typing bool) map[string]interface{} {
	return map[string]interface{}{
		"type":            "typing_indicator",
		"conversation_id": c.group.conversationID,
		"user_id":         c.userID,
		"username":        c.uname,
		"typing":          typing,
		"timestamp":       time.Now().UTC().Format(time.RFC3339),
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)
			_ = w.Close()
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
