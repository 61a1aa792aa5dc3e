package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"messenger/internal/auth"
	"messenger/internal/models"
	"messenger/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Handler 聚合所有 HTTP handler，依赖注入 service 层。
type Handler struct {
	db      *gorm.DB
	convSvc *service.ConversationService
	msgSvc  *service.MessageService
}

func NewHandler(db *gorm.DB, convSvc *service.ConversationService, msgSvc *service.MessageService) *Handler {
	return &Handler{db: db, convSvc: convSvc, msgSvc: msgSvc}
}

// respondErr 将业务层错误映射成 HTTP 状态码，未知错误记日志并返回 500。
func respondErr(c *gin.Context, err error, op string) {
	switch {
	case errors.Is(err, service.ErrValidation), errors.Is(err, service.ErrSelfConversation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrNotParticipant), errors.Is(err, service.ErrNotSender), errors.Is(err, service.ErrNotAuthorized):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrNotFound), errors.Is(err, service.ErrNotAMember):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrCapacityExceeded), errors.Is(err, service.ErrDuplicateReaction):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrRateLimited):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": err.Error()})
	default:
		log.Error().Err(err).Str("op", op).Msg("request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func pathID(c *gin.Context, name string) (uint, bool) {
	id, err := strconv.Atoi(c.Param(name))
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return uint(id), true
}

// CreateDirect 获取或创建两人私聊，幂等。
func (h *Handler) CreateDirect(c *gin.Context) {
	var req struct {
		UserID uint `json:"user_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.UserID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	conv, created, err := h.convSvc.GetOrCreateDirect(auth.GetUserID(c), req.UserID)
	if err != nil {
		respondErr(c, err, "create direct conversation")
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{"id": conv.ID, "type": conv.Type, "created": created})
}

// CreateGroup 创建群聊或频道，创建者自动成为管理员。
func (h *Handler) CreateGroup(c *gin.Context) {
	var req struct {
		Type      string `json:"type"`
		Title     string `json:"title"`
		MemberIDs []uint `json:"member_ids"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	typ := models.ConversationType(req.Type)
	if typ == "" {
		typ = models.ConversationGroup
	}
	if typ != models.ConversationGroup && typ != models.ConversationChannel {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid conversation type"})
		return
	}
	conv, err := h.convSvc.CreateGroup(auth.GetUserID(c), typ, strings.TrimSpace(req.Title), req.MemberIDs)
	if err != nil {
		respondErr(c, err, "create group conversation")
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": conv.ID, "type": conv.Type, "title": conv.Title})
}

// ListConversations 返回当前用户的会话列表，按最后消息时间倒序。
func (h *Handler) ListConversations(c *gin.Context) {
	out, err := h.convSvc.ListForUser(auth.GetUserID(c))
	if err != nil {
		respondErr(c, err, "list conversations")
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversations": out})
}

// AddParticipant 向群聊添加成员，重复添加是幂等的。
func (h *Handler) AddParticipant(c *gin.Context) {
	convID, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req struct {
		UserID uint   `json:"user_id"`
		Role   string `json:"role"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.UserID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	role := models.ParticipantRole(req.Role)
	if role == "" {
		role = models.RoleMember
	}
	if err := h.convSvc.AddParticipant(convID, req.UserID, auth.GetUserID(c), role); err != nil {
		respondErr(c, err, "add participant")
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// RemoveParticipant 将成员移出会话（逻辑删除），自己退出无需管理员权限。
func (h *Handler) RemoveParticipant(c *gin.Context) {
	convID, ok := pathID(c, "id")
	if !ok {
		return
	}
	userID, ok := pathID(c, "userID")
	if !ok {
		return
	}
	if err := h.convSvc.RemoveParticipant(convID, userID, auth.GetUserID(c)); err != nil {
		respondErr(c, err, "remove participant")
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// ListMessages 返回会话最近的消息页，越早的消息越靠前。
func (h *Handler) ListMessages(c *gin.Context) {
	convID, ok := pathID(c, "id")
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	msgs, err := h.msgSvc.ListByConversation(convID, auth.GetUserID(c), limit)
	if err != nil {
		respondErr(c, err, "list messages")
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// CreateMessage 发送一条新消息，校验失败不会留下任何持久化痕迹。
func (h *Handler) CreateMessage(c *gin.Context) {
	var req struct {
		ConversationID uint     `json:"conversation_id"`
		Type           string   `json:"message_type"`
		Content        string   `json:"content"`
		FileName       string   `json:"file_name"`
		FileSize       int64    `json:"file_size"`
		Latitude       *float64 `json:"latitude"`
		Longitude      *float64 `json:"longitude"`
		ReplyTo        *uint    `json:"reply_to"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.ConversationID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	dto, err := h.msgSvc.Create(req.ConversationID, auth.GetUserID(c), service.CreateMessageInput{
		Type:      models.MessageType(req.Type),
		Content:   req.Content,
		FileName:  req.FileName,
		FileSize:  req.FileSize,
		Latitude:  req.Latitude,
		Longitude: req.Longitude,
		ReplyToID: req.ReplyTo,
	})
	if err != nil {
		respondErr(c, err, "create message")
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": dto})
}

// MarkRead 将消息标记为已读，状态只前进不回退。
func (h *Handler) MarkRead(c *gin.Context) {
	msgID, ok := pathID(c, "id")
	if !ok {
		return
	}
	if err := h.msgSvc.MarkRead(msgID, auth.GetUserID(c)); err != nil {
		respondErr(c, err, "mark read")
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// EditMessage 编辑文本消息，仅发送者可操作。
func (h *Handler) EditMessage(c *gin.Context) {
	msgID, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req struct {
		Content string `json:"content"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	dto, err := h.msgSvc.Edit(msgID, auth.GetUserID(c), req.Content)
	if err != nil {
		respondErr(c, err, "edit message")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": dto})
}

// DeleteMessage 软删消息，重复删除是幂等的。
func (h *Handler) DeleteMessage(c *gin.Context) {
	msgID, ok := pathID(c, "id")
	if !ok {
		return
	}
	if err := h.msgSvc.SoftDelete(msgID, auth.GetUserID(c)); err != nil {
		respondErr(c, err, "delete message")
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// AddReaction 给消息添加表情回应，同一用户同一表情只能加一次。
func (h *Handler) AddReaction(c *gin.Context) {
	msgID, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req struct {
		Emoji string `json:"emoji"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Emoji == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if err := h.msgSvc.React(msgID, auth.GetUserID(c), req.Emoji); err != nil {
		respondErr(c, err, "add reaction")
		return
	}
	c.JSON(http.StatusCreated, gin.H{"status": "ok"})
}

// RemoveReaction 删除自己的表情回应。
func (h *Handler) RemoveReaction(c *gin.Context) {
	msgID, ok := pathID(c, "id")
	if !ok {
		return
	}
	emoji := c.Query("emoji")
	if emoji == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "emoji required"})
		return
	}
	if err := h.msgSvc.Unreact(msgID, auth.GetUserID(c), emoji); err != nil {
		respondErr(c, err, "remove reaction")
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// RegisterWebhook 注册一个事件回调端点。
func (h *Handler) RegisterWebhook(c *gin.Context) {
	var req struct {
		URL    string   `json:"url"`
		Secret string   `json:"secret"`
		Events []string `json:"events"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	req.URL = strings.TrimSpace(req.URL)
	if !strings.HasPrefix(req.URL, "http://") && !strings.HasPrefix(req.URL, "https://") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid url"})
		return
	}
	if req.Secret == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "secret required"})
		return
	}
	ep := models.WebhookEndpoint{
		URL:      req.URL,
		Secret:   req.Secret,
		Events:   strings.Join(req.Events, ","),
		IsActive: true,
	}
	if err := h.db.Create(&ep).Error; err != nil {
		log.Error().Err(err).Str("url", req.URL).Msg("register webhook")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to register webhook"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": ep.ID, "url": ep.URL, "events": req.Events})
}
