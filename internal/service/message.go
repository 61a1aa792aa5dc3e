package service

import (
	"errors"
	"strings"
	"time"

	"messenger/internal/cache"
	"messenger/internal/crypto"
	"messenger/internal/metrics"
	"messenger/internal/models"
	"messenger/internal/pipeline"
	"messenger/internal/ratelimit"

	"gorm.io/gorm"
)

// Broadcaster 是实时传输层的扇出入口，service 只依赖这个接口。
type Broadcaster interface {
	Publish(conversationID uint, eventType string, event map[string]interface{})
}

// MessageService 封装消息生命周期：创建、状态机、编辑、软删、表情回应。
// 每次接受的写入都会失效缓存、扇出实时事件并投递后台任务，
// 后台任务对同步路径即发即忘。
type MessageService struct {
	db      *gorm.DB
	cache   *cache.Cache
	convs   *ConversationService
	limiter *ratelimit.Limiter
	queue   *pipeline.Queue
	events  *pipeline.Dispatcher
	keys    *crypto.KeyStore
	hub     Broadcaster

	pageTTL time.Duration
}

func NewMessageService(db *gorm.DB, c *cache.Cache, convs *ConversationService, limiter *ratelimit.Limiter,
	queue *pipeline.Queue, events *pipeline.Dispatcher, keys *crypto.KeyStore, hub Broadcaster, pageTTL time.Duration) *MessageService {
	return &MessageService{
		db: db, cache: c, convs: convs, limiter: limiter,
		queue: queue, events: events, keys: keys, hub: hub, pageTTL: pageTTL,
	}
}

// MessageDTO 是对外输出的消息数据，软删消息内容置空但行仍可寻址。
type MessageDTO struct {
	ID             uint                 `json:"id"`
	ConversationID uint                 `json:"conversation_id"`
	SenderID       uint                 `json:"sender_id"`
	SenderName     string               `json:"sender_name,omitempty"`
	Type           models.MessageType   `json:"message_type"`
	Content        string               `json:"content"`
	FileName       string               `json:"file_name,omitempty"`
	FileSize       int64                `json:"file_size,omitempty"`
	Latitude       *float64             `json:"latitude,omitempty"`
	Longitude      *float64             `json:"longitude,omitempty"`
	Status         models.MessageStatus `json:"status"`
	IsEdited       bool                 `json:"is_edited"`
	IsDeleted      bool                 `json:"is_deleted"`
	ReplyTo        *uint                `json:"reply_to,omitempty"`
	CreatedAt      time.Time            `json:"created_at"`
}

func toDTO(m *models.Message, senderName string) MessageDTO {
	dto := MessageDTO{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		SenderName:     senderName,
		Type:           m.Type,
		Content:        m.Content,
		FileName:       m.FileName,
		FileSize:       m.FileSize,
		Latitude:       m.Latitude,
		Longitude:      m.Longitude,
		Status:         m.Status,
		IsEdited:       m.IsEdited,
		IsDeleted:      m.IsDeleted,
		ReplyTo:        m.ReplyToID,
		CreatedAt:      m.CreatedAt,
	}
	if m.IsDeleted {
		dto.Content = ""
	}
	return dto
}

// CreateMessageInput 按消息类型携带各自的必填字段。
type CreateMessageInput struct {
	Type      models.MessageType
	Content   string
	FileName  string
	FileSize  int64
	Latitude  *float64
	Longitude *float64
	ReplyToID *uint
}

func validatePayload(in *CreateMessageInput) error {
	if in.Type == "" {
		in.Type = models.MessageText
	}
	switch in.Type {
	case models.MessageText, models.MessageSystem:
		if strings.TrimSpace(in.Content) == "" {
			return ErrValidation
		}
	case models.MessageImage, models.MessageFile, models.MessageVoice, models.MessageVideo:
		if in.FileName == "" {
			return ErrValidation
		}
	case models.MessageLocation:
		if in.Latitude == nil || in.Longitude == nil {
			return ErrValidation
		}
	default:
		return ErrValidation
	}
	return nil
}

// Create 校验全部通过后才持久化：被拒绝的写入绝不留下半成品，
// 也不会投递任何后台任务。
func (s *MessageService) Create(conversationID, senderID uint, in CreateMessageInput) (*MessageDTO, error) {
	if err := s.consume(senderID, "message"); err != nil {
		return nil, err
	}
	if err := validatePayload(&in); err != nil {
		return nil, err
	}
	ok, err := s.convs.IsParticipant(conversationID, senderID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotParticipant
	}
	if in.ReplyToID != nil {
		var parent models.Message
		if err := s.db.First(&parent, *in.ReplyToID).Error; err != nil || parent.ConversationID != conversationID {
			return nil, ErrValidation
		}
	}

	msg := models.Message{
		ConversationID: conversationID,
		SenderID:       senderID,
		Type:           in.Type,
		Content:        in.Content,
		FileName:       in.FileName,
		FileSize:       in.FileSize,
		Latitude:       in.Latitude,
		Longitude:      in.Longitude,
		Status:         models.StatusSent,
		ReplyToID:      in.ReplyToID,
	}
	if err := s.db.Create(&msg).Error; err != nil {
		return nil, err
	}
	metrics.MessagesCreatedTotal.Inc()

	// 单条带条件的 UPDATE 保证并发写入下 last_message_at 单调不减。
	s.db.Model(&models.Conversation{}).
		Where("id = ? AND last_message_at < ?", conversationID, msg.CreatedAt).
		UpdateColumn("last_message_at", msg.CreatedAt)

	participantIDs, _ := s.convs.ActiveParticipantIDs(conversationID)
	s.cache.InvalidateConversation(conversationID, participantIDs)

	dto := toDTO(&msg, s.username(senderID))

	if s.hub != nil {
		s.hub.Publish(conversationID, "chat_message", map[string]interface{}{
			"type":            "chat_message",
			"message_id":      msg.ID,
			"conversation_id": conversationID,
			"sender_id":       senderID,
			"sender_username": dto.SenderName,
			"message_type":    string(msg.Type),
			"message":         msg.Content,
			"reply_to":        in.ReplyToID,
			"timestamp":       time.Now().UTC().Format(time.RFC3339),
		})
	}
	if s.queue != nil {
		s.queue.Enqueue(&pipeline.ModerationJob{DB: s.db, Events: s.events, MessageID: msg.ID, Content: msg.Content})
		s.queue.Enqueue(&pipeline.EncryptionJob{DB: s.db, Keys: s.keys, MessageID: msg.ID})
	}
	if s.events != nil {
		s.events.Emit("message.sent", map[string]interface{}{
			"message_id":      msg.ID,
			"conversation_id": conversationID,
			"sender_id":       senderID,
			"message_type":    string(msg.Type),
			"timestamp":       msg.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	return &dto, nil
}

// MarkDelivered 状态只向前走：已达到或越过 delivered 时是无害的空操作。
func (s *MessageService) MarkDelivered(messageID uint) error {
	return s.advance(messageID, models.StatusDelivered)
}

// MarkRead 读者必须是会话成员；发送者读自己的消息是空操作。
// 允许从 sent 直接跳到 read。
func (s *MessageService) MarkRead(messageID, readerID uint) error {
	var msg models.Message
	if err := s.db.First(&msg, messageID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return ErrNotFound
		}
		return err
	}
	ok, err := s.convs.IsParticipant(msg.ConversationID, readerID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotParticipant
	}
	if msg.SenderID == readerID {
		return nil
	}
	if err := s.advance(messageID, models.StatusRead); err != nil {
		return err
	}
	if s.hub != nil {
		s.hub.Publish(msg.ConversationID, "read_receipt", map[string]interface{}{
			"type":            "read_receipt",
			"message_id":      messageID,
			"conversation_id": msg.ConversationID,
			"user_id":         readerID,
			"timestamp":       time.Now().UTC().Format(time.RFC3339),
		})
	}
	return nil
}

// advance 把状态推进到 target，当前状态已达到或越过时不做任何事。
func (s *MessageService) advance(messageID uint, target models.MessageStatus) error {
	var msg models.Message
	if err := s.db.First(&msg, messageID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return ErrNotFound
		}
		return err
	}
	if msg.Status.Rank() >= target.Rank() {
		return nil
	}
	now := time.Now()
	updates := map[string]interface{}{"status": target}
	switch target {
	case models.StatusDelivered:
		updates["delivered_at"] = &now
	case models.StatusRead:
		updates["read_at"] = &now
		if msg.DeliveredAt == nil {
			updates["delivered_at"] = &now
		}
	}
	return s.db.Model(&models.Message{}).
		Where("id = ? AND status = ?", messageID, msg.Status).
		Updates(updates).Error
}

// MarkConversationDelivered 连接建立时把别人发来的所有 sent 消息标记为已投递。
// 幂等：同一用户的第二条连接重复执行不会改变任何状态。
func (s *MessageService) MarkConversationDelivered(conversationID, userID uint) error {
	now := time.Now()
	return s.db.Model(&models.Message{}).
		Where("conversation_id = ? AND sender_id <> ? AND status = ?", conversationID, userID, models.StatusSent).
		Updates(map[string]interface{}{"status": models.StatusDelivered, "delivered_at": &now}).Error
}

// Edit 只有发送者能编辑，且只有文本消息可编辑。
func (s *MessageService) Edit(messageID, editorID uint, newContent string) (*MessageDTO, error) {
	var msg models.Message
	if err := s.db.First(&msg, messageID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if msg.SenderID != editorID {
		return nil, ErrNotSender
	}
	if msg.Type != models.MessageText || msg.IsDeleted {
		return nil, ErrValidation
	}
	if strings.TrimSpace(newContent) == "" {
		return nil, ErrValidation
	}

	now := time.Now()
	err := s.db.Model(&msg).Updates(map[string]interface{}{
		"content": newContent, "is_edited": true, "edited_at": &now,
	}).Error
	if err != nil {
		return nil, err
	}
	msg.Content = newContent
	msg.IsEdited = true

	participantIDs, _ := s.convs.ActiveParticipantIDs(msg.ConversationID)
	s.cache.InvalidateConversation(msg.ConversationID, participantIDs)

	dto := toDTO(&msg, s.username(msg.SenderID))
	return &dto, nil
}

// SoftDelete 内容对读者隐藏，但行保留，回复预览仍可寻址。
func (s *MessageService) SoftDelete(messageID, requesterID uint) error {
	var msg models.Message
	if err := s.db.First(&msg, messageID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return ErrNotFound
		}
		return err
	}
	if msg.SenderID != requesterID {
		return ErrNotSender
	}
	if msg.IsDeleted {
		return nil
	}
	now := time.Now()
	err := s.db.Model(&msg).Updates(map[string]interface{}{"is_deleted": true, "deleted_at": &now}).Error
	if err != nil {
		return err
	}
	participantIDs, _ := s.convs.ActiveParticipantIDs(msg.ConversationID)
	s.cache.InvalidateConversation(msg.ConversationID, participantIDs)
	return nil
}

// React (message, user, emoji) 三元组唯一，重复回应被拒绝。
func (s *MessageService) React(messageID, userID uint, emoji string) error {
	if err := s.consume(userID, "reaction"); err != nil {
		return err
	}
	if strings.TrimSpace(emoji) == "" {
		return ErrValidation
	}
	var msg models.Message
	if err := s.db.First(&msg, messageID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return ErrNotFound
		}
		return err
	}
	ok, err := s.convs.IsParticipant(msg.ConversationID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotParticipant
	}

	var count int64
	if err := s.db.Model(&models.MessageReaction{}).
		Where("message_id = ? AND user_id = ? AND emoji = ?", messageID, userID, emoji).
		Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return ErrDuplicateReaction
	}
	reaction := models.MessageReaction{MessageID: messageID, UserID: userID, Emoji: emoji}
	if err := s.db.Create(&reaction).Error; err != nil {
		// 并发下撞上唯一索引同样视为重复。
		return ErrDuplicateReaction
	}

	if s.hub != nil {
		s.hub.Publish(msg.ConversationID, "message_reaction", map[string]interface{}{
			"type":            "message_reaction",
			"message_id":      messageID,
			"conversation_id": msg.ConversationID,
			"user_id":         userID,
			"emoji":           emoji,
			"timestamp":       time.Now().UTC().Format(time.RFC3339),
		})
	}
	if s.events != nil {
		s.events.Emit("reaction.added", map[string]interface{}{
			"message_id": messageID,
			"user_id":    userID,
			"emoji":      emoji,
		})
	}
	return nil
}

// Unreact 移除自己的回应，不存在则 ErrNotFound。
func (s *MessageService) Unreact(messageID, userID uint, emoji string) error {
	res := s.db.Where("message_id = ? AND user_id = ? AND emoji = ?", messageID, userID, emoji).
		Delete(&models.MessageReaction{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListByConversation 读穿透缓存的分页查询，按创建顺序升序返回。
func (s *MessageService) ListByConversation(conversationID, requesterID uint, limit int) ([]MessageDTO, error) {
	ok, err := s.convs.IsParticipant(conversationID, requesterID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotParticipant
	}
	limit = normalizeLimit(limit)

	key := cache.MessagePageKey(conversationID, limit)
	if v, hit := s.cache.Get(key); hit {
		if out, ok2 := v.([]MessageDTO); ok2 {
			return out, nil
		}
	}

	var msgs []models.Message
	if err := s.db.Where("conversation_id = ?", conversationID).
		Order("id desc").Limit(limit).Find(&msgs).Error; err != nil {
		return nil, err
	}
	// 反转为升序
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}

	usernames, err := s.resolveUsernames(msgs)
	if err != nil {
		return nil, err
	}
	out := make([]MessageDTO, 0, len(msgs))
	for i := range msgs {
		out = append(out, toDTO(&msgs[i], usernames[msgs[i].SenderID]))
	}
	s.cache.Set(key, out, s.pageTTL)
	return out, nil
}

// normalizeLimit 把任意请求值归一到已知页大小，保证失效时能全部清除。
func normalizeLimit(limit int) int {
	for _, size := range cache.PageSizes {
		if limit <= size {
			return size
		}
	}
	return cache.PageSizes[len(cache.PageSizes)-1]
}

func (s *MessageService) consume(userID uint, action string) error {
	if s.limiter == nil {
		return nil
	}
	if err := s.limiter.CheckAndConsume(userID, action); err != nil {
		if errors.Is(err, ratelimit.ErrLimitExceeded) {
			return ErrRateLimited
		}
		return err
	}
	return nil
}

func (s *MessageService) username(userID uint) string {
	var u models.User
	if err := s.db.Select("id", "username").First(&u, userID).Error; err != nil {
		return ""
	}
	return u.Username
}

// resolveUsernames 批量获取消息涉及的用户名。
func (s *MessageService) resolveUsernames(msgs []models.Message) (map[uint]string, error) {
	seen := make(map[uint]struct{}, len(msgs))
	userIDs := make([]uint, 0, len(msgs))
	for _, m := range msgs {
		if _, ok := seen[m.SenderID]; ok {
			continue
		}
		seen[m.SenderID] = struct{}{}
		userIDs = append(userIDs, m.SenderID)
	}

	usernames := make(map[uint]string, len(userIDs))
	if len(userIDs) > 0 {
		var users []models.User
		if err := s.db.Select("id", "username").Where("id IN ?", userIDs).Find(&users).Error; err != nil {
			return nil, err
		}
		for _, u := range users {
			usernames[u.ID] = u.Username
		}
	}
	return usernames, nil
}
