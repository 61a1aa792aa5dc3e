package service

import (
	"strings"
	"time"

	"messenger/internal/cache"
	"messenger/internal/models"
	"messenger/internal/pipeline"

	"gorm.io/gorm"
)

// ConversationService 封装会话与成员名册相关的业务逻辑。
type ConversationService struct {
	db     *gorm.DB
	cache  *cache.Cache
	events *pipeline.Dispatcher

	listTTL time.Duration
}

func NewConversationService(db *gorm.DB, c *cache.Cache, events *pipeline.Dispatcher, listTTL time.Duration) *ConversationService {
	return &ConversationService{db: db, cache: c, events: events, listTTL: listTTL}
}

// ConversationDTO 是对外输出的会话数据。
type ConversationDTO struct {
	ID            uint                    `json:"id"`
	Type          models.ConversationType `json:"type"`
	Title         string                  `json:"title,omitempty"`
	CreatedBy     uint                    `json:"created_by,omitempty"`
	LastMessageAt time.Time               `json:"last_message_at"`
}

// GetOrCreateDirect 返回两人之间唯一的私聊会话，必要时创建。
// 始终按较小的用户 ID 在前存储，保证 (A,B) 与 (B,A) 落到同一行。
func (s *ConversationService) GetOrCreateDirect(userA, userB uint) (*models.Conversation, bool, error) {
	if userA == userB {
		return nil, false, ErrSelfConversation
	}
	if userA > userB {
		userA, userB = userB, userA
	}

	var conv models.Conversation
	err := s.db.Where("type = ? AND participant1_id = ? AND participant2_id = ?",
		models.ConversationDirect, userA, userB).First(&conv).Error
	if err == nil {
		return &conv, false, nil
	}
	if err != gorm.ErrRecordNotFound {
		return nil, false, err
	}

	now := time.Now()
	conv = models.Conversation{
		Type:            models.ConversationDirect,
		Participant1ID:  &userA,
		Participant2ID:  &userB,
		IsActive:        true,
		MaxParticipants: 2,
		LastMessageAt:   now,
	}
	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&conv).Error; err != nil {
			return err
		}
		for _, uid := range []uint{userA, userB} {
			p := models.Participant{ConversationID: conv.ID, UserID: uid, Role: models.RoleMember, IsActive: true, JoinedAt: now}
			if err := tx.Create(&p).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		// 并发下另一端刚创建了同一对会话，读回已有的行。
		var existing models.Conversation
		if err2 := s.db.Where("type = ? AND participant1_id = ? AND participant2_id = ?",
			models.ConversationDirect, userA, userB).First(&existing).Error; err2 == nil {
			return &existing, false, nil
		}
		return nil, false, err
	}
	s.cache.Delete(cache.ConversationListKey(userA), cache.ConversationListKey(userB))
	return &conv, true, nil
}

// CreateGroup 创建群组或频道，创建者自动成为 admin。
func (s *ConversationService) CreateGroup(creator uint, typ models.ConversationType, title string, memberIDs []uint) (*models.Conversation, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, ErrValidation
	}
	if typ != models.ConversationGroup && typ != models.ConversationChannel {
		return nil, ErrValidation
	}

	now := time.Now()
	conv := models.Conversation{
		Type:          typ,
		Title:         title,
		CreatedBy:     creator,
		IsActive:      true,
		LastMessageAt: now,
	}
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&conv).Error; err != nil {
			return err
		}
		admin := models.Participant{ConversationID: conv.ID, UserID: creator, Role: models.RoleAdmin, IsActive: true, JoinedAt: now}
		if err := tx.Create(&admin).Error; err != nil {
			return err
		}
		seen := map[uint]struct{}{creator: {}}
		for _, uid := range memberIDs {
			if _, ok := seen[uid]; ok {
				continue
			}
			seen[uid] = struct{}{}
			p := models.Participant{ConversationID: conv.ID, UserID: uid, Role: models.RoleMember, IsActive: true, JoinedAt: now}
			if err := tx.Create(&p).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	ids, _ := s.ActiveParticipantIDs(conv.ID)
	s.cache.InvalidateConversation(conv.ID, ids)
	return &conv, nil
}

// AddParticipant 把用户加入会话；此前退出过的用户会被重新激活（幂等）。
func (s *ConversationService) AddParticipant(conversationID, userID, addedBy uint, role models.ParticipantRole) error {
	var conv models.Conversation
	if err := s.db.First(&conv, conversationID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return ErrNotFound
		}
		return err
	}
	ok, err := s.IsParticipant(conversationID, addedBy)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotParticipant
	}
	if role == "" {
		role = models.RoleMember
	}

	var existing models.Participant
	err = s.db.Where("conversation_id = ? AND user_id = ?", conversationID, userID).First(&existing).Error
	if err == nil {
		if existing.IsActive {
			return nil
		}
		count, err := s.ParticipantCount(conversationID)
		if err != nil {
			return err
		}
		if int(count) >= conv.MaxParticipants {
			return ErrCapacityExceeded
		}
		now := time.Now()
		err = s.db.Model(&existing).Updates(map[string]interface{}{
			"is_active": true, "left_at": nil, "joined_at": now, "role": role,
		}).Error
		if err != nil {
			return err
		}
	} else if err == gorm.ErrRecordNotFound {
		count, err := s.ParticipantCount(conversationID)
		if err != nil {
			return err
		}
		if int(count) >= conv.MaxParticipants {
			return ErrCapacityExceeded
		}
		p := models.Participant{ConversationID: conversationID, UserID: userID, Role: role, IsActive: true, JoinedAt: time.Now()}
		if err := s.db.Create(&p).Error; err != nil {
			return err
		}
	} else {
		return err
	}

	ids, _ := s.ActiveParticipantIDs(conversationID)
	s.cache.InvalidateConversation(conversationID, ids)
	if s.events != nil {
		s.events.Emit("user.joined", map[string]interface{}{
			"conversation_id":   conversationID,
			"conversation_type": string(conv.Type),
			"user_id":           userID,
			"added_by":          addedBy,
		})
	}
	return nil
}

// RemoveParticipant 逻辑移除：行保留，is_active 置假并记录退出时间。
// 移除他人需要 admin 角色，自己退出不受限。
func (s *ConversationService) RemoveParticipant(conversationID, userID, removedBy uint) error {
	var remover models.Participant
	err := s.db.Where("conversation_id = ? AND user_id = ? AND is_active = ?", conversationID, removedBy, true).
		First(&remover).Error
	if err == gorm.ErrRecordNotFound {
		return ErrNotParticipant
	}
	if err != nil {
		return err
	}
	if removedBy != userID && remover.Role != models.RoleAdmin {
		return ErrNotAuthorized
	}

	var target models.Participant
	err = s.db.Where("conversation_id = ? AND user_id = ? AND is_active = ?", conversationID, userID, true).
		First(&target).Error
	if err == gorm.ErrRecordNotFound {
		return ErrNotAMember
	}
	if err != nil {
		return err
	}

	// 失效集合要包含被移除者本人，先取后删。
	ids, _ := s.ActiveParticipantIDs(conversationID)

	now := time.Now()
	err = s.db.Model(&target).Updates(map[string]interface{}{"is_active": false, "left_at": &now}).Error
	if err != nil {
		return err
	}
	s.cache.InvalidateConversation(conversationID, ids)
	return nil
}

// ListForUser 返回用户参与的全部会话，按最近活跃排序，带缓存。
func (s *ConversationService) ListForUser(userID uint) ([]ConversationDTO, error) {
	key := cache.ConversationListKey(userID)
	if v, ok := s.cache.Get(key); ok {
		if out, ok2 := v.([]ConversationDTO); ok2 {
			return out, nil
		}
	}

	var convs []models.Conversation
	sub := s.db.Model(&models.Participant{}).Select("conversation_id").
		Where("user_id = ? AND is_active = ?", userID, true)
	err := s.db.Where("is_active = ? AND id IN (?)", true, sub).
		Order("last_message_at desc").Find(&convs).Error
	if err != nil {
		return nil, err
	}

	out := make([]ConversationDTO, 0, len(convs))
	for _, c := range convs {
		out = append(out, ConversationDTO{
			ID: c.ID, Type: c.Type, Title: c.Title, CreatedBy: c.CreatedBy, LastMessageAt: c.LastMessageAt,
		})
	}
	s.cache.Set(key, out, s.listTTL)
	return out, nil
}

// IsParticipant 活跃成员判定，是所有其他组件的授权闸门。
func (s *ConversationService) IsParticipant(conversationID, userID uint) (bool, error) {
	var count int64
	err := s.db.Model(&models.Participant{}).
		Where("conversation_id = ? AND user_id = ? AND is_active = ?", conversationID, userID, true).
		Count(&count).Error
	return count > 0, err
}

// ParticipantCount 返回活跃成员数。
func (s *ConversationService) ParticipantCount(conversationID uint) (int64, error) {
	var count int64
	err := s.db.Model(&models.Participant{}).
		Where("conversation_id = ? AND is_active = ?", conversationID, true).
		Count(&count).Error
	return count, err
}

// ParticipantRole 返回用户在会话中的角色，非活跃成员返回 ErrNotAMember。
func (s *ConversationService) ParticipantRole(conversationID, userID uint) (models.ParticipantRole, error) {
	var p models.Participant
	err := s.db.Where("conversation_id = ? AND user_id = ? AND is_active = ?", conversationID, userID, true).
		First(&p).Error
	if err == gorm.ErrRecordNotFound {
		return "", ErrNotAMember
	}
	if err != nil {
		return "", err
	}
	return p.Role, nil
}

// ActiveParticipantIDs 缓存失效与实时校验共用的成员 ID 集合。
func (s *ConversationService) ActiveParticipantIDs(conversationID uint) ([]uint, error) {
	var ids []uint
	err := s.db.Model(&models.Participant{}).
		Where("conversation_id = ? AND is_active = ?", conversationID, true).
		Pluck("user_id", &ids).Error
	return ids, err
}
