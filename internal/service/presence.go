package service

import (
	"time"

	"messenger/internal/models"

	"gorm.io/gorm"
)

// TypingTTL 输入指示器的有效期，超过即视为过期。
const TypingTTL = 10 * time.Second

// PresenceService 维护在线状态与输入指示器，两者都是短时记录。
type PresenceService struct {
	db *gorm.DB
}

func NewPresenceService(db *gorm.DB) *PresenceService {
	return &PresenceService{db: db}
}

// SetOnline 标记用户在线，没有记录时创建。
func (s *PresenceService) SetOnline(userID uint) error {
	return s.upsert(userID, true)
}

// SetOffline 标记用户离线并记录最后在线时间。
func (s *PresenceService) SetOffline(userID uint) error {
	return s.upsert(userID, false)
}

func (s *PresenceService) upsert(userID uint, online bool) error {
	now := time.Now()
	res := s.db.Model(&models.PresenceStatus{}).Where("user_id = ?", userID).
		Updates(map[string]interface{}{"is_online": online, "last_seen_at": now})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		rec := models.PresenceStatus{UserID: userID, IsOnline: online, LastSeenAt: now}
		if err := s.db.Create(&rec).Error; err != nil {
			// 并发下另一条连接刚创建了该行，改为更新。
			return s.db.Model(&models.PresenceStatus{}).Where("user_id = ?", userID).
				Updates(map[string]interface{}{"is_online": online, "last_seen_at": now}).Error
		}
	}
	return nil
}

// IsOnline 缺省视为离线。
func (s *PresenceService) IsOnline(userID uint) bool {
	var rec models.PresenceStatus
	if err := s.db.Where("user_id = ?", userID).First(&rec).Error; err != nil {
		return false
	}
	return rec.IsOnline
}

// StartTyping (conversation, user) 至多一条活动记录，重复开始只刷新时间。
func (s *PresenceService) StartTyping(conversationID, userID uint) error {
	now := time.Now()
	res := s.db.Model(&models.TypingIndicator{}).
		Where("conversation_id = ? AND user_id = ?", conversationID, userID).
		Update("updated_at", now)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		rec := models.TypingIndicator{ConversationID: conversationID, UserID: userID, StartedAt: now}
		if err := s.db.Create(&rec).Error; err != nil {
			return s.db.Model(&models.TypingIndicator{}).
				Where("conversation_id = ? AND user_id = ?", conversationID, userID).
				Update("updated_at", now).Error
		}
	}
	return nil
}

// StopTyping 幂等删除。
func (s *PresenceService) StopTyping(conversationID, userID uint) error {
	return s.db.Where("conversation_id = ? AND user_id = ?", conversationID, userID).
		Delete(&models.TypingIndicator{}).Error
}

// ActiveTypers 返回仍在输入中的用户，读取时顺手清理过期记录。
func (s *PresenceService) ActiveTypers(conversationID uint) ([]uint, error) {
	cutoff := time.Now().Add(-TypingTTL)
	s.db.Where("updated_at < ?", cutoff).Delete(&models.TypingIndicator{})

	var ids []uint
	err := s.db.Model(&models.TypingIndicator{}).
		Where("conversation_id = ? AND updated_at >= ?", conversationID, cutoff).
		Pluck("user_id", &ids).Error
	return ids, err
}
