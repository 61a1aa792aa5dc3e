package pipeline

import (
	"time"

	"messenger/internal/crypto"
	"messenger/internal/models"

	"gorm.io/gorm"
)

// ServerKeyID 群组/频道消息没有单一接收方，用服务端密钥封装。
const ServerKeyID uint = 0

// EncryptionJob 对一条消息做混合加密。幂等：已加密的消息直接完成。
type EncryptionJob struct {
	DB        *gorm.DB
	Keys      *crypto.KeyStore
	MessageID uint
}

func (j *EncryptionJob) Name() string { return "encryption" }

func (j *EncryptionJob) Run() Result {
	var msg models.Message
	if err := j.DB.First(&msg, j.MessageID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return Fail(err)
		}
		return RetryAfter(10*time.Second, err)
	}
	if msg.IsEncrypted {
		return Done()
	}
	if msg.Content == "" {
		return Done()
	}

	recipient, err := j.recipientOf(&msg)
	if err != nil {
		return RetryAfter(10*time.Second, err)
	}
	pub, err := j.Keys.PublicKey(recipient)
	if err != nil {
		return RetryAfter(10*time.Second, err)
	}
	encContent, encKey, err := crypto.EncryptHybrid(msg.Content, pub)
	if err != nil {
		return Fail(err)
	}

	err = j.DB.Model(&models.Message{}).Where("id = ? AND is_encrypted = ?", j.MessageID, false).
		Updates(map[string]interface{}{
			"is_encrypted":      true,
			"encrypted_content": encContent,
			"encrypted_key":     encKey,
		}).Error
	if err != nil {
		return RetryAfter(10*time.Second, err)
	}
	return Done()
}

// recipientOf 私聊取对端用户的密钥，其余会话类型用服务端密钥。
func (j *EncryptionJob) recipientOf(msg *models.Message) (uint, error) {
	var conv models.Conversation
	if err := j.DB.First(&conv, msg.ConversationID).Error; err != nil {
		return 0, err
	}
	if conv.Type == models.ConversationDirect && conv.Participant1ID != nil && conv.Participant2ID != nil {
		if *conv.Participant1ID == msg.SenderID {
			return *conv.Participant2ID, nil
		}
		return *conv.Participant1ID, nil
	}
	return ServerKeyID, nil
}
