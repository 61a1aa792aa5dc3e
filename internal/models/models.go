package models

import "time"

// ConversationType 会话类型：私聊固定两人，群组/频道带成员名册。
type ConversationType string

const (
	ConversationDirect  ConversationType = "direct"
	ConversationGroup   ConversationType = "group"
	ConversationChannel ConversationType = "channel"
)

// ParticipantRole 成员角色。
type ParticipantRole string

const (
	RoleAdmin     ParticipantRole = "admin"
	RoleModerator ParticipantRole = "moderator"
	RoleMember    ParticipantRole = "member"
)

// MessageType 消息类型，不同类型有各自的必填字段。
type MessageType string

const (
	MessageText     MessageType = "text"
	MessageImage    MessageType = "image"
	MessageFile     MessageType = "file"
	MessageVoice    MessageType = "voice"
	MessageVideo    MessageType = "video"
	MessageLocation MessageType = "location"
	MessageSystem   MessageType = "system"
)

// MessageStatus 投递状态，只允许 sent → delivered → read 单向推进。
type MessageStatus string

const (
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
)

// Rank 返回状态在推进序列中的位置，failed 不参与推进。
func (s MessageStatus) Rank() int {
	switch s {
	case StatusSent:
		return 0
	case StatusDelivered:
		return 1
	case StatusRead:
		return 2
	}
	return -1
}

// User 是外部身份服务同步过来的引用行，核心只读取 ID 和展示名。
type User struct {
	ID        uint   `gorm:"primaryKey"`
	Username  string `gorm:"uniqueIndex;size:64;not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Conversation 私聊时 Participant1ID < Participant2ID，保证同一对用户只有一行。
type Conversation struct {
	ID              uint             `gorm:"primaryKey"`
	Type            ConversationType `gorm:"size:16;not null;index"`
	Title           string           `gorm:"size:128"`
	CreatedBy       uint
	Participant1ID  *uint `gorm:"uniqueIndex:idx_direct_pair"`
	Participant2ID  *uint `gorm:"uniqueIndex:idx_direct_pair"`
	IsActive        bool  `gorm:"default:true"`
	MaxParticipants int   `gorm:"default:256"`
	LastMessageAt   time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Participant (conversation, user) 唯一；退出只做逻辑删除，保留审计历史。
type Participant struct {
	ID             uint            `gorm:"primaryKey"`
	ConversationID uint            `gorm:"uniqueIndex:idx_conv_user;not null"`
	UserID         uint            `gorm:"uniqueIndex:idx_conv_user;index;not null"`
	Role           ParticipantRole `gorm:"size:16;not null;default:member"`
	IsActive       bool            `gorm:"default:true"`
	IsMuted        bool            `gorm:"default:false"`
	JoinedAt       time.Time
	LeftAt         *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type Message struct {
	ID             uint          `gorm:"primaryKey"`
	ConversationID uint          `gorm:"index:idx_msg_conv;not null"`
	SenderID       uint          `gorm:"index;not null"`
	Type           MessageType   `gorm:"size:16;not null;default:text"`
	Content        string        `gorm:"type:text"`
	FileName       string        `gorm:"size:255"`
	FileSize       int64
	Latitude       *float64
	Longitude      *float64
	Status         MessageStatus `gorm:"size:16;not null;default:sent"`
	DeliveredAt    *time.Time
	ReadAt         *time.Time
	IsEdited       bool          `gorm:"default:false"`
	EditedAt       *time.Time
	IsDeleted      bool          `gorm:"default:false"`
	DeletedAt      *time.Time
	// ReplyToID 是弱引用：被回复的消息删除后回复本身不受影响。
	ReplyToID        *uint
	IsFlagged        bool      `gorm:"default:false"`
	IsEncrypted      bool      `gorm:"default:false"`
	EncryptedContent string    `gorm:"type:text"`
	EncryptedKey     string    `gorm:"type:text"`
	CreatedAt        time.Time `gorm:"index:idx_msg_conv"`
	UpdatedAt        time.Time
}

type MessageReaction struct {
	ID        uint   `gorm:"primaryKey"`
	MessageID uint   `gorm:"uniqueIndex:idx_reaction_triple;not null"`
	UserID    uint   `gorm:"uniqueIndex:idx_reaction_triple;not null"`
	Emoji     string `gorm:"uniqueIndex:idx_reaction_triple;size:32;not null"`
	CreatedAt time.Time
}

// TypingIndicator 短时记录，超过 10 秒视为过期，在读取时顺手清理。
type TypingIndicator struct {
	ID             uint `gorm:"primaryKey"`
	ConversationID uint `gorm:"uniqueIndex:idx_typing_pair;not null"`
	UserID         uint `gorm:"uniqueIndex:idx_typing_pair;not null"`
	StartedAt      time.Time
	UpdatedAt      time.Time
}

type PresenceStatus struct {
	ID            uint `gorm:"primaryKey"`
	UserID        uint `gorm:"uniqueIndex;not null"`
	IsOnline      bool `gorm:"default:false"`
	LastSeenAt    time.Time
	StatusMessage string `gorm:"size:255"`
	UpdatedAt     time.Time
}

// RateLimitWindow 按 (用户, 动作, 分钟桶) 记数，超过一小时的桶会被清理。
type RateLimitWindow struct {
	ID          uint      `gorm:"primaryKey"`
	UserID      uint      `gorm:"uniqueIndex:idx_rl_bucket;not null"`
	ActionType  string    `gorm:"uniqueIndex:idx_rl_bucket;size:32;not null"`
	WindowStart time.Time `gorm:"uniqueIndex:idx_rl_bucket;index;not null"`
	Count       int       `gorm:"default:0"`
}

type WebhookEndpoint struct {
	ID     uint   `gorm:"primaryKey"`
	URL    string `gorm:"size:512;not null"`
	Secret string `gorm:"size:128;not null"`
	// Events 以逗号分隔存储订阅的事件类型。
	Events      string `gorm:"type:text"`
	IsActive    bool   `gorm:"default:true"`
	TotalSent   int64  `gorm:"default:0"`
	TotalFailed int64  `gorm:"default:0"`
	LastSentAt  *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type WebhookDelivery struct {
	ID             uint   `gorm:"primaryKey"`
	EndpointID     uint   `gorm:"index;not null"`
	EventID        string `gorm:"size:64;index"`
	EventType      string `gorm:"size:64;not null"`
	Payload        string `gorm:"type:text"`
	AttemptCount   int    `gorm:"default:0"`
	ResponseStatus int
	ResponseBody   string `gorm:"size:1000"`
	Delivered      bool   `gorm:"default:false"`
	NextRetryAt    *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type ModerationLog struct {
	ID        uint   `gorm:"primaryKey"`
	MessageID uint   `gorm:"index;not null"`
	UserID    uint   `gorm:"index"`
	Action    string `gorm:"size:16;not null"`
	Reason    string `gorm:"size:255"`
	Severity  float64
	CreatedAt time.Time
}

// UserEncryptionKey 首次需要时懒生成，私钥只由服务端托管。
type UserEncryptionKey struct {
	ID         uint   `gorm:"primaryKey"`
	UserID     uint   `gorm:"uniqueIndex;not null"`
	PublicKey  []byte `gorm:"not null"`
	PrivateKey []byte `gorm:"not null"`
	CreatedAt  time.Time
}
