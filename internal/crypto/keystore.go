package crypto

import (
	"sync"

	"messenger/internal/models"

	"gorm.io/gorm"
)

// KeyStore 按用户懒生成并缓存加密密钥对。userID 为 0 表示服务端密钥，
// 用于没有单一接收方的群组/频道消息。
type KeyStore struct {
	db *gorm.DB

	mu    sync.RWMutex
	cache map[uint]*models.UserEncryptionKey
}

func NewKeyStore(db *gorm.DB) *KeyStore {
	return &KeyStore{db: db, cache: make(map[uint]*models.UserEncryptionKey)}
}

// GetOrCreate 返回用户的密钥对，首次调用时生成并落库。
func (ks *KeyStore) GetOrCreate(userID uint) (*models.UserEncryptionKey, error) {
	ks.mu.RLock()
	key := ks.cache[userID]
	ks.mu.RUnlock()
	if key != nil {
		return key, nil
	}

	var rec models.UserEncryptionKey
	err := ks.db.Where("user_id = ?", userID).First(&rec).Error
	if err == gorm.ErrRecordNotFound {
		pub, priv, genErr := GenerateKeyPair()
		if genErr != nil {
			return nil, genErr
		}
		rec = models.UserEncryptionKey{UserID: userID, PublicKey: pub, PrivateKey: priv}
		if createErr := ks.db.Create(&rec).Error; createErr != nil {
			// 并发下另一个 worker 先生成了，读回它的。
			if readErr := ks.db.Where("user_id = ?", userID).First(&rec).Error; readErr != nil {
				return nil, createErr
			}
		}
	} else if err != nil {
		return nil, err
	}

	ks.mu.Lock()
	ks.cache[userID] = &rec
	ks.mu.Unlock()
	return &rec, nil
}

// PublicKey 返回用户的公钥，必要时先生成密钥对。
func (ks *KeyStore) PublicKey(userID uint) ([]byte, error) {
	rec, err := ks.GetOrCreate(userID)
	if err != nil {
		return nil, err
	}
	return rec.PublicKey, nil
}
