package cache

import (
	"fmt"
	"sync"
	"time"

	"messenger/internal/metrics"
)

// PageSizes 是消息分页缓存会出现的全部页大小，失效时逐一清除。
var PageSizes = []int{20, 50, 100}

type entry struct {
	value     interface{}
	expiresAt time.Time
}

// Cache 进程内 TTL 缓存，读穿透由调用方负责回填。
type Cache struct {
	mu      sync.RWMutex
	entries map[string]entry
}

func New() *Cache {
	return &Cache{entries: make(map[string]entry)}
}

func ConversationListKey(userID uint) string {
	return fmt.Sprintf("user_conversations_%d", userID)
}

func MessagePageKey(conversationID uint, limit int) string {
	return fmt.Sprintf("conversation_messages_%d_%d", conversationID, limit)
}

func (c *Cache) Get(key string) (interface{}, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || time.Now().After(e.expiresAt) {
		if ok {
			c.mu.Lock()
			delete(c.entries, key)
			c.mu.Unlock()
		}
		metrics.CacheMisses.Inc()
		return nil, false
	}
	metrics.CacheHits.Inc()
	return e.value, true
}

func (c *Cache) Set(key string, value interface{}, ttl time.Duration) {
	c.mu.Lock()
	c.entries[key] = entry{value: value, expiresAt: time.Now().Add(ttl)}
	c.mu.Unlock()
}

func (c *Cache) Delete(keys ...string) {
	c.mu.Lock()
	for _, k := range keys {
		delete(c.entries, k)
	}
	c.mu.Unlock()
}

// InvalidateConversation 清除会话的全部分页缓存以及每个成员的会话列表缓存。
// 任何改变会话内容的写入（新消息、成员变动）都必须走这里。
func (c *Cache) InvalidateConversation(conversationID uint, participantIDs []uint) {
	keys := make([]string, 0, len(PageSizes)+len(participantIDs))
	for _, size := range PageSizes {
		keys = append(keys, MessagePageKey(conversationID, size))
	}
	for _, uid := range participantIDs {
		keys = append(keys, ConversationListKey(uid))
	}
	c.Delete(keys...)
	metrics.CacheInvalidations.Inc()
}
