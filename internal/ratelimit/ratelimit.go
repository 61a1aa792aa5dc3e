package ratelimit

import (
	"errors"
	"sync"
	"time"

	"messenger/internal/metrics"
	"messenger/internal/models"

	"gorm.io/gorm"
)

// ErrLimitExceeded 表示该分钟桶内的计数已超过上限。
var ErrLimitExceeded = errors.New("rate limit exceeded")

// Limiter 基于 (用户, 动作, 分钟桶) 的滑动窗口限流器，桶存库以便多实例共享。
type Limiter struct {
	db     *gorm.DB
	limits map[string]int

	mu        sync.Mutex
	lastPrune time.Time
}

// New limits 给出每个动作每分钟的上限，未配置的动作一律放行。
func New(db *gorm.DB, limits map[string]int) *Limiter {
	return &Limiter{db: db, limits: limits, lastPrune: time.Now()}
}

// CheckAndConsume 先自增计数再比较上限：被拒绝的调用也会留下计数，
// 调用方无法通过重试把窗口"刷"回去。
func (l *Limiter) CheckAndConsume(userID uint, action string) error {
	limit, ok := l.limits[action]
	if !ok {
		return nil
	}
	window := time.Now().UTC().Truncate(time.Minute)

	res := l.db.Model(&models.RateLimitWindow{}).
		Where("user_id = ? AND action_type = ? AND window_start = ?", userID, action, window).
		UpdateColumn("count", gorm.Expr("count + 1"))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		w := models.RateLimitWindow{UserID: userID, ActionType: action, WindowStart: window, Count: 1}
		if err := l.db.Create(&w).Error; err != nil {
			// 并发下另一个写入刚创建了同一个桶，退回到自增。
			res = l.db.Model(&models.RateLimitWindow{}).
				Where("user_id = ? AND action_type = ? AND window_start = ?", userID, action, window).
				UpdateColumn("count", gorm.Expr("count + 1"))
			if res.Error != nil {
				return res.Error
			}
		}
	}

	var w models.RateLimitWindow
	if err := l.db.Where("user_id = ? AND action_type = ? AND window_start = ?", userID, action, window).
		First(&w).Error; err != nil {
		return err
	}

	l.maybePrune()

	if w.Count > limit {
		metrics.RateLimitedTotal.WithLabelValues(action).Inc()
		return ErrLimitExceeded
	}
	return nil
}

// maybePrune 顺手清理一小时前的桶，十分钟最多跑一次。
func (l *Limiter) maybePrune() {
	l.mu.Lock()
	if time.Since(l.lastPrune) < 10*time.Minute {
		l.mu.Unlock()
		return
	}
	l.lastPrune = time.Now()
	l.mu.Unlock()

	cutoff := time.Now().UTC().Add(-time.Hour)
	l.db.Where("window_start < ?", cutoff).Delete(&models.RateLimitWindow{})
}
