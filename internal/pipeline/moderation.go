package pipeline

import (
	"regexp"
	"strings"
	"time"

	"messenger/internal/models"

	"gorm.io/gorm"
)

// 审核动作，按严重度阈值决定。
const (
	ActionApproved = "approved"
	ActionFlagged  = "flagged"
	ActionBlocked  = "blocked"
)

type rule struct {
	category string
	severity float64
	pattern  *regexp.Regexp
}

// 规则按类别给严重度：辱骂 0.7、垃圾信息 0.5、个人信息 0.8。
var moderationRules = []rule{
	{"profanity", 0.7, regexp.MustCompile(`(?i)\b(fuck|shit|damn|bitch|asshole)\b`)},
	{"spam", 0.5, regexp.MustCompile(`(?i)(click here|buy now|limited time|act now)`)},
	{"personal_info", 0.8, regexp.MustCompile(`\b\d{3}-\d{3}-\d{4}\b`)},
	{"personal_info", 0.8, regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)},
}

type ModerationResult struct {
	Severity   float64
	Action     string
	Categories []string
	// Filtered 是命中内容被打码后的文本，approve 时与原文相同。
	Filtered string
	Censored bool
}

// Moderate 对文本做规则匹配，总严重度取所有命中的最大值。
// ≥0.9 拦截并打码，≥0.7 标记并打码，≥0.5 仅标记，否则放行。
func Moderate(content string) ModerationResult {
	res := ModerationResult{Action: ActionApproved, Filtered: content}
	seen := make(map[string]struct{})
	for _, r := range moderationRules {
		if !r.pattern.MatchString(content) {
			continue
		}
		if r.severity > res.Severity {
			res.Severity = r.severity
		}
		if _, ok := seen[r.category]; !ok {
			seen[r.category] = struct{}{}
			res.Categories = append(res.Categories, r.category)
		}
	}
	switch {
	case res.Severity >= 0.9:
		res.Action = ActionBlocked
		res.Censored = true
	case res.Severity >= 0.7:
		res.Action = ActionFlagged
		res.Censored = true
	case res.Severity >= 0.5:
		res.Action = ActionFlagged
	}
	if res.Censored {
		res.Filtered = censor(content)
	}
	return res
}

func censor(content string) string {
	out := content
	for _, r := range moderationRules {
		out = r.pattern.ReplaceAllString(out, "***")
	}
	return out
}

// ModerationJob 审核一条已持久化的消息。瞬时失败用固定退避重试，
// 重试耗尽只落失败记录，不影响消息本身。
type ModerationJob struct {
	DB        *gorm.DB
	Events    *Dispatcher
	MessageID uint
	Content   string
}

func (j *ModerationJob) Name() string { return "moderation" }

func (j *ModerationJob) Run() Result {
	result := Moderate(j.Content)
	if result.Action == ActionApproved {
		return Done()
	}

	var msg models.Message
	if err := j.DB.First(&msg, j.MessageID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return Fail(err)
		}
		return RetryAfter(10*time.Second, err)
	}

	updates := map[string]interface{}{"is_flagged": true}
	if result.Censored {
		updates["content"] = result.Filtered
	}
	if err := j.DB.Model(&models.Message{}).Where("id = ?", j.MessageID).
		Updates(updates).Error; err != nil {
		return RetryAfter(10*time.Second, err)
	}

	logEntry := models.ModerationLog{
		MessageID: j.MessageID,
		UserID:    msg.SenderID,
		Action:    result.Action,
		Reason:    strings.Join(result.Categories, ", "),
		Severity:  result.Severity,
	}
	if err := j.DB.Create(&logEntry).Error; err != nil {
		return RetryAfter(10*time.Second, err)
	}

	if j.Events != nil {
		j.Events.Emit("content_flagged", map[string]interface{}{
			"message_id": j.MessageID,
			"action":     result.Action,
			"reason":     logEntry.Reason,
			"severity":   result.Severity,
		})
	}
	return Done()
}
