package pipeline

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"messenger/internal/metrics"
	"messenger/internal/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Dispatcher 把事件投递到所有订阅了该事件类型的 webhook 端点。
// Emit 只建投递记录并入队，HTTP 调用全部发生在 worker 里。
type Dispatcher struct {
	db          *gorm.DB
	queue       *Queue
	client      *http.Client
	baseDelay   time.Duration
	maxAttempts int
}

func NewDispatcher(db *gorm.DB, queue *Queue, baseDelay, timeout time.Duration, maxAttempts int) *Dispatcher {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Dispatcher{
		db:          db,
		queue:       queue,
		client:      &http.Client{Timeout: timeout},
		baseDelay:   baseDelay,
		maxAttempts: maxAttempts,
	}
}

// Sign 对 JSON 负载计算 HMAC-SHA256 签名。
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// subscribesTo 端点的事件列表为逗号分隔；空串或 * 表示订阅全部事件。
func subscribesTo(events, eventType string) bool {
	if events == "" || events == "*" {
		return true
	}
	for _, e := range strings.Split(events, ",") {
		if strings.TrimSpace(e) == eventType {
			return true
		}
	}
	return false
}

// Emit 为每个匹配端点建一条投递记录并入队，对调用方即发即忘。
func (d *Dispatcher) Emit(eventType string, data map[string]interface{}) {
	var endpoints []models.WebhookEndpoint
	if err := d.db.Where("is_active = ?", true).Find(&endpoints).Error; err != nil {
		log.Error().Err(err).Str("event", eventType).Msg("webhook endpoint lookup")
		return
	}
	for _, ep := range endpoints {
		if !subscribesTo(ep.Events, eventType) {
			continue
		}
		body, err := json.Marshal(map[string]interface{}{
			"event_type": eventType,
			"timestamp":  time.Now().UTC().Format(time.RFC3339),
			"data":       data,
		})
		if err != nil {
			log.Error().Err(err).Str("event", eventType).Msg("webhook payload marshal")
			continue
		}
		delivery := models.WebhookDelivery{
			EndpointID: ep.ID,
			EventID:    uuid.NewString(),
			EventType:  eventType,
			Payload:    string(body),
		}
		if err := d.db.Create(&delivery).Error; err != nil {
			log.Error().Err(err).Str("event", eventType).Msg("webhook delivery record")
			continue
		}
		d.queue.Enqueue(&deliveryJob{d: d, deliveryID: delivery.ID})
	}
}

// deliveryJob 单次投递尝试。非 2xx 或网络错误按 baseDelay × 2^attempt 退避，
// 重试耗尽时端点失败计数加一、记录保持未投递，留待运维排查。
type deliveryJob struct {
	d          *Dispatcher
	deliveryID uint
}

func (j *deliveryJob) Name() string { return "webhook" }

func (j *deliveryJob) Run() Result {
	d := j.d
	var delivery models.WebhookDelivery
	if err := d.db.First(&delivery, j.deliveryID).Error; err != nil {
		return Fail(err)
	}
	if delivery.Delivered {
		return Done()
	}
	var endpoint models.WebhookEndpoint
	if err := d.db.First(&endpoint, delivery.EndpointID).Error; err != nil {
		return Fail(err)
	}

	attempt := delivery.AttemptCount
	delivery.AttemptCount = attempt + 1

	status, body, err := d.post(endpoint, []byte(delivery.Payload))
	delivery.ResponseStatus = status
	delivery.ResponseBody = body

	if err == nil && status >= 200 && status < 300 {
		delivery.Delivered = true
		delivery.NextRetryAt = nil
		if saveErr := d.db.Save(&delivery).Error; saveErr != nil {
			return RetryAfter(d.baseDelay, saveErr)
		}
		now := time.Now()
		d.db.Model(&models.WebhookEndpoint{}).Where("id = ?", endpoint.ID).
			Updates(map[string]interface{}{
				"total_sent":   gorm.Expr("total_sent + 1"),
				"last_sent_at": &now,
			})
		metrics.WebhookAttemptsTotal.WithLabelValues("delivered").Inc()
		return Done()
	}

	// 投递失败：记录本次尝试，安排退避重试。
	delay := d.baseDelay * (1 << uint(attempt))
	next := time.Now().Add(delay)
	delivery.NextRetryAt = &next
	if saveErr := d.db.Save(&delivery).Error; saveErr != nil {
		log.Error().Err(saveErr).Uint("delivery_id", delivery.ID).Msg("webhook delivery save")
	}
	metrics.WebhookAttemptsTotal.WithLabelValues("failed").Inc()

	if delivery.AttemptCount >= d.maxAttempts {
		d.db.Model(&models.WebhookEndpoint{}).Where("id = ?", endpoint.ID).
			UpdateColumn("total_failed", gorm.Expr("total_failed + 1"))
		if err == nil {
			return Fail(errHTTPStatus(status))
		}
		return Fail(err)
	}
	if err == nil {
		err = errHTTPStatus(status)
	}
	return RetryAfter(delay, err)
}

func (d *Dispatcher) post(endpoint models.WebhookEndpoint, payload []byte) (int, string, error) {
	req, err := http.NewRequest(http.MethodPost, endpoint.URL, bytes.NewReader(payload))
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Messenger-Webhook/1.0")
	req.Header.Set("X-Webhook-Signature", "sha256="+Sign(payload, endpoint.Secret))

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1000))
	return resp.StatusCode, string(body), nil
}

type errHTTPStatus int

func (e errHTTPStatus) Error() string {
	return fmt.Sprintf("webhook delivery failed with status %d", int(e))
}
