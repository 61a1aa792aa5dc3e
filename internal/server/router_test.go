package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"messenger/internal/auth"
	"messenger/internal/cache"
	"messenger/internal/config"
	"messenger/internal/db"
	"messenger/internal/models"
	"messenger/internal/ratelimit"
	"messenger/internal/service"
	"messenger/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type testEnv struct {
	engine *gin.Engine
	db     *gorm.DB
	cfg    config.Config
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.Migrate(gdb); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	for _, name := range []string{"alice", "bob", "carol"} {
		if err := gdb.Create(&models.User{Username: name}).Error; err != nil {
			t.Fatalf("create user %s: %v", name, err)
		}
	}

	cfg := config.Config{Port: "0", JWTSecret: "test-secret", Env: "dev"}
	c := cache.New()
	limiter := ratelimit.New(gdb, map[string]int{"message": 100, "reaction": 100})
	hub := ws.NewHub()
	convSvc := service.NewConversationService(gdb, c, nil, time.Minute)
	msgSvc := service.NewMessageService(gdb, c, convSvc, limiter, nil, nil, nil, hub, time.Minute)
	presSvc := service.NewPresenceService(gdb)

	return &testEnv{engine: SetupRouter(cfg, gdb, hub, convSvc, msgSvc, presSvc), db: gdb, cfg: cfg}
}

func (e *testEnv) token(t *testing.T, userID uint) string {
	t.Helper()
	token, err := auth.GenerateAccessToken(userID, e.cfg.JWTSecret, 15*time.Minute)
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}
	return token
}

func (e *testEnv) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.engine.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	out := map[string]interface{}{}
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
	return out
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/healthz", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("GET /healthz = %d, want 200", w.Code)
	}
}

func TestAuthRequired(t *testing.T) {
	env := newTestEnv(t)

	if w := env.do(t, http.MethodGet, "/api/v1/conversations", "", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("no token = %d, want 401", w.Code)
	}
	if w := env.do(t, http.MethodGet, "/api/v1/conversations", "not-a-token", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("bad token = %d, want 401", w.Code)
	}
	if w := env.do(t, http.MethodGet, "/api/v1/conversations", env.token(t, 1), nil); w.Code != http.StatusOK {
		t.Errorf("valid token = %d, want 200", w.Code)
	}
}

func TestDirectConversationFlow(t *testing.T) {
	env := newTestEnv(t)
	alice := env.token(t, 1)

	w := env.do(t, http.MethodPost, "/api/v1/conversations/direct", alice, gin.H{"user_id": 2})
	if w.Code != http.StatusCreated {
		t.Fatalf("create direct = %d, want 201: %s", w.Code, w.Body.String())
	}
	convID := decode(t, w)["id"].(float64)

	// Same pair resolves to the same conversation without creating.
	w = env.do(t, http.MethodPost, "/api/v1/conversations/direct", alice, gin.H{"user_id": 2})
	if w.Code != http.StatusOK {
		t.Fatalf("repeat create direct = %d, want 200", w.Code)
	}
	if got := decode(t, w)["id"].(float64); got != convID {
		t.Errorf("repeat create returned conversation %v, want %v", got, convID)
	}

	// Self conversations are rejected.
	w = env.do(t, http.MethodPost, "/api/v1/conversations/direct", alice, gin.H{"user_id": 1})
	if w.Code != http.StatusBadRequest {
		t.Errorf("self conversation = %d, want 400", w.Code)
	}
}

func TestMessageFlow(t *testing.T) {
	env := newTestEnv(t)
	alice, bob, carol := env.token(t, 1), env.token(t, 2), env.token(t, 3)

	w := env.do(t, http.MethodPost, "/api/v1/conversations/direct", alice, gin.H{"user_id": 2})
	convID := uint(decode(t, w)["id"].(float64))

	// Send a message.
	w = env.do(t, http.MethodPost, "/api/v1/messages", alice, gin.H{
		"conversation_id": convID, "message_type": "text", "content": "hello bob",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create message = %d, want 201: %s", w.Code, w.Body.String())
	}
	msg := decode(t, w)["message"].(map[string]interface{})
	msgID := uint(msg["id"].(float64))
	if msg["status"] != "sent" {
		t.Errorf("message status = %v, want sent", msg["status"])
	}

	// Empty content is rejected.
	w = env.do(t, http.MethodPost, "/api/v1/messages", alice, gin.H{
		"conversation_id": convID, "message_type": "text", "content": "  ",
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("empty message = %d, want 400", w.Code)
	}

	// Outsider cannot post.
	w = env.do(t, http.MethodPost, "/api/v1/messages", carol, gin.H{
		"conversation_id": convID, "message_type": "text", "content": "intruder",
	})
	if w.Code != http.StatusForbidden {
		t.Errorf("outsider message = %d, want 403", w.Code)
	}

	// Recipient lists the page.
	w = env.do(t, http.MethodGet, fmt.Sprintf("/api/v1/conversations/%d/messages?limit=20", convID), bob, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list messages = %d, want 200", w.Code)
	}
	msgs := decode(t, w)["messages"].([]interface{})
	if len(msgs) != 1 {
		t.Errorf("message count = %d, want 1", len(msgs))
	}

	// Outsider cannot list.
	w = env.do(t, http.MethodGet, fmt.Sprintf("/api/v1/conversations/%d/messages", convID), carol, nil)
	if w.Code != http.StatusForbidden {
		t.Errorf("outsider list = %d, want 403", w.Code)
	}

	// Recipient marks it read; outsider is refused.
	w = env.do(t, http.MethodPost, fmt.Sprintf("/api/v1/messages/%d/read", msgID), bob, nil)
	if w.Code != http.StatusOK {
		t.Errorf("mark read = %d, want 200", w.Code)
	}
	w = env.do(t, http.MethodPost, fmt.Sprintf("/api/v1/messages/%d/read", msgID), carol, nil)
	if w.Code != http.StatusForbidden {
		t.Errorf("outsider mark read = %d, want 403", w.Code)
	}
	w = env.do(t, http.MethodPost, "/api/v1/messages/99999/read", bob, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("read missing message = %d, want 404", w.Code)
	}

	// Only the sender edits and deletes.
	w = env.do(t, http.MethodPut, fmt.Sprintf("/api/v1/messages/%d", msgID), bob, gin.H{"content": "hijack"})
	if w.Code != http.StatusForbidden {
		t.Errorf("non-sender edit = %d, want 403", w.Code)
	}
	w = env.do(t, http.MethodPut, fmt.Sprintf("/api/v1/messages/%d", msgID), alice, gin.H{"content": "hello again"})
	if w.Code != http.StatusOK {
		t.Errorf("sender edit = %d, want 200: %s", w.Code, w.Body.String())
	}
	w = env.do(t, http.MethodDelete, fmt.Sprintf("/api/v1/messages/%d", msgID), bob, nil)
	if w.Code != http.StatusForbidden {
		t.Errorf("non-sender delete = %d, want 403", w.Code)
	}
	w = env.do(t, http.MethodDelete, fmt.Sprintf("/api/v1/messages/%d", msgID), alice, nil)
	if w.Code != http.StatusOK {
		t.Errorf("sender delete = %d, want 200", w.Code)
	}
}

func TestReactionFlow(t *testing.T) {
	env := newTestEnv(t)
	alice, bob := env.token(t, 1), env.token(t, 2)

	w := env.do(t, http.MethodPost, "/api/v1/conversations/direct", alice, gin.H{"user_id": 2})
	convID := uint(decode(t, w)["id"].(float64))
	w = env.do(t, http.MethodPost, "/api/v1/messages", alice, gin.H{
		"conversation_id": convID, "message_type": "text", "content": "react to me",
	})
	msgID := uint(decode(t, w)["message"].(map[string]interface{})["id"].(float64))

	w = env.do(t, http.MethodPost, fmt.Sprintf("/api/v1/messages/%d/reactions", msgID), bob, gin.H{"emoji": "👍"})
	if w.Code != http.StatusCreated {
		t.Fatalf("add reaction = %d, want 201: %s", w.Code, w.Body.String())
	}
	w = env.do(t, http.MethodPost, fmt.Sprintf("/api/v1/messages/%d/reactions", msgID), bob, gin.H{"emoji": "👍"})
	if w.Code != http.StatusConflict {
		t.Errorf("duplicate reaction = %d, want 409", w.Code)
	}

	w = env.do(t, http.MethodDelete, fmt.Sprintf("/api/v1/messages/%d/reactions", msgID), bob, nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("remove reaction without emoji = %d, want 400", w.Code)
	}
	w = env.do(t, http.MethodDelete, fmt.Sprintf("/api/v1/messages/%d/reactions?emoji=%s", msgID, "%F0%9F%91%8D"), bob, nil)
	if w.Code != http.StatusOK {
		t.Errorf("remove reaction = %d, want 200: %s", w.Code, w.Body.String())
	}
	w = env.do(t, http.MethodDelete, fmt.Sprintf("/api/v1/messages/%d/reactions?emoji=%s", msgID, "%F0%9F%91%8D"), bob, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("remove absent reaction = %d, want 404", w.Code)
	}
}

func TestGroupFlow(t *testing.T) {
	env := newTestEnv(t)
	alice, bob := env.token(t, 1), env.token(t, 2)

	w := env.do(t, http.MethodPost, "/api/v1/conversations/group", alice, gin.H{"title": "team", "member_ids": []uint{2}})
	if w.Code != http.StatusCreated {
		t.Fatalf("create group = %d, want 201: %s", w.Code, w.Body.String())
	}
	convID := uint(decode(t, w)["id"].(float64))

	w = env.do(t, http.MethodPost, "/api/v1/conversations/group", alice, gin.H{"title": "   "})
	if w.Code != http.StatusBadRequest {
		t.Errorf("empty title = %d, want 400", w.Code)
	}

	// Admin adds a member; a plain member cannot remove others.
	w = env.do(t, http.MethodPost, fmt.Sprintf("/api/v1/conversations/%d/participants", convID), alice, gin.H{"user_id": 3})
	if w.Code != http.StatusOK {
		t.Fatalf("add participant = %d, want 200: %s", w.Code, w.Body.String())
	}
	w = env.do(t, http.MethodDelete, fmt.Sprintf("/api/v1/conversations/%d/participants/3", convID), bob, nil)
	if w.Code != http.StatusForbidden {
		t.Errorf("member removing member = %d, want 403", w.Code)
	}
	w = env.do(t, http.MethodDelete, fmt.Sprintf("/api/v1/conversations/%d/participants/3", convID), alice, nil)
	if w.Code != http.StatusOK {
		t.Errorf("admin removing member = %d, want 200", w.Code)
	}

	// Both remaining members see the group in their lists.
	for _, token := range []string{alice, bob} {
		w = env.do(t, http.MethodGet, "/api/v1/conversations", token, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("list conversations = %d, want 200", w.Code)
		}
		convs := decode(t, w)["conversations"].([]interface{})
		if len(convs) != 1 {
			t.Errorf("conversation count = %d, want 1", len(convs))
		}
	}
}

func TestRegisterWebhook(t *testing.T) {
	env := newTestEnv(t)
	alice := env.token(t, 1)

	w := env.do(t, http.MethodPost, "/api/v1/webhooks", alice, gin.H{
		"url": "https://example.com/hook", "secret": "s3cret", "events": []string{"message.sent"},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("register webhook = %d, want 201: %s", w.Code, w.Body.String())
	}

	var ep models.WebhookEndpoint
	if err := env.db.First(&ep).Error; err != nil {
		t.Fatalf("load endpoint: %v", err)
	}
	if ep.URL != "https://example.com/hook" || ep.Events != "message.sent" || !ep.IsActive {
		t.Errorf("endpoint = %+v, want active message.sent subscriber", ep)
	}

	w = env.do(t, http.MethodPost, "/api/v1/webhooks", alice, gin.H{"url": "ftp://nope", "secret": "s"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("invalid scheme = %d, want 400", w.Code)
	}
	w = env.do(t, http.MethodPost, "/api/v1/webhooks", alice, gin.H{"url": "https://example.com", "secret": ""})
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing secret = %d, want 400", w.Code)
	}
}
