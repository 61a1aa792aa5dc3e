package pipeline

import (
	"testing"

	"messenger/internal/crypto"
	"messenger/internal/models"
)

func TestEncryptionJob_DirectMessage(t *testing.T) {
	gdb := newTestDB(t)
	keys := crypto.NewKeyStore(gdb)

	p1, p2 := uint(1), uint(2)
	conv := models.Conversation{Type: models.ConversationDirect, Participant1ID: &p1, Participant2ID: &p2}
	if err := gdb.Create(&conv).Error; err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	msg := models.Message{ConversationID: conv.ID, SenderID: p1, Type: models.MessageText, Content: "for your eyes only"}
	if err := gdb.Create(&msg).Error; err != nil {
		t.Fatalf("create message: %v", err)
	}

	job := &EncryptionJob{DB: gdb, Keys: keys, MessageID: msg.ID}
	if r := job.Run(); r.Status != StatusDone {
		t.Fatalf("Run() status = %v, want done (err %v)", r.Status, r.Err)
	}

	var got models.Message
	gdb.First(&got, msg.ID)
	if !got.IsEncrypted {
		t.Fatal("message not marked encrypted")
	}
	if got.EncryptedContent == "" || got.EncryptedKey == "" {
		t.Fatal("encryption artifacts missing")
	}

	// Sealed to the other participant, not the sender.
	recipientKey, err := keys.GetOrCreate(p2)
	if err != nil {
		t.Fatalf("load recipient key: %v", err)
	}
	plain, err := crypto.DecryptHybrid(got.EncryptedContent, got.EncryptedKey, recipientKey.PrivateKey)
	if err != nil {
		t.Fatalf("DecryptHybrid() with recipient key error = %v", err)
	}
	if plain != "for your eyes only" {
		t.Errorf("decrypted = %q, want original content", plain)
	}
}

func TestEncryptionJob_GroupUsesServerKey(t *testing.T) {
	gdb := newTestDB(t)
	keys := crypto.NewKeyStore(gdb)

	conv := models.Conversation{Type: models.ConversationGroup, Title: "team"}
	gdb.Create(&conv)
	msg := models.Message{ConversationID: conv.ID, SenderID: 1, Type: models.MessageText, Content: "group secret"}
	gdb.Create(&msg)

	job := &EncryptionJob{DB: gdb, Keys: keys, MessageID: msg.ID}
	if r := job.Run(); r.Status != StatusDone {
		t.Fatalf("Run() status = %v, want done (err %v)", r.Status, r.Err)
	}

	var got models.Message
	gdb.First(&got, msg.ID)
	serverKey, err := keys.GetOrCreate(ServerKeyID)
	if err != nil {
		t.Fatalf("load server key: %v", err)
	}
	plain, err := crypto.DecryptHybrid(got.EncryptedContent, got.EncryptedKey, serverKey.PrivateKey)
	if err != nil {
		t.Fatalf("DecryptHybrid() with server key error = %v", err)
	}
	if plain != "group secret" {
		t.Errorf("decrypted = %q, want original content", plain)
	}
}

func TestEncryptionJob_Idempotent(t *testing.T) {
	gdb := newTestDB(t)
	keys := crypto.NewKeyStore(gdb)

	p1, p2 := uint(1), uint(2)
	conv := models.Conversation{Type: models.ConversationDirect, Participant1ID: &p1, Participant2ID: &p2}
	gdb.Create(&conv)
	msg := models.Message{ConversationID: conv.ID, SenderID: p1, Type: models.MessageText, Content: "once"}
	gdb.Create(&msg)

	job := &EncryptionJob{DB: gdb, Keys: keys, MessageID: msg.ID}
	if r := job.Run(); r.Status != StatusDone {
		t.Fatalf("first Run() status = %v", r.Status)
	}
	var first models.Message
	gdb.First(&first, msg.ID)

	if r := job.Run(); r.Status != StatusDone {
		t.Fatalf("second Run() status = %v", r.Status)
	}
	var second models.Message
	gdb.First(&second, msg.ID)

	if first.EncryptedContent != second.EncryptedContent || first.EncryptedKey != second.EncryptedKey {
		t.Error("re-running encryption replaced existing artifacts")
	}
}
