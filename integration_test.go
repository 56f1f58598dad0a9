//go:build integration

package velora_test

import (
	"context"
	"os"
	"testing"
	"time"

	velora "github.com/velora-app/velora/sdk/golang"
)

// helpers ---------------------------------------------------------------

func sessionToken(t *testing.T) string {
	t.Helper()
	token := os.Getenv("VELORA_TOKEN_TEST")
	if token == "" {
		t.Fatal("VELORA_TOKEN_TEST environment variable is required")
	}
	return token
}

func sessionUserID(t *testing.T) string {
	t.Helper()
	id := os.Getenv("VELORA_USER_ID_TEST")
	if id == "" {
		t.Fatal("VELORA_USER_ID_TEST environment variable is required")
	}
	return id
}

func counterpartUserID(t *testing.T) string {
	t.Helper()
	id := os.Getenv("VELORA_PEER_ID_TEST")
	if id == "" {
		t.Skip("VELORA_PEER_ID_TEST not set; skipping peer-dependent test")
	}
	return id
}

func testBaseURL() string {
	if v := os.Getenv("VELORA_BASE_URL_TEST"); v != "" {
		return v
	}
	return "" // empty means use default (production)
}

func newLiveClient(t *testing.T) *velora.Client {
	t.Helper()
	var client *velora.Client
	if base := testBaseURL(); base != "" {
		client = velora.NewClient(sessionToken(t), velora.WithBaseURL(base))
	} else {
		client = velora.NewClient(sessionToken(t), velora.WithEnvironment(velora.Production))
	}
	client.SetSession(sessionToken(t), sessionUserID(t))
	return client
}

// =======================================================================
// Gateway
// =======================================================================

func TestIntegration_Health(t *testing.T) {
	client := newLiveClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	result, err := client.Health(ctx)
	if err != nil {
		t.Fatalf("Health returned error: %v", err)
	}
	if !result.OK {
		t.Fatalf("gateway unhealthy: %+v", result.Error)
	}
}

// =======================================================================
// Messaging
// =======================================================================

func TestIntegration_ListConversations(t *testing.T) {
	client := newLiveClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	conversations, err := client.Messaging().ListConversations(ctx)
	if err != nil {
		t.Fatalf("ListConversations returned error: %v", err)
	}
	t.Logf("conversations=%d", len(conversations))

	for _, c := range conversations {
		if c.ID == "" {
			t.Error("conversation with empty id")
		}
		if c.UnreadCount < 0 {
			t.Errorf("conversation %s: negative unread count", c.ID)
		}
	}
}

func TestIntegration_SendAndHistory(t *testing.T) {
	client := newLiveClient(t)
	peer := counterpartUserID(t)
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	conv, err := client.Messaging().GetOrCreateConversation(ctx, peer)
	if err != nil {
		t.Fatalf("GetOrCreateConversation returned error: %v", err)
	}
	if conv == nil {
		t.Fatal("conversation was rejected")
	}

	msg, err := client.Messaging().Send(ctx, conv.ID, peer, "integration test message")
	if err != nil {
		t.Fatalf("Send returned error: %v", err)
	}
	if msg == nil {
		t.Fatal("message was not sent")
	}
	t.Logf("sent message id=%s", msg.ID)

	history := client.Messaging().ListMessages(ctx, conv.ID)
	found := 0
	for _, m := range history {
		if m.ID == msg.ID {
			found++
		}
	}
	if found != 1 {
		t.Fatalf("sent message appears %d times in history, want 1", found)
	}

	if !client.Messaging().DeleteMessage(ctx, msg.ID) {
		t.Errorf("cleanup: failed to delete message %s", msg.ID)
	}
}

func TestIntegration_MarkConversationRead(t *testing.T) {
	client := newLiveClient(t)
	peer := counterpartUserID(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	conv, err := client.Messaging().GetOrCreateConversation(ctx, peer)
	if err != nil || conv == nil {
		t.Fatalf("GetOrCreateConversation failed: %v", err)
	}
	if err := client.Messaging().MarkConversationRead(ctx, conv.ID); err != nil {
		t.Fatalf("MarkConversationRead returned error: %v", err)
	}
}

// =======================================================================
// Realtime
// =======================================================================

func TestIntegration_RealtimeConnect(t *testing.T) {
	client := newLiveClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	rt := client.Realtime(nil)
	client.Messaging().AttachRealtime(rt)
	if err := rt.Connect(ctx); err != nil {
		t.Fatalf("Connect returned error: %v", err)
	}
	defer rt.Disconnect()

	pong, err := rt.Ping(ctx)
	if err != nil {
		t.Fatalf("Ping returned error: %v", err)
	}
	t.Logf("pong requestId=%s", pong.RequestID)

	if err := client.Messaging().SubscribeSession(ctx); err != nil {
		t.Fatalf("SubscribeSession returned error: %v", err)
	}
}
