package devserver

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lexiqai/companion-chat/internal/protocol"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := OpenStore("")
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStore_ConversationRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	conv, err := store.CreateConversation(ctx, "user-1", "Hello", "warm", "ara")
	if err != nil {
		t.Fatalf("Failed to create conversation: %v", err)
	}
	if conv.ID == "" {
		t.Fatal("Expected generated conversation ID")
	}

	got, err := store.GetConversation(ctx, conv.ID)
	if err != nil {
		t.Fatalf("Failed to get conversation: %v", err)
	}
	if got.OwnerID != "user-1" || got.Tone != "warm" || got.VoiceID != "ara" {
		t.Errorf("Expected stored fields to round trip, got %+v", got)
	}
}

func TestStore_GetMissingConversation(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetConversation(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestStore_MessagesOldestFirst(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// Frozen clock: equal timestamps must keep insertion order
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return t0 }

	conv, err := store.CreateConversation(ctx, "user-1", "", "", "ara")
	if err != nil {
		t.Fatalf("Failed to create conversation: %v", err)
	}

	contents := []string{"first", "second", "third"}
	for i, c := range contents {
		role := protocol.RoleUser
		if i%2 == 1 {
			role = protocol.RoleAssistant
		}
		if _, err := store.AddMessage(ctx, conv.ID, role, c); err != nil {
			t.Fatalf("Failed to add message: %v", err)
		}
	}

	msgs, err := store.ListMessages(ctx, conv.ID)
	if err != nil {
		t.Fatalf("Failed to list messages: %v", err)
	}
	if len(msgs) != len(contents) {
		t.Fatalf("Expected %d messages, got %d", len(contents), len(msgs))
	}
	for i, m := range msgs {
		if m.Content != contents[i] {
			t.Errorf("Expected message %d to be %q, got %q", i, contents[i], m.Content)
		}
	}
	if msgs[1].Role != string(protocol.RoleAssistant) {
		t.Errorf("Expected assistant role, got %s", msgs[1].Role)
	}
}

func TestStore_AddMessageTouchesConversation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return t0 }
	conv, err := store.CreateConversation(ctx, "user-1", "", "", "ara")
	if err != nil {
		t.Fatalf("Failed to create conversation: %v", err)
	}

	store.now = func() time.Time { return t0.Add(time.Minute) }
	if _, err := store.AddMessage(ctx, conv.ID, protocol.RoleUser, "hi"); err != nil {
		t.Fatalf("Failed to add message: %v", err)
	}

	got, err := store.GetConversation(ctx, conv.ID)
	if err != nil {
		t.Fatalf("Failed to get conversation: %v", err)
	}
	if !got.UpdatedAt.Equal(t0.Add(time.Minute)) {
		t.Errorf("Expected updated_at %v, got %v", t0.Add(time.Minute), got.UpdatedAt)
	}
}

func TestStore_Ping(t *testing.T) {
	store := newTestStore(t)
	if err := store.Ping(context.Background()); err != nil {
		t.Errorf("Expected ping to succeed, got %v", err)
	}
}
