package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/kandev/chatproxy/internal/apperr"
)

func newTestStore(t *testing.T) (*SQLStore, func()) {
	t.Helper()
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	s, err := OpenSQLite(dbPath)
	if err != nil {
		t.Fatalf("failed to open test store: %v", err)
	}
	cleanup := func() {
		if err := s.Close(); err != nil {
			t.Errorf("failed to close store: %v", err)
		}
	}
	return s, cleanup
}

func TestGatewayLifecycle(t *testing.T) {
	s, cleanup := newTestStore(t)
	defer cleanup()
	ctx := context.Background()

	gw, err := s.AddGateway(ctx, "gw-1", "Primary", "ws://localhost:9001", "tok", "pw")
	if err != nil {
		t.Fatalf("AddGateway: %v", err)
	}
	if gw.ID != "gw-1" || gw.Name != "Primary" {
		t.Errorf("unexpected gateway: %+v", gw)
	}

	if _, err := s.AddGateway(ctx, "gw-1", "Dup", "ws://x", "", ""); apperr.KindOf(err) != apperr.KindAlreadyExists {
		t.Errorf("expected AlreadyExists, got %v", err)
	}

	rec, err := s.GetGatewayRecord(ctx, "gw-1")
	if err != nil {
		t.Fatalf("GetGatewayRecord: %v", err)
	}
	if rec.Token != "tok" || rec.Password != "pw" {
		t.Errorf("expected secrets to round-trip, got %+v", rec)
	}

	gateways, err := s.ListGateways(ctx)
	if err != nil {
		t.Fatalf("ListGateways: %v", err)
	}
	if len(gateways) != 1 {
		t.Fatalf("expected 1 gateway, got %d", len(gateways))
	}

	if err := s.DeleteGateway(ctx, "gw-1"); err != nil {
		t.Fatalf("DeleteGateway: %v", err)
	}
	if _, err := s.GetGatewayRecord(ctx, "gw-1"); apperr.KindOf(err) != apperr.KindNotFound {
		t.Errorf("expected NotFound after delete, got %v", err)
	}
	if err := s.DeleteGateway(ctx, "gw-1"); apperr.KindOf(err) != apperr.KindNotFound {
		t.Errorf("expected NotFound deleting twice, got %v", err)
	}
}

func TestSessionUpsertAndMessages(t *testing.T) {
	s, cleanup := newTestStore(t)
	defer cleanup()
	ctx := context.Background()

	if _, err := s.AddGateway(ctx, "gw-1", "Primary", "ws://localhost:9001", "", ""); err != nil {
		t.Fatalf("AddGateway: %v", err)
	}

	sess, err := s.UpsertSession(ctx, "gw-1", "sess-a", "agent-1", "model-1", "First chat")
	if err != nil {
		t.Fatalf("UpsertSession: %v", err)
	}
	if sess.ID == "" {
		t.Fatal("expected generated session id")
	}

	again, err := s.UpsertSession(ctx, "gw-1", "sess-a", "", "", "")
	if err != nil {
		t.Fatalf("UpsertSession (touch): %v", err)
	}
	if again.ID != sess.ID {
		t.Errorf("expected same session id on upsert, got %s vs %s", again.ID, sess.ID)
	}
	if again.AgentID != "agent-1" {
		t.Errorf("expected agent_id to survive a touch-only upsert, got %q", again.AgentID)
	}

	msg1, err := s.AppendMessage(ctx, "gw-1", "sess-a", RoleUser, []ContentBlock{{Type: "text", Text: "hello"}}, nil)
	if err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	if _, err := s.AppendMessage(ctx, "gw-1", "sess-a", RoleAssistant, []ContentBlock{{Type: "text", Text: "hi there"}}, nil); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	msgs, err := s.ListMessages(ctx, "gw-1", "sess-a", defaultMessageLimit, "")
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].ID != msg1.ID {
		t.Errorf("expected chronological order, first message = %s, got %s", msg1.ID, msgs[0].ID)
	}
	if msgs[0].Content[0].Text != "hello" {
		t.Errorf("expected content round-trip, got %+v", msgs[0].Content)
	}

	if err := s.DeleteSession(ctx, "gw-1", "sess-a"); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	remaining, err := s.ListMessages(ctx, "gw-1", "sess-a", defaultMessageLimit, "")
	if err != nil {
		t.Fatalf("ListMessages after delete: %v", err)
	}
	if len(remaining) != 0 {
		t.Errorf("expected messages to cascade-delete with session, got %d", len(remaining))
	}
}

func TestListMessagesZeroLimitReturnsEmpty(t *testing.T) {
	s, cleanup := newTestStore(t)
	defer cleanup()
	ctx := context.Background()

	if _, err := s.AddGateway(ctx, "gw-1", "Primary", "ws://localhost:9001", "", ""); err != nil {
		t.Fatalf("AddGateway: %v", err)
	}
	if _, err := s.AppendMessage(ctx, "gw-1", "sess-a", RoleUser, []ContentBlock{{Type: "text", Text: "hello"}}, nil); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	msgs, err := s.ListMessages(ctx, "gw-1", "sess-a", 0, "")
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("expected limit=0 to return an empty list, got %d messages", len(msgs))
	}

	negative, err := s.ListMessages(ctx, "gw-1", "sess-a", -1, "")
	if err != nil {
		t.Fatalf("ListMessages with negative limit: %v", err)
	}
	if len(negative) != 1 {
		t.Fatalf("expected negative limit to fall back to the default and return the 1 message, got %d", len(negative))
	}
}

func TestListMessagesClampsLimit(t *testing.T) {
	s, cleanup := newTestStore(t)
	defer cleanup()
	ctx := context.Background()

	if _, err := s.AddGateway(ctx, "gw-1", "Primary", "ws://localhost:9001", "", ""); err != nil {
		t.Fatalf("AddGateway: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := s.AppendMessage(ctx, "gw-1", "sess-a", RoleUser, []ContentBlock{{Type: "text", Text: "x"}}, nil); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}

	msgs, err := s.ListMessages(ctx, "gw-1", "sess-a", maxMessageLimit+1000, "")
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected all 3 messages within the clamp, got %d", len(msgs))
	}
}

func TestFederatedSessionLifecycle(t *testing.T) {
	s, cleanup := newTestStore(t)
	defer cleanup()
	ctx := context.Background()

	if _, err := s.CreateFederatedSession(ctx, "Empty", nil); apperr.KindOf(err) != apperr.KindValidation {
		t.Errorf("expected ValidationError for no targets, got %v", err)
	}

	targets := []FederatedTarget{{GatewayID: "gw-1", SessionKey: "a"}, {GatewayID: "gw-2", SessionKey: "b"}}
	fs, err := s.CreateFederatedSession(ctx, "Cross-gateway", targets)
	if err != nil {
		t.Fatalf("CreateFederatedSession: %v", err)
	}
	if len(fs.Targets) != 2 {
		t.Fatalf("expected 2 targets, got %d", len(fs.Targets))
	}

	got, err := s.GetFederatedSession(ctx, fs.ID)
	if err != nil {
		t.Fatalf("GetFederatedSession: %v", err)
	}
	if got.Targets[1].GatewayID != "gw-2" {
		t.Errorf("expected targets to round-trip in order, got %+v", got.Targets)
	}

	list, err := s.ListFederatedSessions(ctx)
	if err != nil {
		t.Fatalf("ListFederatedSessions: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 federated session, got %d", len(list))
	}

	if err := s.DeleteFederatedSession(ctx, fs.ID); err != nil {
		t.Fatalf("DeleteFederatedSession: %v", err)
	}
	if _, err := s.GetFederatedSession(ctx, fs.ID); apperr.KindOf(err) != apperr.KindNotFound {
		t.Errorf("expected NotFound after delete, got %v", err)
	}
}
