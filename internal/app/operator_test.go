package app

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

type memoryStore struct {
	mu   sync.Mutex
	data map[string]string
}

func newMemoryStore() *memoryStore {
	return &memoryStore{data: make(map[string]string)}
}

func (m *memoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	val, ok := m.data[key]
	return val, ok, nil
}

func (m *memoryStore) Set(ctx context.Context, key, value string) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *memoryStore) SetIfAbsent(ctx context.Context, key, value string) (bool, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[key]; ok {
		return false, nil
	}
	m.data[key] = value
	return true, nil
}

func (m *memoryStore) Delete(ctx context.Context, key string) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *memoryStore) Close() error { return nil }

func TestAuditPersistsToStore(t *testing.T) {
	store := newMemoryStore()
	a := &App{log: zap.NewNop(), store: store}

	a.audit(context.Background(), operatorAuditEvent{
		UpdateID: 42,
		Time:     time.Now().UTC(),
		Command:  "/set",
		Args:     []string{"SIZE", "500", "800"},
		UserID:   7,
		ChatID:   -100,
		Outcome:  "ok",
	})

	raw, ok, err := store.Get(context.Background(), "audit:42")
	if err != nil || !ok {
		t.Fatalf("expected audit record in store, ok=%v err=%v", ok, err)
	}
	var ev operatorAuditEvent
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		t.Fatalf("audit record is not valid json: %v", err)
	}
	if ev.Command != "/set" || ev.Outcome != "ok" || ev.UserID != 7 {
		t.Fatalf("audit record lost fields: %+v", ev)
	}
}

func TestParseOperatorCommand(t *testing.T) {
	cmd, args, ok := parseOperatorCommand("/set SIZE 500 800")
	if !ok {
		t.Fatalf("expected command to parse")
	}
	if cmd != "/set" {
		t.Fatalf("unexpected command: %s", cmd)
	}
	if len(args) != 3 || args[0] != "SIZE" || args[1] != "500" || args[2] != "800" {
		t.Fatalf("unexpected args: %v", args)
	}
}

func TestParseOperatorCommandStripsBotMention(t *testing.T) {
	cmd, _, ok := parseOperatorCommand("/status@dn_cycle_bot")
	if !ok || cmd != "/status" {
		t.Fatalf("expected /status, got %q ok=%v", cmd, ok)
	}
}

func TestParseOperatorCommandNormalizesCase(t *testing.T) {
	cmd, _, ok := parseOperatorCommand("  /PAUSE  ")
	if !ok || cmd != "/pause" {
		t.Fatalf("expected /pause, got %q ok=%v", cmd, ok)
	}
}

func TestParseOperatorCommandRejectsPlainText(t *testing.T) {
	if _, _, ok := parseOperatorCommand("hello there"); ok {
		t.Fatalf("plain text should not parse as a command")
	}
	if _, _, ok := parseOperatorCommand(""); ok {
		t.Fatalf("empty text should not parse as a command")
	}
}
