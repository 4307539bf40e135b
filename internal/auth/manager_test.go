package auth

import (
	"testing"
	"time"

	"github.com/yourusername/ops-console/internal/config"
)

func newTestManager() *Manager {
	return NewManager(&config.Config{
		AppUsername:     "admin",
		AppPasswordHash: "$2a$10$hash",
		SessionSecret:   "secret",
	})
}

func TestChatTokenLifecycle(t *testing.T) {
	m := newTestManager()

	token, err := m.issueChatToken()
	if err != nil {
		t.Fatalf("issueChatToken returned error: %v", err)
	}
	if !m.ValidateChatToken(token) {
		t.Fatal("freshly issued token should validate")
	}
	if m.ValidateChatToken("") {
		t.Fatal("empty token must not validate")
	}
	if m.ValidateChatToken("unknown-token") {
		t.Fatal("unknown token must not validate")
	}

	m.revokeChatToken(token)
	if m.ValidateChatToken(token) {
		t.Fatal("revoked token must not validate")
	}
}

func TestChatTokenExpiry(t *testing.T) {
	m := newTestManager()

	token, err := m.issueChatToken()
	if err != nil {
		t.Fatalf("issueChatToken returned error: %v", err)
	}

	m.lock.Lock()
	m.chatTokens[token] = time.Now().Add(-time.Minute)
	m.lock.Unlock()

	if m.ValidateChatToken(token) {
		t.Fatal("expired token must not validate")
	}
	// 期限切れトークンは検証時に破棄される
	m.lock.Lock()
	_, stillThere := m.chatTokens[token]
	m.lock.Unlock()
	if stillThere {
		t.Fatal("expired token should be removed on validation")
	}
}

func TestLoginLockoutAfterRepeatedFailures(t *testing.T) {
	m := newTestManager()
	ip := "203.0.113.10"

	for i := 0; i < maxLoginAttempts; i++ {
		m.recordFailure(ip)
	}
	if retryAfter := m.checkLock(ip); retryAfter <= 0 {
		t.Fatal("expected lockout after repeated failures")
	}

	m.resetAttempts(ip)
	if retryAfter := m.checkLock(ip); retryAfter != 0 {
		t.Fatal("reset should clear the lockout")
	}
}

func TestIsSafeMethod(t *testing.T) {
	if !isSafeMethod("GET") || !isSafeMethod("HEAD") {
		t.Fatal("GET/HEAD should be safe")
	}
	if isSafeMethod("POST") || isSafeMethod("DELETE") {
		t.Fatal("POST/DELETE should require CSRF verification")
	}
}
