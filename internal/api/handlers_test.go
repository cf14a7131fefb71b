package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"chatstream/internal/apperr"
	"chatstream/internal/auth"
	"chatstream/internal/config"
	"chatstream/internal/metrics"
	"chatstream/internal/models"
	"chatstream/internal/service/assistant"
	"chatstream/internal/service/chat"
	"chatstream/internal/storage"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

func TestHandlersEndToEndFlow(t *testing.T) {
	srv := newTestServer(t, "")
	srv.provider.set([]string{"Day 1: Tokyo. ", "Day 2: Kyoto. ", "Day 3: Osaka."}, nil)

	// Register and activate.
	regResp := doJSONRequest(t, srv.router, http.MethodPost, "/auth/register", map[string]string{
		"email":    "alice@example.com",
		"password": "pw123456",
		"name":     "Alice",
	}, nil)
	assertStatus(t, regResp, http.StatusCreated)
	var regBody struct {
		ID int64 `json:"id"`
	}
	decodeJSON(t, regResp.Body.Bytes(), &regBody)
	if regBody.ID == 0 {
		t.Fatalf("expected user id in register response")
	}

	verifyResp := doJSONRequest(t, srv.router, http.MethodPost, "/auth/verify-email", map[string]any{
		"user_id": regBody.ID,
		"code":    srv.mailer.code("alice@example.com"),
	}, nil)
	assertStatus(t, verifyResp, http.StatusOK)

	authHeader := login(t, srv.router, "alice@example.com", "pw123456")

	// Create a conversation.
	createResp := doJSONRequest(t, srv.router, http.MethodPost, "/chat/conversation",
		map[string]string{"title": "Trip planning"}, authHeader)
	assertStatus(t, createResp, http.StatusCreated)
	var conv models.Conversation
	decodeJSON(t, createResp.Body.Bytes(), &conv)
	if conv.ID <= 0 || conv.Title != "Trip planning" {
		t.Fatalf("unexpected conversation: %+v", conv)
	}

	// Stream a turn.
	streamResp := postSSE(t, srv.router, "/chat/stream", map[string]any{
		"conversationId": conv.ID,
		"message":        "Suggest a 3-day itinerary",
	}, authHeader)
	assertStatus(t, streamResp, http.StatusOK)
	if ct := streamResp.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("unexpected content type %q", ct)
	}
	frames := parseSSE(t, streamResp.Body.String())
	if len(frames) != 4 {
		t.Fatalf("expected 3 fragments and a done frame, got %d: %#v", len(frames), frames)
	}
	var streamed strings.Builder
	for _, f := range frames[:3] {
		var payload struct {
			Content string `json:"content"`
		}
		decodeJSON(t, []byte(f), &payload)
		streamed.WriteString(payload.Content)
	}
	var done struct {
		Done      bool  `json:"done"`
		MessageID int64 `json:"messageId"`
	}
	decodeJSON(t, []byte(frames[3]), &done)
	if !done.Done || done.MessageID <= 0 {
		t.Fatalf("unexpected done frame: %s", frames[3])
	}

	// The transcript holds the user message then the assistant reply.
	getResp := doJSONRequest(t, srv.router, http.MethodGet, fmt.Sprintf("/chat/conversation/%d", conv.ID), nil, authHeader)
	assertStatus(t, getResp, http.StatusOK)
	var detail struct {
		Conversation models.Conversation `json:"conversation"`
		Messages     []models.Message    `json:"messages"`
	}
	decodeJSON(t, getResp.Body.Bytes(), &detail)
	if len(detail.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(detail.Messages))
	}
	if detail.Messages[0].Role != models.RoleUser || detail.Messages[0].Content != "Suggest a 3-day itinerary" {
		t.Fatalf("unexpected first message: %+v", detail.Messages[0])
	}
	if detail.Messages[1].Role != models.RoleAssistant || detail.Messages[1].Content != streamed.String() {
		t.Fatalf("assistant message %q does not match streamed text %q", detail.Messages[1].Content, streamed.String())
	}
	if detail.Messages[1].ID != done.MessageID {
		t.Fatalf("done frame id %d, stored id %d", done.MessageID, detail.Messages[1].ID)
	}

	// The provider saw the whole transcript.
	if got := srv.provider.lastHistory(); len(got) != 1 || got[0].Content != "Suggest a 3-day itinerary" {
		t.Fatalf("unexpected provider history: %+v", got)
	}

	listResp := doJSONRequest(t, srv.router, http.MethodGet, "/chat/conversations", nil, authHeader)
	assertStatus(t, listResp, http.StatusOK)
	var list struct {
		Conversations []models.Conversation `json:"conversations"`
	}
	decodeJSON(t, listResp.Body.Bytes(), &list)
	if len(list.Conversations) != 1 || list.Conversations[0].ID != conv.ID {
		t.Fatalf("unexpected conversation list: %+v", list.Conversations)
	}

	// Logout revokes the token.
	logoutResp := doJSONRequest(t, srv.router, http.MethodPost, "/auth/logout", nil, authHeader)
	assertStatus(t, logoutResp, http.StatusNoContent)
	meResp := doJSONRequest(t, srv.router, http.MethodGet, "/auth/me", nil, authHeader)
	assertStatus(t, meResp, http.StatusUnauthorized)

	// Login again and delete the account.
	authHeader = login(t, srv.router, "alice@example.com", "pw123456")
	meResp = doJSONRequest(t, srv.router, http.MethodGet, "/auth/me", nil, authHeader)
	assertStatus(t, meResp, http.StatusOK)
	if !strings.Contains(meResp.Body.String(), `"email":"alice@example.com"`) {
		t.Fatalf("unexpected /auth/me body: %s", meResp.Body.String())
	}
	if strings.Contains(meResp.Body.String(), "password") {
		t.Fatalf("/auth/me leaks password data: %s", meResp.Body.String())
	}

	delResp := doJSONRequest(t, srv.router, http.MethodDelete, "/auth/me", nil, authHeader)
	assertStatus(t, delResp, http.StatusNoContent)
	if n := countMessages(t, srv.db, conv.ID); n != 0 {
		t.Fatalf("expected messages removed with the account, got %d", n)
	}

	failLogin := doJSONRequest(t, srv.router, http.MethodPost, "/auth/login", map[string]string{
		"email":    "alice@example.com",
		"password": "pw123456",
	}, nil)
	assertStatus(t, failLogin, http.StatusUnauthorized)
}

func TestRegisterValidationAndDuplicate(t *testing.T) {
	srv := newTestServer(t, "")

	resp := doJSONRequest(t, srv.router, http.MethodPost, "/auth/register", map[string]string{
		"email":    "not-an-email",
		"password": "pw123456",
		"name":     "Alice",
	}, nil)
	assertStatus(t, resp, http.StatusBadRequest)
	var body struct {
		Error  string            `json:"error"`
		Fields map[string]string `json:"fields"`
	}
	decodeJSON(t, resp.Body.Bytes(), &body)
	if body.Fields["email"] == "" {
		t.Fatalf("expected email field error, got %s", resp.Body.String())
	}

	registerUser(t, srv, "alice@example.com")
	dup := doJSONRequest(t, srv.router, http.MethodPost, "/auth/register", map[string]string{
		"email":    "Alice@Example.com",
		"password": "another1",
		"name":     "Other",
	}, nil)
	assertStatus(t, dup, http.StatusBadRequest)
	if !strings.Contains(dup.Body.String(), "already registered") {
		t.Fatalf("unexpected duplicate body: %s", dup.Body.String())
	}
}

func TestRegisterMultibytePasswordTooLong(t *testing.T) {
	srv := newTestServer(t, "")

	// 40 runes passes the rune-counting max=72 tag but is 80 bytes.
	resp := doJSONRequest(t, srv.router, http.MethodPost, "/auth/register", map[string]string{
		"email":    "ivan@example.com",
		"password": strings.Repeat("п", 40),
		"name":     "Ivan",
	}, nil)
	assertStatus(t, resp, http.StatusBadRequest)
	var body struct {
		Fields map[string]string `json:"fields"`
	}
	decodeJSON(t, resp.Body.Bytes(), &body)
	if body.Fields["password"] == "" {
		t.Fatalf("expected password field error, got %s", resp.Body.String())
	}
	if srv.mailer.sent("ivan@example.com") != 0 {
		t.Fatalf("no activation mail expected for rejected registration")
	}
}

func TestLoginFailures(t *testing.T) {
	srv := newTestServer(t, "")
	id := registerUser(t, srv, "alice@example.com")

	inactive := doJSONRequest(t, srv.router, http.MethodPost, "/auth/login", map[string]string{
		"email": "alice@example.com", "password": "pw123456",
	}, nil)
	assertStatus(t, inactive, http.StatusBadRequest)

	badCode := doJSONRequest(t, srv.router, http.MethodPost, "/auth/verify-email", map[string]any{
		"user_id": id, "code": "not-it",
	}, nil)
	assertStatus(t, badCode, http.StatusBadRequest)

	activate(t, srv, id, "alice@example.com")

	wrong := doJSONRequest(t, srv.router, http.MethodPost, "/auth/login", map[string]string{
		"email": "alice@example.com", "password": "wrong-password",
	}, nil)
	assertStatus(t, wrong, http.StatusUnauthorized)
	unknown := doJSONRequest(t, srv.router, http.MethodPost, "/auth/login", map[string]string{
		"email": "nobody@example.com", "password": "wrong-password",
	}, nil)
	assertStatus(t, unknown, http.StatusUnauthorized)
	if wrong.Body.String() != unknown.Body.String() {
		t.Fatalf("unknown email and wrong password must look alike: %s vs %s", wrong.Body.String(), unknown.Body.String())
	}
}

func TestResendCodeAlwaysAccepted(t *testing.T) {
	srv := newTestServer(t, "")
	registerUser(t, srv, "alice@example.com")

	resp := doJSONRequest(t, srv.router, http.MethodPost, "/auth/resend-code", map[string]string{"email": "alice@example.com"}, nil)
	assertStatus(t, resp, http.StatusAccepted)
	if srv.mailer.sent("alice@example.com") != 2 {
		t.Fatalf("expected a second activation mail")
	}

	resp = doJSONRequest(t, srv.router, http.MethodPost, "/auth/resend-code", map[string]string{"email": "ghost@example.com"}, nil)
	assertStatus(t, resp, http.StatusAccepted)
}

func TestChatRoutesRequireAuth(t *testing.T) {
	srv := newTestServer(t, "")

	resp := doJSONRequest(t, srv.router, http.MethodGet, "/chat/conversations", nil, nil)
	assertStatus(t, resp, http.StatusUnauthorized)

	resp = doJSONRequest(t, srv.router, http.MethodPost, "/chat/stream",
		map[string]any{"conversationId": 1, "message": "hi"},
		map[string]string{"Authorization": "Bearer not-a-token"})
	assertStatus(t, resp, http.StatusUnauthorized)
}

func TestStreamRequiresConversationID(t *testing.T) {
	srv := newTestServer(t, "")
	authHeader := newActiveUser(t, srv, "alice@example.com")

	resp := doJSONRequest(t, srv.router, http.MethodPost, "/chat/stream", map[string]any{"message": "hi"}, authHeader)
	assertStatus(t, resp, http.StatusBadRequest)
	if !strings.Contains(resp.Body.String(), "conversationId") {
		t.Fatalf("expected conversationId field error, got %s", resp.Body.String())
	}

	conv := createConversation(t, srv, authHeader, "x")
	resp = doJSONRequest(t, srv.router, http.MethodPost, "/chat/stream",
		map[string]any{"conversationId": conv.ID, "message": "   "}, authHeader)
	assertStatus(t, resp, http.StatusBadRequest)
	if n := countMessages(t, srv.db, conv.ID); n != 0 {
		t.Fatalf("expected no messages stored, got %d", n)
	}
}

func TestStreamErrorFrame(t *testing.T) {
	srv := newTestServer(t, "")
	authHeader := newActiveUser(t, srv, "alice@example.com")
	conv := createConversation(t, srv, authHeader, "x")
	srv.provider.set([]string{"partial"}, apperr.Provider(errors.New("quota exceeded")))

	resp := postSSE(t, srv.router, "/chat/stream",
		map[string]any{"conversationId": conv.ID, "message": "hello"}, authHeader)
	assertStatus(t, resp, http.StatusOK)
	frames := parseSSE(t, resp.Body.String())
	if len(frames) != 2 {
		t.Fatalf("expected fragment and error frames, got %d: %#v", len(frames), frames)
	}
	if !strings.Contains(frames[0], `"content":"partial"`) {
		t.Fatalf("unexpected first frame: %s", frames[0])
	}
	var errFrame struct {
		Error string `json:"error"`
	}
	decodeJSON(t, []byte(frames[1]), &errFrame)
	if !strings.Contains(errFrame.Error, "quota exceeded") {
		t.Fatalf("missing error payload: %s", frames[1])
	}
	if strings.Contains(resp.Body.String(), `"done"`) {
		t.Fatalf("failed turn must not send a done frame")
	}

	if n := countMessages(t, srv.db, conv.ID); n != 1 {
		t.Fatalf("expected only the user message stored, got %d", n)
	}
}

func TestConversationOwnership(t *testing.T) {
	srv := newTestServer(t, "")
	alice := newActiveUser(t, srv, "alice@example.com")
	bob := newActiveUser(t, srv, "bob@example.com")
	conv := createConversation(t, srv, alice, "private")
	path := fmt.Sprintf("/chat/conversation/%d", conv.ID)

	assertStatus(t, doJSONRequest(t, srv.router, http.MethodGet, path, nil, bob), http.StatusNotFound)
	assertStatus(t, doJSONRequest(t, srv.router, http.MethodPatch, path, map[string]string{"title": "mine"}, bob), http.StatusNotFound)
	assertStatus(t, doJSONRequest(t, srv.router, http.MethodDelete, path, nil, bob), http.StatusNotFound)
	assertStatus(t, doJSONRequest(t, srv.router, http.MethodPost, "/chat/stream",
		map[string]any{"conversationId": conv.ID, "message": "hi"}, bob), http.StatusNotFound)
	assertStatus(t, doJSONRequest(t, srv.router, http.MethodGet, "/chat/conversation/99999", nil, alice), http.StatusNotFound)
	assertStatus(t, doJSONRequest(t, srv.router, http.MethodGet, "/chat/conversation/abc", nil, alice), http.StatusBadRequest)

	if n := countMessages(t, srv.db, conv.ID); n != 0 {
		t.Fatalf("foreign stream stored messages: %d", n)
	}
	assertStatus(t, doJSONRequest(t, srv.router, http.MethodGet, path, nil, alice), http.StatusOK)
}

func TestRenameDeleteAndDefaultTitle(t *testing.T) {
	srv := newTestServer(t, "")
	authHeader := newActiveUser(t, srv, "alice@example.com")

	resp := doJSONRequest(t, srv.router, http.MethodPost, "/chat/conversation", nil, authHeader)
	assertStatus(t, resp, http.StatusCreated)
	var conv models.Conversation
	decodeJSON(t, resp.Body.Bytes(), &conv)
	if conv.Title != models.DefaultConversationTitle {
		t.Fatalf("expected default title, got %q", conv.Title)
	}

	path := fmt.Sprintf("/chat/conversation/%d", conv.ID)
	blank := doJSONRequest(t, srv.router, http.MethodPatch, path, map[string]string{"title": ""}, authHeader)
	assertStatus(t, blank, http.StatusBadRequest)

	renamed := doJSONRequest(t, srv.router, http.MethodPatch, path, map[string]string{"title": "Kyoto"}, authHeader)
	assertStatus(t, renamed, http.StatusOK)
	decodeJSON(t, renamed.Body.Bytes(), &conv)
	if conv.Title != "Kyoto" {
		t.Fatalf("rename not applied: %+v", conv)
	}

	assertStatus(t, doJSONRequest(t, srv.router, http.MethodDelete, path, nil, authHeader), http.StatusNoContent)
	assertStatus(t, doJSONRequest(t, srv.router, http.MethodGet, path, nil, authHeader), http.StatusNotFound)
}

func TestBusyConversation(t *testing.T) {
	srv := newTestServer(t, "")
	authHeader := newActiveUser(t, srv, "alice@example.com")
	conv := createConversation(t, srv, authHeader, "x")

	unlock, err := srv.locker.TryLock(context.Background(), conv.ID)
	if err != nil {
		t.Fatalf("take lock: %v", err)
	}
	resp := doJSONRequest(t, srv.router, http.MethodPost, "/chat/stream",
		map[string]any{"conversationId": conv.ID, "message": "hi"}, authHeader)
	assertStatus(t, resp, http.StatusTooManyRequests)
	if n := countMessages(t, srv.db, conv.ID); n != 0 {
		t.Fatalf("busy turn stored messages: %d", n)
	}
	unlock()

	resp = postSSE(t, srv.router, "/chat/stream",
		map[string]any{"conversationId": conv.ID, "message": "hi"}, authHeader)
	assertStatus(t, resp, http.StatusOK)
}

func TestCookieSessionRequiresCSRF(t *testing.T) {
	srv := newTestServer(t, "")
	newActiveUser(t, srv, "alice@example.com")

	loginResp := doJSONRequest(t, srv.router, http.MethodPost, "/auth/login", map[string]string{
		"email": "alice@example.com", "password": "pw123456",
	}, nil)
	assertStatus(t, loginResp, http.StatusOK)
	var authCookie, csrfCookie *http.Cookie
	for _, ck := range loginResp.Result().Cookies() {
		switch ck.Name {
		case "auth_token":
			authCookie = ck
		case "csrf_token":
			csrfCookie = ck
		}
	}
	if authCookie == nil || csrfCookie == nil {
		t.Fatalf("expected auth and csrf cookies")
	}
	if !authCookie.HttpOnly {
		t.Fatalf("auth cookie must be HttpOnly")
	}
	cookieHeader := map[string]string{
		"Cookie": fmt.Sprintf("%s=%s; %s=%s", authCookie.Name, authCookie.Value, csrfCookie.Name, csrfCookie.Value),
	}

	assertStatus(t, doJSONRequest(t, srv.router, http.MethodGet, "/chat/conversations", nil, cookieHeader), http.StatusOK)
	assertStatus(t, doJSONRequest(t, srv.router, http.MethodPost, "/chat/conversation",
		map[string]string{"title": "x"}, cookieHeader), http.StatusForbidden)

	cookieHeader["X-CSRF-Token"] = csrfCookie.Value
	assertStatus(t, doJSONRequest(t, srv.router, http.MethodPost, "/chat/conversation",
		map[string]string{"title": "x"}, cookieHeader), http.StatusCreated)
}

func TestHealthReadyAndMetrics(t *testing.T) {
	srv := newTestServer(t, "")

	assertStatus(t, doJSONRequest(t, srv.router, http.MethodGet, "/healthz", nil, nil), http.StatusOK)
	assertStatus(t, doJSONRequest(t, srv.router, http.MethodGet, "/readyz", nil, nil), http.StatusOK)

	metricsResp := doJSONRequest(t, srv.router, http.MethodGet, "/metrics", nil, nil)
	assertStatus(t, metricsResp, http.StatusOK)
	if !strings.Contains(metricsResp.Body.String(), "chatstream_http_requests_total") {
		t.Fatalf("request counter missing from /metrics")
	}

	srv.db.Close()
	assertStatus(t, doJSONRequest(t, srv.router, http.MethodGet, "/readyz", nil, nil), http.StatusServiceUnavailable)
}

func TestStaticFallback(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "index.html"), []byte("<html>app</html>"), 0o644); err != nil {
		t.Fatalf("write index: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "app.js"), []byte("console.log(1)"), 0o644); err != nil {
		t.Fatalf("write asset: %v", err)
	}
	srv := newTestServer(t, dir)

	resp := doJSONRequest(t, srv.router, http.MethodGet, "/app.js", nil, nil)
	assertStatus(t, resp, http.StatusOK)
	if !strings.Contains(resp.Body.String(), "console.log") {
		t.Fatalf("unexpected asset body: %s", resp.Body.String())
	}
	resp = doJSONRequest(t, srv.router, http.MethodGet, "/conversations/42", nil, nil)
	assertStatus(t, resp, http.StatusOK)
	if !strings.Contains(resp.Body.String(), "app") {
		t.Fatalf("expected index.html fallback, got %s", resp.Body.String())
	}
	resp = doJSONRequest(t, srv.router, http.MethodGet, "/chat/nope", nil, nil)
	assertStatus(t, resp, http.StatusNotFound)
}

func TestParseSSE(t *testing.T) {
	frames := parseSSE(t, "data: {\"content\":\"a\"}\n\ndata: {\"done\":true,\"messageId\":3}\n\n")
	if len(frames) != 2 || frames[0] != `{"content":"a"}` || frames[1] != `{"done":true,"messageId":3}` {
		t.Fatalf("unexpected frames: %#v", frames)
	}
	if parseSSE(t, "  ") != nil {
		t.Fatalf("expected no frames for empty payload")
	}
}

// helpers

type testServer struct {
	router   *gin.Engine
	db       *sql.DB
	mailer   *recordingMailer
	provider *fakeProvider
	locker   *chat.LocalLocker
}

func newTestServer(t *testing.T, staticDir string) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{
		Databases: map[string]config.DatabaseConfig{
			"sqlite3": {DSN: filepath.Join(t.TempDir(), "api.db")},
		},
	}
	db, err := storage.Open("sqlite3", cfg)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if _, err := storage.Migrate(context.Background(), db, "sqlite3"); err != nil {
		t.Fatalf("migrate db: %v", err)
	}

	mailer := &recordingMailer{codes: make(map[string]string), count: make(map[string]int)}
	provider := &fakeProvider{}
	locker := chat.NewLocalLocker()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	asst := assistant.NewService(db, auth.NewHasher(4), mailer, 24*time.Hour, zerolog.Nop())
	authSvc := auth.NewService("test-secret-0123456789", "chatstream-test", time.Hour, newMemoryRevoker())
	orchestrator := chat.NewOrchestrator(asst, provider, locker, m, time.Minute, zerolog.Nop())
	handler := NewHandler(asst, authSvc, orchestrator, Options{
		Metrics:   m,
		Gatherer:  reg,
		Log:       zerolog.Nop(),
		StaticDir: staticDir,
		ReadyChecks: map[string]ReadyCheck{
			"database": asst.Ping,
		},
	})
	return &testServer{
		router:   NewRouter(handler),
		db:       db,
		mailer:   mailer,
		provider: provider,
		locker:   locker,
	}
}

type fakeProvider struct {
	mu        sync.Mutex
	fragments []string
	err       error
	history   []*models.Message
}

func (p *fakeProvider) set(fragments []string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fragments, p.err = fragments, err
}

func (p *fakeProvider) lastHistory() []*models.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.history
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Stream(_ context.Context, history []*models.Message) (iter.Seq2[string, error], error) {
	p.mu.Lock()
	p.history = history
	fragments, failure := p.fragments, p.err
	p.mu.Unlock()
	if len(fragments) == 0 && failure == nil {
		fragments = []string{"ok"}
	}
	return func(yield func(string, error) bool) {
		for _, s := range fragments {
			if !yield(s, nil) {
				return
			}
		}
		if failure != nil {
			yield("", failure)
		}
	}, nil
}

type recordingMailer struct {
	mu    sync.Mutex
	codes map[string]string
	count map[string]int
}

func (m *recordingMailer) SendActivationCode(_ context.Context, email, _, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.codes[email] = code
	m.count[email]++
	return nil
}

func (m *recordingMailer) code(email string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.codes[email]
}

func (m *recordingMailer) sent(email string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.count[email]
}

type memoryRevoker struct {
	mu      sync.Mutex
	revoked map[string]struct{}
}

func newMemoryRevoker() *memoryRevoker {
	return &memoryRevoker{revoked: make(map[string]struct{})}
}

func (r *memoryRevoker) Revoke(_ context.Context, jti string, _ time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.revoked[jti] = struct{}{}
	return nil
}

func (r *memoryRevoker) IsRevoked(_ context.Context, jti string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.revoked[jti]
	return ok, nil
}

// parseSSE returns the data payload of every frame.
func parseSSE(t *testing.T, payload string) []string {
	t.Helper()
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return nil
	}
	var frames []string
	for _, chunk := range strings.Split(payload, "\n\n") {
		var data string
		for _, line := range strings.Split(strings.TrimSpace(chunk), "\n") {
			if strings.HasPrefix(line, "data:") {
				part := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
				if data == "" {
					data = part
				} else {
					data += "\n" + part
				}
			}
		}
		if data != "" {
			frames = append(frames, data)
		}
	}
	return frames
}

func doJSONRequest(t *testing.T, router *gin.Engine, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func postSSE(t *testing.T, router *gin.Engine, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	h := map[string]string{"Accept": "text/event-stream"}
	for k, v := range headers {
		h[k] = v
	}
	return doJSONRequest(t, router, http.MethodPost, path, body, h)
}

func decodeJSON(t *testing.T, data []byte, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("decode json %s: %v", data, err)
	}
}

func assertStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("unexpected status %d (want %d), body: %s", rec.Code, want, rec.Body.String())
	}
}

func countMessages(t *testing.T, db *sql.DB, conversationID int64) int {
	t.Helper()
	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM messages WHERE conversation_id = ?`, conversationID).Scan(&count); err != nil {
		t.Fatalf("count messages: %v", err)
	}
	return count
}

func registerUser(t *testing.T, srv *testServer, email string) int64 {
	t.Helper()
	resp := doJSONRequest(t, srv.router, http.MethodPost, "/auth/register", map[string]string{
		"email":    email,
		"password": "pw123456",
		"name":     "Tester",
	}, nil)
	assertStatus(t, resp, http.StatusCreated)
	var body struct {
		ID int64 `json:"id"`
	}
	decodeJSON(t, resp.Body.Bytes(), &body)
	return body.ID
}

func activate(t *testing.T, srv *testServer, id int64, email string) {
	t.Helper()
	resp := doJSONRequest(t, srv.router, http.MethodPost, "/auth/verify-email", map[string]any{
		"user_id": id,
		"code":    srv.mailer.code(email),
	}, nil)
	assertStatus(t, resp, http.StatusOK)
}

func login(t *testing.T, router *gin.Engine, email, password string) map[string]string {
	t.Helper()
	resp := doJSONRequest(t, router, http.MethodPost, "/auth/login", map[string]string{
		"email":    email,
		"password": password,
	}, nil)
	assertStatus(t, resp, http.StatusOK)
	var body struct {
		AccessToken string `json:"access_token"`
		User        struct {
			Email string `json:"email"`
		} `json:"user"`
	}
	decodeJSON(t, resp.Body.Bytes(), &body)
	if body.AccessToken == "" || body.User.Email != email {
		t.Fatalf("unexpected login response: %s", resp.Body.String())
	}
	return map[string]string{"Authorization": "Bearer " + body.AccessToken}
}

func newActiveUser(t *testing.T, srv *testServer, email string) map[string]string {
	t.Helper()
	id := registerUser(t, srv, email)
	activate(t, srv, id, email)
	return login(t, srv.router, email, "pw123456")
}

func createConversation(t *testing.T, srv *testServer, authHeader map[string]string, title string) models.Conversation {
	t.Helper()
	resp := doJSONRequest(t, srv.router, http.MethodPost, "/chat/conversation", map[string]string{"title": title}, authHeader)
	assertStatus(t, resp, http.StatusCreated)
	var conv models.Conversation
	decodeJSON(t, resp.Body.Bytes(), &conv)
	return conv
}
