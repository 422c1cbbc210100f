package server

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"discussmatch/internal/servicetoken"
	"discussmatch/pkg/domain"
	"discussmatch/services/discussion/internal/app"
)

type testServer struct {
	t       *testing.T
	handler http.Handler
}

func newTestServer(t *testing.T, appCfg app.Config, cfg Config) *testServer {
	t.Helper()
	if appCfg.DatabaseURL == "" && appCfg.Store == nil {
		appCfg.DatabaseURL = app.DatabaseMemory
	}
	a, err := app.New(appCfg)
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	cfg.App = a
	srv, err := New(cfg)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return &testServer{t: t, handler: srv.Router()}
}

func (ts *testServer) do(method, path, userID string, body any, headers ...string) *httptest.ResponseRecorder {
	ts.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			ts.t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set(UserIDHeader, userID)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return out
}

func expectError(t *testing.T, rec *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	if rec.Code != status {
		t.Fatalf("status = %d, want %d (body %s)", rec.Code, status, rec.Body.String())
	}
	resp := decode[errorResponse](t, rec)
	if resp.Code != code {
		t.Fatalf("code = %q, want %q (body %s)", resp.Code, code, rec.Body.String())
	}
	if resp.RequestID == "" {
		t.Fatalf("expected request id in error body")
	}
}

func TestHealthAndIdentity(t *testing.T) {
	ts := newTestServer(t, app.Config{}, Config{})
	rec := ts.do(http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz status = %d", rec.Code)
	}
	expectError(t, ts.do(http.MethodGet, "/topics", "", nil), http.StatusUnauthorized, "AUTH_INVALID_TOKEN")
	expectError(t, ts.do(http.MethodDelete, "/topics", "ada", nil), http.StatusMethodNotAllowed, "SYSTEM_METHOD_NOT_ALLOWED")
	expectError(t, ts.do(http.MethodGet, "/topics/missing", "ada", nil), http.StatusNotFound, "TOPIC_NOT_FOUND")
	expectError(t, ts.do(http.MethodGet, "/topics/a/b/c", "ada", nil), http.StatusNotFound, "SYSTEM_NOT_FOUND")

	rec = ts.do(http.MethodGet, "/topics", "ada", nil, "X-Request-Id", "req-42")
	if got := rec.Header().Get("X-Request-Id"); got != "req-42" {
		t.Fatalf("request id not echoed: %q", got)
	}
}

func TestMatchingAndConversationFlow(t *testing.T) {
	ts := newTestServer(t, app.Config{}, Config{})

	rec := ts.do(http.MethodPost, "/topics", "ada", map[string]any{"title": "Four-day week", "tags": []string{"work"}})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create topic: %d %s", rec.Code, rec.Body.String())
	}
	topic := decode[domain.Topic](t, rec)

	for user, stance := range map[string]string{"ada": "agree", "bob": "strongly_disagree"} {
		rec = ts.do(http.MethodPut, "/topics/"+topic.ID+"/opinion", user, map[string]any{"stance": stance, "willingToDiscuss": true})
		if rec.Code != http.StatusOK {
			t.Fatalf("opinion for %s: %d %s", user, rec.Code, rec.Body.String())
		}
	}
	expectError(t, ts.do(http.MethodPut, "/topics/"+topic.ID+"/opinion", "ada", map[string]any{"stance": "maybe"}), http.StatusBadRequest, "DISCUSSION_INVALID_REQUEST")

	rec = ts.do(http.MethodGet, "/topics/"+topic.ID+"/matches?category=opposite", "ada", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("matches: %d %s", rec.Code, rec.Body.String())
	}
	matches := decode[app.MatchResult](t, rec)
	if matches.Reason != app.ReasonOK || len(matches.Matches) != 1 || matches.Matches[0].CandidateUserID != "bob" {
		t.Fatalf("unexpected matches: %+v", matches)
	}
	expectError(t, ts.do(http.MethodGet, "/topics/"+topic.ID+"/matches", "cy", nil), http.StatusConflict, "MATCH_NO_OPINION")

	invite := map[string]any{"topicId": topic.ID, "inviteeId": "bob", "timerDuration": 1, "timerUnit": "days"}
	rec = ts.do(http.MethodPost, "/conversations", "ada", invite)
	if rec.Code != http.StatusCreated {
		t.Fatalf("invite: %d %s", rec.Code, rec.Body.String())
	}
	conv := decode[map[string]any](t, rec)
	id, _ := conv["id"].(string)
	if conv["status"] != "invited" || conv["timerDuration"] != float64(1440) || conv["effectiveStatus"] != "invited" {
		t.Fatalf("unexpected invitation: %v", conv)
	}
	expectError(t, ts.do(http.MethodPost, "/conversations", "bob", map[string]any{"topicId": topic.ID, "inviteeId": "ada"}),
		http.StatusConflict, "CONVERSATION_DUPLICATE_INVITATION")
	expectError(t, ts.do(http.MethodPost, "/conversations", "ada", map[string]any{"topicId": topic.ID, "inviteeId": "cy", "timerUnit": "weeks"}),
		http.StatusBadRequest, "CONVERSATION_INVALID_TIMER")

	inv := decode[app.InvitationViews](t, ts.do(http.MethodGet, "/invitations", "bob", nil))
	if len(inv.Received) != 1 || inv.Received[0].ID != id {
		t.Fatalf("bob should see the invitation: %+v", inv)
	}

	expectError(t, ts.do(http.MethodPost, "/conversations/"+id+"/accept", "ada", nil), http.StatusForbidden, "CONVERSATION_FORBIDDEN")
	expectError(t, ts.do(http.MethodPost, "/conversations/"+id+"/request-completion", "ada", nil), http.StatusConflict, "CONVERSATION_INVALID_TRANSITION")
	for _, step := range []struct{ action, user string }{
		{"accept", "bob"},
		{"start", "ada"},
		{"request-completion", "ada"},
	} {
		rec = ts.do(http.MethodPost, "/conversations/"+id+"/"+step.action, step.user, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: %d %s", step.action, rec.Code, rec.Body.String())
		}
	}
	rec = ts.do(http.MethodPost, "/conversations/"+id+"/ai-feedback", "bob", map[string]any{
		"suggestions": []map[string]string{{"kind": "tip", "text": "Steelman first"}},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("ai feedback: %d %s", rec.Code, rec.Body.String())
	}
	expectError(t, ts.do(http.MethodPost, "/conversations/"+id+"/complete", "ada", map[string]any{
		"participant1Score": map[string]int{"total": 1000000},
	}), http.StatusForbidden, "CONVERSATION_FORBIDDEN")
	rec = ts.do(http.MethodPost, "/conversations/"+id+"/complete", "bob", map[string]any{
		"participant1Score": map[string]int{"total": 150},
		"participant2Score": map[string]int{"total": 40},
		"rating":            4,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("complete: %d %s", rec.Code, rec.Body.String())
	}
	expectError(t, ts.do(http.MethodPost, "/conversations/"+id+"/complete", "bob", map[string]any{}), http.StatusConflict, "CONVERSATION_INVALID_TRANSITION")
	expectError(t, ts.do(http.MethodGet, "/conversations/"+id, "mallory", nil), http.StatusForbidden, "CONVERSATION_FORBIDDEN")
	expectError(t, ts.do(http.MethodGet, "/conversations/nope", "ada", nil), http.StatusNotFound, "CONVERSATION_NOT_FOUND")

	profile := decode[domain.UserProfile](t, ts.do(http.MethodGet, "/profiles/me", "ada", nil))
	if profile.TotalPoints != 150 || profile.Level != 2 || profile.ConversationsCompleted != 1 {
		t.Fatalf("unexpected ada profile: %+v", profile)
	}
	rec = ts.do(http.MethodPut, "/profiles/me", "bob", map[string]any{"displayName": "Bob"})
	if rec.Code != http.StatusOK {
		t.Fatalf("update profile: %d %s", rec.Code, rec.Body.String())
	}
	bob := decode[domain.UserProfile](t, ts.do(http.MethodGet, "/profiles/bob", "ada", nil))
	if bob.DisplayName != "Bob" || bob.TotalPoints != 40 {
		t.Fatalf("unexpected bob profile: %+v", bob)
	}
	expectError(t, ts.do(http.MethodGet, "/profiles/nobody", "ada", nil), http.StatusNotFound, "PROFILE_NOT_FOUND")
}

func TestInvitationRateLimited(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	ts := newTestServer(t, app.Config{Redis: client, InviteRateLimitPerMinute: 1}, Config{})

	topic := decode[domain.Topic](t, ts.do(http.MethodPost, "/topics", "ada", map[string]any{"title": "Cities"}))
	rec := ts.do(http.MethodPost, "/conversations", "ada", map[string]any{"topicId": topic.ID, "inviteeId": "bob"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("first invite: %d %s", rec.Code, rec.Body.String())
	}
	expectError(t, ts.do(http.MethodPost, "/conversations", "ada", map[string]any{"topicId": topic.ID, "inviteeId": "cy"}),
		http.StatusTooManyRequests, "RATE_LIMITED")
}

func TestInternalPoints(t *testing.T) {
	privatePath, publicPath := writeKeyPair(t)
	ts := newTestServer(t, app.Config{}, Config{
		InternalJWTPublicKeyPath:  publicPath,
		InternalJWTAllowedIssuers: []string{"achievements-service"},
	})
	signer, err := servicetoken.NewSigner(servicetoken.SignerOptions{PrivateKeyPath: privatePath, Issuer: "achievements-service"})
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	token, err := signer.Sign(servicetoken.Audience)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	body := map[string]any{"userId": "ada", "points": 250, "category": "streak"}
	expectError(t, ts.do(http.MethodPost, "/internal/points", "", body), http.StatusUnauthorized, "AUTH_INVALID_TOKEN")
	expectError(t, ts.do(http.MethodPost, "/internal/points", "", body, "Authorization", "Bearer not-a-jwt"), http.StatusUnauthorized, "AUTH_INVALID_TOKEN")

	rec := ts.do(http.MethodPost, "/internal/points", "", body, "Authorization", "Bearer "+token)
	if rec.Code != http.StatusOK {
		t.Fatalf("award: %d %s", rec.Code, rec.Body.String())
	}
	res := decode[app.AwardResult](t, rec)
	if res.Profile == nil || res.Profile.TotalPoints != 250 || res.Profile.Level != 3 {
		t.Fatalf("unexpected award result: %+v", res)
	}
	expectError(t, ts.do(http.MethodGet, "/internal/points/jobs/x", "", nil, "Authorization", "Bearer "+token), http.StatusNotFound, "AWARD_JOB_NOT_FOUND")
}

func TestInternalPointsClosedWithoutKeys(t *testing.T) {
	ts := newTestServer(t, app.Config{}, Config{})
	expectError(t, ts.do(http.MethodPost, "/internal/points", "", map[string]any{"userId": "ada", "points": 1}, "Authorization", "Bearer x"),
		http.StatusInternalServerError, "SYSTEM_INTERNAL_ERROR")
}

func TestSplitPath(t *testing.T) {
	tests := []struct {
		path, id, action string
		ok               bool
	}{
		{path: "/topics/t1", id: "t1", ok: true},
		{path: "/topics/t1/", id: "t1", ok: true},
		{path: "/topics/t1/matches", id: "t1", action: "matches", ok: true},
		{path: "/topics/", ok: false},
		{path: "/topics/t1/matches/extra", ok: false},
	}
	for _, tc := range tests {
		id, action, ok := splitPath(tc.path, "/topics/")
		if id != tc.id || action != tc.action || ok != tc.ok {
			t.Fatalf("splitPath(%q) = %q, %q, %v", tc.path, id, action, ok)
		}
	}
}

func writeKeyPair(t *testing.T) (string, string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	dir := t.TempDir()
	privatePath := filepath.Join(dir, "private.pem")
	publicPath := filepath.Join(dir, "public.pem")
	privatePEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	if err := os.WriteFile(privatePath, privatePEM, 0o600); err != nil {
		t.Fatalf("write private: %v", err)
	}
	publicDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("marshal public: %v", err)
	}
	if err := os.WriteFile(publicPath, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: publicDER}), 0o644); err != nil {
		t.Fatalf("write public: %v", err)
	}
	return privatePath, publicPath
}
