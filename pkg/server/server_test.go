package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"github.com/voxhall/relayd/pkg/cache"
	"github.com/voxhall/relayd/pkg/config"
	"github.com/voxhall/relayd/pkg/store"
	"github.com/voxhall/relayd/pkg/upstream"
)

const testModel = "openai/gpt-5"

type scriptedStream struct {
	chunks []upstream.Chunk
	pos    int
}

func (s *scriptedStream) Recv() (upstream.Chunk, error) {
	if s.pos >= len(s.chunks) {
		return upstream.Chunk{}, io.EOF
	}
	c := s.chunks[s.pos]
	s.pos++
	return c, nil
}

func (s *scriptedStream) Close() error { return nil }

type scriptedProvider struct {
	chunks  []upstream.Chunk
	summary string
}

func (p *scriptedProvider) Stream(context.Context, string, string, []upstream.Message) (upstream.Stream, error) {
	return &scriptedStream{chunks: p.chunks}, nil
}

func (p *scriptedProvider) Complete(context.Context, string, string, []upstream.Message) (string, error) {
	return p.summary, nil
}

func newTestServer(t *testing.T, provider *scriptedProvider) (*Server, *store.Store) {
	t.Helper()
	cfg := config.NewDefaultServerConfig()
	cfg.Upstream.APIKey = "sk-system"
	cfg.Normalize()
	st, err := store.New(context.Background(), filepath.Join(t.TempDir(), "relayd.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	srv := NewServer(cfg, st, cache.NewMemory(time.Minute), provider, nil, log.New(io.Discard))
	return srv, st
}

func seedUserWithProfile(t *testing.T, st *store.Store, credits int) (*store.User, *store.Profile) {
	t.Helper()
	ctx := context.Background()
	u, err := st.CreateUser(ctx, &store.User{Email: "t@example.com", Credits: credits})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	p, err := st.CreateProfile(ctx, &store.Profile{UserID: u.ID, Name: "default", IsActive: true})
	if err != nil {
		t.Fatalf("create profile: %v", err)
	}
	return u, p
}

func doJSON(t *testing.T, srv *Server, method, path, userID string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

func TestMissingIdentityRejected(t *testing.T) {
	srv, _ := newTestServer(t, &scriptedProvider{})
	w := doJSON(t, srv, http.MethodGet, "/v1/models", "", nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func TestHealthzNeedsNoIdentity(t *testing.T) {
	srv, _ := newTestServer(t, &scriptedProvider{})
	w := doJSON(t, srv, http.MethodGet, "/healthz", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
}

func TestChatTurnUnsupportedModel(t *testing.T) {
	srv, st := newTestServer(t, &scriptedProvider{})
	u, _ := seedUserWithProfile(t, st, 1)

	w := doJSON(t, srv, http.MethodPost, "/v1/chat", u.ID, map[string]any{
		"model": "nope/unknown", "prompt": "hi",
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if !strings.Contains(w.Header().Get("Content-Type"), "application/json") {
		t.Fatalf("content type = %q", w.Header().Get("Content-Type"))
	}
	var body struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Success || body.Message == "" {
		t.Fatalf("body = %+v", body)
	}
}

func TestChatTurnOutOfCredits(t *testing.T) {
	srv, st := newTestServer(t, &scriptedProvider{})
	u, _ := seedUserWithProfile(t, st, 0)

	w := doJSON(t, srv, http.MethodPost, "/v1/chat", u.ID, map[string]any{
		"model": testModel, "prompt": "hi",
	})
	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402", w.Code)
	}
}

func TestChatTurnUnknownUser(t *testing.T) {
	srv, _ := newTestServer(t, &scriptedProvider{})
	w := doJSON(t, srv, http.MethodPost, "/v1/chat", "ghost", map[string]any{
		"model": testModel, "prompt": "hi",
	})
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

type sseEvent struct {
	id    string
	event string
	data  string
}

func parseSSE(t *testing.T, body string) []sseEvent {
	t.Helper()
	var out []sseEvent
	for _, block := range strings.Split(strings.TrimSpace(body), "\n\n") {
		var ev sseEvent
		var dataLines []string
		for _, line := range strings.Split(block, "\n") {
			switch {
			case strings.HasPrefix(line, "id: "):
				ev.id = strings.TrimPrefix(line, "id: ")
			case strings.HasPrefix(line, "event: "):
				ev.event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				dataLines = append(dataLines, strings.TrimPrefix(line, "data: "))
			}
		}
		ev.data = strings.Join(dataLines, "\n")
		out = append(out, ev)
	}
	return out
}

func TestChatTurnStreamFraming(t *testing.T) {
	srv, st := newTestServer(t, &scriptedProvider{chunks: []upstream.Chunk{
		{Delta: "Hel"},
		{Delta: "lo"},
		{Usage: &upstream.Usage{PromptTokens: 7, CompletionTokens: 3, TotalTokens: 10}},
	}})
	u, _ := seedUserWithProfile(t, st, 5)

	w := doJSON(t, srv, http.MethodPost, "/v1/chat", u.ID, map[string]any{
		"model": testModel, "prompt": "Hi",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	events := parseSSE(t, w.Body.String())
	wantEvents := []string{"message_start", "conversation_id", "content_block_delta", "content_block_delta", "usage", "message_stop"}
	if len(events) != len(wantEvents) {
		t.Fatalf("events = %d, want %d: %+v", len(events), len(wantEvents), events)
	}
	for i, ev := range events {
		if ev.event != wantEvents[i] {
			t.Fatalf("event[%d] = %s, want %s", i, ev.event, wantEvents[i])
		}
		if ev.id != strconv.Itoa(i) {
			t.Fatalf("event[%d] id = %s, want %d", i, ev.id, i)
		}
	}
	if events[2].data != "Hel" || events[3].data != "lo" {
		t.Fatalf("delta payloads = %q, %q", events[2].data, events[3].data)
	}

	var convEvent struct {
		ConversationID string `json:"conversationId"`
	}
	if err := json.Unmarshal([]byte(events[1].data), &convEvent); err != nil {
		t.Fatalf("conversation_id payload: %v", err)
	}
	if convEvent.ConversationID == "" {
		t.Fatalf("empty conversation id")
	}
	var usage upstream.Usage
	if err := json.Unmarshal([]byte(events[4].data), &usage); err != nil {
		t.Fatalf("usage payload: %v", err)
	}
	if usage.TotalTokens != 10 {
		t.Fatalf("usage = %+v", usage)
	}

	// The stream left a persisted conversation behind.
	if _, err := st.GetConversation(context.Background(), convEvent.ConversationID); err != nil {
		t.Fatalf("conversation not persisted: %v", err)
	}
}

func TestConversationCRUD(t *testing.T) {
	srv, st := newTestServer(t, &scriptedProvider{chunks: []upstream.Chunk{{Delta: "ok"}}})
	ctx := context.Background()
	u, p := seedUserWithProfile(t, st, 5)
	conv, err := st.CreateConversation(ctx, &store.Conversation{ProfileID: p.ID, Title: "first..."})
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}

	w := doJSON(t, srv, http.MethodGet, "/v1/conversations", u.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), conv.ID) {
		t.Fatalf("list missing conversation: %s", w.Body.String())
	}

	w = doJSON(t, srv, http.MethodPatch, "/v1/conversations/"+conv.ID, u.ID, map[string]any{"title": "renamed"})
	if w.Code != http.StatusOK {
		t.Fatalf("rename status = %d", w.Code)
	}
	got, _ := st.GetConversation(ctx, conv.ID)
	if got.Title != "renamed" {
		t.Fatalf("title = %q", got.Title)
	}

	w = doJSON(t, srv, http.MethodPatch, "/v1/conversations/"+conv.ID+"/pin", u.ID, map[string]any{"pinned": true})
	if w.Code != http.StatusOK {
		t.Fatalf("pin status = %d", w.Code)
	}
	got, _ = st.GetConversation(ctx, conv.ID)
	if !got.Pinned {
		t.Fatalf("not pinned")
	}

	w = doJSON(t, srv, http.MethodGet, "/v1/conversations/"+conv.ID, u.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}

	w = doJSON(t, srv, http.MethodDelete, "/v1/conversations/"+conv.ID, u.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("delete status = %d", w.Code)
	}
	if _, err := st.GetConversation(ctx, conv.ID); err != store.ErrNotFound {
		t.Fatalf("conversation survived delete: %v", err)
	}
}

func TestConversationOwnershipEnforced(t *testing.T) {
	srv, st := newTestServer(t, &scriptedProvider{})
	ctx := context.Background()
	u, _ := seedUserWithProfile(t, st, 5)

	other, err := st.CreateUser(ctx, &store.User{Email: "other@example.com"})
	if err != nil {
		t.Fatalf("create other user: %v", err)
	}
	otherProfile, err := st.CreateProfile(ctx, &store.Profile{UserID: other.ID, Name: "default", IsActive: true})
	if err != nil {
		t.Fatalf("create other profile: %v", err)
	}
	foreign, err := st.CreateConversation(ctx, &store.Conversation{ProfileID: otherProfile.ID, Title: "theirs"})
	if err != nil {
		t.Fatalf("create foreign conversation: %v", err)
	}

	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/v1/conversations/" + foreign.ID},
		{http.MethodDelete, "/v1/conversations/" + foreign.ID},
		{http.MethodGet, "/v1/conversations/does-not-exist"},
	} {
		w := doJSON(t, srv, tc.method, tc.path, u.ID, nil)
		if w.Code != http.StatusForbidden {
			t.Fatalf("%s %s: status = %d, want 403", tc.method, tc.path, w.Code)
		}
	}
}

func TestDrainingRejectsNewTurns(t *testing.T) {
	srv, st := newTestServer(t, &scriptedProvider{})
	u, _ := seedUserWithProfile(t, st, 5)
	srv.draining.Store(true)

	w := doJSON(t, srv, http.MethodPost, "/v1/chat", u.ID, map[string]any{
		"model": testModel, "prompt": "hi",
	})
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Fatalf("missing Retry-After")
	}
	// Health stays up while draining.
	w = doJSON(t, srv, http.MethodGet, "/healthz", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("healthz status = %d", w.Code)
	}
}

func TestWaitForTurnsIdle(t *testing.T) {
	srv, _ := newTestServer(t, &scriptedProvider{})

	start := time.Now()
	srv.waitForTurnsIdle()
	if time.Since(start) > time.Second {
		t.Fatalf("idle wait took %v", time.Since(start))
	}

	srv.activeTurns.Add(1)
	go func() {
		time.Sleep(300 * time.Millisecond)
		srv.activeTurns.Add(-1)
	}()
	start = time.Now()
	srv.waitForTurnsIdle()
	if elapsed := time.Since(start); elapsed < 200*time.Millisecond {
		t.Fatalf("returned before turns drained: %v", elapsed)
	}
}

func TestModelsEndpoint(t *testing.T) {
	srv, st := newTestServer(t, &scriptedProvider{})
	u, _ := seedUserWithProfile(t, st, 0)
	w := doJSON(t, srv, http.MethodGet, "/v1/models", u.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), testModel) {
		t.Fatalf("catalog missing %s: %s", testModel, w.Body.String())
	}
	if strings.Contains(w.Body.String(), "xiaomi/mimo-v2-flash:free") {
		t.Fatalf("disabled model exposed")
	}
}
