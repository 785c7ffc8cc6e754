package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/z-tavern/npc/internal/database/dbtest"
	"github.com/zhouzirui/z-tavern/npc/internal/model/character"
	"github.com/zhouzirui/z-tavern/npc/internal/model/chat"
	avatarservice "github.com/zhouzirui/z-tavern/npc/internal/service/avatar"
	"github.com/zhouzirui/z-tavern/npc/internal/service/session"
	"github.com/zhouzirui/z-tavern/npc/pkg/logger"
)

func setupRouter(t *testing.T) (*chi.Mux, *session.Service, *avatarservice.Service) {
	t.Helper()
	log := logger.Nop()

	characters, err := character.LoadDir("../../../config/characters", log)
	if err != nil {
		t.Fatalf("load characters: %v", err)
	}
	avatars := avatarservice.NewService(dbtest.Open(t), log)
	if err := avatars.Migrate(); err != nil {
		t.Fatalf("migrate avatars: %v", err)
	}
	sessions := session.NewService(session.NewMemoryStore(time.Hour), nil, characters, avatars, log)

	r := chi.NewRouter()
	New(sessions, avatars, log).RegisterRoutes(r)
	return r, sessions, avatars
}

func newSession(t *testing.T, sessions *session.Service, turns int) *chat.Session {
	t.Helper()
	ctx := context.Background()
	sess, err := sessions.GetOrCreate(ctx, session.GetOrCreateParams{CharacterID: "mob", LanguageCode: "en"})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	for i := range turns {
		sess, err = sessions.AppendTurn(ctx, sess.ID, session.Turn{
			UserMessage:      chat.Message{Role: chat.RoleUser, Content: fmt.Sprintf("question %d", i)},
			AssistantMessage: chat.Message{Role: chat.RoleAssistant, Content: fmt.Sprintf("answer %d", i)},
			CharacterState:   sess.CharacterState,
		})
		if err != nil {
			t.Fatalf("append turn: %v", err)
		}
	}
	return sess
}

func serve(r http.Handler, method, path string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	return resp
}

func TestGetSessionReturnsRecentMessages(t *testing.T) {
	r, sessions, _ := setupRouter(t)
	sess := newSession(t, sessions, 12)

	resp := serve(r, http.MethodGet, "/npc/sessions/"+sess.ID+"/", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}
	var body sessionResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Messages) != recentMessageCount {
		t.Fatalf("expected %d messages, got %d", recentMessageCount, len(body.Messages))
	}
	if last := body.Messages[len(body.Messages)-1]; last.Content != "answer 11" {
		t.Fatalf("expected newest message last, got %q", last.Content)
	}
	if body.Version != sess.Version {
		t.Fatalf("expected version %d, got %d", sess.Version, body.Version)
	}

	resp = serve(r, http.MethodGet, "/npc/sessions/unknown/", nil)
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}
}

func TestListMessagesValidation(t *testing.T) {
	r, sessions, _ := setupRouter(t)
	sess := newSession(t, sessions, 2)

	cases := map[string]int{
		"?limit=0":        http.StatusBadRequest,
		"?limit=abc":      http.StatusBadRequest,
		"?limit=201":      http.StatusBadRequest,
		"?cursor=garbage": http.StatusBadRequest,
		"?limit=2":        http.StatusOK,
		"":                http.StatusOK,
	}
	for query, want := range cases {
		resp := serve(r, http.MethodGet, "/npc/sessions/"+sess.ID+"/messages"+query, nil)
		if resp.Code != want {
			t.Fatalf("%q: expected %d, got %d: %s", query, want, resp.Code, resp.Body.String())
		}
	}
}

func TestListMessagesWalksCursor(t *testing.T) {
	r, sessions, _ := setupRouter(t)
	sess := newSession(t, sessions, 3)

	var (
		seen   []string
		cursor string
	)
	for {
		path := "/npc/sessions/" + sess.ID + "/messages?limit=3"
		if cursor != "" {
			path += "&cursor=" + cursor
		}
		resp := serve(r, http.MethodGet, path, nil)
		if resp.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
		}
		var page session.MessagePage
		if err := json.Unmarshal(resp.Body.Bytes(), &page); err != nil {
			t.Fatalf("decode: %v", err)
		}
		for i := len(page.Items) - 1; i >= 0; i-- {
			seen = append(seen, page.Items[i].Content)
		}
		if page.NextCursor == nil {
			break
		}
		cursor = *page.NextCursor
	}
	if len(seen) != len(sess.Messages) {
		t.Fatalf("expected %d messages across pages, got %d", len(sess.Messages), len(seen))
	}
	if seen[0] != "answer 2" {
		t.Fatalf("expected newest first when walking back, got %q", seen[0])
	}
}

func TestPersonaEndpoint(t *testing.T) {
	r, sessions, _ := setupRouter(t)
	sess := newSession(t, sessions, 0)

	resp := serve(r, http.MethodGet, "/npc/sessions/"+sess.ID+"/persona", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var body personaResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.SessionID != sess.ID || body.PersonaID != sess.PersonaID {
		t.Fatalf("unexpected persona response %+v", body)
	}
}

func TestSelectAvatar(t *testing.T) {
	r, sessions, avatars := setupRouter(t)
	sess := newSession(t, sessions, 0)

	created, err := avatars.Create(context.Background(), avatarservice.CreateParams{
		CharacterID: "mob",
		StatusLabel: "broken",
		ImageURL:    "https://img/broken.png",
	})
	if err != nil {
		t.Fatalf("create avatar: %v", err)
	}

	payload, _ := json.Marshal(map[string]string{"avatarId": created.ID})
	resp := serve(r, http.MethodPost, "/npc/sessions/"+sess.ID+"/avatar", payload)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}
	var body avatarResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.CharacterState.AvatarURL != "https://img/broken.png" || body.CharacterState.AvatarLabel != "broken" {
		t.Fatalf("avatar not applied: %+v", body.CharacterState)
	}
	if body.SessionVersion != sess.Version+1 {
		t.Fatalf("expected version %d, got %d", sess.Version+1, body.SessionVersion)
	}

	missing, _ := json.Marshal(map[string]string{"avatarId": "nope"})
	if resp := serve(r, http.MethodPost, "/npc/sessions/"+sess.ID+"/avatar", missing); resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown avatar, got %d", resp.Code)
	}
	if resp := serve(r, http.MethodPost, "/npc/sessions/"+sess.ID+"/avatar", []byte(`{}`)); resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty avatarId, got %d", resp.Code)
	}
}
