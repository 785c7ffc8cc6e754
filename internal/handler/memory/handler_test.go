package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/z-tavern/npc/internal/config"
	"github.com/zhouzirui/z-tavern/npc/internal/model/memory"
	memoryservice "github.com/zhouzirui/z-tavern/npc/internal/service/memory"
	"github.com/zhouzirui/z-tavern/npc/pkg/logger"
)

type zeroEmbedder struct{}

func (zeroEmbedder) Embed(context.Context, string) ([]float32, error) {
	return []float32{0, 0}, nil
}

func setupRouter(t *testing.T, store memoryservice.Store) *chi.Mux {
	t.Helper()
	svc := memoryservice.NewService(store, zeroEmbedder{}, config.MemoryConfig{TopK: 5}, logger.Nop())
	r := chi.NewRouter()
	New(svc, logger.Nop()).RegisterRoutes(r)
	return r
}

func get(r http.Handler, path string) *httptest.ResponseRecorder {
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, path, nil))
	return resp
}

func TestMemoryStreamPaging(t *testing.T) {
	store := memoryservice.NewMemStore()
	base := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := range 5 {
		err := store.Create(context.Background(), memory.Entry{
			ID:          fmt.Sprintf("mob:s1:%d", i),
			CharacterID: "mob",
			SessionID:   "s1",
			Type:        memory.TypeInsight,
			Content:     fmt.Sprintf("insight %d", i),
			Importance:  3,
			CreatedAt:   base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	r := setupRouter(t, store)

	resp := get(r, "/npc/memory-stream?characterId=mob&limit=2&offset=1")
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}
	var body memoryservice.ListResult
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Total != 5 || body.Limit != 2 || body.Offset != 1 {
		t.Fatalf("unexpected paging %+v", body)
	}
	if len(body.Items) != 2 || body.Items[0].Content != "insight 3" {
		t.Fatalf("expected newest-first page starting at insight 3, got %+v", body.Items)
	}

	resp = get(r, "/npc/memory-stream?characterId=other")
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Total != 0 || len(body.Items) != 0 || body.Limit != 50 {
		t.Fatalf("expected empty default page, got %+v", body)
	}
}

func TestMemoryStreamRejectsBadQuery(t *testing.T) {
	r := setupRouter(t, memoryservice.NewMemStore())

	for _, q := range []string{"limit=0", "limit=201", "limit=x", "offset=-1"} {
		if resp := get(r, "/npc/memory-stream?"+q); resp.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", q, resp.Code)
		}
	}
}

func TestMemoryStreamDisabledBackend(t *testing.T) {
	r := setupRouter(t, nil)

	resp := get(r, "/npc/memory-stream")
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if resp.Body.String() == "" {
		t.Fatal("expected a body")
	}
}
