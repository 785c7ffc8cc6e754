package avatar

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/zhouzirui/z-tavern/npc/internal/database/dbtest"
	"github.com/zhouzirui/z-tavern/npc/pkg/logger"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	svc := NewService(dbtest.Open(t), logger.Nop())
	if err := svc.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	svc.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	return svc
}

func TestCreateAndLookup(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	first, err := svc.Create(ctx, CreateParams{CharacterID: "mob", StatusLabel: "Normal", ImageURL: "https://img/1.png", Metadata: map[string]any{"prompt": "calm"}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if first.StatusLabel != "normal" {
		t.Fatalf("expected lower-cased label, got %q", first.StatusLabel)
	}
	second, _ := svc.Create(ctx, CreateParams{CharacterID: "mob", StatusLabel: "normal", ImageURL: "https://img/2.png"})
	broken, _ := svc.Create(ctx, CreateParams{CharacterID: "mob", StatusLabel: "broken", ImageURL: "https://img/3.png"})
	if _, err := svc.Create(ctx, CreateParams{StatusLabel: "normal", ImageURL: "https://img/global.png"}); err != nil {
		t.Fatalf("create global: %v", err)
	}

	latestNormal, err := svc.FindLatestByLabel(ctx, "mob", "NORMAL")
	if err != nil || latestNormal == nil || latestNormal.ID != second.ID {
		t.Fatalf("expected latest normal avatar %s, got %+v (%v)", second.ID, latestNormal, err)
	}
	latest, err := svc.FindLatest(ctx, "mob")
	if err != nil || latest == nil || latest.ID != broken.ID {
		t.Fatalf("expected latest avatar %s, got %+v (%v)", broken.ID, latest, err)
	}
	none, err := svc.FindLatestByLabel(ctx, "reigen", "normal")
	if err != nil || none != nil {
		t.Fatalf("expected nil, nil for unknown character, got %+v, %v", none, err)
	}

	got, err := svc.Get(ctx, first.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got.Metadata) != `{"prompt":"calm"}` {
		t.Fatalf("unexpected metadata %s", got.Metadata)
	}
	if _, err := svc.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestList(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	for _, p := range []CreateParams{
		{CharacterID: "mob", StatusLabel: "normal", ImageURL: "https://img/mob.png"},
		{StatusLabel: "normal", ImageURL: "https://img/global.png"},
		{CharacterID: "reigen", StatusLabel: "normal", ImageURL: "https://img/reigen.png"},
	} {
		if _, err := svc.Create(ctx, p); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	cases := []struct {
		params ListParams
		want   int
	}{
		{ListParams{CharacterID: "mob", IncludeGlobal: true}, 2},
		{ListParams{CharacterID: "mob"}, 1},
		{ListParams{IncludeGlobal: true}, 3},
		{ListParams{}, 2},
	}
	for _, tc := range cases {
		items, err := svc.List(ctx, tc.params)
		if err != nil {
			t.Fatalf("list %+v: %v", tc.params, err)
		}
		if len(items) != tc.want {
			t.Fatalf("list %+v: got %d items, want %d", tc.params, len(items), tc.want)
		}
	}

	items, _ := svc.List(ctx, ListParams{IncludeGlobal: true})
	if items[0].CharacterID != "reigen" {
		t.Fatalf("expected newest first, got %+v", items[0])
	}
}
