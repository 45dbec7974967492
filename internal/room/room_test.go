package room

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestRoomValidate(t *testing.T) {
	t.Parallel()

	valid := Room{ID: "lobby", Name: "Lobby"}
	if err := valid.Validate(); err != nil {
		t.Errorf("Validate() unexpected error: %v", err)
	}

	cases := []struct {
		name string
		room Room
	}{
		{"missing id", Room{Name: "Lobby"}},
		{"missing name", Room{ID: "lobby"}},
		{"negative cap", Room{ID: "lobby", Name: "Lobby", MaxSessions: -1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.room.Validate(); err == nil {
				t.Error("Validate() expected error, got nil")
			}
		})
	}
}

func TestMemoryStoreCRUD(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewMemoryStore()

	r := &Room{ID: "lobby", Name: "Lobby", SystemPrompt: "be helpful"}
	if err := store.Create(ctx, r); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if r.CreatedAt.IsZero() || r.UpdatedAt.IsZero() {
		t.Error("Create did not stamp timestamps")
	}

	if err := store.Create(ctx, &Room{ID: "lobby", Name: "Other"}); !errors.Is(err, ErrExists) {
		t.Errorf("Create duplicate id = %v, want ErrExists", err)
	}

	got, err := store.Get(ctx, "lobby")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil || got.Name != "Lobby" || got.SystemPrompt != "be helpful" {
		t.Errorf("Get = %+v", got)
	}

	missing, err := store.Get(ctx, "nope")
	if err != nil || missing != nil {
		t.Errorf("Get missing = (%v, %v), want (nil, nil)", missing, err)
	}

	if err := store.SetPrompt(ctx, "lobby", "be brief"); err != nil {
		t.Fatalf("SetPrompt: %v", err)
	}
	got, _ = store.Get(ctx, "lobby")
	if got.SystemPrompt != "be brief" {
		t.Errorf("prompt = %q, want be brief", got.SystemPrompt)
	}
	if err := store.SetPrompt(ctx, "nope", "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("SetPrompt on missing room = %v, want ErrNotFound", err)
	}

	if err := store.Delete(ctx, "lobby"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := store.Delete(ctx, "lobby"); err != nil {
		t.Errorf("Delete missing room should not error: %v", err)
	}
	got, _ = store.Get(ctx, "lobby")
	if got != nil {
		t.Error("room survived Delete")
	}
}

func TestMemoryStoreListOrdered(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewMemoryStore()

	for _, id := range []string{"c", "a", "b"} {
		if err := store.Create(ctx, &Room{ID: id, Name: strings.ToUpper(id)}); err != nil {
			t.Fatalf("Create %s: %v", id, err)
		}
	}

	rooms, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(rooms) != 3 {
		t.Fatalf("len = %d, want 3", len(rooms))
	}
	for i := 1; i < len(rooms); i++ {
		if rooms[i].CreatedAt.Before(rooms[i-1].CreatedAt) {
			t.Errorf("rooms out of creation order: %v", rooms)
		}
	}
}

func TestMemoryStoreGetReturnsCopy(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewMemoryStore()
	if err := store.Create(ctx, &Room{ID: "x", Name: "X"}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, _ := store.Get(ctx, "x")
	got.Name = "mutated"
	got.UpdatedAt = time.Time{}

	fresh, _ := store.Get(ctx, "x")
	if fresh.Name != "X" {
		t.Error("Get returned a reference into the store")
	}
}
