package history

import (
	"context"
	"fmt"
	"testing"

	"github.com/sonobridge/sonobridge/pkg/provider/llm"
)

func TestMemoryAppendAndRecent(t *testing.T) {
	ctx := context.Background()
	store := NewMemory(10)

	store.Append(ctx, "s1", llm.Message{Role: "user", Content: "hello"})
	store.Append(ctx, "s1", llm.Message{Role: "assistant", Content: "hi"})

	turns, err := store.Recent(ctx, "s1")
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(turns) != 2 {
		t.Fatalf("turns = %d, want 2", len(turns))
	}
	if turns[0].Content != "hello" || turns[1].Content != "hi" {
		t.Errorf("wrong order: %+v", turns)
	}
}

func TestMemoryEvictsOldestBeyondLimit(t *testing.T) {
	ctx := context.Background()
	store := NewMemory(10)

	for i := 0; i < 14; i++ {
		store.Append(ctx, "s1", llm.Message{Role: "user", Content: fmt.Sprintf("turn-%d", i)})
	}

	turns, _ := store.Recent(ctx, "s1")
	if len(turns) != 10 {
		t.Fatalf("turns = %d, want limit 10", len(turns))
	}
	if turns[0].Content != "turn-4" {
		t.Errorf("oldest retained = %q, want turn-4", turns[0].Content)
	}
	if turns[9].Content != "turn-13" {
		t.Errorf("newest retained = %q, want turn-13", turns[9].Content)
	}
}

func TestMemorySessionsAreIsolated(t *testing.T) {
	ctx := context.Background()
	store := NewMemory(10)

	store.Append(ctx, "s1", llm.Message{Role: "user", Content: "one"})
	store.Append(ctx, "s2", llm.Message{Role: "user", Content: "two"})

	turns, _ := store.Recent(ctx, "s1")
	if len(turns) != 1 || turns[0].Content != "one" {
		t.Errorf("s1 turns = %+v", turns)
	}
}

func TestMemoryClear(t *testing.T) {
	ctx := context.Background()
	store := NewMemory(10)

	store.Append(ctx, "s1", llm.Message{Role: "user", Content: "hello"})
	store.Clear(ctx, "s1")

	turns, _ := store.Recent(ctx, "s1")
	if len(turns) != 0 {
		t.Errorf("turns after clear = %d, want 0", len(turns))
	}
}

func TestMemoryRecentReturnsCopy(t *testing.T) {
	ctx := context.Background()
	store := NewMemory(10)

	store.Append(ctx, "s1", llm.Message{Role: "user", Content: "hello"})
	turns, _ := store.Recent(ctx, "s1")
	turns[0].Content = "mutated"

	again, _ := store.Recent(ctx, "s1")
	if again[0].Content != "hello" {
		t.Error("Recent exposed internal state")
	}
}

func TestMemoryDefaultLimit(t *testing.T) {
	store := NewMemory(0)
	if store.limit != DefaultLimit {
		t.Errorf("limit = %d, want %d", store.limit, DefaultLimit)
	}
}
