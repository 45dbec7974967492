package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sonobridge/sonobridge/pkg/provider/llm"
)

// fakeRedis implements RedisClient over in-process lists, applying the
// queued pipeline commands on Exec the way a Redis MULTI/EXEC would.
type fakeRedis struct {
	lists   map[string][]string
	ttls    map[string]time.Duration
	execErr error
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{
		lists: make(map[string][]string),
		ttls:  make(map[string]time.Duration),
	}
}

func (f *fakeRedis) TxPipeline() redis.Pipeliner {
	return &fakePipeline{store: f}
}

func (f *fakeRedis) LRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd {
	if start != 0 || stop != -1 {
		return redis.NewStringSliceResult(nil, fmt.Errorf("unexpected range [%d, %d]", start, stop))
	}
	vals := append([]string(nil), f.lists[key]...)
	return redis.NewStringSliceResult(vals, nil)
}

func (f *fakeRedis) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	var removed int64
	for _, key := range keys {
		if _, ok := f.lists[key]; ok {
			delete(f.lists, key)
			removed++
		}
	}
	return redis.NewIntResult(removed, nil)
}

// fakePipeline records queued commands and applies them on Exec. Only the
// commands the store issues are implemented; anything else panics through
// the embedded nil interface.
type fakePipeline struct {
	redis.Pipeliner

	store *fakeRedis
	ops   []func()
}

func (p *fakePipeline) RPush(ctx context.Context, key string, values ...any) *redis.IntCmd {
	p.ops = append(p.ops, func() {
		for _, v := range values {
			p.store.lists[key] = append(p.store.lists[key], string(v.([]byte)))
		}
	})
	return redis.NewIntResult(int64(len(values)), nil)
}

func (p *fakePipeline) LTrim(ctx context.Context, key string, start, stop int64) *redis.StatusCmd {
	p.ops = append(p.ops, func() {
		list := p.store.lists[key]
		n := int64(len(list))
		if start < 0 {
			start += n
		}
		if stop < 0 {
			stop += n
		}
		if start < 0 {
			start = 0
		}
		if stop >= n {
			stop = n - 1
		}
		if start > stop {
			p.store.lists[key] = nil
			return
		}
		p.store.lists[key] = list[start : stop+1]
	})
	return redis.NewStatusResult("OK", nil)
}

func (p *fakePipeline) Expire(ctx context.Context, key string, ttl time.Duration) *redis.BoolCmd {
	p.ops = append(p.ops, func() {
		p.store.ttls[key] = ttl
	})
	return redis.NewBoolResult(true, nil)
}

func (p *fakePipeline) Exec(ctx context.Context) ([]redis.Cmder, error) {
	if p.store.execErr != nil {
		return nil, p.store.execErr
	}
	for _, op := range p.ops {
		op()
	}
	return nil, nil
}

func TestRedisAppendTrimsToLimit(t *testing.T) {
	ctx := context.Background()
	fake := newFakeRedis()
	store := NewRedis(fake, 3)

	for i := 0; i < 5; i++ {
		msg := llm.Message{Role: "user", Content: fmt.Sprintf("turn-%d", i)}
		if err := store.Append(ctx, "s1", msg); err != nil {
			t.Fatalf("Append(%d): %v", i, err)
		}
	}

	key := "sonobridge:history:s1"
	if got := len(fake.lists[key]); got != 3 {
		t.Fatalf("stored turns = %d, want limit 3", got)
	}

	turns, err := store.Recent(ctx, "s1")
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if turns[0].Content != "turn-2" || turns[2].Content != "turn-4" {
		t.Errorf("retained turns = %+v, want turn-2..turn-4", turns)
	}
}

func TestRedisRecentDecodesInOrder(t *testing.T) {
	ctx := context.Background()
	fake := newFakeRedis()
	store := NewRedis(fake, 10)

	store.Append(ctx, "s1", llm.Message{Role: "user", Content: "hello"})
	store.Append(ctx, "s1", llm.Message{Role: "assistant", Content: "hi"})

	turns, err := store.Recent(ctx, "s1")
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(turns) != 2 {
		t.Fatalf("turns = %d, want 2", len(turns))
	}
	if turns[0].Role != "user" || turns[0].Content != "hello" {
		t.Errorf("first turn = %+v", turns[0])
	}
	if turns[1].Role != "assistant" || turns[1].Content != "hi" {
		t.Errorf("second turn = %+v", turns[1])
	}
}

func TestRedisRecentRejectsCorruptTurn(t *testing.T) {
	fake := newFakeRedis()
	fake.lists["sonobridge:history:s1"] = []string{"{not json"}
	store := NewRedis(fake, 10)

	if _, err := store.Recent(context.Background(), "s1"); err == nil {
		t.Fatal("Recent accepted a corrupt stored turn")
	}
}

func TestRedisSessionsAreIsolated(t *testing.T) {
	ctx := context.Background()
	fake := newFakeRedis()
	store := NewRedis(fake, 10)

	store.Append(ctx, "s1", llm.Message{Role: "user", Content: "one"})
	store.Append(ctx, "s2", llm.Message{Role: "user", Content: "two"})

	turns, _ := store.Recent(ctx, "s1")
	if len(turns) != 1 || turns[0].Content != "one" {
		t.Errorf("s1 turns = %+v", turns)
	}
}

func TestRedisClear(t *testing.T) {
	ctx := context.Background()
	fake := newFakeRedis()
	store := NewRedis(fake, 10)

	store.Append(ctx, "s1", llm.Message{Role: "user", Content: "hello"})
	if err := store.Clear(ctx, "s1"); err != nil {
		t.Fatalf("Clear: %v", err)
	}

	if _, ok := fake.lists["sonobridge:history:s1"]; ok {
		t.Error("history list survived Clear")
	}
	turns, _ := store.Recent(ctx, "s1")
	if len(turns) != 0 {
		t.Errorf("turns after clear = %d, want 0", len(turns))
	}
}

func TestRedisAppendSetsTTL(t *testing.T) {
	ctx := context.Background()
	fake := newFakeRedis()
	store := NewRedis(fake, 10, WithTTL(time.Minute))

	store.Append(ctx, "s1", llm.Message{Role: "user", Content: "hello"})

	if got := fake.ttls["sonobridge:history:s1"]; got != time.Minute {
		t.Errorf("ttl = %v, want 1m", got)
	}
}

func TestRedisAppendExecFailure(t *testing.T) {
	ctx := context.Background()
	fake := newFakeRedis()
	fake.execErr = errors.New("connection refused")
	store := NewRedis(fake, 10)

	err := store.Append(ctx, "s1", llm.Message{Role: "user", Content: "hello"})
	if err == nil {
		t.Fatal("Append swallowed a pipeline failure")
	}
	if len(fake.lists) != 0 {
		t.Error("failed pipeline still mutated the store")
	}
}

func TestRedisStoredTurnShape(t *testing.T) {
	ctx := context.Background()
	fake := newFakeRedis()
	store := NewRedis(fake, 10)

	store.Append(ctx, "s1", llm.Message{Role: "user", Content: "hello"})

	raw := fake.lists["sonobridge:history:s1"]
	if len(raw) != 1 {
		t.Fatalf("stored turns = %d, want 1", len(raw))
	}
	var msg llm.Message
	if err := json.Unmarshal([]byte(raw[0]), &msg); err != nil {
		t.Fatalf("stored turn is not JSON: %v", err)
	}
	if msg.Role != "user" || msg.Content != "hello" {
		t.Errorf("stored turn = %+v", msg)
	}
}
