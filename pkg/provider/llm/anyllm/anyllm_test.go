package anyllm

import (
	"testing"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/sonobridge/sonobridge/pkg/provider/llm"
)

func TestNew_EmptyProviderName(t *testing.T) {
	if _, err := New("", "gpt-4o"); err == nil {
		t.Fatal("expected error for empty provider name")
	}
}

func TestNew_EmptyModel(t *testing.T) {
	if _, err := New("openai", ""); err == nil {
		t.Fatal("expected error for empty model")
	}
}

func TestNew_UnsupportedProvider(t *testing.T) {
	if _, err := New("notallm", "some-model"); err == nil {
		t.Fatal("expected error for unsupported provider")
	}
}

func TestNew_Anthropic_WithAPIKey(t *testing.T) {
	p, err := NewAnthropic("claude-3-5-haiku-latest", anyllmlib.WithAPIKey("sk-ant-test"))
	if err != nil {
		t.Fatalf("NewAnthropic: %v", err)
	}
	if p.model != "claude-3-5-haiku-latest" {
		t.Errorf("model = %q", p.model)
	}
}

func TestNew_Ollama_NoAPIKey(t *testing.T) {
	if _, err := NewOllama("llama3.2"); err != nil {
		t.Fatalf("NewOllama: %v", err)
	}
}

func TestBuildParams(t *testing.T) {
	p := &Provider{model: "claude-3-5-haiku-latest"}
	params := p.buildParams(llm.CompletionRequest{
		SystemPrompt: "Be brief.",
		Messages: []llm.Message{
			{Role: "user", Content: "Hello"},
			{Role: "assistant", Content: "Hi"},
		},
		Temperature: 0.5,
		MaxTokens:   128,
	})

	if len(params.Messages) != 3 {
		t.Fatalf("messages = %d, want 3", len(params.Messages))
	}
	if params.Messages[0].Role != anyllmlib.RoleSystem {
		t.Errorf("first role = %q, want system", params.Messages[0].Role)
	}
	if params.Messages[1].Content != "Hello" {
		t.Errorf("second content = %q", params.Messages[1].Content)
	}
	if params.Temperature == nil || *params.Temperature != 0.5 {
		t.Error("temperature not propagated")
	}
	if params.MaxTokens == nil || *params.MaxTokens != 128 {
		t.Error("max tokens not propagated")
	}
}

func TestBuildParams_NoSystemPrompt(t *testing.T) {
	p := &Provider{model: "gpt-4o"}
	params := p.buildParams(llm.CompletionRequest{
		Messages: []llm.Message{{Role: "user", Content: "Hello"}},
	})
	if len(params.Messages) != 1 {
		t.Fatalf("messages = %d, want 1", len(params.Messages))
	}
	if params.Temperature != nil {
		t.Error("temperature should default to nil")
	}
}
