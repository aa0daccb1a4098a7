package brain

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/bytedance/sonic"

	"github.com/ent0n29/talkinghead/internal/memory"
)

func TestConsumeStreamingSSE(t *testing.T) {
	stream := strings.NewReader(strings.Join([]string{
		": keepalive",
		"",
		"data: {\"delta\":\"Hel\"}",
		"",
		"data: {\"delta\":\"lo\"}",
		"",
		"data: [DONE]",
		"",
		"data: {\"delta\":\"ignored\"}",
	}, "\n"))

	text, err := consumeStreaming(stream)
	if err != nil {
		t.Fatalf("consumeStreaming() error = %v", err)
	}
	if text != "Hello" {
		t.Fatalf("text = %q, want %q", text, "Hello")
	}
}

func TestConsumeStreamingNDJSON(t *testing.T) {
	stream := strings.NewReader(strings.Join([]string{
		"{\"delta\":\"Hi\"}",
		"{\"text\":\" there\"}",
	}, "\n"))

	text, err := consumeStreaming(stream)
	if err != nil {
		t.Fatalf("consumeStreaming() error = %v", err)
	}
	if text != "Hi there" {
		t.Fatalf("text = %q, want %q", text, "Hi there")
	}
}

func TestHTTPGeneratorSendsHistory(t *testing.T) {
	var got httpRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if err := sonic.Unmarshal(body, &got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"reply":"Nice to meet you."}`))
	}))
	defer srv.Close()

	g := NewHTTPGenerator(srv.URL, "be brief")
	text, err := g.Generate(context.Background(), []memory.Turn{
		{SessionID: "s1", Role: memory.RoleUser, Content: "hi"},
		{SessionID: "s1", Role: memory.RoleAssistant, Content: "hello"},
		{SessionID: "s1", Role: memory.RoleUser, Content: "I am Sam"},
	})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if text != "Nice to meet you." {
		t.Fatalf("text = %q, want %q", text, "Nice to meet you.")
	}
	if got.SessionID != "s1" || got.SystemPrompt != "be brief" || len(got.Messages) != 3 {
		t.Fatalf("unexpected request: %+v", got)
	}
	if got.Messages[2].Role != "user" || got.Messages[2].Content != "I am Sam" {
		t.Fatalf("last message = %+v", got.Messages[2])
	}
}

func TestHTTPGeneratorStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewHTTPGenerator(srv.URL, "").Generate(context.Background(), []memory.Turn{{Role: memory.RoleUser, Content: "hi"}})
	if err == nil || !strings.Contains(err.Error(), "502") {
		t.Fatalf("Generate() error = %v, want status error", err)
	}
}

func TestMockGeneratorEchoesLastUserTurn(t *testing.T) {
	text, err := NewMockGenerator().Generate(context.Background(), []memory.Turn{
		{Role: memory.RoleUser, Content: "first"},
		{Role: memory.RoleAssistant, Content: "reply"},
		{Role: memory.RoleUser, Content: " hello "},
	})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if text != "I heard you: hello" {
		t.Fatalf("text = %q, want %q", text, "I heard you: hello")
	}
}

type stubGenerator struct {
	text string
	err  error
}

func (s stubGenerator) Generate(context.Context, []memory.Turn) (string, error) {
	return s.text, s.err
}

func TestFallbackGenerator(t *testing.T) {
	g := NewFallbackGenerator(stubGenerator{err: errors.New("down")}, stubGenerator{text: "ok"})
	text, err := g.Generate(context.Background(), nil)
	if err != nil || text != "ok" {
		t.Fatalf("Generate() = %q, %v; want ok", text, err)
	}

	g = NewFallbackGenerator(stubGenerator{err: context.DeadlineExceeded}, stubGenerator{text: "ok"})
	if _, err := g.Generate(context.Background(), nil); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Generate() error = %v, want deadline exceeded", err)
	}
}

func TestNewGeneratorModes(t *testing.T) {
	g, err := NewGenerator(context.Background(), Config{})
	if err != nil {
		t.Fatalf("NewGenerator(auto) error = %v", err)
	}
	if _, ok := g.(*MockGenerator); !ok {
		t.Fatalf("auto generator = %T, want *MockGenerator", g)
	}

	g, err = NewGenerator(context.Background(), Config{Provider: "auto", HTTPURL: "http://example.test"})
	if err != nil {
		t.Fatalf("NewGenerator(auto http) error = %v", err)
	}
	if _, ok := g.(*HTTPGenerator); !ok {
		t.Fatalf("auto generator = %T, want *HTTPGenerator", g)
	}

	if _, err := NewGenerator(context.Background(), Config{Provider: "http"}); err == nil {
		t.Fatalf("NewGenerator(http) expected error without url")
	}
	if _, err := NewGenerator(context.Background(), Config{Provider: "openai"}); err == nil {
		t.Fatalf("NewGenerator(openai) expected error without api key")
	}
	if _, err := NewGenerator(context.Background(), Config{Provider: "wat"}); err == nil {
		t.Fatalf("NewGenerator(wat) expected error")
	}
}

func TestOpenAIMessagesMapsRoles(t *testing.T) {
	msgs := openAIMessages("sys", []memory.Turn{
		{Role: memory.RoleUser, Content: "a"},
		{Role: memory.RoleAssistant, Content: "b"},
		{Role: "tool", Content: "skipped"},
	})
	if len(msgs) != 3 {
		t.Fatalf("len(msgs) = %d, want 3", len(msgs))
	}
	if msgs[0].OfSystem == nil || msgs[1].OfUser == nil || msgs[2].OfAssistant == nil {
		t.Fatalf("unexpected message roles: %+v", msgs)
	}
}

func TestGeminiContentsMapsAssistantToModel(t *testing.T) {
	contents := geminiContents([]memory.Turn{
		{Role: memory.RoleUser, Content: "a"},
		{Role: memory.RoleAssistant, Content: "b"},
	})
	if len(contents) != 2 || contents[0].Role != "user" || contents[1].Role != "model" {
		t.Fatalf("unexpected contents: %+v", contents)
	}
	if contents[1].Parts[0].Text != "b" {
		t.Fatalf("part text = %q, want %q", contents[1].Parts[0].Text, "b")
	}
}
