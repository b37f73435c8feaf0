package rag

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/dkrasnov/replybot/internal/channel"
	"github.com/dkrasnov/replybot/internal/contextstore"
	openai "github.com/sashabaranov/go-openai"
)

// stubCompleter scripts one completion response or error and records the
// request for inspection.
type stubCompleter struct {
	reply string
	err   error
	calls int
	last  openai.ChatCompletionRequest
}

func (s *stubCompleter) CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	s.calls++
	s.last = req
	if s.err != nil {
		return openai.ChatCompletionResponse{}, s.err
	}
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: s.reply}},
		},
	}, nil
}

func newStubGenerator(stub *stubCompleter) *Generator {
	return &Generator{client: stub, model: "test-model", snippetBudget: 2000}
}

func TestGenerate_UsesCompletion(t *testing.T) {
	stub := &stubCompleter{reply: "<b>Тариф</b> стоит 5000 рублей в месяц."}
	g := newStubGenerator(stub)

	got := g.Generate(context.Background(), "сколько стоит?", "Анна", nil, nil)
	if got != "<b>Тариф</b> стоит 5000 рублей в месяц." {
		t.Errorf("reply = %q", got)
	}
	if stub.calls != 1 {
		t.Errorf("calls = %d, want exactly 1", stub.calls)
	}
}

func TestGenerate_FallbackOnError(t *testing.T) {
	stub := &stubCompleter{err: errors.New("api down")}
	g := newStubGenerator(stub)

	got := g.Generate(context.Background(), "вопрос", "Анна", nil, nil)
	if got != Fallback("Анна") {
		t.Errorf("reply = %q, want the fallback", got)
	}
	if stub.calls != 1 {
		t.Errorf("calls = %d, want exactly 1 (no retry on generation)", stub.calls)
	}
	if !strings.Contains(got, "Анна") {
		t.Errorf("fallback %q must carry the display name", got)
	}
}

func TestGenerate_FallbackOnEmptyReply(t *testing.T) {
	stub := &stubCompleter{reply: "   "}
	g := newStubGenerator(stub)

	got := g.Generate(context.Background(), "вопрос", "Олег", nil, nil)
	if got != Fallback("Олег") {
		t.Errorf("reply = %q, want the fallback", got)
	}
}

func TestGenerate_NilClientFallsBack(t *testing.T) {
	g := NewGenerator(GeneratorOpts{})
	got := g.Generate(context.Background(), "вопрос", "Анна", nil, nil)
	if got != Fallback("Анна") {
		t.Errorf("reply = %q, want the fallback", got)
	}
}

func TestGenerate_HistoryRoles(t *testing.T) {
	stub := &stubCompleter{reply: "ok **bold**"}
	g := newStubGenerator(stub)

	history := []contextstore.Message{
		{Role: channel.RoleInbound, Text: "первый вопрос"},
		{Role: channel.RoleOutbound, Text: "первый ответ"},
	}
	g.Generate(context.Background(), "второй вопрос", "Анна", nil, history)

	msgs := stub.last.Messages
	if len(msgs) != 4 {
		t.Fatalf("messages = %d, want system + 2 history + query", len(msgs))
	}
	if msgs[0].Role != openai.ChatMessageRoleSystem {
		t.Errorf("msgs[0].Role = %q, want system", msgs[0].Role)
	}
	if msgs[1].Role != openai.ChatMessageRoleUser || msgs[1].Content != "первый вопрос" {
		t.Errorf("msgs[1] = %+v, want inbound as user", msgs[1])
	}
	if msgs[2].Role != openai.ChatMessageRoleAssistant || msgs[2].Content != "первый ответ" {
		t.Errorf("msgs[2] = %+v, want outbound as assistant", msgs[2])
	}
	if msgs[3].Role != openai.ChatMessageRoleUser || msgs[3].Content != "второй вопрос" {
		t.Errorf("msgs[3] = %+v, want query last", msgs[3])
	}
}

func TestGenerate_SnippetsInPrompt(t *testing.T) {
	stub := &stubCompleter{reply: "ok **x**"}
	g := newStubGenerator(stub)

	snippets := []Result{
		{Snippet: Snippet{Title: "Тарифы", Text: "Базовый тариф 5000р"}},
	}
	g.Generate(context.Background(), "цена?", "Анна", snippets, nil)

	system := stub.last.Messages[0].Content
	if !strings.Contains(system, "Тарифы") || !strings.Contains(system, "Базовый тариф 5000р") {
		t.Errorf("system prompt missing snippet content:\n%s", system)
	}
	if !strings.Contains(system, "Анна") {
		t.Errorf("system prompt missing display name:\n%s", system)
	}
}

func TestGenerate_SnippetBudget(t *testing.T) {
	stub := &stubCompleter{reply: "ok **x**"}
	g := &Generator{client: stub, model: "m", snippetBudget: 10}

	long := strings.Repeat("д", 100)
	g.Generate(context.Background(), "q", "Анна", []Result{{Snippet: Snippet{Title: "T", Text: long}}}, nil)

	system := stub.last.Messages[0].Content
	if strings.Count(system, "д") != 10 {
		t.Errorf("snippet runes in prompt = %d, want budget of 10", strings.Count(system, "д"))
	}
}

func TestFallback(t *testing.T) {
	if got := Fallback("Анна"); !strings.HasPrefix(got, "Анна, ") {
		t.Errorf("Fallback = %q, want name prefix", got)
	}
	if got := Fallback(""); !strings.HasPrefix(got, "Друг, ") {
		t.Errorf("Fallback with empty name = %q, want default name", got)
	}
	if Fallback("Анна") != Fallback("Анна") {
		t.Error("fallback must be deterministic")
	}
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		name  string
		reply string
		want  string
	}{
		{"plain reply gains name prefix", "ответ без форматирования", "Анна, ответ без форматирования"},
		{"html markup untouched", "<b>ответ</b>", "<b>ответ</b>"},
		{"markdown markup untouched", "ответ **важно**", "ответ **важно**"},
		{"already prefixed untouched", "Анна, привет", "Анна, привет"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := normalize(tt.reply, "Анна"); got != tt.want {
				t.Errorf("normalize = %q, want %q", got, tt.want)
			}
		})
	}
}
