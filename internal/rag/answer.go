package rag

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/dkrasnov/replybot/internal/channel"
	"github.com/dkrasnov/replybot/internal/contextstore"
	openai "github.com/sashabaranov/go-openai"
)

// Generation parameters for the completion request.
const (
	generationTemperature = 0.7
	generationMaxTokens   = 500
)

// chatCompleter is the slice of the go-openai client the generator uses.
type chatCompleter interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Generator composes a completion request from retrieved snippets and
// conversation history and post-processes the result. It holds no mutable
// state between calls.
type Generator struct {
	client        chatCompleter // nil means every call returns the fallback
	model         string
	snippetBudget int
}

// GeneratorOpts holds parameters for creating a Generator.
type GeneratorOpts struct {
	Client        *openai.Client // optional; fallback-only when nil
	Model         string
	SnippetBudget int // per-snippet char budget in the prompt
}

// NewGenerator creates a Generator.
func NewGenerator(opts GeneratorOpts) *Generator {
	budget := opts.SnippetBudget
	if budget <= 0 {
		budget = 2000
	}
	model := opts.Model
	if model == "" {
		model = openai.GPT4oMini
	}
	g := &Generator{model: model, snippetBudget: budget}
	if opts.Client != nil {
		g.client = opts.Client
	}
	return g
}

// Generate produces a reply for the query. It makes exactly one completion
// call; any failure (error, timeout, empty output) is recovered locally by
// returning the deterministic fallback phrase, so the pipeline always has
// something to deliver. Retrying is the delivery layer's concern, not ours.
func (g *Generator) Generate(ctx context.Context, query, displayName string, snippets []Result, history []contextstore.Message) string {
	if g.client == nil {
		return Fallback(displayName)
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(history)+2)
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: g.systemPrompt(displayName, snippets),
	})
	for _, msg := range history {
		role := openai.ChatMessageRoleUser
		if msg.Role == channel.RoleOutbound {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    role,
			Content: msg.Text,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: query,
	})

	resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       g.model,
		Messages:    messages,
		Temperature: generationTemperature,
		MaxTokens:   generationMaxTokens,
	})
	if err != nil {
		log.Printf("rag: completion failed: %v", err)
		return Fallback(displayName)
	}
	if len(resp.Choices) == 0 {
		log.Printf("rag: completion returned no choices")
		return Fallback(displayName)
	}
	reply := strings.TrimSpace(resp.Choices[0].Message.Content)
	if reply == "" {
		log.Printf("rag: completion returned empty text")
		return Fallback(displayName)
	}
	return normalize(reply, displayName)
}

// systemPrompt builds the instruction block with retrieved snippets
// truncated to the per-snippet budget.
func (g *Generator) systemPrompt(displayName string, snippets []Result) string {
	var b strings.Builder
	b.WriteString("Ты — ИИ-ассистент компании по автоматизации бизнеса.\n")
	b.WriteString("Твоя задача — отвечать на вопросы клиентов на основе базы знаний компании.\n\n")

	if len(snippets) > 0 {
		b.WriteString("БАЗА ЗНАНИЙ:\n")
		for _, r := range snippets {
			fmt.Fprintf(&b, "**%s**\n%s\n\n", r.Snippet.Title, truncateRunes(r.Snippet.Text, g.snippetBudget))
		}
	} else {
		b.WriteString("БАЗА ЗНАНИЙ: по этому вопросу нет материалов — честно скажи об этом и предложи связаться с менеджером.\n\n")
	}

	b.WriteString("ПРАВИЛА:\n")
	b.WriteString("- Отвечай дружелюбно и профессионально\n")
	b.WriteString("- Используй только информацию из базы знаний\n")
	b.WriteString("- Если информации нет — честно скажи об этом\n")
	fmt.Fprintf(&b, "- Обращайся к клиенту по имени: %s\n", displayName)
	b.WriteString("- Форматируй ответ для мессенджера (HTML: <b>, <i>)\n")
	b.WriteString("- Будь кратким (до 500 символов)\n")
	return b.String()
}

// Fallback is the deterministic reply used when generation fails. It always
// references the display name so the customer gets a personal, non-empty
// answer instead of an internal error.
func Fallback(displayName string) string {
	if displayName == "" {
		displayName = "Друг"
	}
	return fmt.Sprintf(
		"%s, извините, я сейчас не могу ответить подробно. Свяжитесь с менеджером для консультации — или попробуйте переформулировать вопрос.",
		displayName)
}

// normalize applies presentation-only post-processing: when the reply
// carries no recognized emphasis markup, the display name is prefixed.
// Factual content is never altered.
func normalize(reply, displayName string) string {
	if hasEmphasis(reply) || displayName == "" {
		return reply
	}
	if strings.HasPrefix(reply, displayName) {
		return reply
	}
	return displayName + ", " + reply
}

// hasEmphasis reports whether the reply already uses emphasis markup.
func hasEmphasis(s string) bool {
	return strings.Contains(s, "<b>") || strings.Contains(s, "<i>") || strings.Contains(s, "**")
}

// truncateRunes limits s to n runes.
func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
