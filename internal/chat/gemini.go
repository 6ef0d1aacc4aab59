package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GeminiModel is a Model backed by the Gemini API.
type GeminiModel struct {
	client *genai.Client
	name   string
}

// NewGeminiModel connects to Gemini with an API key.
func NewGeminiModel(ctx context.Context, apiKey, name string) (*GeminiModel, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &GeminiModel{client: client, name: name}, nil
}

func (g *GeminiModel) Name() string { return g.name }

// Close releases the underlying client.
func (g *GeminiModel) Close() error { return g.client.Close() }

// session turns a conversation into a chat session primed with everything but the last
// user turn, which is returned separately for sending.
func (g *GeminiModel) session(msgs []Message) (*genai.ChatSession, genai.Text) {
	model := g.client.GenerativeModel(g.name)

	var system []string
	var history []*genai.Content
	for _, m := range msgs[:len(msgs)-1] {
		switch m.Role {
		case RoleSystem:
			system = append(system, m.Content)
		case RoleAssistant:
			history = append(history, &genai.Content{Role: "model", Parts: []genai.Part{genai.Text(m.Content)}})
		default:
			history = append(history, &genai.Content{Role: "user", Parts: []genai.Part{genai.Text(m.Content)}})
		}
	}
	if len(system) > 0 {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(strings.Join(system, "\n\n"))}}
	}

	cs := model.StartChat()
	cs.History = history
	return cs, genai.Text(msgs[len(msgs)-1].Content)
}

func (g *GeminiModel) Generate(ctx context.Context, msgs []Message) (*Completion, error) {
	if err := validateMessages(msgs); err != nil {
		return nil, err
	}
	cs, prompt := g.session(msgs)
	res, err := cs.SendMessage(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("gemini send: %w", err)
	}
	return &Completion{Text: responseText(res), Usage: usageOf(res)}, nil
}

func (g *GeminiModel) Stream(ctx context.Context, msgs []Message, onDelta func(string) error) (*Completion, error) {
	if err := validateMessages(msgs); err != nil {
		return nil, err
	}
	cs, prompt := g.session(msgs)
	it := cs.SendMessageStream(ctx, prompt)

	var (
		text  strings.Builder
		usage Usage
	)
	for {
		res, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("gemini stream: %w", err)
		}
		if delta := responseText(res); delta != "" {
			text.WriteString(delta)
			if err := onDelta(delta); err != nil {
				return nil, err
			}
		}
		// Usage on streamed chunks is cumulative; the last one wins.
		if res.UsageMetadata != nil {
			usage = usageOf(res)
		}
	}
	return &Completion{Text: text.String(), Usage: usage}, nil
}

func responseText(res *genai.GenerateContentResponse) string {
	if res == nil || len(res.Candidates) == 0 || res.Candidates[0].Content == nil {
		return ""
	}
	var b strings.Builder
	for _, p := range res.Candidates[0].Content.Parts {
		if t, ok := p.(genai.Text); ok {
			b.WriteString(string(t))
		}
	}
	return b.String()
}

func usageOf(res *genai.GenerateContentResponse) Usage {
	if res == nil || res.UsageMetadata == nil {
		return Usage{}
	}
	u := Usage{
		PromptTokens:     int64(res.UsageMetadata.PromptTokenCount),
		CompletionTokens: int64(res.UsageMetadata.CandidatesTokenCount),
		TotalTokens:      int64(res.UsageMetadata.TotalTokenCount),
	}
	if u.TotalTokens == 0 {
		u.TotalTokens = u.PromptTokens + u.CompletionTokens
	}
	return u
}
