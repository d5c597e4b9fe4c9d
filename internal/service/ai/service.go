package ai

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"google.golang.org/genai"

	"devsuite/internal/config"
	"devsuite/internal/models"
)

const defaultClaudeMaxTokens = 8192

// Message is one role/content pair sent to a completion API.
type Message struct {
	Role    models.Role `json:"role"`
	Content string      `json:"content"`
}

// NewChatModel builds the chat model for the named provider. modelName
// overrides the provider's configured model when set.
func NewChatModel(ctx context.Context, provider string, provCfg config.ProviderConfig, modelName string) (model.BaseChatModel, error) {
	if modelName == "" {
		modelName = provCfg.Model
	}
	if modelName == "" {
		return nil, fmt.Errorf("provider %s: model is required", provider)
	}
	var maxTokens *int
	if provCfg.MaxTokens > 0 {
		n := provCfg.MaxTokens
		maxTokens = &n
	}

	var (
		chatModel model.BaseChatModel
		err       error
	)
	switch provider {
	case "openai":
		chatModel, err = openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL:   provCfg.BaseURL,
			Model:     modelName,
			APIKey:    provCfg.APIKey,
			MaxTokens: maxTokens,
		})
	case "gemini":
		client, cerr := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  provCfg.APIKey,
			Backend: genai.BackendGeminiAPI,
		})
		if cerr != nil {
			return nil, fmt.Errorf("gemini client: %w", cerr)
		}
		chatModel, err = gemini.NewChatModel(ctx, &gemini.Config{
			Client:    client,
			Model:     modelName,
			MaxTokens: maxTokens,
		})
	case "claude":
		var baseURL *string
		if provCfg.BaseURL != "" {
			baseURL = &provCfg.BaseURL
		}
		limit := defaultClaudeMaxTokens
		if maxTokens != nil {
			limit = *maxTokens
		}
		chatModel, err = claude.NewChatModel(ctx, &claude.Config{
			APIKey:    provCfg.APIKey,
			Model:     modelName,
			BaseURL:   baseURL,
			MaxTokens: limit,
		})
	default:
		return nil, fmt.Errorf("invalid provider: %s", provider)
	}
	if err != nil {
		return nil, fmt.Errorf("init %s chat model: %w", provider, err)
	}
	return chatModel, nil
}

// FragmentStream yields the text fragments of one streamed completion in
// arrival order. Next returns io.EOF once the stream is drained.
type FragmentStream struct {
	reader *schema.StreamReader[*schema.Message]
}

// Stream starts a streamed completion. The system instruction is sent as a
// leading system message and is not part of msgs.
func Stream(ctx context.Context, chatModel model.BaseChatModel, system string, msgs []Message) (*FragmentStream, error) {
	if chatModel == nil {
		return nil, errors.New("chat model not configured")
	}
	reader, err := chatModel.Stream(ctx, convertMessages(system, msgs))
	if err != nil {
		return nil, fmt.Errorf("generate ai stream failed: %w", err)
	}
	return &FragmentStream{reader: reader}, nil
}

// Next returns the next fragment. Chunks without text are skipped.
func (s *FragmentStream) Next() (string, error) {
	for {
		chunk, err := s.reader.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return "", io.EOF
			}
			return "", fmt.Errorf("receive ai stream: %w", err)
		}
		if chunk == nil || chunk.Content == "" {
			continue
		}
		return chunk.Content, nil
	}
}

// Close releases the underlying stream.
func (s *FragmentStream) Close() {
	s.reader.Close()
}

func convertMessages(system string, msgs []Message) []*schema.Message {
	out := make([]*schema.Message, 0, len(msgs)+1)
	if system != "" {
		out = append(out, schema.SystemMessage(system))
	}
	for _, msg := range msgs {
		var role schema.RoleType
		switch msg.Role {
		case models.RoleAssistant:
			role = schema.Assistant
		case models.RoleSystem:
			role = schema.System
		default:
			role = schema.User
		}
		out = append(out, &schema.Message{Role: role, Content: msg.Content})
	}
	return out
}
