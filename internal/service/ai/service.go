package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/flow/agent/react"
	"github.com/cloudwego/eino/schema"
	"google.golang.org/genai"

	"threadflow/internal/config"
	"threadflow/internal/models"
)

const defaultMaxTokens = 3000

// TokenStream is a lazy, finite, non-restartable sequence of text fragments.
// Recv returns io.EOF when the model is done.
type TokenStream interface {
	Recv() (string, error)
	Close()
}

// Service binds one configured chat model (and optionally a search-equipped
// react agent) for the whole process. The binding is fixed at construction.
type Service struct {
	chatModel    model.ToolCallingChatModel
	agent        *react.Agent
	systemPrompt string
}

// NewService builds the provider from the agent config.
func NewService(ctx context.Context, cfg config.AgentConfig) (*Service, error) {
	var chatModel model.ToolCallingChatModel
	var err error

	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	switch cfg.Provider {
	case "openai":
		chatModel, err = openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL: cfg.BaseURL,
			Model:   cfg.Model,
			APIKey:  cfg.APIKey,
		})
	case "gemini":
		var client *genai.Client
		client, err = genai.NewClient(ctx, &genai.ClientConfig{
			APIKey: cfg.APIKey,
		})
		if err != nil {
			return nil, fmt.Errorf("new gemini client: %w", err)
		}
		chatModel, err = gemini.NewChatModel(ctx, &gemini.Config{
			Client: client,
			Model:  cfg.Model,
		})
	case "claude":
		var baseURLPtr *string
		if cfg.BaseURL != "" {
			baseURLPtr = &cfg.BaseURL
		}
		chatModel, err = claude.NewChatModel(ctx, &claude.Config{
			APIKey:    cfg.APIKey,
			Model:     cfg.Model,
			BaseURL:   baseURLPtr,
			MaxTokens: maxTokens,
		})
	default:
		return nil, fmt.Errorf("invalid provider: %s", cfg.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("init chat model: %w", err)
	}

	var reactAgent *react.Agent
	if cfg.EnableSearch {
		tools := initToolsChain()
		if len(tools) > 0 {
			reactAgent, err = react.NewAgent(ctx, &react.AgentConfig{
				ToolCallingModel: chatModel,
				ToolsConfig: compose.ToolsNodeConfig{
					Tools: tools,
				},
			})
			if err != nil {
				return nil, fmt.Errorf("init react agent: %w", err)
			}
		}
	}

	return &Service{
		chatModel:    chatModel,
		agent:        reactAgent,
		systemPrompt: cfg.SystemPrompt,
	}, nil
}

// Stream starts a generation over the given history (oldest first, the new
// prompt last) and returns the fragment stream.
func (s *Service) Stream(ctx context.Context, history []*models.Message) (TokenStream, error) {
	if len(history) == 0 {
		return nil, errors.New("history cannot be empty")
	}
	schemaMessages := s.convertMessages(history)

	var (
		reader *schema.StreamReader[*schema.Message]
		err    error
	)
	if s.agent != nil {
		reader, err = s.agent.Stream(ctx, schemaMessages)
	} else {
		reader, err = s.chatModel.Stream(ctx, schemaMessages)
	}
	if err != nil {
		return nil, fmt.Errorf("open model stream: %w", err)
	}
	return &einoStream{reader: reader}, nil
}

const titlePrompt = "You are a conversation title generator. " +
	"Based on the user's first message, generate a concise and accurate title for the conversation. " +
	"The title should be at most a few words and summarize the main topic. " +
	"Output only the title; do not include any additional content."

// Title asks the model for a short thread title from the first prompt.
func (s *Service) Title(ctx context.Context, prompt string) (string, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return "", errors.New("prompt cannot be empty")
	}
	schemaMessages := []*schema.Message{
		{Role: schema.System, Content: titlePrompt},
		{Role: schema.User, Content: fmt.Sprintf("Please generate a clean title for this message:\n\n%s", prompt)},
	}
	resp, err := s.chatModel.Generate(ctx, schemaMessages)
	if err != nil {
		return "", fmt.Errorf("generate title failed: %w", err)
	}
	return strings.TrimSpace(resp.Content), nil
}

func (s *Service) convertMessages(history []*models.Message) []*schema.Message {
	messages := make([]*schema.Message, 0, len(history)+1)
	if s.systemPrompt != "" {
		messages = append(messages, &schema.Message{Role: schema.System, Content: s.systemPrompt})
	}
	for _, msg := range history {
		if msg == nil {
			continue
		}
		var role schema.RoleType
		switch msg.Role {
		case models.RoleUser:
			role = schema.User
		case models.RoleAssistant:
			role = schema.Assistant
		case models.RoleSystem:
			role = schema.System
		default:
			role = schema.User
		}
		messages = append(messages, &schema.Message{Role: role, Content: msg.Text})
	}
	return messages
}

type einoStream struct {
	reader *schema.StreamReader[*schema.Message]
}

func (s *einoStream) Recv() (string, error) {
	chunk, err := s.reader.Recv()
	if err != nil {
		return "", err
	}
	return chunk.Content, nil
}

func (s *einoStream) Close() {
	s.reader.Close()
}
