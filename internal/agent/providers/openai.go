package providers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/cyph3rasi/kyber/internal/agent"
	"github.com/cyph3rasi/kyber/pkg/models"
)

const defaultOpenAIModel = "gpt-4o"

// OpenAIConfig configures an OpenAI provider.
type OpenAIConfig struct {
	// APIKey is required.
	APIKey string

	// BaseURL overrides the default API endpoint, for OpenAI-compatible
	// backends.
	BaseURL string

	// Model is used for every call. Defaults to a current GPT-4 class model.
	Model string

	// MaxRetries bounds transient-failure retries per call. Default 3.
	MaxRetries int

	// RetryDelay is the base backoff delay, doubled per attempt. Default 1 s.
	RetryDelay time.Duration

	Logger *slog.Logger
}

// OpenAI adapts the Chat Completions API to the agent's chat contract.
type OpenAI struct {
	client     *openai.Client
	model      string
	maxRetries int
	retryDelay time.Duration
	logger     *slog.Logger
}

// NewOpenAI creates an OpenAI-backed chat provider.
func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = defaultOpenAIModel
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if strings.TrimSpace(cfg.BaseURL) != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	return &OpenAI{
		client:     openai.NewClientWithConfig(clientCfg),
		model:      cfg.Model,
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
		logger:     cfg.Logger.With("component", "provider", "provider", "openai"),
	}, nil
}

// Name returns "openai".
func (p *OpenAI) Name() string {
	return "openai"
}

// Chat sends one chat completion request and translates the response. Failures
// past retries are normalized to FinishError responses.
func (p *OpenAI) Chat(ctx context.Context, messages []models.Message, tools []agent.ToolDefinition) (*agent.LLMResponse, error) {
	request := openai.ChatCompletionRequest{
		Model:    p.model,
		Messages: buildOpenAIMessages(messages),
		Tools:    buildOpenAITools(tools),
	}

	var response openai.ChatCompletionResponse
	var err error
	for attempt := 0; ; attempt++ {
		response, err = p.client.CreateChatCompletion(ctx, request)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return errorResponse("The request was interrupted before the model answered."), nil
		}
		if !isOpenAIRetryable(err) || attempt >= p.maxRetries {
			p.logger.Error("chat completion failed", "attempt", attempt+1, "error", err)
			return errorResponse(unavailableMessage), nil
		}

		backoff := p.retryDelay * time.Duration(math.Pow(2, float64(attempt)))
		p.logger.Warn("chat completion failed, retrying", "attempt", attempt+1, "backoff", backoff, "error", err)
		select {
		case <-ctx.Done():
			return errorResponse("The request was interrupted before the model answered."), nil
		case <-time.After(backoff):
		}
	}

	return translateOpenAIResponse(response), nil
}

func buildOpenAIMessages(messages []models.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case models.RoleSystem:
			out = append(out, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleSystem,
				Content: msg.Content,
			})

		case models.RoleUser:
			out = append(out, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: msg.Content,
			})

		case models.RoleAssistant:
			if msg.ToolCallID != "" {
				out = append(out, openai.ChatCompletionMessage{
					Role: openai.ChatMessageRoleAssistant,
					ToolCalls: []openai.ToolCall{{
						ID:   msg.ToolCallID,
						Type: openai.ToolTypeFunction,
						Function: openai.FunctionCall{
							Name:      msg.ToolName,
							Arguments: msg.Content,
						},
					}},
				})
				continue
			}
			out = append(out, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Content,
			})

		case models.RoleTool:
			out = append(out, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    msg.Content,
				ToolCallID: msg.ToolCallID,
			})
		}
	}
	return out
}

func buildOpenAITools(defs []agent.ToolDefinition) []openai.Tool {
	if len(defs) == 0 {
		return nil
	}
	tools := make([]openai.Tool, 0, len(defs))
	for _, def := range defs {
		params, err := json.Marshal(def.Function.Parameters)
		if err != nil {
			continue
		}
		tools = append(tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        def.Function.Name,
				Description: def.Function.Description,
				Parameters:  json.RawMessage(params),
			},
		})
	}
	return tools
}

func translateOpenAIResponse(resp openai.ChatCompletionResponse) *agent.LLMResponse {
	out := &agent.LLMResponse{FinishReason: agent.FinishStop}
	if len(resp.Choices) == 0 {
		return out
	}

	choice := resp.Choices[0]
	out.Content = choice.Message.Content
	for _, call := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, agent.ToolCall{
			ID:        call.ID,
			Name:      call.Function.Name,
			Arguments: json.RawMessage(call.Function.Arguments),
		})
	}

	switch choice.FinishReason {
	case openai.FinishReasonToolCalls:
		out.FinishReason = agent.FinishToolCalls
	case openai.FinishReasonLength:
		out.FinishReason = agent.FinishLength
	default:
		out.FinishReason = agent.FinishStop
	}
	if len(out.ToolCalls) > 0 {
		out.FinishReason = agent.FinishToolCalls
	}

	if resp.Usage.PromptTokens != 0 || resp.Usage.CompletionTokens != 0 {
		out.Usage = &agent.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		}
	}
	return out
}

func isOpenAIRetryable(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.HTTPStatusCode {
		case http.StatusRequestTimeout, http.StatusTooManyRequests,
			http.StatusInternalServerError, http.StatusBadGateway,
			http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return true
		default:
			return false
		}
	}

	msg := err.Error()
	for _, marker := range []string{
		"rate limit", "429",
		"timeout", "deadline exceeded",
		"connection reset", "connection refused", "no such host",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
