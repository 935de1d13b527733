package openai

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	xerrors "ChainChat/internal/errors"
	"ChainChat/internal/llm"
	"ChainChat/pkg/retry"
)

const (
	defaultModelName     = "gpt-4o-mini"
	defaultEmbeddingName = "text-embedding-3-small"
	defaultTimeout       = 60 * time.Second
)

// Config 描述了调用 OpenAI 兼容接口所需的信息。
type Config struct {
	APIKey         string
	BaseURL        string
	Model          string
	EmbeddingModel string
	Timeout        time.Duration
}

// Client 基于 go-openai 封装聊天与向量化能力。
type Client struct {
	api            *openai.Client
	model          string
	embeddingModel string
	policy         retry.Policy
}

// NewClient 根据配置创建 OpenAI 客户端。
func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("未提供 OpenAI API Key")
	}

	clientCfg := openai.DefaultConfig(apiKey)
	if baseURL := strings.TrimSpace(cfg.BaseURL); baseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	clientCfg.HTTPClient = &http.Client{Timeout: timeout}

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModelName
	}
	embeddingModel := strings.TrimSpace(cfg.EmbeddingModel)
	if embeddingModel == "" {
		embeddingModel = defaultEmbeddingName
	}

	policy := retry.DefaultPolicy()
	policy.Retryable = retryableAPIError

	return &Client{
		api:            openai.NewClientWithConfig(clientCfg),
		model:          model,
		embeddingModel: embeddingModel,
		policy:         policy,
	}, nil
}

// Chat 调用 Chat Completions 接口并解析工具调用。
func (c *Client) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	apiReq := buildChatRequest(req, c.model)

	var apiResp openai.ChatCompletionResponse
	err := c.policy.Do(ctx, func(ctx context.Context) error {
		resp, callErr := c.api.CreateChatCompletion(ctx, apiReq)
		if callErr != nil {
			return callErr
		}
		apiResp = resp
		return nil
	})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeExternalService, err, "调用大模型失败")
	}

	if len(apiResp.Choices) == 0 {
		return nil, xerrors.New(xerrors.CodeExternalService, "大模型响应中没有有效的 choices")
	}
	return convertChatResponse(apiResp.Choices[0].Message), nil
}

// Embed 调用 Embeddings 接口生成向量。
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	var apiResp openai.EmbeddingResponse
	err := c.policy.Do(ctx, func(ctx context.Context) error {
		resp, callErr := c.api.CreateEmbeddings(ctx, openai.EmbeddingRequest{
			Input: texts,
			Model: openai.EmbeddingModel(c.embeddingModel),
		})
		if callErr != nil {
			return callErr
		}
		apiResp = resp
		return nil
	})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeExternalService, err, "生成向量失败")
	}

	vectors := make([][]float32, len(apiResp.Data))
	for i, item := range apiResp.Data {
		vectors[i] = item.Embedding
	}
	return vectors, nil
}

// buildChatRequest 将统一请求转换为 go-openai 请求。
func buildChatRequest(req llm.ChatRequest, fallbackModel string) openai.ChatCompletionRequest {
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = fallbackModel
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(req.History)+2)
	if system := strings.TrimSpace(req.System); system != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}
	for _, entry := range req.History {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    convertRole(entry.Role),
			Content: entry.Content,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.Prompt,
	})

	apiReq := openai.ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		Temperature: req.Temperature,
	}
	if req.MaxTokens > 0 {
		apiReq.MaxTokens = req.MaxTokens
	}
	if len(req.Tools) > 0 {
		tools := make([]openai.Tool, 0, len(req.Tools))
		for _, tool := range req.Tools {
			tools = append(tools, openai.Tool{
				Type: openai.ToolTypeFunction,
				Function: &openai.FunctionDefinition{
					Name:        tool.Name,
					Description: tool.Description,
					Parameters:  tool.Parameters,
				},
			})
		}
		apiReq.Tools = tools
		if req.ToolChoice != "" && req.ToolChoice != llm.ToolChoiceAuto {
			apiReq.ToolChoice = string(req.ToolChoice)
		}
	}
	if req.ForceJSON {
		apiReq.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}
	return apiReq
}

// convertChatResponse 提取文本内容与工具调用。
func convertChatResponse(msg openai.ChatCompletionMessage) *llm.ChatResponse {
	resp := &llm.ChatResponse{Content: strings.TrimSpace(msg.Content)}
	for _, call := range msg.ToolCalls {
		if call.Type != openai.ToolTypeFunction {
			continue
		}
		resp.ToolCalls = append(resp.ToolCalls, llm.ToolCall{
			ID:            call.ID,
			Name:          call.Function.Name,
			ArgumentsJSON: call.Function.Arguments,
		})
	}
	return resp
}

func convertRole(role llm.Role) string {
	switch role {
	case llm.RoleAssistant:
		return openai.ChatMessageRoleAssistant
	default:
		return openai.ChatMessageRoleUser
	}
}

// retryableAPIError 仅对限流和服务端错误进行重试。
func retryableAPIError(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == http.StatusTooManyRequests || apiErr.HTTPStatusCode >= http.StatusInternalServerError
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode == http.StatusTooManyRequests || reqErr.HTTPStatusCode >= http.StatusInternalServerError
	}
	return false
}

var _ llm.Client = (*Client)(nil)
