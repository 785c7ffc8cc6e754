package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/schema"

	"github.com/zhouzirui/z-tavern/npc/internal/config"
	"github.com/zhouzirui/z-tavern/npc/internal/model/chat"
	"github.com/zhouzirui/z-tavern/npc/pkg/logger"
)

// 图片比例到上游尺寸的映射，未知比例回退到 1:1。
var imageSizes = map[string]string{
	"1:1":  "2048x2048",
	"16:9": "2560x1440",
	"4:3":  "2304x1728",
}

// ChatRequest describes one completion call.
type ChatRequest struct {
	SystemPrompt string
	History      []*schema.Message
	Stream       bool
	Temperature  *float64
}

// Client talks to an OpenAI-compatible upstream for chat, image and embedding calls.
type Client struct {
	cfg        config.LLMConfig
	httpClient *http.Client
	template   prompt.ChatTemplate
	log        *logger.Logger
}

// NewClient creates a client. When cfg.Mock is set no network call is made.
func NewClient(cfg config.LLMConfig, log *logger.Logger) *Client {
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		template: prompt.FromMessages(
			schema.FString,
			schema.SystemMessage("{system}"),
			schema.MessagesPlaceholder("history", true),
		),
		log: log.With("component", "llm"),
	}
}

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionRequest struct {
	Model       string        `json:"model"`
	Temperature float64       `json:"temperature"`
	Stream      bool          `json:"stream"`
	Messages    []wireMessage `json:"messages"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// CompleteChat runs a completion and returns the validated AIResponse. In
// stream mode every content or reasoning chunk is forwarded to onChunk on the
// calling goroutine.
func (c *Client) CompleteChat(ctx context.Context, req ChatRequest, onChunk func(string)) (chat.AIResponse, error) {
	if c.cfg.Mock {
		resp := mockChatResponse()
		if req.Stream && onChunk != nil {
			onChunk(resp.Response)
		}
		return resp, nil
	}

	messages, err := c.buildMessages(ctx, req)
	if err != nil {
		return chat.AIResponse{}, err
	}

	temperature := c.cfg.Temperature
	if req.Temperature != nil {
		temperature = *req.Temperature
	}

	body := chatCompletionRequest{
		Model:       c.cfg.TextModel,
		Temperature: temperature,
		Stream:      req.Stream,
		Messages:    messages,
	}

	resp, err := c.post(ctx, "/chat/completions", body)
	if err != nil {
		return chat.AIResponse{}, err
	}
	defer resp.Body.Close()

	if req.Stream {
		raw, err := aggregateStream(resp.Body, onChunk, c.log)
		if err != nil {
			return chat.AIResponse{}, err
		}
		return ParseAIResponse(raw)
	}

	var decoded chatCompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return chat.AIResponse{}, &UpstreamFormatError{Err: err}
	}
	if len(decoded.Choices) == 0 {
		return chat.AIResponse{}, &UpstreamFormatError{Err: errors.New("no choices in completion")}
	}
	parsed, err := ParseAIResponse(decoded.Choices[0].Message.Content)
	if err != nil {
		return chat.AIResponse{}, &UpstreamFormatError{Err: err}
	}
	return parsed, nil
}

func (c *Client) buildMessages(ctx context.Context, req ChatRequest) ([]wireMessage, error) {
	formatted, err := c.template.Format(ctx, map[string]any{
		"system":  req.SystemPrompt,
		"history": req.History,
	})
	if err != nil {
		return nil, fmt.Errorf("format chat template: %w", err)
	}

	out := make([]wireMessage, 0, len(formatted))
	for _, msg := range formatted {
		if msg == nil {
			continue
		}
		out = append(out, wireMessage{Role: string(msg.Role), Content: msg.Content})
	}
	return out, nil
}

type imageRequest struct {
	Model                     string `json:"model"`
	Prompt                    string `json:"prompt"`
	Size                      string `json:"size"`
	ResponseFormat            string `json:"response_format"`
	SequentialImageGeneration string `json:"sequential_image_generation"`
}

type imageResponse struct {
	Data []struct {
		URL string `json:"url"`
	} `json:"data"`
}

// MockImageURL is returned by GenerateImage in mock mode.
const MockImageURL = "https://images.example.com/mock-image.png"

// GenerateImage renders prompt at ratio (1:1, 16:9, 4:3) and returns the image URL.
func (c *Client) GenerateImage(ctx context.Context, prompt, ratio string) (string, error) {
	if c.cfg.Mock {
		return MockImageURL, nil
	}

	size, ok := imageSizes[ratio]
	if !ok {
		size = imageSizes["1:1"]
	}

	resp, err := c.post(ctx, "/images/generations", imageRequest{
		Model:                     c.cfg.ImageModel,
		Prompt:                    prompt,
		Size:                      size,
		ResponseFormat:            "url",
		SequentialImageGeneration: "disabled",
	})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var decoded imageResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", &UpstreamFormatError{Err: err}
	}
	if len(decoded.Data) == 0 || strings.TrimSpace(decoded.Data[0].URL) == "" {
		return "", &UpstreamFormatError{Err: errors.New("image response missing url")}
	}
	return decoded.Data[0].URL, nil
}

type embeddingRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed returns the embedding vector for text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	if c.cfg.Mock {
		return mockEmbedding(text, c.cfg.EmbeddingDim), nil
	}

	resp, err := c.post(ctx, "/embeddings", embeddingRequest{Model: c.cfg.EmbeddingModel, Input: text})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var decoded embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, &UpstreamFormatError{Err: err}
	}
	if len(decoded.Data) == 0 || len(decoded.Data[0].Embedding) == 0 {
		return nil, &UpstreamFormatError{Err: errors.New("invalid embedding payload")}
	}
	return decoded.Data[0].Embedding, nil
}

// post sends a JSON body and turns non-2xx answers into *HTTPStatusError.
func (c *Client) post(ctx context.Context, path string, body any) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	url := c.cfg.BaseURL + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", url, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		c.log.Warn("upstream returned error status", "url", url, "status", resp.StatusCode)
		return nil, &HTTPStatusError{StatusCode: resp.StatusCode, URL: url, Body: strings.TrimSpace(string(data))}
	}
	return resp, nil
}
