package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/z-tavern/npc/internal/config"
	"github.com/zhouzirui/z-tavern/npc/pkg/logger"
)

func newTestClient(baseURL string) *Client {
	return NewClient(config.LLMConfig{
		BaseURL:        baseURL,
		APIKey:         "secret",
		TextModel:      "text-model",
		ImageModel:     "image-model",
		EmbeddingModel: "embed-model",
		EmbeddingDim:   8,
		Temperature:    0.8,
	}, logger.Nop())
}

func TestCompleteChatNonStream(t *testing.T) {
	var captured chatCompletionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		fmt.Fprint(w, `{"choices":[{"message":{"content":"{\"thought\":\"calm\",\"stress_change\":5,\"trust_change\":0,\"response\":\"hi\"}"}}]}`)
	}))
	defer srv.Close()

	client := newTestClient(srv.URL)
	resp, err := client.CompleteChat(context.Background(), ChatRequest{
		SystemPrompt: "You are {not a placeholder}",
		History: []*schema.Message{
			schema.AssistantMessage("greeting", nil),
			schema.UserMessage("hello"),
		},
	}, nil)
	require.NoError(t, err)
	require.Equal(t, 5.0, resp.StressChange)
	require.Equal(t, "hi", resp.Response)

	require.Equal(t, "text-model", captured.Model)
	require.Equal(t, 0.8, captured.Temperature)
	require.False(t, captured.Stream)
	require.Len(t, captured.Messages, 3)
	require.Equal(t, "system", captured.Messages[0].Role)
	require.Equal(t, "assistant", captured.Messages[1].Role)
	require.Equal(t, "user", captured.Messages[2].Role)
	require.Equal(t, "hello", captured.Messages[2].Content)
}

func TestCompleteChatSendsConfiguredZeroTemperature(t *testing.T) {
	var raw map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&raw))
		fmt.Fprint(w, `{"choices":[{"message":{"content":"{\"thought\":\"\",\"stress_change\":0,\"trust_change\":0,\"response\":\"ok\"}"}}]}`)
	}))
	defer srv.Close()

	client := NewClient(config.LLMConfig{
		BaseURL:   srv.URL,
		APIKey:    "secret",
		TextModel: "text-model",
	}, logger.Nop())
	_, err := client.CompleteChat(context.Background(), ChatRequest{
		History: []*schema.Message{schema.UserMessage("hello")},
	}, nil)
	require.NoError(t, err)

	temperature, ok := raw["temperature"]
	require.True(t, ok, "temperature must always be sent")
	require.Equal(t, 0.0, temperature)

	override := 0.3
	_, err = newTestClient(srv.URL).CompleteChat(context.Background(), ChatRequest{
		History:     []*schema.Message{schema.UserMessage("hello")},
		Temperature: &override,
	}, nil)
	require.NoError(t, err)
	require.Equal(t, 0.3, raw["temperature"])
}

func TestCompleteChatStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, piece := range []string{
			`{\"thought\":\"t\",`,
			`\"stress_change\":1,\"trust_change\":2,`,
			`\"response\":\"streamed\"}`,
		} {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":\"%s\"}}]}\n\n", piece)
			flusher.Flush()
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	var chunks []string
	resp, err := newTestClient(srv.URL).CompleteChat(context.Background(), ChatRequest{
		SystemPrompt: "sys",
		Stream:       true,
	}, func(s string) { chunks = append(chunks, s) })
	require.NoError(t, err)
	require.Equal(t, "streamed", resp.Response)
	require.Len(t, chunks, 3)
}

func TestCompleteChatMalformedNonStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"choices":[{"message":{"content":"plain text"}}]}`)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).CompleteChat(context.Background(), ChatRequest{SystemPrompt: "sys"}, nil)
	var formatErr *UpstreamFormatError
	require.True(t, errors.As(err, &formatErr), "got %v", err)
	var validationErr *ResponseValidationError
	require.True(t, errors.As(err, &validationErr))
}

func TestHTTPStatusErrorNoRetry(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).CompleteChat(context.Background(), ChatRequest{SystemPrompt: "sys"}, nil)
	var statusErr *HTTPStatusError
	require.True(t, errors.As(err, &statusErr), "got %v", err)
	require.Equal(t, http.StatusTooManyRequests, statusErr.StatusCode)
	require.Contains(t, statusErr.Body, "quota exceeded")
	require.Equal(t, 1, calls)
}

func TestGenerateImageSizes(t *testing.T) {
	var sizes []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req imageRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		sizes = append(sizes, req.Size)
		require.Equal(t, "url", req.ResponseFormat)
		fmt.Fprint(w, `{"data":[{"url":"https://cdn.example.com/x.png"}]}`)
	}))
	defer srv.Close()

	client := newTestClient(srv.URL)
	for _, ratio := range []string{"1:1", "16:9", "4:3", "21:9"} {
		url, err := client.GenerateImage(context.Background(), "a cat", ratio)
		require.NoError(t, err)
		require.Equal(t, "https://cdn.example.com/x.png", url)
	}
	require.Equal(t, []string{"2048x2048", "2560x1440", "2304x1728", "2048x2048"}, sizes)
}

func TestEmbed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req embeddingRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "embed-model", req.Model)
		if req.Input == "bad" {
			fmt.Fprint(w, `{"data":[]}`)
			return
		}
		fmt.Fprint(w, `{"data":[{"embedding":[0.1,0.2,0.3]}]}`)
	}))
	defer srv.Close()

	client := newTestClient(srv.URL)
	vec, err := client.Embed(context.Background(), "hello")
	require.NoError(t, err)
	require.Equal(t, []float32{0.1, 0.2, 0.3}, vec)

	_, err = client.Embed(context.Background(), "bad")
	require.Error(t, err)
}

func TestMockMode(t *testing.T) {
	client := NewClient(config.LLMConfig{Mock: true, EmbeddingDim: 16}, logger.Nop())

	var chunks []string
	resp, err := client.CompleteChat(context.Background(), ChatRequest{Stream: true}, func(s string) { chunks = append(chunks, s) })
	require.NoError(t, err)
	require.Equal(t, []string{resp.Response}, chunks)
	require.InDelta(t, 0, resp.StressChange, 1)

	url, err := client.GenerateImage(context.Background(), "x", "1:1")
	require.NoError(t, err)
	require.Equal(t, MockImageURL, url)

	a, _ := client.Embed(context.Background(), "same")
	b, _ := client.Embed(context.Background(), "same")
	require.Len(t, a, 16)
	require.Equal(t, a, b)
}
