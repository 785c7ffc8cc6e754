package llm

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/zhouzirui/z-tavern/npc/pkg/logger"
)

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content          string `json:"content"`
			ReasoningContent string `json:"reasoning_content"`
		} `json:"delta"`
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// streamAggregator 按 SSE 空行切块解析上游流，只处理完整事件块，残余字节留到下一次读取。
type streamAggregator struct {
	buf      []byte
	content  strings.Builder
	fallback string
	done     bool
	onChunk  func(string)
	log      *logger.Logger
}

func newStreamAggregator(onChunk func(string), log *logger.Logger) *streamAggregator {
	if onChunk == nil {
		onChunk = func(string) {}
	}
	return &streamAggregator{onChunk: onChunk, log: log}
}

// Write feeds raw bytes read from the upstream body.
func (a *streamAggregator) Write(p []byte) {
	if a.done {
		return
	}
	a.buf = append(a.buf, p...)
	a.buf = bytes.ReplaceAll(a.buf, []byte("\r\n"), []byte("\n"))

	for !a.done {
		idx := bytes.Index(a.buf, []byte("\n\n"))
		if idx < 0 {
			return
		}
		block := string(a.buf[:idx])
		a.buf = a.buf[idx+2:]
		a.processBlock(block)
	}
}

// Close processes a trailing block left after EOF and returns the raw reply.
func (a *streamAggregator) Close() (string, error) {
	if !a.done {
		if rest := strings.TrimSpace(string(a.buf)); rest != "" {
			a.processBlock(rest)
		}
		a.done = true
	}
	a.buf = nil

	if a.content.Len() > 0 {
		return a.content.String(), nil
	}
	if a.fallback != "" {
		return a.fallback, nil
	}
	return "", ErrEmptyStream
}

func (a *streamAggregator) processBlock(block string) {
	for _, line := range strings.Split(strings.TrimSpace(block), "\n") {
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}
		if payload == "[DONE]" {
			a.done = true
			return
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			a.log.Warn("failed to parse streaming chunk", "error", err)
			continue
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		switch {
		case choice.Delta.Content != "":
			a.onChunk(choice.Delta.Content)
			a.content.WriteString(choice.Delta.Content)
		case choice.Delta.ReasoningContent != "":
			a.onChunk(choice.Delta.ReasoningContent)
		}
		if choice.Message.Content != "" {
			a.fallback = choice.Message.Content
		}
	}
}

// aggregateStream drains r through an aggregator. It stops reading as soon as
// [DONE] is seen.
func aggregateStream(r io.Reader, onChunk func(string), log *logger.Logger) (string, error) {
	agg := newStreamAggregator(onChunk, log)
	buf := make([]byte, 4096)
	for !agg.done {
		n, err := r.Read(buf)
		if n > 0 {
			agg.Write(buf[:n])
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("read stream: %w", err)
		}
	}
	return agg.Close()
}
