package llm

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"regexp"
	"strings"

	"github.com/zhouzirui/z-tavern/npc/internal/model/chat"
)

var (
	jsonFencePattern  = regexp.MustCompile("(?i)```json")
	plusNumberPattern = regexp.MustCompile(`(:\s*)\+(\d+(?:\.\d+)?)`)
)

// cleanResponse 去掉 ``` 代码块包裹，并把 "+5" 这类数字规范成合法 JSON。
func cleanResponse(raw string) string {
	cleaned := jsonFencePattern.ReplaceAllString(raw, "")
	cleaned = strings.ReplaceAll(cleaned, "```", "")
	cleaned = strings.TrimSpace(cleaned)
	return plusNumberPattern.ReplaceAllString(cleaned, "$1$2")
}

type rawAIResponse struct {
	Thought      *string  `json:"thought"`
	StressChange *float64 `json:"stress_change"`
	TrustChange  *float64 `json:"trust_change"`
	Response     *string  `json:"response"`
	ImagePrompt  *string  `json:"image_prompt"`
}

// ParseAIResponse cleans and strictly validates a model reply.
func ParseAIResponse(raw string) (chat.AIResponse, error) {
	cleaned := cleanResponse(raw)
	if cleaned == "" {
		return chat.AIResponse{}, &ResponseValidationError{Reason: "empty content", Raw: raw}
	}

	dec := json.NewDecoder(bytes.NewReader([]byte(cleaned)))
	dec.DisallowUnknownFields()

	var parsed rawAIResponse
	if err := dec.Decode(&parsed); err != nil {
		return chat.AIResponse{}, &ResponseValidationError{Reason: "invalid json", Raw: raw, Err: err}
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return chat.AIResponse{}, &ResponseValidationError{Reason: "trailing data after object", Raw: raw}
	}

	switch {
	case parsed.Thought == nil:
		return chat.AIResponse{}, &ResponseValidationError{Reason: "missing thought", Raw: raw}
	case parsed.StressChange == nil:
		return chat.AIResponse{}, &ResponseValidationError{Reason: "missing stress_change", Raw: raw}
	case parsed.TrustChange == nil:
		return chat.AIResponse{}, &ResponseValidationError{Reason: "missing trust_change", Raw: raw}
	case parsed.Response == nil:
		return chat.AIResponse{}, &ResponseValidationError{Reason: "missing response", Raw: raw}
	}

	out := chat.AIResponse{
		Thought:      *parsed.Thought,
		StressChange: *parsed.StressChange,
		TrustChange:  *parsed.TrustChange,
		Response:     *parsed.Response,
	}
	if parsed.ImagePrompt != nil {
		out.ImagePrompt = *parsed.ImagePrompt
	}
	return out, nil
}
