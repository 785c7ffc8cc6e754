package utils

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// SetupSSEHeaders 设置Server-Sent Events响应头
func SetupSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// SendSSEText 发送纯文本事件，多行内容拆分为多个 data 行
func SendSSEText(w http.ResponseWriter, flusher http.Flusher, event, text string) error {
	var b strings.Builder
	if event != "" {
		b.WriteString("event: ")
		b.WriteString(event)
		b.WriteByte('\n')
	}
	text = strings.ReplaceAll(text, "\r\n", "\n")
	for _, line := range strings.Split(text, "\n") {
		b.WriteString("data: ")
		b.WriteString(line)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')

	if _, err := fmt.Fprint(w, b.String()); err != nil {
		return fmt.Errorf("write sse event %q: %w", event, err)
	}
	flusher.Flush()
	return nil
}

// SendSSEEvent 发送带事件类型的 JSON 消息
func SendSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal sse event %q: %w", event, err)
	}
	return SendSSEText(w, flusher, event, string(jsonData))
}
