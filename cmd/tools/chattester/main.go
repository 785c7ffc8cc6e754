package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"

	"github.com/zhouzirui/z-tavern/npc/internal/config"
)

type turnPayload struct {
	SessionID    string           `json:"sessionId,omitempty"`
	CharacterID  string           `json:"characterId,omitempty"`
	LanguageCode string           `json:"languageCode,omitempty"`
	Messages     []map[string]any `json:"messages"`
	Stream       bool             `json:"stream,omitempty"`
}

type turnResult struct {
	SessionID        string         `json:"sessionId"`
	CharacterState   map[string]any `json:"characterState"`
	AssistantMessage struct {
		Content string `json:"content"`
	} `json:"assistantMessage"`
	ImagePrompt    string `json:"imagePrompt"`
	SessionVersion int    `json:"sessionVersion"`
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	if err := godotenv.Load(); err != nil {
		log.Printf("[WARN] 无法加载 .env，改用系统环境变量: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("配置加载失败: %v", err)
	}

	mode := flag.String("mode", "http", "传输方式: http、sse 或 ws")
	base := flag.String("base", "http://localhost"+cfg.Server.Addr, "网关地址")
	character := flag.String("character", "mob", "角色 ID")
	session := flag.String("session", "", "复用已有的 sessionId")
	lang := flag.String("lang", "en", "语言代码")
	message := flag.String("message", "", "单条消息；留空则从标准输入逐行读取")
	timeout := flag.Duration("timeout", 90*time.Second, "单轮请求超时时间")
	flag.Parse()

	if *mode != "http" && *mode != "sse" && *mode != "ws" {
		flag.Usage()
		log.Fatal("请通过 -mode=http|sse|ws 指定传输方式")
	}

	key := cfg.Auth.GatewayKey
	if key == "" {
		log.Fatal("缺少 NPC_GATEWAY_KEY，无法访问 /api")
	}

	var lines []string
	if *message != "" {
		lines = []string{*message}
	} else {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			if text := strings.TrimSpace(scanner.Text()); text != "" {
				lines = append(lines, text)
			}
		}
	}
	if len(lines) == 0 {
		log.Fatal("没有可发送的消息")
	}

	t := &tester{base: strings.TrimRight(*base, "/"), key: key, timeout: *timeout}
	sessionID := *session
	if *mode == "ws" {
		if err := t.runWebSocket(sessionID, *character, *lang, lines); err != nil {
			log.Fatalf("websocket 测试失败: %v", err)
		}
		return
	}

	for _, line := range lines {
		payload := turnPayload{
			SessionID:    sessionID,
			LanguageCode: *lang,
			Messages:     []map[string]any{{"role": "user", "content": line}},
		}
		if sessionID == "" {
			payload.CharacterID = *character
		}

		var res *turnResult
		if *mode == "sse" {
			payload.Stream = true
			res, err = t.sendSSE(payload)
		} else {
			res, err = t.sendJSON(payload)
		}
		if err != nil {
			log.Fatalf("请求失败: %v", err)
		}
		sessionID = res.SessionID
		report(res)
	}
}

type tester struct {
	base    string
	key     string
	timeout time.Duration
}

func (t *tester) post(ctx context.Context, path string, payload any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.base+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", t.key)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	return resp, nil
}

func (t *tester) sendJSON(payload turnPayload) (*turnResult, error) {
	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	defer cancel()

	resp, err := t.post(ctx, "/api/npc/chat", payload)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var res turnResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &res, nil
}

// sendSSE 按行解析事件流，chunk 实时打印，final 作为本轮结果
func (t *tester) sendSSE(payload turnPayload) (*turnResult, error) {
	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	defer cancel()

	resp, err := t.post(ctx, "/api/npc/chat/stream", payload)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var (
		event  string
		data   []string
		result *turnResult
	)
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = append(data, strings.TrimPrefix(line, "data: "))
		case line == "":
			text := strings.Join(data, "\n")
			switch event {
			case "chunk":
				fmt.Print(text)
			case "final":
				var res turnResult
				if err := json.Unmarshal([]byte(text), &res); err != nil {
					return nil, fmt.Errorf("decode final event: %w", err)
				}
				result = &res
				fmt.Println()
			case "error":
				return nil, fmt.Errorf("stream error: %s", text)
			case "end":
				if result == nil {
					return nil, fmt.Errorf("stream ended without final event")
				}
				return result, nil
			}
			event, data = "", nil
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.ErrUnexpectedEOF
}

func (t *tester) runWebSocket(sessionID, characterID, lang string, lines []string) error {
	u, err := url.Parse(t.base)
	if err != nil {
		return err
	}
	u.Scheme = strings.Replace(u.Scheme, "http", "ws", 1)
	u.Path = "/api/npc/chat/ws"
	u.RawQuery = url.Values{"apiKey": {t.key}}.Encode()

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", u.Redacted(), err)
	}
	defer conn.Close()

	for i, line := range lines {
		frame := map[string]any{
			"type":         "turn",
			"languageCode": lang,
			"messages":     []map[string]any{{"role": "user", "content": line}},
		}
		// 首帧指定角色或会话，之后由服务端沿用同一会话
		if i == 0 {
			if sessionID != "" {
				frame["sessionId"] = sessionID
			} else {
				frame["characterId"] = characterID
			}
		}
		if err := conn.WriteJSON(frame); err != nil {
			return err
		}

		for done := false; !done; {
			_ = conn.SetReadDeadline(time.Now().Add(t.timeout))
			var msg struct {
				Type  string          `json:"type"`
				Data  json.RawMessage `json:"data"`
				Error string          `json:"error"`
			}
			if err := conn.ReadJSON(&msg); err != nil {
				return err
			}
			switch msg.Type {
			case "chunk":
				var text string
				_ = json.Unmarshal(msg.Data, &text)
				fmt.Print(text)
			case "final":
				var res turnResult
				if err := json.Unmarshal(msg.Data, &res); err != nil {
					return err
				}
				fmt.Println()
				report(&res)
			case "end":
				done = true
			case "error":
				return fmt.Errorf("server error: %s", msg.Error)
			}
		}
	}
	return nil
}

func report(res *turnResult) {
	log.Printf("session=%s version=%d state=%v", res.SessionID, res.SessionVersion, res.CharacterState)
	if res.AssistantMessage.Content != "" {
		log.Printf("assistant: %s", res.AssistantMessage.Content)
	}
	if res.ImagePrompt != "" {
		log.Printf("imagePrompt: %s", res.ImagePrompt)
	}
}
