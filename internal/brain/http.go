package brain

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"

	"github.com/ent0n29/talkinghead/internal/memory"
)

// HTTPGenerator forwards the turn log to a generic reply endpoint. Plain JSON,
// server-sent events and NDJSON responses are accepted.
type HTTPGenerator struct {
	url          string
	systemPrompt string
	client       *http.Client
}

type httpMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type httpRequest struct {
	SessionID    string        `json:"sessionId,omitempty"`
	SystemPrompt string        `json:"systemPrompt,omitempty"`
	Messages     []httpMessage `json:"messages"`
}

func NewHTTPGenerator(url, systemPrompt string) *HTTPGenerator {
	return &HTTPGenerator{
		url:          strings.TrimSpace(url),
		systemPrompt: systemPrompt,
		client: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

func (g *HTTPGenerator) Generate(ctx context.Context, history []memory.Turn) (string, error) {
	req := httpRequest{SystemPrompt: g.systemPrompt, Messages: make([]httpMessage, 0, len(history))}
	for _, turn := range history {
		req.SessionID = turn.SessionID
		req.Messages = append(req.Messages, httpMessage{Role: turn.Role, Content: turn.Content})
	}
	payload, err := sonic.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	res, err := g.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return "", fmt.Errorf("brain http status %d: %s", res.StatusCode, string(body))
	}

	ct := strings.ToLower(res.Header.Get("Content-Type"))
	if strings.Contains(ct, "text/event-stream") || strings.Contains(ct, "application/x-ndjson") {
		return consumeStreaming(res.Body)
	}

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	var obj map[string]any
	if err := sonic.Unmarshal(body, &obj); err != nil {
		return strings.TrimSpace(string(body)), nil
	}
	return strings.TrimSpace(extractText(obj)), nil
}

func consumeStreaming(body io.Reader) (string, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var out strings.Builder
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		if strings.HasPrefix(line, "data:") {
			line = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
		if line == "[DONE]" {
			break
		}

		delta := line
		var obj map[string]any
		if err := sonic.UnmarshalString(line, &obj); err == nil {
			delta = extractText(obj)
		}
		out.WriteString(delta)
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("stream read: %w", err)
	}
	return strings.TrimSpace(out.String()), nil
}

func extractText(obj map[string]any) string {
	for _, k := range []string{"text", "delta", "reply", "output", "message", "content"} {
		if v, ok := obj[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
		}
	}
	return ""
}
