package worker

import (
	"bufio"
	"encoding/json"
	"fmt"
	"strings"
)

// streamEvent covers the line shapes emitted by streaming worker CLIs. Nested
// message envelopes and flat role/text lines are both accepted; anything else
// on the stream is ignored.
type streamEvent struct {
	Type    string          `json:"type,omitempty"`
	Role    string          `json:"role,omitempty"`
	Text    string          `json:"text,omitempty"`
	Message *streamMessage  `json:"message,omitempty"`
	Content json.RawMessage `json:"content,omitempty"`
}

type streamMessage struct {
	Role    string          `json:"role,omitempty"`
	Content json.RawMessage `json:"content,omitempty"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

const (
	maxStreamLine    = 4 * 1024 * 1024
	streamLineBuffer = 256 * 1024
)

// decodeJSONLBody concatenates the assistant-emitted text segments of a
// line-delimited JSON stream, in stream order, joined by newlines. Malformed
// lines and non-assistant events are skipped.
func decodeJSONLBody(raw string) (string, error) {
	scanner := bufio.NewScanner(strings.NewReader(raw))
	scanner.Buffer(make([]byte, 0, streamLineBuffer), maxStreamLine)

	var parts []string
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var ev streamEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			continue
		}
		if text := assistantText(&ev); text != "" {
			parts = append(parts, text)
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("scan worker stream: %w", err)
	}
	return strings.Join(parts, "\n"), nil
}

func assistantText(ev *streamEvent) string {
	if ev.Message != nil {
		if ev.Type != "" && ev.Type != "assistant" {
			return ""
		}
		if ev.Message.Role != "" && ev.Message.Role != "assistant" {
			return ""
		}
		return contentText(ev.Message.Content)
	}
	if ev.Role != "" && ev.Role != "assistant" {
		return ""
	}
	if ev.Role == "" && ev.Type != "" && ev.Type != "assistant" && ev.Type != "text" {
		return ""
	}
	if ev.Text != "" {
		return ev.Text
	}
	return contentText(ev.Content)
}

// contentText accepts either a bare string or an array of typed content
// blocks, keeping only text blocks.
func contentText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}
	var parts []string
	for _, b := range blocks {
		if b.Type == "text" && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// decodeJSONBody extracts the text body from a single JSON object, looking
// for the conventional result fields in order.
func decodeJSONBody(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("worker produced no output")
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(trimmed), &obj); err != nil {
		return "", fmt.Errorf("decode worker json output: %w", err)
	}
	for _, key := range []string{"result", "content", "message", "text"} {
		v, ok := obj[key]
		if !ok {
			continue
		}
		if s, ok := v.(string); ok {
			return s, nil
		}
	}
	return "", fmt.Errorf("worker json output has no result, content, message, or text field")
}
