package models

import "encoding/json"

// Message is a single conversation turn. Content is kept raw because
// OpenAI sends a string while Anthropic may send structured blocks;
// the proxy relays it as-is and the fingerprinter re-canonicalizes it.
type Message struct {
	Role       string          `json:"role"`
	Content    json.RawMessage `json:"content"`
	Name       string          `json:"name,omitempty"`
	ToolCalls  json.RawMessage `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
}

// ChatRequest holds the fields the gateway inspects to decide
// cacheability. It covers both /v1/chat/completions and /v1/messages
// payloads; fields the proxy does not inspect stay in the original body
// and are forwarded untouched.
type ChatRequest struct {
	Model       string          `json:"model"`
	Messages    []Message       `json:"messages"`
	Temperature *float64        `json:"temperature,omitempty"`
	MaxTokens   *int            `json:"max_tokens,omitempty"`
	Tools       json.RawMessage `json:"tools,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
}
