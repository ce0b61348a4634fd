// Package models defines the core data types for Relay.
package models

import (
	"encoding/json"
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// DefaultChatID is the sentinel chat id meaning "the most recent chat
// observed on the target channel". Channels resolve it at send time.
const DefaultChatID = "default"

// InboundMessage is a message received from a channel. Immutable once
// published to the bus.
type InboundMessage struct {
	Channel   string         `json:"channel"`
	ChatID    string         `json:"chat_id"`
	SenderID  string         `json:"sender_id"`
	Content   string         `json:"content"`
	Media     []Media        `json:"media,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// OutboundMessage is a reply produced by the executor and delivered to
// channels. ChatID may be DefaultChatID.
type OutboundMessage struct {
	Channel  string         `json:"channel"`
	ChatID   string         `json:"chat_id"`
	Content  string         `json:"content"`
	Media    []Media        `json:"media,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Media references an attachment carried by a message.
type Media struct {
	Type     string `json:"type"` // image, audio, video, document
	URL      string `json:"url,omitempty"`
	Data     []byte `json:"data,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Filename string `json:"filename,omitempty"`
}

// PartType discriminates multipart content entries.
type PartType string

const (
	PartText  PartType = "text"
	PartImage PartType = "image"
)

// ContentPart is one entry of a multipart message body.
type ContentPart struct {
	Type     PartType `json:"type"`
	Text     string   `json:"text,omitempty"`
	ImageURL string   `json:"image_url,omitempty"`
	MimeType string   `json:"mime_type,omitempty"`
}

// ChatMessage is a single turn in an LLM conversation. Content holds plain
// text; when Parts is non-empty it takes precedence and Content is ignored.
// An assistant message may carry ToolCalls; a tool message must carry the
// ToolCallID it answers.
type ChatMessage struct {
	Role       Role          `json:"role"`
	Content    string        `json:"content,omitempty"`
	Parts      []ContentPart `json:"parts,omitempty"`
	ToolCalls  []ToolCall    `json:"tool_calls,omitempty"`
	ToolCallID string        `json:"tool_call_id,omitempty"`
}

// Text returns the textual content of the message, flattening parts.
func (m *ChatMessage) Text() string {
	if len(m.Parts) == 0 {
		return m.Content
	}
	var out string
	for _, p := range m.Parts {
		if p.Type == PartText {
			out += p.Text
		}
	}
	return out
}

// HasImage reports whether any content part is an image.
func (m *ChatMessage) HasImage() bool {
	for _, p := range m.Parts {
		if p.Type == PartImage {
			return true
		}
	}
	return false
}

// ToolCall is an LLM request to execute a tool.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolDefinition declares a tool to the LLM: its name, description, and a
// JSON Schema for the input.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// Session is a conversation thread keyed by channel:chatId.
type Session struct {
	Key              string        `json:"key"`
	Channel          string        `json:"channel"`
	ChatID           string        `json:"chat_id"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
	Messages         []ChatMessage `json:"messages"`
	LastConsolidated int           `json:"last_consolidated"`
}

// SessionKey builds the canonical session key for a channel and chat.
func SessionKey(channel, chatID string) string {
	return channel + ":" + chatID
}
