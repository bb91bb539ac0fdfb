// Package models defines the domain types shared across the summarization
// pipeline: messages, requests, summaries, guild configuration, scheduled
// tasks, and the error taxonomy the adapters translate for users.
package models

import "time"

// Message is the canonical, request-scoped representation of a chat message
// after filtering and normalization.
type Message struct {
	ID          string       `json:"id"`
	AuthorID    string       `json:"author_id"`
	AuthorName  string       `json:"author_name"`
	IsBot       bool         `json:"is_bot"`
	Timestamp   time.Time    `json:"timestamp"` // always UTC
	Content     string       `json:"content"`
	CodeBlocks  []CodeBlock  `json:"code_blocks,omitempty"`
	Mentions    []string     `json:"mentions,omitempty"` // mentioned user IDs
	Attachments []Attachment `json:"attachments,omitempty"`
	ThreadID    string       `json:"thread_id,omitempty"`
	ReplyToID   string       `json:"reply_to_id,omitempty"`
}

// CodeBlock is a fenced code block extracted from message content.
type CodeBlock struct {
	Language string `json:"language,omitempty"`
	Code     string `json:"code"`
}

// Attachment describes a file attached to a message.
type Attachment struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
	Kind string `json:"kind,omitempty"` // image, video, audio, file
}

// RawMessage is a message as fetched from the chat platform, before any
// filtering. System messages (joins, pins, boosts) carry a non-empty Kind.
type RawMessage struct {
	ID          string
	AuthorID    string
	AuthorName  string
	IsBot       bool
	Timestamp   time.Time
	Content     string
	Kind        string            // empty for ordinary user messages
	Mentions    map[string]string // user ID → display name
	Attachments []Attachment
	ThreadID    string
	ReplyToID   string
}
