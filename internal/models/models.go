package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// DefaultSystemPrompt is the system prompt used when no ruleset can be loaded.
const DefaultSystemPrompt = "You are a helpful assistant."

// Message represents a single conversational message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// WithSystem returns messages with a system message prepended.
func WithSystem(system string, messages []Message) []Message {
	out := make([]Message, 0, len(messages)+1)
	out = append(out, Message{Role: "system", Content: system})
	return append(out, messages...)
}

// CompletionRequest is the body accepted by POST /api/complete.
type CompletionRequest struct {
	ProviderModel string
	RulesetID     string
	// RulesContent holds the inline ruleset override exactly as sent. It is
	// only honoured when it is a JSON object.
	RulesContent json.RawMessage
	Messages     []Message
	Stream       bool
}

// UnmarshalJSON decodes leniently: a missing or malformed messages field
// becomes an empty list rather than an error.
func (r *CompletionRequest) UnmarshalJSON(data []byte) error {
	type alias struct {
		ProviderModel json.RawMessage `json:"providerModel"`
		RulesetID     json.RawMessage `json:"rulesetId"`
		RulesContent  json.RawMessage `json:"rulesContent"`
		Messages      json.RawMessage `json:"messages"`
		Stream        *bool           `json:"stream"`
	}

	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode completion request: %w", err)
	}

	r.ProviderModel = strings.TrimSpace(rawString(raw.ProviderModel))
	r.RulesetID = strings.TrimSpace(rawString(raw.RulesetID))
	r.RulesContent = raw.RulesContent
	r.Messages = decodeMessages(raw.Messages)
	r.Stream = true
	if raw.Stream != nil {
		r.Stream = *raw.Stream
	}
	return nil
}

// FirstUserContent returns the content of the first user message, or "".
func (r CompletionRequest) FirstUserContent() string {
	for _, msg := range r.Messages {
		if msg.Role == "user" {
			return msg.Content
		}
	}
	return ""
}

func rawString(data json.RawMessage) string {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return ""
	}
	return s
}

func decodeMessages(data json.RawMessage) []Message {
	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		return []Message{}
	}

	out := make([]Message, 0, len(items))
	for _, item := range items {
		var msg Message
		if err := json.Unmarshal(item, &msg); err != nil {
			continue
		}
		switch msg.Role {
		case "user", "assistant", "system":
			out = append(out, msg)
		}
	}
	return out
}

// RulesetDocument is a named system-prompt document. Fields other than
// system are preserved so admin writes round-trip.
type RulesetDocument struct {
	System string
	Extra  map[string]json.RawMessage
}

// ParseRulesetDocument decodes a JSON object into a document. Non-object
// input is rejected.
func ParseRulesetDocument(data []byte) (RulesetDocument, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return RulesetDocument{}, fmt.Errorf("decode ruleset document: %w", err)
	}
	if fields == nil {
		return RulesetDocument{}, fmt.Errorf("decode ruleset document: not an object")
	}

	doc := RulesetDocument{Extra: fields}
	if raw, ok := fields["system"]; ok {
		doc.System = rawString(raw)
	}
	return doc, nil
}

// SystemPrompt returns the document's system text, or the default when empty.
func (d RulesetDocument) SystemPrompt() string {
	if d.System == "" {
		return DefaultSystemPrompt
	}
	return d.System
}

// MarshalJSON writes the document back as a single object.
func (d RulesetDocument) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(d.Extra)+1)
	for k, v := range d.Extra {
		out[k] = v
	}
	system, err := json.Marshal(d.System)
	if err != nil {
		return nil, err
	}
	out["system"] = system
	return json.Marshal(out)
}

// DefaultRuleset returns the built-in fallback document.
func DefaultRuleset() RulesetDocument {
	return RulesetDocument{System: DefaultSystemPrompt}
}

// ProviderDescriptor describes one selectable model.
type ProviderDescriptor struct {
	Key   string `json:"key"`
	Label string `json:"label"`
}

// TokenEvent is the payload of a normal stream event.
type TokenEvent struct {
	Token string `json:"token"`
}

// ErrorEvent is the payload of a client-visible stream error.
type ErrorEvent struct {
	Error string `json:"error"`
}
