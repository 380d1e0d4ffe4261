package devserver

import (
	"context"
	"fmt"
	"strings"
)

// Responder produces the assistant reply for a user turn
type Responder interface {
	Respond(ctx context.Context, conv *Conversation, content string) (string, error)
}

// ResponderFunc adapts a function to Responder
type ResponderFunc func(ctx context.Context, conv *Conversation, content string) (string, error)

func (f ResponderFunc) Respond(ctx context.Context, conv *Conversation, content string) (string, error) {
	return f(ctx, conv, content)
}

// FallbackResponder answers in the conversation's tone without a language model
type FallbackResponder struct{}

var toneTemplates = map[string]string{
	"professional": "Thank you for your message. I understand you're asking about: %s. Let me help you with that systematically.",
	"friendly":     "Thanks for sharing that with me! I'd love to help you with: %s",
	"casual":       "Hey! Got your message about %s. Let me think about that for a sec.",
	"formal":       "I acknowledge your inquiry regarding: %s. Please allow me to provide a considered response.",
	"calm":         "I see you're asking about %s. Let's take a moment to consider this thoughtfully.",
	"warm":         "I'm so glad you came to me with this. %s. Let me wrap my thoughts around this for you.",
	"supportive":   "I'm here for you. You're asking about %s, and we'll work through this together.",
	"analytical":   "Interesting. You've presented: %s. Let me analyze the key components systematically.",
	"blunt":        "You want to know about %s. Fine. Here's the truth without the sugar coating.",
}

func (FallbackResponder) Respond(ctx context.Context, conv *Conversation, content string) (string, error) {
	tone := ""
	if conv != nil {
		tone = strings.ToLower(conv.Tone)
	}
	topic := truncate(content, 50)
	if tmpl, ok := toneTemplates[tone]; ok {
		return fmt.Sprintf(tmpl, topic), nil
	}
	return fmt.Sprintf("I received your message: %s", topic), nil
}

func truncate(s string, n int) string {
	r := []rune(strings.TrimSpace(s))
	if len(r) <= n {
		return string(r)
	}
	return string(r[:n]) + "..."
}
