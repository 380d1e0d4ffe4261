package session

import (
	"encoding/json"
	"strings"

	"github.com/lexiqai/companion-chat/internal/protocol"
)

// Agent runtimes persist their own bookkeeping alongside real turns. These
// markers identify content that belongs to the runtime, not the conversation.
const hiddenSystemMarker = "[This is an automated system message hidden from the user]"

var internalEventTypes = map[string]bool{
	"heartbeat":    true,
	"login":        true,
	"system_alert": true,
}

var memoryFunctions = []string{
	"core_memory_append",
	"core_memory_replace",
	"archival_memory_insert",
	"archival_memory_search",
	"conversation_search",
	"memory_insert",
	"memory_replace",
	"memory_rethink",
}

var visibleMessageTypes = map[string]bool{
	"":                  true,
	"user_message":      true,
	"assistant_message": true,
}

// Visible reports whether msg is conversation content that should be displayed
func Visible(msg protocol.Message) bool {
	if !msg.Role.IsConversational() {
		return false
	}
	if !visibleMessageTypes[msg.MessageType] {
		return false
	}
	return !HasInternalMarker(msg.Content)
}

// HasInternalMarker reports whether content embeds agent memory bookkeeping
func HasInternalMarker(content string) bool {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return false
	}
	if strings.Contains(trimmed, hiddenSystemMarker) {
		return true
	}

	if strings.HasPrefix(trimmed, "{") {
		var packed struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal([]byte(trimmed), &packed); err == nil && internalEventTypes[packed.Type] {
			return true
		}
	}

	for _, fn := range memoryFunctions {
		if strings.HasPrefix(trimmed, fn+"(") || strings.Contains(trimmed, `"name": "`+fn+`"`) ||
			strings.Contains(trimmed, `"name":"`+fn+`"`) {
			return true
		}
	}
	return false
}
