package chat

import (
	"github.com/voxhall/relayd/pkg/store"
	"github.com/voxhall/relayd/pkg/upstream"
)

const (
	roleSystem    = "system"
	roleUser      = "user"
	roleAssistant = "assistant"
)

// summaryPrefix marks the rolling summary as prior context when injected
// into the prompt.
const summaryPrefix = "Conversation summary so far: "

// AssembleContext builds the ordered message list sent upstream: persona
// system prompt, the rolling summary if any, the recent raw messages in
// ascending order, and the new user utterance last. Stored "ai" messages
// map to the upstream "assistant" role.
func AssembleContext(persona, summary string, recent []*store.Message, prompt string) []upstream.Message {
	msgs := make([]upstream.Message, 0, len(recent)+3)
	msgs = append(msgs, upstream.Message{Role: roleSystem, Content: persona})
	if summary != "" {
		msgs = append(msgs, upstream.Message{Role: roleSystem, Content: summaryPrefix + summary})
	}
	for _, m := range recent {
		role := roleUser
		if m.Role == store.RoleAI {
			role = roleAssistant
		}
		msgs = append(msgs, upstream.Message{Role: role, Content: m.Response})
	}
	msgs = append(msgs, upstream.Message{Role: roleUser, Content: prompt})
	return msgs
}
