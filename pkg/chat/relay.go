package chat

import (
	"encoding/json"
	"errors"
	"io"
	"strings"

	"github.com/voxhall/relayd/pkg/upstream"
)

// SSE event names, emitted per turn in this order: EventMessageStart,
// EventConversationID, interleaved EventContentDelta and EventUsage as
// chunks arrive, then EventMessageStop.
const (
	EventMessageStart   = "message_start"
	EventConversationID = "conversation_id"
	EventContentDelta   = "content_block_delta"
	EventUsage          = "usage"
	EventMessageStop    = "message_stop"
)

// EventWriter delivers one named event to the client. Implementations own
// the per-turn event id sequence.
type EventWriter interface {
	WriteEvent(event, data string) error
}

type relayResult struct {
	fullText  string
	usage     *upstream.Usage
	streamErr error
	writeErr  error
}

// drainStream forwards upstream chunks to the client in arrival order
// while accumulating the full response and usage totals. A client write
// failure stops delivery but never stops the drain: the turn still needs
// its full text for persistence.
func drainStream(s upstream.Stream, w EventWriter) relayResult {
	defer s.Close()
	var res relayResult
	var buf strings.Builder
	for {
		chunk, err := s.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			res.streamErr = err
			break
		}
		if chunk.Delta != "" {
			buf.WriteString(chunk.Delta)
			if res.writeErr == nil {
				if werr := w.WriteEvent(EventContentDelta, chunk.Delta); werr != nil {
					res.writeErr = werr
				}
			}
		}
		if chunk.Usage != nil {
			if res.usage == nil {
				res.usage = &upstream.Usage{}
			}
			res.usage.PromptTokens += chunk.Usage.PromptTokens
			res.usage.CompletionTokens += chunk.Usage.CompletionTokens
			res.usage.TotalTokens += chunk.Usage.TotalTokens
			if res.writeErr == nil {
				raw, merr := json.Marshal(chunk.Usage)
				if merr == nil {
					if werr := w.WriteEvent(EventUsage, string(raw)); werr != nil {
						res.writeErr = werr
					}
				}
			}
		}
	}
	res.fullText = buf.String()
	return res
}
