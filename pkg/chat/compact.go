package chat

import (
	"context"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/voxhall/relayd/pkg/metrics"
	"github.com/voxhall/relayd/pkg/store"
	"github.com/voxhall/relayd/pkg/upstream"
)

const summarizerSystemPrompt = "You are a conversation memory summarizer. Merge the existing summary " +
	"with the new messages into a concise updated summary under 120 words. " +
	"Remove redundancy. Return ONLY the summary text."

// Summarizer runs a non-streaming completion against the summarizer model.
type Summarizer interface {
	Complete(ctx context.Context, apiKey, model string, msgs []upstream.Message) (string, error)
}

// Compactor keeps conversations bounded. Once a conversation holds at
// least Threshold messages, everything older than the newest Retain
// messages is merged into the rolling summary and deleted in one
// transaction. Compaction is best-effort: any failure leaves the
// conversation exactly as it was.
type Compactor struct {
	Store      *store.Store
	Summarizer Summarizer
	Model      string
	Threshold  int
	Retain     int
	Metrics    *metrics.Metrics
	Logger     *log.Logger
}

// Compact runs one compaction pass. Running it again immediately after a
// successful pass is a no-op, since the remaining count is below the
// threshold.
func (c *Compactor) Compact(ctx context.Context, apiKey string, conv *store.Conversation) error {
	count, err := c.Store.CountMessages(ctx, conv.ID)
	if err != nil {
		c.Metrics.RecordCompaction("failed")
		return err
	}
	if count < c.Threshold {
		c.Metrics.RecordCompaction("skipped")
		return nil
	}

	old, err := c.Store.ListCompactableMessages(ctx, conv.ID, c.Retain)
	if err != nil {
		c.Metrics.RecordCompaction("failed")
		return err
	}
	if len(old) == 0 {
		c.Metrics.RecordCompaction("skipped")
		return nil
	}

	existing := "None"
	if conv.Summary != nil && *conv.Summary != "" {
		existing = *conv.Summary
	}
	var batch strings.Builder
	for i, m := range old {
		if i > 0 {
			batch.WriteString("\n")
		}
		batch.WriteString(m.Role)
		batch.WriteString(": ")
		batch.WriteString(m.Response)
	}

	summary, err := c.Summarizer.Complete(ctx, apiKey, c.Model, []upstream.Message{
		{Role: roleSystem, Content: summarizerSystemPrompt},
		{Role: roleUser, Content: "Existing summary:\n" + existing + "\n\nNew messages:\n" + batch.String()},
	})
	if err != nil {
		c.Metrics.RecordCompaction("failed")
		return err
	}
	summary = strings.TrimSpace(summary)
	if summary == "" {
		c.Metrics.RecordCompaction("skipped")
		c.Logger.Warn("summarizer returned empty summary", "conversation", conv.ID)
		return nil
	}

	ids := make([]string, len(old))
	for i, m := range old {
		ids[i] = m.ID
	}
	if err := c.Store.CompactConversation(ctx, conv.ID, summary, ids); err != nil {
		c.Metrics.RecordCompaction("failed")
		return err
	}
	c.Metrics.RecordCompaction("applied")
	c.Logger.Debug("conversation compacted", "conversation", conv.ID, "pruned", len(ids))
	return nil
}
