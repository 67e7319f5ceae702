// Package chat implements the conversation turn pipeline: billing
// resolution, context assembly, stream relay, memory compaction, and turn
// finalization.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/charmbracelet/log"

	"github.com/voxhall/relayd/pkg/cache"
	"github.com/voxhall/relayd/pkg/metrics"
	"github.com/voxhall/relayd/pkg/models"
	"github.com/voxhall/relayd/pkg/store"
	"github.com/voxhall/relayd/pkg/upstream"
)

// Provider is the upstream completion API as the pipeline consumes it.
type Provider interface {
	Stream(ctx context.Context, apiKey, model string, msgs []upstream.Message) (upstream.Stream, error)
	Complete(ctx context.Context, apiKey, model string, msgs []upstream.Message) (string, error)
}

type TurnRequest struct {
	UserID         string
	ConversationID string
	Model          string
	Prompt         string
	Temporary      bool
}

// Turns orchestrates one chat turn end to end.
type Turns struct {
	Store        *store.Store
	Cache        cache.Customizations
	Provider     Provider
	Compactor    *Compactor
	Metrics      *metrics.Metrics
	Logger       *log.Logger
	SystemAPIKey string
	RecentWindow int
	TemporaryTTL time.Duration
}

const titleRunes = 20

func conversationTitle(prompt string) string {
	r := []rune(prompt)
	if len(r) > titleRunes {
		r = r[:titleRunes]
	}
	return string(r) + "..."
}

// Run executes a turn. It returns a *Error for failures that happen before
// the stream opens; once message_start has been written the turn is
// committed to best-effort completion and Run returns nil, absorbing and
// logging later failures. Finalization (assistant persistence, compaction,
// debit) runs on a context detached from the client request, so a client
// disconnect never gates data-integrity side effects.
func (t *Turns) Run(ctx context.Context, req *TurnRequest, w EventWriter) error {
	if req.Prompt == "" {
		return ErrPromptRequired
	}
	model, ok := models.Find(req.Model)
	if !ok {
		return ErrModelUnsupported
	}

	user, err := t.Store.GetUser(ctx, req.UserID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrUserNotFound
	}
	if err != nil {
		return NewError(500, "internal server error")
	}

	var byokKey string
	if user.BYOKEnabled {
		byokKey, err = t.Store.GetBYOKKey(ctx, user.ID)
		if err != nil {
			return NewError(500, "internal server error")
		}
	}
	decision, err := ResolveBilling(user, byokKey, t.SystemAPIKey)
	if err != nil {
		var te *Error
		if errors.As(err, &te) {
			return te
		}
		return NewError(500, "internal server error")
	}

	profile, err := t.Store.GetActiveProfile(ctx, user.ID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrNoActiveProfile
	}
	if err != nil {
		return NewError(500, "internal server error")
	}

	conv, err := t.resolveConversation(ctx, req, profile)
	if err != nil {
		var te *Error
		if errors.As(err, &te) {
			return te
		}
		return NewError(500, "internal server error")
	}

	recent, err := t.Store.ListRecentMessages(ctx, conv.ID, t.RecentWindow)
	if err != nil {
		return NewError(500, "internal server error")
	}

	if _, err := t.Store.CreateMessage(ctx, &store.Message{
		ConversationID: conv.ID,
		Role:           store.RoleUser,
		Response:       req.Prompt,
		ModelName:      model.ID,
	}); err != nil {
		return NewError(500, "internal server error")
	}

	persona := PersonaPrompt(t.customization(ctx, profile.ID))
	summary := ""
	if conv.Summary != nil {
		summary = *conv.Summary
	}
	msgs := AssembleContext(persona, summary, recent, req.Prompt)

	// The upstream call and everything after it must survive a client
	// disconnect.
	dctx := context.WithoutCancel(ctx)
	started := time.Now()
	stream, err := t.Provider.Stream(dctx, decision.APIKey, model.ID, msgs)
	if err != nil {
		t.Logger.Error("upstream stream open failed", "conversation", conv.ID, "model", model.ID, "err", err)
		t.Metrics.RecordTurn(string(decision.Mode), "upstream_error")
		return ErrUpstreamUnavailable
	}

	// The stream is open: from here every failure is absorbed.
	writeErr := w.WriteEvent(EventMessageStart, EventMessageStart)
	if writeErr == nil {
		raw, _ := json.Marshal(map[string]string{"conversationId": conv.ID})
		writeErr = w.WriteEvent(EventConversationID, string(raw))
	}

	var res relayResult
	if writeErr == nil {
		res = drainStream(stream, w)
	} else {
		res = drainStream(stream, discardWriter{})
		res.writeErr = writeErr
	}
	t.Metrics.ObserveUpstream(model.ID, time.Since(started))

	t.finalize(dctx, user.ID, conv, model, decision, res, w)
	return nil
}

func (t *Turns) resolveConversation(ctx context.Context, req *TurnRequest, profile *store.Profile) (*store.Conversation, error) {
	if req.ConversationID == "" {
		c := &store.Conversation{
			ProfileID: profile.ID,
			Title:     conversationTitle(req.Prompt),
			Temporary: req.Temporary,
		}
		if req.Temporary {
			exp := time.Now().Add(t.TemporaryTTL).Unix()
			c.ExpiresTs = &exp
		}
		return t.Store.CreateConversation(ctx, c)
	}
	conv, err := t.Store.GetConversation(ctx, req.ConversationID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrConversationForbidden
	}
	if err != nil {
		return nil, err
	}
	if conv.ProfileID != profile.ID {
		return nil, ErrConversationForbidden
	}
	return conv, nil
}

// customization resolves the profile's persona fields through the advisory
// cache. Cache failures fall back to the store; a nil return means the
// profile has saved none.
func (t *Turns) customization(ctx context.Context, profileID string) *store.Customization {
	if t.Cache != nil {
		c, hit, err := t.Cache.Get(ctx, profileID)
		if err != nil {
			t.Logger.Warn("customization cache get failed", "profile", profileID, "err", err)
		} else if hit {
			t.Metrics.RecordCacheLookup(true)
			return c
		}
	}
	t.Metrics.RecordCacheLookup(false)
	c, err := t.Store.GetCustomization(ctx, profileID)
	if err != nil {
		t.Logger.Warn("customization load failed", "profile", profileID, "err", err)
		return nil
	}
	if c != nil && t.Cache != nil {
		if err := t.Cache.Set(ctx, profileID, c); err != nil {
			t.Logger.Warn("customization cache set failed", "profile", profileID, "err", err)
		}
	}
	return c
}

// finalize persists the assistant message, runs compaction, debits metered
// credits, and emits message_stop. A mid-stream upstream failure with no
// delivered text skips persistence and debit; partial text is persisted so
// the client's view and the history agree.
func (t *Turns) finalize(ctx context.Context, userID string, conv *store.Conversation, model models.Model, decision BillingDecision, res relayResult, w EventWriter) {
	if res.streamErr != nil {
		t.Logger.Error("upstream stream failed mid-turn", "conversation", conv.ID, "model", model.ID, "err", res.streamErr)
	}
	if res.writeErr != nil {
		t.Logger.Warn("client disconnected mid-turn", "conversation", conv.ID, "err", res.writeErr)
	}

	completed := res.streamErr == nil || res.fullText != ""
	if completed {
		if _, err := t.Store.CreateMessage(ctx, &store.Message{
			ConversationID: conv.ID,
			Role:           store.RoleAI,
			Response:       res.fullText,
			ModelName:      model.ID,
		}); err != nil {
			t.Logger.Error("assistant message persistence failed", "conversation", conv.ID, "err", err)
		}

		if err := t.Compactor.Compact(ctx, decision.APIKey, conv); err != nil {
			t.Logger.Warn("compaction failed", "conversation", conv.ID, "err", err)
		}

		if decision.Mode == BillingCredits {
			debited, err := t.Store.DecrementCredits(ctx, userID)
			if err != nil {
				t.Logger.Error("credit debit failed", "user", userID, "err", err)
			} else if !debited {
				t.Logger.Warn("credit debit skipped, balance already zero", "user", userID)
			} else {
				t.Metrics.RecordCreditDebit()
			}
		}
	}

	if res.usage != nil {
		t.Metrics.RecordTokens(model.ID, res.usage.PromptTokens, res.usage.CompletionTokens)
	}
	status := "ok"
	switch {
	case res.streamErr != nil:
		status = "upstream_error"
	case res.writeErr != nil:
		status = "client_gone"
	}
	t.Metrics.RecordTurn(string(decision.Mode), status)

	if res.writeErr == nil {
		if err := w.WriteEvent(EventMessageStop, EventMessageStop); err != nil {
			t.Logger.Warn("message_stop write failed", "conversation", conv.ID, "err", err)
		}
	}
}

type discardWriter struct{}

func (discardWriter) WriteEvent(string, string) error { return nil }
