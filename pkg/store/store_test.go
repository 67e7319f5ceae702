package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(context.Background(), filepath.Join(t.TempDir(), "relayd.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedUser(t *testing.T, s *Store, credits int) *User {
	t.Helper()
	u, err := s.CreateUser(context.Background(), &User{
		Email:   "test@example.com",
		Name:    "Test",
		Credits: credits,
	})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	return u
}

func seedProfile(t *testing.T, s *Store, userID string) *Profile {
	t.Helper()
	p, err := s.CreateProfile(context.Background(), &Profile{
		UserID:   userID,
		Name:     "default",
		IsActive: true,
	})
	if err != nil {
		t.Fatalf("create profile: %v", err)
	}
	return p
}

func seedConversation(t *testing.T, s *Store, profileID string) *Conversation {
	t.Helper()
	c, err := s.CreateConversation(context.Background(), &Conversation{
		ProfileID: profileID,
		Title:     "test...",
	})
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	return c
}

func TestDecrementCreditsFloor(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := seedUser(t, s, 2)

	for i := 0; i < 2; i++ {
		ok, err := s.DecrementCredits(ctx, u.ID)
		if err != nil {
			t.Fatalf("decrement %d: %v", i, err)
		}
		if !ok {
			t.Fatalf("decrement %d: expected debit to apply", i)
		}
	}

	ok, err := s.DecrementCredits(ctx, u.ID)
	if err != nil {
		t.Fatalf("decrement at zero: %v", err)
	}
	if ok {
		t.Fatalf("decrement at zero should not apply")
	}

	got, err := s.GetUser(ctx, u.ID)
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if got.Credits != 0 {
		t.Fatalf("credits = %d, want 0", got.Credits)
	}
}

func TestAddCredits(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := seedUser(t, s, 2)

	if err := s.AddCredits(ctx, u.ID, 5); err != nil {
		t.Fatalf("add credits: %v", err)
	}
	got, err := s.GetUser(ctx, u.ID)
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if got.Credits != 7 {
		t.Fatalf("credits = %d, want 7", got.Credits)
	}
	if err := s.AddCredits(ctx, "nope", 1); err != ErrNotFound {
		t.Fatalf("add to unknown user: err = %v, want ErrNotFound", err)
	}
}

func TestUpdateUserPartial(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := seedUser(t, s, 5)

	premium := true
	if err := s.UpdateUser(ctx, &UpdateUser{ID: u.ID, IsPremium: &premium}); err != nil {
		t.Fatalf("update user: %v", err)
	}
	got, err := s.GetUser(ctx, u.ID)
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if !got.IsPremium {
		t.Fatalf("isPremium not set")
	}
	if got.Credits != 5 {
		t.Fatalf("credits changed by unrelated update: %d", got.Credits)
	}
}

func TestActiveProfileSwitch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := seedUser(t, s, 0)
	p1 := seedProfile(t, s, u.ID)
	p2, err := s.CreateProfile(ctx, &Profile{UserID: u.ID, Name: "second"})
	if err != nil {
		t.Fatalf("create second profile: %v", err)
	}

	if err := s.SetActiveProfile(ctx, u.ID, p2.ID); err != nil {
		t.Fatalf("set active: %v", err)
	}
	active, err := s.GetActiveProfile(ctx, u.ID)
	if err != nil {
		t.Fatalf("get active: %v", err)
	}
	if active.ID != p2.ID {
		t.Fatalf("active = %s, want %s", active.ID, p2.ID)
	}
	if _, err := s.GetProfile(ctx, p1.ID); err != nil {
		t.Fatalf("first profile should still exist: %v", err)
	}
}

func TestRecentMessagesOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := seedUser(t, s, 0)
	p := seedProfile(t, s, u.ID)
	c := seedConversation(t, s, p.ID)

	texts := []string{"one", "two", "three", "four", "five", "six", "seven"}
	base := time.Now().UnixMilli()
	for i, txt := range texts {
		if _, err := s.CreateMessage(ctx, &Message{
			ConversationID: c.ID,
			Role:           RoleUser,
			Response:       txt,
			CreatedTs:      base + int64(i),
		}); err != nil {
			t.Fatalf("create message %q: %v", txt, err)
		}
	}

	recent, err := s.ListRecentMessages(ctx, c.ID, 5)
	if err != nil {
		t.Fatalf("list recent: %v", err)
	}
	want := []string{"three", "four", "five", "six", "seven"}
	if len(recent) != len(want) {
		t.Fatalf("len = %d, want %d", len(recent), len(want))
	}
	for i, m := range recent {
		if m.Response != want[i] {
			t.Fatalf("recent[%d] = %q, want %q", i, m.Response, want[i])
		}
	}
}

func TestListCompactableMessages(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := seedUser(t, s, 0)
	p := seedProfile(t, s, u.ID)
	c := seedConversation(t, s, p.ID)

	base := time.Now().UnixMilli()
	for i := 0; i < 8; i++ {
		if _, err := s.CreateMessage(ctx, &Message{
			ConversationID: c.ID,
			Role:           RoleUser,
			Response:       string(rune('a' + i)),
			CreatedTs:      base + int64(i),
		}); err != nil {
			t.Fatalf("create message %d: %v", i, err)
		}
	}

	old, err := s.ListCompactableMessages(ctx, c.ID, 5)
	if err != nil {
		t.Fatalf("list compactable: %v", err)
	}
	if len(old) != 3 {
		t.Fatalf("len = %d, want 3", len(old))
	}
	for i, want := range []string{"a", "b", "c"} {
		if old[i].Response != want {
			t.Fatalf("old[%d] = %q, want %q", i, old[i].Response, want)
		}
	}
}

func TestCompactConversationTransaction(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := seedUser(t, s, 0)
	p := seedProfile(t, s, u.ID)
	c := seedConversation(t, s, p.ID)

	base := time.Now().UnixMilli()
	var ids []string
	for i := 0; i < 8; i++ {
		m, err := s.CreateMessage(ctx, &Message{
			ConversationID: c.ID,
			Role:           RoleUser,
			Response:       "msg",
			CreatedTs:      base + int64(i),
		})
		if err != nil {
			t.Fatalf("create message %d: %v", i, err)
		}
		ids = append(ids, m.ID)
	}

	if err := s.CompactConversation(ctx, c.ID, "the summary", ids[:3]); err != nil {
		t.Fatalf("compact: %v", err)
	}

	got, err := s.GetConversation(ctx, c.ID)
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	if got.Summary == nil || *got.Summary != "the summary" {
		t.Fatalf("summary = %v, want 'the summary'", got.Summary)
	}
	n, err := s.CountMessages(ctx, c.ID)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 5 {
		t.Fatalf("message count = %d, want 5", n)
	}

	// Unknown conversation leaves everything untouched.
	if err := s.CompactConversation(ctx, "nope", "x", ids[3:4]); err != ErrNotFound {
		t.Fatalf("compact unknown conversation: err = %v, want ErrNotFound", err)
	}
	n, _ = s.CountMessages(ctx, c.ID)
	if n != 5 {
		t.Fatalf("message count after failed compact = %d, want 5", n)
	}
}

func TestDeleteConversationCascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := seedUser(t, s, 0)
	p := seedProfile(t, s, u.ID)
	c := seedConversation(t, s, p.ID)

	if _, err := s.CreateMessage(ctx, &Message{ConversationID: c.ID, Role: RoleUser, Response: "hi"}); err != nil {
		t.Fatalf("create message: %v", err)
	}
	if err := s.DeleteConversation(ctx, c.ID); err != nil {
		t.Fatalf("delete conversation: %v", err)
	}
	if _, err := s.GetConversation(ctx, c.ID); err != ErrNotFound {
		t.Fatalf("get deleted conversation: err = %v, want ErrNotFound", err)
	}
	msgs, err := s.ListMessages(ctx, c.ID)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("messages survived conversation delete: %d", len(msgs))
	}
}

func TestDeleteExpiredConversations(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := seedUser(t, s, 0)
	p := seedProfile(t, s, u.ID)

	past := time.Now().Add(-time.Hour).Unix()
	future := time.Now().Add(time.Hour).Unix()
	expired, err := s.CreateConversation(ctx, &Conversation{ProfileID: p.ID, Title: "old", Temporary: true, ExpiresTs: &past})
	if err != nil {
		t.Fatalf("create expired: %v", err)
	}
	alive, err := s.CreateConversation(ctx, &Conversation{ProfileID: p.ID, Title: "new", Temporary: true, ExpiresTs: &future})
	if err != nil {
		t.Fatalf("create alive: %v", err)
	}
	permanent := seedConversation(t, s, p.ID)

	n, err := s.DeleteExpiredConversations(ctx, time.Now())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("swept %d conversations, want 1", n)
	}
	if _, err := s.GetConversation(ctx, expired.ID); err != ErrNotFound {
		t.Fatalf("expired conversation still present: %v", err)
	}
	for _, id := range []string{alive.ID, permanent.ID} {
		if _, err := s.GetConversation(ctx, id); err != nil {
			t.Fatalf("conversation %s should survive sweep: %v", id, err)
		}
	}
}

func TestCustomizationRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := seedUser(t, s, 0)
	p := seedProfile(t, s, u.ID)

	got, err := s.GetCustomization(ctx, p.ID)
	if err != nil {
		t.Fatalf("get missing customization: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil customization, got %+v", got)
	}

	c := &Customization{ProfileID: p.ID, SystemName: "Ada", SystemTraits: "curious, terse"}
	if err := s.UpsertCustomization(ctx, c); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	c.SystemBio = "writes compilers"
	if err := s.UpsertCustomization(ctx, c); err != nil {
		t.Fatalf("upsert again: %v", err)
	}
	got, err = s.GetCustomization(ctx, p.ID)
	if err != nil {
		t.Fatalf("get customization: %v", err)
	}
	if got.SystemName != "Ada" || got.SystemBio != "writes compilers" {
		t.Fatalf("customization = %+v", got)
	}
}

func TestBYOKKeyRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := seedUser(t, s, 0)

	key, err := s.GetBYOKKey(ctx, u.ID)
	if err != nil {
		t.Fatalf("get missing key: %v", err)
	}
	if key != "" {
		t.Fatalf("expected empty key, got %q", key)
	}
	if err := s.SetBYOKKey(ctx, u.ID, "sk-one"); err != nil {
		t.Fatalf("set key: %v", err)
	}
	if err := s.SetBYOKKey(ctx, u.ID, "sk-two"); err != nil {
		t.Fatalf("replace key: %v", err)
	}
	key, err = s.GetBYOKKey(ctx, u.ID)
	if err != nil {
		t.Fatalf("get key: %v", err)
	}
	if key != "sk-two" {
		t.Fatalf("key = %q, want sk-two", key)
	}
}

func TestListConversationsPinnedFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := seedUser(t, s, 0)
	p := seedProfile(t, s, u.ID)

	a := seedConversation(t, s, p.ID)
	b := seedConversation(t, s, p.ID)
	pinned := true
	if err := s.UpdateConversation(ctx, &UpdateConversation{ID: a.ID, Pinned: &pinned}); err != nil {
		t.Fatalf("pin: %v", err)
	}

	convs, err := s.ListConversations(ctx, &FindConversation{ProfileID: p.ID})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(convs) != 2 {
		t.Fatalf("len = %d, want 2", len(convs))
	}
	if convs[0].ID != a.ID {
		t.Fatalf("pinned conversation not first, got %s want %s (b=%s)", convs[0].ID, a.ID, b.ID)
	}
}
