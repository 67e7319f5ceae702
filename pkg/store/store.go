// Package store persists relay state in SQLite: users and their billing
// standing, profiles with persona customizations, conversations, and
// messages.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned by Get operations when no row matches.
var ErrNotFound = errors.New("store: not found")

type Store struct {
	db *sql.DB
}

// New opens (creating if needed) the SQLite database at path and applies
// the schema.
func New(ctx context.Context, path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("mkdir data dir: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// modernc sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY churn under concurrent turns.
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if err := s.ensureTables(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func newID() string {
	return uuid.NewString()
}

// ---- users ----

func (s *Store) CreateUser(ctx context.Context, u *User) (*User, error) {
	if u.ID == "" {
		u.ID = newID()
	}
	now := time.Now().Unix()
	u.CreatedTs, u.UpdatedTs = now, now
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO user (id, email, name, credits, is_premium, byok_enabled, created_ts, updated_ts)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.Email, u.Name, u.Credits, u.IsPremium, u.BYOKEnabled, u.CreatedTs, u.UpdatedTs)
	if err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	return u, nil
}

func (s *Store) GetUser(ctx context.Context, id string) (*User, error) {
	u := &User{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, email, name, credits, is_premium, byok_enabled, created_ts, updated_ts
		 FROM user WHERE id = ?`, id).
		Scan(&u.ID, &u.Email, &u.Name, &u.Credits, &u.IsPremium, &u.BYOKEnabled, &u.CreatedTs, &u.UpdatedTs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

func (s *Store) UpdateUser(ctx context.Context, upd *UpdateUser) error {
	set, args := []string{}, []any{}
	if upd.Name != nil {
		set, args = append(set, "name = ?"), append(args, *upd.Name)
	}
	if upd.Credits != nil {
		set, args = append(set, "credits = ?"), append(args, *upd.Credits)
	}
	if upd.IsPremium != nil {
		set, args = append(set, "is_premium = ?"), append(args, *upd.IsPremium)
	}
	if upd.BYOKEnabled != nil {
		set, args = append(set, "byok_enabled = ?"), append(args, *upd.BYOKEnabled)
	}
	if len(set) == 0 {
		return nil
	}
	set = append(set, "updated_ts = ?")
	args = append(args, time.Now().Unix(), upd.ID)
	res, err := s.db.ExecContext(ctx,
		"UPDATE user SET "+strings.Join(set, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DecrementCredits debits one credit if the balance is positive. It reports
// whether the debit happened; a false return with nil error means the user
// was already at zero.
func (s *Store) DecrementCredits(ctx context.Context, userID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE user SET credits = credits - 1, updated_ts = ? WHERE id = ? AND credits > 0`,
		time.Now().Unix(), userID)
	if err != nil {
		return false, fmt.Errorf("decrement credits: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) AddCredits(ctx context.Context, userID string, amount int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE user SET credits = credits + ?, updated_ts = ? WHERE id = ?`,
		amount, time.Now().Unix(), userID)
	if err != nil {
		return fmt.Errorf("add credits: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ---- byok credentials ----

func (s *Store) SetBYOKKey(ctx context.Context, userID, apiKey string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO byok_credential (user_id, api_key) VALUES (?, ?)
		 ON CONFLICT (user_id) DO UPDATE SET api_key = excluded.api_key`,
		userID, apiKey)
	if err != nil {
		return fmt.Errorf("set byok key: %w", err)
	}
	return nil
}

// GetBYOKKey returns the stored key for userID, or ("", nil) when none is
// stored.
func (s *Store) GetBYOKKey(ctx context.Context, userID string) (string, error) {
	var key string
	err := s.db.QueryRowContext(ctx,
		`SELECT api_key FROM byok_credential WHERE user_id = ?`, userID).Scan(&key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get byok key: %w", err)
	}
	return key, nil
}

// ---- profiles ----

func (s *Store) CreateProfile(ctx context.Context, p *Profile) (*Profile, error) {
	if p.ID == "" {
		p.ID = newID()
	}
	p.CreatedTs = time.Now().Unix()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO profile (id, user_id, name, is_active, created_ts) VALUES (?, ?, ?, ?, ?)`,
		p.ID, p.UserID, p.Name, p.IsActive, p.CreatedTs)
	if err != nil {
		return nil, fmt.Errorf("create profile: %w", err)
	}
	return p, nil
}

func (s *Store) GetProfile(ctx context.Context, id string) (*Profile, error) {
	p := &Profile{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, name, is_active, created_ts FROM profile WHERE id = ?`, id).
		Scan(&p.ID, &p.UserID, &p.Name, &p.IsActive, &p.CreatedTs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get profile: %w", err)
	}
	return p, nil
}

// GetActiveProfile returns the user's active profile, ErrNotFound when the
// user has none.
func (s *Store) GetActiveProfile(ctx context.Context, userID string) (*Profile, error) {
	p := &Profile{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, name, is_active, created_ts
		 FROM profile WHERE user_id = ? AND is_active = 1
		 ORDER BY created_ts LIMIT 1`, userID).
		Scan(&p.ID, &p.UserID, &p.Name, &p.IsActive, &p.CreatedTs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get active profile: %w", err)
	}
	return p, nil
}

// SetActiveProfile activates one profile and deactivates the user's others
// in a single transaction.
func (s *Store) SetActiveProfile(ctx context.Context, userID, profileID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx,
		`UPDATE profile SET is_active = 0 WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("deactivate profiles: %w", err)
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE profile SET is_active = 1 WHERE id = ? AND user_id = ?`, profileID, userID)
	if err != nil {
		return fmt.Errorf("activate profile: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

// ---- customizations ----

func (s *Store) UpsertCustomization(ctx context.Context, c *Customization) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO customization (profile_id, system_name, system_bio, system_traits, system_prompt)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (profile_id) DO UPDATE SET
			system_name = excluded.system_name,
			system_bio = excluded.system_bio,
			system_traits = excluded.system_traits,
			system_prompt = excluded.system_prompt`,
		c.ProfileID, c.SystemName, c.SystemBio, c.SystemTraits, c.SystemPrompt)
	if err != nil {
		return fmt.Errorf("upsert customization: %w", err)
	}
	return nil
}

// GetCustomization returns the persona fields for a profile, or (nil, nil)
// when the profile has never saved any.
func (s *Store) GetCustomization(ctx context.Context, profileID string) (*Customization, error) {
	c := &Customization{}
	err := s.db.QueryRowContext(ctx,
		`SELECT profile_id, system_name, system_bio, system_traits, system_prompt
		 FROM customization WHERE profile_id = ?`, profileID).
		Scan(&c.ProfileID, &c.SystemName, &c.SystemBio, &c.SystemTraits, &c.SystemPrompt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get customization: %w", err)
	}
	return c, nil
}

// ---- conversations ----

func (s *Store) CreateConversation(ctx context.Context, c *Conversation) (*Conversation, error) {
	if c.ID == "" {
		c.ID = newID()
	}
	now := time.Now().Unix()
	c.CreatedTs, c.UpdatedTs = now, now
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversation (id, profile_id, title, summary, pinned, archived, temporary, expires_ts, created_ts, updated_ts)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.ProfileID, c.Title, c.Summary, c.Pinned, c.Archived, c.Temporary, c.ExpiresTs, c.CreatedTs, c.UpdatedTs)
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	return c, nil
}

func (s *Store) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	c := &Conversation{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, profile_id, title, summary, pinned, archived, temporary, expires_ts, created_ts, updated_ts
		 FROM conversation WHERE id = ?`, id).
		Scan(&c.ID, &c.ProfileID, &c.Title, &c.Summary, &c.Pinned, &c.Archived, &c.Temporary, &c.ExpiresTs, &c.CreatedTs, &c.UpdatedTs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return c, nil
}

// ListConversations returns a profile's conversations, pinned first, most
// recently updated first within each group.
func (s *Store) ListConversations(ctx context.Context, find *FindConversation) ([]*Conversation, error) {
	q := `SELECT id, profile_id, title, summary, pinned, archived, temporary, expires_ts, created_ts, updated_ts
	      FROM conversation WHERE profile_id = ?`
	if !find.IncludeArchived {
		q += ` AND archived = 0`
	}
	q += ` ORDER BY pinned DESC, updated_ts DESC`
	rows, err := s.db.QueryContext(ctx, q, find.ProfileID)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()
	var out []*Conversation
	for rows.Next() {
		c := &Conversation{}
		if err := rows.Scan(&c.ID, &c.ProfileID, &c.Title, &c.Summary, &c.Pinned, &c.Archived, &c.Temporary, &c.ExpiresTs, &c.CreatedTs, &c.UpdatedTs); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) UpdateConversation(ctx context.Context, upd *UpdateConversation) error {
	set, args := []string{}, []any{}
	if upd.Title != nil {
		set, args = append(set, "title = ?"), append(args, *upd.Title)
	}
	if upd.Summary != nil {
		set, args = append(set, "summary = ?"), append(args, *upd.Summary)
	}
	if upd.Pinned != nil {
		set, args = append(set, "pinned = ?"), append(args, *upd.Pinned)
	}
	if upd.Archived != nil {
		set, args = append(set, "archived = ?"), append(args, *upd.Archived)
	}
	if len(set) == 0 {
		return nil
	}
	set = append(set, "updated_ts = ?")
	args = append(args, time.Now().Unix(), upd.ID)
	res, err := s.db.ExecContext(ctx,
		"UPDATE conversation SET "+strings.Join(set, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM conversation WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteExpiredConversations removes temporary conversations whose expiry
// has passed and returns how many were deleted.
func (s *Store) DeleteExpiredConversations(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM conversation WHERE expires_ts IS NOT NULL AND expires_ts <= ?`, now.Unix())
	if err != nil {
		return 0, fmt.Errorf("delete expired conversations: %w", err)
	}
	return res.RowsAffected()
}

// ---- messages ----

func (s *Store) CreateMessage(ctx context.Context, m *Message) (*Message, error) {
	if m.ID == "" {
		m.ID = newID()
	}
	if m.CreatedTs == 0 {
		m.CreatedTs = time.Now().UnixMilli()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO message (id, conversation_id, role, response, model_name, created_ts)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID, m.ConversationID, m.Role, m.Response, m.ModelName, m.CreatedTs)
	if err != nil {
		return nil, fmt.Errorf("create message: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE conversation SET updated_ts = ? WHERE id = ?`,
		time.Now().Unix(), m.ConversationID); err != nil {
		return nil, fmt.Errorf("touch conversation: %w", err)
	}
	return m, nil
}

func (s *Store) CountMessages(ctx context.Context, conversationID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM message WHERE conversation_id = ?`, conversationID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

// ListRecentMessages returns the newest limit messages of a conversation in
// chronological order.
func (s *Store) ListRecentMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, role, response, model_name, created_ts
		 FROM message WHERE conversation_id = ?
		 ORDER BY created_ts DESC, id DESC LIMIT ?`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent messages: %w", err)
	}
	defer rows.Close()
	var out []*Message
	for rows.Next() {
		m := &Message{}
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Response, &m.ModelName, &m.CreatedTs); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// ListMessages returns all messages of a conversation in chronological
// order.
func (s *Store) ListMessages(ctx context.Context, conversationID string) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, role, response, model_name, created_ts
		 FROM message WHERE conversation_id = ?
		 ORDER BY created_ts ASC, id ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()
	var out []*Message
	for rows.Next() {
		m := &Message{}
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Response, &m.ModelName, &m.CreatedTs); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ListCompactableMessages returns, in chronological order, every message of
// a conversation except its newest retain messages.
func (s *Store) ListCompactableMessages(ctx context.Context, conversationID string, retain int) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, role, response, model_name, created_ts
		 FROM message WHERE conversation_id = ? AND id NOT IN (
			SELECT id FROM message WHERE conversation_id = ?
			ORDER BY created_ts DESC, id DESC LIMIT ?
		 )
		 ORDER BY created_ts ASC, id ASC`, conversationID, conversationID, retain)
	if err != nil {
		return nil, fmt.Errorf("list compactable messages: %w", err)
	}
	defer rows.Close()
	var out []*Message
	for rows.Next() {
		m := &Message{}
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Response, &m.ModelName, &m.CreatedTs); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// CompactConversation writes the new rolling summary and deletes the
// summarized messages in a single transaction.
func (s *Store) CompactConversation(ctx context.Context, conversationID, summary string, messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	res, err := tx.ExecContext(ctx,
		`UPDATE conversation SET summary = ?, updated_ts = ? WHERE id = ?`,
		summary, time.Now().Unix(), conversationID)
	if err != nil {
		return fmt.Errorf("write summary: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	placeholders := strings.Repeat("?, ", len(messageIDs))
	placeholders = placeholders[:len(placeholders)-2]
	args := make([]any, 0, len(messageIDs)+1)
	args = append(args, conversationID)
	for _, id := range messageIDs {
		args = append(args, id)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM message WHERE conversation_id = ? AND id IN (`+placeholders+`)`, args...); err != nil {
		return fmt.Errorf("delete compacted messages: %w", err)
	}
	return tx.Commit()
}
