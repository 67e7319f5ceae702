package store

// Message roles as persisted. AI messages are stored under "ai" and mapped
// to the upstream "assistant" role at request-assembly time.
const (
	RoleUser = "user"
	RoleAI   = "ai"
)

type User struct {
	ID          string
	Email       string
	Name        string
	Credits     int
	IsPremium   bool
	BYOKEnabled bool
	CreatedTs   int64
	UpdatedTs   int64
}

type UpdateUser struct {
	ID          string
	Name        *string
	Credits     *int
	IsPremium   *bool
	BYOKEnabled *bool
}

type Profile struct {
	ID        string
	UserID    string
	Name      string
	IsActive  bool
	CreatedTs int64
}

// Customization holds the per-profile persona fields rendered into the
// system prompt.
type Customization struct {
	ProfileID    string
	SystemName   string
	SystemBio    string
	SystemTraits string
	SystemPrompt string
}

type Conversation struct {
	ID        string
	ProfileID string
	Title     string
	Summary   *string
	Pinned    bool
	Archived  bool
	Temporary bool
	ExpiresTs *int64
	CreatedTs int64
	UpdatedTs int64
}

type FindConversation struct {
	ProfileID       string
	IncludeArchived bool
}

type UpdateConversation struct {
	ID       string
	Title    *string
	Summary  *string
	Pinned   *bool
	Archived *bool
}

type Message struct {
	ID             string
	ConversationID string
	Role           string
	Response       string
	ModelName      string
	CreatedTs      int64
}
