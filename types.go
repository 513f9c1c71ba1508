package gryag

import "encoding/json"

// --- Roles ---

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
	RoleTool      = "tool"
)

// --- Domain types (database records) ---

// Message is one observed chat event. Immutable after insert except for
// Embedding (filled asynchronously) and removal by the retention pruner.
type Message struct {
	ID         int64           `json:"id"`
	ChatID     int64           `json:"chat_id"`
	ThreadID   int64           `json:"thread_id,omitempty"` // 0 = no thread
	UserID     int64           `json:"user_id,omitempty"`
	Role       string          `json:"role"` // "user", "assistant", "system", "tool"
	Text       string          `json:"text"`
	Media      []Media         `json:"media,omitempty"`
	Embedding  []float32       `json:"-"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	ExternalID string          `json:"external_id,omitempty"` // transport message id
	ReplyToID  string          `json:"reply_to_id,omitempty"` // transport id of the replied-to message
	TS         int64           `json:"ts"`
}

// Media is one attachment carried by a message. FileID is the transport
// handle; Data holds the bytes once downloaded for the model.
type Media struct {
	Kind     string `json:"kind"` // "image", "audio", "video", "document"
	MIME     string `json:"mime"`
	FileID   string `json:"file_id,omitempty"`
	FileName string `json:"file_name,omitempty"`
	Size     int64  `json:"size,omitempty"`
	Duration int    `json:"duration,omitempty"`
	Width    int    `json:"width,omitempty"`
	Height   int    `json:"height,omitempty"`
	Data     []byte `json:"-"`
}

// Media kinds.
const (
	MediaImage    = "image"
	MediaAudio    = "audio"
	MediaVideo    = "video"
	MediaDocument = "document"
)

// Fact is a typed, confidence-scored assertion about a user or a chat.
// Unique by (EntityType, EntityID, ChatContext, Category, Key).
type Fact struct {
	ID              int64     `json:"id"`
	EntityType      string    `json:"entity_type"` // "user" or "chat"
	EntityID        int64     `json:"entity_id"`
	ChatContext     int64     `json:"chat_context,omitempty"` // 0 = not chat-scoped
	Category        string    `json:"category"`
	Key             string    `json:"key"`
	Value           string    `json:"value"`
	Confidence      float64   `json:"confidence"` // [0,1]
	EvidenceCount   int       `json:"evidence_count"`
	EvidenceText    string    `json:"evidence_text,omitempty"`
	SourceMessageID int64     `json:"source_message_id,omitempty"`
	FirstObserved   int64     `json:"first_observed"`
	LastReinforced  int64     `json:"last_reinforced"`
	IsActive        bool      `json:"is_active"`
	DecayRate       float64   `json:"decay_rate"`
	Embedding       []float32 `json:"-"`
}

// Fact entity types.
const (
	EntityUser = "user"
	EntityChat = "chat"
)

// FactCategories is the closed category set. Extracted facts outside it
// are dropped.
var FactCategories = []string{
	"personal", "preference", "skill", "trait", "opinion", "relationship",
}

// FactVersion records a value change for a fact key.
type FactVersion struct {
	ID         int64  `json:"id"`
	FactID     int64  `json:"fact_id"`
	Value      string `json:"value"`
	ChangeType string `json:"change_type"` // "evolution" or "contradiction"
	RecordedAt int64  `json:"recorded_at"`
}

// Episode is a finalized conversation window promoted to long-term memory.
type Episode struct {
	ID               string    `json:"id"`
	ChatID           int64     `json:"chat_id"`
	ThreadID         int64     `json:"thread_id,omitempty"`
	Topic            string    `json:"topic"`
	Summary          string    `json:"summary"`
	SummaryEmbedding []float32 `json:"-"`
	Importance       float64   `json:"importance"` // [0,1]
	EmotionalValence string    `json:"emotional_valence"`
	MessageIDs       []int64   `json:"message_ids"`
	ParticipantIDs   []int64   `json:"participant_ids"`
	Tags             []string  `json:"tags,omitempty"`
	CreatedAt        int64     `json:"created_at"`
	LastAccessed     int64     `json:"last_accessed"`
	AccessCount      int       `json:"access_count"`
}

// Emotional valence values for episodes.
const (
	ValencePositive = "positive"
	ValenceNegative = "negative"
	ValenceNeutral  = "neutral"
	ValenceMixed    = "mixed"
)

// ChatSummary is a periodic rollup of one chat. Unique per
// (ChatID, Type, PeriodStart); re-running the summarizer rewrites it.
type ChatSummary struct {
	ID          string `json:"id"`
	ChatID      int64  `json:"chat_id"`
	Type        string `json:"type"` // "7d" or "30d"
	PeriodStart int64  `json:"period_start"`
	PeriodEnd   int64  `json:"period_end"`
	Text        string `json:"text"`
	TokenCount  int    `json:"token_count"`
	GeneratedAt int64  `json:"generated_at"`
}

// Summary types.
const (
	SummaryWeekly  = "7d"
	SummaryMonthly = "30d"
)

// Ban blocks a user in one chat. LastNoticeTS throttles the ban notice.
type Ban struct {
	ChatID       int64 `json:"chat_id"`
	UserID       int64 `json:"user_id"`
	TS           int64 `json:"ts"`
	LastNoticeTS int64 `json:"last_notice_ts,omitempty"`
}

// SystemPrompt is one versioned persona text. At most one active row per
// (Scope, scope key); the scope key is ChatID for chat scope and AdminID
// for personal scope.
type SystemPrompt struct {
	ID          string `json:"id"`
	AdminID     int64  `json:"admin_id"`
	ChatID      int64  `json:"chat_id,omitempty"`
	Scope       string `json:"scope"` // "global", "chat", "personal"
	Text        string `json:"text"`
	IsActive    bool   `json:"is_active"`
	Version     int    `json:"version"`
	CreatedAt   int64  `json:"created_at"`
	UpdatedAt   int64  `json:"updated_at"`
	ActivatedAt int64  `json:"activated_at,omitempty"`
}

// Prompt scopes, in resolution order.
const (
	ScopePersonal = "personal"
	ScopeChat     = "chat"
	ScopeGlobal   = "global"
)

// MediaCacheEntry points at a downloaded media file kept for tool reuse.
type MediaCacheEntry struct {
	MediaID   string `json:"media_id"`
	ChatID    int64  `json:"chat_id"`
	UserID    int64  `json:"user_id,omitempty"`
	FilePath  string `json:"file_path"`
	MediaType string `json:"media_type"`
	ExpiresAt int64  `json:"expires_at"`
	CreatedAt int64  `json:"created_at"`
}

// QuotaRequest is one recorded feature request, kept for quota accounting.
type QuotaRequest struct {
	UserID      int64  `json:"user_id"`
	Feature     string `json:"feature"`
	RequestedAt int64  `json:"requested_at"`
	Throttled   bool   `json:"throttled"`
}

// UsageStats reports a user's consumption inside the current windows.
type UsageStats struct {
	UsedThisHour      int `json:"used_this_hour"`
	UsedToday         int `json:"used_today"`
	ThrottledThisHour int `json:"throttled_this_hour"`
}

// --- LLM protocol types ---

type ChatMessage struct {
	Role       string          `json:"role"` // "system", "user", "assistant", "tool"
	Content    string          `json:"content"`
	Media      []MediaData     `json:"media,omitempty"`
	ToolCalls  []ToolCall      `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	Metadata   json.RawMessage `json:"metadata,omitempty"` // provider-specific (e.g. Gemini thoughtSignature)
}

// MediaData is an inline media part ready for the model.
type MediaData struct {
	Kind     string `json:"kind"` // "image", "audio", "video", "document"
	MimeType string `json:"mime_type"`
	Base64   string `json:"base64"`
}

type ToolCall struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Args     json.RawMessage `json:"args"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

type GenerateRequest struct {
	Messages []ChatMessage `json:"messages"`
	// Temperature overrides the provider default when > 0. Background
	// jobs (summaries, episode titles) pin it low.
	Temperature float64 `json:"temperature,omitempty"`
}

type GenerateResponse struct {
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Usage     Usage      `json:"usage"`
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"` // JSON Schema
}

// ContextSnippet is one assembled prompt fragment with its source tier.
type ContextSnippet struct {
	Tier      string `json:"tier"` // "immediate", "recent", "relevant", "background", "episodic"
	Role      string `json:"role"`
	Content   string `json:"content"`
	MessageID int64  `json:"message_id,omitempty"` // 0 when not message-backed
}

// Context tiers, in prompt order.
const (
	TierImmediate  = "immediate"
	TierRecent     = "recent"
	TierRelevant   = "relevant"
	TierBackground = "background"
	TierEpisodic   = "episodic"
)

// --- Incoming message from the transport ---

// IncomingMessage is the normalized inbound event. The transport adapter
// fills ReplyToBot and IsDirect so the core never inspects wire formats.
type IncomingMessage struct {
	ChatID     int64
	ThreadID   int64
	MessageID  string
	UserID     int64
	UserName   string
	UserIsBot  bool
	ReplyToID  string
	ReplyToBot bool
	IsDirect   bool
	IsCommand  bool
	Text       string
	Caption    string
	Media      []Media
	TS         int64
}

// --- ChatMessage constructors ---

func UserMessage(text string) ChatMessage {
	return ChatMessage{Role: RoleUser, Content: text}
}

func SystemMessage(text string) ChatMessage {
	return ChatMessage{Role: RoleSystem, Content: text}
}

func AssistantMessage(text string) ChatMessage {
	return ChatMessage{Role: RoleAssistant, Content: text}
}

func ToolResultMessage(callID, content string) ChatMessage {
	return ChatMessage{Role: RoleTool, Content: content, ToolCallID: callID}
}
