package gryag

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// memStore is an in-memory Store for engine tests. The sqlite driver
// has its own suite; these tests only need the contracts.
type memStore struct {
	mu         sync.Mutex
	nextID     int64
	messages   []Message
	facts      []Fact
	versions   []FactVersion
	episodes   []Episode
	summaries  []ChatSummary
	requests   []QuotaRequest
	reputation map[int64]float64
	bans       map[[2]int64]*Ban
	prompts    []SystemPrompt
	media      map[string]MediaCacheEntry
	now        func() time.Time
}

var _ Store = (*memStore)(nil)

func newMemStore() *memStore {
	return &memStore{
		reputation: make(map[int64]float64),
		bans:       make(map[[2]int64]*Ban),
		media:      make(map[string]MediaCacheEntry),
		now:        time.Now,
	}
}

func (s *memStore) Init(context.Context) error { return nil }
func (s *memStore) Close() error               { return nil }

// --- messages ---

func (s *memStore) AppendMessage(_ context.Context, msg Message) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	msg.ID = s.nextID
	s.messages = append(s.messages, msg)
	return msg.ID, nil
}

func (s *memStore) RecentMessages(_ context.Context, chatID, threadID int64, limit int) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pick := func(matchThread bool) []Message {
		var out []Message
		for i := len(s.messages) - 1; i >= 0 && len(out) < limit; i-- {
			m := s.messages[i]
			if m.ChatID != chatID {
				continue
			}
			if matchThread && m.ThreadID != threadID {
				continue
			}
			out = append(out, m)
		}
		return out
	}
	if threadID != 0 {
		if out := pick(true); len(out) > 0 {
			return out, nil
		}
	}
	return pick(false), nil
}

func (s *memStore) UpdateEmbedding(_ context.Context, id int64, vec []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.messages {
		if s.messages[i].ID == id {
			s.messages[i].Embedding = vec
			return nil
		}
	}
	return nil
}

func (s *memStore) SearchMessages(_ context.Context, chatID int64, query string, k int) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	needle := strings.ToLower(query)
	var out []Message
	for i := len(s.messages) - 1; i >= 0 && len(out) < k; i-- {
		m := s.messages[i]
		if m.ChatID == chatID && needle != "" && strings.Contains(strings.ToLower(m.Text), needle) {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *memStore) RecentWithEmbeddings(_ context.Context, chatID int64, limit int) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Message
	for i := len(s.messages) - 1; i >= 0 && len(out) < limit; i-- {
		m := s.messages[i]
		if m.ChatID == chatID && len(m.Embedding) > 0 {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *memStore) MessagesSince(_ context.Context, chatID, since int64, limit int) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Message
	for _, m := range s.messages {
		if m.ChatID == chatID && m.TS >= since {
			out = append(out, m)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (s *memStore) ActiveChats(_ context.Context, since int64) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[int64]bool)
	var out []int64
	for _, m := range s.messages {
		if m.TS >= since && !seen[m.ChatID] {
			seen[m.ChatID] = true
			out = append(out, m.ChatID)
		}
	}
	return out, nil
}

func (s *memStore) DeleteMessagesBefore(_ context.Context, cutoff int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.messages[:0]
	var removed int64
	for _, m := range s.messages {
		if m.TS < cutoff {
			removed++
			continue
		}
		kept = append(kept, m)
	}
	s.messages = kept
	return removed, nil
}

func (s *memStore) ClearChat(_ context.Context, chatID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.messages[:0]
	for _, m := range s.messages {
		if m.ChatID != chatID {
			kept = append(kept, m)
		}
	}
	s.messages = kept
	return nil
}

// --- facts ---

func (s *memStore) UpsertFact(_ context.Context, f Fact) (Fact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().Unix()
	for i := range s.facts {
		old := &s.facts[i]
		if old.EntityType != f.EntityType || old.EntityID != f.EntityID ||
			old.ChatContext != f.ChatContext || old.Category != f.Category || old.Key != f.Key {
			continue
		}
		fused := old.Confidence + 0.1*f.Confidence
		if fused > 1 {
			fused = 1
		}
		if NormalizeFactValue(old.Value) != NormalizeFactValue(f.Value) {
			change := "contradiction"
			if f.Confidence >= old.Confidence {
				change = "evolution"
				old.Value = f.Value
			}
			s.versions = append(s.versions, FactVersion{
				ID: int64(len(s.versions) + 1), FactID: old.ID,
				Value: f.Value, ChangeType: change, RecordedAt: now,
			})
		}
		old.Confidence = fused
		old.EvidenceCount++
		old.LastReinforced = now
		old.IsActive = true
		return *old, nil
	}
	s.nextID++
	f.ID = s.nextID
	if f.EvidenceCount == 0 {
		f.EvidenceCount = 1
	}
	f.IsActive = true
	s.facts = append(s.facts, f)
	return f, nil
}

func (s *memStore) ActiveFacts(_ context.Context, entityType string, entityID, chatContext int64, limit int) ([]Fact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Fact
	for _, f := range s.facts {
		if !f.IsActive || f.EntityType != entityType || f.EntityID != entityID {
			continue
		}
		if chatContext != 0 && f.ChatContext != 0 && f.ChatContext != chatContext {
			continue
		}
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastReinforced > out[j].LastReinforced })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) DeactivateFact(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.facts {
		if s.facts[i].ID == id {
			s.facts[i].IsActive = false
		}
	}
	return nil
}

func (s *memStore) DeleteFactsFor(_ context.Context, entityType string, entityID, chatContext int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.facts[:0]
	var removed int64
	for _, f := range s.facts {
		if f.EntityType == entityType && f.EntityID == entityID &&
			(chatContext == 0 || f.ChatContext == chatContext) {
			removed++
			continue
		}
		kept = append(kept, f)
	}
	s.facts = kept
	return removed, nil
}

func (s *memStore) DecayFacts(context.Context) (int64, error) { return 0, nil }

func (s *memStore) FactVersions(_ context.Context, factID int64) ([]FactVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []FactVersion
	for i := len(s.versions) - 1; i >= 0; i-- {
		if s.versions[i].FactID == factID {
			out = append(out, s.versions[i])
		}
	}
	return out, nil
}

// --- episodes ---

func (s *memStore) InsertEpisode(_ context.Context, ep Episode) (Episode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ep.ID == "" {
		ep.ID = NewID()
	}
	s.episodes = append(s.episodes, ep)
	return ep, nil
}

func (s *memStore) RecentEpisodes(_ context.Context, chatID int64, minImportance float64, k int) ([]Episode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Episode
	for i := range s.episodes {
		ep := &s.episodes[i]
		if ep.ChatID != chatID || ep.Importance < minImportance {
			continue
		}
		ep.AccessCount++
		ep.LastAccessed = s.now().Unix()
		out = append(out, *ep)
		if len(out) >= k {
			break
		}
	}
	return out, nil
}

func (s *memStore) SearchEpisodes(_ context.Context, chatID int64, query string, k int) ([]Episode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	needle := strings.ToLower(query)
	var out []Episode
	for _, ep := range s.episodes {
		if ep.ChatID != chatID {
			continue
		}
		if strings.Contains(strings.ToLower(ep.Topic), needle) ||
			strings.Contains(strings.ToLower(ep.Summary), needle) {
			out = append(out, ep)
			if len(out) >= k {
				break
			}
		}
	}
	return out, nil
}

// --- summaries ---

func (s *memStore) UpsertSummary(_ context.Context, sum ChatSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.summaries {
		old := &s.summaries[i]
		if old.ChatID == sum.ChatID && old.Type == sum.Type && old.PeriodStart == sum.PeriodStart {
			*old = sum
			return nil
		}
	}
	s.summaries = append(s.summaries, sum)
	return nil
}

func (s *memStore) LatestSummary(_ context.Context, chatID int64, typ string) (*ChatSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *ChatSummary
	for i := range s.summaries {
		sum := s.summaries[i]
		if sum.ChatID != chatID || sum.Type != typ {
			continue
		}
		if best == nil || sum.GeneratedAt > best.GeneratedAt {
			best = &sum
		}
	}
	return best, nil
}

// --- quotas ---

func (s *memStore) RecordRequest(_ context.Context, r QuotaRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, r)
	return nil
}

func (s *memStore) CountRequests(_ context.Context, userID int64, feature string, since int64) (int, error) {
	return s.countRequests(userID, feature, since, false), nil
}

func (s *memStore) CountThrottled(_ context.Context, userID int64, feature string, since int64) (int, error) {
	return s.countRequests(userID, feature, since, true), nil
}

func (s *memStore) countRequests(userID int64, feature string, since int64, throttled bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.requests {
		if r.UserID == userID && r.Throttled == throttled && r.RequestedAt >= since &&
			(feature == "" || r.Feature == feature) {
			n++
		}
	}
	return n
}

func (s *memStore) PruneRequestsBefore(_ context.Context, cutoff int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.requests[:0]
	var removed int64
	for _, r := range s.requests {
		if r.RequestedAt < cutoff {
			removed++
			continue
		}
		kept = append(kept, r)
	}
	s.requests = kept
	return removed, nil
}

func (s *memStore) Reputation(_ context.Context, userID int64) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.reputation[userID]; ok {
		return m, nil
	}
	return 1.0, nil
}

func (s *memStore) SetReputation(_ context.Context, userID int64, mult float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if mult < 0.5 {
		mult = 0.5
	}
	if mult > 2.0 {
		mult = 2.0
	}
	s.reputation[userID] = mult
	return nil
}

// --- bans ---

func (s *memStore) Ban(_ context.Context, chatID, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bans[[2]int64{chatID, userID}] = &Ban{ChatID: chatID, UserID: userID, TS: s.now().Unix()}
	return nil
}

func (s *memStore) Unban(_ context.Context, chatID, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.bans, [2]int64{chatID, userID})
	return nil
}

func (s *memStore) IsBanned(_ context.Context, chatID, userID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.bans[[2]int64{chatID, userID}]
	return ok, nil
}

func (s *memStore) BanNoticeDue(_ context.Context, chatID, userID int64, cooldown time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bans[[2]int64{chatID, userID}]
	if !ok {
		return false, nil
	}
	now := s.now().Unix()
	if b.LastNoticeTS != 0 && now-b.LastNoticeTS < int64(cooldown.Seconds()) {
		return false, nil
	}
	b.LastNoticeTS = now
	return true, nil
}

// --- prompts ---

func (s *memStore) ActivePrompt(_ context.Context, scope string, key int64) (*SystemPrompt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.prompts) - 1; i >= 0; i-- {
		p := s.prompts[i]
		if p.Scope == scope && p.IsActive && promptKey(p) == keyForScope(scope, key) {
			return &p, nil
		}
	}
	return nil, nil
}

func (s *memStore) SetPrompt(_ context.Context, p SystemPrompt) (SystemPrompt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	version := 1
	for i := range s.prompts {
		old := &s.prompts[i]
		if old.Scope == p.Scope && promptKey(*old) == promptKey(p) {
			if old.Version >= version {
				version = old.Version + 1
			}
			old.IsActive = false
		}
	}
	if p.ID == "" {
		p.ID = NewID()
	}
	p.Version = version
	p.IsActive = true
	now := s.now().Unix()
	p.CreatedAt, p.UpdatedAt, p.ActivatedAt = now, now, now
	s.prompts = append(s.prompts, p)
	return p, nil
}

func (s *memStore) DeactivatePrompt(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.prompts {
		if s.prompts[i].ID == id {
			s.prompts[i].IsActive = false
		}
	}
	return nil
}

func (s *memStore) ListPrompts(_ context.Context, scope string, key int64) ([]SystemPrompt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []SystemPrompt
	for i := len(s.prompts) - 1; i >= 0; i-- {
		p := s.prompts[i]
		if p.Scope == scope && promptKey(p) == keyForScope(scope, key) {
			out = append(out, p)
		}
	}
	return out, nil
}

func promptKey(p SystemPrompt) int64 {
	switch p.Scope {
	case ScopeChat:
		return p.ChatID
	case ScopePersonal:
		return p.AdminID
	default:
		return 0
	}
}

func keyForScope(scope string, key int64) int64 {
	if scope == ScopeGlobal {
		return 0
	}
	return key
}

// --- media cache ---

func (s *memStore) PutMedia(_ context.Context, e MediaCacheEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.media[e.MediaID] = e
	return nil
}

func (s *memStore) GetMedia(_ context.Context, mediaID string) (*MediaCacheEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.media[mediaID]
	if !ok || e.ExpiresAt < s.now().Unix() {
		return nil, nil
	}
	return &e, nil
}

func (s *memStore) PruneExpiredMedia(_ context.Context, now int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int64
	for id, e := range s.media {
		if e.ExpiresAt < now {
			delete(s.media, id)
			removed++
		}
	}
	return removed, nil
}

// --- stats ---

func (s *memStore) Stats(_ context.Context, chatID int64) (ChatStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var st ChatStats
	for _, m := range s.messages {
		if m.ChatID != chatID {
			continue
		}
		st.Messages++
		if st.FirstMessageTS == 0 || m.TS < st.FirstMessageTS {
			st.FirstMessageTS = m.TS
		}
		if m.TS > st.LastMessageTS {
			st.LastMessageTS = m.TS
		}
	}
	for _, f := range s.facts {
		if f.ChatContext == chatID || (f.EntityType == EntityChat && f.EntityID == chatID) {
			st.Facts++
		}
	}
	for _, ep := range s.episodes {
		if ep.ChatID == chatID {
			st.Episodes++
		}
	}
	for _, sum := range s.summaries {
		if sum.ChatID == chatID {
			st.Summaries++
		}
	}
	return st, nil
}

// --- provider stubs ---

type stubResult struct {
	resp GenerateResponse
	err  error
}

// stubProvider replays queued results; the final entry repeats forever.
type stubProvider struct {
	mu      sync.Mutex
	results []stubResult
	calls   int
}

var _ Provider = (*stubProvider)(nil)

func (s *stubProvider) next() (GenerateResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.results) == 0 {
		return GenerateResponse{Content: "ok"}, nil
	}
	r := s.results[0]
	if len(s.results) > 1 {
		s.results = s.results[1:]
	}
	return r.resp, r.err
}

func (s *stubProvider) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *stubProvider) Generate(context.Context, GenerateRequest) (GenerateResponse, error) {
	return s.next()
}

func (s *stubProvider) GenerateWithTools(context.Context, GenerateRequest, []ToolDefinition) (GenerateResponse, error) {
	return s.next()
}

func (s *stubProvider) Name() string { return "stub" }

// stubEmbedding returns a deterministic vector per text.
type stubEmbedding struct {
	mu    sync.Mutex
	err   error
	calls int
}

var _ EmbeddingProvider = (*stubEmbedding)(nil)

func (s *stubEmbedding) Embed(_ context.Context, texts []string) ([][]float32, error) {
	s.mu.Lock()
	s.calls++
	err := s.err
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = embedVec(t)
	}
	return out, nil
}

func (s *stubEmbedding) Dimensions() int { return 4 }
func (s *stubEmbedding) Name() string    { return "stub-embed" }

// embedVec hashes text into a small unit-ish vector so identical texts
// land on identical vectors.
func embedVec(text string) []float32 {
	var h [4]float32
	for i, r := range text {
		h[i%4] += float32(r%97) / 97
	}
	h[0] += 0.1 // never the zero vector
	return h[:]
}

// --- frontend stub ---

type sentText struct {
	chatID  int64
	text    string
	replyTo string
}

type sentMedia struct {
	chatID  int64
	kind    string
	caption string
}

type stubFrontend struct {
	mu     sync.Mutex
	in     chan IncomingMessage
	texts  []sentText
	medias []sentMedia
	files  map[string][]byte
	nextID int
}

var _ Frontend = (*stubFrontend)(nil)

func newStubFrontend() *stubFrontend {
	return &stubFrontend{
		in:    make(chan IncomingMessage, 16),
		files: make(map[string][]byte),
	}
}

func (f *stubFrontend) Poll(ctx context.Context) (<-chan IncomingMessage, error) {
	out := make(chan IncomingMessage)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-f.in:
				if !ok {
					return
				}
				select {
				case out <- m:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (f *stubFrontend) SendText(_ context.Context, chatID int64, text, replyTo string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.texts = append(f.texts, sentText{chatID: chatID, text: text, replyTo: replyTo})
	return "m" + strconv.Itoa(f.nextID), nil
}

func (f *stubFrontend) SendMedia(_ context.Context, chatID int64, kind string, _ []byte, _ string, caption string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.medias = append(f.medias, sentMedia{chatID: chatID, kind: kind, caption: caption})
	return "m" + strconv.Itoa(f.nextID), nil
}

func (f *stubFrontend) AnswerCallback(context.Context, string, string, bool) error { return nil }
func (f *stubFrontend) SetCommands(context.Context, []BotCommand) error            { return nil }
func (f *stubFrontend) SendTyping(context.Context, int64) error                    { return nil }

func (f *stubFrontend) DownloadFile(_ context.Context, fileID string) ([]byte, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.files[fileID], fileID, nil
}

func (f *stubFrontend) sentTexts() []sentText {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentText(nil), f.texts...)
}

func (f *stubFrontend) sentMedias() []sentMedia {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMedia(nil), f.medias...)
}

func (f *stubFrontend) putFile(fileID string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[fileID] = data
}

// --- tool mocks ---

type echoTool struct{}

func (echoTool) Definitions() []ToolDefinition {
	return []ToolDefinition{{Name: "echo", Description: "Echo the input", Parameters: json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}}}`)}}
}

func (echoTool) Execute(_ context.Context, _ string, args json.RawMessage) (ToolResult, error) {
	var in struct {
		Text string `json:"text"`
	}
	_ = json.Unmarshal(args, &in)
	return ToolResult{Content: "echo: " + in.Text}, nil
}

type panicTool struct{}

func (panicTool) Definitions() []ToolDefinition {
	return []ToolDefinition{{Name: "boom", Description: "Always panics"}}
}

func (panicTool) Execute(context.Context, string, json.RawMessage) (ToolResult, error) {
	panic("boom")
}

// pictureTool returns inline media alongside its text, like the image
// generation tool does.
type pictureTool struct{}

func (pictureTool) Definitions() []ToolDefinition {
	return []ToolDefinition{{Name: "picture", Description: "Draw a picture"}}
}

func (pictureTool) Execute(context.Context, string, json.RawMessage) (ToolResult, error) {
	return ToolResult{
		Content: "намалював",
		Media: []MediaData{{
			Kind:     MediaImage,
			MimeType: "image/png",
			Base64:   base64.StdEncoding.EncodeToString([]byte("png-bytes")),
		}},
	}, nil
}
