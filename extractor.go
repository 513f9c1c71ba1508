package gryag

import (
	"context"
	"encoding/json"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// ExtractedFact is one fact parsed from the model's extraction reply.
type ExtractedFact struct {
	Category   string  `json:"category"`
	Key        string  `json:"key"`
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
	Evidence   string  `json:"evidence,omitempty"`
}

// ExtractFactsPrompt instructs the model to return a strictly shaped
// JSON list. Categories outside the closed set are dropped on parse.
const ExtractFactsPrompt = `You are a memory extraction system. Given one chat message, extract durable facts ABOUT THE SENDER.

Extract facts like:
- Personal info (location, age, family, languages)
- Preferences (food, music, tools, style)
- Skills and profession
- Character traits
- Opinions they state
- Relationships and people they mention

Rules:
- Only extract what the message clearly states or strongly implies
- category must be one of: personal, preference, skill, trait, opinion, relationship
- key is a short snake_case attribute name (location, profession, food, ...)
- value is the attribute value, short, in the message's language
- confidence in [0,1]; evidence quotes the supporting fragment
- Return [] if the message carries no durable fact

Return ONLY a JSON array, no extra text:
[{"category":"personal","key":"location","value":"Київ","confidence":0.9,"evidence":"я з Києва"}]`

// ExtractorConfig tunes the two-tier extraction strategy.
type ExtractorConfig struct {
	// LLMPass enables the second tier.
	LLMPass bool
	// MinRuleYield is the rule-pass yield at or above which the LLM
	// pass is skipped. Default 1.
	MinRuleYield int
	// MinChatActivity is the number of chat messages inside the
	// activity window required before the LLM pass may run. Default 5.
	MinChatActivity int
	// ActivityWindow bounds the activity check. Default 1 h.
	ActivityWindow time.Duration
	// Timeout bounds the LLM pass. Default 30 s.
	Timeout time.Duration
}

// DefaultExtractorConfig returns the standard guards.
func DefaultExtractorConfig() ExtractorConfig {
	return ExtractorConfig{
		LLMPass:         true,
		MinRuleYield:    1,
		MinChatActivity: 5,
		ActivityWindow:  time.Hour,
		Timeout:         30 * time.Second,
	}
}

// FactExtractor distills durable facts from chat messages with a
// high-precision rule pass and an optional guarded LLM pass. All
// failures are logged and swallowed; extraction never fails a turn.
type FactExtractor struct {
	facts    FactStore
	messages MessageStore
	provider Provider // nil disables the LLM pass
	cfg      ExtractorConfig
	log      *slog.Logger
	now      func() time.Time // test hook
}

// NewFactExtractor wires the extraction passes. provider may be nil,
// which leaves only the rule pass.
func NewFactExtractor(facts FactStore, messages MessageStore, provider Provider, cfg ExtractorConfig, log *slog.Logger) *FactExtractor {
	if cfg.MinRuleYield <= 0 {
		cfg.MinRuleYield = 1
	}
	if cfg.MinChatActivity <= 0 {
		cfg.MinChatActivity = 5
	}
	if cfg.ActivityWindow <= 0 {
		cfg.ActivityWindow = time.Hour
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if log == nil {
		log = nopLogger
	}
	return &FactExtractor{
		facts:    facts,
		messages: messages,
		provider: provider,
		cfg:      cfg,
		log:      log,
		now:      time.Now,
	}
}

// ExtractFromMessage runs both passes over one stored user message and
// upserts whatever they yield. Safe to call from a goroutine.
func (e *FactExtractor) ExtractFromMessage(ctx context.Context, m Message) {
	if m.UserID == 0 || !ShouldExtract(m.Text) {
		return
	}

	found := RuleFacts(m.Text)

	if len(found) < e.cfg.MinRuleYield && e.llmPassAllowed(ctx, m.ChatID) {
		found = append(found, e.llmPass(ctx, m.Text)...)
	}

	now := e.now().Unix()
	for _, f := range found {
		fact := Fact{
			EntityType:      EntityUser,
			EntityID:        m.UserID,
			ChatContext:     m.ChatID,
			Category:        f.Category,
			Key:             f.Key,
			Value:           f.Value,
			Confidence:      f.Confidence,
			EvidenceCount:   1,
			EvidenceText:    f.Evidence,
			SourceMessageID: m.ID,
			FirstObserved:   now,
			LastReinforced:  now,
			IsActive:        true,
		}
		if _, err := e.facts.UpsertFact(ctx, fact); err != nil {
			e.log.Error("fact upsert failed", "user", m.UserID, "key", f.Key, "error", err)
		}
	}
	if len(found) > 0 {
		e.log.Debug("facts extracted", "user", m.UserID, "chat", m.ChatID, "count", len(found))
	}
}

// llmPassAllowed applies the yield and activity guards.
func (e *FactExtractor) llmPassAllowed(ctx context.Context, chatID int64) bool {
	if !e.cfg.LLMPass || e.provider == nil {
		return false
	}
	since := e.now().Add(-e.cfg.ActivityWindow).Unix()
	rows, err := e.messages.MessagesSince(ctx, chatID, since, e.cfg.MinChatActivity)
	if err != nil {
		e.log.Warn("activity check failed", "chat", chatID, "error", err)
		return false
	}
	return len(rows) >= e.cfg.MinChatActivity
}

// llmPass asks the model for a strict JSON fact list.
func (e *FactExtractor) llmPass(ctx context.Context, text string) []ExtractedFact {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	resp, err := e.provider.Generate(ctx, GenerateRequest{
		Messages: []ChatMessage{
			SystemMessage(ExtractFactsPrompt),
			UserMessage(text),
		},
		Temperature: 0.2,
	})
	if err != nil {
		e.log.Warn("llm extraction failed", "error", err)
		return nil
	}
	return ParseExtractedFacts(resp.Content)
}

// ShouldExtract reports whether the message is worth running fact
// extraction on.
func ShouldExtract(text string) bool {
	trimmed := strings.TrimSpace(text)
	if len(trimmed) < 10 {
		return false
	}
	lower := strings.ToLower(trimmed)
	skip := []string{
		"ok", "okay", "thanks", "thank you", "thx", "ty",
		"yes", "no", "nice", "good", "great", "cool", "yep", "nope",
		"lol", "haha", "hmm", "hm", "oh", "ah",
		"ок", "окей", "ага", "угу", "так", "ні", "нє",
		"дяки", "дякую", "спасибі",
		"лол", "ахах", "ахаха", "хах", "хаха", "хм",
		"добре", "норм", "клас", "зрозуміло", "ясно",
	}
	for _, s := range skip {
		if lower == s {
			return false
		}
	}
	return true
}

// ParseExtractedFacts parses the model's extraction reply. Strips
// markdown code fences, locates the JSON array, drops entries outside
// the closed category set and clamps confidence to [0,1].
func ParseExtractedFacts(response string) []ExtractedFact {
	trimmed := strings.TrimSpace(response)

	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
		trimmed = strings.TrimSuffix(trimmed, "```")
		trimmed = strings.TrimSpace(trimmed)
	}

	start := strings.Index(trimmed, "[")
	if start == -1 {
		return nil
	}
	end := strings.LastIndex(trimmed, "]")
	if end == -1 || end < start {
		return nil
	}

	var raw []ExtractedFact
	if err := json.Unmarshal([]byte(trimmed[start:end+1]), &raw); err != nil {
		return nil
	}

	valid := make(map[string]bool, len(FactCategories))
	for _, c := range FactCategories {
		valid[c] = true
	}
	facts := raw[:0]
	for _, f := range raw {
		if !valid[f.Category] || f.Key == "" || f.Value == "" {
			continue
		}
		if f.Confidence <= 0 {
			f.Confidence = 0.5
		}
		if f.Confidence > 1 {
			f.Confidence = 1
		}
		facts = append(facts, f)
	}
	return facts
}

// --- Rule pass ---

// rulePattern maps one lexical pattern to a fact shape. The first
// capture group is the value.
type rulePattern struct {
	re         *regexp.Regexp
	category   string
	key        string
	confidence float64
}

// Value capture: up to three words, stopping at punctuation.
const factValue = `([\p{L}\p{N}'-]+(?:\s+[\p{L}\p{N}'-]+){0,2})`

// factPattern compiles expr anchored to a word start. Go's \b is
// ASCII-only, so Cyrillic patterns need an explicit boundary.
func factPattern(expr string) *regexp.Regexp {
	return regexp.MustCompile(`(?:^|[^\p{L}])` + expr + factValue)
}

var rulePatterns = []rulePattern{
	// Location.
	{factPattern(`(?:i'?m from|i am from|i live in)\s+`), "personal", "location", 0.9},
	{factPattern(`я (?:з|із|зі)\s+`), "personal", "location", 0.9},
	{factPattern(`я (?:живу|мешкаю) (?:в|у|на)\s+`), "personal", "location", 0.9},
	{factPattern(`я из\s+`), "personal", "location", 0.9},
	// Profession.
	{factPattern(`i work as (?:a |an )?`), "skill", "profession", 0.85},
	{factPattern(`я працюю\s+`), "skill", "profession", 0.85},
	{factPattern(`я работаю\s+`), "skill", "profession", 0.85},
	// Preference verbs.
	{factPattern(`i (?:love|really like)\s+`), "preference", "likes", 0.8},
	{factPattern(`i (?:hate|can'?t stand)\s+`), "preference", "dislikes", 0.8},
	{factPattern(`(?:люблю|обожнюю)\s+`), "preference", "likes", 0.8},
	{factPattern(`ненавиджу\s+`), "preference", "dislikes", 0.8},
	// Possession.
	{factPattern(`i have (?:a |an )?`), "personal", "has", 0.8},
	{factPattern(`у мене є\s+`), "personal", "has", 0.8},
	{factPattern(`у меня есть\s+`), "personal", "has", 0.8},
}

// stopValues never form a useful fact value on their own.
var stopValues = map[string]bool{
	"to": true, "a": true, "an": true, "the": true, "no": true,
	"не": true, "це": true, "то": true, "того": true, "цього": true,
}

// RuleFacts runs the lexical pattern pass over text. The text is NFKC
// normalized and lowercased first so the patterns stay
// language-agnostic over widths and ligatures.
func RuleFacts(text string) []ExtractedFact {
	normalized := strings.ToLower(norm.NFKC.String(text))
	var out []ExtractedFact
	seen := make(map[string]bool)
	for _, p := range rulePatterns {
		for _, match := range p.re.FindAllStringSubmatch(normalized, 2) {
			value := cleanFactValue(match[1])
			if value == "" || stopValues[value] {
				continue
			}
			dedup := p.category + "/" + p.key + "/" + value
			if seen[dedup] {
				continue
			}
			seen[dedup] = true
			out = append(out, ExtractedFact{
				Category:   p.category,
				Key:        p.key,
				Value:      value,
				Confidence: p.confidence,
				Evidence:   strings.TrimLeft(match[0], " \t.,!?;:@"),
			})
		}
	}
	return out
}

// cleanFactValue trims trailing punctuation and rejects oversized
// captures.
func cleanFactValue(v string) string {
	v = strings.Trim(strings.TrimSpace(v), `.,!?;:"'`)
	if v == "" || len(v) > 80 {
		return ""
	}
	return v
}

// NormalizeFactValue canonicalizes a fact value for equality checks:
// NFKC fold, lowercase, collapsed whitespace, trimmed punctuation. The
// store uses it to tell reinforcement from contradiction.
func NormalizeFactValue(v string) string {
	v = strings.ToLower(norm.NFKC.String(v))
	v = strings.Trim(v, `.,!?;:"' `)
	return strings.Join(strings.Fields(v), " ")
}
