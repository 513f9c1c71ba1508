package gryag

import "golang.org/x/text/language"

// User-visible strings. The turn orchestrator and the tool dispatcher
// are the only emitters of user-facing text; everything they send goes
// through a Localizer so raw errors never leak into chats.

// String keys.
const (
	MsgFallback      = "fallback"
	MsgQuota         = "quota"
	MsgBanned        = "banned"
	MsgEmptyReply    = "empty_reply"
	MsgUnknownTool   = "unknown_tool"
	MsgToolThrottled = "tool_throttled"
	MsgToolError     = "tool_error"
)

var catalog = map[language.Tag]map[string]string{
	language.Ukrainian: {
		MsgFallback:      "мене тимчасово відключили від мозку, спробуй за хвилину",
		MsgQuota:         "та не строчи так, ліміт вичерпано. почекай годинку",
		MsgBanned:        "тобі тут слова не давали",
		MsgEmptyReply:    "мені нема чого сказати",
		MsgUnknownTool:   "невідомий інструмент",
		MsgToolThrottled: "ліміт на цю функцію вичерпано, спробуй пізніше",
		MsgToolError:     "інструмент впав, спробуй інакше",
	},
	language.English: {
		MsgFallback:      "I'm briefly unavailable; try again in a minute",
		MsgQuota:         "slow down, you're out of quota for this hour",
		MsgBanned:        "you're banned here",
		MsgEmptyReply:    "I have nothing to say",
		MsgUnknownTool:   "unknown tool",
		MsgToolThrottled: "feature limit reached, try again later",
		MsgToolError:     "the tool failed, try something else",
	},
}

var langMatcher = language.NewMatcher([]language.Tag{
	language.Ukrainian, // first tag is the default
	language.English,
})

// Localizer resolves user-visible strings for one configured language.
type Localizer struct {
	strings map[string]string
}

// NewLocalizer picks the closest supported language for a BCP 47 tag
// ("uk", "en-US"). Unknown tags fall back to Ukrainian.
func NewLocalizer(lang string) *Localizer {
	tag, _ := language.MatchStrings(langMatcher, lang)
	// The matcher can return a regional variant; walk back to a base
	// tag present in the catalog.
	base, _ := tag.Base()
	for t, strings := range catalog {
		b, _ := t.Base()
		if b == base {
			return &Localizer{strings: strings}
		}
	}
	return &Localizer{strings: catalog[language.Ukrainian]}
}

// T returns the localized string for key, or the key itself when the
// catalog has no entry.
func (l *Localizer) T(key string) string {
	if s, ok := l.strings[key]; ok {
		return s
	}
	return key
}
