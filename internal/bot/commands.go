// Package bot implements the admin command surface. Slash commands are
// intercepted ahead of the LLM pipeline; each is a thin caller of a
// repository or engine operation.
package bot

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	gryag "github.com/ThatHunky/gryag-sub007"
)

// Commands routes slash commands. It implements the engine's
// CommandHandler; a true return stops the turn pipeline.
type Commands struct {
	store     gryag.Store
	frontend  gryag.Frontend
	prompts   *gryag.PromptResolver
	limiter   *gryag.Limiter
	admins    map[int64]bool
	botName   string
	donateURL string
	log       *slog.Logger
}

// Option configures the command router.
type Option func(*Commands)

// WithBotUsername sets the username commands may be addressed to
// ("/ban@gryag_bot"). Commands addressed to another bot are ignored.
func WithBotUsername(name string) Option {
	return func(c *Commands) { c.botName = strings.ToLower(strings.TrimPrefix(name, "@")) }
}

// WithDonateURL overrides the /donate link.
func WithDonateURL(url string) Option {
	return func(c *Commands) { c.donateURL = url }
}

// New builds the command router. limiter may be nil when quotas are
// disabled; /profile then reports that.
func New(store gryag.Store, frontend gryag.Frontend, prompts *gryag.PromptResolver, limiter *gryag.Limiter, adminIDs []int64, log *slog.Logger, opts ...Option) *Commands {
	if log == nil {
		log = nopLogger
	}
	admins := make(map[int64]bool, len(adminIDs))
	for _, id := range adminIDs {
		admins[id] = true
	}
	c := &Commands{
		store:     store,
		frontend:  frontend,
		prompts:   prompts,
		limiter:   limiter,
		admins:    admins,
		donateURL: "https://send.monobank.ua/jar/gryag",
		log:       log,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// CommandList is the surface advertised to the platform via
// SetCommands.
func CommandList() []gryag.BotCommand {
	return []gryag.BotCommand{
		{Command: "ban", Description: "заблокувати користувача (admin)"},
		{Command: "unban", Description: "розблокувати користувача (admin)"},
		{Command: "reset", Description: "стерти пам'ять чату (admin)"},
		{Command: "chatinfo", Description: "статистика чату (admin)"},
		{Command: "profile", Description: "твоє використання квот"},
		{Command: "facts", Description: "що бот про тебе пам'ятає"},
		{Command: "chatfacts", Description: "факти про чат (admin)"},
		{Command: "chatreset", Description: "скинути факти чату (admin)"},
		{Command: "prompt", Description: "керування системним промптом (admin)"},
		{Command: "donate", Description: "підтримати бота"},
	}
}

// HandleCommand dispatches one slash command. It returns false for
// text that is not a command of this bot, letting the pipeline treat
// it as an ordinary message.
func (c *Commands) HandleCommand(ctx context.Context, in gryag.IncomingMessage) bool {
	cmd, args, ok := c.parse(in.Text)
	if !ok {
		return false
	}

	switch cmd {
	case "ban":
		c.requireAdmin(ctx, in, func() string { return c.ban(ctx, in, args, true) })
	case "unban":
		c.requireAdmin(ctx, in, func() string { return c.ban(ctx, in, args, false) })
	case "reset":
		c.requireAdmin(ctx, in, func() string { return c.reset(ctx, in) })
	case "chatinfo":
		c.requireAdmin(ctx, in, func() string { return c.chatInfo(ctx, in) })
	case "profile":
		c.reply(ctx, in, c.profile(ctx, in, args))
	case "facts":
		c.reply(ctx, in, c.facts(ctx, in, args))
	case "chatfacts":
		c.requireAdmin(ctx, in, func() string { return c.chatFacts(ctx, in) })
	case "chatreset":
		c.requireAdmin(ctx, in, func() string { return c.chatReset(ctx, in) })
	case "prompt":
		c.requireAdmin(ctx, in, func() string { return c.prompt(ctx, in, args) })
	case "donate":
		c.reply(ctx, in, "можеш закинути на банку: "+c.donateURL)
	default:
		// Unknown command, possibly another bot's. Not ours to answer.
		return false
	}
	return true
}

// parse splits "/cmd@bot arg arg" into its parts. ok is false when the
// text is not a command or is addressed to a different bot.
func (c *Commands) parse(text string) (cmd string, args []string, ok bool) {
	fields := strings.Fields(text)
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return "", nil, false
	}
	cmd = strings.TrimPrefix(fields[0], "/")
	if at := strings.IndexByte(cmd, '@'); at >= 0 {
		mention := strings.ToLower(cmd[at+1:])
		cmd = cmd[:at]
		if c.botName != "" && mention != c.botName {
			return "", nil, false
		}
	}
	return strings.ToLower(cmd), fields[1:], true
}

func (c *Commands) isAdmin(userID int64) bool { return c.admins[userID] }

// requireAdmin runs fn for admins and replies with a denial otherwise.
func (c *Commands) requireAdmin(ctx context.Context, in gryag.IncomingMessage, fn func() string) {
	if !c.isAdmin(in.UserID) {
		c.reply(ctx, in, "ця команда лише для адмінів")
		return
	}
	c.reply(ctx, in, fn())
}

func (c *Commands) reply(ctx context.Context, in gryag.IncomingMessage, text string) {
	if text == "" {
		return
	}
	if _, err := c.frontend.SendText(ctx, in.ChatID, text, in.MessageID); err != nil {
		c.log.Error("command reply failed", "chat", in.ChatID, "error", err)
	}
}

func (c *Commands) ban(ctx context.Context, in gryag.IncomingMessage, args []string, ban bool) string {
	verb := "/ban"
	if !ban {
		verb = "/unban"
	}
	if len(args) == 0 {
		return "вкажи id: " + verb + " 12345"
	}
	uid, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return "це не схоже на id: " + args[0]
	}
	if ban {
		err = c.store.Ban(ctx, in.ChatID, uid)
	} else {
		err = c.store.Unban(ctx, in.ChatID, uid)
	}
	if err != nil {
		c.log.Error("ban update failed", "chat", in.ChatID, "user", uid, "error", err)
		return "не вийшло, спробуй ще раз"
	}
	if ban {
		return fmt.Sprintf("користувач %d більше тут не говорить", uid)
	}
	return fmt.Sprintf("користувач %d знову може говорити", uid)
}

func (c *Commands) reset(ctx context.Context, in gryag.IncomingMessage) string {
	if err := c.store.ClearChat(ctx, in.ChatID); err != nil {
		c.log.Error("chat reset failed", "chat", in.ChatID, "error", err)
		return "не вийшло, спробуй ще раз"
	}
	return "пам'ять чату стерто"
}

func (c *Commands) chatInfo(ctx context.Context, in gryag.IncomingMessage) string {
	stats, err := c.store.Stats(ctx, in.ChatID)
	if err != nil {
		c.log.Error("chat stats failed", "chat", in.ChatID, "error", err)
		return "не вийшло, спробуй ще раз"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "чат %d:\n", in.ChatID)
	fmt.Fprintf(&b, "повідомлень: %d\n", stats.Messages)
	fmt.Fprintf(&b, "фактів: %d\n", stats.Facts)
	fmt.Fprintf(&b, "епізодів: %d\n", stats.Episodes)
	fmt.Fprintf(&b, "зведень: %d", stats.Summaries)
	if stats.FirstMessageTS > 0 {
		fmt.Fprintf(&b, "\nперше повідомлення: %s", time.Unix(stats.FirstMessageTS, 0).UTC().Format("2006-01-02"))
	}
	return b.String()
}

// profile reports usage stats: one's own, or any user's for admins.
func (c *Commands) profile(ctx context.Context, in gryag.IncomingMessage, args []string) string {
	uid := in.UserID
	if len(args) > 0 {
		if !c.isAdmin(in.UserID) {
			return "чужі профілі лише для адмінів"
		}
		parsed, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return "це не схоже на id: " + args[0]
		}
		uid = parsed
	}
	if c.limiter == nil {
		return "квоти вимкнено"
	}
	stats, err := c.limiter.UsageStats(ctx, uid, "")
	if err != nil {
		c.log.Error("usage stats failed", "user", uid, "error", err)
		return "не вийшло, спробуй ще раз"
	}
	rep, err := c.store.Reputation(ctx, uid)
	if err != nil {
		rep = 1.0
	}
	return fmt.Sprintf("користувач %d:\nза годину: %d\nза сьогодні: %d\nвідхилено за годину: %d\nрепутація: %.2f",
		uid, stats.UsedThisHour, stats.UsedToday, stats.ThrottledThisHour, rep)
}

// facts lists stored facts: one's own, or any user's for admins.
func (c *Commands) facts(ctx context.Context, in gryag.IncomingMessage, args []string) string {
	uid := in.UserID
	if len(args) > 0 {
		if !c.isAdmin(in.UserID) {
			return "чужі факти лише для адмінів"
		}
		parsed, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return "це не схоже на id: " + args[0]
		}
		uid = parsed
	}
	facts, err := c.store.ActiveFacts(ctx, gryag.EntityUser, uid, in.ChatID, 15)
	if err != nil {
		c.log.Error("facts lookup failed", "user", uid, "error", err)
		return "не вийшло, спробуй ще раз"
	}
	if len(facts) == 0 {
		return "нічого не пам'ятаю"
	}
	return formatFacts(facts)
}

func (c *Commands) chatFacts(ctx context.Context, in gryag.IncomingMessage) string {
	facts, err := c.store.ActiveFacts(ctx, gryag.EntityChat, in.ChatID, in.ChatID, 15)
	if err != nil {
		c.log.Error("chat facts lookup failed", "chat", in.ChatID, "error", err)
		return "не вийшло, спробуй ще раз"
	}
	if len(facts) == 0 {
		return "про цей чат нічого не записано"
	}
	return formatFacts(facts)
}

func (c *Commands) chatReset(ctx context.Context, in gryag.IncomingMessage) string {
	n, err := c.store.DeleteFactsFor(ctx, gryag.EntityChat, in.ChatID, in.ChatID)
	if err != nil {
		c.log.Error("chat facts reset failed", "chat", in.ChatID, "error", err)
		return "не вийшло, спробуй ще раз"
	}
	return fmt.Sprintf("факти чату скинуто (%d)", n)
}

func formatFacts(facts []gryag.Fact) string {
	var b strings.Builder
	for i, f := range facts {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "• %s/%s: %s (%.2f)", f.Category, f.Key, f.Value, f.Confidence)
	}
	return b.String()
}

// prompt manages the system prompt: `/prompt set [global] <text>`,
// `/prompt reset [global]`, `/prompt list [global]`, bare `/prompt`
// shows the text governing this chat.
func (c *Commands) prompt(ctx context.Context, in gryag.IncomingMessage, args []string) string {
	if len(args) == 0 {
		text := c.prompts.Resolve(ctx, in.ChatID, in.UserID)
		return "діючий промпт:\n" + clip(text, 500)
	}

	sub := strings.ToLower(args[0])
	rest := args[1:]
	scope, key := gryag.ScopeChat, in.ChatID
	if len(rest) > 0 && strings.EqualFold(rest[0], "global") {
		scope, key = gryag.ScopeGlobal, 0
		rest = rest[1:]
	}

	switch sub {
	case "set":
		text := strings.TrimSpace(strings.Join(rest, " "))
		if text == "" {
			return "вкажи текст: /prompt set <текст>"
		}
		p := gryag.SystemPrompt{
			AdminID: in.UserID,
			ChatID:  key,
			Scope:   scope,
			Text:    text,
		}
		stored, err := c.prompts.SetPrompt(ctx, p)
		if err != nil {
			c.log.Error("prompt set failed", "scope", scope, "error", err)
			return "не вийшло, спробуй ще раз"
		}
		return fmt.Sprintf("промпт встановлено (%s, v%d)", scope, stored.Version)

	case "reset":
		active, err := c.store.ActivePrompt(ctx, scope, key)
		if err != nil {
			c.log.Error("prompt lookup failed", "scope", scope, "error", err)
			return "не вийшло, спробуй ще раз"
		}
		if active == nil {
			return "активного промпта немає"
		}
		if err := c.prompts.DeactivatePrompt(ctx, active.ID); err != nil {
			c.log.Error("prompt reset failed", "scope", scope, "error", err)
			return "не вийшло, спробуй ще раз"
		}
		return fmt.Sprintf("промпт скинуто (%s)", scope)

	case "list":
		prompts, err := c.store.ListPrompts(ctx, scope, key)
		if err != nil {
			c.log.Error("prompt list failed", "scope", scope, "error", err)
			return "не вийшло, спробуй ще раз"
		}
		if len(prompts) == 0 {
			return "промптів ще не було"
		}
		var b strings.Builder
		for i, p := range prompts {
			if i > 0 {
				b.WriteString("\n")
			}
			mark := " "
			if p.IsActive {
				mark = "*"
			}
			fmt.Fprintf(&b, "%sv%d %s: %s", mark, p.Version,
				time.Unix(p.CreatedAt, 0).UTC().Format("2006-01-02"), clip(p.Text, 40))
		}
		return b.String()

	default:
		return "варіанти: /prompt set|reset|list"
	}
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && s[cut]&0xC0 == 0x80 {
		cut--
	}
	return s[:cut] + "…"
}

var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
