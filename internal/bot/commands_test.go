package bot

import (
	"context"
	"strings"
	"testing"
	"time"

	gryag "github.com/ThatHunky/gryag-sub007"
)

// fakeStore stubs only the operations commands touch. Embedding the
// interface keeps the rest panicking loudly if a test wanders off.
type fakeStore struct {
	gryag.Store

	banned     map[int64]bool
	cleared    []int64
	stats      gryag.ChatStats
	facts      []gryag.Fact
	factsQuery struct {
		entityType  string
		entityID    int64
		chatContext int64
	}
	deletedFacts int64
	reputation   float64

	activePrompt *gryag.SystemPrompt
	setPrompts   []gryag.SystemPrompt
	deactivated  []string
	prompts      []gryag.SystemPrompt
}

func newFakeStore() *fakeStore {
	return &fakeStore{banned: make(map[int64]bool), reputation: 1.0}
}

func (f *fakeStore) Ban(_ context.Context, _, userID int64) error {
	f.banned[userID] = true
	return nil
}

func (f *fakeStore) Unban(_ context.Context, _, userID int64) error {
	delete(f.banned, userID)
	return nil
}

func (f *fakeStore) ClearChat(_ context.Context, chatID int64) error {
	f.cleared = append(f.cleared, chatID)
	return nil
}

func (f *fakeStore) Stats(_ context.Context, _ int64) (gryag.ChatStats, error) {
	return f.stats, nil
}

func (f *fakeStore) ActiveFacts(_ context.Context, entityType string, entityID, chatContext int64, _ int) ([]gryag.Fact, error) {
	f.factsQuery.entityType = entityType
	f.factsQuery.entityID = entityID
	f.factsQuery.chatContext = chatContext
	return f.facts, nil
}

func (f *fakeStore) DeleteFactsFor(_ context.Context, _ string, _, _ int64) (int64, error) {
	return f.deletedFacts, nil
}

func (f *fakeStore) Reputation(_ context.Context, _ int64) (float64, error) {
	return f.reputation, nil
}

func (f *fakeStore) ActivePrompt(_ context.Context, _ string, _ int64) (*gryag.SystemPrompt, error) {
	return f.activePrompt, nil
}

func (f *fakeStore) SetPrompt(_ context.Context, p gryag.SystemPrompt) (gryag.SystemPrompt, error) {
	p.ID = "p-1"
	p.Version = len(f.setPrompts) + 1
	p.IsActive = true
	f.setPrompts = append(f.setPrompts, p)
	return p, nil
}

func (f *fakeStore) DeactivatePrompt(_ context.Context, id string) error {
	f.deactivated = append(f.deactivated, id)
	return nil
}

func (f *fakeStore) ListPrompts(_ context.Context, _ string, _ int64) ([]gryag.SystemPrompt, error) {
	return f.prompts, nil
}

// fakeFrontend captures replies.
type fakeFrontend struct {
	gryag.Frontend
	sent    []string
	replyTo []string
}

func (f *fakeFrontend) SendText(_ context.Context, _ int64, text string, replyTo string) (string, error) {
	f.sent = append(f.sent, text)
	f.replyTo = append(f.replyTo, replyTo)
	return "1", nil
}

func testCommands(t *testing.T, store *fakeStore, fe *fakeFrontend, admins []int64) *Commands {
	t.Helper()
	resolver := gryag.NewPromptResolver(store, "базова особистість", time.Hour, nil)
	return New(store, fe, resolver, nil, admins, nil, WithBotUsername("gryag_bot"))
}

func adminMsg(text string) gryag.IncomingMessage {
	return gryag.IncomingMessage{ChatID: -100, UserID: 1, MessageID: "10", Text: text, IsCommand: true}
}

func userMsg(text string) gryag.IncomingMessage {
	return gryag.IncomingMessage{ChatID: -100, UserID: 42, MessageID: "11", Text: text, IsCommand: true}
}

func lastReply(t *testing.T, fe *fakeFrontend) string {
	t.Helper()
	if len(fe.sent) == 0 {
		t.Fatal("no reply sent")
	}
	return fe.sent[len(fe.sent)-1]
}

func TestParseCommand(t *testing.T) {
	c := testCommands(t, newFakeStore(), &fakeFrontend{}, nil)

	tests := []struct {
		text     string
		wantCmd  string
		wantArgs int
		wantOK   bool
	}{
		{"/ban 55", "ban", 1, true},
		{"/BAN@Gryag_Bot 55", "ban", 1, true},
		{"/reset", "reset", 0, true},
		{"/start@other_bot", "", 0, false},
		{"not a command", "", 0, false},
		{"", "", 0, false},
	}
	for _, tt := range tests {
		cmd, args, ok := c.parse(tt.text)
		if ok != tt.wantOK {
			t.Errorf("parse(%q) ok = %v, want %v", tt.text, ok, tt.wantOK)
			continue
		}
		if !ok {
			continue
		}
		if cmd != tt.wantCmd || len(args) != tt.wantArgs {
			t.Errorf("parse(%q) = (%q, %d args), want (%q, %d)", tt.text, cmd, len(args), tt.wantCmd, tt.wantArgs)
		}
	}
}

func TestUnknownCommandPassesThrough(t *testing.T) {
	fe := &fakeFrontend{}
	c := testCommands(t, newFakeStore(), fe, []int64{1})

	if c.HandleCommand(context.Background(), adminMsg("/weirdcommand")) {
		t.Error("unknown command should not be handled")
	}
	if len(fe.sent) != 0 {
		t.Errorf("unknown command should not reply, got %v", fe.sent)
	}
}

func TestOtherBotCommandIgnored(t *testing.T) {
	fe := &fakeFrontend{}
	c := testCommands(t, newFakeStore(), fe, []int64{1})

	if c.HandleCommand(context.Background(), adminMsg("/ban@another_bot 55")) {
		t.Error("another bot's command should pass through")
	}
}

func TestBanRequiresAdmin(t *testing.T) {
	store := newFakeStore()
	fe := &fakeFrontend{}
	c := testCommands(t, store, fe, []int64{1})

	if !c.HandleCommand(context.Background(), userMsg("/ban 55")) {
		t.Fatal("command should be handled")
	}
	if len(store.banned) != 0 {
		t.Error("non-admin must not ban")
	}
	if !strings.Contains(lastReply(t, fe), "адмін") {
		t.Errorf("denial reply = %q", lastReply(t, fe))
	}
}

func TestBanAndUnban(t *testing.T) {
	store := newFakeStore()
	fe := &fakeFrontend{}
	c := testCommands(t, store, fe, []int64{1})

	c.HandleCommand(context.Background(), adminMsg("/ban 55"))
	if !store.banned[55] {
		t.Fatal("user 55 should be banned")
	}
	if fe.replyTo[0] != "10" {
		t.Errorf("reply should reference the command message, got %q", fe.replyTo[0])
	}

	c.HandleCommand(context.Background(), adminMsg("/unban 55"))
	if store.banned[55] {
		t.Error("user 55 should be unbanned")
	}
}

func TestBanUsage(t *testing.T) {
	store := newFakeStore()
	fe := &fakeFrontend{}
	c := testCommands(t, store, fe, []int64{1})

	c.HandleCommand(context.Background(), adminMsg("/ban"))
	if !strings.Contains(lastReply(t, fe), "/ban 12345") {
		t.Errorf("usage reply = %q", lastReply(t, fe))
	}

	c.HandleCommand(context.Background(), adminMsg("/ban nonsense"))
	if !strings.Contains(lastReply(t, fe), "не схоже на id") {
		t.Errorf("bad id reply = %q", lastReply(t, fe))
	}
}

func TestResetClearsChat(t *testing.T) {
	store := newFakeStore()
	fe := &fakeFrontend{}
	c := testCommands(t, store, fe, []int64{1})

	c.HandleCommand(context.Background(), adminMsg("/reset"))
	if len(store.cleared) != 1 || store.cleared[0] != -100 {
		t.Errorf("cleared = %v, want [-100]", store.cleared)
	}
}

func TestChatInfo(t *testing.T) {
	store := newFakeStore()
	store.stats = gryag.ChatStats{Messages: 120, Facts: 7, Episodes: 3, Summaries: 2, FirstMessageTS: 1700000000}
	fe := &fakeFrontend{}
	c := testCommands(t, store, fe, []int64{1})

	c.HandleCommand(context.Background(), adminMsg("/chatinfo"))
	got := lastReply(t, fe)
	for _, want := range []string{"120", "7", "3", "2", "2023-11-14"} {
		if !strings.Contains(got, want) {
			t.Errorf("chatinfo %q missing %s", got, want)
		}
	}
}

func TestFactsSelf(t *testing.T) {
	store := newFakeStore()
	store.facts = []gryag.Fact{
		{Category: "personal", Key: "location", Value: "Київ", Confidence: 0.9},
		{Category: "preference", Key: "food", Value: "борщ", Confidence: 0.75},
	}
	fe := &fakeFrontend{}
	c := testCommands(t, store, fe, []int64{1})

	c.HandleCommand(context.Background(), userMsg("/facts"))
	got := lastReply(t, fe)
	if !strings.Contains(got, "personal/location: Київ (0.90)") {
		t.Errorf("facts reply = %q", got)
	}
	if store.factsQuery.entityType != gryag.EntityUser || store.factsQuery.entityID != 42 {
		t.Errorf("query = %+v, want user 42", store.factsQuery)
	}
}

func TestFactsOtherUserNeedsAdmin(t *testing.T) {
	store := newFakeStore()
	fe := &fakeFrontend{}
	c := testCommands(t, store, fe, []int64{1})

	c.HandleCommand(context.Background(), userMsg("/facts 7"))
	if !strings.Contains(lastReply(t, fe), "адмін") {
		t.Errorf("reply = %q", lastReply(t, fe))
	}

	c.HandleCommand(context.Background(), adminMsg("/facts 7"))
	if store.factsQuery.entityID != 7 {
		t.Errorf("admin lookup entity = %d, want 7", store.factsQuery.entityID)
	}
}

func TestFactsEmpty(t *testing.T) {
	fe := &fakeFrontend{}
	c := testCommands(t, newFakeStore(), fe, nil)

	c.HandleCommand(context.Background(), userMsg("/facts"))
	if !strings.Contains(lastReply(t, fe), "пам'ятаю") {
		t.Errorf("reply = %q", lastReply(t, fe))
	}
}

func TestChatFacts(t *testing.T) {
	store := newFakeStore()
	store.facts = []gryag.Fact{{Category: "tradition", Key: "greeting", Value: "прівєт", Confidence: 0.8}}
	fe := &fakeFrontend{}
	c := testCommands(t, store, fe, []int64{1})

	c.HandleCommand(context.Background(), adminMsg("/chatfacts"))
	if store.factsQuery.entityType != gryag.EntityChat || store.factsQuery.entityID != -100 {
		t.Errorf("query = %+v, want chat -100", store.factsQuery)
	}
	if !strings.Contains(lastReply(t, fe), "tradition/greeting") {
		t.Errorf("reply = %q", lastReply(t, fe))
	}
}

func TestChatReset(t *testing.T) {
	store := newFakeStore()
	store.deletedFacts = 4
	fe := &fakeFrontend{}
	c := testCommands(t, store, fe, []int64{1})

	c.HandleCommand(context.Background(), adminMsg("/chatreset"))
	if !strings.Contains(lastReply(t, fe), "(4)") {
		t.Errorf("reply = %q", lastReply(t, fe))
	}
}

func TestProfileWithoutLimiter(t *testing.T) {
	fe := &fakeFrontend{}
	c := testCommands(t, newFakeStore(), fe, nil)

	c.HandleCommand(context.Background(), userMsg("/profile"))
	if !strings.Contains(lastReply(t, fe), "вимкнено") {
		t.Errorf("reply = %q", lastReply(t, fe))
	}
}

func TestPromptSetAndList(t *testing.T) {
	store := newFakeStore()
	fe := &fakeFrontend{}
	c := testCommands(t, store, fe, []int64{1})

	c.HandleCommand(context.Background(), adminMsg("/prompt set ти ввічливий бот"))
	if len(store.setPrompts) != 1 {
		t.Fatalf("setPrompts = %d, want 1", len(store.setPrompts))
	}
	p := store.setPrompts[0]
	if p.Scope != gryag.ScopeChat || p.ChatID != -100 || p.Text != "ти ввічливий бот" {
		t.Errorf("stored prompt = %+v", p)
	}
	if !strings.Contains(lastReply(t, fe), "v1") {
		t.Errorf("reply = %q", lastReply(t, fe))
	}

	store.prompts = []gryag.SystemPrompt{
		{Version: 1, IsActive: true, Text: "ти ввічливий бот", CreatedAt: 1700000000},
	}
	c.HandleCommand(context.Background(), adminMsg("/prompt list"))
	got := lastReply(t, fe)
	if !strings.Contains(got, "*v1") || !strings.Contains(got, "2023-11-14") {
		t.Errorf("list reply = %q", got)
	}
}

func TestPromptSetGlobal(t *testing.T) {
	store := newFakeStore()
	fe := &fakeFrontend{}
	c := testCommands(t, store, fe, []int64{1})

	c.HandleCommand(context.Background(), adminMsg("/prompt set global будь лаконічним"))
	if len(store.setPrompts) != 1 {
		t.Fatalf("setPrompts = %d, want 1", len(store.setPrompts))
	}
	p := store.setPrompts[0]
	if p.Scope != gryag.ScopeGlobal || p.ChatID != 0 || p.Text != "будь лаконічним" {
		t.Errorf("stored prompt = %+v", p)
	}
}

func TestPromptReset(t *testing.T) {
	store := newFakeStore()
	store.activePrompt = &gryag.SystemPrompt{ID: "p-9", Scope: gryag.ScopeChat}
	fe := &fakeFrontend{}
	c := testCommands(t, store, fe, []int64{1})

	c.HandleCommand(context.Background(), adminMsg("/prompt reset"))
	if len(store.deactivated) != 1 || store.deactivated[0] != "p-9" {
		t.Errorf("deactivated = %v, want [p-9]", store.deactivated)
	}
}

func TestPromptResetNoActive(t *testing.T) {
	store := newFakeStore()
	fe := &fakeFrontend{}
	c := testCommands(t, store, fe, []int64{1})

	c.HandleCommand(context.Background(), adminMsg("/prompt reset"))
	if !strings.Contains(lastReply(t, fe), "немає") {
		t.Errorf("reply = %q", lastReply(t, fe))
	}
}

func TestPromptShowsFallback(t *testing.T) {
	store := newFakeStore()
	fe := &fakeFrontend{}
	c := testCommands(t, store, fe, []int64{1})

	c.HandleCommand(context.Background(), adminMsg("/prompt"))
	if !strings.Contains(lastReply(t, fe), "базова особистість") {
		t.Errorf("reply = %q", lastReply(t, fe))
	}
}

func TestDonate(t *testing.T) {
	fe := &fakeFrontend{}
	c := testCommands(t, newFakeStore(), fe, nil)

	if !c.HandleCommand(context.Background(), userMsg("/donate")) {
		t.Fatal("donate should be handled for everyone")
	}
	if !strings.Contains(lastReply(t, fe), "monobank") {
		t.Errorf("reply = %q", lastReply(t, fe))
	}
}

func TestCommandListCoversSurface(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range CommandList() {
		names[c.Command] = true
	}
	for _, want := range []string{"ban", "unban", "reset", "chatinfo", "profile", "facts", "chatfacts", "chatreset", "prompt", "donate"} {
		if !names[want] {
			t.Errorf("command list missing %s", want)
		}
	}
}
