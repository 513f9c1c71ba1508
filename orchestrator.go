package gryag

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"
)

// CommandHandler consumes admin slash commands. Implemented by
// internal/bot; the orchestrator hands such messages over untouched.
type CommandHandler interface {
	// HandleCommand processes one command message and reports whether
	// it was consumed.
	HandleCommand(ctx context.Context, in IncomingMessage) bool
}

// OrchestratorConfig carries the turn pipeline settings.
type OrchestratorConfig struct {
	// Workers is the turn pool size. Default 4.
	Workers int
	// QueueSize bounds the inbound channel; a full queue stalls the
	// poller. Default twice Workers.
	QueueSize int
	// TriggerPatterns classify a message as addressed. Invalid
	// patterns are logged and skipped.
	TriggerPatterns []string
	// AllowedChats, when non-empty, restricts ingress to these chats.
	AllowedChats []int64
	// BlockedChats are dropped at ingress.
	BlockedChats []int64
	// LLMTimeout bounds one model call. Default 45 s.
	LLMTimeout time.Duration
	// TurnTimeout bounds one whole turn. Default 3 min.
	TurnTimeout time.Duration
	// MaxToolRounds caps tool round-trips per turn. Default 2.
	MaxToolRounds int
	// MaxInlineMedia caps attachments downloaded for the model.
	// Default 4.
	MaxInlineMedia int
	// BanNoticeCooldown throttles the ban notice. Default 10 min.
	BanNoticeCooldown time.Duration
	// DrainGrace is the shutdown budget for in-flight turns.
	// Default 10 s.
	DrainGrace time.Duration
	// SendTyping shows a typing indicator while generating.
	SendTyping bool
}

// DefaultOrchestratorConfig returns the standard pipeline settings.
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		Workers:           4,
		LLMTimeout:        45 * time.Second,
		TurnTimeout:       3 * time.Minute,
		MaxToolRounds:     2,
		MaxInlineMedia:    4,
		BanNoticeCooldown: 10 * time.Minute,
		DrainGrace:        10 * time.Second,
		SendTyping:        true,
	}
}

// Orchestrator drives the turn pipeline: filter, persist, decide,
// quota, ban, context, LLM with tools, sanitize, send, persist, post.
// It is the only layer that turns errors into user-visible text.
type Orchestrator struct {
	frontend   Frontend
	provider   Provider
	embedding  EmbeddingProvider
	store      Store
	contextMgr *ContextManager
	prompts    *PromptResolver
	registry   *ToolRegistry
	dispatcher *Dispatcher
	limiter    *Limiter
	extractor  *FactExtractor
	episodes   *EpisodeMonitor
	sanitizer  *Sanitizer
	loc        *Localizer
	commands   CommandHandler
	tracer     Tracer
	docText    func(mime string, data []byte) (string, bool)
	log        *slog.Logger

	cfg      OrchestratorConfig
	triggers []*regexp.Regexp
	allowed  map[int64]bool
	blocked  map[int64]bool
	turns    *keyedMutex

	postWG sync.WaitGroup // fire-and-forget post work, drained in tests
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

func WithFrontend(f Frontend) OrchestratorOption {
	return func(o *Orchestrator) { o.frontend = f }
}
func WithProvider(p Provider) OrchestratorOption {
	return func(o *Orchestrator) { o.provider = p }
}
func WithEmbedding(e EmbeddingProvider) OrchestratorOption {
	return func(o *Orchestrator) { o.embedding = e }
}
func WithStore(s Store) OrchestratorOption {
	return func(o *Orchestrator) { o.store = s }
}
func WithContextManager(c *ContextManager) OrchestratorOption {
	return func(o *Orchestrator) { o.contextMgr = c }
}
func WithPromptResolver(p *PromptResolver) OrchestratorOption {
	return func(o *Orchestrator) { o.prompts = p }
}
func WithTools(r *ToolRegistry, d *Dispatcher) OrchestratorOption {
	return func(o *Orchestrator) { o.registry = r; o.dispatcher = d }
}
func WithLimiter(l *Limiter) OrchestratorOption {
	return func(o *Orchestrator) { o.limiter = l }
}
func WithExtractor(e *FactExtractor) OrchestratorOption {
	return func(o *Orchestrator) { o.extractor = e }
}
func WithEpisodeMonitor(m *EpisodeMonitor) OrchestratorOption {
	return func(o *Orchestrator) { o.episodes = m }
}
func WithCommandHandler(h CommandHandler) OrchestratorOption {
	return func(o *Orchestrator) { o.commands = h }
}
func WithTracer(t Tracer) OrchestratorOption {
	return func(o *Orchestrator) { o.tracer = t }
}

// WithDocumentText installs the document-to-text fallback used when an
// attachment cannot be inlined for the model (media.DocumentText).
func WithDocumentText(fn func(mime string, data []byte) (string, bool)) OrchestratorOption {
	return func(o *Orchestrator) { o.docText = fn }
}
func WithLogger(l *slog.Logger) OrchestratorOption {
	return func(o *Orchestrator) { o.log = l }
}

// NewOrchestrator builds the turn pipeline. Required dependencies are
// checked in Run, not here, so tests can assemble partial pipelines.
func NewOrchestrator(cfg OrchestratorConfig, opts ...OrchestratorOption) *Orchestrator {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 2 * cfg.Workers
	}
	if cfg.LLMTimeout <= 0 {
		cfg.LLMTimeout = 45 * time.Second
	}
	if cfg.TurnTimeout <= 0 {
		cfg.TurnTimeout = 3 * time.Minute
	}
	if cfg.MaxToolRounds <= 0 {
		cfg.MaxToolRounds = 2
	}
	if cfg.MaxInlineMedia <= 0 {
		cfg.MaxInlineMedia = 4
	}
	if cfg.BanNoticeCooldown <= 0 {
		cfg.BanNoticeCooldown = 10 * time.Minute
	}
	if cfg.DrainGrace <= 0 {
		cfg.DrainGrace = 10 * time.Second
	}

	o := &Orchestrator{
		cfg:       cfg,
		sanitizer: NewSanitizer(0),
		loc:       NewLocalizer(""),
		log:       nopLogger,
		turns:     newKeyedMutex(),
		allowed:   make(map[int64]bool),
		blocked:   make(map[int64]bool),
	}
	for _, opt := range opts {
		opt(o)
	}
	for _, id := range cfg.AllowedChats {
		o.allowed[id] = true
	}
	for _, id := range cfg.BlockedChats {
		o.blocked[id] = true
	}
	for _, pat := range cfg.TriggerPatterns {
		re, err := regexp.Compile("(?i)" + pat)
		if err != nil {
			o.log.Error("invalid trigger pattern", "pattern", pat, "error", err)
			continue
		}
		o.triggers = append(o.triggers, re)
	}
	return o
}

// Run starts polling and the worker pool. Blocks until ctx is
// cancelled, then drains in-flight turns within the grace window.
func (o *Orchestrator) Run(ctx context.Context) error {
	if o.frontend == nil || o.provider == nil || o.store == nil || o.contextMgr == nil {
		return fmt.Errorf("orchestrator requires Frontend, Provider, Store and ContextManager")
	}

	msgs, err := o.frontend.Poll(ctx)
	if err != nil {
		return fmt.Errorf("frontend poll: %w", err)
	}

	queue := make(chan IncomingMessage, o.cfg.QueueSize)
	var wg sync.WaitGroup
	for i := 0; i < o.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for in := range queue {
				o.process(in)
			}
		}()
	}
	o.log.Info("orchestrator running", "workers", o.cfg.Workers, "queue", o.cfg.QueueSize)

	// The blocking send is the backpressure: a full queue stops this
	// loop from draining the poll channel, which stalls the transport.
forward:
	for {
		select {
		case <-ctx.Done():
			break forward
		case in, ok := <-msgs:
			if !ok {
				break forward
			}
			select {
			case queue <- in:
			case <-ctx.Done():
				break forward
			}
		}
	}

	close(queue)
	done := make(chan struct{})
	go func() {
		wg.Wait()
		o.postWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		o.log.Info("orchestrator stopped")
	case <-time.After(o.cfg.DrainGrace):
		o.log.Warn("shutdown grace elapsed with turns in flight")
	}
	return nil
}

// process runs one turn on a detached context so shutdown does not
// abort a reply mid-send; the turn timeout bounds it instead.
func (o *Orchestrator) process(in IncomingMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.TurnTimeout)
	defer cancel()
	o.Handle(ctx, in)
}

// Handle runs the full state machine for one inbound message.
func (o *Orchestrator) Handle(ctx context.Context, in IncomingMessage) {
	// FILTERED
	if o.dropAtIngress(in) {
		return
	}
	// Consumed commands never enter chat history. Unconsumed ones
	// (another bot's, or no handler) flow on as ordinary messages.
	if in.IsCommand && o.commands != nil && o.commands.HandleCommand(ctx, in) {
		return
	}

	unlock := o.turns.Lock(in.ChatID, in.UserID)
	defer unlock()

	var span Span
	if o.tracer != nil {
		ctx, span = o.tracer.Start(ctx, "turn",
			Int64Attr("chat.id", in.ChatID),
			Int64Attr("user.id", in.UserID))
		defer span.End()
	}

	// PERSIST_USER
	stored, err := o.persistIncoming(ctx, in)
	if err != nil {
		o.log.Error("user message persist failed", "chat", in.ChatID, "error", err)
		if span != nil {
			span.Error(err)
		}
		return
	}
	o.enqueueEmbedding(stored)

	// ADDRESSED?
	addressed := o.Addressed(in)
	if span != nil {
		span.SetAttr(BoolAttr("turn.addressed", addressed))
	}
	if !addressed {
		o.trackEpisode(stored)
		return
	}

	// QUOTA
	if o.limiter != nil {
		ok, err := o.limiter.Allow(ctx, in.UserID)
		if err != nil {
			o.log.Error("quota check failed", "user", in.UserID, "error", err)
			ok = true
		}
		o.limiter.RecordUsage(ctx, in.UserID, FeatureChat, !ok)
		if !ok {
			if span != nil {
				span.SetAttr(BoolAttr("turn.throttled", true))
			}
			o.reply(ctx, in, o.loc.T(MsgQuota), nil)
			o.trackEpisode(stored)
			return
		}
	}

	// BAN
	banned, err := o.store.IsBanned(ctx, in.ChatID, in.UserID)
	if err != nil {
		o.log.Error("ban check failed", "chat", in.ChatID, "user", in.UserID, "error", err)
	}
	if banned {
		due, err := o.store.BanNoticeDue(ctx, in.ChatID, in.UserID, o.cfg.BanNoticeCooldown)
		if err != nil {
			o.log.Error("ban notice check failed", "error", err)
		}
		if due {
			o.reply(ctx, in, o.loc.T(MsgBanned), nil)
		}
		o.trackEpisode(stored)
		return
	}

	o.respond(ctx, in, stored, span)
}

// TurnInfo identifies the inbound turn. The orchestrator installs it on
// the context before dispatching tools; handlers that need the chat or
// user recover it via TurnFromContext.
type TurnInfo struct {
	ChatID   int64
	ThreadID int64
	UserID   int64
	UserName string
}

type turnCtxKey struct{}

// ContextWithTurn attaches turn identity for tool handlers.
func ContextWithTurn(ctx context.Context, t TurnInfo) context.Context {
	return context.WithValue(ctx, turnCtxKey{}, t)
}

// TurnFromContext retrieves the turn identity installed by the
// orchestrator, if any.
func TurnFromContext(ctx context.Context) (TurnInfo, bool) {
	t, ok := ctx.Value(turnCtxKey{}).(TurnInfo)
	return t, ok
}

// respond runs CONTEXT → LLM → SANITIZE → SEND → PERSIST_ASSISTANT →
// POST for an admitted, addressed turn.
func (o *Orchestrator) respond(ctx context.Context, in IncomingMessage, stored Message, span Span) {
	ctx = ContextWithTurn(ctx, TurnInfo{
		ChatID:   in.ChatID,
		ThreadID: in.ThreadID,
		UserID:   in.UserID,
		UserName: in.UserName,
	})

	if o.cfg.SendTyping {
		if err := o.frontend.SendTyping(ctx, in.ChatID); err != nil {
			o.log.Debug("typing indicator failed", "chat", in.ChatID, "error", err)
		}
	}

	query := messageText(in)

	// CONTEXT
	snippets, err := o.contextMgr.Assemble(ctx, in.ChatID, in.ThreadID, in.UserID, query)
	if err != nil {
		o.log.Error("context assembly failed", "chat", in.ChatID, "error", err)
	}
	if span != nil {
		span.SetAttr(IntAttr("context.snippets", len(snippets)))
	}

	messages := o.buildMessages(ctx, in, stored, snippets, query)

	// LLM with bounded tool round-trips.
	final, toolMedia, err := o.generate(ctx, in, messages, span)
	if err != nil {
		o.log.Warn("turn generation failed", "chat", in.ChatID, "error", err)
		if span != nil {
			span.Error(err)
		}
		o.reply(ctx, in, o.loc.T(MsgFallback), nil)
		o.trackEpisode(stored)
		return
	}

	// SANITIZE
	final = o.sanitizer.Clean(final)
	if final == "" {
		final = o.loc.T(MsgEmptyReply)
	}

	// SEND
	sentID := o.reply(ctx, in, final, toolMedia)

	// PERSIST_ASSISTANT
	assistant := Message{
		ChatID:     in.ChatID,
		ThreadID:   in.ThreadID,
		Role:       RoleAssistant,
		Text:       final,
		ExternalID: sentID,
		ReplyToID:  in.MessageID,
		TS:         NowUnix(),
	}
	assistant.ID, err = o.store.AppendMessage(ctx, assistant)
	if err != nil {
		o.log.Error("assistant message persist failed", "chat", in.ChatID, "error", err)
	} else {
		o.enqueueEmbedding(assistant)
	}

	// POST
	o.trackEpisode(stored)
	o.trackEpisode(assistant)
	o.enqueueExtraction(stored)
}

// generate drives the tool-calling loop, capped at MaxToolRounds
// round-trips; once the cap is hit the last textual output wins.
func (o *Orchestrator) generate(ctx context.Context, in IncomingMessage, messages []ChatMessage, span Span) (string, []MediaData, error) {
	var defs []ToolDefinition
	if o.registry != nil {
		defs = o.registry.AllDefinitions()
	}

	var toolMedia []MediaData
	resp, err := o.callModel(ctx, messages, defs)
	if err != nil {
		return "", nil, err
	}

	for round := 0; len(resp.ToolCalls) > 0 && round < o.cfg.MaxToolRounds; round++ {
		if o.dispatcher == nil {
			break
		}
		messages = append(messages, ChatMessage{
			Role:      RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		for _, call := range resp.ToolCalls {
			if span != nil {
				span.Event("tool_call", StringAttr("tool.name", call.Name))
			}
			res := o.dispatcher.Dispatch(ctx, in.UserID, call)
			toolMedia = append(toolMedia, res.Media...)
			messages = append(messages, ToolResultMessage(call.ID, string(FunctionResponse(res))))
		}
		resp, err = o.callModel(ctx, messages, defs)
		if err != nil {
			return "", nil, err
		}
	}
	return resp.Content, toolMedia, nil
}

func (o *Orchestrator) callModel(ctx context.Context, messages []ChatMessage, defs []ToolDefinition) (GenerateResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.LLMTimeout)
	defer cancel()
	req := GenerateRequest{Messages: messages}
	if len(defs) > 0 {
		return o.provider.GenerateWithTools(ctx, req, defs)
	}
	return o.provider.Generate(ctx, req)
}

// buildMessages renders persona + context tiers + the live turn. The
// stored row of the live message is excluded from the tier snippets so
// it appears exactly once, with its media attached.
func (o *Orchestrator) buildMessages(ctx context.Context, in IncomingMessage, stored Message, snippets []ContextSnippet, query string) []ChatMessage {
	persona := ""
	if o.prompts != nil {
		persona = o.prompts.Resolve(ctx, in.ChatID, in.UserID)
	}

	messages := make([]ChatMessage, 0, len(snippets)+2)
	if persona != "" {
		messages = append(messages, SystemMessage(persona))
	}
	for _, s := range snippets {
		if s.MessageID != 0 && s.MessageID == stored.ID {
			continue
		}
		messages = append(messages, ChatMessage{Role: s.Role, Content: s.Content})
	}

	turn := ChatMessage{Role: RoleUser, Content: query}
	if in.UserID != 0 {
		meta := fmt.Sprintf("%s user=%d", metaSentinel, in.UserID)
		if in.UserName != "" {
			meta += " name=" + in.UserName
		}
		turn.Content = meta + "\n" + query
	}
	turn.Media, turn.Content = o.inlineMedia(ctx, in, turn.Content)
	return append(messages, turn)
}

// inlineMedia downloads the turn's attachments for the model, up to the
// configured cap. Documents the model cannot read fall back to
// extracted text appended to the turn.
func (o *Orchestrator) inlineMedia(ctx context.Context, in IncomingMessage, content string) ([]MediaData, string) {
	if len(in.Media) == 0 {
		return nil, content
	}
	var out []MediaData
	for _, m := range in.Media {
		if len(out) >= o.cfg.MaxInlineMedia {
			break
		}
		if m.FileID == "" {
			continue
		}
		data, _, err := o.frontend.DownloadFile(ctx, m.FileID)
		if err != nil {
			o.log.Warn("media download failed", "chat", in.ChatID, "file", m.FileID, "error", err)
			continue
		}
		out = append(out, MediaData{
			Kind:     m.Kind,
			MimeType: m.MIME,
			Base64:   base64.StdEncoding.EncodeToString(data),
		})
		if m.Kind == MediaDocument && o.docText != nil {
			if text, ok := o.docText(m.MIME, data); ok && text != "" {
				content += "\n\n[" + m.FileName + "]\n" + text
			}
		}
	}
	return out, content
}

// reply sends text (and any tool media) and returns the transport id of
// the first sent message.
func (o *Orchestrator) reply(ctx context.Context, in IncomingMessage, text string, media []MediaData) string {
	if len(media) > 0 {
		// The first media item carries the caption; the rest follow bare.
		var firstID string
		for i, m := range media {
			data, err := base64.StdEncoding.DecodeString(m.Base64)
			if err != nil {
				o.log.Error("tool media decode failed", "chat", in.ChatID, "error", err)
				continue
			}
			caption := ""
			if i == 0 {
				caption = text
			}
			id, err := o.frontend.SendMedia(ctx, in.ChatID, m.Kind, data, "", caption)
			if err != nil {
				o.log.Error("media send failed", "chat", in.ChatID, "error", err)
				continue
			}
			if firstID == "" {
				firstID = id
			}
		}
		if firstID != "" {
			return firstID
		}
		// All media sends failed; fall through to plain text.
	}
	id, err := o.frontend.SendText(ctx, in.ChatID, text, in.MessageID)
	if err != nil {
		o.log.Error("send failed", "chat", in.ChatID, "error", err)
		return ""
	}
	return id
}

// Addressed reports whether the message requests a response: a reply
// to the bot, a direct chat, or a trigger pattern hit.
func (o *Orchestrator) Addressed(in IncomingMessage) bool {
	if in.ReplyToBot || in.IsDirect {
		return true
	}
	text := messageText(in)
	for _, re := range o.triggers {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

// dropAtIngress applies the FILTERED rules: other bots, blocked chats,
// chats outside the allow list.
func (o *Orchestrator) dropAtIngress(in IncomingMessage) bool {
	if in.UserIsBot {
		return true
	}
	if o.blocked[in.ChatID] {
		return true
	}
	if len(o.allowed) > 0 && !o.allowed[in.ChatID] {
		return true
	}
	return false
}

func (o *Orchestrator) persistIncoming(ctx context.Context, in IncomingMessage) (Message, error) {
	msg := Message{
		ChatID:     in.ChatID,
		ThreadID:   in.ThreadID,
		UserID:     in.UserID,
		Role:       RoleUser,
		Text:       messageText(in),
		Media:      in.Media,
		ExternalID: in.MessageID,
		ReplyToID:  in.ReplyToID,
		TS:         in.TS,
	}
	if msg.TS == 0 {
		msg.TS = NowUnix()
	}
	if in.UserName != "" {
		meta, _ := json.Marshal(map[string]string{"user_name": in.UserName})
		msg.Metadata = meta
	}
	id, err := o.store.AppendMessage(ctx, msg)
	if err != nil {
		return Message{}, err
	}
	msg.ID = id
	return msg, nil
}

// enqueueEmbedding computes and stores the message embedding off-turn.
// Missing embeddings are permitted; consumers degrade gracefully.
func (o *Orchestrator) enqueueEmbedding(msg Message) {
	if o.embedding == nil || strings.TrimSpace(msg.Text) == "" {
		return
	}
	o.postWG.Add(1)
	go func() {
		defer o.postWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		vecs, err := o.embedding.Embed(ctx, []string{msg.Text})
		if err != nil || len(vecs) == 0 {
			o.log.Debug("embedding skipped", "message", msg.ID, "error", err)
			return
		}
		if err := o.store.UpdateEmbedding(ctx, msg.ID, vecs[0]); err != nil {
			o.log.Error("embedding store failed", "message", msg.ID, "error", err)
		}
	}()
}

// enqueueExtraction runs fact extraction off-turn.
func (o *Orchestrator) enqueueExtraction(msg Message) {
	if o.extractor == nil {
		return
	}
	o.postWG.Add(1)
	go func() {
		defer o.postWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		o.extractor.ExtractFromMessage(ctx, msg)
	}()
}

func (o *Orchestrator) trackEpisode(msg Message) {
	if o.episodes != nil && msg.ID != 0 {
		o.episodes.TrackMessage(msg)
	}
}

// WaitPost blocks until queued post-turn work (embeddings, extraction)
// finishes. Tests use it to avoid sleeping.
func (o *Orchestrator) WaitPost() {
	o.postWG.Wait()
}

// ProactiveTurn synthesizes an unprompted turn in chatID: it assembles
// context around the chat's latest traffic and speaks without a user
// query. Quota and ban checks do not apply; the caller gates frequency.
// Turn locks are keyed (chat, user) and the bot is its own principal
// here, so a proactive turn serializes against other proactive turns
// and may run beside a user's turn in the same chat, exactly as two
// users' turns may.
func (o *Orchestrator) ProactiveTurn(ctx context.Context, chatID, threadID int64) error {
	if o.blocked[chatID] || (len(o.allowed) > 0 && !o.allowed[chatID]) {
		return nil
	}
	unlock := o.turns.Lock(chatID, 0)
	defer unlock()

	recent, err := o.store.RecentMessages(ctx, chatID, threadID, 1)
	if err != nil {
		return fmt.Errorf("load latest message: %w", err)
	}
	if len(recent) == 0 || recent[0].Role != RoleUser {
		return nil
	}
	query := recent[0].Text

	snippets, err := o.contextMgr.Assemble(ctx, chatID, threadID, recent[0].UserID, query)
	if err != nil {
		return fmt.Errorf("assemble context: %w", err)
	}

	persona := ""
	if o.prompts != nil {
		persona = o.prompts.Resolve(ctx, chatID, recent[0].UserID)
	}
	messages := make([]ChatMessage, 0, len(snippets)+2)
	if persona != "" {
		messages = append(messages, SystemMessage(persona))
	}
	for _, s := range snippets {
		messages = append(messages, ChatMessage{Role: s.Role, Content: s.Content})
	}
	messages = append(messages, SystemMessage("Add one short, natural remark to the ongoing conversation. Do not greet, do not summarize, just carry the thread forward."))

	resp, err := o.callModel(ctx, messages, nil)
	if err != nil {
		return err
	}
	final := o.sanitizer.Clean(resp.Content)
	if final == "" {
		return nil
	}

	sentID, err := o.frontend.SendText(ctx, chatID, final, "")
	if err != nil {
		return fmt.Errorf("send proactive reply: %w", err)
	}
	assistant := Message{
		ChatID:     chatID,
		ThreadID:   threadID,
		Role:       RoleAssistant,
		Text:       final,
		ExternalID: sentID,
		TS:         NowUnix(),
	}
	if assistant.ID, err = o.store.AppendMessage(ctx, assistant); err != nil {
		return fmt.Errorf("persist proactive reply: %w", err)
	}
	o.enqueueEmbedding(assistant)
	o.trackEpisode(assistant)
	return nil
}

// messageText folds text and caption into the single turn text.
func messageText(in IncomingMessage) string {
	if in.Text != "" {
		return in.Text
	}
	return in.Caption
}
