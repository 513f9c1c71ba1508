package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	gryag "github.com/ThatHunky/gryag-sub007"
	coordredis "github.com/ThatHunky/gryag-sub007/coord/redis"
	"github.com/ThatHunky/gryag-sub007/frontend/telegram"
	"github.com/ThatHunky/gryag-sub007/internal/bot"
	"github.com/ThatHunky/gryag-sub007/internal/config"
	"github.com/ThatHunky/gryag-sub007/media"
	"github.com/ThatHunky/gryag-sub007/observer"
	"github.com/ThatHunky/gryag-sub007/provider/gemini"
	"github.com/ThatHunky/gryag-sub007/store/sqlite"
	"github.com/ThatHunky/gryag-sub007/tools/calculator"
	"github.com/ThatHunky/gryag-sub007/tools/coderun"
	"github.com/ThatHunky/gryag-sub007/tools/currency"
	"github.com/ThatHunky/gryag-sub007/tools/imagegen"
	"github.com/ThatHunky/gryag-sub007/tools/recall"
	"github.com/ThatHunky/gryag-sub007/tools/weather"
	"github.com/ThatHunky/gryag-sub007/tools/webfetch"
	"github.com/ThatHunky/gryag-sub007/tools/websearch"
)

func main() {
	// 1. Load environment + config
	_ = godotenv.Load()
	cfg, err := config.Load(os.Getenv("GRYAG_CONFIG"))
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// 2. Logging
	logger := buildLogger(cfg.Log)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 3. Store
	store := sqlite.New(cfg.Database.Path, sqlite.WithLogger(logger))
	if err := store.Init(ctx); err != nil {
		log.Fatalf("store init: %v", err)
	}
	defer store.Close()

	// 4. Providers: Gemini chat + embeddings behind retry and a shared breaker
	gem, err := gemini.New(cfg.Gemini.Model, cfg.Gemini.Keys(), gemini.WithLogger(logger))
	if err != nil {
		log.Fatalf("gemini: %v", err)
	}
	emb, err := gemini.NewEmbedding(cfg.Gemini.EmbedModel, cfg.Gemini.Keys(), cfg.Gemini.EmbedDimensions)
	if err != nil {
		log.Fatalf("gemini embedding: %v", err)
	}
	breaker := gryag.NewBreaker(3, time.Minute)
	var provider gryag.Provider = gryag.WithRetry(gem)
	if cfg.Gemini.RPMLimit > 0 {
		provider = gryag.WithRateLimit(provider, gryag.RPM(cfg.Gemini.RPMLimit))
	}
	provider = gryag.GuardProvider(provider, breaker)
	var embedding gryag.EmbeddingProvider = gryag.GuardEmbedding(gryag.WithEmbeddingRetry(emb), breaker, 8)

	// 5. Observer (opt-in via config)
	var inst *observer.Instruments
	var tracer gryag.Tracer
	if cfg.Observer.Enabled {
		pricing := make(map[string]observer.ModelPricing, len(cfg.Observer.Pricing))
		for model, p := range cfg.Observer.Pricing {
			pricing[model] = observer.ModelPricing{InputPerMillion: p.Input, OutputPerMillion: p.Output}
		}

		var shutdown func(context.Context) error
		inst, shutdown, err = observer.Init(ctx, pricing)
		if err != nil {
			log.Fatalf(" [observer] init failed: %v", err)
		}
		defer shutdown(context.Background())

		provider = observer.WrapProvider(provider, cfg.Gemini.Model, inst)
		embedding = observer.WrapEmbedding(embedding, cfg.Gemini.EmbedModel, inst)
		if err := inst.ObserveBreaker("gemini", breaker.Open); err != nil {
			logger.Warn("breaker gauge registration failed", "error", err)
		}
		tracer = observer.NewTracer()

		log.Println(" [observer] OTEL observability enabled")
	}

	// 6. Coordinator: Redis when configured, in-process otherwise
	var coord gryag.Coordinator = gryag.NewMemCoordinator()
	if cfg.Redis.URL != "" {
		rc, err := coordredis.New(ctx, cfg.Redis.URL)
		if err != nil {
			log.Fatalf("redis: %v", err)
		}
		defer rc.Close()
		coord = rc
	}

	// 7. Quota engine
	limiter := gryag.NewLimiter(coord, store, gryag.LimiterConfig{
		PerUserPerHour:     cfg.Quota.PerUserPerHour,
		AdminIDs:           cfg.Telegram.AdminUserIDs,
		Features:           featureQuotas(cfg),
		FeatureThrottling:  cfg.Quota.FeatureThrottling,
		AdaptiveThrottling: cfg.Quota.AdaptiveThrottling,
	}, logger)

	// 8. Retrieval + context assembly
	var search *gryag.HybridSearch
	if cfg.Search.Hybrid {
		searchCfg := gryag.DefaultSearchConfig()
		searchCfg.SemanticWeight = cfg.Search.SemanticWeight
		searchCfg.KeywordWeight = cfg.Search.KeywordWeight
		searchCfg.TemporalWeight = cfg.Search.TemporalWeight
		searchCfg.KeywordSearch = cfg.Search.Keyword
		searchCfg.TemporalBoost = cfg.Search.TemporalBoost
		search = gryag.NewHybridSearch(store, embedding, searchCfg, logger)
	}

	ctxCfg := gryag.DefaultContextConfig()
	ctxCfg.TokenBudget = cfg.Context.TokenBudget
	ctxCfg.ImmediateCount = cfg.Context.ImmediateCount
	ctxCfg.RecentCount = cfg.Context.RecentCount
	ctxCfg.RelevantCount = cfg.Context.RelevantCount
	ctxCfg.FactCount = cfg.Context.FactCount
	ctxCfg.EpisodeCount = cfg.Context.EpisodeCount
	contextMgr := gryag.NewContextManager(store, store, store, store, search, ctxCfg, logger)

	// 9. Persona + prompt resolver
	persona := defaultPersona
	if cfg.Prompt.PersonaPath != "" {
		if data, err := os.ReadFile(cfg.Prompt.PersonaPath); err == nil {
			persona = string(data)
		} else {
			logger.Warn("persona file unreadable, using built-in", "path", cfg.Prompt.PersonaPath, "error", err)
		}
	}
	resolver := gryag.NewPromptResolver(store, persona, time.Hour, logger)

	// 10. Tools
	registry := gryag.NewToolRegistry()
	registerTools(registry, cfg, gem, store, mediaDir(cfg, logger), inst, logger)
	dispatcher := gryag.NewDispatcher(registry, limiter, gryag.NewLocalizer("uk"), logger)

	// 11. Background memory: fact extraction + episodes
	extCfg := gryag.DefaultExtractorConfig()
	extCfg.LLMPass = cfg.Facts.LLMExtraction
	extractor := gryag.NewFactExtractor(store, store, provider, extCfg, logger)

	var episodes *gryag.EpisodeMonitor
	if cfg.Episodes.Enabled {
		epCfg := gryag.DefaultEpisodeConfig()
		epCfg.MinMessages = cfg.Episodes.MinMessages
		epCfg.MinImportance = cfg.Episodes.MinImportance
		epCfg.WindowTimeout = time.Duration(cfg.Episodes.WindowTimeoutSeconds) * time.Second
		epCfg.WindowMaxMessages = cfg.Episodes.WindowMaxMessages
		episodes = gryag.NewEpisodeMonitor(store, provider, embedding, epCfg, logger)
	}

	// 12. Frontend + admin commands
	frontend := telegram.NewBot(cfg.Telegram.Token, telegram.WithLogger(logger))
	commands := bot.New(store, frontend, resolver, limiter, cfg.Telegram.AdminUserIDs, logger,
		bot.WithBotUsername(cfg.Telegram.BotUsername))
	if err := frontend.SetCommands(ctx, bot.CommandList()); err != nil {
		logger.Warn("set commands failed", "error", err)
	}

	// 13. Turn orchestrator
	orchCfg := gryag.DefaultOrchestratorConfig()
	orchCfg.TriggerPatterns = cfg.Telegram.TriggerPatterns
	orchCfg.AllowedChats = cfg.Telegram.AllowedChatIDs
	orchCfg.BlockedChats = cfg.Telegram.BlockedChatIDs
	orchOpts := []gryag.OrchestratorOption{
		gryag.WithFrontend(frontend),
		gryag.WithProvider(provider),
		gryag.WithEmbedding(embedding),
		gryag.WithStore(store),
		gryag.WithContextManager(contextMgr),
		gryag.WithPromptResolver(resolver),
		gryag.WithTools(registry, dispatcher),
		gryag.WithLimiter(limiter),
		gryag.WithExtractor(extractor),
		gryag.WithCommandHandler(commands),
		gryag.WithDocumentText(media.DocumentText),
		gryag.WithLogger(logger),
	}
	if episodes != nil {
		orchOpts = append(orchOpts, gryag.WithEpisodeMonitor(episodes))
	}
	if tracer != nil {
		orchOpts = append(orchOpts, gryag.WithTracer(tracer))
	}
	orch := gryag.NewOrchestrator(orchCfg, orchOpts...)

	// 14. Background jobs
	sched := gryag.NewScheduler(logger)
	if episodes != nil {
		sched.Add("episode_sweep", time.Minute, func(ctx context.Context) error {
			episodes.Sweep(ctx)
			return nil
		})
	}
	sched.Add("fact_decay", 24*time.Hour, func(ctx context.Context) error {
		_, err := store.DecayFacts(ctx)
		return err
	})
	if cfg.Summary.Enabled {
		sumCfg := gryag.DefaultSummarizerConfig()
		sumCfg.Hour = cfg.Summary.Hour
		sumCfg.TZOffset = cfg.Summary.TimezoneOffset
		sumCfg.MaxChatsPerRun = cfg.Summary.MaxChatsPerRun
		summarizer := gryag.NewSummarizer(store, store, provider, sumCfg, logger)
		sched.Add("daily_summary", 10*time.Minute, func(ctx context.Context) error {
			summarizer.Tick(ctx)
			return nil
		})
	}
	if cfg.Retention.Enabled {
		pruner := gryag.NewPruner(store, time.Duration(cfg.Retention.Days)*24*time.Hour, logger)
		sched.Add("retention_prune", time.Duration(cfg.Retention.PruneIntervalSeconds)*time.Second, pruner.Prune)
	}
	if cfg.Proactive.Enabled {
		proCfg := gryag.DefaultProactiveConfig()
		proCfg.Silence = time.Duration(cfg.Proactive.SilenceSeconds) * time.Second
		proCfg.DailyCap = cfg.Proactive.DailyCap
		proactive := gryag.NewProactiveResponder(store, coord, orch, proCfg, logger)
		sched.Add("proactive", time.Minute, proactive.Tick)
	}
	sched.Add("resource_sample", time.Minute, func(context.Context) error {
		return gryag.SampleResources(logger)
	})
	go sched.Start(ctx)

	// 15. Run
	logger.Info("gryag starting", "model", cfg.Gemini.Model, "db", cfg.Database.Path)
	if err := orch.Run(ctx); err != nil {
		log.Fatalf("run: %v", err)
	}
}

// registerTools wires every enabled tool with its rate-limit feature.
// The raw Gemini client goes to tools that need grounding or image
// generation; the guarded provider stays with the turn pipeline.
func registerTools(r *gryag.ToolRegistry, cfg config.Config, gem *gemini.Gemini, store gryag.Store, mediaDir string, inst *observer.Instruments, logger *slog.Logger) {
	r.AddGated(wrapTool(websearch.New(gem), inst), cfg.Tools.WebSearch, gryag.FeatureWebSearch)
	r.AddGated(wrapTool(webfetch.New(), inst), cfg.Tools.WebFetch, gryag.FeatureWebSearch)
	r.AddGated(wrapTool(weather.New(), inst), cfg.Tools.Weather, gryag.FeatureWeather)
	r.AddGated(wrapTool(currency.New(), inst), cfg.Tools.Currency, gryag.FeatureCurrency)
	r.AddGated(wrapTool(calculator.New(), inst), cfg.Tools.Calculator, gryag.FeatureCalculator)
	r.AddGated(wrapTool(imagegen.New(gem, store, mediaDir, logger), inst), cfg.Tools.ImageGeneration, gryag.FeatureImageGen)
	r.AddGated(wrapTool(coderun.New(cfg.Tools.SandboxImage), inst), cfg.Tools.Sandbox, gryag.FeatureCodeRun)
	r.AddGated(wrapTool(recall.New(store), inst), cfg.Tools.Recall, "")
}

// wrapTool wraps a tool with observer instrumentation if inst is non-nil.
func wrapTool(t gryag.Tool, inst *observer.Instruments) gryag.Tool {
	if inst == nil {
		return t
	}
	return observer.WrapTool(t, inst)
}

// featureQuotas maps config onto per-feature hour/day caps. Only the
// image generation daily cap is config-surfaced; the rest are fixed.
func featureQuotas(cfg config.Config) map[string]gryag.FeatureQuota {
	return map[string]gryag.FeatureQuota{
		gryag.FeatureWebSearch:  {PerHour: 6, PerDay: 25},
		gryag.FeatureWeather:    {PerHour: 6, PerDay: 30},
		gryag.FeatureCurrency:   {PerHour: 6, PerDay: 30},
		gryag.FeatureCalculator: {PerHour: 20, PerDay: 100},
		gryag.FeatureImageGen:   {PerHour: 3, PerDay: cfg.Tools.ImageGenerationDailyLimit},
		gryag.FeatureCodeRun:    {PerHour: 4, PerDay: 10},
	}
}

// mediaDir prepares the directory for generated-image caching next to
// the database. Returns "" (caching disabled) when it cannot be made.
func mediaDir(cfg config.Config, logger *slog.Logger) string {
	dir := filepath.Join(filepath.Dir(cfg.Database.Path), "media")
	if err := os.MkdirAll(dir, 0o750); err != nil {
		logger.Warn("media cache dir unavailable", "dir", dir, "error", err)
		return ""
	}
	return dir
}

func buildLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// defaultPersona is the compiled-in system prompt, used when no persona
// file is configured and no prompt row is active for the turn's scope.
const defaultPersona = `Ти — гряг, бот в українському груповому чаті. Характер: саркастичний, дотепний, трохи зухвалий, але по суті доброзичливий і корисний.

Правила:
- Відповідай українською, якщо до тебе не звертаються іншою мовою.
- Пиши коротко, як у живому чаті. Без води і канцеляриту.
- Користуйся інструментами, коли питання потребує фактів, пошуку чи обчислень.
- Зважай на факти про учасників і контекст розмови, коли це доречно.
- Не вигадуй. Не знаєш — так і скажи.`
